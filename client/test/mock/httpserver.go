package mock

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/common/testlogger"
	chttp "github.com/drand/ceremony/http"
)

// NewMockHTTPServer serves a fresh registry over HTTP for the duration of
// the test. It returns the base URL and the registry behind it.
func NewMockHTTPServer(t *testing.T, opts ...ceremony.ConfigOption) (string, *ceremony.Registry) {
	t.Helper()

	lg := testlogger.New(t)
	opts = append([]ceremony.ConfigOption{ceremony.WithLogger(lg)}, opts...)
	reg := ceremony.NewRegistry(ceremony.NewConfig(opts...))

	ctx := log.ToContext(context.Background(), lg)
	handler, err := chttp.New(ctx, reg, "test")
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(handler.GetHTTPHandler())
	t.Cleanup(func() {
		server.Close()
		reg.Close()
	})
	return server.URL, reg
}
