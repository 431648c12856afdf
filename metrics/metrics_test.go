package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/metrics/pprof"
)

func TestMetricsServer(t *testing.T) {
	ContributionsAccepted.WithLabelValues("test-ceremony").Inc()
	BackupFailures.WithLabelValues("folder").Inc()

	l := Start(testlogger.New(t), "127.0.0.1:0", pprof.WithProfile())
	require.NotNil(t, l)
	defer l.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", l.Addr().String()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `contributions_accepted{ceremony="test-ceremony"}`)
	require.Contains(t, string(body), `backup_failures{location="folder"}`)

	resp, err = http.Get(fmt.Sprintf("http://%s/debug/pprof/", l.Addr().String()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCeremonyHandlerHidesPrivateMetrics(t *testing.T) {
	EntropyCollections.WithLabelValues("ok").Inc()
	CeremonyStatus.WithLabelValues("c").Set(1)
	rec := httptest.NewRecorder()
	CeremonyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), "ceremony_status")
	require.NotContains(t, rec.Body.String(), "entropy_collections")
}
