package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	require.Equal(t, "1.2.3", Version{Major: 1, Minor: 2, Patch: 3}.String())
	require.Equal(t, "1.2.3-pre", Version{Major: 1, Minor: 2, Patch: 3, Prerelease: "-pre"}.String())
}

func TestParseVersion(t *testing.T) {
	for _, v := range []Version{
		{Major: 1, Minor: 2, Patch: 3},
		{Major: 0, Minor: 1, Patch: 0, Prerelease: "-pre"},
		{Major: 10, Minor: 0, Patch: 7, Prerelease: "+dirty"},
		GetAppVersion(),
	} {
		got, err := ParseVersion(v.String())
		require.NoError(t, err)
		require.Equal(t, v, got)
	}

	for _, s := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.-2.3", "test"} {
		_, err := ParseVersion(s)
		require.Error(t, err, s)
	}
}

func TestVersionCompatible(t *testing.T) {
	v010 := Version{Major: 0, Minor: 1, Patch: 0}
	v011pre := Version{Major: 0, Minor: 1, Patch: 1, Prerelease: "-pre"}
	v020 := Version{Major: 0, Minor: 2, Patch: 0}
	v123 := Version{Major: 1, Minor: 2, Patch: 3}
	v157 := Version{Major: 1, Minor: 5, Patch: 7}
	v200 := Version{Major: 2, Minor: 0, Patch: 0}

	compatible := func(a, b Version) {
		require.True(t, a.IsCompatible(b) && b.IsCompatible(a), "%s should be compatible with %s", a, b)
	}
	incompatible := func(a, b Version) {
		require.False(t, a.IsCompatible(b) || b.IsCompatible(a), "%s should not be compatible with %s", a, b)
	}

	compatible(v010, v010)
	compatible(v010, v011pre)
	compatible(v123, v157)
	incompatible(v010, v020)
	incompatible(v010, v123)
	incompatible(v123, v200)
	incompatible(v157, v200)
}
