// Package common holds what the daemon and its clients share besides the
// wire packets.
package common

import (
	"fmt"
	"strconv"
	"strings"
)

// Must be manually updated!
// Before releasing: Verify the version number and set Prerelease to ""
// After releasing: Increase the Patch number and set Prerelease to "-pre"
var version = Version{
	Major:      0,
	Minor:      1,
	Patch:      0,
	Prerelease: "-pre",
}

func GetAppVersion() Version {
	return version
}

type Version struct {
	Major      uint32
	Minor      uint32
	Patch      uint32
	Prerelease string
}

// ParseVersion reads a version printed by String.
func ParseVersion(s string) (Version, error) {
	var v Version
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s, v.Prerelease = s[:i], s[i:]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	nums := make([]uint32, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = uint32(n)
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// IsCompatible tells whether a client of version v can talk to a daemon of
// version verRcv. Before 1.0.0 the minor number has to match as well.
func (v Version) IsCompatible(verRcv Version) bool {
	if v.Major != verRcv.Major {
		return false
	}
	if v.Major == 0 {
		return v.Minor == verRcv.Minor
	}
	return true
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Prerelease)
}
