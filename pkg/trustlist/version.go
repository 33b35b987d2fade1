package trustlist

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version is a TrustList version. Timestamp is carried in the structured
// header but takes no part in ordering.
type Version struct {
	Major     uint8
	Minor     uint8
	Patch     uint8
	Build     uint32
	Timestamp uint32
}

// ParseVersion parses "major.minor.patch.build".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return Version{}, fmt.Errorf("invalid version %q: expected [0-255].[0-255].[0-255].[0-4294967295]", s)
	}
	var v Version
	for i, bits := range []int{8, 8, 8, 32} {
		n, err := strconv.ParseUint(parts[i], 10, bits)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		switch i {
		case 0:
			v.Major = uint8(n)
		case 1:
			v.Minor = uint8(n)
		case 2:
			v.Patch = uint8(n)
		case 3:
			v.Build = uint32(n)
		}
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// Compare returns -1, 0 or 1 comparing v with o, ignoring timestamps.
func (v Version) Compare(o Version) int {
	a := [4]uint64{uint64(v.Major), uint64(v.Minor), uint64(v.Patch), uint64(v.Build)}
	b := [4]uint64{uint64(o.Major), uint64(o.Minor), uint64(o.Patch), uint64(o.Build)}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// nextStructured increments build, carrying into patch, minor and major.
// Parts below the one that absorbed the carry reset to zero.
func nextStructured(v Version) (Version, error) {
	next := Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
	switch {
	case v.Build < math.MaxUint32:
		next.Build = v.Build + 1
	case v.Patch < math.MaxUint8:
		next.Patch++
	case v.Minor < math.MaxUint8:
		next.Minor++
		next.Patch = 0
	case v.Major < math.MaxUint8:
		next.Major++
		next.Minor = 0
		next.Patch = 0
	default:
		return Version{}, fmt.Errorf("%w: %s", ErrVersionOverflow, v)
	}
	return next, nil
}

// nextLegacy increments the flat 16-bit counter.
func nextLegacy(v Version) (Version, error) {
	if err := checkLegacyVersion(v); err != nil {
		return Version{}, err
	}
	if v.Build >= math.MaxUint16 {
		return Version{}, fmt.Errorf("%w: %s", ErrVersionOverflow, v)
	}
	return Version{Build: v.Build + 1}, nil
}

func checkLegacyVersion(v Version) error {
	if v.Major != 0 || v.Minor != 0 || v.Patch != 0 || v.Build > math.MaxUint16 {
		return fmt.Errorf("version %s does not fit the legacy 16-bit counter", v)
	}
	return nil
}
