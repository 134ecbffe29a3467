package utils

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// ParseVersion parses a numeric dotted version (e.g. 17.0.1)
func ParseVersion(v string) (*version.Version, error) {
	ver, err := version.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %v", v, err)
	}
	if ver.Prerelease() != "" || ver.Metadata() != "" {
		return nil, fmt.Errorf("invalid version %q: only numeric components are supported", v)
	}
	return ver, nil
}

// CompareVersions compares two numeric dotted versions component by component.
// It returns -1 if v < w, 0 if they are equal and +1 if v > w.
func CompareVersions(v, w string) (int, error) {
	pv, err := ParseVersion(v)
	if err != nil {
		return 0, err
	}
	pw, err := ParseVersion(w)
	if err != nil {
		return 0, err
	}
	return pv.Compare(pw), nil
}
