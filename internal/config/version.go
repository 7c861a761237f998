package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SchemaVersion is the X.Y version of a config file's schema.
type SchemaVersion struct {
	Major int
	Minor int
}

// SupportedVersions lists all schema versions we can read.
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

// ParseVersion parses a version string like "1.0". Empty means 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return SchemaVersion{}, errors.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return SchemaVersion{}, errors.Errorf("invalid major version: %s", major)
	}
	min, err := strconv.Atoi(minor)
	if err != nil {
		return SchemaVersion{}, errors.Errorf("invalid minor version: %s", minor)
	}
	return SchemaVersion{Major: maj, Minor: min}, nil
}

// String returns the version as "X.Y".
func (v SchemaVersion) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// IsSupportedVersion checks if we have a reader for this version. Minor
// versions are forward compatible.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, supported := range SupportedVersions {
		if v.Major == supported.Major {
			return true
		}
	}
	return false
}
