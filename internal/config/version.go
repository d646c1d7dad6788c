package config

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version information for the MemLiner runtime.
const (
	// Version is the current version of the runtime.
	Version = "v0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// CheckCompatible reports whether code written against version v can run on
// this runtime: same major version and not newer than Version. A missing
// "v" prefix is accepted.
//
// Example:
//
//	CheckCompatible("v0.1.0") // nil
//	CheckCompatible("0.2.0")  // error: newer than runtime
func CheckCompatible(v string) error {
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: api_version %q is not a semantic version", ErrInvalidConfig, v)
	}
	if semver.Major(v) != semver.Major(Version) {
		return fmt.Errorf("%w: api_version %s has a different major version than %s", ErrInvalidConfig, v, Version)
	}
	if semver.Compare(v, Version) > 0 {
		return fmt.Errorf("%w: api_version %s is newer than runtime %s", ErrInvalidConfig, v, Version)
	}
	return nil
}
