package profile

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the profile schema this build reads.
const SchemaVersion = "1.0"

// CheckSchemaVersion rejects profiles this build cannot apply: a missing
// or unparseable version, one newer than SchemaVersion, or one from a
// different major line.
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}

	declared, err := parseVersion(version)
	if err != nil {
		return err
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if declared.GreaterThan(target) {
		return fmt.Errorf("profile requires schema version %s, but only %s is supported", version, SchemaVersion)
	}
	if declared.Major() != target.Major() {
		return fmt.Errorf("no migration path from schema version %s to %s", version, SchemaVersion)
	}
	return nil
}

func parseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		// Handle simple major.minor strings
		v, err = semver.NewVersion(version + ".0")
		if err != nil {
			return nil, fmt.Errorf("invalid schema version: %s", version)
		}
	}
	return v, nil
}
