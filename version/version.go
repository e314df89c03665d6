package version

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// version is overridden at build time with -ldflags "-X github.com/nexusio/nexus/version.version=x.y.z"
var version = "development"

// NexusVersion returns the updater build version
func NexusVersion() string {
	return version
}

// Satisfies reports whether the running build meets the required minimum.
// Development builds satisfy every requirement.
func Satisfies(required string) (bool, error) {
	if required == "" || version == "development" {
		return true, nil
	}

	want, err := goversion.NewVersion(required)
	if err != nil {
		return false, fmt.Errorf("parse required version %q: %w", required, err)
	}

	current, err := goversion.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("parse current version %q: %w", version, err)
	}

	return current.GreaterThanOrEqual(want), nil
}
