package version

import "os"

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const undefinedVersion = "undefined"

func init() {
	// Allow the version to be bound at container build time instead of at
	// executable link time.
	if Version == undefinedVersion {
		override := os.Getenv("TELEHUB_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}
