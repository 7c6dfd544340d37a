// Package version holds build version information.
package version

import "fmt"

// Version is set at build time via -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = "dev"

// Commit is the git commit hash, set at build time.
var Commit = ""

// String returns a human-readable version line for the given binary name.
func String(binary string) string {
	if Commit != "" {
		return fmt.Sprintf("%s %s (%s)", binary, Version, Commit)
	}
	return fmt.Sprintf("%s %s", binary, Version)
}
