// Package version is the single source of build metadata.
package version

// Overridden at build time:
// go build -ldflags "-X boltz/internal/version.Version=1.0.0 -X boltz/internal/version.Commit=abc123"
var (
	// Version is the semantic version of boltz.
	Version = "0.1.0"

	// Commit is the git commit hash (set at build time).
	Commit = "unknown"

	// BuildDate is the build timestamp (set at build time).
	BuildDate = "unknown"
)

// Info returns a short version string.
func Info() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}

// Full returns the complete version block.
func Full() string {
	return "boltz version " + Version + "\n" +
		"Commit: " + Commit + "\n" +
		"Built: " + BuildDate
}
