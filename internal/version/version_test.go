package version

import (
	"strings"
	"testing"
)

func stash(t *testing.T) {
	t.Helper()
	v, c, b := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = v, c, b })
}

func TestInfo(t *testing.T) {
	stash(t)
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{"unknown_commit", "1.0.0", "unknown", "1.0.0"},
		{"short_commit", "1.0.0", "abc", "1.0.0"},
		{"boundary_7_chars", "2.0.0", "1234567", "2.0.0"},
		{"full_hash", "1.0.0", "abc1234567890", "1.0.0 (abc1234)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, Commit = tt.version, tt.commit
			if got := Info(); got != tt.want {
				t.Errorf("Info() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFull(t *testing.T) {
	stash(t)
	Version, Commit, BuildDate = "1.2.3", "abcdef123456", "2024-01-15"

	got := Full()
	for _, part := range []string{"boltz version 1.2.3", "Commit: abcdef123456", "Built: 2024-01-15"} {
		if !strings.Contains(got, part) {
			t.Errorf("Full() = %q, missing %q", got, part)
		}
	}
}

func TestDefaultVersionIsSemver(t *testing.T) {
	if len(strings.Split(Version, ".")) < 2 {
		t.Errorf("Version %q is not semver-shaped", Version)
	}
}
