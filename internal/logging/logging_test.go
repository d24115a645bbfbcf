package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFromVerbosity(t *testing.T) {
	tests := []struct {
		name      string
		verbosity int
		quiet     bool
		want      slog.Level
	}{
		{name: "quiet suppresses all", verbosity: 2, quiet: true, want: slog.Level(100)},
		{name: "default is warn", verbosity: 0, quiet: false, want: slog.LevelWarn},
		{name: "v is info", verbosity: 1, quiet: false, want: slog.LevelInfo},
		{name: "vv is debug", verbosity: 2, quiet: false, want: slog.LevelDebug},
		{name: "vvv still debug", verbosity: 3, quiet: false, want: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LevelFromVerbosity(tt.verbosity, tt.quiet); got != tt.want {
				t.Errorf("LevelFromVerbosity(%d, %v) = %v, want %v", tt.verbosity, tt.quiet, got, tt.want)
			}
		})
	}
}

func TestRunHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug)

	logger.Info("perturbations done", "modes", 120, "kmax", 3.1e-1)

	out := buf.String()
	for _, part := range []string{"[info]", "perturbations done", "modes=120", "kmax=0.31"} {
		if !strings.Contains(out, part) {
			t.Errorf("output %q missing %q", out, part)
		}
	}
}

func TestRunHandler_FloatFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug)

	logger.Debug("step", "tau", 1.234567891e4)

	out := buf.String()
	if !strings.Contains(out, "tau=12345.7") {
		t.Errorf("float should use 6 significant digits, got %q", out)
	}
}

func TestStage_PrefixesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug)

	Stage(logger, "background").Info("integrated", "points", 512)

	out := buf.String()
	if !strings.Contains(out, "background.points=512") {
		t.Errorf("stage group should prefix attrs, got %q", out)
	}
}

func TestStage_NilLogger(t *testing.T) {
	// Must not panic and must stay silent.
	Stage(nil, "thermo").Error("ignored")
}

func TestTeeLogger_WritesBoth(t *testing.T) {
	var a, b bytes.Buffer
	logger := NewTeeLogger(slog.LevelInfo, &a, &b)

	logger.Info("sources assembled", "ks", 60)

	for name, buf := range map[string]*bytes.Buffer{"first": &a, "second": &b} {
		if !strings.Contains(buf.String(), "sources assembled") {
			t.Errorf("%s writer missing the record: %q", name, buf.String())
		}
	}
}

func TestRunHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record should pass at warn level")
	}
}
