package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfig_Defaults(t *testing.T) {
	paramsFile, presetFlag, jobsFlag = "", "", 0
	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Cosmology.H0 != 67.36 {
		t.Errorf("default h0 = %g, want 67.36", cfg.Cosmology.H0)
	}
}

func TestResolveConfig_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.toml")
	body := "[cosmology]\nh0 = 70.0\n\n[output]\nl_max = 100\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing params file: %v", err)
	}

	paramsFile, presetFlag, jobsFlag = path, "fast", 3
	defer func() { paramsFile, presetFlag, jobsFlag = "", "", 0 }()

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Cosmology.H0 != 70.0 {
		t.Errorf("h0 = %g, want the file value 70", cfg.Cosmology.H0)
	}
	if cfg.Output.LMax != 100 {
		t.Errorf("l_max = %d, want the file value 100", cfg.Output.LMax)
	}
	if cfg.Precision.Preset != "fast" {
		t.Errorf("preset = %q, want fast from the flag", cfg.Precision.Preset)
	}
	if cfg.Jobs != 3 {
		t.Errorf("jobs = %d, want 3 from the flag", cfg.Jobs)
	}
}

func TestResolveConfig_BadPreset(t *testing.T) {
	paramsFile, presetFlag, jobsFlag = "", "nope", 0
	defer func() { presetFlag = "" }()
	if _, err := resolveConfig(); err == nil {
		t.Fatal("unknown preset accepted")
	}
}
