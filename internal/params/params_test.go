package params

import (
	"os"
	"path/filepath"
	"testing"

	"boltz/internal/errors"
)

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	body := `
cosmology:
  h0: 70.0
  omega_cdm: 0.115
  ncdm_masses: [0.06]
output:
  l_max: 1200
  lensed: false
precision:
  preset: fast
  l_max_g: 14
jobs: 4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cosmology.H0 != 70.0 {
		t.Errorf("h0 = %g, want 70", cfg.Cosmology.H0)
	}
	if cfg.Cosmology.OmegaB != DefaultConfig().Cosmology.OmegaB {
		t.Errorf("omega_b lost its default: %g", cfg.Cosmology.OmegaB)
	}
	if len(cfg.Cosmology.NcdmMasses) != 1 || cfg.Cosmology.NcdmMasses[0] != 0.06 {
		t.Errorf("ncdm_masses = %v", cfg.Cosmology.NcdmMasses)
	}
	if cfg.Output.LMax != 1200 || cfg.Output.Lensed {
		t.Errorf("output block not applied: %+v", cfg.Output)
	}
	// Preset applied first, explicit file keys win over it.
	if cfg.Precision.Preset != "fast" {
		t.Errorf("preset = %q", cfg.Precision.Preset)
	}
	if cfg.Precision.LMaxG != 14 {
		t.Errorf("l_max_g = %d, want explicit 14 over preset", cfg.Precision.LMaxG)
	}
	if cfg.Precision.QLinstep != 0.9 {
		t.Errorf("q_linstep = %g, want fast preset 0.9", cfg.Precision.QLinstep)
	}
	if cfg.Jobs != 4 {
		t.Errorf("jobs = %d", cfg.Jobs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.IsCode(err, errors.ConfigurationError) {
		t.Fatalf("want CONFIGURATION_ERROR, got %v", err)
	}
}

func TestWriteTOML_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "run.toml")

	cfg := DefaultConfig()
	cfg.Cosmology.H0 = 68.5
	cfg.Output.ZPk = []float64{0, 0.5, 2}
	if err := cfg.WriteTOML(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cosmology.H0 != 68.5 {
		t.Errorf("h0 = %g after round trip", got.Cosmology.H0)
	}
	if len(got.Output.ZPk) != 3 || got.Output.ZPk[2] != 2 {
		t.Errorf("z_pk = %v after round trip", got.Output.ZPk)
	}
}

func TestPreset_Unknown(t *testing.T) {
	if _, err := Preset("turbo"); !errors.IsCode(err, errors.ConfigurationError) {
		t.Fatalf("want CONFIGURATION_ERROR, got %v", err)
	}
}

func TestPreset_HighTightensDefaults(t *testing.T) {
	def := DefaultPrecision()
	high, err := Preset("high")
	if err != nil {
		t.Fatal(err)
	}
	if high.TolPerturbIntegration >= def.TolPerturbIntegration {
		t.Errorf("high preset does not tighten integration tolerance: %g vs %g",
			high.TolPerturbIntegration, def.TolPerturbIntegration)
	}
	if high.LMaxG <= def.LMaxG {
		t.Errorf("high preset does not extend the photon hierarchy")
	}
	// Untouched knobs keep their defaults.
	if high.KMinTau0 != def.KMinTau0 {
		t.Errorf("k_min_tau0 changed unexpectedly: %g", high.KMinTau0)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative h0", func(c *Config) { c.Cosmology.H0 = -1 }},
		{"zero baryons", func(c *Config) { c.Cosmology.OmegaB = 0 }},
		{"bad helium", func(c *Config) { c.Cosmology.YHe = 1.2 }},
		{"deg mismatch", func(c *Config) {
			c.Cosmology.NcdmMasses = []float64{0.06}
			c.Cosmology.NcdmDeg = []float64{1, 1}
		}},
		{"early dark energy", func(c *Config) { c.Cosmology.W0, c.Cosmology.Wa = -0.5, 0.6 }},
		{"dcdm without rate", func(c *Config) { c.Cosmology.OmegaDcdm = 0.01 }},
		{"lensed without potential", func(c *Config) {
			c.Output.LensingPotential = false
			c.Output.Lensed = true
		}},
		{"unknown nonlinear", func(c *Config) { c.Output.Nonlinear = "emulator" }},
		{"unknown ic", func(c *Config) { c.Output.IC = "nid" }},
		{"unsorted z_pk", func(c *Config) { c.Output.ZPk = []float64{1, 0} }},
		{"negative a_s", func(c *Config) { c.Primordial.As = -2e-9 }},
		{"hierarchy too short", func(c *Config) { c.Precision.LMaxG = 3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !errors.IsCode(err, errors.ConfigurationError) {
				t.Fatalf("want CONFIGURATION_ERROR, got %v", err)
			}
		})
	}
}

func TestNcdmDegOrDefault(t *testing.T) {
	c := CosmologyParams{NcdmMasses: []float64{0.06, 0.1}, NcdmDeg: []float64{2}}
	deg := c.NcdmDegOrDefault()
	if len(deg) != 2 || deg[0] != 2 || deg[1] != 1 {
		t.Errorf("deg = %v, want [2 1]", deg)
	}
}
