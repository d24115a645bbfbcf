// Package params defines the run configuration: cosmological
// parameters, primordial spectrum settings, output selection, and the
// numerical precision knobs. Files load through viper, so YAML, TOML
// and JSON all work; the precision block additionally understands
// named presets.
package params

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"boltz/internal/errors"
)

// Config is the complete configuration of one run.
type Config struct {
	Cosmology  CosmologyParams  `json:"cosmology" mapstructure:"cosmology" toml:"cosmology" yaml:"cosmology"`
	Primordial PrimordialParams `json:"primordial" mapstructure:"primordial" toml:"primordial" yaml:"primordial"`
	Output     OutputParams     `json:"output" mapstructure:"output" toml:"output" yaml:"output"`
	Precision  PrecisionParams  `json:"precision" mapstructure:"precision" toml:"precision" yaml:"precision"`

	// Jobs bounds the worker pool of the wavenumber and projection
	// loops. Zero means one worker per CPU.
	Jobs int `json:"jobs" mapstructure:"jobs" toml:"jobs" yaml:"jobs"`
}

// CosmologyParams fixes the background model. Densities are "little
// omega" values, Omega h^2.
type CosmologyParams struct {
	H0       float64 `json:"h0" mapstructure:"h0" toml:"h0" yaml:"h0"`                                     // km/s/Mpc
	OmegaB   float64 `json:"omega_b" mapstructure:"omega_b" toml:"omega_b" yaml:"omega_b"`                 // Omega_b h^2
	OmegaCDM float64 `json:"omega_cdm" mapstructure:"omega_cdm" toml:"omega_cdm" yaml:"omega_cdm"`         // Omega_cdm h^2
	OmegaK   float64 `json:"omega_k" mapstructure:"omega_k" toml:"omega_k" yaml:"omega_k"`                 // curvature density fraction
	TCMB     float64 `json:"t_cmb" mapstructure:"t_cmb" toml:"t_cmb" yaml:"t_cmb"`                         // K
	NUr      float64 `json:"n_ur" mapstructure:"n_ur" toml:"n_ur" yaml:"n_ur"`                             // massless neutrino species
	YHe      float64 `json:"y_he" mapstructure:"y_he" toml:"y_he" yaml:"y_he"`                             // helium mass fraction

	// Massive neutrinos: one entry per species. Deg defaults to 1 per
	// species, TNcdm to the instantaneous-decoupling 0.71611.
	NcdmMasses []float64 `json:"ncdm_masses" mapstructure:"ncdm_masses" toml:"ncdm_masses" yaml:"ncdm_masses"` // eV
	NcdmDeg    []float64 `json:"ncdm_deg" mapstructure:"ncdm_deg" toml:"ncdm_deg" yaml:"ncdm_deg"`
	TNcdm      float64   `json:"t_ncdm" mapstructure:"t_ncdm" toml:"t_ncdm" yaml:"t_ncdm"` // T_ncdm / T_gamma

	// Reionization: TauReio > 0 asks the thermal history to tune the
	// step redshift until the optical depth matches; otherwise ZReio
	// is used as given.
	ZReio   float64 `json:"z_reio" mapstructure:"z_reio" toml:"z_reio" yaml:"z_reio"`
	TauReio float64 `json:"tau_reio" mapstructure:"tau_reio" toml:"tau_reio" yaml:"tau_reio"`

	// Dark energy equation of state w(a) = w0 + wa(1-a). The exact
	// values (-1, 0) select a cosmological constant with no
	// perturbations; anything else a fluid.
	W0 float64 `json:"w0" mapstructure:"w0" toml:"w0" yaml:"w0"`
	Wa float64 `json:"wa" mapstructure:"wa" toml:"wa" yaml:"wa"`

	// CsFld2 is the fluid sound speed squared in its rest frame.
	CsFld2 float64 `json:"cs2_fld" mapstructure:"cs2_fld" toml:"cs2_fld" yaml:"cs2_fld"`

	// Decaying cold dark matter into dark radiation. Active when both
	// are positive; OmegaDcdm is the surviving density today and the
	// initial density is found by shooting.
	OmegaDcdm float64 `json:"omega_dcdm" mapstructure:"omega_dcdm" toml:"omega_dcdm" yaml:"omega_dcdm"` // Omega_dcdm h^2 today
	GammaDcdm float64 `json:"gamma_dcdm" mapstructure:"gamma_dcdm" toml:"gamma_dcdm" yaml:"gamma_dcdm"` // km/s/Mpc
}

// PrimordialParams selects the primordial spectrum. TableFile switches
// from the power law to a tabulated spectrum read from a TOML file.
type PrimordialParams struct {
	As     float64 `json:"a_s" mapstructure:"a_s" toml:"a_s" yaml:"a_s"`
	Ns     float64 `json:"n_s" mapstructure:"n_s" toml:"n_s" yaml:"n_s"`
	AlphaS float64 `json:"alpha_s" mapstructure:"alpha_s" toml:"alpha_s" yaml:"alpha_s"`
	KPivot float64 `json:"k_pivot" mapstructure:"k_pivot" toml:"k_pivot" yaml:"k_pivot"` // 1/Mpc

	// Sigma8 > 0 rescales As after the fact so that sigma_8 of the
	// linear matter spectrum today matches.
	Sigma8 float64 `json:"sigma8" mapstructure:"sigma8" toml:"sigma8" yaml:"sigma8"`

	TableFile string `json:"table_file" mapstructure:"table_file" toml:"table_file" yaml:"table_file"`
}

// OutputParams selects the products of a run.
type OutputParams struct {
	Temperature      bool `json:"temperature" mapstructure:"temperature" toml:"temperature" yaml:"temperature"`
	Polarization     bool `json:"polarization" mapstructure:"polarization" toml:"polarization" yaml:"polarization"`
	LensingPotential bool `json:"lensing_potential" mapstructure:"lensing_potential" toml:"lensing_potential" yaml:"lensing_potential"`
	MatterPower      bool `json:"matter_power" mapstructure:"matter_power" toml:"matter_power" yaml:"matter_power"`

	// Lensed convolves the CMB spectra with the deflection power.
	// Requires LensingPotential.
	Lensed bool `json:"lensed" mapstructure:"lensed" toml:"lensed" yaml:"lensed"`

	LMax int       `json:"l_max" mapstructure:"l_max" toml:"l_max" yaml:"l_max"`
	KMax float64   `json:"k_max_pk" mapstructure:"k_max_pk" toml:"k_max_pk" yaml:"k_max_pk"` // 1/Mpc
	ZPk  []float64 `json:"z_pk" mapstructure:"z_pk" toml:"z_pk" yaml:"z_pk"`

	// Nonlinear is "none" or "halofit".
	Nonlinear string `json:"nonlinear" mapstructure:"nonlinear" toml:"nonlinear" yaml:"nonlinear"`

	// IC is the initial condition: "ad" (adiabatic) or "cdi" (CDM
	// isocurvature).
	IC string `json:"ic" mapstructure:"ic" toml:"ic" yaml:"ic"`
}

// DefaultConfig returns the baseline flat LCDM configuration.
func DefaultConfig() *Config {
	return &Config{
		Cosmology: CosmologyParams{
			H0:       67.36,
			OmegaB:   0.02237,
			OmegaCDM: 0.1200,
			OmegaK:   0,
			TCMB:     2.7255,
			NUr:      3.044,
			YHe:      0.2454,
			TNcdm:    0.71611,
			ZReio:    7.67,
			W0:       -1,
			Wa:       0,
			CsFld2:   1,
		},
		Primordial: PrimordialParams{
			As:     2.100e-9,
			Ns:     0.9649,
			KPivot: 0.05,
		},
		Output: OutputParams{
			Temperature:      true,
			Polarization:     true,
			LensingPotential: true,
			MatterPower:      true,
			Lensed:           true,
			LMax:             2500,
			KMax:             1.0,
			ZPk:              []float64{0},
			Nonlinear:        "none",
			IC:               "ad",
		},
		Precision: DefaultPrecision(),
	}
}

// Load reads a configuration file. The format follows the extension
// (.yaml, .toml, .json). Fields absent from the file keep their
// defaults; a "precision.preset" key applies a named preset before the
// file's own precision values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.ConfigurationError, "config file %s not found", path)
		}
		return nil, errors.NewBoltzError(errors.ConfigurationError, fmt.Sprintf("reading %s", path), err)
	}

	cfg := DefaultConfig()
	if preset := v.GetString("precision.preset"); preset != "" {
		p, err := Preset(preset)
		if err != nil {
			return nil, err
		}
		cfg.Precision = p
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.NewBoltzError(errors.ConfigurationError, fmt.Sprintf("decoding %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteTOML writes the configuration as a TOML file, creating parent
// directories as needed. Used by "boltz params init" and by the run
// catalog to keep an exact copy of what a run used.
func (c *Config) WriteTOML(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewBoltzError(errors.ConfigurationError, "creating config directory", err)
		}
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.NewBoltzError(errors.InternalError, "encoding config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewBoltzError(errors.ConfigurationError, "writing config", err)
	}
	return nil
}

// Validate checks the configuration for internal consistency. All
// failures carry CONFIGURATION_ERROR.
func (c *Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return errors.Errorf(errors.ConfigurationError, format, args...).AtStage("params")
	}

	cos := &c.Cosmology
	if cos.H0 <= 0 || cos.H0 > 200 {
		return bad("h0 = %g km/s/Mpc out of range", cos.H0)
	}
	if cos.OmegaB <= 0 {
		return bad("omega_b = %g must be positive", cos.OmegaB)
	}
	if cos.OmegaCDM < 0 {
		return bad("omega_cdm = %g must be non-negative", cos.OmegaCDM)
	}
	if cos.TCMB <= 0 {
		return bad("t_cmb = %g must be positive", cos.TCMB)
	}
	if cos.NUr < 0 {
		return bad("n_ur = %g must be non-negative", cos.NUr)
	}
	if cos.YHe <= 0 || cos.YHe >= 1 {
		return bad("y_he = %g outside (0, 1)", cos.YHe)
	}
	if cos.OmegaK <= -1 || cos.OmegaK >= 1 {
		return bad("omega_k = %g outside (-1, 1)", cos.OmegaK)
	}
	if len(cos.NcdmDeg) != 0 && len(cos.NcdmDeg) != len(cos.NcdmMasses) {
		return bad("ncdm_deg has %d entries for %d masses", len(cos.NcdmDeg), len(cos.NcdmMasses))
	}
	for i, m := range cos.NcdmMasses {
		if m <= 0 {
			return bad("ncdm mass %d = %g eV must be positive", i, m)
		}
	}
	if cos.TNcdm <= 0 {
		return bad("t_ncdm = %g must be positive", cos.TNcdm)
	}
	if cos.TauReio < 0 {
		return bad("tau_reio = %g must be non-negative", cos.TauReio)
	}
	if cos.TauReio == 0 && cos.ZReio < 0 {
		return bad("z_reio = %g must be non-negative", cos.ZReio)
	}
	if cos.W0+cos.Wa >= 0 {
		return bad("w0+wa = %g: early dark energy would dominate the radiation era", cos.W0+cos.Wa)
	}
	if (cos.OmegaDcdm > 0) != (cos.GammaDcdm > 0) {
		return bad("omega_dcdm and gamma_dcdm must be set together")
	}

	pm := &c.Primordial
	if pm.TableFile == "" {
		if pm.As <= 0 {
			return bad("a_s = %g must be positive", pm.As)
		}
		if pm.Ns <= 0 || pm.Ns > 2 {
			return bad("n_s = %g out of range", pm.Ns)
		}
		if pm.KPivot <= 0 {
			return bad("k_pivot = %g must be positive", pm.KPivot)
		}
	}
	if pm.Sigma8 < 0 {
		return bad("sigma8 = %g must be non-negative", pm.Sigma8)
	}

	out := &c.Output
	if out.LMax < 2 && (out.Temperature || out.Polarization || out.LensingPotential) {
		return bad("l_max = %d below the quadrupole", out.LMax)
	}
	if out.MatterPower && out.KMax <= 0 {
		return bad("k_max_pk = %g must be positive for matter power output", out.KMax)
	}
	if out.Lensed && !out.LensingPotential {
		return bad("lensed output needs lensing_potential")
	}
	if out.Lensed && !(out.Temperature || out.Polarization) {
		return bad("lensed output needs temperature or polarization")
	}
	switch out.Nonlinear {
	case "", "none", "halofit":
	default:
		return bad("nonlinear = %q (want none or halofit)", out.Nonlinear)
	}
	switch out.IC {
	case "", "ad", "cdi":
	default:
		return bad("ic = %q (want ad or cdi)", out.IC)
	}
	for _, z := range out.ZPk {
		if z < 0 {
			return bad("z_pk entry %g must be non-negative", z)
		}
	}
	if !sort.Float64sAreSorted(out.ZPk) {
		return bad("z_pk must be sorted ascending")
	}

	if c.Jobs < 0 {
		return bad("jobs = %d must be non-negative", c.Jobs)
	}
	return c.Precision.validate()
}

// NcdmDegOrDefault returns the degeneracy list padded with ones.
func (c *CosmologyParams) NcdmDegOrDefault() []float64 {
	deg := make([]float64, len(c.NcdmMasses))
	for i := range deg {
		if i < len(c.NcdmDeg) {
			deg[i] = c.NcdmDeg[i]
		} else {
			deg[i] = 1
		}
	}
	return deg
}

// HasFluid reports whether dark energy is the CPL fluid rather than a
// cosmological constant.
func (c *CosmologyParams) HasFluid() bool {
	return c.W0 != -1 || c.Wa != 0
}

// HasDcdm reports whether the decaying dark matter sector is active.
func (c *CosmologyParams) HasDcdm() bool {
	return c.OmegaDcdm > 0 && c.GammaDcdm > 0
}
