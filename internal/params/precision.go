package params

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"boltz/internal/errors"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// PrecisionParams collects every numerical knob of the solver chain.
// The zero value is not usable; start from DefaultPrecision or a
// preset. Field names follow the quantity they bound, not the stage
// that reads them.
type PrecisionParams struct {
	// Preset names the starting point this block was derived from.
	// Informational after loading.
	Preset string `json:"preset" mapstructure:"preset" toml:"preset" yaml:"preset"`

	// Background integration and sampling.
	BackgroundLogaPoints int     `json:"background_loga_points" mapstructure:"background_loga_points" toml:"background_loga_points" yaml:"background_loga_points"`
	BackgroundRTol       float64 `json:"background_rtol" mapstructure:"background_rtol" toml:"background_rtol" yaml:"background_rtol"`
	BackgroundAIni       float64 `json:"background_a_ini" mapstructure:"background_a_ini" toml:"background_a_ini" yaml:"background_a_ini"`
	NcdmQuadPoints       int     `json:"ncdm_quad_points" mapstructure:"ncdm_quad_points" toml:"ncdm_quad_points" yaml:"ncdm_quad_points"`
	DcdmShootingTol      float64 `json:"dcdm_shooting_tol" mapstructure:"dcdm_shooting_tol" toml:"dcdm_shooting_tol" yaml:"dcdm_shooting_tol"`

	// Thermal history.
	ThermoZStart     float64 `json:"thermo_z_start" mapstructure:"thermo_z_start" toml:"thermo_z_start" yaml:"thermo_z_start"`
	ThermoZPoints    int     `json:"thermo_z_points" mapstructure:"thermo_z_points" toml:"thermo_z_points" yaml:"thermo_z_points"`
	ThermoRTol       float64 `json:"thermo_rtol" mapstructure:"thermo_rtol" toml:"thermo_rtol" yaml:"thermo_rtol"`
	RecfastFudge     float64 `json:"recfast_fudge" mapstructure:"recfast_fudge" toml:"recfast_fudge" yaml:"recfast_fudge"`
	ReioZStartMax    float64 `json:"reio_z_start_max" mapstructure:"reio_z_start_max" toml:"reio_z_start_max" yaml:"reio_z_start_max"`
	ReioDeltaZ       float64 `json:"reio_delta_z" mapstructure:"reio_delta_z" toml:"reio_delta_z" yaml:"reio_delta_z"`
	ReioOptimizeTol  float64 `json:"reio_optimize_tol" mapstructure:"reio_optimize_tol" toml:"reio_optimize_tol" yaml:"reio_optimize_tol"`
	VisibilityThresh float64 `json:"visibility_threshold" mapstructure:"visibility_threshold" toml:"visibility_threshold" yaml:"visibility_threshold"`

	// Wavenumber sampling.
	KMinTau0         float64 `json:"k_min_tau0" mapstructure:"k_min_tau0" toml:"k_min_tau0" yaml:"k_min_tau0"`
	KMaxTau0OverLMax float64 `json:"k_max_tau0_over_l_max" mapstructure:"k_max_tau0_over_l_max" toml:"k_max_tau0_over_l_max" yaml:"k_max_tau0_over_l_max"`
	KStepSub         float64 `json:"k_step_sub" mapstructure:"k_step_sub" toml:"k_step_sub" yaml:"k_step_sub"`
	KStepSuper       float64 `json:"k_step_super" mapstructure:"k_step_super" toml:"k_step_super" yaml:"k_step_super"`
	KStepTransition  float64 `json:"k_step_transition" mapstructure:"k_step_transition" toml:"k_step_transition" yaml:"k_step_transition"`
	KPerDecadeForPk  float64 `json:"k_per_decade_for_pk" mapstructure:"k_per_decade_for_pk" toml:"k_per_decade_for_pk" yaml:"k_per_decade_for_pk"`
	KPerDecadeForBao float64 `json:"k_per_decade_for_bao" mapstructure:"k_per_decade_for_bao" toml:"k_per_decade_for_bao" yaml:"k_per_decade_for_bao"`

	// Per-wavenumber integration.
	TolPerturbIntegration     float64 `json:"tol_perturb_integration" mapstructure:"tol_perturb_integration" toml:"tol_perturb_integration" yaml:"tol_perturb_integration"`
	PerturbSamplingStepsize   float64 `json:"perturb_sampling_stepsize" mapstructure:"perturb_sampling_stepsize" toml:"perturb_sampling_stepsize" yaml:"perturb_sampling_stepsize"`
	StartSmallKAtTauCOverTauH float64 `json:"start_small_k_at_tau_c_over_tau_h" mapstructure:"start_small_k_at_tau_c_over_tau_h" toml:"start_small_k_at_tau_c_over_tau_h" yaml:"start_small_k_at_tau_c_over_tau_h"`
	StartLargeKAtTauHOverTauK float64 `json:"start_large_k_at_tau_h_over_tau_k" mapstructure:"start_large_k_at_tau_h_over_tau_k" toml:"start_large_k_at_tau_h_over_tau_k" yaml:"start_large_k_at_tau_h_over_tau_k"`
	CurvatureIni              float64 `json:"curvature_ini" mapstructure:"curvature_ini" toml:"curvature_ini" yaml:"curvature_ini"`
	EntropyIni                float64 `json:"entropy_ini" mapstructure:"entropy_ini" toml:"entropy_ini" yaml:"entropy_ini"`

	// Approximation triggers.
	TightCouplingTauCOverTauH float64 `json:"tight_coupling_tau_c_over_tau_h" mapstructure:"tight_coupling_tau_c_over_tau_h" toml:"tight_coupling_tau_c_over_tau_h" yaml:"tight_coupling_tau_c_over_tau_h"`
	TightCouplingTauCOverTauK float64 `json:"tight_coupling_tau_c_over_tau_k" mapstructure:"tight_coupling_tau_c_over_tau_k" toml:"tight_coupling_tau_c_over_tau_k" yaml:"tight_coupling_tau_c_over_tau_k"`
	RadStreamingTauOverTauK   float64 `json:"rad_streaming_tau_over_tau_k" mapstructure:"rad_streaming_tau_over_tau_k" toml:"rad_streaming_tau_over_tau_k" yaml:"rad_streaming_tau_over_tau_k"`
	RadStreamingTauCOverTau   float64 `json:"rad_streaming_tau_c_over_tau" mapstructure:"rad_streaming_tau_c_over_tau" toml:"rad_streaming_tau_c_over_tau" yaml:"rad_streaming_tau_c_over_tau"`
	UrFluidTauOverTauK        float64 `json:"ur_fluid_tau_over_tau_k" mapstructure:"ur_fluid_tau_over_tau_k" toml:"ur_fluid_tau_over_tau_k" yaml:"ur_fluid_tau_over_tau_k"`

	// Hierarchy truncations.
	LMaxG    int `json:"l_max_g" mapstructure:"l_max_g" toml:"l_max_g" yaml:"l_max_g"`
	LMaxPolG int `json:"l_max_pol_g" mapstructure:"l_max_pol_g" toml:"l_max_pol_g" yaml:"l_max_pol_g"`
	LMaxUr   int `json:"l_max_ur" mapstructure:"l_max_ur" toml:"l_max_ur" yaml:"l_max_ur"`
	LMaxNcdm int `json:"l_max_ncdm" mapstructure:"l_max_ncdm" toml:"l_max_ncdm" yaml:"l_max_ncdm"`
	LMaxDr   int `json:"l_max_dr" mapstructure:"l_max_dr" toml:"l_max_dr" yaml:"l_max_dr"`

	// Projection wavenumber grid and Bessel sampling.
	QLinstep          float64 `json:"q_linstep" mapstructure:"q_linstep" toml:"q_linstep" yaml:"q_linstep"`
	QLogstepSpline    float64 `json:"q_logstep_spline" mapstructure:"q_logstep_spline" toml:"q_logstep_spline" yaml:"q_logstep_spline"`
	QLogstepOpen      float64 `json:"q_logstep_open" mapstructure:"q_logstep_open" toml:"q_logstep_open" yaml:"q_logstep_open"`
	HyperSamplingFlat float64 `json:"hyper_sampling_flat" mapstructure:"hyper_sampling_flat" toml:"hyper_sampling_flat" yaml:"hyper_sampling_flat"`
	HyperPhiMinAbs    float64 `json:"hyper_phi_min_abs" mapstructure:"hyper_phi_min_abs" toml:"hyper_phi_min_abs" yaml:"hyper_phi_min_abs"`

	// Projection cuts.
	NeglectDeltaKT0   float64 `json:"neglect_delta_k_t0" mapstructure:"neglect_delta_k_t0" toml:"neglect_delta_k_t0" yaml:"neglect_delta_k_t0"`
	NeglectDeltaKT1   float64 `json:"neglect_delta_k_t1" mapstructure:"neglect_delta_k_t1" toml:"neglect_delta_k_t1" yaml:"neglect_delta_k_t1"`
	NeglectDeltaKT2   float64 `json:"neglect_delta_k_t2" mapstructure:"neglect_delta_k_t2" toml:"neglect_delta_k_t2" yaml:"neglect_delta_k_t2"`
	NeglectDeltaKE    float64 `json:"neglect_delta_k_e" mapstructure:"neglect_delta_k_e" toml:"neglect_delta_k_e" yaml:"neglect_delta_k_e"`
	NeglectLateSource float64 `json:"neglect_late_source" mapstructure:"neglect_late_source" toml:"neglect_late_source" yaml:"neglect_late_source"`
	LSwitchLimber     float64 `json:"l_switch_limber" mapstructure:"l_switch_limber" toml:"l_switch_limber" yaml:"l_switch_limber"`

	// Multipole sampling of the spectra.
	LLogstep float64 `json:"l_logstep" mapstructure:"l_logstep" toml:"l_logstep" yaml:"l_logstep"`
	LLinstep int     `json:"l_linstep" mapstructure:"l_linstep" toml:"l_linstep" yaml:"l_linstep"`

	// Nonlinear correction.
	HalofitKPerDecade     float64 `json:"halofit_k_per_decade" mapstructure:"halofit_k_per_decade" toml:"halofit_k_per_decade" yaml:"halofit_k_per_decade"`
	HalofitSigmaPrecision float64 `json:"halofit_sigma_precision" mapstructure:"halofit_sigma_precision" toml:"halofit_sigma_precision" yaml:"halofit_sigma_precision"`
	HalofitMinKMax        float64 `json:"halofit_min_k_max" mapstructure:"halofit_min_k_max" toml:"halofit_min_k_max" yaml:"halofit_min_k_max"`

	// Lensed spectra.
	LensingMuPoints  int `json:"lensing_mu_points" mapstructure:"lensing_mu_points" toml:"lensing_mu_points" yaml:"lensing_mu_points"`
	LensingDeltaLMax int `json:"lensing_delta_l_max" mapstructure:"lensing_delta_l_max" toml:"lensing_delta_l_max" yaml:"lensing_delta_l_max"`
}

// DefaultPrecision returns the preset used when nothing is requested.
// The values are tuned for roughly 0.1 percent spectra.
func DefaultPrecision() PrecisionParams {
	return PrecisionParams{
		Preset: "default",

		BackgroundLogaPoints: 512,
		BackgroundRTol:       1e-9,
		BackgroundAIni:       1e-14,
		NcdmQuadPoints:       5,
		DcdmShootingTol:      1e-6,

		ThermoZStart:     5e6,
		ThermoZPoints:    20000,
		ThermoRTol:       1e-8,
		RecfastFudge:     1.14,
		ReioZStartMax:    50,
		ReioDeltaZ:       0.5,
		ReioOptimizeTol:  1e-5,
		VisibilityThresh: 5e-5,

		KMinTau0:         0.1,
		KMaxTau0OverLMax: 2.4,
		KStepSub:         0.05,
		KStepSuper:       0.002,
		KStepTransition:  0.2,
		KPerDecadeForPk:  10,
		KPerDecadeForBao: 70,

		TolPerturbIntegration:     1e-5,
		PerturbSamplingStepsize:   0.1,
		StartSmallKAtTauCOverTauH: 0.0015,
		StartLargeKAtTauHOverTauK: 0.05,
		CurvatureIni:              1,
		EntropyIni:                1,

		TightCouplingTauCOverTauH: 0.015,
		TightCouplingTauCOverTauK: 0.010,
		RadStreamingTauOverTauK:   45,
		RadStreamingTauCOverTau:   5,
		UrFluidTauOverTauK:        30,

		LMaxG:    12,
		LMaxPolG: 10,
		LMaxUr:   17,
		LMaxNcdm: 17,
		LMaxDr:   17,

		QLinstep:          0.45,
		QLogstepSpline:    170,
		QLogstepOpen:      6,
		HyperSamplingFlat: 8,
		HyperPhiMinAbs:    1e-10,

		NeglectDeltaKT0:   0.15,
		NeglectDeltaKT1:   0.04,
		NeglectDeltaKT2:   0.4,
		NeglectDeltaKE:    0.11,
		NeglectLateSource: 400,
		LSwitchLimber:     10,

		LLogstep: 1.12,
		LLinstep: 40,

		HalofitKPerDecade:     80,
		HalofitSigmaPrecision: 0.05,
		HalofitMinKMax:        5,

		LensingMuPoints:  0, // auto: 128 angle nodes
		LensingDeltaLMax: 500,
	}
}

// Preset returns a named precision preset: "fast", "default" or
// "high". Presets other than default are stored as overrides on top
// of it.
func Preset(name string) (PrecisionParams, error) {
	p := DefaultPrecision()
	if name == "default" || name == "" {
		return p, nil
	}
	data, err := presetFS.ReadFile(fmt.Sprintf("presets/%s.yaml", name))
	if err != nil {
		return p, errors.Errorf(errors.ConfigurationError, "unknown precision preset %q", name)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.NewBoltzError(errors.InternalError, fmt.Sprintf("decoding preset %s", name), err)
	}
	p.Preset = name
	return p, nil
}

// PresetNames lists the embedded presets plus the built-in default.
func PresetNames() []string {
	names := []string{"default"}
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return names
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".yaml" {
			names = append(names, name[:len(name)-5])
		}
	}
	return names
}

func (p *PrecisionParams) validate() error {
	bad := func(format string, args ...interface{}) error {
		return errors.Errorf(errors.ConfigurationError, format, args...).AtStage("params")
	}
	if p.BackgroundLogaPoints < 64 {
		return bad("background_loga_points = %d too coarse", p.BackgroundLogaPoints)
	}
	if p.BackgroundAIni <= 0 || p.BackgroundAIni > 1e-8 {
		return bad("background_a_ini = %g out of range", p.BackgroundAIni)
	}
	if p.NcdmQuadPoints < 3 {
		return bad("ncdm_quad_points = %d below minimum 3", p.NcdmQuadPoints)
	}
	if p.ThermoZStart < 1e4 {
		return bad("thermo_z_start = %g must cover helium recombination", p.ThermoZStart)
	}
	if p.ThermoZPoints < 1000 {
		return bad("thermo_z_points = %d too coarse", p.ThermoZPoints)
	}
	if p.LMaxG < 6 || p.LMaxPolG < 4 || p.LMaxUr < 4 {
		return bad("hierarchy truncations too low: l_max_g=%d l_max_pol_g=%d l_max_ur=%d", p.LMaxG, p.LMaxPolG, p.LMaxUr)
	}
	if p.KMinTau0 <= 0 || p.KMaxTau0OverLMax <= 0 {
		return bad("wavenumber grid bounds must be positive")
	}
	if p.TolPerturbIntegration <= 0 || p.TolPerturbIntegration > 1e-2 {
		return bad("tol_perturb_integration = %g out of range", p.TolPerturbIntegration)
	}
	if p.TightCouplingTauCOverTauH <= 0 || p.TightCouplingTauCOverTauK <= 0 {
		return bad("tight coupling triggers must be positive")
	}
	if p.QLinstep <= 0 || p.QLogstepSpline <= 1 {
		return bad("projection grid steps out of range: q_linstep=%g q_logstep_spline=%g", p.QLinstep, p.QLogstepSpline)
	}
	if p.HyperSamplingFlat < 2 {
		return bad("hyper_sampling_flat = %g undersamples the oscillations", p.HyperSamplingFlat)
	}
	if p.LLogstep <= 1 || p.LLinstep < 1 {
		return bad("multipole sampling out of range: l_logstep=%g l_linstep=%d", p.LLogstep, p.LLinstep)
	}
	return nil
}
