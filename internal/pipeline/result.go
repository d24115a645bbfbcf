package pipeline

import (
	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/lensing"
	"boltz/internal/params"
	"boltz/internal/spectra"
	"boltz/internal/thermo"
)

// Result bundles every table of a finished run together with the
// derived-parameter report. All fields are immutable.
type Result struct {
	Config     *params.Config
	Background *background.Background
	Thermo     *thermo.Thermo
	Spectra    *spectra.Spectra

	// NonlinearPk and Lensed are nil when the corresponding output
	// was not requested.
	NonlinearPk *spectra.MatterTable
	Lensed      *lensing.Lensed

	Derived Report
}

// Report collects the derived scalars of a run, the numbers quoted
// alongside the spectra.
type Report struct {
	H0          float64 `json:"h0"`
	OmegaM      float64 `json:"omega_m"`
	OmegaLambda float64 `json:"omega_lambda"`
	OmegaK      float64 `json:"omega_k"`
	ZEq         float64 `json:"z_eq"`
	KEq         float64 `json:"k_eq"`

	ZRec     float64 `json:"z_rec"`
	RsRec    float64 `json:"rs_rec"`
	ZStar    float64 `json:"z_star"`
	ZDrag    float64 `json:"z_drag"`
	RsDrag   float64 `json:"rs_drag"`
	Theta100 float64 `json:"theta_s_100"`
	ZReio    float64 `json:"z_reio"`
	TauReio  float64 `json:"tau_reio"`

	ConformalAge float64 `json:"conformal_age"` // Mpc
	AgeGyr       float64 `json:"age_gyr"`
	Sigma8       float64 `json:"sigma8"`
}

func deriveReport(bg *background.Background, th *thermo.Thermo, sp *spectra.Spectra) Report {
	return Report{
		H0:          bg.Derived.H0,
		OmegaM:      bg.Derived.OmegaM,
		OmegaLambda: bg.Derived.OmegaDE,
		OmegaK:      bg.Derived.OmegaK,
		ZEq:         bg.Derived.ZEq,
		KEq:         bg.Derived.KEq,

		ZRec:     th.Derived.ZRec,
		RsRec:    th.Derived.RsRec,
		ZStar:    th.Derived.ZStar,
		ZDrag:    th.Derived.ZDrag,
		RsDrag:   th.Derived.RsDrag,
		Theta100: th.Derived.Theta100,
		ZReio:    th.Derived.ZReio,
		TauReio:  th.Derived.TauReio,

		ConformalAge: bg.Derived.TauToday,
		AgeGyr:       bg.Derived.AgeGyr,
		Sigma8:       sp.Sigma8,
	}
}

// Targeted accessors, all range checked.

// ClTT returns the unlensed temperature spectrum at one multipole.
func (r *Result) ClTT(l int) (float64, error) { return r.Spectra.TTAt(l) }

// ClEE returns the unlensed E polarization spectrum at one multipole.
func (r *Result) ClEE(l int) (float64, error) { return r.Spectra.EEAt(l) }

// ClTE returns the unlensed cross spectrum at one multipole.
func (r *Result) ClTE(l int) (float64, error) { return r.Spectra.TEAt(l) }

// ClPhiPhi returns the lensing potential spectrum at one multipole.
func (r *Result) ClPhiPhi(l int) (float64, error) { return r.Spectra.PhiPhiAt(l) }

// MatterPower returns the linear P(k, z) in Mpc^3.
func (r *Result) MatterPower(k, z float64) (float64, error) {
	if r.Spectra.Pk == nil {
		return 0, errors.Errorf(errors.ConfigurationError, "matter power was not computed")
	}
	return r.Spectra.Pk.At(k, z)
}

// NonlinearPower returns the halofit-corrected P(k, z) in Mpc^3.
func (r *Result) NonlinearPower(k, z float64) (float64, error) {
	if r.NonlinearPk == nil {
		return 0, errors.Errorf(errors.ConfigurationError, "nonlinear power was not computed")
	}
	return r.NonlinearPk.At(k, z)
}

// LensedTT returns the lensed temperature spectrum at one multipole.
func (r *Result) LensedTT(l int) (float64, error) { return r.lensedAt(l, func(x *lensing.Lensed) []float64 { return x.TT }, "TT") }

// LensedEE returns the lensed E polarization spectrum at one multipole.
func (r *Result) LensedEE(l int) (float64, error) { return r.lensedAt(l, func(x *lensing.Lensed) []float64 { return x.EE }, "EE") }

// LensedBB returns the lensing-induced B spectrum at one multipole.
func (r *Result) LensedBB(l int) (float64, error) { return r.lensedAt(l, func(x *lensing.Lensed) []float64 { return x.BB }, "BB") }

// LensedTE returns the lensed cross spectrum at one multipole.
func (r *Result) LensedTE(l int) (float64, error) { return r.lensedAt(l, func(x *lensing.Lensed) []float64 { return x.TE }, "TE") }

func (r *Result) lensedAt(l int, pick func(*lensing.Lensed) []float64, name string) (float64, error) {
	if r.Lensed == nil {
		return 0, errors.Errorf(errors.ConfigurationError, "lensed spectra were not computed")
	}
	arr := pick(r.Lensed)
	if arr == nil {
		return 0, errors.Errorf(errors.ConfigurationError, "lensed %s spectrum was not computed", name)
	}
	if l < 2 || l > r.Lensed.LMax {
		return 0, errors.Errorf(errors.OutOfDomain, "multipole %d outside [2, %d]", l, r.Lensed.LMax).AtMultipole(l)
	}
	return arr[l], nil
}
