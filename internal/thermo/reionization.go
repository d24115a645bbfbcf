package thermo

import (
	"math"

	"boltz/internal/errors"
)

// Second helium reionization, fixed at low redshift with a narrow
// width in z.
const (
	heliumReioZ     = 3.5
	heliumReioDelta = 0.5

	// Reionization is considered started this many widths above the
	// midpoint; the optical depth is measured from there.
	reioStartFactor = 8.0
)

// reionization is the tanh ionization history layered on the
// recombination output: hydrogen plus the first helium stage share one
// transition, the second helium stage follows at heliumReioZ.
type reionization struct {
	zReio   float64
	deltaZ  float64
	fHe     float64
	xeAfter float64 // 1 + fHe
}

// xeAt returns the total electron fraction at z given the
// recombination value. The transition is tanh-shaped in
// y = (1+z)^{3/2} so its width in z stays deltaZ near the midpoint.
func (r *reionization) xeAt(z, xeRec float64) float64 {
	y := math.Pow(1+z, 1.5)
	yre := math.Pow(1+r.zReio, 1.5)
	dy := 1.5 * math.Sqrt(1+r.zReio) * r.deltaZ
	xe := xeRec + (r.xeAfter-xeRec)*0.5*(1+math.Tanh((yre-y)/dy))
	xe += r.fHe * 0.5 * (1 + math.Tanh((heliumReioZ-z)/heliumReioDelta))
	return xe
}

// zStart is where the hydrogen transition is effectively over when
// seen from high z.
func (r *reionization) zStart() float64 {
	return r.zReio + reioStartFactor*r.deltaZ
}

// solveForTau bisects the midpoint redshift so that measure(zReio)
// returns the target optical depth. measure must be monotone
// increasing in zReio.
func (r *reionization) solveForTau(target, tol, zMax float64, measure func(zReio float64) float64) error {
	lo, hi := 0.0, zMax
	if measure(hi) < target {
		return errors.Errorf(errors.ConfigurationError,
			"tau_reio = %g not reachable below z_reio = %g", target, zMax).AtStage("thermo")
	}
	for iter := 0; iter < 100; iter++ {
		mid := 0.5 * (lo + hi)
		got := measure(mid)
		if math.Abs(got-target) <= tol {
			r.zReio = mid
			return nil
		}
		if got < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return errors.Errorf(errors.NonConvergence, "reionization depth bisection stalled at tau = %g", target).AtStage("thermo")
}
