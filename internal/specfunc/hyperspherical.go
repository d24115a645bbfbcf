package specfunc

import (
	"math"

	"boltz/internal/errors"
	"boltz/internal/evolver"
)

// Hyper evaluates the hyperspherical Bessel functions Phi_l^nu(chi) of
// a curved Friedmann model. chi is the comoving radius in units of the
// curvature radius, nu = q/sqrt(|K|) the rescaled wavenumber. In the
// flat limit Phi_l^nu(chi) -> j_l(nu*chi).
//
// The closed-model functions exist only for integer nu and l <= nu-1;
// NewHyper enforces the first, PhiAll zeroes the rest.
//
// A Hyper keeps scratch buffers between calls and is not safe for
// concurrent use. The projection stage allocates one per worker.
type Hyper struct {
	closed bool
	nu     float64
	lmax   int
	phiMin float64

	zeta []float64 // zeta_l = sqrt(nu^2 -+ l^2), index 0..lmax+2
	work []float64 // unnormalized downward recursion values
}

// NewHyper prepares an evaluator for curvature sign k (+1 closed,
// -1 open), rescaled wavenumber nu, and multipoles up to lmax. phiMin
// is the magnitude below which values are treated as zero.
func NewHyper(k int, nu float64, lmax int, phiMin float64) (*Hyper, error) {
	if k != 1 && k != -1 {
		return nil, errors.Errorf(errors.ConfigurationError, "curvature sign must be +1 or -1, got %d", k)
	}
	if nu <= 0 || lmax < 0 {
		return nil, errors.Errorf(errors.ConfigurationError, "invalid hyperspherical order: nu=%g lmax=%d", nu, lmax)
	}
	closed := k == 1
	if closed {
		if math.Abs(nu-math.Round(nu)) > 1e-6 || nu < 3 {
			return nil, errors.Errorf(errors.ConfigurationError, "closed model needs integer nu >= 3, got %g", nu)
		}
		nu = math.Round(nu)
	}
	h := &Hyper{
		closed: closed,
		nu:     nu,
		lmax:   lmax,
		phiMin: phiMin,
		zeta:   make([]float64, lmax+3),
		work:   make([]float64, lmax+3),
	}
	for l := 0; l <= lmax+2; l++ {
		s := nu*nu + float64(l*l)
		if closed {
			s = nu*nu - float64(l*l)
			if s < 0 {
				s = 0
			}
		}
		h.zeta[l] = math.Sqrt(s)
	}
	return h, nil
}

// Nu returns the rescaled wavenumber.
func (h *Hyper) Nu() float64 { return h.nu }

// sinK, cosK: the curved-model replacements for chi and 1.
func (h *Hyper) sinK(chi float64) float64 {
	if h.closed {
		return math.Sin(chi)
	}
	return math.Sinh(chi)
}

func (h *Hyper) cosK(chi float64) float64 {
	if h.closed {
		return math.Cos(chi)
	}
	return math.Cosh(chi)
}

// ChiMin returns the argument below which Phi_l^nu stays under the
// phiMin cut. The flat-space cut on nu*chi is mapped through sinK,
// which errs on the small side for open models.
func (h *Hyper) ChiMin(l int) float64 {
	x := BesselXMin(l, h.phiMin)
	s := x / h.nu
	if h.closed {
		if s >= 1 {
			return math.Pi / 2
		}
		return math.Asin(s)
	}
	return math.Asinh(s)
}

// PhiAll fills phi[l] = Phi_l^nu(chi) and dphi[l] = d/dchi Phi_l^nu for
// l = 0..lmax. Both slices must have length lmax+1. Entries below the
// phiMin cut are exact zeros. Closed-model multipoles with l >= nu are
// zeroed as well.
func (h *Hyper) PhiAll(chi float64, phi, dphi []float64) error {
	if len(phi) != h.lmax+1 || len(dphi) != h.lmax+1 {
		return errors.Errorf(errors.InternalError, "hyperspherical output length %d, want %d", len(phi), h.lmax+1)
	}
	if chi <= 0 || (h.closed && chi >= math.Pi) {
		return errors.Errorf(errors.OutOfDomain, "hyperspherical argument chi=%g outside geometry", chi)
	}

	sin := h.sinK(chi)
	cot := h.cosK(chi) / sin
	nu := h.nu

	phi0 := math.Sin(nu*chi) / (nu * sin)
	dphi0 := math.Cos(nu*chi)/sin - cot*phi0

	// Top of the recursion. In a closed model Phi vanishes identically
	// for l >= nu, which makes the downward seed exact.
	top := h.lmax + 2
	if h.closed && top > int(nu) {
		top = int(nu)
	}

	w := h.work[:top+1]
	if err := h.downward(chi, cot, phi0, w); err != nil {
		return err
	}

	for l := 0; l <= h.lmax; l++ {
		var pl, plNext float64
		if l < len(w) {
			pl = w[l]
		}
		if l+1 < len(w) {
			plNext = w[l+1]
		}
		if math.Abs(pl) < h.phiMin {
			phi[l], dphi[l] = 0, 0
			continue
		}
		phi[l] = pl
		dphi[l] = float64(l)*cot*pl - h.zeta[l+1]*plNext
	}
	phi[0], dphi[0] = phi0, dphi0
	return nil
}

// downward runs the three-term recursion from the top multipole to 0
// and normalizes against the exact Phi_0. w receives the normalized
// values; its length sets the starting order.
func (h *Hyper) downward(chi float64, cot, phi0 float64, w []float64) error {
	top := len(w) - 1
	const big = 1e250

	w[top] = 0
	if top >= 1 {
		w[top-1] = math.SmallestNonzeroFloat64 * 1e40
	}
	for l := top - 1; l >= 1; l-- {
		w[l-1] = ((2*float64(l)+1)*cot*w[l] - h.zeta[l+1]*w[l+1]) / h.zeta[l]
		if math.Abs(w[l-1]) > big {
			for i := l - 1; i <= top; i++ {
				w[i] /= big
			}
		}
	}
	if w[0] == 0 || math.IsInf(w[0], 0) || math.IsNaN(w[0]) {
		return errBesselUnstable(top, "hyperspherical downward recursion lost normalization")
	}
	scale := phi0 / w[0]
	if math.IsInf(scale, 0) || math.IsNaN(scale) {
		return errBesselUnstable(top, "hyperspherical normalization overflow")
	}
	for i := range w {
		w[i] *= scale
		if math.IsNaN(w[i]) {
			return errBesselUnstable(i, "hyperspherical recursion produced NaN")
		}
	}
	return nil
}

// Phi returns Phi_l^nu(chi) and its chi derivative for a single
// multipole. On recursion failure it falls back to direct integration
// of the radial equation.
func (h *Hyper) Phi(l int, chi float64) (float64, float64, error) {
	if l > h.lmax {
		return 0, 0, errors.Errorf(errors.OutOfDomain, "multipole %d above table order %d", l, h.lmax)
	}
	phi := make([]float64, h.lmax+1)
	dphi := make([]float64, h.lmax+1)
	err := h.PhiAll(chi, phi, dphi)
	if err == nil {
		return phi[l], dphi[l], nil
	}
	if !errors.IsCode(err, errors.BesselRecursionUnstable) {
		return 0, 0, err
	}
	return h.phiODE(l, chi)
}

// hyperRadial is the radial equation as a first-order system in
// y = (Phi, dPhi/dchi), written in the reversed variable s = -chi so
// that integrating forward in s walks toward smaller chi. In that
// direction the regular solution dominates and the integration is
// stable.
type hyperRadial struct {
	h *Hyper
	l int
}

func (r hyperRadial) Dim() int { return 2 }

func (r hyperRadial) Derivs(s float64, y, dy []float64) error {
	chi := -s
	sin := r.h.sinK(chi)
	cot := r.h.cosK(chi) / sin
	sign := -1.0
	if r.h.closed {
		sign = 1.0
	}
	ll1 := float64(r.l * (r.l + 1))
	dy[0] = -y[1]
	dy[1] = 2*cot*y[1] + (r.h.nu*r.h.nu-sign-ll1/(sin*sin))*y[0]
	return nil
}

// phiODE integrates the radial equation from a chi where the upward
// recursion in l is stable down to the requested chi. Used only when
// the downward recursion reports instability.
func (h *Hyper) phiODE(l int, chi float64) (float64, float64, error) {
	// Seed in the oscillatory region, where Phi_0..Phi_l follow from
	// stable upward recursion.
	s := (float64(l) + 12) / h.nu
	var seed float64
	if h.closed {
		if s >= 0.999 {
			seed = math.Pi / 2
		} else {
			seed = math.Asin(s)
		}
	} else {
		seed = math.Asinh(s)
	}
	if seed <= chi {
		// Already oscillatory at the target; recursion failure here
		// means the mode is genuinely pathological.
		return 0, 0, errBesselUnstable(l, "hyperspherical recursion unstable in oscillatory region")
	}

	sin := h.sinK(seed)
	cot := h.cosK(seed) / sin
	p0 := math.Sin(h.nu*seed) / (h.nu * sin)
	d0 := math.Cos(h.nu*seed)/sin - cot*p0

	// Upward in l at the seed point: Phi_{l+1} from Phi_l, Phi_l'.
	pl, dl := p0, d0
	for m := 0; m < l; m++ {
		next := (float64(m)*cot*pl - dl) / h.zeta[m+1]
		pl, dl = next, h.zeta[m+1]*pl-float64(m+2)*cot*next
	}

	y := []float64{pl, dl}
	rk := evolver.NewRKCK(evolver.Options{AbsTol: 1e-14, RelTol: 1e-8, MaxSteps: 200000})
	if err := rk.Integrate(hyperRadial{h: h, l: l}, -seed, -chi, y, nil, nil); err != nil {
		return 0, 0, errors.Errorf(errors.BesselRecursionUnstable, "hyperspherical fallback integration failed: %v", err).AtMultipole(l)
	}
	if math.Abs(y[0]) < h.phiMin {
		return 0, 0, nil
	}
	return y[0], y[1], nil
}
