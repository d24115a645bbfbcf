// Package lensing convolves the unlensed CMB spectra with the lensing
// potential power. The method is the flat-sky quadratic kernel: the
// smoothing term (1 - l^2 R) C_l plus the convolution integral over
// d^2 l' with the [l'.(l-l')]^2 weight, discretized with Gauss-Legendre
// nodes over the angle and a trapezoid over the sparse multipole list.
// Accurate to the percent level for l above ~100, which is the regime
// the lensed spectra matter in.
package lensing

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/integrate/quad"

	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/spectra"
)

// Lensed holds the convolved spectra on integer multipoles up to LMax.
// BB is generated from EE by lensing even though no primordial B modes
// are computed. LMax is below the unlensed LMax by the configured
// buffer, since the convolution at l needs unlensed power beyond l.
type Lensed struct {
	LMax int

	TT []float64
	EE []float64
	BB []float64
	TE []float64
}

// Apply convolves the unlensed spectra with C_l^phiphi.
func Apply(s *spectra.Spectra, prec *params.PrecisionParams, logger *slog.Logger) (*Lensed, error) {
	log := logging.Stage(logger, "lensing")

	if s.PhiPhi == nil {
		return nil, errors.Errorf(errors.ConfigurationError,
			"lensed spectra need the lensing potential (enable lensing_potential)")
	}
	if s.TT == nil {
		return nil, errors.Errorf(errors.ConfigurationError,
			"lensed spectra need the temperature spectrum")
	}

	lmax := s.LMax - prec.LensingDeltaLMax
	if lmax < 2 {
		return nil, errors.Errorf(errors.ConfigurationError,
			"l_max = %d leaves no room for the lensing buffer %d", s.LMax, prec.LensingDeltaLMax)
	}

	c := newConvolver(s, prec)
	out := &Lensed{LMax: lmax}

	ls := sampling(lmax)
	tt := make([]float64, len(ls))
	ee := make([]float64, len(ls))
	bb := make([]float64, len(ls))
	te := make([]float64, len(ls))
	for i, l := range ls {
		tt[i], ee[i], bb[i], te[i] = c.at(float64(l))
	}

	var err error
	if out.TT, err = dense(ls, tt, lmax); err != nil {
		return nil, err
	}
	if s.EE != nil {
		if out.EE, err = dense(ls, ee, lmax); err != nil {
			return nil, err
		}
		if out.BB, err = dense(ls, bb, lmax); err != nil {
			return nil, err
		}
	}
	if s.TE != nil {
		if out.TE, err = dense(ls, te, lmax); err != nil {
			return nil, err
		}
	}

	log.Info("lensed spectra assembled",
		slog.Int("l_max", lmax),
		slog.Float64("gradient_power", c.r))
	return out, nil
}

// convolver carries the dense unlensed arrays, the mean-gradient power
// R and the fixed quadrature nodes.
type convolver struct {
	s *spectra.Spectra
	r float64 // (1/4pi) int dl l^3 C_l^phiphi

	lp        []float64 // l' nodes
	phi, wPhi []float64 // angle nodes and weights on [0, pi]
}

func newConvolver(s *spectra.Spectra, prec *params.PrecisionParams) *convolver {
	c := &convolver{s: s}

	// Mean squared deflection: R = (1/4pi) int dl l^3 C^phiphi.
	ls := make([]float64, 0, s.LMax-1)
	f := make([]float64, 0, s.LMax-1)
	for l := 2; l <= s.LMax; l++ {
		lf := float64(l)
		ls = append(ls, lf)
		f = append(f, lf*lf*lf*s.PhiPhi[l])
	}
	c.r = integrate.Trapezoidal(ls, f) / (4 * math.Pi)

	for _, l := range sampling(s.LMax) {
		c.lp = append(c.lp, float64(l))
	}

	n := prec.LensingMuPoints
	if n <= 0 {
		n = 128
	}
	c.phi = make([]float64, n)
	c.wPhi = make([]float64, n)
	quad.Legendre{}.FixedLocations(c.phi, c.wPhi, 0, math.Pi)
	return c
}

// at evaluates the four lensed spectra at one multipole.
func (c *convolver) at(l float64) (tt, ee, bb, te float64) {
	s := c.s
	smooth := 1 - l*l*c.r

	// Convolution: (2/(2pi)^2) int l' dl' int_0^pi dphi
	// [l l' cos phi - l'^2]^2 C^phiphi(|l - l'|) X(l').
	intTT := make([]float64, len(c.lp))
	intEE := make([]float64, len(c.lp))
	intBB := make([]float64, len(c.lp))
	intTE := make([]float64, len(c.lp))
	for i, lp := range c.lp {
		var aTT, aEE, aBB, aTE float64
		for j, phi := range c.phi {
			cos := math.Cos(phi)
			m := math.Sqrt(l*l + lp*lp - 2*l*lp*cos)
			cpp := clAt(s.PhiPhi, m)
			if cpp == 0 {
				continue
			}
			kern := l*lp*cos - lp*lp
			w := c.wPhi[j] * kern * kern * cpp
			c2 := math.Cos(2 * phi)
			s2 := math.Sin(2 * phi)
			aTT += w
			aEE += w * c2 * c2
			aBB += w * s2 * s2
			aTE += w * c2
		}
		cTT := clAt(s.TT, lp)
		aTT *= lp * cTT
		if s.EE != nil {
			cEE := clAt(s.EE, lp)
			aEE *= lp * cEE
			aBB *= lp * cEE
		}
		if s.TE != nil {
			aTE *= lp * clAt(s.TE, lp)
		}
		intTT[i], intEE[i], intBB[i], intTE[i] = aTT, aEE, aBB, aTE
	}

	norm := 2 / (4 * math.Pi * math.Pi)
	tt = smooth*clAt(s.TT, l) + norm*integrate.Trapezoidal(c.lp, intTT)
	if s.EE != nil {
		ee = smooth*clAt(s.EE, l) + norm*integrate.Trapezoidal(c.lp, intEE)
		bb = norm * integrate.Trapezoidal(c.lp, intBB)
	}
	if s.TE != nil {
		te = smooth*clAt(s.TE, l) + norm*integrate.Trapezoidal(c.lp, intTE)
	}
	return tt, ee, bb, te
}

// clAt reads a dense integer-indexed spectrum at a real multipole by
// linear interpolation, zero outside [2, lmax].
func clAt(cl []float64, l float64) float64 {
	n := len(cl) - 1
	if n < 2 || l < 2 || l > float64(n) {
		return 0
	}
	i := int(l)
	if i >= n {
		return cl[n]
	}
	f := l - float64(i)
	return cl[i]*(1-f) + cl[i+1]*f
}

// sampling returns the sparse multipole list the convolution is
// evaluated on: every multipole to 40, then geometric steps.
func sampling(lmax int) []int {
	var ls []int
	for l := 2; l <= lmax && l <= 40; l++ {
		ls = append(ls, l)
	}
	l := 40.0
	for {
		l *= 1.08
		il := int(l)
		if il >= lmax {
			break
		}
		ls = append(ls, il)
	}
	if ls[len(ls)-1] != lmax {
		ls = append(ls, lmax)
	}
	return ls
}

// dense splines the sparse lensed values onto every integer multipole.
func dense(ls []int, vals []float64, lmax int) ([]float64, error) {
	xs := make([]float64, len(ls))
	for i, l := range ls {
		xs[i] = float64(l)
	}
	spl, err := interp.NewSpline(xs, vals, interp.EstimateBoundary)
	if err != nil {
		return nil, err
	}
	out := make([]float64, lmax+1)
	var cache int
	for l := 2; l <= lmax; l++ {
		v, err := spl.EvalCached(float64(l), &cache)
		if err != nil {
			return nil, err
		}
		out[l] = v
	}
	return out, nil
}
