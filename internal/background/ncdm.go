package background

import (
	"math"

	"boltz/internal/errors"
	"boltz/internal/specfunc"
	"boltz/internal/units"
)

// NcdmBasis carries one massive species' momentum quadrature. The
// background needs rho and p as integrals over the frozen Fermi-Dirac
// distribution; the perturbation stage reuses the same nodes for its
// Psi_l(q) hierarchy so the two stages integrate the same measure.
//
// Momenta q are in units of T_ncdm,0; all integrals over
// f0(q) = 1/(e^q+1) become weighted sums over the nodes.
type NcdmBasis struct {
	MassEV float64
	Deg    float64
	TRatio float64 // T_ncdm / T_gamma

	Q  []float64 // quadrature nodes
	W  []float64 // full measure: gauss-laguerre weight * e^q * f0(q)
	D  []float64 // dln f0 / dln q at the nodes

	y0     float64 // m / (k T_ncdm,0), so y(a) = a*y0
	factor float64 // deg * (15/pi^4) * TRatio^4 * rho_gamma,0
}

// NewNcdmBasis builds the quadrature for one species. rhoGamma0 is the
// photon density today in 1/Mpc^2.
func NewNcdmBasis(massEV, deg, tRatio, tcmb, rhoGamma0 float64, n int) (*NcdmBasis, error) {
	q, w, err := specfunc.GaussLaguerre(n)
	if err != nil {
		return nil, err
	}
	b := &NcdmBasis{
		MassEV: massEV,
		Deg:    deg,
		TRatio: tRatio,
		Q:      q,
		W:      make([]float64, n),
		D:      make([]float64, n),
		y0:     massEV / units.KelvinToEV(tRatio*tcmb),
		factor: deg * 15 / math.Pow(math.Pi, 4) * math.Pow(tRatio, 4) * rhoGamma0,
	}
	for i, qi := range q {
		b.W[i] = w[i] * math.Exp(qi) / (math.Exp(qi) + 1)
		b.D[i] = -qi / (1 + math.Exp(-qi))
	}
	return b, nil
}

// Y returns the mass-to-temperature ratio m a / T_ncdm at scale
// factor a.
func (b *NcdmBasis) Y(a float64) float64 { return a * b.y0 }

// Eps returns the comoving energy eps = sqrt(q^2 + y(a)^2) of node i.
func (b *NcdmBasis) Eps(i int, a float64) float64 {
	q := b.Q[i]
	y := b.Y(a)
	return math.Sqrt(q*q + y*y)
}

// RhoP returns the species density and pressure at scale factor a in
// 1/Mpc^2.
func (b *NcdmBasis) RhoP(a float64) (rho, p float64) {
	y2 := b.Y(a) * b.Y(a)
	var sr, sp float64
	for i, q := range b.Q {
		q2 := q * q
		eps := math.Sqrt(q2 + y2)
		sr += b.W[i] * q2 * eps
		sp += b.W[i] * q2 * q2 / eps
	}
	a4 := a * a * a * a
	return b.factor / a4 * sr, b.factor / (3 * a4) * sp
}

// Factor returns the normalization in front of the momentum sums, in
// 1/Mpc^2. The perturbation stage uses it to turn Psi_l sums into
// delta rho, (rho+p) theta and (rho+p) sigma.
func (b *NcdmBasis) Factor() float64 { return b.factor }

// newNcdmBases builds one basis per configured species.
func newNcdmBases(masses, degs []float64, tRatio, tcmb, rhoGamma0 float64, n int) ([]*NcdmBasis, error) {
	if len(masses) == 0 {
		return nil, nil
	}
	bases := make([]*NcdmBasis, len(masses))
	for i, m := range masses {
		b, err := NewNcdmBasis(m, degs[i], tRatio, tcmb, rhoGamma0, n)
		if err != nil {
			return nil, errors.Errorf(errors.ConfigurationError, "ncdm species %d: %v", i, err)
		}
		bases[i] = b
	}
	return bases, nil
}
