package specfunc

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"

	"boltz/internal/errors"
)

// GaussLegendre returns n nodes and weights for integration over
// [min, max].
func GaussLegendre(min, max float64, n int) (x, w []float64, err error) {
	if n < 1 {
		return nil, nil, errors.Errorf(errors.ConfigurationError, "gauss-legendre order %d", n)
	}
	if max <= min {
		return nil, nil, errors.Errorf(errors.ConfigurationError, "gauss-legendre interval [%g, %g] is empty", min, max)
	}
	x = make([]float64, n)
	w = make([]float64, n)
	quad.Legendre{}.FixedLocations(x, w, min, max)
	return x, w, nil
}

// GaussLaguerre returns n nodes and weights for integrals of the form
// int_0^inf f(q) exp(-q) dq ~ sum w_i f(x_i). The momentum integrals
// of massive species use these with the Fermi-Dirac tail folded into f.
func GaussLaguerre(n int) (x, w []float64, err error) {
	if n < 1 {
		return nil, nil, errors.Errorf(errors.ConfigurationError, "gauss-laguerre order %d", n)
	}
	x = make([]float64, n)
	w = make([]float64, n)
	nf := float64(n)

	var z float64
	for i := 0; i < n; i++ {
		switch i {
		case 0:
			z = 3.0 / (1.0 + 2.4*nf)
		case 1:
			z += 15.0 / (1.0 + 2.5*nf)
		default:
			ai := float64(i - 1)
			z += (1.0 + 2.55*ai) / (1.9 * ai) * (z - x[i-2])
		}
		var p1, p2 float64
		converged := false
		for it := 0; it < 100; it++ {
			// L_n(z) by the three-term recurrence.
			p1, p2 = 1.0, 0.0
			for j := 0; j < n; j++ {
				p1, p2 = ((2*float64(j)+1-z)*p1-float64(j)*p2)/float64(j+1), p1
			}
			pp := nf * (p1 - p2) / z
			dz := p1 / pp
			z -= dz
			if math.Abs(dz) <= 1e-14*z {
				converged = true
				break
			}
		}
		if !converged {
			return nil, nil, errors.Errorf(errors.NonConvergence, "gauss-laguerre node %d of %d did not converge", i, n)
		}
		x[i] = z
		w[i] = -1.0 / (nf * p2 * dLaguerre(n, z, p1, p2))
	}
	return x, w, nil
}

// dLaguerre returns L_n'(z) given L_n(z)=p1 and L_{n-1}(z)=p2.
func dLaguerre(n int, z, p1, p2 float64) float64 {
	return float64(n) * (p1 - p2) / z
}
