// Package specfunc provides the special functions of the projection
// stage: spherical Bessel functions, their sampled tables, the
// hyperspherical generalization for curved models, and quadrature node
// generation.
package specfunc

import (
	"math"

	"boltz/internal/errors"
)

// SphericalJ returns j_l(x) for l >= 0, x >= 0. Uses closed forms for
// l <= 2, upward recurrence for x > l and Miller's downward recurrence
// otherwise. Values far below the turning point underflow to 0.
func SphericalJ(l int, x float64) float64 {
	if x < 0 {
		return math.NaN()
	}
	switch {
	case x == 0:
		if l == 0 {
			return 1
		}
		return 0
	case l == 0:
		return math.Sin(x) / x
	case l == 1:
		return math.Sin(x)/(x*x) - math.Cos(x)/x
	case l == 2:
		return (3/(x*x*x)-1/x)*math.Sin(x) - 3*math.Cos(x)/(x*x)
	}

	if x > float64(l) {
		return upwardJ(l, x)
	}
	return millerJ(l, x)
}

// SphericalJJPrime returns j_l(x) and its derivative. The derivative
// comes from j_l' = j_{l-1} - (l+1)/x j_l.
func SphericalJJPrime(l int, x float64) (j, jp float64) {
	if l == 0 {
		if x == 0 {
			return 1, 0
		}
		j = math.Sin(x) / x
		return j, math.Cos(x)/x - j/x
	}
	if x == 0 {
		if l == 1 {
			return 0, 1.0 / 3
		}
		return 0, 0
	}
	jm := SphericalJ(l-1, x)
	j = SphericalJ(l, x)
	return j, jm - float64(l+1)/x*j
}

// upwardJ recurs from j_0, j_1; stable for x > l.
func upwardJ(l int, x float64) float64 {
	jm := math.Sin(x) / x
	j := math.Sin(x)/(x*x) - math.Cos(x)/x
	for n := 1; n < l; n++ {
		jm, j = j, float64(2*n+1)/x*j-jm
	}
	return j
}

// millerJ runs the downward recurrence from a padded start order and
// normalizes against j_0. Deep in the forbidden region the true value
// underflows; 0 is returned there.
func millerJ(l int, x float64) float64 {
	if x == 0 {
		return 0
	}
	// Start order with enough headroom for the recurrence to lock on.
	start := l + 16 + int(math.Sqrt(float64(40*l)))
	var jp1, j float64 = 0, math.SmallestNonzeroFloat64 * 1e30
	var result float64
	for n := start; n >= 1; n-- {
		jm1 := float64(2*n+1)/x*j - jp1
		jp1, j = j, jm1
		if n-1 == l {
			result = j
		}
		// Rescale to dodge overflow; relative values are all that matter.
		if math.Abs(j) > 1e250 {
			jp1 /= 1e250
			j /= 1e250
			result /= 1e250
		}
	}
	j0 := math.Sin(x) / x
	if j == 0 {
		return 0
	}
	return result * j0 / j
}

// SphericalJSecond returns j_l''(x) from the defining equation, given
// j_l and j_l' at x.
func SphericalJSecond(l int, x, j, jp float64) float64 {
	return -2/x*jp - (1-float64(l*(l+1))/(x*x))*j
}

// BesselXMin returns the x below which |j_l| stays under phiMin,
// solved from the WKB envelope exp(-nu (t - tanh t)) with
// nu = l + 1/2 and cosh t = nu/x. Small l and loose cuts return 0.
func BesselXMin(l int, phiMin float64) float64 {
	if l < 3 || phiMin <= 0 {
		return 0
	}
	nu := float64(l) + 0.5
	target := -math.Log(phiMin)
	exponent := func(x float64) float64 {
		sec := nu / x
		t := math.Acosh(sec)
		return nu * (t - math.Tanh(t))
	}
	lo, hi := nu*1e-6, nu*(1-1e-9)
	if exponent(hi) > target {
		// Even at the turning point the envelope is below the cut.
		return 0
	}
	for i := 0; i < 200 && hi-lo > 1e-10*nu; i++ {
		mid := (lo + hi) / 2
		if exponent(mid) > target {
			lo = mid
		} else {
			hi = mid
		}
	}
	// Margin keeps the stored range a touch wider than the cut.
	return 0.9 * lo
}

// errBesselUnstable builds the instability error for the given l.
func errBesselUnstable(l int, msg string) error {
	return errors.Errorf(errors.BesselRecursionUnstable, "%s", msg).AtMultipole(l)
}
