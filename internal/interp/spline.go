// Package interp provides cubic spline interpolation over strictly
// increasing grids, with bracket caching for the sequential lookups the
// solver hot loops perform. Second derivatives are stored next to the
// samples so derivative evaluation costs no extra allocation.
package interp

import (
	"math"

	"boltz/internal/errors"
)

// Boundary selects the spline end condition.
type Boundary int

const (
	// EstimateBoundary clamps the end slopes to parabolic estimates
	// from the three outermost samples.
	EstimateBoundary Boundary = iota
	// NaturalBoundary sets the end second derivatives to zero.
	NaturalBoundary
)

// Spline is a cubic spline over a strictly increasing grid. Immutable
// after construction; safe for concurrent readers.
type Spline struct {
	xs []float64
	ys []float64
	d2 []float64
}

// NewSpline builds a cubic spline through (xs, ys). The grid must be
// strictly increasing with at least 3 points. The slices are retained,
// not copied.
func NewSpline(xs, ys []float64, boundary Boundary) (*Spline, error) {
	n := len(xs)
	if n < 3 || len(ys) != n {
		return nil, errors.Errorf(errors.InternalError, "spline needs >=3 samples, got %d x / %d y", n, len(ys))
	}
	for i := 1; i < n; i++ {
		if xs[i] <= xs[i-1] {
			return nil, errors.Errorf(errors.InternalError, "spline grid not increasing at index %d (%g >= %g)", i, xs[i-1], xs[i])
		}
	}

	s := &Spline{xs: xs, ys: ys, d2: make([]float64, n)}
	s.computeSecondDerivs(boundary)
	return s, nil
}

func (s *Spline) computeSecondDerivs(boundary Boundary) {
	n := len(s.xs)
	u := make([]float64, n-1)

	if boundary == NaturalBoundary {
		s.d2[0] = 0
		u[0] = 0
	} else {
		yp0 := parabolicSlope(s.xs[0], s.xs[0], s.xs[1], s.xs[2], s.ys[0], s.ys[1], s.ys[2])
		s.d2[0] = -0.5
		u[0] = 3 / (s.xs[1] - s.xs[0]) * ((s.ys[1]-s.ys[0])/(s.xs[1]-s.xs[0]) - yp0)
	}

	for i := 1; i < n-1; i++ {
		sig := (s.xs[i] - s.xs[i-1]) / (s.xs[i+1] - s.xs[i-1])
		p := sig*s.d2[i-1] + 2
		s.d2[i] = (sig - 1) / p
		du := (s.ys[i+1]-s.ys[i])/(s.xs[i+1]-s.xs[i]) - (s.ys[i]-s.ys[i-1])/(s.xs[i]-s.xs[i-1])
		u[i] = (6*du/(s.xs[i+1]-s.xs[i-1]) - sig*u[i-1]) / p
	}

	var qn, un float64
	if boundary == NaturalBoundary {
		qn, un = 0, 0
	} else {
		ypn := parabolicSlope(s.xs[n-1], s.xs[n-3], s.xs[n-2], s.xs[n-1], s.ys[n-3], s.ys[n-2], s.ys[n-1])
		qn = 0.5
		un = 3 / (s.xs[n-1] - s.xs[n-2]) * (ypn - (s.ys[n-1]-s.ys[n-2])/(s.xs[n-1]-s.xs[n-2]))
	}

	s.d2[n-1] = (un - qn*u[n-2]) / (qn*s.d2[n-2] + 1)
	for i := n - 2; i >= 0; i-- {
		s.d2[i] = s.d2[i]*s.d2[i+1] + u[i]
	}
}

// parabolicSlope returns the derivative at x of the parabola through
// (x0,y0), (x1,y1), (x2,y2).
func parabolicSlope(x, x0, x1, x2, y0, y1, y2 float64) float64 {
	return y0*(2*x-x1-x2)/((x0-x1)*(x0-x2)) +
		y1*(2*x-x0-x2)/((x1-x0)*(x1-x2)) +
		y2*(2*x-x0-x1)/((x2-x0)*(x2-x1))
}

// Min returns the first grid point.
func (s *Spline) Min() float64 { return s.xs[0] }

// Max returns the last grid point.
func (s *Spline) Max() float64 { return s.xs[len(s.xs)-1] }

// Eval evaluates the spline at x. Outside the grid it returns
// OUT_OF_DOMAIN.
func (s *Spline) Eval(x float64) (float64, error) {
	var cache int
	return s.EvalCached(x, &cache)
}

// EvalCached is Eval with a caller-owned bracket cache. Sequential
// lookups that move slowly through the grid skip the binary search.
func (s *Spline) EvalCached(x float64, cache *int) (float64, error) {
	i, err := s.bracket(x, cache)
	if err != nil {
		return 0, err
	}
	h := s.xs[i+1] - s.xs[i]
	a := (s.xs[i+1] - x) / h
	b := (x - s.xs[i]) / h
	return a*s.ys[i] + b*s.ys[i+1] +
		((a*a*a-a)*s.d2[i]+(b*b*b-b)*s.d2[i+1])*h*h/6, nil
}

// Deriv evaluates the first derivative of the spline at x.
func (s *Spline) Deriv(x float64) (float64, error) {
	var cache int
	return s.DerivCached(x, &cache)
}

// DerivCached is Deriv with a caller-owned bracket cache.
func (s *Spline) DerivCached(x float64, cache *int) (float64, error) {
	i, err := s.bracket(x, cache)
	if err != nil {
		return 0, err
	}
	h := s.xs[i+1] - s.xs[i]
	a := (s.xs[i+1] - x) / h
	b := (x - s.xs[i]) / h
	return (s.ys[i+1]-s.ys[i])/h +
		(-(3*a*a-1)*s.d2[i]+(3*b*b-1)*s.d2[i+1])*h/6, nil
}

// bracket finds i with xs[i] <= x <= xs[i+1], starting from the cached
// index and hunting outward before falling back to bisection.
func (s *Spline) bracket(x float64, cache *int) (int, error) {
	xs := s.xs
	n := len(xs)
	if x < xs[0] || x > xs[n-1] {
		return 0, errors.Errorf(errors.OutOfDomain, "x=%g outside [%g, %g]", x, xs[0], xs[n-1])
	}

	i := *cache
	if i < 0 || i > n-2 {
		i = 0
	}
	if xs[i] <= x && x <= xs[i+1] {
		return i, nil
	}

	// Hunt one step in the likely direction before bisecting.
	if x > xs[i+1] && i+2 < n && x <= xs[i+2] {
		*cache = i + 1
		return i + 1, nil
	}
	if x < xs[i] && i-1 >= 0 && x >= xs[i-1] {
		*cache = i - 1
		return i - 1, nil
	}

	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	*cache = lo
	return lo, nil
}

// TrapezoidWeights returns the weights w such that sum_i w[i]*f[i]
// equals the trapezoid rule over the (possibly irregular) grid xs.
// The grid is reused across many integrands, so the weights are
// computed once and shared.
func TrapezoidWeights(xs []float64) []float64 {
	n := len(xs)
	w := make([]float64, n)
	if n < 2 {
		return w
	}
	w[0] = (xs[1] - xs[0]) / 2
	for i := 1; i < n-1; i++ {
		w[i] = (xs[i+1] - xs[i-1]) / 2
	}
	w[n-1] = (xs[n-1] - xs[n-2]) / 2
	return w
}

// Linear interpolates linearly on a strictly increasing grid. Used for
// quantities sampled densely enough that a spline buys nothing.
func Linear(xs, ys []float64, x float64, cache *int) (float64, error) {
	n := len(xs)
	if x < xs[0] || x > xs[n-1] {
		return 0, errors.Errorf(errors.OutOfDomain, "x=%g outside [%g, %g]", x, xs[0], xs[n-1])
	}
	i := *cache
	if i < 0 || i > n-2 || xs[i] > x || x > xs[i+1] {
		lo, hi := 0, n-1
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if xs[mid] <= x {
				lo = mid
			} else {
				hi = mid
			}
		}
		i = lo
		*cache = lo
	}
	t := (x - xs[i]) / (xs[i+1] - xs[i])
	return ys[i] + t*(ys[i+1]-ys[i]), nil
}

// LogSpline is a spline over ln(x) of positive samples, for quantities
// spanning many decades (power spectra, scattering rates).
type LogSpline struct {
	inner *Spline
}

// NewLogSpline builds a spline in ln(x). All xs must be positive.
func NewLogSpline(xs, ys []float64, boundary Boundary) (*LogSpline, error) {
	lnx := make([]float64, len(xs))
	for i, x := range xs {
		if x <= 0 {
			return nil, errors.Errorf(errors.InternalError, "log spline sample %d: x=%g not positive", i, x)
		}
		lnx[i] = math.Log(x)
	}
	s, err := NewSpline(lnx, ys, boundary)
	if err != nil {
		return nil, err
	}
	return &LogSpline{inner: s}, nil
}

// Eval evaluates at x (not ln x).
func (s *LogSpline) Eval(x float64) (float64, error) {
	if x <= 0 {
		return 0, errors.Errorf(errors.OutOfDomain, "x=%g not positive", x)
	}
	return s.inner.Eval(math.Log(x))
}

// EvalCached evaluates at x with a caller-owned bracket cache.
func (s *LogSpline) EvalCached(x float64, cache *int) (float64, error) {
	if x <= 0 {
		return 0, errors.Errorf(errors.OutOfDomain, "x=%g not positive", x)
	}
	return s.inner.EvalCached(math.Log(x), cache)
}

// Min returns the smallest x covered.
func (s *LogSpline) Min() float64 { return math.Exp(s.inner.Min()) }

// Max returns the largest x covered.
func (s *LogSpline) Max() float64 { return math.Exp(s.inner.Max()) }
