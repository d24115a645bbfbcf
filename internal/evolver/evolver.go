// Package evolver provides the two ODE integrators behind the solver:
// an explicit adaptive Cash-Karp 4(5) pair for smooth histories and a
// variable-order NDF method of orders 1 to 5 for the stiff Boltzmann
// hierarchies. Both deliver results on caller-chosen output times, so
// the sampling grid of a table never depends on the step sequence.
package evolver

import (
	"math"

	"boltz/internal/linalg"
)

// System is the right-hand side of y' = f(t, y).
type System interface {
	Dim() int
	Derivs(t float64, y, dy []float64) error
}

// PatternedSystem additionally declares the sparsity structure of
// df/dy. The implicit integrator exploits it for finite-difference
// Jacobians and sparse factorization.
type PatternedSystem interface {
	System
	JacobianPattern() *linalg.Sparse
}

// JacobianSystem additionally provides an analytic Jacobian, written
// into the slots of the declared pattern.
type JacobianSystem interface {
	PatternedSystem
	Jacobian(t float64, y []float64, jac *linalg.Sparse) error
}

// Output receives the solution at one requested output time. The slice
// is reused between calls; implementations copy what they keep.
// Returning an error aborts the integration.
type Output func(t float64, y []float64) error

// Options controls an integration.
type Options struct {
	AbsTol      float64
	RelTol      float64
	InitialStep float64 // 0 picks a conservative guess
	MinStep     float64 // 0 uses a t-scaled floor
	MaxStep     float64 // 0 means unbounded
	MaxSteps    int
}

// DefaultOptions returns the tolerances used when a caller has no
// preset of its own.
func DefaultOptions() Options {
	return Options{
		AbsTol:   1e-12,
		RelTol:   1e-6,
		MaxSteps: 1_000_000,
	}
}

// Statistics reports integrator effort for one Integrate call.
type Statistics struct {
	Steps          int
	RejectedSteps  int
	DerivEvals     int
	JacobianEvals  int
	Factorizations int
	MaxOrder       int
	LastStep       float64
}

const epsMachine = 2.220446049250313e-16

// errNorm is the tolerance-weighted rms norm: values at or below 1 are
// within tolerance.
func errNorm(v, y []float64, absTol, relTol float64) float64 {
	var sum float64
	for i, vi := range v {
		w := absTol + relTol*math.Abs(y[i])
		r := vi / w
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(v)))
}

// minStepAt returns the effective step floor near time t.
func (o *Options) minStepAt(t float64) float64 {
	floor := 16 * epsMachine * math.Abs(t)
	if o.MinStep > floor {
		return o.MinStep
	}
	return floor
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// densePattern declares every entry nonzero, for systems that do not
// advertise their structure.
func densePattern(n int) *linalg.Sparse {
	b := linalg.NewBuilder(n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			b.Add(i, j)
		}
	}
	return b.Build()
}
