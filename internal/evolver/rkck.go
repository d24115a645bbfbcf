package evolver

import (
	"math"

	"boltz/internal/errors"
)

// Cash-Karp tableau.
var (
	rkckB = [6][5]float64{
		{},
		{1.0 / 5},
		{3.0 / 40, 9.0 / 40},
		{3.0 / 10, -9.0 / 10, 6.0 / 5},
		{-11.0 / 54, 5.0 / 2, -70.0 / 27, 35.0 / 27},
		{1631.0 / 55296, 175.0 / 512, 575.0 / 13824, 44275.0 / 110592, 253.0 / 4096},
	}
	rkckA = [6]float64{0, 1.0 / 5, 3.0 / 10, 3.0 / 5, 1, 7.0 / 8}
	rkckC = [6]float64{37.0 / 378, 0, 250.0 / 621, 125.0 / 594, 0, 512.0 / 1771}
	rkckD = [6]float64{
		37.0/378 - 2825.0/27648,
		0,
		250.0/621 - 18575.0/48384,
		125.0/594 - 13525.0/55296,
		-277.0 / 14336,
		512.0/1771 - 1.0/4,
	}
)

const (
	rkckSafety   = 0.9
	rkckGrow     = -0.2
	rkckShrink   = -0.25
	rkckMaxRatio = 5.0
	rkckMinRatio = 0.1
)

// RKCK is an adaptive explicit Cash-Karp 4(5) integrator. It steps
// exactly onto every requested output time, so no interpolation is
// involved.
type RKCK struct {
	opts  Options
	stats Statistics
}

// NewRKCK creates an explicit integrator with the given options.
func NewRKCK(opts Options) *RKCK {
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	return &RKCK{opts: opts}
}

// Stats returns the effort counters of the last Integrate call.
func (r *RKCK) Stats() Statistics { return r.stats }

// Integrate advances y from t0 to t1, invoking out at every time in
// times that falls inside [t0, t1]. times must be sorted ascending.
func (r *RKCK) Integrate(sys System, t0, t1 float64, y []float64, times []float64, out Output) error {
	n := sys.Dim()
	if len(y) != n {
		return errors.Errorf(errors.InternalError, "state length %d, system dimension %d", len(y), n)
	}
	if t1 <= t0 {
		return errors.Errorf(errors.InternalError, "integration interval [%g, %g] is empty", t0, t1)
	}
	r.stats = Statistics{MaxOrder: 5}

	oi := 0
	for oi < len(times) && times[oi] < t0 {
		oi++
	}
	if out != nil && oi < len(times) && times[oi] <= t0+epsMachine*math.Abs(t0) {
		if err := out(times[oi], y); err != nil {
			return err
		}
		oi++
	}

	dydt := make([]float64, n)
	yTmp := make([]float64, n)
	yErr := make([]float64, n)
	yOut := make([]float64, n)
	ak := make([][]float64, 6)
	for i := range ak {
		ak[i] = make([]float64, n)
	}

	h := r.opts.InitialStep
	if h <= 0 {
		h = (t1 - t0) * 1e-4
	}
	if r.opts.MaxStep > 0 && h > r.opts.MaxStep {
		h = r.opts.MaxStep
	}

	t := t0
	for step := 0; ; step++ {
		if step >= r.opts.MaxSteps {
			return errors.Errorf(errors.NonConvergence, "no convergence after %d explicit steps", r.opts.MaxSteps).AtTime(t)
		}

		// Clamp onto the next output time or the endpoint.
		target := t1
		if oi < len(times) && times[oi] < target {
			target = times[oi]
		}
		if t+h > target {
			h = target - t
		}

		if err := sys.Derivs(t, y, dydt); err != nil {
			return err
		}
		r.stats.DerivEvals++
		if !allFinite(dydt) {
			return errors.Errorf(errors.NonConvergence, "non-finite derivative").AtTime(t)
		}

		for {
			r.step(sys, t, h, y, dydt, yOut, yErr, yTmp, ak)
			errNrm := errNorm(yErr, yOut, r.opts.AbsTol, r.opts.RelTol)
			if !allFinite(yOut) {
				errNrm = 10
			}
			if errNrm <= 1 {
				break
			}
			r.stats.RejectedSteps++
			ratio := rkckSafety * math.Pow(errNrm, rkckShrink)
			if ratio < rkckMinRatio {
				ratio = rkckMinRatio
			}
			h *= ratio
			if h < r.opts.minStepAt(t) {
				return errors.Errorf(errors.NonConvergence, "step size %g below minimum", h).AtTime(t)
			}
		}

		tNew := t + h
		copy(y, yOut)
		t = tNew
		r.stats.Steps++
		r.stats.LastStep = h

		for oi < len(times) && times[oi] <= t+epsMachine*math.Abs(t) {
			if out != nil {
				if err := out(times[oi], y); err != nil {
					return err
				}
			}
			oi++
		}

		if t >= t1-epsMachine*math.Abs(t1) {
			return nil
		}

		// Grow for the next step.
		errNrm := errNorm(yErr, y, r.opts.AbsTol, r.opts.RelTol)
		ratio := rkckMaxRatio
		if errNrm > 0 {
			ratio = rkckSafety * math.Pow(errNrm, rkckGrow)
			if ratio > rkckMaxRatio {
				ratio = rkckMaxRatio
			}
			if ratio < 1 {
				ratio = 1
			}
		}
		h *= ratio
		if r.opts.MaxStep > 0 && h > r.opts.MaxStep {
			h = r.opts.MaxStep
		}
	}
}

// step performs one Cash-Karp step of size h from (t, y) with dydt
// already evaluated, filling yOut and the embedded error yErr.
func (r *RKCK) step(sys System, t, h float64, y, dydt, yOut, yErr, yTmp []float64, ak [][]float64) {
	n := len(y)
	copy(ak[0], dydt)

	for stage := 1; stage < 6; stage++ {
		for i := 0; i < n; i++ {
			sum := 0.0
			for prev := 0; prev < stage; prev++ {
				sum += rkckB[stage][prev] * ak[prev][i]
			}
			yTmp[i] = y[i] + h*sum
		}
		// Stage failures surface through the error estimate.
		_ = sys.Derivs(t+rkckA[stage]*h, yTmp, ak[stage])
		r.stats.DerivEvals++
	}

	for i := 0; i < n; i++ {
		var acc, errAcc float64
		for stage := 0; stage < 6; stage++ {
			acc += rkckC[stage] * ak[stage][i]
			errAcc += rkckD[stage] * ak[stage][i]
		}
		yOut[i] = y[i] + h*acc
		yErr[i] = h * errAcc
	}
}
