package evolver

import (
	"math"

	"boltz/internal/errors"
	"boltz/internal/linalg"
)

const ndfMaxOrder = 5

// NDF kappa coefficients; index 0 unused. The zero at order 5 makes
// NDF(5) coincide with BDF(5).
var ndfKappa = [ndfMaxOrder + 1]float64{0, -37.0 / 200, -1.0 / 9, -0.0823, -0.0415, 0}

// ndfGamma[k] = sum_{j=1..k} 1/j.
var ndfGamma [ndfMaxOrder + 1]float64

// ndfErrConst[k] scales the (k+1)-th difference into the local error
// estimate of NDF(k).
var ndfErrConst [ndfMaxOrder + 2]float64

func init() {
	for k := 1; k <= ndfMaxOrder; k++ {
		ndfGamma[k] = ndfGamma[k-1] + 1.0/float64(k)
	}
	for k := 1; k <= ndfMaxOrder; k++ {
		ndfErrConst[k] = ndfKappa[k]*ndfGamma[k] + 1.0/float64(k+1)
	}
	ndfErrConst[ndfMaxOrder+1] = 1.0 / float64(ndfMaxOrder+2)
}

const newtonMaxIter = 4

// NDF15 is a quasi-constant-step implicit integrator using numerical
// differentiation formulas of orders 1 to 5, with a simplified Newton
// corrector over a sparse LU of the iteration matrix. The Jacobian is
// reused across steps until the corrector slows down, and the stored
// pivot order is replayed on refactorizations.
type NDF15 struct {
	opts  Options
	stats Statistics
}

// NewNDF15 creates a stiff integrator with the given options.
func NewNDF15(opts Options) *NDF15 {
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	return &NDF15{opts: opts}
}

// Stats returns the effort counters of the last Integrate call.
func (s *NDF15) Stats() Statistics { return s.stats }

// ndfState carries the per-integration workspace.
type ndfState struct {
	sys  System
	jsys JacobianSystem // nil when finite differences are used
	opts Options

	n   int
	t   float64
	t1  float64
	h   float64
	k   int // current order
	dif [][]float64

	y      []float64
	f      []float64
	fBase  []float64 // base derivative for finite differences
	pred   []float64
	psi    []float64
	difkp1 []float64
	del    []float64
	rhs    []float64
	scr    []float64
	errv   []float64

	jac      *linalg.Sparse
	iter     *linalg.Sparse // I - h*invGa_k*J, same pattern plus diagonal
	jacToIt  []int          // slot map jac -> iter
	diagSlot []int
	lu       *linalg.LU
	jacOK    bool // Jacobian evaluated at the current (t, y)
	factorOK bool // LU matches current h, k, Jacobian

	stats *Statistics
}

// Integrate advances y from t0 to t1, invoking out at every time in
// times inside [t0, t1] via polynomial dense output. times must be
// sorted ascending. The state y is updated to the solution at t1.
func (s *NDF15) Integrate(sys System, t0, t1 float64, y []float64, times []float64, out Output) error {
	n := sys.Dim()
	if len(y) != n {
		return errors.Errorf(errors.InternalError, "state length %d, system dimension %d", len(y), n)
	}
	if t1 <= t0 {
		return errors.Errorf(errors.InternalError, "integration interval [%g, %g] is empty", t0, t1)
	}
	s.stats = Statistics{}

	st := &ndfState{
		sys:   sys,
		opts:  s.opts,
		n:     n,
		t:     t0,
		t1:    t1,
		k:     1,
		y:     y,
		stats: &s.stats,
	}
	if js, ok := sys.(JacobianSystem); ok {
		st.jsys = js
	}

	st.dif = make([][]float64, ndfMaxOrder+3)
	for j := 1; j <= ndfMaxOrder+2; j++ {
		st.dif[j] = make([]float64, n)
	}
	st.f = make([]float64, n)
	st.fBase = make([]float64, n)
	st.pred = make([]float64, n)
	st.psi = make([]float64, n)
	st.difkp1 = make([]float64, n)
	st.del = make([]float64, n)
	st.rhs = make([]float64, n)
	st.scr = make([]float64, n)
	st.errv = make([]float64, n)

	if err := st.initMatrices(); err != nil {
		return err
	}

	// First derivative seeds the order-1 difference table.
	if err := sys.Derivs(t0, y, st.f); err != nil {
		return err
	}
	s.stats.DerivEvals++
	if !allFinite(st.f) {
		return errors.Errorf(errors.NonConvergence, "non-finite derivative at start").AtTime(t0)
	}

	st.h = s.opts.InitialStep
	if st.h <= 0 {
		st.h = (t1 - t0) * 1e-6
	}
	if s.opts.MaxStep > 0 && st.h > s.opts.MaxStep {
		st.h = s.opts.MaxStep
	}
	if hm := s.opts.minStepAt(t0); st.h < hm {
		st.h = hm
	}
	for i := 0; i < n; i++ {
		st.dif[1][i] = st.h * st.f[i]
	}
	if err := st.evalJacobian(); err != nil {
		return err
	}

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

	return s.run(st, times, &oi, out)
}

func (st *ndfState) initMatrices() error {
	var pat *linalg.Sparse
	if ps, ok := st.sys.(PatternedSystem); ok {
		pat = ps.JacobianPattern()
	} else {
		pat = densePattern(st.n)
	}
	st.jac = pat.Clone()
	st.jac.Zero()

	b := linalg.NewBuilder(st.n)
	for j := 0; j < st.n; j++ {
		b.Add(j, j)
		for p := st.jac.ColPtr[j]; p < st.jac.ColPtr[j+1]; p++ {
			b.Add(st.jac.RowIdx[p], j)
		}
	}
	st.iter = b.Build()

	st.jacToIt = make([]int, st.jac.NNZ())
	for j := 0; j < st.n; j++ {
		for p := st.jac.ColPtr[j]; p < st.jac.ColPtr[j+1]; p++ {
			st.jacToIt[p] = st.iter.Index(st.jac.RowIdx[p], j)
		}
	}
	st.diagSlot = make([]int, st.n)
	for j := 0; j < st.n; j++ {
		st.diagSlot[j] = st.iter.Index(j, j)
	}
	return nil
}

// evalJacobian fills st.jac at (st.t, st.y).
func (st *ndfState) evalJacobian() error {
	st.stats.JacobianEvals++
	if st.jsys != nil {
		if err := st.jsys.Jacobian(st.t, st.y, st.jac); err != nil {
			return err
		}
		st.jacOK = true
		return nil
	}

	if err := st.sys.Derivs(st.t, st.y, st.fBase); err != nil {
		return err
	}
	st.stats.DerivEvals++
	for j := 0; j < st.n; j++ {
		saved := st.y[j]
		del := 1.4901161193847656e-08 * math.Max(math.Abs(saved), 1e-6)
		st.y[j] = saved + del
		err := st.sys.Derivs(st.t, st.y, st.f)
		st.y[j] = saved
		if err != nil {
			return err
		}
		st.stats.DerivEvals++
		for p := st.jac.ColPtr[j]; p < st.jac.ColPtr[j+1]; p++ {
			i := st.jac.RowIdx[p]
			st.jac.Values[p] = (st.f[i] - st.fBase[i]) / del
		}
	}
	st.jacOK = true
	return nil
}

// factor builds and factorizes the iteration matrix for the current h
// and order.
func (st *ndfState) factor() error {
	hInvGa := st.h / (ndfGamma[st.k] * (1 - ndfKappa[st.k]))
	st.iter.Zero()
	for p, v := range st.jac.Values {
		st.iter.Values[st.jacToIt[p]] = -hInvGa * v
	}
	for j := 0; j < st.n; j++ {
		st.iter.Values[st.diagSlot[j]] += 1
	}
	st.stats.Factorizations++
	if st.lu == nil {
		lu, err := linalg.Factor(st.iter)
		if err != nil {
			return err
		}
		st.lu = lu
	} else if err := st.lu.Refactor(st.iter); err != nil {
		if !errors.IsCode(err, errors.SingularJacobian) {
			return err
		}
		// Pivot order went stale; re-pivot from scratch.
		lu, err := linalg.Factor(st.iter)
		if err != nil {
			return err
		}
		st.lu = lu
	}
	st.factorOK = true
	return nil
}

// rescale adjusts the backward-difference table for a step-size change
// h -> ratio*h, so the quasi-constant-step history stays consistent.
func (st *ndfState) rescale(ratio float64) {
	k := st.k
	// ru[i][j] maps old difference column i+1 onto new column j+1:
	// ru = A * U with A(q,m) = prod_{p<=q} (p-1-m*ratio)/p and
	// U(m,j) = (-1)^m C(j,m).
	var ru [ndfMaxOrder][ndfMaxOrder]float64
	for m := 1; m <= k; m++ {
		sign := 1.0
		if m%2 == 1 {
			sign = -1
		}
		a := 1.0
		for q := 1; q <= k; q++ {
			a *= (float64(q) - 1 - float64(m)*ratio) / float64(q)
			for j := m; j <= k; j++ {
				ru[q-1][j-1] += a * sign * float64(binom(j, m))
			}
		}
	}
	for idx := 0; idx < st.n; idx++ {
		var tmp [ndfMaxOrder]float64
		for j := 0; j < k; j++ {
			var acc float64
			for i := 0; i < k; i++ {
				acc += st.dif[i+1][idx] * ru[i][j]
			}
			tmp[j] = acc
		}
		for j := 0; j < k; j++ {
			st.dif[j+1][idx] = tmp[j]
		}
	}
	st.h *= ratio
	st.factorOK = false
}

func binom(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	r := 1
	for i := 0; i < k; i++ {
		r = r * (n - i) / (i + 1)
	}
	return r
}

// run is the main step loop.
func (s *NDF15) run(st *ndfState, times []float64, oi *int, out Output) error {
	opts := &s.opts
	stepsAtK := 0

	for step := 0; ; step++ {
		if step >= opts.MaxSteps {
			return errors.Errorf(errors.NonConvergence, "no convergence after %d implicit steps", opts.MaxSteps).AtTime(st.t)
		}

		// Hit the endpoint without a tiny leftover step.
		last := false
		if 1.1*st.h >= st.t1-st.t {
			newH := st.t1 - st.t
			if newH != st.h {
				st.rescale(newH / st.h)
			}
			last = true
		}

		hadFailure := false
		var stepErr float64
		for {
			if !st.factorOK {
				if err := st.factor(); err != nil {
					return err
				}
			}

			converged, err := st.correct()
			if err != nil {
				return err
			}
			if converged {
				stepErr = errNorm(scaleInto(st.errv, st.difkp1, ndfErrConst[st.k]), st.pred, opts.AbsTol, opts.RelTol)
				if stepErr <= 1 {
					break
				}
				// Error test failed.
				st.stats.RejectedSteps++
				hm := opts.minStepAt(st.t)
				if st.h <= hm {
					return errors.Errorf(errors.NonConvergence, "error test failed at minimum step %g", st.h).AtTime(st.t)
				}
				var ratio float64
				if !hadFailure {
					ratio = math.Max(0.1, 0.833*math.Pow(1/stepErr, 1/float64(st.k+1)))
				} else {
					ratio = 0.5
					if st.k > 1 {
						st.k--
						stepsAtK = 0
					}
				}
				hadFailure = true
				last = false
				if st.h*ratio < hm {
					ratio = hm / st.h
				}
				st.rescale(ratio)
				continue
			}

			// Corrector did not converge.
			if !st.jacOK {
				if err := st.evalJacobian(); err != nil {
					return err
				}
				st.factorOK = false
				continue
			}
			hm := opts.minStepAt(st.t)
			if st.h <= hm {
				return errors.Errorf(errors.NonConvergence, "corrector stalled at minimum step %g", st.h).AtTime(st.t)
			}
			hadFailure = true
			last = false
			ratio := 0.3
			if st.h*ratio < hm {
				ratio = hm / st.h
			}
			st.rescale(ratio)
		}

		// Accepted: advance the difference table and the state.
		k := st.k
		for i := 0; i < st.n; i++ {
			st.dif[k+2][i] = st.difkp1[i] - st.dif[k+1][i]
			st.dif[k+1][i] = st.difkp1[i]
		}
		for j := k; j >= 1; j-- {
			for i := 0; i < st.n; i++ {
				st.dif[j][i] += st.dif[j+1][i]
			}
		}
		tOld := st.t
		st.t = tOld + st.h
		for i := 0; i < st.n; i++ {
			st.y[i] = st.pred[i] + st.difkp1[i]
		}
		st.jacOK = false
		s.stats.Steps++
		s.stats.LastStep = st.h
		if k > s.stats.MaxOrder {
			s.stats.MaxOrder = k
		}
		stepsAtK++

		// Dense output inside (tOld, t].
		for *oi < len(times) && times[*oi] <= st.t+epsMachine*math.Abs(st.t) {
			if out != nil {
				st.interpolate(times[*oi], st.errv)
				if err := out(times[*oi], st.errv); err != nil {
					return err
				}
			}
			*oi++
		}

		if last {
			return nil
		}

		// Order and step adaptation, only after an untroubled stretch.
		if hadFailure || stepsAtK < k+2 {
			continue
		}
		bestK, bestRatio := k, math.Max(0.1, 0.833*math.Pow(1/math.Max(stepErr, 1e-30), 1/float64(k+1)))
		if k > 1 {
			errKm1 := errNorm(scaleInto(st.errv, st.dif[k], ndfErrConst[k-1]), st.y, opts.AbsTol, opts.RelTol)
			if r := math.Max(0.1, 0.833*math.Pow(1/math.Max(errKm1, 1e-30), 1/float64(k))); r > bestRatio {
				bestK, bestRatio = k-1, r
			}
		}
		if k < ndfMaxOrder {
			errKp1 := errNorm(scaleInto(st.errv, st.dif[k+2], ndfErrConst[k+1]), st.y, opts.AbsTol, opts.RelTol)
			if r := math.Max(0.1, 0.833*math.Pow(1/math.Max(errKp1, 1e-30), 1/float64(k+2))); r > bestRatio {
				bestK, bestRatio = k+1, r
			}
		}
		if bestK != k {
			st.k = bestK
			st.factorOK = false
			stepsAtK = 0
		}
		if bestRatio > 10 {
			bestRatio = 10
		}
		if opts.MaxStep > 0 && st.h*bestRatio > opts.MaxStep {
			bestRatio = opts.MaxStep / st.h
		}
		if bestRatio >= 1.1 {
			st.rescale(bestRatio)
			stepsAtK = 0
		}
	}
}

// correct runs the simplified Newton iteration for the implicit stage.
// Returns whether it converged; the candidate solution is pred+difkp1.
func (st *ndfState) correct() (bool, error) {
	n := st.n
	k := st.k
	invGa := 1 / (ndfGamma[k] * (1 - ndfKappa[k]))
	hInvGa := st.h * invGa

	for i := 0; i < n; i++ {
		sum := st.y[i]
		var psi float64
		for j := 1; j <= k; j++ {
			sum += st.dif[j][i]
			psi += ndfGamma[j] * st.dif[j][i]
		}
		st.pred[i] = sum
		st.psi[i] = psi * invGa
		st.difkp1[i] = 0
	}

	ynew := st.errv // reuse as the iterate buffer
	copy(ynew, st.pred)
	minNrm := 100 * epsMachine * errNorm(st.pred, st.pred, st.opts.AbsTol, st.opts.RelTol)

	oldNrm := 0.0
	for it := 1; it <= newtonMaxIter; it++ {
		if err := st.sys.Derivs(st.t+st.h, ynew, st.f); err != nil {
			return false, err
		}
		st.stats.DerivEvals++
		if !allFinite(st.f) {
			return false, nil
		}
		for i := 0; i < n; i++ {
			st.rhs[i] = hInvGa*st.f[i] - (st.psi[i] + st.difkp1[i])
		}
		st.lu.SolveReuse(st.del, st.rhs, st.scr)
		for i := 0; i < n; i++ {
			st.difkp1[i] += st.del[i]
			ynew[i] = st.pred[i] + st.difkp1[i]
		}
		newNrm := errNorm(st.del, ynew, st.opts.AbsTol, st.opts.RelTol)

		if newNrm <= minNrm {
			return true, nil
		}
		if it == 1 {
			oldNrm = newNrm
			continue
		}
		if newNrm > 0.9*oldNrm {
			return false, nil
		}
		rate := newNrm / oldNrm
		if newNrm*rate/(1-rate) <= 0.5 {
			return true, nil
		}
		oldNrm = newNrm
	}
	return false, nil
}

// interpolate evaluates the dense-output polynomial at tau in
// (t-h, t], writing into out.
func (st *ndfState) interpolate(tau float64, out []float64) {
	sNorm := (tau - st.t) / st.h
	copy(out, st.y)
	c := 1.0
	for j := 1; j <= st.k; j++ {
		c *= (sNorm + float64(j) - 1) / float64(j)
		for i := 0; i < st.n; i++ {
			out[i] += c * st.dif[j][i]
		}
	}
}

// scaleInto writes scale*v into dst and returns dst.
func scaleInto(dst, v []float64, scale float64) []float64 {
	for i := range v {
		dst[i] = scale * v[i]
	}
	return dst
}
