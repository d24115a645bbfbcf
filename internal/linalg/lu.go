package linalg

import (
	"math"
	"sort"

	"boltz/internal/errors"
)

// diagPreference keeps the natural diagonal as pivot when it is within
// this factor of the largest candidate. Stable pivot orders survive
// more refactorizations.
const diagPreference = 0.1

// LU holds a sparse LU factorization P A = L U with L unit lower
// triangular. After Factor, the pattern and pivot order can be replayed
// on matrices with the same structure via Refactor, which skips the
// symbolic phase and the pivot search entirely.
type LU struct {
	n    int
	p    []int // p[i] = original row at pivot position i
	pinv []int // pinv[original row] = pivot position

	// L in pivot coordinates, unit diagonal implicit.
	lp []int
	li []int
	lx []float64

	// Strict upper part of U in pivot coordinates, diagonal separate.
	up    []int
	ui    []int
	ux    []float64
	udiag []float64
}

// factsorizer workspace for the left-looking sweep.
type luWork struct {
	x      []float64
	marked []bool
	xi     []int // topological reach, filled from the top
	rstack []int
	pstack []int
}

// Factor computes the LU factorization of a with partial pivoting,
// recording pattern and pivot order for later Refactor calls. Returns
// SINGULAR_JACOBIAN when a column has no usable pivot.
func Factor(a *Sparse) (*LU, error) {
	n := a.N
	lu := &LU{
		n:     n,
		p:     make([]int, n),
		pinv:  make([]int, n),
		lp:    make([]int, n+1),
		up:    make([]int, n+1),
		udiag: make([]float64, n),
	}
	for i := range lu.pinv {
		lu.pinv[i] = -1
	}
	w := &luWork{
		x:      make([]float64, n),
		marked: make([]bool, n),
		xi:     make([]int, n),
		rstack: make([]int, n),
		pstack: make([]int, n),
	}

	for j := 0; j < n; j++ {
		// Symbolic: rows reachable from A(:,j) through columns of L.
		top := n
		for ptr := a.ColPtr[j]; ptr < a.ColPtr[j+1]; ptr++ {
			r := a.RowIdx[ptr]
			if !w.marked[r] {
				top = lu.reach(w, r, top)
			}
		}

		// Numeric: scatter A(:,j), then eliminate in topological order.
		for ptr := a.ColPtr[j]; ptr < a.ColPtr[j+1]; ptr++ {
			w.x[a.RowIdx[ptr]] = a.Values[ptr]
		}
		for i := top; i < n; i++ {
			r := w.xi[i]
			k := lu.pinv[r]
			if k < 0 {
				continue
			}
			xr := w.x[r]
			lu.ui = append(lu.ui, k)
			lu.ux = append(lu.ux, xr)
			for q := lu.lp[k]; q < lu.lp[k+1]; q++ {
				w.x[lu.li[q]] -= lu.lx[q] * xr
			}
		}

		// Pivot: largest candidate, diagonal preferred when close.
		pivRow, pivAbs := -1, 0.0
		diagAbs := -1.0
		for i := top; i < n; i++ {
			r := w.xi[i]
			if lu.pinv[r] >= 0 {
				continue
			}
			abs := math.Abs(w.x[r])
			if abs > pivAbs {
				pivRow, pivAbs = r, abs
			}
			if r == j {
				diagAbs = abs
			}
		}
		if pivRow < 0 || pivAbs == 0 {
			return nil, errors.Errorf(errors.SingularJacobian, "matrix singular at column %d", j)
		}
		if diagAbs >= diagPreference*pivAbs {
			pivRow = j
		}
		piv := w.x[pivRow]
		lu.p[j] = pivRow
		lu.pinv[pivRow] = j
		lu.udiag[j] = piv

		// L(:,j) from the remaining candidates, original rows for now.
		for i := top; i < n; i++ {
			r := w.xi[i]
			if lu.pinv[r] < 0 {
				lu.li = append(lu.li, r)
				lu.lx = append(lu.lx, w.x[r]/piv)
			}
			w.x[r] = 0
			w.marked[r] = false
		}
		lu.lp[j+1] = len(lu.li)
		lu.up[j+1] = len(lu.ui)
	}

	lu.renumber()
	return lu, nil
}

// reach runs an iterative depth-first search from root through the
// columns of L, appending rows in reverse postorder to w.xi[top:].
func (lu *LU) reach(w *luWork, root, top int) int {
	head := 0
	w.rstack[0] = root
	for head >= 0 {
		r := w.rstack[head]
		if !w.marked[r] {
			w.marked[r] = true
			if lu.pinv[r] < 0 {
				w.pstack[head] = -1
			} else {
				w.pstack[head] = lu.lp[lu.pinv[r]]
			}
		}
		descended := false
		if k := lu.pinv[r]; k >= 0 {
			for q := w.pstack[head]; q < lu.lp[k+1]; q++ {
				s := lu.li[q]
				if !w.marked[s] {
					w.pstack[head] = q + 1
					head++
					w.rstack[head] = s
					descended = true
					break
				}
			}
		}
		if !descended {
			head--
			top--
			w.xi[top] = r
		}
	}
	return top
}

// renumber rewrites row indices from original rows to pivot positions
// and sorts every column, so Refactor can eliminate in ascending pivot
// order and Solve can substitute directly.
func (lu *LU) renumber() {
	for q := range lu.li {
		lu.li[q] = lu.pinv[lu.li[q]]
	}
	for j := 0; j < lu.n; j++ {
		sortColumn(lu.li[lu.lp[j]:lu.lp[j+1]], lu.lx[lu.lp[j]:lu.lp[j+1]])
		sortColumn(lu.ui[lu.up[j]:lu.up[j+1]], lu.ux[lu.up[j]:lu.up[j+1]])
	}
}

func sortColumn(idx []int, val []float64) {
	sort.Sort(&columnSorter{idx: idx, val: val})
}

type columnSorter struct {
	idx []int
	val []float64
}

func (c *columnSorter) Len() int           { return len(c.idx) }
func (c *columnSorter) Less(i, j int) bool { return c.idx[i] < c.idx[j] }
func (c *columnSorter) Swap(i, j int) {
	c.idx[i], c.idx[j] = c.idx[j], c.idx[i]
	c.val[i], c.val[j] = c.val[j], c.val[i]
}

// Refactor recomputes the numeric factorization of a matrix with the
// same pattern as the one given to Factor, replaying the stored pivot
// order. Returns SINGULAR_JACOBIAN when a replayed pivot vanishes; the
// caller then falls back to a fresh Factor.
func (lu *LU) Refactor(a *Sparse) error {
	if a.N != lu.n {
		return errors.Errorf(errors.InternalError, "refactor size %d, factorization size %d", a.N, lu.n)
	}
	x := make([]float64, lu.n)
	for j := 0; j < lu.n; j++ {
		// The factorization pattern covers A's pattern by construction,
		// so clearing it and scattering A initializes every slot used.
		for q := lu.up[j]; q < lu.up[j+1]; q++ {
			x[lu.ui[q]] = 0
		}
		x[j] = 0
		for q := lu.lp[j]; q < lu.lp[j+1]; q++ {
			x[lu.li[q]] = 0
		}
		for ptr := a.ColPtr[j]; ptr < a.ColPtr[j+1]; ptr++ {
			x[lu.pinv[a.RowIdx[ptr]]] = a.Values[ptr]
		}

		for q := lu.up[j]; q < lu.up[j+1]; q++ {
			k := lu.ui[q]
			ukj := x[k]
			lu.ux[q] = ukj
			if ukj == 0 {
				continue
			}
			for t := lu.lp[k]; t < lu.lp[k+1]; t++ {
				x[lu.li[t]] -= lu.lx[t] * ukj
			}
		}

		d := x[j]
		if d == 0 {
			return errors.Errorf(errors.SingularJacobian, "zero pivot at column %d during refactorization", j)
		}
		lu.udiag[j] = d
		for q := lu.lp[j]; q < lu.lp[j+1]; q++ {
			lu.lx[q] = x[lu.li[q]] / d
		}
	}
	return nil
}

// Solve solves A x = b into x. b is not modified; x and b may alias.
func (lu *LU) Solve(x, b []float64) {
	n := lu.n
	// Apply the row permutation: z[i] = b[p[i]].
	z := make([]float64, n)
	for i := 0; i < n; i++ {
		z[i] = b[lu.p[i]]
	}
	// Forward: L z' = z with unit diagonal.
	for j := 0; j < n; j++ {
		zj := z[j]
		if zj == 0 {
			continue
		}
		for q := lu.lp[j]; q < lu.lp[j+1]; q++ {
			z[lu.li[q]] -= lu.lx[q] * zj
		}
	}
	// Backward: U x = z'.
	for j := n - 1; j >= 0; j-- {
		z[j] /= lu.udiag[j]
		zj := z[j]
		if zj == 0 {
			continue
		}
		for q := lu.up[j]; q < lu.up[j+1]; q++ {
			z[lu.ui[q]] -= lu.ux[q] * zj
		}
	}
	copy(x, z)
}

// SolveReuse is Solve with a caller-owned scratch buffer of length n,
// for the corrector loop that solves every Newton iteration.
func (lu *LU) SolveReuse(x, b, scratch []float64) {
	n := lu.n
	z := scratch[:n]
	for i := 0; i < n; i++ {
		z[i] = b[lu.p[i]]
	}
	for j := 0; j < n; j++ {
		zj := z[j]
		if zj == 0 {
			continue
		}
		for q := lu.lp[j]; q < lu.lp[j+1]; q++ {
			z[lu.li[q]] -= lu.lx[q] * zj
		}
	}
	for j := n - 1; j >= 0; j-- {
		z[j] /= lu.udiag[j]
		zj := z[j]
		if zj == 0 {
			continue
		}
		for q := lu.up[j]; q < lu.up[j+1]; q++ {
			z[lu.ui[q]] -= lu.ux[q] * zj
		}
	}
	copy(x, z)
}
