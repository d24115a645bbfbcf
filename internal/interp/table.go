package interp

import (
	"boltz/internal/errors"
)

// Table interpolates many columns sharing one strictly increasing grid.
// One bracket search serves all columns of a row, which is what the
// per-wavenumber loops need when they read a dozen background
// quantities at the same conformal time.
type Table struct {
	xs   []float64
	cols [][]float64
	d2   [][]float64
}

// NewTable builds splines for every column over the shared grid.
// cols[j] has one value per grid point. Slices are retained.
func NewTable(xs []float64, cols [][]float64, boundary Boundary) (*Table, error) {
	n := len(xs)
	if n < 3 {
		return nil, errors.Errorf(errors.InternalError, "table needs >=3 rows, got %d", n)
	}
	t := &Table{xs: xs, cols: cols, d2: make([][]float64, len(cols))}
	for j, col := range cols {
		if len(col) != n {
			return nil, errors.Errorf(errors.InternalError, "column %d has %d rows, grid has %d", j, len(col), n)
		}
		s, err := NewSpline(xs, col, boundary)
		if err != nil {
			return nil, err
		}
		t.d2[j] = s.d2
	}
	return t, nil
}

// Columns returns the number of columns.
func (t *Table) Columns() int { return len(t.cols) }

// Min returns the first grid point.
func (t *Table) Min() float64 { return t.xs[0] }

// Max returns the last grid point.
func (t *Table) Max() float64 { return t.xs[len(t.xs)-1] }

// Grid returns the shared grid. Callers must not modify it.
func (t *Table) Grid() []float64 { return t.xs }

// Column returns the raw samples of column j. Callers must not modify.
func (t *Table) Column(j int) []float64 { return t.cols[j] }

// Row evaluates every column at x into out, which must have length
// Columns(). A caller-owned cache makes sequential sweeps cheap.
func (t *Table) Row(x float64, out []float64, cache *int) error {
	if len(out) != len(t.cols) {
		return errors.Errorf(errors.InternalError, "row buffer has %d slots, table has %d columns", len(out), len(t.cols))
	}
	i, err := t.bracket(x, cache)
	if err != nil {
		return err
	}
	h := t.xs[i+1] - t.xs[i]
	a := (t.xs[i+1] - x) / h
	b := (x - t.xs[i]) / h
	ca := (a*a*a - a) * h * h / 6
	cb := (b*b*b - b) * h * h / 6
	for j, col := range t.cols {
		out[j] = a*col[i] + b*col[i+1] + ca*t.d2[j][i] + cb*t.d2[j][i+1]
	}
	return nil
}

// Value evaluates a single column at x.
func (t *Table) Value(x float64, j int, cache *int) (float64, error) {
	i, err := t.bracket(x, cache)
	if err != nil {
		return 0, err
	}
	h := t.xs[i+1] - t.xs[i]
	a := (t.xs[i+1] - x) / h
	b := (x - t.xs[i]) / h
	col, d2 := t.cols[j], t.d2[j]
	return a*col[i] + b*col[i+1] +
		((a*a*a-a)*d2[i]+(b*b*b-b)*d2[i+1])*h*h/6, nil
}

// Deriv evaluates the derivative of column j at x.
func (t *Table) Deriv(x float64, j int, cache *int) (float64, error) {
	i, err := t.bracket(x, cache)
	if err != nil {
		return 0, err
	}
	h := t.xs[i+1] - t.xs[i]
	a := (t.xs[i+1] - x) / h
	b := (x - t.xs[i]) / h
	col, d2 := t.cols[j], t.d2[j]
	return (col[i+1]-col[i])/h +
		(-(3*a*a-1)*d2[i]+(3*b*b-1)*d2[i+1])*h/6, nil
}

func (t *Table) bracket(x float64, cache *int) (int, error) {
	xs := t.xs
	n := len(xs)
	if x < xs[0] || x > xs[n-1] {
		return 0, errors.Errorf(errors.OutOfDomain, "x=%g outside [%g, %g]", x, xs[0], xs[n-1])
	}
	i := *cache
	if i >= 0 && i <= n-2 && xs[i] <= x && x <= xs[i+1] {
		return i, nil
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
