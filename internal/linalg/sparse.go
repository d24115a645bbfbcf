// Package linalg provides the sparse matrix kernel behind the implicit
// ODE integrator: compressed-sparse-column storage and a left-looking
// LU factorization with partial pivoting whose pattern and pivot order
// can be reused across refactorizations. Jacobians of the Boltzmann
// hierarchy are over ninety percent structural zeros, and the corrector
// refactors the same pattern hundreds of times per wavenumber.
package linalg

import (
	"sort"

	"boltz/internal/errors"
)

// Sparse is a square matrix in compressed-sparse-column form. The
// pattern is fixed at construction; only Values change afterwards.
type Sparse struct {
	N      int
	ColPtr []int // length N+1
	RowIdx []int // row index per stored entry, sorted within a column
	Values []float64
}

// Builder accumulates a nonzero pattern before freezing it into a
// Sparse. Duplicate Add calls are collapsed.
type Builder struct {
	n    int
	cols []map[int]bool
}

// NewBuilder creates a pattern builder for an n by n matrix.
func NewBuilder(n int) *Builder {
	cols := make([]map[int]bool, n)
	for j := range cols {
		cols[j] = make(map[int]bool)
	}
	return &Builder{n: n, cols: cols}
}

// Add marks entry (i, j) as structurally nonzero.
func (b *Builder) Add(i, j int) {
	b.cols[j][i] = true
}

// Build freezes the pattern into a Sparse with zeroed values.
func (b *Builder) Build() *Sparse {
	m := &Sparse{N: b.n, ColPtr: make([]int, b.n+1)}
	nnz := 0
	for _, c := range b.cols {
		nnz += len(c)
	}
	m.RowIdx = make([]int, 0, nnz)
	m.Values = make([]float64, nnz)
	for j, c := range b.cols {
		rows := make([]int, 0, len(c))
		for i := range c {
			rows = append(rows, i)
		}
		sort.Ints(rows)
		m.RowIdx = append(m.RowIdx, rows...)
		m.ColPtr[j+1] = len(m.RowIdx)
	}
	return m
}

// NNZ returns the number of stored entries.
func (m *Sparse) NNZ() int { return len(m.RowIdx) }

// Index returns the storage slot of entry (i, j), or -1 if the entry is
// not part of the pattern. Hot paths cache the result.
func (m *Sparse) Index(i, j int) int {
	lo, hi := m.ColPtr[j], m.ColPtr[j+1]
	for lo < hi {
		mid := (lo + hi) / 2
		if m.RowIdx[mid] < i {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < m.ColPtr[j+1] && m.RowIdx[lo] == i {
		return lo
	}
	return -1
}

// Set writes entry (i, j). The entry must be part of the pattern.
func (m *Sparse) Set(i, j int, v float64) {
	idx := m.Index(i, j)
	if idx < 0 {
		panic("linalg: entry outside pattern")
	}
	m.Values[idx] = v
}

// At reads entry (i, j), returning 0 for entries outside the pattern.
func (m *Sparse) At(i, j int) float64 {
	idx := m.Index(i, j)
	if idx < 0 {
		return 0
	}
	return m.Values[idx]
}

// Zero clears all stored values, keeping the pattern.
func (m *Sparse) Zero() {
	for i := range m.Values {
		m.Values[i] = 0
	}
}

// Clone returns a copy sharing nothing with the receiver.
func (m *Sparse) Clone() *Sparse {
	c := &Sparse{
		N:      m.N,
		ColPtr: make([]int, len(m.ColPtr)),
		RowIdx: make([]int, len(m.RowIdx)),
		Values: make([]float64, len(m.Values)),
	}
	copy(c.ColPtr, m.ColPtr)
	copy(c.RowIdx, m.RowIdx)
	copy(c.Values, m.Values)
	return c
}

// MulVec computes y = A x.
func (m *Sparse) MulVec(x, y []float64) {
	for i := range y {
		y[i] = 0
	}
	for j := 0; j < m.N; j++ {
		xj := x[j]
		if xj == 0 {
			continue
		}
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			y[m.RowIdx[p]] += m.Values[p] * xj
		}
	}
}

// AddScaledIdentity sets A = alpha I + beta A in place. Every diagonal
// entry must be part of the pattern, which holds for the matrices the
// implicit solver builds.
func (m *Sparse) AddScaledIdentity(alpha, beta float64) error {
	for j := 0; j < m.N; j++ {
		found := false
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			m.Values[p] *= beta
			if m.RowIdx[p] == j {
				m.Values[p] += alpha
				found = true
			}
		}
		if !found {
			return errors.Errorf(errors.InternalError, "diagonal entry (%d,%d) outside pattern", j, j)
		}
	}
	return nil
}
