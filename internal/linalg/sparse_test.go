package linalg

import (
	"math"
	"testing"
)

func TestBuilderBuild(t *testing.T) {
	b := NewBuilder(3)
	b.Add(0, 0)
	b.Add(2, 0)
	b.Add(1, 1)
	b.Add(0, 2)
	b.Add(2, 2)
	b.Add(0, 2) // duplicate collapses
	m := b.Build()

	if m.NNZ() != 5 {
		t.Fatalf("NNZ = %d, want 5", m.NNZ())
	}
	wantPtr := []int{0, 2, 3, 5}
	for i, w := range wantPtr {
		if m.ColPtr[i] != w {
			t.Errorf("ColPtr[%d] = %d, want %d", i, m.ColPtr[i], w)
		}
	}
	// Rows sorted within each column.
	wantRows := []int{0, 2, 1, 0, 2}
	for i, w := range wantRows {
		if m.RowIdx[i] != w {
			t.Errorf("RowIdx[%d] = %d, want %d", i, m.RowIdx[i], w)
		}
	}
}

func TestIndexSetAt(t *testing.T) {
	b := NewBuilder(2)
	b.Add(0, 0)
	b.Add(1, 1)
	m := b.Build()

	m.Set(0, 0, 3.5)
	if got := m.At(0, 0); got != 3.5 {
		t.Errorf("At(0,0) = %g, want 3.5", got)
	}
	if got := m.At(1, 0); got != 0 {
		t.Errorf("At outside pattern = %g, want 0", got)
	}
	if idx := m.Index(1, 0); idx != -1 {
		t.Errorf("Index outside pattern = %d, want -1", idx)
	}
}

func TestMulVec(t *testing.T) {
	m := fromDense([][]float64{
		{1, 2},
		{3, 4},
	})
	y := make([]float64, 2)
	m.MulVec([]float64{1, 1}, y)
	if y[0] != 3 || y[1] != 7 {
		t.Errorf("MulVec = %v, want [3 7]", y)
	}
}

func TestAddScaledIdentity(t *testing.T) {
	m := fromDense([][]float64{
		{2, 1},
		{1, 2},
	})
	// M = 1*I - 0.5*A
	if err := m.AddScaledIdentity(1, -0.5); err != nil {
		t.Fatalf("AddScaledIdentity: %v", err)
	}
	want := [][]float64{
		{0, -0.5},
		{-0.5, 0},
	}
	for i := range want {
		for j := range want[i] {
			if got := m.At(i, j); math.Abs(got-want[i][j]) > 1e-15 {
				t.Errorf("M[%d][%d] = %g, want %g", i, j, got, want[i][j])
			}
		}
	}
}

func TestAddScaledIdentity_MissingDiagonal(t *testing.T) {
	b := NewBuilder(2)
	b.Add(0, 0)
	b.Add(0, 1) // no (1,1)
	m := b.Build()
	if err := m.AddScaledIdentity(1, 1); err == nil {
		t.Error("AddScaledIdentity should fail without a full diagonal")
	}
}
