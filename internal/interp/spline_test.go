package interp

import (
	"math"
	"testing"

	"boltz/internal/errors"
)

func linspace(a, b float64, n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = a + (b-a)*float64(i)/float64(n-1)
	}
	return xs
}

func TestSpline_ReproducesCubic(t *testing.T) {
	// A cubic with clamped (estimated) ends is not exactly representable,
	// but on a dense grid the interior error must be tiny.
	f := func(x float64) float64 { return 2*x*x*x - x*x + 3*x - 1 }
	xs := linspace(0, 2, 41)
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = f(x)
	}

	s, err := NewSpline(xs, ys, EstimateBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}

	for _, x := range []float64{0.111, 0.5, 1.0, 1.337, 1.95} {
		got, err := s.Eval(x)
		if err != nil {
			t.Fatalf("Eval(%g): %v", x, err)
		}
		if math.Abs(got-f(x)) > 1e-4 {
			t.Errorf("Eval(%g) = %g, want %g", x, got, f(x))
		}
	}
}

func TestSpline_Deriv(t *testing.T) {
	xs := linspace(0, math.Pi, 101)
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = math.Sin(x)
	}
	s, err := NewSpline(xs, ys, EstimateBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}

	for _, x := range []float64{0.3, 1.0, 2.0, 3.0} {
		got, err := s.Deriv(x)
		if err != nil {
			t.Fatalf("Deriv(%g): %v", x, err)
		}
		if math.Abs(got-math.Cos(x)) > 1e-5 {
			t.Errorf("Deriv(%g) = %g, want %g", x, got, math.Cos(x))
		}
	}
}

func TestSpline_ExactAtNodes(t *testing.T) {
	xs := []float64{0, 0.5, 1.5, 2.0, 4.0}
	ys := []float64{1, -1, 2, 0, 3}
	s, err := NewSpline(xs, ys, NaturalBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}
	for i, x := range xs {
		got, err := s.Eval(x)
		if err != nil {
			t.Fatalf("Eval(%g): %v", x, err)
		}
		if math.Abs(got-ys[i]) > 1e-12 {
			t.Errorf("Eval(node %g) = %g, want %g", x, got, ys[i])
		}
	}
}

func TestSpline_OutOfDomain(t *testing.T) {
	xs := linspace(1, 2, 5)
	s, err := NewSpline(xs, xs, NaturalBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}

	for _, x := range []float64{0.999, 2.001} {
		if _, err := s.Eval(x); !errors.IsCode(err, errors.OutOfDomain) {
			t.Errorf("Eval(%g) error = %v, want OUT_OF_DOMAIN", x, err)
		}
	}
}

func TestSpline_RejectsBadGrid(t *testing.T) {
	tests := []struct {
		name string
		xs   []float64
		ys   []float64
	}{
		{name: "too short", xs: []float64{0, 1}, ys: []float64{0, 1}},
		{name: "not increasing", xs: []float64{0, 1, 1}, ys: []float64{0, 1, 2}},
		{name: "length mismatch", xs: []float64{0, 1, 2}, ys: []float64{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSpline(tt.xs, tt.ys, NaturalBoundary); err == nil {
				t.Error("NewSpline should fail")
			}
		})
	}
}

func TestSpline_CachedSequentialSweep(t *testing.T) {
	xs := linspace(0, 10, 1001)
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = math.Exp(-x / 3)
	}
	s, err := NewSpline(xs, ys, EstimateBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}

	cache := 0
	for x := 0.0; x <= 10.0; x += 0.003 {
		got, err := s.EvalCached(x, &cache)
		if err != nil {
			t.Fatalf("EvalCached(%g): %v", x, err)
		}
		want := math.Exp(-x / 3)
		if math.Abs(got-want) > 1e-8 {
			t.Fatalf("EvalCached(%g) = %g, want %g", x, got, want)
		}
	}
}

func TestTable_RowMatchesColumns(t *testing.T) {
	xs := linspace(0, 1, 21)
	c0 := make([]float64, len(xs))
	c1 := make([]float64, len(xs))
	for i, x := range xs {
		c0[i] = x * x
		c1[i] = math.Cos(x)
	}
	tab, err := NewTable(xs, [][]float64{c0, c1}, EstimateBoundary)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	cache := 0
	row := make([]float64, 2)
	if err := tab.Row(0.437, row, &cache); err != nil {
		t.Fatalf("Row: %v", err)
	}

	v0, _ := tab.Value(0.437, 0, &cache)
	v1, _ := tab.Value(0.437, 1, &cache)
	if row[0] != v0 || row[1] != v1 {
		t.Errorf("Row = %v, Value = (%g, %g)", row, v0, v1)
	}
	if math.Abs(row[0]-0.437*0.437) > 1e-6 {
		t.Errorf("col0(0.437) = %g, want %g", row[0], 0.437*0.437)
	}
}

func TestTrapezoidWeights(t *testing.T) {
	xs := []float64{0, 1, 3, 4}
	w := TrapezoidWeights(xs)

	// Integral of f=1 must equal the interval length.
	var sum float64
	for _, wi := range w {
		sum += wi
	}
	if math.Abs(sum-4) > 1e-14 {
		t.Errorf("sum of weights = %g, want 4", sum)
	}

	// Integral of f=x over [0,4] is 8 under the trapezoid rule on any grid.
	var sumX float64
	for i, wi := range w {
		sumX += wi * xs[i]
	}
	if math.Abs(sumX-8) > 1e-14 {
		t.Errorf("trapezoid of x = %g, want 8", sumX)
	}
}

func TestLogSpline(t *testing.T) {
	// Power law k^n is linear in ln k, so the log spline nails it.
	xs := make([]float64, 30)
	ys := make([]float64, 30)
	for i := range xs {
		xs[i] = 1e-4 * math.Pow(10, float64(i)/5)
		ys[i] = 0.96 * math.Log(xs[i])
	}
	s, err := NewLogSpline(xs, ys, NaturalBoundary)
	if err != nil {
		t.Fatalf("NewLogSpline: %v", err)
	}

	got, err := s.Eval(3.3e-3)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	want := 0.96 * math.Log(3.3e-3)
	if math.Abs(got-want) > 1e-10 {
		t.Errorf("Eval = %g, want %g", got, want)
	}

	if _, err := s.Eval(-1); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("negative x should be OUT_OF_DOMAIN, got %v", err)
	}
}
