package specfunc

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSphericalJ_ClosedForms(t *testing.T) {
	xs := []float64{0.01, 0.5, 1, 2.5, 7, 20, 123.4}
	for _, x := range xs {
		j0 := math.Sin(x) / x
		j1 := math.Sin(x)/(x*x) - math.Cos(x)/x
		j2 := (3/(x*x*x)-1/x)*math.Sin(x) - 3/(x*x)*math.Cos(x)

		if got := SphericalJ(0, x); !almostEqual(got, j0, 1e-13) {
			t.Errorf("j_0(%g) = %g, want %g", x, got, j0)
		}
		if got := SphericalJ(1, x); !almostEqual(got, j1, 1e-13) {
			t.Errorf("j_1(%g) = %g, want %g", x, got, j1)
		}
		if got := SphericalJ(2, x); !almostEqual(got, j2, 1e-12) {
			t.Errorf("j_2(%g) = %g, want %g", x, got, j2)
		}
	}
}

func TestSphericalJ_Recurrence(t *testing.T) {
	// (2l+1) j_l(x) = x (j_{l-1}(x) + j_{l+1}(x)) holds across the
	// switch between upward recursion and the downward Miller scheme.
	for _, l := range []int{5, 10, 50, 200} {
		for _, x := range []float64{float64(l) * 0.3, float64(l) * 0.9, float64(l) * 1.1, float64(l) * 3} {
			jm := SphericalJ(l-1, x)
			j := SphericalJ(l, x)
			jp := SphericalJ(l+1, x)
			lhs := float64(2*l+1) * j
			rhs := x * (jm + jp)
			scale := math.Max(math.Abs(lhs), 1e-280)
			if math.Abs(lhs-rhs) > 1e-9*scale+1e-280 {
				t.Errorf("recurrence broken at l=%d x=%g: %g vs %g", l, x, lhs, rhs)
			}
		}
	}
}

func TestSphericalJJPrime_Identity(t *testing.T) {
	// j_l' = j_{l-1} - (l+1)/x j_l
	for _, l := range []int{1, 3, 30} {
		for _, x := range []float64{2.0, 25.0, 80.0} {
			j, jp := SphericalJJPrime(l, x)
			want := SphericalJ(l-1, x) - float64(l+1)/x*SphericalJ(l, x)
			if !almostEqual(jp, want, 1e-10*math.Max(1, math.Abs(want))) {
				t.Errorf("j_%d'(%g) = %g, want %g", l, x, jp, want)
			}
			if !almostEqual(j, SphericalJ(l, x), 1e-14) {
				t.Errorf("j value mismatch at l=%d x=%g", l, x)
			}
		}
	}
}

func TestBesselXMin_CutsEvanescentTail(t *testing.T) {
	const phiMin = 1e-10
	for _, l := range []int{10, 100, 700} {
		xmin := BesselXMin(l, phiMin)
		if xmin <= 0 || xmin >= float64(l)+0.5 {
			t.Fatalf("l=%d: xmin=%g out of range", l, xmin)
		}
		if j := SphericalJ(l, xmin); math.Abs(j) > phiMin {
			t.Errorf("l=%d: |j_l(xmin)| = %g above cut %g", l, math.Abs(j), phiMin)
		}
		// The cut must not eat into the oscillatory region.
		if j := SphericalJ(l, float64(l)+1); math.Abs(j) < phiMin {
			t.Errorf("l=%d: oscillatory region unexpectedly below cut", l)
		}
	}
}

func TestTable_MatchesDirectEvaluation(t *testing.T) {
	ls := []int{2, 10, 100}
	tab, err := NewTable(ls, 300, 2*math.Pi/16, 1e-10)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range ls {
		xmin, err := tab.XMin(l)
		if err != nil {
			t.Fatal(err)
		}
		for x := xmin + 0.05; x < 299; x += 7.3 {
			j, jp, err := tab.Eval(l, x)
			if err != nil {
				t.Fatalf("Eval(%d, %g): %v", l, x, err)
			}
			wantJ, wantJp := SphericalJJPrime(l, x)
			if !almostEqual(j, wantJ, 1e-5) {
				t.Errorf("table j_%d(%g) = %g, want %g", l, x, j, wantJ)
			}
			if !almostEqual(jp, wantJp, 1e-4) {
				t.Errorf("table j_%d'(%g) = %g, want %g", l, x, jp, wantJp)
			}
		}
	}
}

func TestTable_ZeroBelowCut(t *testing.T) {
	tab, err := NewTable([]int{500}, 600, 0.4, 1e-10)
	if err != nil {
		t.Fatal(err)
	}
	xmin, _ := tab.XMin(500)
	j, jp, err := tab.Eval(500, xmin/2)
	if err != nil {
		t.Fatal(err)
	}
	if j != 0 || jp != 0 {
		t.Errorf("below cut: got (%g, %g), want exact zeros", j, jp)
	}
}

func TestTable_OutOfDomain(t *testing.T) {
	tab, err := NewTable([]int{2}, 50, 0.4, 1e-10)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tab.Eval(2, 51); err == nil {
		t.Error("expected out-of-domain error beyond table end")
	}
	if _, _, err := tab.Eval(3, 10); err == nil {
		t.Error("expected error for untabulated multipole")
	}
}

func TestGaussLegendre_ExactForPolynomials(t *testing.T) {
	x, w, err := GaussLegendre(0, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	// Degree 5 is exact for a 3-point rule.
	var sum float64
	for i := range x {
		sum += w[i] * math.Pow(x[i], 5)
	}
	if !almostEqual(sum, 1.0/6.0, 1e-13) {
		t.Errorf("int_0^1 x^5 = %g, want 1/6", sum)
	}
}

func TestGaussLaguerre_Moments(t *testing.T) {
	x, w, err := GaussLaguerre(24)
	if err != nil {
		t.Fatal(err)
	}
	var m0, m2 float64
	for i := range x {
		m0 += w[i]
		m2 += w[i] * x[i] * x[i]
	}
	if !almostEqual(m0, 1, 1e-12) {
		t.Errorf("int e^-q dq = %g, want 1", m0)
	}
	if !almostEqual(m2, 2, 1e-10) {
		t.Errorf("int q^2 e^-q dq = %g, want 2", m2)
	}
}

func TestGaussLaguerre_FermiDiracEnergy(t *testing.T) {
	// int_0^inf q^3/(e^q+1) dq = 7 pi^4 / 120, the massless limit of
	// the momentum integrals used for massive species.
	x, w, err := GaussLaguerre(24)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for i := range x {
		q := x[i]
		sum += w[i] * q * q * q / (1 + math.Exp(-q))
	}
	want := 7 * math.Pow(math.Pi, 4) / 120
	if math.Abs(sum-want) > 1e-6*want {
		t.Errorf("fermi-dirac energy integral = %.10g, want %.10g", sum, want)
	}
}
