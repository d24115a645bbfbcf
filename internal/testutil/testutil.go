// Package testutil holds the numeric helpers shared by the package
// tests: relative comparisons, monotonicity checks and golden-file
// handling for the text writers.
package testutil

import (
	"flag"
	"math"
	"testing"
)

var updateGolden = flag.Bool("update", false, "update golden files")

// ShouldUpdate reports whether golden files should be rewritten.
// Use: go test ./... -run TestGolden -update
func ShouldUpdate() bool {
	return *updateGolden
}

// RelDiff returns |a-b| / max(|a|, |b|), zero when both vanish.
func RelDiff(a, b float64) float64 {
	m := math.Max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return 0
	}
	return math.Abs(a-b) / m
}

// CheckClose fails the test when got and want differ by more than rtol
// in relative terms.
func CheckClose(t *testing.T, name string, got, want, rtol float64) {
	t.Helper()
	if d := RelDiff(got, want); d > rtol {
		t.Errorf("%s = %g, want %g (rel diff %.3g > %.3g)", name, got, want, d, rtol)
	}
}

// CheckStrictlyIncreasing fails the test when xs is not strictly
// ascending.
func CheckStrictlyIncreasing(t *testing.T, name string, xs []float64) {
	t.Helper()
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			t.Fatalf("%s not strictly increasing at index %d: %g then %g", name, i, xs[i-1], xs[i])
			return
		}
	}
}

// CheckAllFinite fails the test on the first NaN or Inf entry.
func CheckAllFinite(t *testing.T, name string, xs []float64) {
	t.Helper()
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("%s[%d] = %g, want finite", name, i, x)
			return
		}
	}
}
