package evolver

import (
	"math"
	"testing"

	"boltz/internal/errors"
	"boltz/internal/linalg"
)

// decay is y' = -y with solution exp(-t).
type decay struct{}

func (decay) Dim() int { return 1 }
func (decay) Derivs(t float64, y, dy []float64) error {
	dy[0] = -y[0]
	return nil
}

// stiffLinear is the classic two-component problem with rates 1 and
// 1000: y1 = 2e^-t - e^-1000t, y2 = -e^-t + e^-1000t for y0 = (1, 0).
type stiffLinear struct{}

func (stiffLinear) Dim() int { return 2 }
func (stiffLinear) Derivs(t float64, y, dy []float64) error {
	dy[0] = 998*y[0] + 1998*y[1]
	dy[1] = -999*y[0] - 1999*y[1]
	return nil
}

func stiffLinearExact(t float64) (float64, float64) {
	return 2*math.Exp(-t) - math.Exp(-1000*t), -math.Exp(-t) + math.Exp(-1000*t)
}

// stiffPatterned declares its dense 2x2 structure explicitly.
type stiffPatterned struct{ stiffLinear }

func (stiffPatterned) JacobianPattern() *linalg.Sparse {
	b := linalg.NewBuilder(2)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			b.Add(i, j)
		}
	}
	return b.Build()
}

// stiffAnalytic provides the exact Jacobian on top of the pattern.
type stiffAnalytic struct{ stiffPatterned }

func (stiffAnalytic) Jacobian(t float64, y []float64, jac *linalg.Sparse) error {
	jac.Set(0, 0, 998)
	jac.Set(0, 1, 1998)
	jac.Set(1, 0, -999)
	jac.Set(1, 1, -1999)
	return nil
}

// robertson is the standard three-species stiff kinetics problem; the
// component sum is conserved exactly.
type robertson struct{}

func (robertson) Dim() int { return 3 }
func (robertson) Derivs(t float64, y, dy []float64) error {
	dy[0] = -0.04*y[0] + 1e4*y[1]*y[2]
	dy[2] = 3e7 * y[1] * y[1]
	dy[1] = -dy[0] - dy[2]
	return nil
}

func TestRKCK_Decay(t *testing.T) {
	r := NewRKCK(Options{AbsTol: 1e-10, RelTol: 1e-8, MaxSteps: 10000})
	y := []float64{1}
	var got []float64
	times := []float64{0.5, 1, 2, 4}
	err := r.Integrate(decay{}, 0, 4, y, times, func(tau float64, y []float64) error {
		got = append(got, y[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if len(got) != len(times) {
		t.Fatalf("got %d outputs, want %d", len(got), len(times))
	}
	for i, tau := range times {
		want := math.Exp(-tau)
		if math.Abs(got[i]-want) > 1e-7 {
			t.Errorf("y(%g) = %g, want %g", tau, got[i], want)
		}
	}
	if math.Abs(y[0]-math.Exp(-4)) > 1e-7 {
		t.Errorf("final y = %g, want %g", y[0], math.Exp(-4))
	}
}

func TestRKCK_Harmonic(t *testing.T) {
	// y'' = -y as a system; energy should be conserved to tolerance.
	sys := sysFunc{n: 2, f: func(tt float64, y, dy []float64) error {
		dy[0] = y[1]
		dy[1] = -y[0]
		return nil
	}}
	r := NewRKCK(Options{AbsTol: 1e-12, RelTol: 1e-10, MaxSteps: 100000})
	y := []float64{1, 0}
	if err := r.Integrate(sys, 0, 2*math.Pi, y, nil, nil); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if math.Abs(y[0]-1) > 1e-8 || math.Abs(y[1]) > 1e-8 {
		t.Errorf("after one period y = %v, want (1, 0)", y)
	}
}

type sysFunc struct {
	n int
	f func(t float64, y, dy []float64) error
}

func (s sysFunc) Dim() int { return s.n }

func (s sysFunc) Derivs(t float64, y, dy []float64) error { return s.f(t, y, dy) }

func TestNDF15_StiffLinear(t *testing.T) {
	tests := []struct {
		name string
		sys  System
	}{
		{name: "dense finite differences", sys: stiffLinear{}},
		{name: "patterned finite differences", sys: stiffPatterned{}},
		{name: "analytic jacobian", sys: stiffAnalytic{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewNDF15(Options{AbsTol: 1e-12, RelTol: 1e-8, InitialStep: 1e-6, MaxSteps: 100000})
			y := []float64{1, 0}
			if err := s.Integrate(tt.sys, 0, 5, y, nil, nil); err != nil {
				t.Fatalf("Integrate: %v", err)
			}
			w0, w1 := stiffLinearExact(5)
			if math.Abs(y[0]-w0) > 1e-6 || math.Abs(y[1]-w1) > 1e-6 {
				t.Errorf("y(5) = %v, want (%g, %g)", y, w0, w1)
			}

			stats := s.Stats()
			if stats.Steps == 0 {
				t.Error("no steps counted")
			}
			// A stiff solver that stays at order 1 over a smooth stretch
			// is misbehaving.
			if stats.MaxOrder < 2 {
				t.Errorf("MaxOrder = %d, want >= 2", stats.MaxOrder)
			}
			// Step count must stay far below the explicit-stability
			// bound of roughly 1000 steps per unit time.
			if stats.Steps > 2000 {
				t.Errorf("Steps = %d, stiff solver should need far fewer", stats.Steps)
			}
		})
	}
}

func TestNDF15_Robertson(t *testing.T) {
	s := NewNDF15(Options{AbsTol: 1e-12, RelTol: 1e-7, InitialStep: 1e-6, MaxSteps: 100000})
	y := []float64{1, 0, 0}
	if err := s.Integrate(robertson{}, 0, 100, y, nil, nil); err != nil {
		t.Fatalf("Integrate: %v", err)
	}

	sum := y[0] + y[1] + y[2]
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("mass sum = %g, want 1", sum)
	}
	if y[0] < 0.6 || y[0] > 1 {
		t.Errorf("y1(100) = %g, want in (0.6, 1)", y[0])
	}
	if y[1] < 0 || y[1] > 1e-3 {
		t.Errorf("y2(100) = %g, want small positive", y[1])
	}
}

func TestNDF15_DenseOutput(t *testing.T) {
	// y' = cos(t): outputs must match sin at the requested times, not
	// at step boundaries.
	sys := sysFunc{n: 1, f: func(tt float64, y, dy []float64) error {
		dy[0] = math.Cos(tt)
		return nil
	}}
	s := NewNDF15(Options{AbsTol: 1e-12, RelTol: 1e-9, InitialStep: 1e-4, MaxSteps: 100000})
	y := []float64{0}

	times := []float64{0, 0.1, 0.7, 1.3, 2.9, 5.5, 6.0}
	var gotT []float64
	var gotY []float64
	err := s.Integrate(sys, 0, 6, y, times, func(tau float64, y []float64) error {
		gotT = append(gotT, tau)
		gotY = append(gotY, y[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if len(gotT) != len(times) {
		t.Fatalf("got %d outputs, want %d", len(gotT), len(times))
	}
	for i, tau := range times {
		if gotT[i] != tau {
			t.Errorf("output %d at t=%g, want %g", i, gotT[i], tau)
		}
		if math.Abs(gotY[i]-math.Sin(tau)) > 1e-6 {
			t.Errorf("y(%g) = %g, want %g", tau, gotY[i], math.Sin(tau))
		}
	}
}

func TestNDF15_MaxSteps(t *testing.T) {
	s := NewNDF15(Options{AbsTol: 1e-14, RelTol: 1e-12, InitialStep: 1e-12, MaxStep: 1e-12, MaxSteps: 10})
	y := []float64{1, 0}
	err := s.Integrate(stiffLinear{}, 0, 5, y, nil, nil)
	if !errors.IsCode(err, errors.NonConvergence) {
		t.Errorf("error = %v, want NON_CONVERGENCE", err)
	}
}

func TestRKCK_OutputBeforeStart(t *testing.T) {
	// Times outside [t0, t1] are ignored, not extrapolated.
	r := NewRKCK(Options{AbsTol: 1e-10, RelTol: 1e-8, MaxSteps: 10000})
	y := []float64{1}
	var count int
	err := r.Integrate(decay{}, 1, 2, y, []float64{0.5, 1.5, 3}, func(tau float64, y []float64) error {
		count++
		if tau != 1.5 {
			t.Errorf("output at %g, want only 1.5", tau)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if count != 1 {
		t.Errorf("outputs = %d, want 1", count)
	}
}
