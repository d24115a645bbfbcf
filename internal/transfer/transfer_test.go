package transfer

import (
	"context"
	"math"
	"sync"
	"testing"

	"boltz/internal/background"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/perturb"
	"boltz/internal/specfunc"
	"boltz/internal/thermo"
)

func TestMultipoleListShape(t *testing.T) {
	prec := params.DefaultPrecision()

	ls := multipoles(2500, &prec)
	if ls[0] != 2 {
		t.Fatalf("list starts at %d, want 2", ls[0])
	}
	if last := ls[len(ls)-1]; last != 2500 {
		t.Fatalf("list ends at %d, want 2500", last)
	}
	seen3 := false
	for i := 1; i < len(ls); i++ {
		if ls[i] <= ls[i-1] {
			t.Fatalf("list not increasing at %d: %d after %d", i, ls[i], ls[i-1])
		}
		if d := ls[i] - ls[i-1]; d > prec.LLinstep {
			t.Errorf("increment %d at l=%d exceeds linear stride %d", d, ls[i], prec.LLinstep)
		}
		if ls[i] == 3 {
			seen3 = true
		}
	}
	if !seen3 {
		t.Errorf("low multipoles undersampled: no l=3 in %v", ls[:5])
	}

	if short := multipoles(100, &prec); short[len(short)-1] != 100 {
		t.Errorf("l_max=100 list ends at %d", short[len(short)-1])
	}
}

func TestFlatQGridSteps(t *testing.T) {
	prec := params.DefaultPrecision()
	tau0, tauRec := 14000.0, 280.0

	qs, ks, err := qGrid(0, tau0, tauRec, 1e-4, 0.45, &prec)
	if err != nil {
		t.Fatalf("qGrid: %v", err)
	}
	if qs[0] != 1e-4 || qs[len(qs)-1] != 0.45 {
		t.Fatalf("grid spans [%g, %g], want [1e-4, 0.45]", qs[0], qs[len(qs)-1])
	}
	lin := prec.QLinstep * 2 * math.Pi / (tau0 - tauRec)
	for i := 1; i < len(qs); i++ {
		if qs[i] <= qs[i-1] {
			t.Fatalf("grid not increasing at %d", i)
		}
		if ks[i] != qs[i] {
			t.Fatalf("flat grid has k=%g for q=%g", ks[i], qs[i])
		}
		dq := qs[i] - qs[i-1]
		logStep := qs[i-1] * math.Ln10 / prec.QLogstepSpline
		bound := math.Max(lin, logStep)
		if dq > bound*1.001 {
			t.Errorf("step %g at q=%g exceeds bound %g", dq, qs[i-1], bound)
		}
	}
	if len(qs) < 500 {
		t.Errorf("only %d projection wavenumbers for a CMB-scale range", len(qs))
	}
}

func TestClosedQGridLadder(t *testing.T) {
	prec := params.DefaultPrecision()
	K := 1e-6
	sq := math.Sqrt(K)

	qs, ks, err := qGrid(K, 14000, 280, 3e-3, 0.05, &prec)
	if err != nil {
		t.Fatalf("qGrid: %v", err)
	}
	for i, q := range qs {
		nu := q / sq
		if math.Abs(nu-math.Round(nu)) > 1e-9 {
			t.Fatalf("q=%g is not on the integer ladder (nu=%g)", q, nu)
		}
		if nu < 3 {
			t.Fatalf("nu=%g below the first scalar eigenvalue", nu)
		}
		want := math.Sqrt(q*q - K)
		if math.Abs(ks[i]-want) > 1e-12*want {
			t.Errorf("k(q=%g) = %g, want %g", q, ks[i], want)
		}
	}
	for i := 1; i < len(qs); i++ {
		if qs[i] <= qs[i-1] {
			t.Fatalf("ladder not increasing at %d", i)
		}
	}
}

func TestFineGridKeepsSourceNodes(t *testing.T) {
	taus := []float64{0, 1, 2.5}
	fine := fineGrid(taus, 0.4)

	for _, want := range taus {
		found := false
		for _, v := range fine {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("source node %g missing from fine grid", want)
		}
	}
	for i := 1; i < len(fine); i++ {
		if fine[i] <= fine[i-1] {
			t.Fatalf("fine grid not increasing at %d", i)
		}
		if d := fine[i] - fine[i-1]; d > 0.4+1e-12 {
			t.Errorf("fine spacing %g exceeds requested 0.4", d)
		}
	}
}

func TestPolNorm(t *testing.T) {
	if got, want := polNorm(2), math.Sqrt(24); math.Abs(got-want) > 1e-12 {
		t.Errorf("polNorm(2) = %g, want %g", got, want)
	}
}

// In the near-flat limit the hyperspherical kernels have to reduce to
// ordinary spherical Bessel functions of x = q(tau0 - tau).
func TestCurvedRadialFlatLimit(t *testing.T) {
	ls := []int{2, 10}
	q := 0.02
	rad, err := newCurvedRadial(-1e-12, q, ls, 1e-10)
	if err != nil {
		t.Fatalf("newCurvedRadial: %v", err)
	}

	for _, dist := range []float64{1500, 3000, 6000} {
		if err := rad.begin(dist); err != nil {
			t.Fatalf("begin(%g): %v", dist, err)
		}
		x := q * dist
		for il, l := range ls {
			j, jp, jpp, err := rad.at(il)
			if err != nil {
				t.Fatalf("at(l=%d, x=%g): %v", l, x, err)
			}
			wantJ, wantJp := specfunc.SphericalJJPrime(l, x)
			if math.Abs(j-wantJ) > 1e-4 {
				t.Errorf("l=%d x=%g: Phi=%g, want j=%g", l, x, j, wantJ)
			}
			if math.Abs(jp-wantJp) > 1e-4 {
				t.Errorf("l=%d x=%g: Phi'=%g, want j'=%g", l, x, jp, wantJp)
			}
			wantJpp := specfunc.SphericalJSecond(l, x, wantJ, wantJp)
			if math.Abs(jpp-wantJpp) > 1e-4 {
				t.Errorf("l=%d x=%g: Phi''=%g, want j''=%g", l, x, jpp, wantJpp)
			}
		}
		if a := rad.arg(); math.Abs(a-x) > 1e-5*x {
			t.Errorf("dist=%g: arg=%g, want %g", dist, a, x)
		}
	}
}

// The Limber shortcut has to reproduce the direct convolution for a
// smooth kernel once the multipole is moderately large.
func TestLimberMatchesDirectIntegration(t *testing.T) {
	p := &projector{tau0: 14000, tauRec: 280}

	n := 201
	taus := make([]float64, n)
	ys := make([]float64, n)
	for i := range taus {
		taus[i] = p.tauRec + float64(i)*(p.tau0-p.tauRec)/float64(n-1)
		ys[i] = 1
	}
	s, err := interp.NewSpline(taus, ys, interp.EstimateBoundary)
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}

	l, q := 40, 0.02
	approx, err := p.limber(l, q, s)
	if err != nil {
		t.Fatalf("limber: %v", err)
	}

	direct := 0.0
	dtau := 1.0
	prev := 0.0
	for tau := p.tauRec; tau < p.tau0; tau += dtau {
		f := p.lensWeight(tau) * specfunc.SphericalJ(l, q*(p.tau0-tau))
		direct += 0.5 * (prev + f) * dtau
		prev = f
	}

	if rel := math.Abs(approx-direct) / math.Abs(direct); rel > 0.03 {
		t.Errorf("limber = %g, direct = %g (rel %g), want < 3%%", approx, direct, rel)
	}
}

func testConfig() *params.Config {
	cfg := params.DefaultConfig()
	cfg.Output.LMax = 100
	cfg.Output.MatterPower = true
	cfg.Output.KMax = 0.3
	cfg.Output.LensingPotential = true
	cfg.Output.Lensed = false
	return cfg
}

var (
	fnOnce sync.Once
	fnBg   *background.Background
	fnTh   *thermo.Thermo
	fnVal  *Functions
	fnErr  error
)

// projected runs one small end-to-end solve through the perturbation
// stage and the projection. Shared across the integration-level tests.
func projected(t *testing.T) (*background.Background, *thermo.Thermo, *Functions) {
	t.Helper()
	fnOnce.Do(func() {
		cfg := testConfig()
		log := logging.NewDiscardLogger()
		ctx := context.Background()
		fnBg, fnErr = background.Solve(ctx, cfg, log)
		if fnErr != nil {
			return
		}
		fnTh, fnErr = thermo.Solve(ctx, fnBg, cfg, log)
		if fnErr != nil {
			return
		}
		var src *perturb.Sources
		src, fnErr = perturb.Solve(ctx, fnBg, fnTh, cfg, log)
		if fnErr != nil {
			return
		}
		fnVal, fnErr = Compute(ctx, fnBg, fnTh, src, cfg, log)
	})
	if fnErr != nil {
		t.Fatalf("pipeline: %v", fnErr)
	}
	return fnBg, fnTh, fnVal
}

func TestProjectionShapes(t *testing.T) {
	_, _, fn := projected(t)

	if fn.Ls[0] != 2 || fn.Ls[len(fn.Ls)-1] != 100 {
		t.Fatalf("multipoles span [%d, %d], want [2, 100]", fn.Ls[0], fn.Ls[len(fn.Ls)-1])
	}
	if len(fn.Qs) != len(fn.Ks) || len(fn.Qs) < 2 {
		t.Fatalf("grid sizes: %d q, %d k", len(fn.Qs), len(fn.Ks))
	}
	for i := 1; i < len(fn.Qs); i++ {
		if fn.Qs[i] <= fn.Qs[i-1] {
			t.Fatalf("q grid not increasing at %d", i)
		}
	}
	for _, block := range [][][]float64{fn.T, fn.E, fn.Phi} {
		if block == nil {
			t.Fatal("requested transfer block missing")
		}
		if len(block) != len(fn.Ls) {
			t.Fatalf("block has %d rows, want %d", len(block), len(fn.Ls))
		}
		for _, row := range block {
			if len(row) != len(fn.Qs) {
				t.Fatalf("row has %d columns, want %d", len(row), len(fn.Qs))
			}
		}
	}
	for il := range fn.T {
		for iq := range fn.T[il] {
			for _, v := range []float64{fn.T[il][iq], fn.E[il][iq], fn.Phi[il][iq]} {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("non-finite transfer at l=%d q=%g", fn.Ls[il], fn.Qs[iq])
				}
			}
		}
	}
}

// Wavenumbers far above the kernel peak scale are cut exactly to zero
// for the scattering sources; the quadrupole at the top of the grid is
// the cleanest case.
func TestProjectionNeglectsDeepTails(t *testing.T) {
	bg, th, fn := projected(t)

	chiRec := bg.Derived.TauToday - th.Derived.TauRec
	cut := 2/chiRec + 0.4 // widest of the per-type margins
	last := len(fn.Qs) - 1
	if fn.Qs[last] <= cut {
		t.Skipf("grid top %g below the cut %g", fn.Qs[last], cut)
	}
	if fn.T[0][last] != 0 {
		t.Errorf("T(l=2, q=%g) = %g, want exact zero beyond the neglect cut", fn.Qs[last], fn.T[0][last])
	}
	if fn.E[0][last] != 0 {
		t.Errorf("E(l=2, q=%g) = %g, want exact zero beyond the neglect cut", fn.Qs[last], fn.E[0][last])
	}
}

func TestProjectionHasSignal(t *testing.T) {
	bg, th, fn := projected(t)

	chiRec := bg.Derived.TauToday - th.Derived.TauRec
	ilTop := len(fn.Ls) - 1
	lTop := float64(fn.Ls[ilTop])

	// around q ~ l/chi_rec the temperature kernel peaks at recombination
	maxT := 0.0
	for iq, q := range fn.Qs {
		if q < 0.5*lTop/chiRec || q > 1.5*lTop/chiRec {
			continue
		}
		if v := math.Abs(fn.T[ilTop][iq]); v > maxT {
			maxT = v
		}
	}
	if maxT == 0 {
		t.Errorf("T(l=%d) vanishes around its kernel peak", fn.Ls[ilTop])
	}

	maxE := 0.0
	for il := range fn.E {
		for _, v := range fn.E[il] {
			if a := math.Abs(v); a > maxE {
				maxE = a
			}
		}
	}
	if maxE == 0 {
		t.Error("polarization transfer identically zero")
	}

	// lensing: one multipole on the direct branch, one on Limber
	for _, l := range []int{2, 43} {
		il := -1
		for i, v := range fn.Ls {
			if v == l {
				il = i
				break
			}
		}
		if il < 0 {
			t.Fatalf("l=%d missing from multipole list", l)
		}
		maxP := 0.0
		for _, v := range fn.Phi[il] {
			if a := math.Abs(v); a > maxP {
				maxP = a
			}
		}
		if maxP == 0 {
			t.Errorf("lensing transfer identically zero at l=%d", l)
		}
	}
}
