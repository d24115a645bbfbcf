package background

import (
	"context"
	"math"
	"testing"

	"boltz/internal/errors"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/testutil"
)

func solveDefault(t *testing.T, mutate func(*params.Config)) *Background {
	t.Helper()
	cfg := params.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	b, err := Solve(context.Background(), cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	return b
}

func TestFlatLCDMLandmarks(t *testing.T) {
	b := solveDefault(t, nil)
	d := b.Derived

	if d.TauToday < 13500 || d.TauToday > 14800 {
		t.Errorf("conformal age = %g Mpc, want ~14200", d.TauToday)
	}
	if d.AgeGyr < 13.4 || d.AgeGyr > 14.2 {
		t.Errorf("age = %g Gyr, want ~13.8", d.AgeGyr)
	}
	if d.ZEq < 3200 || d.ZEq > 3600 {
		t.Errorf("z_eq = %g, want ~3400", d.ZEq)
	}
	if d.KEq < 0.008 || d.KEq > 0.013 {
		t.Errorf("k_eq = %g 1/Mpc, want ~0.010", d.KEq)
	}
	if d.OmegaM < 0.29 || d.OmegaM > 0.33 {
		t.Errorf("Omega_m = %g, want ~0.315", d.OmegaM)
	}

	// Closure: H(today) is H0 by construction of the budget.
	var cache int
	h, err := b.Value(d.TauToday, b.Cols().H, &cache)
	if err != nil {
		t.Fatalf("H(tau0): %v", err)
	}
	if rel := math.Abs(h/d.H0 - 1); rel > 1e-8 {
		t.Errorf("H(today)/H0 - 1 = %g", rel)
	}
}

func TestSoundHorizonAtRecombination(t *testing.T) {
	b := solveDefault(t, nil)
	tau, err := b.TauOfZ(1060)
	if err != nil {
		t.Fatalf("TauOfZ: %v", err)
	}
	var cache int
	rs, err := b.Value(tau, b.Cols().Rs, &cache)
	if err != nil {
		t.Fatalf("rs: %v", err)
	}
	if rs < 135 || rs > 155 {
		t.Errorf("r_s(z=1060) = %g Mpc, want ~145", rs)
	}
}

func TestRadiationDominationLimit(t *testing.T) {
	b := solveDefault(t, nil)
	tau, err := b.TauOfZ(1e9)
	if err != nil {
		t.Fatalf("TauOfZ: %v", err)
	}
	var cache int
	hConf, err := b.Value(tau, b.Cols().HConf, &cache)
	if err != nil {
		t.Fatalf("HConf: %v", err)
	}
	// a is proportional to tau deep in radiation domination, so the
	// conformal Hubble rate is 1/tau.
	if rel := math.Abs(hConf*tau - 1); rel > 1e-3 {
		t.Errorf("conformal H * tau = %g at z=1e9, want 1", hConf*tau)
	}

	hConfPrime, err := b.Value(tau, b.Cols().HConfPrime, &cache)
	if err != nil {
		t.Fatalf("HConfPrime: %v", err)
	}
	// In RD the conformal rate falls like 1/tau, so its derivative is
	// -HConf^2.
	if rel := math.Abs(hConfPrime/(hConf*hConf) + 1); rel > 5e-3 {
		t.Errorf("HConf'/HConf^2 = %g at z=1e9, want -1", hConfPrime/(hConf*hConf))
	}
}

func TestNcdmDensityToday(t *testing.T) {
	b := solveDefault(t, func(cfg *params.Config) {
		cfg.Cosmology.NcdmMasses = []float64{0.06}
		// Keep total matter roughly fixed.
		cfg.Cosmology.OmegaCDM -= 0.06 / 93.14
	})
	h2 := b.Derived.LittleH * b.Derived.LittleH
	got := b.Derived.OmegaNcdm * h2
	want := 0.06 / 93.14
	if rel := math.Abs(got/want - 1); rel > 0.05 {
		t.Errorf("omega_ncdm = %g, want %g within 5%%", got, want)
	}
	if len(b.Ncdm) != 1 {
		t.Fatalf("len(Ncdm) = %d", len(b.Ncdm))
	}
	if len(b.Cols().RhoNcdm) != 1 || len(b.Cols().PNcdm) != 1 {
		t.Errorf("ncdm columns not allocated: %+v", b.Cols())
	}
}

func TestNcdmPressureLimits(t *testing.T) {
	b := solveDefault(t, func(cfg *params.Config) {
		cfg.Cosmology.NcdmMasses = []float64{0.06}
	})
	n := b.Ncdm[0]

	// Relativistic early on: w -> 1/3.
	rho, p := n.RhoP(1e-8)
	if rel := math.Abs(3*p/rho - 1); rel > 1e-4 {
		t.Errorf("early w = %g, want 1/3", p/rho)
	}
	// Non-relativistic today for 0.06 eV: w well below 1/3.
	rho, p = n.RhoP(1)
	if p/rho > 0.02 {
		t.Errorf("today w = %g, want << 1/3", p/rho)
	}
}

func TestGrowthFactor(t *testing.T) {
	b := solveDefault(t, nil)
	c := b.Cols()

	// Normalized to unity today.
	var cache int
	d0, err := b.Value(b.Derived.TauToday, c.GrowthD, &cache)
	if err != nil {
		t.Fatalf("D(tau0): %v", err)
	}
	if math.Abs(d0-1) > 1e-6 {
		t.Errorf("D(today) = %g, want 1", d0)
	}

	// Matter domination attractor: f close to 1 at z=20.
	tau, err := b.TauOfZ(20)
	if err != nil {
		t.Fatalf("TauOfZ: %v", err)
	}
	f, err := b.Value(tau, c.GrowthF, &cache)
	if err != nil {
		t.Fatalf("f: %v", err)
	}
	if math.Abs(f-1) > 0.03 {
		t.Errorf("f(z=20) = %g, want ~1", f)
	}

	// Today f is suppressed by dark energy, roughly Omega_m^0.55.
	f0, err := b.Value(b.Derived.TauToday, c.GrowthF, &cache)
	if err != nil {
		t.Fatalf("f(today): %v", err)
	}
	want := math.Pow(b.Derived.OmegaM, 0.55)
	if math.Abs(f0-want) > 0.03 {
		t.Errorf("f(today) = %g, want ~%g", f0, want)
	}
}

func TestFluidCPL(t *testing.T) {
	b := solveDefault(t, func(cfg *params.Config) {
		cfg.Cosmology.W0 = -0.9
		cfg.Cosmology.Wa = 0.1
	})
	tau, err := b.TauOfZ(1)
	if err != nil {
		t.Fatalf("TauOfZ: %v", err)
	}
	var cache int
	rho, err := b.Value(tau, b.Cols().RhoDE, &cache)
	if err != nil {
		t.Fatalf("RhoDE: %v", err)
	}
	rho0, err := b.Value(b.Derived.TauToday, b.Cols().RhoDE, &cache)
	if err != nil {
		t.Fatalf("RhoDE today: %v", err)
	}
	a := 0.5
	want := math.Pow(a, -3*(1-0.9+0.1)) * math.Exp(-3*0.1*(1-a))
	if rel := math.Abs(rho/rho0/want - 1); rel > 1e-3 {
		t.Errorf("rho_de(a=0.5)/rho_de(1) = %g, want %g", rho/rho0, want)
	}

	w, err := b.Value(tau, b.Cols().PDE, &cache)
	if err != nil {
		t.Fatalf("PDE: %v", err)
	}
	if rel := math.Abs(w/rho/(-0.9+0.1*0.5) - 1); rel > 1e-3 {
		t.Errorf("w(a=0.5) = %g, want %g", w/rho, -0.9+0.1*0.5)
	}
}

func TestDcdmShooting(t *testing.T) {
	b := solveDefault(t, func(cfg *params.Config) {
		cfg.Cosmology.OmegaDcdm = 0.01
		cfg.Cosmology.OmegaCDM -= 0.01
		cfg.Cosmology.GammaDcdm = 100
	})
	h2 := b.Derived.LittleH * b.Derived.LittleH

	if rel := math.Abs(b.Derived.OmegaDcdm*h2/0.01 - 1); rel > 1e-4 {
		t.Errorf("omega_dcdm today = %g, want 0.01", b.Derived.OmegaDcdm*h2)
	}
	if b.Derived.OmegaDr <= 0 {
		t.Errorf("Omega_dr = %g, want > 0 with active decay", b.Derived.OmegaDr)
	}

	// Decay products close the budget: H(today) still lands on H0.
	var cache int
	h, err := b.Value(b.Derived.TauToday, b.Cols().H, &cache)
	if err != nil {
		t.Fatalf("H(tau0): %v", err)
	}
	if rel := math.Abs(h/b.Derived.H0 - 1); rel > 1e-4 {
		t.Errorf("H(today)/H0 - 1 = %g with dcdm", rel)
	}

	if b.Cols().RhoDcdm < 0 || b.Cols().RhoDr < 0 {
		t.Errorf("dcdm columns not allocated: %+v", b.Cols())
	}
}

func TestOpenUniverse(t *testing.T) {
	b := solveDefault(t, func(cfg *params.Config) {
		cfg.Cosmology.OmegaK = 0.02
	})
	if b.CurvatureK() >= 0 {
		t.Errorf("K = %g, want negative for open model", b.CurvatureK())
	}
	var cache int
	h, err := b.Value(b.Derived.TauToday, b.Cols().H, &cache)
	if err != nil {
		t.Fatalf("H(tau0): %v", err)
	}
	if rel := math.Abs(h/b.Derived.H0 - 1); rel > 1e-8 {
		t.Errorf("H(today)/H0 - 1 = %g in open model", rel)
	}

	flat := solveDefault(t, nil)
	if b.Derived.TauToday <= flat.Derived.TauToday {
		t.Errorf("open tau0 = %g not larger than flat %g", b.Derived.TauToday, flat.Derived.TauToday)
	}
}

func TestTauOfZ(t *testing.T) {
	b := solveDefault(t, nil)

	tau0, err := b.TauOfZ(0)
	if err != nil {
		t.Fatalf("TauOfZ(0): %v", err)
	}
	if rel := math.Abs(tau0/b.Derived.TauToday - 1); rel > 1e-9 {
		t.Errorf("TauOfZ(0) = %g, TauToday = %g", tau0, b.Derived.TauToday)
	}

	if _, err := b.TauOfZ(-0.5); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("TauOfZ(-0.5) err = %v, want OUT_OF_DOMAIN", err)
	}

	zs := []float64{0, 0.5, 2, 10, 100, 1100, 1e5}
	prev := math.Inf(1)
	for _, z := range zs {
		tau, err := b.TauOfZ(z)
		if err != nil {
			t.Fatalf("TauOfZ(%g): %v", z, err)
		}
		if tau >= prev {
			t.Errorf("tau(z=%g) = %g not decreasing", z, tau)
		}
		prev = tau
	}
}

func TestTableMonotone(t *testing.T) {
	b := solveDefault(t, nil)
	grid := b.Table().Grid()
	if len(grid) < 64 {
		t.Fatalf("grid has %d points", len(grid))
	}
	testutil.CheckStrictlyIncreasing(t, "tau grid", grid)
	testutil.CheckStrictlyIncreasing(t, "a column", b.Table().Column(b.Cols().A))
	testutil.CheckAllFinite(t, "H column", b.Table().Column(b.Cols().H))
}

func TestBudgetOverflowRejected(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Cosmology.OmegaCDM = 0.9 // Omega_cdm > 1 once divided by h^2
	_, err := Solve(context.Background(), cfg, logging.NewDiscardLogger())
	if !errors.IsCode(err, errors.ConfigurationError) {
		t.Fatalf("err = %v, want CONFIGURATION_ERROR", err)
	}
}
