package pipeline

import (
	"context"
	"math"
	"testing"

	"boltz/internal/errors"
	"boltz/internal/logging"
	"boltz/internal/params"
)

// cheapConfig keeps the Boltzmann stage small: matter power only on a
// short wavenumber range, no projected outputs.
func cheapConfig() *params.Config {
	cfg := params.DefaultConfig()
	cfg.Output.Temperature = false
	cfg.Output.Polarization = false
	cfg.Output.LensingPotential = false
	cfg.Output.Lensed = false
	cfg.Output.MatterPower = true
	cfg.Output.KMax = 0.08
	cfg.Output.LMax = 2
	cfg.Output.ZPk = []float64{0, 2}
	cfg.Jobs = 2
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Cosmology.H0 = -1
	_, err := New(cfg, nil)
	if !errors.IsCode(err, errors.ConfigurationError) {
		t.Fatalf("New with h0 < 0 = %v, want CONFIGURATION_ERROR", err)
	}
}

func TestPipeline_LazyStageReuse(t *testing.T) {
	p, err := New(cheapConfig(), logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	bg1, err := p.Background(ctx)
	if err != nil {
		t.Fatalf("Background: %v", err)
	}
	bg2, err := p.Background(ctx)
	if err != nil {
		t.Fatalf("Background (second): %v", err)
	}
	if bg1 != bg2 {
		t.Fatal("background stage rebuilt on second request")
	}
}

func TestPipeline_SkippedStagesAreNil(t *testing.T) {
	p, err := New(cheapConfig(), logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	fn, err := p.Transfer(ctx)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if fn != nil {
		t.Fatal("transfer ran without any projected output requested")
	}
	nl, err := p.Nonlinear(ctx)
	if err != nil {
		t.Fatalf("Nonlinear: %v", err)
	}
	if nl != nil {
		t.Fatal("nonlinear ran with nonlinear = none")
	}
}

func TestRun_MatterPowerOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}
	p, err := New(cheapConfig(), logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if r.Derived.ZRec < 1000 || r.Derived.ZRec > 1200 {
		t.Errorf("z_rec = %g, want around 1100", r.Derived.ZRec)
	}
	if r.Derived.ConformalAge < 1e4 || r.Derived.ConformalAge > 2e4 {
		t.Errorf("conformal age = %g Mpc, want ~1.4e4", r.Derived.ConformalAge)
	}

	pk, err := r.MatterPower(0.01, 0)
	if err != nil {
		t.Fatalf("MatterPower: %v", err)
	}
	if pk <= 0 {
		t.Errorf("P(0.01, 0) = %g, want positive", pk)
	}
	pk2, err := r.MatterPower(0.01, 2)
	if err != nil {
		t.Fatalf("MatterPower(z=2): %v", err)
	}
	if pk2 >= pk {
		t.Errorf("P(k) must grow toward z = 0: P(z=2) = %g >= P(z=0) = %g", pk2, pk)
	}

	// Range checks: never extrapolate.
	if _, err := r.MatterPower(1e3, 0); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("MatterPower(k out of range) = %v, want OUT_OF_DOMAIN", err)
	}
	if _, err := r.MatterPower(0.01, 30); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("MatterPower(z out of range) = %v, want OUT_OF_DOMAIN", err)
	}
	if _, err := r.ClTT(10); !errors.IsCode(err, errors.ConfigurationError) {
		t.Errorf("ClTT without temperature output = %v, want CONFIGURATION_ERROR", err)
	}
	if _, err := r.LensedTT(10); !errors.IsCode(err, errors.ConfigurationError) {
		t.Errorf("LensedTT without lensed output = %v, want CONFIGURATION_ERROR", err)
	}
}

func TestRun_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("two full pipeline runs")
	}
	run := func() []float64 {
		p, err := New(cheapConfig(), logging.NewDiscardLogger())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		r, err := p.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return r.Spectra.Pk.P[0]
	}
	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("row lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if rel := math.Abs(a[i]-b[i]) / math.Abs(a[i]); rel > 1e-12 {
			t.Fatalf("runs differ at sample %d by %g", i, rel)
		}
	}
}
