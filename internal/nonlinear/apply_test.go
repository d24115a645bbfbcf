package nonlinear

import (
	"context"
	"math"
	"testing"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/spectra"
)

// syntheticLinear builds a plausible LCDM-shaped linear spectrum: a
// k^ns rise turning over at keq with a -3+ns tail, amplitude tuned so
// that sigma8 lands near the observed value.
func syntheticLinear(t *testing.T, kMax float64, zs []float64) *spectra.MatterTable {
	t.Helper()
	nk := 400
	ks := make([]float64, nk)
	rows := make([][]float64, len(zs))
	lnMin, lnMax := math.Log(1e-4), math.Log(kMax)
	for i := range ks {
		ks[i] = math.Exp(lnMin + (lnMax-lnMin)*float64(i)/float64(nk-1))
	}
	const keq = 0.01
	for iz, z := range zs {
		g := 1 / (1 + z)
		row := make([]float64, nk)
		for i, k := range ks {
			tf := math.Log(1+2.34*k/keq) / (2.34 * k / keq) *
				math.Pow(1+math.Pow(3.89*k/keq, 2), -0.5)
			row[i] = 4.5e5 * g * g * k * tf * tf
		}
		rows[iz] = row
	}
	tbl, err := spectra.NewMatterTable(ks, zs, rows)
	if err != nil {
		t.Fatalf("NewMatterTable: %v", err)
	}
	return tbl
}

func solveBackground(t *testing.T) (*background.Background, *params.Config) {
	t.Helper()
	cfg := params.DefaultConfig()
	bg, err := background.Solve(context.Background(), cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("background.Solve: %v", err)
	}
	return bg, cfg
}

func TestApply_RefusesShortTable(t *testing.T) {
	bg, cfg := solveBackground(t)
	lin := syntheticLinear(t, 1.0, []float64{0})
	_, err := Apply(bg, lin, &cfg.Precision, logging.NewDiscardLogger())
	if !errors.IsCode(err, errors.ConfigurationError) {
		t.Fatalf("Apply with k_max = 1 = %v, want CONFIGURATION_ERROR", err)
	}
}

func TestApply_QuasiLinearLimit(t *testing.T) {
	bg, cfg := solveBackground(t)
	lin := syntheticLinear(t, 20.0, []float64{0})
	nl, err := Apply(bg, lin, &cfg.Precision, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Far above the nonlinear scale the correction must be small,
	// well below it the power must be enhanced.
	pLinLow, err := lin.At(1e-3, 0)
	if err != nil {
		t.Fatalf("lin.At: %v", err)
	}
	pNlLow, err := nl.At(1e-3, 0)
	if err != nil {
		t.Fatalf("nl.At: %v", err)
	}
	if math.Abs(pNlLow/pLinLow-1) > 0.05 {
		t.Errorf("large-scale ratio = %g, want within 5%% of 1", pNlLow/pLinLow)
	}

	pLinHi, err := lin.At(5, 0)
	if err != nil {
		t.Fatalf("lin.At: %v", err)
	}
	pNlHi, err := nl.At(5, 0)
	if err != nil {
		t.Fatalf("nl.At: %v", err)
	}
	if pNlHi <= pLinHi {
		t.Errorf("small-scale power not enhanced: nonlinear %g <= linear %g", pNlHi, pLinHi)
	}
}

func TestApply_HighRedshiftKeptLinear(t *testing.T) {
	bg, cfg := solveBackground(t)
	// An amplitude this small never reaches sigma = 1; every row must
	// come back identical to the linear input.
	zs := []float64{0}
	lin := syntheticLinear(t, 20.0, zs)
	tiny := make([][]float64, 1)
	tiny[0] = make([]float64, len(lin.Ks))
	for i, v := range lin.P[0] {
		tiny[0][i] = v * 1e-8
	}
	linTiny, err := spectra.NewMatterTable(lin.Ks, zs, tiny)
	if err != nil {
		t.Fatalf("NewMatterTable: %v", err)
	}
	nl, err := Apply(bg, linTiny, &cfg.Precision, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := range linTiny.P[0] {
		if nl.P[0][i] != linTiny.P[0][i] {
			t.Fatalf("row modified at k = %g despite missing nonlinear scale", linTiny.Ks[i])
		}
	}
}
