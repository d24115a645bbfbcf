// Package thermo solves the ionization and thermal history and
// tabulates the scattering quantities the perturbation equations
// consume: the Thomson opacity kappa', the optical depth, the
// visibility function and the baryon sound speed, all over conformal
// time. Recombination itself is pluggable; the built-in provider is
// the Saha plus effective three-level treatment in recombination.go.
package thermo

import (
	"context"
	"log/slog"
	"math"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/units"
)

// Cols indexes the columns of the thermodynamics table.
type Cols struct {
	Xe        int // n_e / n_H, reionization included
	Kappa     int // optical depth to today
	DKappa    int // d kappa / d tau, 1/Mpc
	ExpMKappa int // exp(-kappa)
	G         int // visibility kappa' exp(-kappa), 1/Mpc
	Tb        int // baryon temperature, K
	Cb2       int // baryon sound speed squared
	N         int
}

// Derived collects the scalar milestones of the thermal history.
type Derived struct {
	ZRec     float64 // peak of the visibility function
	TauRec   float64
	RsRec    float64 // sound horizon at TauRec, Mpc
	ZStar    float64 // kappa = 1
	TauStar  float64
	ZDrag    float64 // baryon drag depth = 1
	TauDrag  float64
	RsDrag   float64
	ZReio    float64 // tanh midpoint, possibly fitted to TauReio
	TauReio  float64
	Theta100 float64 // 100 rs(z_star) / D_A(z_star)
	XeToday  float64
	TbToday  float64
	Provider string
}

// Thermo is the solved thermal history.
type Thermo struct {
	Derived Derived

	table *interp.Table
	cols  Cols
}

// Solve runs the built-in recombination provider.
func Solve(ctx context.Context, bg *background.Background, cfg *params.Config, logger *slog.Logger) (*Thermo, error) {
	return SolveWith(ctx, bg, cfg, Peebles{}, logger)
}

// SolveWith computes the thermal history using the given recombination
// provider, layers reionization on top and assembles the conformal
// time table.
func SolveWith(ctx context.Context, bg *background.Background, cfg *params.Config, rec RecombinationProvider, logger *slog.Logger) (*Thermo, error) {
	log := logging.Stage(logger, "thermo")
	cos := &cfg.Cosmology
	prec := &cfg.Precision

	// Redshift grid, log-spaced in 1+z down to today.
	n := prec.ThermoZPoints
	logTop := math.Log(1 + prec.ThermoZStart)
	z := make([]float64, n)
	for i := range z {
		z[i] = math.Expm1(logTop * float64(n-1-i) / float64(n-1))
	}
	z[n-1] = 0

	xeRec := make([]float64, n)
	tb := make([]float64, n)
	if err := rec.Compute(ctx, bg, cfg, z, xeRec, tb); err != nil {
		return nil, err
	}

	taus := make([]float64, n)
	for i, zi := range z {
		tau, err := bg.TauOfZ(zi)
		if err != nil {
			return nil, err
		}
		taus[i] = tau
	}

	fHe := units.HeliumNumberFraction(cos.YHe)
	nH0 := units.HydrogenNumberDensity(cos.OmegaB, cos.YHe)
	r := &reionization{zReio: cos.ZReio, deltaZ: prec.ReioDeltaZ, fHe: fHe, xeAfter: 1 + fHe}

	xe := make([]float64, n)
	dkappa := make([]float64, n)
	kappa := make([]float64, n)
	measure := func(zre float64) float64 {
		r.zReio = zre
		for i := range z {
			xe[i] = r.xeAt(z[i], xeRec[i])
		}
		opacity(z, taus, xe, nH0, dkappa, kappa)
		return valueAtZ(z, kappa, r.zStart())
	}

	var tauReio float64
	if cos.TauReio > 0 {
		if err := r.solveForTau(cos.TauReio, prec.ReioOptimizeTol, prec.ReioZStartMax, measure); err != nil {
			return nil, err
		}
		tauReio = valueAtZ(z, kappa, r.zStart())
	} else {
		tauReio = measure(cos.ZReio)
	}

	// Baryon sound speed c_b^2 = k Tb / (mu m_H c^2) (1 - dlnTb/dlna/3).
	cb2 := make([]float64, n)
	lna := func(i int) float64 { return -math.Log1p(z[i]) }
	for i := range cb2 {
		var dlnTb float64
		switch i {
		case 0:
			dlnTb = (math.Log(tb[1]) - math.Log(tb[0])) / (lna(1) - lna(0))
		case n - 1:
			dlnTb = (math.Log(tb[n-1]) - math.Log(tb[n-2])) / (lna(n-1) - lna(n-2))
		default:
			dlnTb = (math.Log(tb[i+1]) - math.Log(tb[i-1])) / (lna(i+1) - lna(i-1))
		}
		muInv := 1 + (1/units.HeliumOverFour-1)*cos.YHe + xe[i]*(1-cos.YHe)
		cb2[i] = units.Boltzmann * tb[i] * muInv /
			(units.HydrogenMass * units.SpeedOfLight * units.SpeedOfLight) * (1 - dlnTb/3)
	}

	expmk := make([]float64, n)
	g := make([]float64, n)
	for i := range expmk {
		expmk[i] = math.Exp(-kappa[i])
		g[i] = dkappa[i] * expmk[i]
	}

	c := Cols{Xe: 0, Kappa: 1, DKappa: 2, ExpMKappa: 3, G: 4, Tb: 5, Cb2: 6, N: 7}
	cols := make([][]float64, c.N)
	cols[c.Xe] = xe
	cols[c.Kappa] = kappa
	cols[c.DKappa] = dkappa
	cols[c.ExpMKappa] = expmk
	cols[c.G] = g
	cols[c.Tb] = tb
	cols[c.Cb2] = cb2

	table, err := interp.NewTable(taus, cols, interp.EstimateBoundary)
	if err != nil {
		return nil, errors.NewBoltzError(errors.InternalError, "thermodynamics table", err).AtStage("thermo")
	}

	t := &Thermo{table: table, cols: c}
	if err := t.fillDerived(bg, z, taus, kappa, dkappa, g, r, tauReio, rec.Name(), xe[n-1], tb[n-1]); err != nil {
		return nil, err
	}

	log.Info("thermodynamics solved",
		slog.Float64("z_rec", t.Derived.ZRec),
		slog.Float64("z_star", t.Derived.ZStar),
		slog.Float64("z_drag", t.Derived.ZDrag),
		slog.Float64("rs_rec", t.Derived.RsRec),
		slog.Float64("tau_reio", t.Derived.TauReio),
		slog.Float64("z_reio", t.Derived.ZReio),
		slog.Float64("100theta_s", t.Derived.Theta100))
	return t, nil
}

// Table returns the thermodynamics table over conformal time.
func (t *Thermo) Table() *interp.Table { return t.table }

// Cols returns the column layout of Table.
func (t *Thermo) Cols() Cols { return t.cols }

// TauMin is the earliest conformal time covered by the table.
func (t *Thermo) TauMin() float64 { return t.table.Min() }

// Row interpolates the full thermodynamics row at tau.
func (t *Thermo) Row(tau float64, out []float64, cache *int) error {
	return t.table.Row(tau, out, cache)
}

// Value interpolates a single column at tau.
func (t *Thermo) Value(tau float64, col int, cache *int) (float64, error) {
	return t.table.Value(tau, col, cache)
}

// Deriv interpolates d/dtau of a column at tau.
func (t *Thermo) Deriv(tau float64, col int, cache *int) (float64, error) {
	return t.table.Deriv(tau, col, cache)
}

func (t *Thermo) fillDerived(bg *background.Background, z, taus, kappa, dkappa, g []float64, r *reionization, tauReio float64, provider string, xeToday, tbToday float64) error {
	n := len(z)
	d := &t.Derived
	d.Provider = provider
	d.ZReio = r.zReio
	d.TauReio = tauReio
	d.XeToday = xeToday
	d.TbToday = tbToday

	// Visibility peak, refined through the bracketing parabola.
	im := 1
	for i := 2; i < n-1; i++ {
		if g[i] > g[im] {
			im = i
		}
	}
	d.TauRec = parabolaVertex(taus[im-1], taus[im], taus[im+1], g[im-1], g[im], g[im+1])
	d.ZRec = valueAtTau(taus, z, d.TauRec)

	var cache int
	rs, err := bg.Value(d.TauRec, bg.Cols().Rs, &cache)
	if err != nil {
		return err
	}
	d.RsRec = rs

	// kappa = 1 crossing, linear in log of the optical depth.
	for i := 0; i < n-1; i++ {
		if kappa[i] >= 1 && kappa[i+1] < 1 && kappa[i+1] > 0 {
			f := math.Log(kappa[i]) / (math.Log(kappa[i]) - math.Log(kappa[i+1]))
			d.TauStar = taus[i] + f*(taus[i+1]-taus[i])
			d.ZStar = valueAtTau(taus, z, d.TauStar)
			break
		}
	}
	if d.TauStar == 0 {
		return errors.Errorf(errors.NonConvergence, "optical depth never crosses unity").AtStage("thermo")
	}

	// Baryon drag depth uses kappa'/R with R = 3 rho_b / (4 rho_g).
	r0 := 0.75 * bg.Derived.OmegaB / bg.Derived.OmegaGamma
	kd := make([]float64, n)
	for i := n - 2; i >= 0; i-- {
		wi := dkappa[i] * (1 + z[i]) / r0
		wj := dkappa[i+1] * (1 + z[i+1]) / r0
		kd[i] = kd[i+1] + 0.5*(wi+wj)*(taus[i+1]-taus[i])
	}
	for i := 0; i < n-1; i++ {
		if kd[i] >= 1 && kd[i+1] < 1 && kd[i+1] > 0 {
			f := math.Log(kd[i]) / (math.Log(kd[i]) - math.Log(kd[i+1]))
			d.TauDrag = taus[i] + f*(taus[i+1]-taus[i])
			d.ZDrag = valueAtTau(taus, z, d.TauDrag)
			break
		}
	}
	if d.TauDrag > 0 {
		rsd, err := bg.Value(d.TauDrag, bg.Cols().Rs, &cache)
		if err != nil {
			return err
		}
		d.RsDrag = rsd
	}

	// Angular scale of the sound horizon at kappa = 1.
	rsStar, err := bg.Value(d.TauStar, bg.Cols().Rs, &cache)
	if err != nil {
		return err
	}
	chi := bg.Derived.TauToday - d.TauStar
	d.Theta100 = 100 * rsStar / comovingAngular(bg.CurvatureK(), chi)
	return nil
}

// opacity fills kappa' = x_e n_H sigma_T a in 1/Mpc and integrates the
// optical depth backward from today.
func opacity(z, taus, xe []float64, nH0 float64, dkappa, kappa []float64) {
	c := units.ThomsonSigma * units.MpcInMeters * nH0
	for i, zi := range z {
		dkappa[i] = c * xe[i] * (1 + zi) * (1 + zi)
	}
	n := len(z)
	kappa[n-1] = 0
	for i := n - 2; i >= 0; i-- {
		kappa[i] = kappa[i+1] + 0.5*(dkappa[i]+dkappa[i+1])*(taus[i+1]-taus[i])
	}
}

// valueAtZ interpolates vals linearly on the descending redshift grid.
func valueAtZ(z, vals []float64, zq float64) float64 {
	n := len(z)
	if zq >= z[0] {
		return vals[0]
	}
	if zq <= z[n-1] {
		return vals[n-1]
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if z[mid] > zq {
			lo = mid
		} else {
			hi = mid
		}
	}
	f := (z[lo] - zq) / (z[lo] - z[hi])
	return vals[lo] + f*(vals[hi]-vals[lo])
}

// valueAtTau interpolates vals linearly on the ascending tau grid.
func valueAtTau(taus, vals []float64, tq float64) float64 {
	n := len(taus)
	if tq <= taus[0] {
		return vals[0]
	}
	if tq >= taus[n-1] {
		return vals[n-1]
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if taus[mid] < tq {
			lo = mid
		} else {
			hi = mid
		}
	}
	f := (tq - taus[lo]) / (taus[hi] - taus[lo])
	return vals[lo] + f*(vals[hi]-vals[lo])
}

// parabolaVertex returns the extremum of the parabola through three
// points, falling back to the middle point for degenerate input.
func parabolaVertex(x0, x1, x2, y0, y1, y2 float64) float64 {
	num := (x1-x0)*(x1-x0)*(y1-y2) - (x1-x2)*(x1-x2)*(y1-y0)
	den := (x1-x0)*(y1-y2) - (x1-x2)*(y1-y0)
	if den == 0 {
		return x1
	}
	return x1 - 0.5*num/den
}

// comovingAngular maps the radial distance chi to the comoving angular
// diameter distance for curvature K.
func comovingAngular(k, chi float64) float64 {
	switch {
	case k > 0:
		s := math.Sqrt(k)
		return math.Sin(s*chi) / s
	case k < 0:
		s := math.Sqrt(-k)
		return math.Sinh(s*chi) / s
	}
	return chi
}
