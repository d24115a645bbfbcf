// Package background solves the homogeneous expansion history and
// tabulates it over conformal time. Densities follow the Friedmann
// convention rho_tilde = (8 pi G / 3 c^2) rho in 1/Mpc^2, so
// H^2 = sum rho_tilde - K/a^2 with no prefactors anywhere downstream.
//
// The solver integrates over ln a with the explicit Cash-Karp pair:
// the history is smooth and the only subtleties are the decaying dark
// matter exchange, which needs shooting to hit today's abundance, and
// the massive neutrino momentum integrals.
package background

import (
	"context"
	"log/slog"
	"math"

	"boltz/internal/errors"
	"boltz/internal/evolver"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/units"
)

// Cols indexes the columns of the background table. RhoDcdm and RhoDr
// are -1 when the decaying sector is off.
type Cols struct {
	A, H, HConf, HConfPrime                int
	RhoG, RhoB, RhoCDM, RhoUr, RhoDE, PDE  int
	RhoNcdm, PNcdm                         []int
	RhoDcdm, RhoDr                         int
	GrowthD, GrowthF                       int
	Rs, Time                               int
	N                                      int
}

// Derived collects the scalar outcomes of the background solve.
type Derived struct {
	H0          float64 // 1/Mpc
	LittleH     float64
	OmegaGamma  float64
	OmegaUr     float64
	OmegaB      float64
	OmegaCDM    float64
	OmegaNcdm   float64
	OmegaDcdm   float64
	OmegaDr     float64
	OmegaDE     float64
	OmegaK      float64
	OmegaM      float64 // b + cdm + ncdm + dcdm
	OmegaR      float64 // gamma + ur + dr
	TauToday    float64 // conformal age, Mpc
	AgeGyr      float64
	ZEq         float64
	TauEq       float64
	KEq         float64 // a_eq H_eq, 1/Mpc
}

// Background is the solved expansion history.
type Background struct {
	Ncdm    []*NcdmBasis
	Derived Derived

	cfg  params.CosmologyParams
	cols Cols

	table    *interp.Table
	tauOfLna *interp.Spline

	// Closed-form density scales at a=1, 1/Mpc^2.
	rhoG0, rhoB0, rhoCDM0, rhoUr0, rhoDE0 float64
	k                                     float64 // curvature, 1/Mpc^2
	h0                                    float64 // 1/Mpc
	gamma                                 float64 // dcdm decay rate, 1/Mpc
	rhoDcdmIni                            float64
	aIni                                  float64
}

// State vector of the ln a integration.
const (
	iTau = iota
	iTime
	iRs
	iD
	iDp
	iRhoDcdm
	iRhoDr
	bgDim
)

// Solve integrates the expansion history for the given configuration.
func Solve(ctx context.Context, cfg *params.Config, logger *slog.Logger) (*Background, error) {
	log := logging.Stage(logger, "background")

	cos := cfg.Cosmology
	h := cos.H0 / 100
	h0 := units.H0FromLittleH(h)
	rhoCrit0 := h0 * h0

	b := &Background{
		cfg:     cos,
		h0:      h0,
		k:       -cos.OmegaK * rhoCrit0,
		aIni:    cfg.Precision.BackgroundAIni,
		rhoG0:   units.OmegaGamma(cos.TCMB, h) * rhoCrit0,
		rhoB0:   cos.OmegaB / (h * h) * rhoCrit0,
		rhoCDM0: cos.OmegaCDM / (h * h) * rhoCrit0,
		rhoUr0:  units.OmegaUltraRelativistic(cos.NUr, cos.TCMB, h) * rhoCrit0,
	}

	ncdm, err := newNcdmBases(cos.NcdmMasses, cos.NcdmDegOrDefault(), cos.TNcdm, cos.TCMB, b.rhoG0, cfg.Precision.NcdmQuadPoints)
	if err != nil {
		return nil, err
	}
	b.Ncdm = ncdm

	var omegaNcdm float64
	for _, n := range ncdm {
		rho, _ := n.RhoP(1)
		omegaNcdm += rho / rhoCrit0
	}

	if cos.HasDcdm() {
		b.gamma = cos.GammaDcdm * 1e3 / units.SpeedOfLight
	}

	// Budget closure: Omega_DE absorbs what is left after every other
	// component. The dark radiation produced by dcdm decay only comes
	// out of the integration, so with dcdm active the closure is a
	// short fixed-point iteration.
	omegaKnown := units.OmegaGamma(cos.TCMB, h) + units.OmegaUltraRelativistic(cos.NUr, cos.TCMB, h) +
		cos.OmegaB/(h*h) + cos.OmegaCDM/(h*h) + omegaNcdm + cos.OmegaDcdm/(h*h) + cos.OmegaK
	omegaDr := 0.0

	passes := 1
	if cos.HasDcdm() {
		passes = 3
	}
	var res *bgPass
	for i := 0; i < passes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewBoltzError(errors.InternalError, "background solve canceled", err).AtStage("background")
		}
		b.rhoDE0 = (1 - omegaKnown - omegaDr) * rhoCrit0
		if b.rhoDE0 < 0 {
			return nil, errors.Errorf(errors.ConfigurationError,
				"density budget overshoots closure: Omega_DE = %g", b.rhoDE0/rhoCrit0).AtStage("background")
		}
		if cos.HasDcdm() {
			if err := b.shootDcdm(cfg.Precision.DcdmShootingTol); err != nil {
				return nil, err
			}
		}
		res, err = b.integrate(cfg.Precision.BackgroundLogaPoints, cfg.Precision.BackgroundRTol, nil)
		if err != nil {
			return nil, err
		}
		omegaDr = res.rhoDrToday / rhoCrit0
	}

	if err := b.buildTable(cfg.Precision.BackgroundLogaPoints, cfg.Precision.BackgroundRTol); err != nil {
		return nil, err
	}
	b.fillDerived(h, omegaNcdm, res)

	log.Info("background solved",
		slog.Float64("tau0", b.Derived.TauToday),
		slog.Float64("age_gyr", b.Derived.AgeGyr),
		slog.Float64("z_eq", b.Derived.ZEq),
		slog.Float64("omega_de", b.Derived.OmegaDE))
	return b, nil
}

// Table returns the background table over conformal time.
func (b *Background) Table() *interp.Table { return b.table }

// Cols returns the column layout of Table.
func (b *Background) Cols() Cols { return b.cols }

// CurvatureK returns the curvature K in 1/Mpc^2 (negative for open
// models).
func (b *Background) CurvatureK() float64 { return b.k }

// TauOfZ returns the conformal time at redshift z.
func (b *Background) TauOfZ(z float64) (float64, error) {
	if z < 0 {
		return 0, errors.Errorf(errors.OutOfDomain, "negative redshift %g", z).AtStage("background")
	}
	return b.tauOfLna.Eval(math.Log(1 / (1 + z)))
}

// Row interpolates the full background row at conformal time tau.
func (b *Background) Row(tau float64, out []float64, cache *int) error {
	return b.table.Row(tau, out, cache)
}

// Value interpolates a single column at conformal time tau.
func (b *Background) Value(tau float64, col int, cache *int) (float64, error) {
	return b.table.Value(tau, col, cache)
}

// rhoDE returns the dark energy density and equation of state at a.
func (b *Background) rhoDE(a float64) (rho, w float64) {
	if !b.cfg.HasFluid() {
		return b.rhoDE0, -1
	}
	w = b.cfg.W0 + b.cfg.Wa*(1-a)
	rho = b.rhoDE0 * math.Pow(a, -3*(1+b.cfg.W0+b.cfg.Wa)) * math.Exp(-3*b.cfg.Wa*(1-a))
	return rho, w
}

// densities evaluates every algebraic density at a. dcdm and dr come
// from the state vector.
type bgDens struct {
	rhoG, rhoB, rhoCDM, rhoUr, rhoDE, wDE float64
	rhoNcdm, pNcdm                        []float64
	rhoTot, pRel                          float64 // pRel: sum of radiation-like pressures, for dln H
	dRhoTot                               float64 // d rho_tot / d ln a
}

func (b *Background) densities(a, rhoDcdm, rhoDr float64, d *bgDens) {
	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	d.rhoG = b.rhoG0 / a4
	d.rhoB = b.rhoB0 / a3
	d.rhoCDM = b.rhoCDM0 / a3
	d.rhoUr = b.rhoUr0 / a4
	d.rhoDE, d.wDE = b.rhoDE(a)

	if cap(d.rhoNcdm) < len(b.Ncdm) {
		d.rhoNcdm = make([]float64, len(b.Ncdm))
		d.pNcdm = make([]float64, len(b.Ncdm))
	}
	d.rhoNcdm = d.rhoNcdm[:len(b.Ncdm)]
	d.pNcdm = d.pNcdm[:len(b.Ncdm)]

	d.rhoTot = d.rhoG + d.rhoB + d.rhoCDM + d.rhoUr + d.rhoDE + rhoDcdm + rhoDr
	d.dRhoTot = -4*(d.rhoG+d.rhoUr+rhoDr) - 3*(d.rhoB+d.rhoCDM+rhoDcdm) - 3*(1+d.wDE)*d.rhoDE
	for i, n := range b.Ncdm {
		rho, p := n.RhoP(a)
		d.rhoNcdm[i] = rho
		d.pNcdm[i] = p
		d.rhoTot += rho
		d.dRhoTot += -3 * (rho + p)
	}
}

// bgSystem is the ln a system handed to the integrator.
type bgSystem struct {
	b *Background
	d bgDens
}

func (s *bgSystem) Dim() int { return bgDim }

func (s *bgSystem) Derivs(x float64, y, dy []float64) error {
	a := math.Exp(x)
	b := s.b
	s.b.densities(a, y[iRhoDcdm], y[iRhoDr], &s.d)

	h2 := s.d.rhoTot - b.k/(a*a)
	if h2 <= 0 {
		return errors.Errorf(errors.OutOfDomain, "H^2 = %g at a = %g: recollapse inside integration range", h2, a).AtStage("background")
	}
	hub := math.Sqrt(h2)
	hConf := a * hub

	dy[iTau] = 1 / hConf
	dy[iTime] = 1 / hub

	r := 3 * s.d.rhoB / (4 * s.d.rhoG)
	dy[iRs] = 1 / (hConf * math.Sqrt(3*(1+r)))

	// Growth of the matter fluctuation, d log D / d ln a form kept
	// linear: D'' + (2 + dlnH) D' = 1.5 Omega_m(a) D.
	rhoM := s.d.rhoB + s.d.rhoCDM + y[iRhoDcdm]
	for _, rho := range s.d.rhoNcdm {
		rhoM += rho
	}
	dlnH := (s.d.dRhoTot + 2*b.k/(a*a)) / (2 * h2)
	dy[iD] = y[iDp]
	dy[iDp] = -(2+dlnH)*y[iDp] + 1.5*rhoM/h2*y[iD]

	decay := 0.0
	if b.gamma > 0 {
		decay = a * b.gamma / hConf
	}
	dy[iRhoDcdm] = -(3 + decay) * y[iRhoDcdm]
	dy[iRhoDr] = -4*y[iRhoDr] + decay*y[iRhoDcdm]
	return nil
}

type bgPass struct {
	tauToday, timeToday    float64
	rhoDcdmToday, rhoDrToday float64
	dToday                 float64
}

// initialState seeds the integration deep in radiation domination.
func (b *Background) initialState() []float64 {
	a := b.aIni
	rhoR := b.rhoG0 + b.rhoUr0
	for _, n := range b.Ncdm {
		// Fully relativistic this early.
		rhoR += n.Deg * 7.0 / 8.0 * math.Pow(n.TRatio, 4) * b.rhoG0
	}
	sqrtR := math.Sqrt(rhoR)
	tau := a / sqrtR

	y := make([]float64, bgDim)
	y[iTau] = tau
	y[iTime] = a * a / (2 * sqrtR)
	y[iRs] = tau / math.Sqrt(3)
	y[iD] = a
	y[iDp] = a
	y[iRhoDcdm] = b.rhoDcdmIni
	y[iRhoDr] = 0
	return y
}

// integrate runs one pass from a_ini to today. out, when non-nil,
// receives every output point.
func (b *Background) integrate(points int, rtol float64, out evolver.Output) (*bgPass, error) {
	x0 := math.Log(b.aIni)
	times := make([]float64, points)
	for i := range times {
		times[i] = x0 + (0-x0)*float64(i)/float64(points-1)
	}

	sys := &bgSystem{b: b}
	y := b.initialState()

	pass := &bgPass{}
	wrapped := func(x float64, y []float64) error {
		if out != nil {
			if err := out(x, y); err != nil {
				return err
			}
		}
		if x == 0 {
			pass.tauToday = y[iTau]
			pass.timeToday = y[iTime]
			pass.rhoDcdmToday = y[iRhoDcdm]
			pass.rhoDrToday = y[iRhoDr]
			pass.dToday = y[iD]
		}
		return nil
	}

	rk := evolver.NewRKCK(evolver.Options{AbsTol: 1e-25, RelTol: rtol, MaxSteps: 2_000_000})
	if err := rk.Integrate(sys, x0, 0, y, times, wrapped); err != nil {
		return nil, errors.NewBoltzError(errors.NonConvergence, "background integration failed", err).AtStage("background")
	}
	// The final output time is exactly 0; fall back to the end state
	// if rounding skipped it.
	if pass.tauToday == 0 {
		pass.tauToday = y[iTau]
		pass.timeToday = y[iTime]
		pass.rhoDcdmToday = y[iRhoDcdm]
		pass.rhoDrToday = y[iRhoDr]
		pass.dToday = y[iD]
	}
	return pass, nil
}

// shootDcdm finds the initial dcdm density that leaves OmegaDcdm h^2
// today. The map from initial to final density is monotone, so
// bisection in the log of the pre-decay guess converges fast.
func (b *Background) shootDcdm(tol float64) error {
	h := b.cfg.H0 / 100
	target := b.cfg.OmegaDcdm / (h * h) * b.h0 * b.h0
	base := target / (b.aIni * b.aIni * b.aIni)

	final := func(u float64) (float64, error) {
		b.rhoDcdmIni = base * math.Exp(u)
		pass, err := b.integrate(128, 1e-7, nil)
		if err != nil {
			return 0, err
		}
		return pass.rhoDcdmToday, nil
	}

	lo, hi := 0.0, math.Min(2*b.gamma/b.h0+20, 600.0)
	fhi, err := final(hi)
	if err != nil {
		return err
	}
	if fhi < target {
		return errors.Errorf(errors.NonConvergence,
			"dcdm decay rate %g km/s/Mpc too fast for omega_dcdm = %g today",
			b.cfg.GammaDcdm, b.cfg.OmegaDcdm).AtStage("background")
	}
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		f, err := final(mid)
		if err != nil {
			return err
		}
		if math.Abs(f-target) <= tol*target {
			return nil
		}
		if f < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return errors.Errorf(errors.NonConvergence, "dcdm shooting did not converge").AtStage("background")
}

// buildTable runs the final pass and assembles the conformal time
// table.
func (b *Background) buildTable(points int, rtol float64) error {
	nNcdm := len(b.Ncdm)
	c := Cols{RhoDcdm: -1, RhoDr: -1}
	n := 0
	next := func() int { n++; return n - 1 }
	c.A = next()
	c.H = next()
	c.HConf = next()
	c.HConfPrime = next()
	c.RhoG = next()
	c.RhoB = next()
	c.RhoCDM = next()
	c.RhoUr = next()
	c.RhoDE = next()
	c.PDE = next()
	for i := 0; i < nNcdm; i++ {
		c.RhoNcdm = append(c.RhoNcdm, next())
		c.PNcdm = append(c.PNcdm, next())
	}
	if b.cfg.HasDcdm() {
		c.RhoDcdm = next()
		c.RhoDr = next()
	}
	c.GrowthD = next()
	c.GrowthF = next()
	c.Rs = next()
	c.Time = next()
	c.N = n
	b.cols = c

	taus := make([]float64, 0, points)
	lnas := make([]float64, 0, points)
	cols := make([][]float64, c.N)
	for j := range cols {
		cols[j] = make([]float64, 0, points)
	}

	var d bgDens
	out := func(x float64, y []float64) error {
		a := math.Exp(x)
		b.densities(a, y[iRhoDcdm], y[iRhoDr], &d)
		h2 := d.rhoTot - b.k/(a*a)
		if h2 <= 0 {
			return errors.Errorf(errors.OutOfDomain, "H^2 = %g at a = %g", h2, a).AtStage("background")
		}
		hub := math.Sqrt(h2)
		dlnH := (d.dRhoTot + 2*b.k/(a*a)) / (2 * h2)

		taus = append(taus, y[iTau])
		lnas = append(lnas, x)
		row := make([]float64, c.N)
		row[c.A] = a
		row[c.H] = hub
		row[c.HConf] = a * hub
		row[c.HConfPrime] = a * a * h2 * (1 + dlnH)
		row[c.RhoG] = d.rhoG
		row[c.RhoB] = d.rhoB
		row[c.RhoCDM] = d.rhoCDM
		row[c.RhoUr] = d.rhoUr
		row[c.RhoDE] = d.rhoDE
		row[c.PDE] = d.wDE * d.rhoDE
		for i := range b.Ncdm {
			row[c.RhoNcdm[i]] = d.rhoNcdm[i]
			row[c.PNcdm[i]] = d.pNcdm[i]
		}
		if c.RhoDcdm >= 0 {
			row[c.RhoDcdm] = y[iRhoDcdm]
			row[c.RhoDr] = y[iRhoDr]
		}
		row[c.GrowthD] = y[iD]
		row[c.GrowthF] = y[iDp] / y[iD]
		row[c.Rs] = y[iRs]
		row[c.Time] = y[iTime]
		for j := range cols {
			cols[j] = append(cols[j], row[j])
		}
		return nil
	}

	pass, err := b.integrate(points, rtol, out)
	if err != nil {
		return err
	}

	// Normalize the growth factor to unity today.
	for i := range cols[c.GrowthD] {
		cols[c.GrowthD][i] /= pass.dToday
	}

	table, err := interp.NewTable(taus, cols, interp.EstimateBoundary)
	if err != nil {
		return errors.NewBoltzError(errors.InternalError, "background table", err).AtStage("background")
	}
	b.table = table

	tauOfLna, err := interp.NewSpline(lnas, taus, interp.EstimateBoundary)
	if err != nil {
		return errors.NewBoltzError(errors.InternalError, "tau(ln a) spline", err).AtStage("background")
	}
	b.tauOfLna = tauOfLna
	return nil
}

// fillDerived computes the scalar summary of the solve.
func (b *Background) fillDerived(h, omegaNcdm float64, pass *bgPass) {
	rhoCrit0 := b.h0 * b.h0
	d := &b.Derived
	d.H0 = b.h0
	d.LittleH = h
	d.OmegaGamma = b.rhoG0 / rhoCrit0
	d.OmegaUr = b.rhoUr0 / rhoCrit0
	d.OmegaB = b.rhoB0 / rhoCrit0
	d.OmegaCDM = b.rhoCDM0 / rhoCrit0
	d.OmegaNcdm = omegaNcdm
	d.OmegaDcdm = pass.rhoDcdmToday / rhoCrit0
	d.OmegaDr = pass.rhoDrToday / rhoCrit0
	d.OmegaDE = b.rhoDE0 / rhoCrit0
	d.OmegaK = b.cfg.OmegaK
	d.OmegaM = d.OmegaB + d.OmegaCDM + d.OmegaNcdm + d.OmegaDcdm
	d.OmegaR = d.OmegaGamma + d.OmegaUr + d.OmegaDr
	d.TauToday = pass.tauToday
	d.AgeGyr = units.MpcToGyr(pass.timeToday)

	// Radiation-matter equality by bisection on the tabulated
	// densities, counting massive neutrinos as radiation there.
	grid := b.table.Grid()
	c := b.cols
	ratio := func(i int) float64 {
		rhoM := b.table.Column(c.RhoB)[i] + b.table.Column(c.RhoCDM)[i]
		if c.RhoDcdm >= 0 {
			rhoM += b.table.Column(c.RhoDcdm)[i]
		}
		rhoR := b.table.Column(c.RhoG)[i] + b.table.Column(c.RhoUr)[i]
		if c.RhoDr >= 0 {
			rhoR += b.table.Column(c.RhoDr)[i]
		}
		for _, j := range c.RhoNcdm {
			rhoR += b.table.Column(j)[i]
		}
		return rhoR - rhoM
	}
	for i := 1; i < len(grid); i++ {
		if ratio(i) <= 0 {
			// Linear in ln a between the bracketing rows.
			f0, f1 := ratio(i-1), ratio(i)
			a0, a1 := b.table.Column(c.A)[i-1], b.table.Column(c.A)[i]
			t := f0 / (f0 - f1)
			lnaEq := math.Log(a0) + t*(math.Log(a1)-math.Log(a0))
			aEq := math.Exp(lnaEq)
			d.ZEq = 1/aEq - 1
			tauEq, err := b.tauOfLna.Eval(lnaEq)
			if err == nil {
				d.TauEq = tauEq
				var cache int
				hConf, err := b.table.Value(tauEq, c.HConf, &cache)
				if err == nil {
					d.KEq = hConf
				}
			}
			break
		}
	}
}
