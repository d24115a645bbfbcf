// Package transfer projects the tabulated line-of-sight sources onto
// (hyper)spherical Bessel kernels, producing the transfer functions
// Delta_l(q) the spectra stage integrates against the primordial
// power. Each projection wavenumber resamples the sources in two
// stages (across k, then onto a fine time grid matched to the kernel
// oscillations) and runs a trapezoidal convolution per multipole. The
// work is independent across wavenumbers and runs on a bounded worker
// pool.
package transfer

import (
	"context"
	goerrors "errors"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/perturb"
	"boltz/internal/specfunc"
	"boltz/internal/thermo"
)

// besselTableStep is the x spacing of the shared j_l table. Quintic
// Hermite interpolation holds the error near 1e-8 at this spacing.
const besselTableStep = 0.25

// lateSourceZ bounds the time range of the Doppler and polarization
// sources for multipoles above NeglectLateSource. Reionization-era
// contributions to those types only matter at low l.
const lateSourceZ = 50.0

// Radial source types, in the order the temperature kernels combine.
const (
	radT0 = iota
	radT1
	radT2
	radE
	radLens
	radCount
)

var radKinds = [radCount]perturb.Kind{
	radT0:   perturb.KindT0,
	radT1:   perturb.KindT1,
	radT2:   perturb.KindT2,
	radE:    perturb.KindE,
	radLens: perturb.KindLens,
}

// Functions holds the projected transfer functions Delta_l(q) on the
// sparse multipole list Ls and the projection wavenumber grid Qs.
// Blocks are nil when the corresponding output was not requested. Ks
// maps each projection wavenumber to the Boltzmann wavenumber the
// sources were evaluated at; the two coincide in a flat model.
type Functions struct {
	Ls []int
	Qs []float64
	Ks []float64

	T   [][]float64 // T[il][iq], temperature, all three radial parts combined
	E   [][]float64 // E polarization, includes the sqrt((l+2)!/(l-2)!) prefactor
	Phi [][]float64 // lensing potential
}

// Compute projects the source tables onto radial kernels for every
// wavenumber of the projection grid. Wavenumbers run concurrently up
// to cfg.Jobs; per-mode failures are collected and reported together.
func Compute(ctx context.Context, bg *background.Background, th *thermo.Thermo, src *perturb.Sources, cfg *params.Config, logger *slog.Logger) (*Functions, error) {
	log := logging.Stage(logger, "transfer")
	prec := &cfg.Precision

	ls := multipoles(cfg.Output.LMax, prec)

	var have [radCount]bool
	any := false
	for r, kind := range radKinds {
		have[r] = src.Has(kind)
		any = any || have[r]
	}
	if !any {
		return &Functions{Ls: ls}, nil
	}

	tau0 := bg.Derived.TauToday
	tauRec := th.Derived.TauRec
	tauLate, err := bg.TauOfZ(lateSourceZ)
	if err != nil {
		return nil, err
	}

	ksrc := src.Ks
	qs, ks, err := qGrid(bg.CurvatureK(), tau0, tauRec, ksrc[0], ksrc[len(ksrc)-1], prec)
	if err != nil {
		return nil, err
	}

	p := &projector{
		prec:    prec,
		curvK:   bg.CurvatureK(),
		tau0:    tau0,
		tauRec:  tauRec,
		chiRec:  tau0 - tauRec,
		tauLate: tauLate,
		taus:    src.Taus,
		ls:      ls,
		qs:      qs,
		ks:      ks,
	}

	// One spline per source row: stage one of the resampling
	// interpolates across k at fixed time. The rows share the k grid,
	// so a single bracket cache serves all of them.
	for r := range have {
		if !have[r] {
			continue
		}
		rows := src.Rows(radKinds[r])
		p.rows[r] = make([]*interp.Spline, len(rows))
		for it, row := range rows {
			s, err := interp.NewSpline(ksrc, row, interp.EstimateBoundary)
			if err != nil {
				return nil, err
			}
			p.rows[r][it] = s
		}
	}

	if p.curvK == 0 {
		xMax := qs[len(qs)-1]*(tau0-src.Taus[0]) + besselTableStep
		tbl, err := specfunc.NewTable(ls, xMax, besselTableStep, prec.HyperPhiMinAbs)
		if err != nil {
			return nil, err
		}
		p.tbl = tbl
	}

	out := &Functions{Ls: ls, Qs: qs, Ks: ks}
	alloc := func() [][]float64 {
		m := make([][]float64, len(ls))
		for i := range m {
			m[i] = make([]float64, len(qs))
		}
		return m
	}
	if have[radT0] {
		out.T = alloc()
	}
	if have[radE] {
		out.E = alloc()
	}
	if have[radLens] {
		out.Phi = alloc()
	}
	p.out = out

	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	geometry := "flat"
	if p.curvK > 0 {
		geometry = "closed"
	} else if p.curvK < 0 {
		geometry = "open"
	}
	log.Info("projecting sources",
		slog.Int("n_l", len(ls)),
		slog.Int("n_q", len(qs)),
		slog.String("geometry", geometry),
		slog.Int("jobs", jobs))

	errs := make([]error, len(qs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for iq := range qs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := p.mode(iq); err != nil {
				errs[iq] = stageErr(err, qs[iq])
			}
			return nil // remaining wavenumbers still run; aggregated below
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	agg := errors.NewAggregate("transfer")
	for _, e := range errs {
		agg.Record(e)
	}
	if err := agg.Err(); err != nil {
		return nil, err
	}

	log.Info("transfer functions ready",
		slog.Float64("q_min", qs[0]),
		slog.Float64("q_max", qs[len(qs)-1]))
	return out, nil
}

// projector is the read-only state shared by the wavenumber workers.
// Workers write disjoint columns of out, so no locking is needed.
type projector struct {
	prec    *params.PrecisionParams
	curvK   float64
	tau0    float64
	tauRec  float64
	chiRec  float64 // conformal distance to recombination
	tauLate float64 // upper time bound for late-source neglect
	taus    []float64
	rows    [radCount][]*interp.Spline
	ls      []int
	qs, ks  []float64
	tbl     *specfunc.Table // flat geometry only
	out     *Functions
}

// mode convolves the sources with the radial kernels at one projection
// wavenumber and writes the resulting column of every transfer block.
func (p *projector) mode(iq int) error {
	q, k := p.qs[iq], p.ks[iq]

	// Stage one: source values at this wavenumber on the source grid.
	var sv [radCount][]float64
	var kc int
	for r := range p.rows {
		if p.rows[r] == nil {
			continue
		}
		v := make([]float64, len(p.taus))
		for it, sp := range p.rows[r] {
			val, err := sp.EvalCached(k, &kc)
			if err != nil {
				return err
			}
			v[it] = val
		}
		sv[r] = v
	}

	// Stage two: cubic in time, resampled onto a grid fine enough for
	// the kernel oscillations at this wavenumber.
	var spl [radCount]*interp.Spline
	for r := range sv {
		if sv[r] == nil {
			continue
		}
		s, err := interp.NewSpline(p.taus, sv[r], interp.EstimateBoundary)
		if err != nil {
			return err
		}
		spl[r] = s
	}
	fine := fineGrid(p.taus, 2*math.Pi/(p.prec.HyperSamplingFlat*q))
	var fv [radCount][]float64
	for r := range spl {
		if spl[r] == nil {
			continue
		}
		v := make([]float64, len(fine))
		var tc int
		for j, t := range fine {
			val, err := spl[r].EvalCached(t, &tc)
			if err != nil {
				return err
			}
			v[j] = val
		}
		fv[r] = v
	}

	var rad radial
	var err error
	if p.curvK == 0 {
		rad, err = newFlatRadial(p.tbl, p.ls, q)
	} else {
		rad, err = newCurvedRadial(p.curvK, q, p.ls, p.prec.HyperPhiMinAbs)
	}
	if err != nil {
		return err
	}

	// Per-multipole masks. A type is dropped once q overshoots the
	// kernel peak scale l/chi_rec by its own margin; the late-time cut
	// removes reionization-era scattering sources at high l.
	nl := len(p.ls)
	useT0 := make([]bool, nl)
	useT1 := make([]bool, nl)
	useT2 := make([]bool, nl)
	useE := make([]bool, nl)
	direct := make([]bool, nl)
	lateCut := make([]bool, nl)
	skip := make([]bool, nl)
	for il, l := range p.ls {
		lf := float64(l)
		base := lf / p.chiRec
		useT0[il] = fv[radT0] != nil && q <= base+p.prec.NeglectDeltaKT0
		useT1[il] = fv[radT1] != nil && q <= base+p.prec.NeglectDeltaKT1
		useT2[il] = fv[radT2] != nil && q <= base+p.prec.NeglectDeltaKT2
		useE[il] = fv[radE] != nil && q <= base+p.prec.NeglectDeltaKE
		direct[il] = fv[radLens] != nil && lf <= p.prec.LSwitchLimber
		lateCut[il] = lf > p.prec.NeglectLateSource
		skip[il] = !useT0[il] && !useT1[il] && !useT2[il] && !useE[il] && !direct[il]
	}

	accT := make([]float64, nl)
	accE := make([]float64, nl)
	accP := make([]float64, nl)
	prevT := make([]float64, nl)
	prevE := make([]float64, nl)
	prevP := make([]float64, nl)
	curT := make([]float64, nl)
	curE := make([]float64, nl)
	curP := make([]float64, nl)

	// Multipole il integrates while x >= xmin(il). x falls along the
	// line of sight, so high multipoles drop out first and the live
	// set is always a prefix of ls.
	alive := nl

	eval := func(j int) error {
		late := fine[j] > p.tauLate
		var w float64
		if fv[radLens] != nil {
			w = p.lensWeight(fine[j])
		}
		a := rad.arg()
		a2 := a * a
		for il := 0; il < alive; il++ {
			if skip[il] {
				curT[il], curE[il], curP[il] = 0, 0, 0
				continue
			}
			jv, jp, jpp, err := rad.at(il)
			if err != nil {
				return err
			}
			drop := late && lateCut[il]
			var t float64
			if useT0[il] {
				t = fv[radT0][j] * jv
			}
			if !drop {
				if useT1[il] {
					t += fv[radT1][j] * jp
				}
				if useT2[il] {
					t += fv[radT2][j] * (3*jpp + jv) / 2
				}
			}
			curT[il] = t
			if useE[il] && !drop {
				curE[il] = fv[radE][j] * jv / a2
			} else {
				curE[il] = 0
			}
			if direct[il] {
				curP[il] = fv[radLens][j] * w * jv
			} else {
				curP[il] = 0
			}
		}
		return nil
	}

	x0 := q * (p.tau0 - fine[0])
	for alive > 0 && rad.xmin(alive-1) > x0 {
		alive-- // kernel never clears the cut: zero transfer
	}
	if alive > 0 {
		if err := rad.begin(p.tau0 - fine[0]); err != nil {
			return err
		}
		if err := eval(0); err != nil {
			return err
		}
		copy(prevT, curT)
		copy(prevE, curE)
		copy(prevP, curP)
	}
	for j := 1; j < len(fine) && alive > 0; j++ {
		x := q * (p.tau0 - fine[j])
		for alive > 0 && rad.xmin(alive-1) > x {
			il := alive - 1
			// the window closes between the previous node and this
			// one, with the kernel at the zero cut at the boundary
			if dt := p.tau0 - rad.xmin(il)/q - fine[j-1]; dt > 0 {
				accT[il] += 0.5 * prevT[il] * dt
				accE[il] += 0.5 * prevE[il] * dt
				accP[il] += 0.5 * prevP[il] * dt
			}
			alive--
		}
		if alive == 0 {
			break
		}
		if err := rad.begin(p.tau0 - fine[j]); err != nil {
			return err
		}
		if err := eval(j); err != nil {
			return err
		}
		dt := fine[j] - fine[j-1]
		for il := 0; il < alive; il++ {
			accT[il] += 0.5 * (prevT[il] + curT[il]) * dt
			accE[il] += 0.5 * (prevE[il] + curE[il]) * dt
			accP[il] += 0.5 * (prevP[il] + curP[il]) * dt
		}
		copy(prevT[:alive], curT[:alive])
		copy(prevE[:alive], curE[:alive])
		copy(prevP[:alive], curP[:alive])
	}

	for il, l := range p.ls {
		if p.out.T != nil {
			p.out.T[il][iq] = accT[il]
		}
		if p.out.E != nil {
			p.out.E[il][iq] = accE[il] * polNorm(l)
		}
		if p.out.Phi != nil {
			if float64(l) <= p.prec.LSwitchLimber {
				p.out.Phi[il][iq] = accP[il]
			} else {
				v, err := p.limber(l, q, spl[radLens])
				if err != nil {
					return err
				}
				p.out.Phi[il][iq] = v
			}
		}
	}
	return nil
}

// lensWeight is the lensing efficiency kernel for sources at
// recombination, zero outside (tauRec, tau0).
func (p *projector) lensWeight(tau float64) float64 {
	if tau <= p.tauRec || tau >= p.tau0 {
		return 0
	}
	return (tau - p.tauRec) / ((p.tau0 - p.tauRec) * (p.tau0 - tau))
}

// limber replaces the oscillatory projection with the sharp-peak limit
// of the kernel: integral of j_l(x) f(x) dx ~ sqrt(pi/(2l+1)) f(l+1/2).
// Accurate to well under a percent for the smooth lensing kernel at
// the multipoles it is used for.
func (p *projector) limber(l int, q float64, s *interp.Spline) (float64, error) {
	tau := p.tau0 - (float64(l)+0.5)/q
	if tau <= p.tauRec {
		return 0, nil
	}
	v, err := s.Eval(tau)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(math.Pi/(2*float64(l)+1)) * v * p.lensWeight(tau) / q, nil
}

// polNorm is sqrt((l+2)!/(l-2)!), the E-mode spin prefactor.
func polNorm(l int) float64 {
	lf := float64(l)
	return math.Sqrt((lf + 2) * (lf + 1) * lf * (lf - 1))
}

func stageErr(err error, q float64) error {
	var be *errors.BoltzError
	if goerrors.As(err, &be) {
		return be.AtStage("transfer").AtWavenumber(q)
	}
	return errors.Errorf(errors.InternalError, "projection failed: %v", err).
		AtStage("transfer").AtWavenumber(q)
}
