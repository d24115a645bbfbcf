// Package perturb integrates the linear Einstein-Boltzmann system in
// the Newtonian gauge, one wavenumber at a time, and tabulates the
// line-of-sight source functions on a common (tau, k) grid. Each mode
// runs through a fixed sequence of approximation schemes: tight
// coupling at early times, then the full hierarchies, with the
// ultrarelativistic fluid truncation and free-streaming closure taking
// over inside the horizon. Scheme changes restart the stiff integrator
// on a re-mapped state vector.
package perturb

import (
	"context"
	goerrors "errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/evolver"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/thermo"
	"boltz/internal/units"
)

// shared is the read-only state every wavenumber worker consumes.
type shared struct {
	bg  *background.Background
	th  *thermo.Thermo
	cfg *params.Config
	mod model
	bc  background.Cols
	tc  thermo.Cols

	curvK float64
	tau0  float64
	gamma float64 // dcdm decay rate, 1/Mpc
	wa    float64
	cs2   float64

	taus []float64
	want [KindCount]bool
	scan *scanGrid
}

func newShared(bg *background.Background, th *thermo.Thermo, cfg *params.Config) (*shared, error) {
	scan, err := newScanGrid(bg, th)
	if err != nil {
		return nil, err
	}
	taus, err := SampleTimes(bg, th, cfg)
	if err != nil {
		return nil, err
	}
	return &shared{
		bg:    bg,
		th:    th,
		cfg:   cfg,
		mod:   newModel(cfg, len(bg.Ncdm)),
		bc:    bg.Cols(),
		tc:    th.Cols(),
		curvK: bg.CurvatureK(),
		tau0:  bg.Derived.TauToday,
		gamma: cfg.Cosmology.GammaDcdm * 1e3 / units.SpeedOfLight,
		wa:    cfg.Cosmology.Wa,
		cs2:   cfg.Cosmology.CsFld2,
		taus:  taus,
		want:  wantKinds(cfg, len(bg.Ncdm)),
		scan:  scan,
	}, nil
}

// Solve integrates every mode of the wavenumber grid and returns the
// assembled source tables. Modes run concurrently up to cfg.Jobs;
// per-mode failures are collected and reported together rather than
// aborting the whole grid.
func Solve(ctx context.Context, bg *background.Background, th *thermo.Thermo, cfg *params.Config, logger *slog.Logger) (*Sources, error) {
	log := logging.Stage(logger, "perturb")

	if cfg.Cosmology.HasFluid() {
		w0, wa := cfg.Cosmology.W0, cfg.Cosmology.Wa
		if (1+w0)*(1+w0+wa) < 0 {
			return nil, errors.Errorf(errors.ConfigurationError,
				"dark energy equation of state crosses w=-1 between early times and today (w0=%g, wa=%g)", w0, wa)
		}
	}

	sh, err := newShared(bg, th, cfg)
	if err != nil {
		return nil, err
	}
	ks := Grid(bg, th, cfg)
	taus := sh.taus

	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	log.Info("integrating modes",
		slog.Int("n_k", len(ks)),
		slog.Int("n_tau", len(taus)),
		slog.Float64("k_min", ks[0]),
		slog.Float64("k_max", ks[len(ks)-1]),
		slog.Int("jobs", jobs))

	results := make([]*kResult, len(ks))
	errs := make([]error, len(ks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, k := range ks {
		g.Go(func() error {
			res, err := sh.solveK(gctx, k)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = err
				return nil // let the remaining modes finish; aggregated below
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	agg := errors.NewAggregate("perturb")
	for _, e := range errs {
		agg.Record(e)
	}
	if err := agg.Err(); err != nil {
		return nil, err
	}

	src := assemble(ks, taus, sh.want, results)
	log.Info("sources assembled",
		slog.Float64("tau_start", taus[0]),
		slog.Float64("tau_end", taus[len(taus)-1]))
	return src, nil
}

// solveK integrates one wavenumber from its start time to today,
// restarting the stiff integrator at every scheme switch and recording
// sources on the shared time grid.
func (sh *shared) solveK(ctx context.Context, k float64) (*kResult, error) {
	tauIni, err := sh.startTime(k)
	if err != nil {
		return nil, err
	}
	switches, err := sh.findSwitches(k, tauIni)
	if err != nil {
		return nil, err
	}

	res := newKResult(k, len(sh.taus), sh.want)
	sch := scheme{tca: true}
	sys := newKSystem(k, sh, sch)
	y := make([]float64, sys.Dim())
	if err := sys.initialConditions(tauIni, y); err != nil {
		return nil, stageErr(err, k)
	}

	prec := &sh.cfg.Precision
	t := tauIni
	oi := 0
	legs := append(switches, switchPoint{tau: sh.tau0})
	for _, leg := range legs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if leg.tau > t {
			times := window(sh.taus, &oi, leg.tau)
			row := oi - len(times)
			integ := evolver.NewNDF15(evolver.Options{
				AbsTol: 1e-18,
				RelTol: prec.TolPerturbIntegration,
			})
			out := func(tt float64, yy []float64) error {
				if err := sys.record(tt, yy, res, row); err != nil {
					return err
				}
				row++
				return nil
			}
			if err := integ.Integrate(sys, t, leg.tau, y, times, out); err != nil {
				return nil, stageErr(err, k)
			}
			t = leg.tau
		}
		if leg.name == "" {
			break
		}
		nsch := sch
		switch leg.name {
		case swTCAOff:
			nsch.tca = false
		case swUfaOn:
			nsch.ufa = true
		case swRSAOn:
			nsch.rsa = true
			nsch.ufa = false
		}
		if err := sys.eval(t, y); err != nil {
			return nil, stageErr(err, k)
		}
		nsys := newKSystem(k, sh, nsch)
		ny := make([]float64, nsys.Dim())
		matchState(sys, y, nsys, ny)
		res.switches = append(res.switches, Switch{Tau: t, Name: leg.name})
		sys, y, sch = nsys, ny, nsch
	}
	return res, nil
}

// window advances oi past every grid time at or below hi and returns
// the slice that was consumed.
func window(taus []float64, oi *int, hi float64) []float64 {
	lo := *oi
	for *oi < len(taus) && taus[*oi] <= hi {
		*oi++
	}
	return taus[lo:*oi]
}

// stageErr tags an integration failure with the stage and mode.
func stageErr(err error, k float64) error {
	var be *errors.BoltzError
	if goerrors.As(err, &be) {
		return be.AtStage("perturb").AtWavenumber(k)
	}
	return errors.NewBoltzError(errors.InternalError, "perturbation integration failed", err).
		AtStage("perturb").AtWavenumber(k)
}
