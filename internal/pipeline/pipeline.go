// Package pipeline is the host-caller surface: it owns the stage graph
// of a run and hands out the finished tables. Stages are built lazily
// and exactly once, each from the stages below it, so a caller who only
// wants the background never pays for a Boltzmann solve, while Run
// drives everything the output selection asks for.
package pipeline

import (
	"context"
	"log/slog"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/lensing"
	"boltz/internal/logging"
	"boltz/internal/nonlinear"
	"boltz/internal/params"
	"boltz/internal/perturb"
	"boltz/internal/spectra"
	"boltz/internal/thermo"
	"boltz/internal/transfer"
)

// Pipeline caches each solved stage. Not safe for concurrent stage
// requests; the per-wavenumber parallelism lives inside the stages.
type Pipeline struct {
	cfg    *params.Config
	logger *slog.Logger

	bg  *background.Background
	th  *thermo.Thermo
	src *perturb.Sources
	fn  *transfer.Functions
	sp  *spectra.Spectra
	nl  *spectra.MatterTable
	lns *lensing.Lensed
}

// New validates the configuration and prepares an empty pipeline. A
// nil logger discards everything.
func New(cfg *params.Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Background solves the expansion history on first use.
func (p *Pipeline) Background(ctx context.Context) (*background.Background, error) {
	if p.bg == nil {
		bg, err := background.Solve(ctx, p.cfg, p.logger)
		if err != nil {
			return nil, err
		}
		p.bg = bg
	}
	return p.bg, nil
}

// Thermo solves the ionization history on first use.
func (p *Pipeline) Thermo(ctx context.Context) (*thermo.Thermo, error) {
	if p.th == nil {
		bg, err := p.Background(ctx)
		if err != nil {
			return nil, err
		}
		th, err := thermo.Solve(ctx, bg, p.cfg, p.logger)
		if err != nil {
			return nil, err
		}
		p.th = th
	}
	return p.th, nil
}

// Sources runs the per-wavenumber Boltzmann evolutions on first use.
func (p *Pipeline) Sources(ctx context.Context) (*perturb.Sources, error) {
	if p.src == nil {
		bg, err := p.Background(ctx)
		if err != nil {
			return nil, err
		}
		th, err := p.Thermo(ctx)
		if err != nil {
			return nil, err
		}
		src, err := perturb.Solve(ctx, bg, th, p.cfg, p.logger)
		if err != nil {
			return nil, err
		}
		p.src = src
	}
	return p.src, nil
}

// Transfer projects the sources onto the radial kernels on first use.
// Returns nil without error when no projected output was requested.
func (p *Pipeline) Transfer(ctx context.Context) (*transfer.Functions, error) {
	out := &p.cfg.Output
	if !out.Temperature && !out.Polarization && !out.LensingPotential {
		return nil, nil
	}
	if p.fn == nil {
		bg, err := p.Background(ctx)
		if err != nil {
			return nil, err
		}
		th, err := p.Thermo(ctx)
		if err != nil {
			return nil, err
		}
		src, err := p.Sources(ctx)
		if err != nil {
			return nil, err
		}
		fn, err := transfer.Compute(ctx, bg, th, src, p.cfg, p.logger)
		if err != nil {
			return nil, err
		}
		p.fn = fn
	}
	return p.fn, nil
}

// Spectra assembles the requested power spectra on first use.
func (p *Pipeline) Spectra(ctx context.Context) (*spectra.Spectra, error) {
	if p.sp == nil {
		bg, err := p.Background(ctx)
		if err != nil {
			return nil, err
		}
		src, err := p.Sources(ctx)
		if err != nil {
			return nil, err
		}
		fn, err := p.Transfer(ctx)
		if err != nil {
			return nil, err
		}
		sp, err := spectra.Compute(bg, src, fn, p.cfg, p.logger)
		if err != nil {
			return nil, err
		}
		p.sp = sp
	}
	return p.sp, nil
}

// Nonlinear applies the halofit correction on first use. Returns nil
// without error when the nonlinear output is off.
func (p *Pipeline) Nonlinear(ctx context.Context) (*spectra.MatterTable, error) {
	if p.cfg.Output.Nonlinear != "halofit" {
		return nil, nil
	}
	if p.nl == nil {
		bg, err := p.Background(ctx)
		if err != nil {
			return nil, err
		}
		sp, err := p.Spectra(ctx)
		if err != nil {
			return nil, err
		}
		if sp.Pk == nil {
			return nil, errors.Errorf(errors.ConfigurationError,
				"nonlinear correction needs the matter power output")
		}
		nl, err := nonlinear.Apply(bg, sp.Pk, &p.cfg.Precision, p.logger)
		if err != nil {
			return nil, err
		}
		p.nl = nl
	}
	return p.nl, nil
}

// Lensed convolves the CMB spectra with the lensing potential on first
// use. Returns nil without error when lensed output is off.
func (p *Pipeline) Lensed(ctx context.Context) (*lensing.Lensed, error) {
	if !p.cfg.Output.Lensed {
		return nil, nil
	}
	if p.lns == nil {
		sp, err := p.Spectra(ctx)
		if err != nil {
			return nil, err
		}
		l, err := lensing.Apply(sp, &p.cfg.Precision, p.logger)
		if err != nil {
			return nil, err
		}
		p.lns = l
	}
	return p.lns, nil
}

// Run drives every stage the output selection needs and collects the
// results. Any stage failure aborts the run; no partial spectra are
// returned.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	bg, err := p.Background(ctx)
	if err != nil {
		return nil, err
	}
	th, err := p.Thermo(ctx)
	if err != nil {
		return nil, err
	}
	sp, err := p.Spectra(ctx)
	if err != nil {
		return nil, err
	}
	nl, err := p.Nonlinear(ctx)
	if err != nil {
		return nil, err
	}
	lensed, err := p.Lensed(ctx)
	if err != nil {
		return nil, err
	}

	r := &Result{
		Config:      p.cfg,
		Background:  bg,
		Thermo:      th,
		Spectra:     sp,
		NonlinearPk: nl,
		Lensed:      lensed,
		Derived:     deriveReport(bg, th, sp),
	}
	p.logger.Info("run complete",
		slog.Float64("z_rec", r.Derived.ZRec),
		slog.Float64("theta_s_100", r.Derived.Theta100),
		slog.Float64("sigma8", r.Derived.Sigma8))
	return r, nil
}
