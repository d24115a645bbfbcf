package perturb

import (
	"boltz/internal/linalg"
	"boltz/internal/params"
)

// scheme is the approximation state of one mode. Every switch is
// one-way: tight coupling ends, the ur hierarchy collapses to a fluid,
// and radiation streaming begins, each at most once per wavenumber.
type scheme struct {
	tca bool // photon-baryon tight coupling: sigma_g and the slip algebraic
	rsa bool // radiation streaming: gamma and ur dropped from the state
	ufa bool // ur truncated to delta, theta, F_2
}

func (s scheme) String() string {
	switch {
	case s.tca && s.ufa:
		return "tca+ufa"
	case s.tca:
		return "tca"
	case s.rsa:
		return "rsa"
	case s.ufa:
		return "ufa"
	default:
		return "full"
	}
}

// model fixes the species content and hierarchy truncations shared by
// every scheme of one run.
type model struct {
	lmaxG, lmaxPol, lmaxUr int
	lmaxNcdm, lmaxDr       int
	nNcdm, nq              int
	dcdm                   bool
	fld                    bool
}

func newModel(cfg *params.Config, nNcdm int) model {
	p := &cfg.Precision
	return model{
		lmaxG:    p.LMaxG,
		lmaxPol:  p.LMaxPolG,
		lmaxUr:   p.LMaxUr,
		lmaxNcdm: p.LMaxNcdm,
		lmaxDr:   p.LMaxDr,
		nNcdm:    nNcdm,
		nq:       p.NcdmQuadPoints,
		dcdm:     cfg.Cosmology.HasDcdm(),
		fld:      cfg.Cosmology.HasFluid(),
	}
}

// layout maps the dynamical variables of one scheme onto state-vector
// slots. Blocks absent from the scheme are -1. The photon and ur
// hierarchies store l >= 2 after their (delta, theta) pairs; ncdm
// stores one Psi_l chain per (species, momentum node) so that each
// chain is contiguous; dr stores a^4 rho_dr F_l to stay regular while
// the species builds up from zero.
type layout struct {
	sch scheme
	mod model

	phi                  int
	deltaB, thetaB       int
	deltaC, thetaC       int
	deltaG, thetaG       int
	fg                   int // F_gamma_l, l = 2..lmaxG
	gg                   int // G_gamma_l, l = 0..lmaxPol
	deltaUr, thetaUr     int
	fur                  int // F_ur_l from l = 2; a single slot under ufa
	furN                 int
	ncdm                 int
	deltaDcdm, thetaDcdm int
	fdr                  int // a^4 rho_dr F_dr_l, l = 0..lmaxDr
	deltaFld, thetaFld   int
	n                    int
}

func newLayout(mod model, sch scheme) layout {
	l := layout{
		sch: sch, mod: mod,
		deltaG: -1, thetaG: -1, fg: -1, gg: -1,
		deltaUr: -1, thetaUr: -1, fur: -1,
		ncdm: -1, deltaDcdm: -1, thetaDcdm: -1, fdr: -1,
		deltaFld: -1, thetaFld: -1,
	}
	n := 0
	next := func() int { i := n; n++; return i }

	l.phi = next()
	l.deltaB, l.thetaB = next(), next()
	l.deltaC, l.thetaC = next(), next()
	if !sch.rsa {
		l.deltaG, l.thetaG = next(), next()
		if !sch.tca {
			l.fg = n
			n += mod.lmaxG - 1
			l.gg = n
			n += mod.lmaxPol + 1
		}
		l.deltaUr, l.thetaUr = next(), next()
		if sch.ufa {
			l.furN = 1
		} else {
			l.furN = mod.lmaxUr - 1
		}
		l.fur = n
		n += l.furN
	}
	if mod.nNcdm > 0 {
		l.ncdm = n
		n += mod.nNcdm * mod.nq * (mod.lmaxNcdm + 1)
	}
	if mod.dcdm {
		l.deltaDcdm, l.thetaDcdm = next(), next()
		l.fdr = n
		n += mod.lmaxDr + 1
	}
	if mod.fld {
		l.deltaFld, l.thetaFld = next(), next()
	}
	l.n = n
	return l
}

func (l *layout) fgIdx(el int) int  { return l.fg + el - 2 }
func (l *layout) ggIdx(el int) int  { return l.gg + el }
func (l *layout) furIdx(el int) int { return l.fur + el - 2 }
func (l *layout) drIdx(el int) int  { return l.fdr + el }

func (l *layout) ncdmIdx(species, node, el int) int {
	per := l.mod.lmaxNcdm + 1
	return l.ncdm + (species*l.mod.nq+node)*per + el
}

func cat(base []int, extra ...int) []int {
	out := make([]int, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}

// jacobianPattern declares the sparsity of d(dy)/dy for this layout.
// The hierarchies are banded, but the metric ties the blocks together:
// phi' reads every velocity and shear, psi every shear, so any
// equation containing phi' or psi carries those columns too.
func (l *layout) jacobianPattern() *linalg.Sparse {
	mod := &l.mod

	thetas := []int{l.thetaB, l.thetaC}
	var shears []int
	if !l.sch.rsa {
		thetas = append(thetas, l.thetaG, l.thetaUr)
		if l.sch.tca {
			shears = append(shears, l.thetaG) // sigma_g = (16/45) tau_c theta_g
		} else {
			shears = append(shears, l.fgIdx(2))
		}
		shears = append(shears, l.furIdx(2))
	}
	for s := 0; s < mod.nNcdm; s++ {
		for i := 0; i < mod.nq; i++ {
			thetas = append(thetas, l.ncdmIdx(s, i, 1))
			shears = append(shears, l.ncdmIdx(s, i, 2))
		}
	}
	if mod.dcdm {
		thetas = append(thetas, l.thetaDcdm, l.drIdx(1))
		shears = append(shears, l.drIdx(2))
	}
	if mod.fld {
		thetas = append(thetas, l.thetaFld)
	}

	psiCols := cat(shears, l.phi)
	dphiCols := cat(psiCols, thetas...)

	b := linalg.NewBuilder(l.n)
	row := func(i int, cols ...int) {
		b.Add(i, i)
		for _, j := range cols {
			b.Add(i, j)
		}
	}

	row(l.phi, dphiCols...)
	row(l.deltaB, cat(dphiCols, l.thetaB)...)
	row(l.deltaC, cat(dphiCols, l.thetaC)...)
	row(l.thetaC, cat(psiCols, l.thetaC)...)

	switch {
	case l.sch.tca:
		slip := cat(dphiCols, l.deltaB, l.thetaB, l.deltaG, l.thetaG)
		row(l.thetaB, slip...)
		row(l.thetaG, slip...)
		row(l.deltaG, cat(dphiCols, l.thetaG)...)
	case l.sch.rsa:
		// theta_g follows 6 phi', so the drag term reads the metric row.
		row(l.thetaB, cat(dphiCols, l.deltaB, l.thetaB)...)
	default:
		row(l.thetaB, cat(psiCols, l.deltaB, l.thetaB, l.thetaG)...)
		row(l.deltaG, cat(dphiCols, l.thetaG)...)
		row(l.thetaG, cat(psiCols, l.deltaG, l.thetaG, l.thetaB, l.fgIdx(2))...)
		row(l.fgIdx(2), l.thetaG, l.fgIdx(3), l.ggIdx(0), l.ggIdx(2))
		for el := 3; el < mod.lmaxG; el++ {
			row(l.fgIdx(el), l.fgIdx(el-1), l.fgIdx(el+1))
		}
		row(l.fgIdx(mod.lmaxG), l.fgIdx(mod.lmaxG-1))
		row(l.ggIdx(0), l.ggIdx(1), l.fgIdx(2), l.ggIdx(2))
		row(l.ggIdx(1), l.ggIdx(0), l.ggIdx(2))
		row(l.ggIdx(2), l.ggIdx(1), l.ggIdx(3), l.fgIdx(2), l.ggIdx(0))
		for el := 3; el < mod.lmaxPol; el++ {
			row(l.ggIdx(el), l.ggIdx(el-1), l.ggIdx(el+1))
		}
		row(l.ggIdx(mod.lmaxPol), l.ggIdx(mod.lmaxPol-1))
	}

	if !l.sch.rsa {
		row(l.deltaUr, cat(dphiCols, l.thetaUr)...)
		row(l.thetaUr, cat(psiCols, l.deltaUr, l.thetaUr, l.furIdx(2))...)
		if l.sch.ufa {
			row(l.furIdx(2), l.thetaUr)
		} else {
			row(l.furIdx(2), l.thetaUr, l.furIdx(3))
			for el := 3; el < mod.lmaxUr; el++ {
				row(l.furIdx(el), l.furIdx(el-1), l.furIdx(el+1))
			}
			row(l.furIdx(mod.lmaxUr), l.furIdx(mod.lmaxUr-1))
		}
	}

	for s := 0; s < mod.nNcdm; s++ {
		for i := 0; i < mod.nq; i++ {
			row(l.ncdmIdx(s, i, 0), cat(dphiCols, l.ncdmIdx(s, i, 1))...)
			row(l.ncdmIdx(s, i, 1), cat(psiCols, l.ncdmIdx(s, i, 0), l.ncdmIdx(s, i, 2))...)
			for el := 2; el < mod.lmaxNcdm; el++ {
				row(l.ncdmIdx(s, i, el), l.ncdmIdx(s, i, el-1), l.ncdmIdx(s, i, el+1))
			}
			row(l.ncdmIdx(s, i, mod.lmaxNcdm), l.ncdmIdx(s, i, mod.lmaxNcdm-1))
		}
	}

	if mod.dcdm {
		row(l.deltaDcdm, cat(dphiCols, l.thetaDcdm)...)
		row(l.thetaDcdm, cat(psiCols, l.thetaDcdm)...)
		row(l.drIdx(0), cat(dphiCols, l.drIdx(1), l.deltaDcdm)...)
		row(l.drIdx(1), cat(psiCols, l.drIdx(0), l.drIdx(2), l.thetaDcdm)...)
		row(l.drIdx(2), l.drIdx(1), l.drIdx(3))
		for el := 3; el < mod.lmaxDr; el++ {
			row(l.drIdx(el), l.drIdx(el-1), l.drIdx(el+1))
		}
		row(l.drIdx(mod.lmaxDr), l.drIdx(mod.lmaxDr-1))
	}

	if mod.fld {
		row(l.deltaFld, cat(dphiCols, l.deltaFld, l.thetaFld)...)
		row(l.thetaFld, cat(psiCols, l.deltaFld, l.thetaFld)...)
	}

	return b.Build()
}
