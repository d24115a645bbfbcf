package perturb

import (
	"boltz/internal/errors"
)

// adiabaticICs fills y with the growing adiabatic mode normalized to a
// primordial curvature perturbation R = CurvatureIni, valid for
// k*tau << 1 deep in the radiation era. The starting layout always has
// tight coupling on and no other approximations.
func (s *kSystem) adiabaticICs(tau float64, y []float64) error {
	if err := s.eval(tau, y); err != nil {
		return err
	}
	p := &s.pt
	l := &s.lay

	rhoR := p.rhoG + p.rhoUr
	for si := range s.sh.bg.Ncdm {
		rhoR += s.bgRow[s.sh.bc.RhoNcdm[si]]
	}
	if l.mod.dcdm {
		rhoR += p.rhoDr
	}
	fnu := (rhoR - p.rhoG) / rhoR

	c := s.sh.cfg.Precision.CurvatureIni
	psi := 10 * c / (15 + 4*fnu)
	phi := (1 + 2.0/5.0*fnu) * psi

	k := s.k
	kt := k * tau
	dG := -2 * psi * (1 + kt*kt/6)
	th := k * k * tau / 2 * psi
	sigUr := kt * kt / 15 * psi

	y[l.phi] = phi
	y[l.deltaG] = dG
	y[l.thetaG] = th
	y[l.deltaB] = 0.75 * dG
	y[l.thetaB] = th
	y[l.deltaC] = 0.75 * dG
	y[l.thetaC] = th
	y[l.deltaUr] = dG
	y[l.thetaUr] = th
	y[l.furIdx(2)] = 2 * sigUr

	for si, basis := range s.sh.bg.Ncdm {
		for i, q := range basis.Q {
			eps := basis.Eps(i, p.a)
			d := basis.D[i]
			i0 := l.ncdmIdx(si, i, 0)
			y[i0] = -dG / 4 * d
			y[i0+1] = -eps / (3 * q * k) * th * d
			y[i0+2] = -sigUr / 2 * d
		}
	}

	if l.mod.dcdm {
		y[l.deltaDcdm] = 0.75 * dG
		y[l.thetaDcdm] = th
		// decay radiation builds up from nothing
	}
	// the fluid starts at rest; its decaying transient dies within an
	// e-fold of expansion
	return nil
}

// cdiICs sets a pure cold-dark-matter isocurvature mode: unit density
// contrast in the cdm, everything else unperturbed, with the metric
// from the superhorizon Poisson constraint.
func (s *kSystem) cdiICs(tau float64, y []float64) error {
	if err := s.eval(tau, y); err != nil {
		return err
	}
	p := &s.pt
	l := &s.lay

	amp := s.sh.cfg.Precision.EntropyIni
	y[l.deltaC] = amp

	// 3 aH (phi' + aH psi) + (k^2 - 3K) phi = -(3/2) a^2 drho with
	// phi' ~ 0 and psi = phi on superhorizon scales
	aH := p.aH
	denom := 3*aH*aH + s.k2 - 3*s.sh.curvK
	y[l.phi] = -1.5 * p.a2 * p.rhoC * amp / denom
	return nil
}

func (s *kSystem) initialConditions(tau float64, y []float64) error {
	switch s.sh.cfg.Output.IC {
	case "", "ad":
		return s.adiabaticICs(tau, y)
	case "cdi":
		return s.cdiICs(tau, y)
	default:
		return errors.Errorf(errors.ConfigurationError,
			"unknown initial condition %q", s.sh.cfg.Output.IC)
	}
}

// matchState carries y across a scheme switch. Blocks present on both
// sides copy over; a hierarchy opening up is seeded from the
// tight-coupling expansion, and a block being dropped just vanishes.
// The old system must have been evaluated at the switch time so its
// point holds tau_c.
func matchState(old *kSystem, yOld []float64, nw *kSystem, yNew []float64) {
	lo, ln := &old.lay, &nw.lay

	yNew[ln.phi] = yOld[lo.phi]
	yNew[ln.deltaB] = yOld[lo.deltaB]
	yNew[ln.thetaB] = yOld[lo.thetaB]
	yNew[ln.deltaC] = yOld[lo.deltaC]
	yNew[ln.thetaC] = yOld[lo.thetaC]

	if ln.deltaG >= 0 && lo.deltaG >= 0 {
		yNew[ln.deltaG] = yOld[lo.deltaG]
		yNew[ln.thetaG] = yOld[lo.thetaG]
		switch {
		case lo.sch.tca && !ln.sch.tca:
			// leaving tight coupling: first-order moments seed the
			// hierarchy
			sg := 16.0 / 45.0 * old.pt.tauC * yOld[lo.thetaG]
			f3 := 6.0 / 7.0 * old.k * old.pt.tauC * sg
			yNew[ln.fgIdx(2)] = 2 * sg
			yNew[ln.fgIdx(3)] = f3
			yNew[ln.ggIdx(0)] = 2.5 * sg
			yNew[ln.ggIdx(1)] = 7.0 / 12.0 * f3
			yNew[ln.ggIdx(2)] = 0.5 * sg
			yNew[ln.ggIdx(3)] = 0.25 * f3
		case !lo.sch.tca && !ln.sch.tca:
			for el := 2; el <= ln.mod.lmaxG; el++ {
				yNew[ln.fgIdx(el)] = yOld[lo.fgIdx(el)]
			}
			for el := 0; el <= ln.mod.lmaxPol; el++ {
				yNew[ln.ggIdx(el)] = yOld[lo.ggIdx(el)]
			}
		}

		yNew[ln.deltaUr] = yOld[lo.deltaUr]
		yNew[ln.thetaUr] = yOld[lo.thetaUr]
		n := ln.furN
		if lo.furN < n {
			n = lo.furN
		}
		for j := 0; j < n; j++ {
			yNew[ln.fur+j] = yOld[lo.fur+j]
		}
	}

	if ln.ncdm >= 0 {
		nc := ln.mod.nNcdm * ln.mod.nq * (ln.mod.lmaxNcdm + 1)
		copy(yNew[ln.ncdm:ln.ncdm+nc], yOld[lo.ncdm:lo.ncdm+nc])
	}
	if ln.mod.dcdm {
		yNew[ln.deltaDcdm] = yOld[lo.deltaDcdm]
		yNew[ln.thetaDcdm] = yOld[lo.thetaDcdm]
		for el := 0; el <= ln.mod.lmaxDr; el++ {
			yNew[ln.drIdx(el)] = yOld[lo.drIdx(el)]
		}
	}
	if ln.mod.fld {
		yNew[ln.deltaFld] = yOld[lo.deltaFld]
		yNew[ln.thetaFld] = yOld[lo.thetaFld]
	}
}
