package perturb

import (
	"boltz/internal/linalg"
)

// point is the snapshot shared between the right-hand side and the
// source recorder: background and thermodynamics at tau, the species
// moments as the metric sees them, and the constraint solution.
type point struct {
	a, a2       float64
	aH, aHPrime float64

	kappaP, dKappaP float64 // kappa', kappa''; kappa'' only under tight coupling
	tauC, cb2       float64

	rhoG, rhoB, rhoC, rhoUr float64
	rhoDcdm, rhoDr          float64
	rhoFld, pFld            float64

	deltaG, thetaG, sigmaG, pi float64
	deltaUr, thetaUr, sigmaUr  float64

	rpTheta, rpShear float64
	psi, phiPrime    float64
}

// kSystem is the Einstein-Boltzmann right-hand side for one wavenumber
// under one approximation scheme. It implements
// evolver.PatternedSystem, so the implicit integrator factors only the
// declared sparsity.
type kSystem struct {
	k, k2 float64
	lay   layout
	sh    *shared
	pat   *linalg.Sparse

	bgRow, thRow     []float64
	bgCache, thCache int
	dy               []float64 // scratch for source recording

	pt point
}

func newKSystem(k float64, sh *shared, sch scheme) *kSystem {
	lay := newLayout(sh.mod, sch)
	return &kSystem{
		k:     k,
		k2:    k * k,
		lay:   lay,
		sh:    sh,
		pat:   lay.jacobianPattern(),
		bgRow: make([]float64, sh.bc.N),
		thRow: make([]float64, sh.tc.N),
		dy:    make([]float64, lay.n),
	}
}

func (s *kSystem) Dim() int                        { return s.lay.n }
func (s *kSystem) JacobianPattern() *linalg.Sparse { return s.pat }

// eval refreshes the point at (tau, y): tables, species moments, and
// the two Einstein constraints. Under radiation streaming the metric
// is closed over the non-streaming species, and the algebraic photon
// and ur moments are filled afterwards from the metric itself.
func (s *kSystem) eval(tau float64, y []float64) error {
	p := &s.pt
	l := &s.lay
	sh := s.sh
	if err := sh.bg.Row(tau, s.bgRow, &s.bgCache); err != nil {
		return err
	}
	if err := sh.th.Row(tau, s.thRow, &s.thCache); err != nil {
		return err
	}
	bc, tc := &sh.bc, &sh.tc

	p.a = s.bgRow[bc.A]
	p.a2 = p.a * p.a
	p.aH = s.bgRow[bc.HConf]
	p.aHPrime = s.bgRow[bc.HConfPrime]
	p.rhoG = s.bgRow[bc.RhoG]
	p.rhoB = s.bgRow[bc.RhoB]
	p.rhoC = s.bgRow[bc.RhoCDM]
	p.rhoUr = s.bgRow[bc.RhoUr]
	p.rhoFld = s.bgRow[bc.RhoDE]
	p.pFld = s.bgRow[bc.PDE]
	if l.mod.dcdm {
		p.rhoDcdm = s.bgRow[bc.RhoDcdm]
		p.rhoDr = s.bgRow[bc.RhoDr]
	}

	p.kappaP = s.thRow[tc.DKappa]
	p.tauC = 1 / p.kappaP
	p.cb2 = s.thRow[tc.Cb2]
	if l.sch.tca {
		d2k, err := sh.th.Deriv(tau, tc.DKappa, &s.thCache)
		if err != nil {
			return err
		}
		p.dKappaP = d2k
	}

	rpTheta := p.rhoB*y[l.thetaB] + p.rhoC*y[l.thetaC]
	rpShear := 0.0

	switch {
	case l.sch.rsa:
		p.sigmaG = 0
		p.pi = 0
	case l.sch.tca:
		p.deltaG = y[l.deltaG]
		p.thetaG = y[l.thetaG]
		p.sigmaG = 16.0 / 45.0 * p.tauC * p.thetaG
		p.pi = 5 * p.sigmaG
	default:
		p.deltaG = y[l.deltaG]
		p.thetaG = y[l.thetaG]
		f2 := y[l.fgIdx(2)]
		p.sigmaG = f2 / 2
		p.pi = f2 + y[l.ggIdx(0)] + y[l.ggIdx(2)]
	}

	if !l.sch.rsa {
		p.deltaUr = y[l.deltaUr]
		p.thetaUr = y[l.thetaUr]
		p.sigmaUr = y[l.furIdx(2)] / 2
		rpTheta += 4.0 / 3.0 * (p.rhoG*p.thetaG + p.rhoUr*p.thetaUr)
		rpShear += 4.0 / 3.0 * (p.rhoG*p.sigmaG + p.rhoUr*p.sigmaUr)
	}

	a4 := p.a2 * p.a2
	for si, basis := range sh.bg.Ncdm {
		fac := basis.Factor() / a4
		var sTh, sSh float64
		for i, q := range basis.Q {
			eps := basis.Eps(i, p.a)
			q3 := q * q * q
			sTh += basis.W[i] * q3 * y[l.ncdmIdx(si, i, 1)]
			sSh += basis.W[i] * q3 * q / eps * y[l.ncdmIdx(si, i, 2)]
		}
		rpTheta += fac * s.k * sTh
		rpShear += 2.0 / 3.0 * fac * sSh
	}

	if l.mod.dcdm {
		rpTheta += p.rhoDcdm * y[l.thetaDcdm]
		rpTheta += s.k * y[l.drIdx(1)] / a4
		rpShear += 2.0 / 3.0 * y[l.drIdx(2)] / a4
	}
	if l.mod.fld {
		w := p.pFld / p.rhoFld
		rpTheta += (1 + w) * p.rhoFld * y[l.thetaFld]
	}
	p.rpTheta = rpTheta
	p.rpShear = rpShear

	p.psi = y[l.phi] - 4.5*p.a2/(s.k2-3*sh.curvK)*rpShear
	p.phiPrime = -p.aH*p.psi + 1.5*p.a2/s.k2*rpTheta

	if l.sch.rsa {
		p.deltaG = -4 * p.psi
		p.thetaG = 6 * p.phiPrime
		p.deltaUr = p.deltaG
		p.thetaUr = p.thetaG
		p.sigmaUr = 0
	}
	return nil
}

func (s *kSystem) Derivs(tau float64, y, dy []float64) error {
	if err := s.eval(tau, y); err != nil {
		return err
	}
	p := &s.pt
	l := &s.lay
	k, k2 := s.k, s.k2
	aH, psi, phiP := p.aH, p.psi, p.phiPrime

	dy[l.phi] = phiP
	dy[l.deltaB] = -y[l.thetaB] + 3*phiP
	dy[l.deltaC] = -y[l.thetaC] + 3*phiP
	dy[l.thetaC] = -aH*y[l.thetaC] + k2*psi

	R := 4 * p.rhoG / (3 * p.rhoB)
	if l.sch.tca {
		s.tcaVelocities(y, dy, R)
	} else {
		dy[l.thetaB] = -aH*y[l.thetaB] + p.cb2*k2*y[l.deltaB] + k2*psi +
			R*p.kappaP*(p.thetaG-y[l.thetaB])
	}

	if !l.sch.rsa {
		dy[l.deltaG] = -4.0/3.0*p.thetaG + 4*phiP
		if !l.sch.tca {
			dy[l.thetaG] = k2*(p.deltaG/4-p.sigmaG) + k2*psi + p.kappaP*(y[l.thetaB]-p.thetaG)
			s.photonHierarchy(tau, y, dy)
		}
		dy[l.deltaUr] = -4.0/3.0*p.thetaUr + 4*phiP
		dy[l.thetaUr] = k2*(p.deltaUr/4-p.sigmaUr) + k2*psi
		if l.sch.ufa {
			// truncation applied directly at l = 2: the hierarchy
			// collapses onto the free-streaming recursion
			dy[l.furIdx(2)] = 4.0/3.0*p.thetaUr - 3/tau*y[l.furIdx(2)]
		} else {
			lm := l.mod.lmaxUr
			dy[l.furIdx(2)] = 8.0/15.0*p.thetaUr - 3.0/5.0*k*y[l.furIdx(3)]
			for el := 3; el < lm; el++ {
				dy[l.furIdx(el)] = k / float64(2*el+1) *
					(float64(el)*y[l.furIdx(el-1)] - float64(el+1)*y[l.furIdx(el+1)])
			}
			dy[l.furIdx(lm)] = k*y[l.furIdx(lm-1)] - float64(lm+1)/tau*y[l.furIdx(lm)]
		}
	}

	for si, basis := range s.sh.bg.Ncdm {
		lm := l.mod.lmaxNcdm
		for i, q := range basis.Q {
			eps := basis.Eps(i, p.a)
			v := q * k / eps
			d := basis.D[i]
			i0 := l.ncdmIdx(si, i, 0)
			dy[i0] = -v*y[i0+1] - phiP*d
			dy[i0+1] = v/3*(y[i0]-2*y[i0+2]) - eps*k/(3*q)*psi*d
			for el := 2; el < lm; el++ {
				dy[i0+el] = v / float64(2*el+1) *
					(float64(el)*y[i0+el-1] - float64(el+1)*y[i0+el+1])
			}
			dy[i0+lm] = v*y[i0+lm-1] - float64(lm+1)/tau*y[i0+lm]
		}
	}

	if l.mod.dcdm {
		aGamma := p.a * s.sh.gamma
		dy[l.deltaDcdm] = -y[l.thetaDcdm] + 3*phiP - aGamma*psi
		dy[l.thetaDcdm] = -aH*y[l.thetaDcdm] + k2*psi

		// F_dr_l carries a^4 rho_dr, so the decay feed is regular even
		// while rho_dr builds up from zero.
		a4 := p.a2 * p.a2
		amp := a4 * p.rhoDr
		feed := a4 * aGamma * p.rhoDcdm
		r := l.fdr
		lm := l.mod.lmaxDr
		dy[r] = -k*y[r+1] + 4*phiP*amp + feed*(y[l.deltaDcdm]+psi)
		dy[r+1] = k/3*(y[r]-2*y[r+2]) + 4.0/3.0*k*psi*amp + feed*4*y[l.thetaDcdm]/(3*k)
		dy[r+2] = k / 5 * (2*y[r+1] - 3*y[r+3])
		for el := 3; el < lm; el++ {
			dy[r+el] = k / float64(2*el+1) *
				(float64(el)*y[r+el-1] - float64(el+1)*y[r+el+1])
		}
		dy[r+lm] = k*y[r+lm-1] - float64(lm+1)/tau*y[r+lm]
	}

	if l.mod.fld {
		w := p.pFld / p.rhoFld
		ca2 := w + s.sh.wa*p.a/(3*(1+w))
		cs2 := s.sh.cs2
		dF, tF := y[l.deltaFld], y[l.thetaFld]
		dy[l.deltaFld] = -(1+w)*(tF-3*phiP) - 3*aH*(cs2-w)*dF -
			9*aH*aH*(1+w)*(cs2-ca2)*tF/k2
		dy[l.thetaFld] = -aH*(1-3*cs2)*tF + cs2*k2*dF/(1+w) + k2*psi
	}
	return nil
}

// tcaVelocities fills theta_b' and theta_g' to first order in tau_c.
// The slip keeps the a''/a term, and theta_g' is recovered from the
// exact baryon equation so the pair stays consistent through the drag.
func (s *kSystem) tcaVelocities(y, dy []float64, R float64) {
	p := &s.pt
	l := &s.lay
	k2 := s.k2
	aH := p.aH

	thB, thG := y[l.thetaB], y[l.thetaG]
	dB, dG := y[l.deltaB], y[l.deltaG]
	tauC := p.tauC
	tauCP := -p.dKappaP * tauC * tauC
	appa := p.aHPrime + aH*aH // a''/a

	dBP := -thB + 3*p.phiPrime
	dGP := -4.0/3.0*thG + 4*p.phiPrime
	slip := (tauCP/tauC+2*R*aH/(1+R))*(thB-thG) +
		tauC/(1+R)*(-appa*thB-aH*k2*(dG/2+p.psi)+k2*(p.cb2*dBP-dGP/4))

	dy[l.thetaB] = (-aH*thB+p.cb2*k2*dB+k2*R*(dG/4-p.sigmaG)+R*slip)/(1+R) + k2*p.psi
	dy[l.thetaG] = k2*(dG/4-p.sigmaG) + k2*p.psi -
		(dy[l.thetaB]+aH*thB-p.cb2*k2*dB-k2*p.psi)/R
}

func (s *kSystem) photonHierarchy(tau float64, y, dy []float64) {
	l := &s.lay
	p := &s.pt
	k, kp := s.k, p.kappaP

	lm := l.mod.lmaxG
	f2 := y[l.fgIdx(2)]
	dy[l.fgIdx(2)] = 8.0/15.0*p.thetaG - 3.0/5.0*k*y[l.fgIdx(3)] - kp*(f2-p.pi/10)
	for el := 3; el < lm; el++ {
		dy[l.fgIdx(el)] = k/float64(2*el+1)*
			(float64(el)*y[l.fgIdx(el-1)]-float64(el+1)*y[l.fgIdx(el+1)]) - kp*y[l.fgIdx(el)]
	}
	dy[l.fgIdx(lm)] = k*y[l.fgIdx(lm-1)] - (float64(lm+1)/tau+kp)*y[l.fgIdx(lm)]

	pm := l.mod.lmaxPol
	g0, g1, g2 := y[l.ggIdx(0)], y[l.ggIdx(1)], y[l.ggIdx(2)]
	dy[l.ggIdx(0)] = -k*g1 + kp*(p.pi/2-g0)
	dy[l.ggIdx(1)] = k/3*(g0-2*g2) - kp*g1
	dy[l.ggIdx(2)] = k/5*(2*g1-3*y[l.ggIdx(3)]) + kp*(p.pi/10-g2)
	for el := 3; el < pm; el++ {
		dy[l.ggIdx(el)] = k/float64(2*el+1)*
			(float64(el)*y[l.ggIdx(el-1)]-float64(el+1)*y[l.ggIdx(el+1)]) - kp*y[l.ggIdx(el)]
	}
	dy[l.ggIdx(pm)] = k*y[l.ggIdx(pm-1)] - (float64(pm+1)/tau+kp)*y[l.ggIdx(pm)]
}

// psiPrime assembles d psi / d tau from the shear derivatives. dy must
// hold the derivatives from the same (tau, y) as the last eval.
func (s *kSystem) psiPrime(y, dy []float64) float64 {
	p := &s.pt
	l := &s.lay

	var dsum float64
	if !l.sch.rsa {
		var sgP float64
		if l.sch.tca {
			tauCP := -p.dKappaP * p.tauC * p.tauC
			sgP = 16.0 / 45.0 * (tauCP*p.thetaG + p.tauC*dy[l.thetaG])
		} else {
			sgP = dy[l.fgIdx(2)] / 2
		}
		dsum += 4.0 / 3.0 * p.rhoG * (sgP - 4*p.aH*p.sigmaG)
		suP := dy[l.furIdx(2)] / 2
		dsum += 4.0 / 3.0 * p.rhoUr * (suP - 4*p.aH*p.sigmaUr)
	}
	a4 := p.a2 * p.a2
	for si, basis := range s.sh.bg.Ncdm {
		fac := basis.Factor() / a4
		y2 := basis.Y(p.a) * basis.Y(p.a)
		var s2, s2p float64
		for i, q := range basis.Q {
			eps := basis.Eps(i, p.a)
			q4 := q * q * q * q
			i2 := l.ncdmIdx(si, i, 2)
			epsP := p.aH * y2 / eps
			s2 += basis.W[i] * q4 / eps * y[i2]
			s2p += basis.W[i] * q4 * (dy[i2]/eps - y[i2]*epsP/(eps*eps))
		}
		dsum += 2.0 / 3.0 * fac * (s2p - 4*p.aH*s2)
	}
	if l.mod.dcdm {
		dsum += 2.0 / 3.0 * (dy[l.drIdx(2)] - 4*p.aH*y[l.drIdx(2)]) / a4
	}
	return p.phiPrime - 4.5*p.a2/(s.k2-3*s.sh.curvK)*(2*p.aH*p.rpShear+dsum)
}

// record evaluates every requested source function at tau into row
// `row` of res. It recomputes the derivatives so the Sachs-Wolfe
// integrand can use psi'.
func (s *kSystem) record(tau float64, y []float64, res *kResult, row int) error {
	if err := s.Derivs(tau, y, s.dy); err != nil {
		return err
	}
	p := &s.pt
	l := &s.lay
	g := s.thRow[s.sh.tc.G]
	emk := s.thRow[s.sh.tc.ExpMKappa]

	if res.have[KindT0] {
		psiP := s.psiPrime(y, s.dy)
		res.s[KindT0][row] = g*(p.deltaG/4+p.psi) + emk*(p.phiPrime+psiP)
	}
	if res.have[KindT1] {
		res.s[KindT1][row] = g * y[l.thetaB] / s.k
	}
	if res.have[KindT2] {
		res.s[KindT2][row] = g * p.pi / 2
	}
	if res.have[KindE] {
		res.s[KindE][row] = 0.75 * g * p.pi
	}
	if res.have[KindLens] {
		res.s[KindLens][row] = emk * (y[l.phi] + p.psi)
	}
	if res.have[KindDeltaM] {
		s.recordMatter(y, res, row)
	}
	return nil
}

// recordMatter writes the comoving-gauge matter contrasts. The cb
// variant leaves the massive neutrinos out, matching what collapse
// fits use as the clustering component.
func (s *kSystem) recordMatter(y []float64, res *kResult, row int) {
	p := &s.pt
	l := &s.lay
	k2 := s.k2

	rho := p.rhoB + p.rhoC
	dRho := p.rhoB*y[l.deltaB] + p.rhoC*y[l.deltaC]
	rp := rho
	rpTh := p.rhoB*y[l.thetaB] + p.rhoC*y[l.thetaC]
	if l.mod.dcdm {
		rho += p.rhoDcdm
		dRho += p.rhoDcdm * y[l.deltaDcdm]
		rp += p.rhoDcdm
		rpTh += p.rhoDcdm * y[l.thetaDcdm]
	}
	if res.have[KindDeltaCb] {
		res.s[KindDeltaCb][row] = dRho/rho + 3*p.aH*(rpTh/rp)/k2
	}

	a4 := p.a2 * p.a2
	for si, basis := range s.sh.bg.Ncdm {
		fac := basis.Factor() / a4
		var s0, sTh float64
		for i, q := range basis.Q {
			eps := basis.Eps(i, p.a)
			q2 := q * q
			s0 += basis.W[i] * q2 * eps * y[l.ncdmIdx(si, i, 0)]
			sTh += basis.W[i] * q2 * q * y[l.ncdmIdx(si, i, 1)]
		}
		rho += s.bgRow[s.sh.bc.RhoNcdm[si]]
		dRho += fac * s0
		rp += s.bgRow[s.sh.bc.RhoNcdm[si]] + s.bgRow[s.sh.bc.PNcdm[si]]
		rpTh += fac * s.k * sTh
	}
	res.s[KindDeltaM][row] = dRho/rho + 3*p.aH*(rpTh/rp)/k2
}
