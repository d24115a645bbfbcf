package thermo

import (
	"context"
	stderrors "errors"
	"math"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/evolver"
	"boltz/internal/params"
	"boltz/internal/units"
)

// RecombinationProvider computes the free electron fraction
// x_e = n_e/n_H and the baryon temperature [K] on a descending
// redshift grid. Reionization is layered on top by the thermodynamics
// solver, so providers only model the primordial plasma.
type RecombinationProvider interface {
	Name() string
	Compute(ctx context.Context, bg *background.Background, cfg *params.Config, z, xe, tb []float64) error
}

// Atomic transition wavenumbers [1/m].
const (
	waveHIon    = 1.096787737e7
	waveHAlpha  = 8.225916453e6
	waveHeIIon  = 1.98310772e7
	waveHeIIIon = 4.389088863e7

	// Hydrogen 2s -> 1s two-photon decay rate, 1/s.
	lambda2Gamma = 8.2245809
)

// Case-B recombination fit alpha_B = F 1e-19 a t^b / (1 + c t^d)
// m^3/s with t = T/1e4 K (Pequignot et al 1991). F is the fudge that
// stands in for the full multilevel atom.
const (
	caseBFitA = 4.309
	caseBFitB = -0.6166
	caseBFitC = 0.6703
	caseBFitD = 0.5300
)

var (
	tempHIon    = units.PlanckH * units.SpeedOfLight * waveHIon / units.Boltzmann
	tempHAlpha  = units.PlanckH * units.SpeedOfLight * waveHAlpha / units.Boltzmann
	tempH2s     = tempHIon - tempHAlpha // ionization out of n=2
	tempHeIIon  = units.PlanckH * units.SpeedOfLight * waveHeIIon / units.Boltzmann
	tempHeIIIon = units.PlanckH * units.SpeedOfLight * waveHeIIIon / units.Boltzmann

	// (2 pi m_e k / h^2), so (sahaPrefactor T)^{3/2} is the thermal
	// electron phase space density in 1/m^3.
	sahaPrefactor = 2 * math.Pi * units.ElectronMass * units.Boltzmann /
		(units.PlanckH * units.PlanckH)

	// Compton heating coefficient 8 sigma_T a_r / (3 m_e c) in
	// 1/(s K^4).
	comptonCoeff = 8 * units.ThomsonSigma * (4 * units.StefanBoltzmann / units.SpeedOfLight) /
		(3 * units.ElectronMass * units.SpeedOfLight)

	lyAlphaCubed = math.Pow(1/waveHAlpha, 3)
)

// Regime boundaries of the equilibrium treatment.
const (
	zHeIIIFull   = 8000.0 // above: H, He fully stripped
	zHeIIISaha   = 5000.0 // above: HeIII Saha transition
	zHeIIFull    = 3500.0 // above: HeII and H fully ionized
	hSahaSwitch  = 0.985  // x_H below which Saha fails for hydrogen
	comptonRatio = 500.0  // coupling/expansion ratio locking Tb to Tgamma
)

func caseBAlpha(tm, fudge float64) float64 {
	t := tm / 1e4
	return fudge * 1e-19 * caseBFitA * math.Pow(t, caseBFitB) / (1 + caseBFitC*math.Pow(t, caseBFitD))
}

// sahaRHS returns g (2 pi m_e k T/h^2)^{3/2} exp(-chi/T) / n_H, the
// dimensionless right-hand side of a Saha equation normalized to the
// hydrogen density.
func sahaRHS(tgamma, chiTemp, g, nH float64) float64 {
	return g * math.Pow(sahaPrefactor*tgamma, 1.5) * math.Exp(-chiTemp/tgamma) / nH
}

// hSaha solves x_H^2/(1-x_H) = rhs, ignoring the helium electrons.
func hSaha(rhs float64) float64 {
	return 2 * rhs / (rhs + math.Sqrt(rhs*rhs+4*rhs))
}

// heIISaha solves the HeI Saha equilibrium for q = n_HeII/n_He with
// the hydrogen electrons folded into n_e = (x_H + fHe q) n_H.
func heIISaha(rhs, xH, fHe float64) float64 {
	s := xH + rhs
	return 2 * rhs / (s + math.Sqrt(s*s+4*fHe*rhs))
}

// heIIISaha returns the total x_e during the HeIII -> HeII transition,
// with hydrogen and HeII fully ionized.
func heIIISaha(rhs, fHe float64) float64 {
	d := rhs - 1 - fHe
	return 0.5 * (math.Sqrt(d*d+4*(1+2*fHe)*rhs) - d)
}

// Peebles is the built-in recombination solver: Saha equilibrium for
// helium and the hydrogen tail, then the effective three-level atom
// with the case-B fudge through hydrogen freeze-out. The matter
// temperature follows the photons while Compton coupling beats the
// expansion, and is integrated afterwards.
type Peebles struct{}

// Name implements RecombinationProvider.
func (Peebles) Name() string { return "peebles" }

var errStartTemp = stderrors.New("start temperature integration")

type peeblesSystem struct {
	bg       *background.Background
	cache    int
	fHe, nH0 float64
	tcmb     float64
	fudge    float64
	withTemp bool
}

func (s *peeblesSystem) Dim() int {
	if s.withTemp {
		return 2
	}
	return 1
}

// hubbleSI returns H in 1/s at redshift z.
func (s *peeblesSystem) hubbleSI(z float64) (float64, error) {
	tau, err := s.bg.TauOfZ(z)
	if err != nil {
		return 0, err
	}
	h, err := s.bg.Value(tau, s.bg.Cols().H, &s.cache)
	if err != nil {
		return 0, err
	}
	return h * units.SpeedOfLight / units.MpcInMeters, nil
}

func (s *peeblesSystem) Derivs(x float64, y, dy []float64) error {
	a := math.Exp(x)
	z := 1/a - 1
	if z < 0 {
		z = 0
	}
	tg := s.tcmb * (1 + z)
	tm := tg
	if s.withTemp {
		tm = y[1]
	}
	xH := y[0]
	if xH < 0 {
		xH = 0
	} else if xH > 1 {
		xH = 1
	}

	hSI, err := s.hubbleSI(z)
	if err != nil {
		return err
	}
	nH := s.nH0 / (a * a * a)

	q := heIISaha(sahaRHS(tg, tempHeIIon, 4, nH), xH, s.fHe)
	xe := xH + s.fHe*q

	down := caseBAlpha(tm, s.fudge)
	up := down * math.Pow(sahaPrefactor*tm, 1.5) * math.Exp(-tempH2s/tm)

	// Peebles C factor: probability that an n=2 atom reaches the
	// ground state before being reionized.
	kAlpha := lyAlphaCubed / (8 * math.Pi * hSI)
	n1s := (1 - xH) * nH
	c := (1 + kAlpha*lambda2Gamma*n1s) / (1 + kAlpha*(lambda2Gamma+up)*n1s)

	dy[0] = -(c / hSI) * (down*nH*xe*xH - up*(1-xH)*math.Exp(-tempHAlpha/tm))

	if s.withTemp {
		rate := comptonCoeff * tg * tg * tg * tg * xe / (1 + s.fHe + xe)
		dy[1] = -2*y[1] + (rate/hSI)*(tg-y[1])
	}
	return nil
}

// Compute implements RecombinationProvider on a strictly descending
// redshift grid ending at z = 0.
func (p Peebles) Compute(ctx context.Context, bg *background.Background, cfg *params.Config, z, xe, tb []float64) error {
	if err := ctx.Err(); err != nil {
		return errors.NewBoltzError(errors.InternalError, "recombination canceled", err).AtStage("thermo")
	}
	cos := &cfg.Cosmology
	fHe := units.HeliumNumberFraction(cos.YHe)
	nH0 := units.HydrogenNumberDensity(cos.OmegaB, cos.YHe)

	// Equilibrium sweep down to the hydrogen Saha breakdown.
	iODE := -1
	xHSwitch := 1.0
	for i, zi := range z {
		tg := cos.TCMB * (1 + zi)
		nH := nH0 * (1 + zi) * (1 + zi) * (1 + zi)
		switch {
		case zi > zHeIIIFull:
			xe[i] = 1 + 2*fHe
		case zi > zHeIIISaha:
			xe[i] = heIIISaha(sahaRHS(tg, tempHeIIIon, 1, nH), fHe)
		case zi > zHeIIFull:
			xe[i] = 1 + fHe
		default:
			xH := hSaha(sahaRHS(tg, tempHIon, 1, nH))
			q := heIISaha(sahaRHS(tg, tempHeIIon, 4, nH), xH, fHe)
			xe[i] = xH + fHe*q
			if xH < hSahaSwitch {
				iODE = i
				xHSwitch = xH
			}
		}
		tb[i] = tg
		if iODE >= 0 {
			break
		}
	}
	if iODE < 0 || iODE >= len(z)-1 {
		return errors.Errorf(errors.NonConvergence,
			"redshift grid ends at z = %g before hydrogen leaves equilibrium", z[len(z)-1]).AtStage("thermo")
	}

	sys := &peeblesSystem{bg: bg, fHe: fHe, nH0: nH0, tcmb: cos.TCMB, fudge: cfg.Precision.RecfastFudge}
	rk := evolver.NewRKCK(evolver.Options{AbsTol: 1e-12, RelTol: cfg.Precision.ThermoRTol, MaxSteps: 5_000_000})

	times := make([]float64, len(z)-iODE)
	for j, zi := range z[iODE:] {
		times[j] = math.Log(1 / (1 + zi))
	}

	// Hydrogen alone while the matter temperature tracks the photons.
	i := iODE
	iTemp := -1
	lastXH := xHSwitch
	outH := func(x float64, y []float64) error {
		a := math.Exp(x)
		zi := 1/a - 1
		if zi < 0 {
			zi = 0
		}
		tg := cos.TCMB * (1 + zi)
		xH := math.Max(0, math.Min(1, y[0]))
		lastXH = xH
		nH := nH0 / (a * a * a)
		q := heIISaha(sahaRHS(tg, tempHeIIon, 4, nH), xH, fHe)
		xe[i] = xH + fHe*q
		tb[i] = tg

		hSI, err := sys.hubbleSI(zi)
		if err != nil {
			return err
		}
		rate := comptonCoeff * tg * tg * tg * tg * xe[i] / (1 + fHe + xe[i])
		if rate < comptonRatio*hSI && i > iODE {
			iTemp = i
			return errStartTemp
		}
		i++
		return nil
	}

	y := []float64{xHSwitch}
	err := rk.Integrate(sys, times[0], 0, y, times, outH)
	switch {
	case err == nil:
		return nil // coupled to the photons all the way to z = 0
	case !stderrors.Is(err, errStartTemp):
		return errors.NewBoltzError(errors.NonConvergence, "hydrogen recombination integration failed", err).AtStage("thermo")
	}

	// Joint hydrogen and matter temperature integration below the
	// Compton lock.
	sys.withTemp = true
	outHT := func(x float64, y []float64) error {
		a := math.Exp(x)
		zi := 1/a - 1
		if zi < 0 {
			zi = 0
		}
		xH := math.Max(0, math.Min(1, y[0]))
		nH := nH0 / (a * a * a)
		tg := cos.TCMB * (1 + zi)
		q := heIISaha(sahaRHS(tg, tempHeIIon, 4, nH), xH, fHe)
		xe[i] = xH + fHe*q
		tb[i] = y[1]
		i++
		return nil
	}
	y = []float64{lastXH, cos.TCMB * (1 + z[iTemp])}
	i = iTemp
	if err := rk.Integrate(sys, times[iTemp-iODE], 0, y, times[iTemp-iODE:], outHT); err != nil {
		return errors.NewBoltzError(errors.NonConvergence, "matter temperature integration failed", err).AtStage("thermo")
	}
	return nil
}
