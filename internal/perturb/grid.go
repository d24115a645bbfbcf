package perturb

import (
	"math"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/params"
	"boltz/internal/thermo"
)

// Scheme switch labels, in the order they can occur.
const (
	swTCAOff = "tca_off"
	swUfaOn  = "ufa_on"
	swRSAOn  = "rsa_on"
)

// Switch records an approximation-scheme change applied while
// integrating one wavenumber.
type Switch struct {
	Tau  float64
	Name string
}

type switchPoint struct {
	tau  float64
	name string
}

// BAO wiggles sit below this wavenumber; the matter-power tail keeps
// the denser log sampling until past them.
const baoKMax = 0.6

// Grid builds the wavenumber list: near-linear steps tied to the sound
// horizon at recombination through the acoustic range, then
// logarithmic steps for the matter power tail.
func Grid(bg *background.Background, th *thermo.Thermo, cfg *params.Config) []float64 {
	p := &cfg.Precision
	tau0 := bg.Derived.TauToday
	kRec := 2 * math.Pi / th.Derived.RsRec

	kMin := p.KMinTau0 / tau0
	if K := bg.CurvatureK(); K > 0 {
		// closed models have no scalar modes below the first
		// eigenvalue
		kMin = math.Max(kMin, math.Sqrt(8*K))
	} else if K < 0 {
		kMin = math.Max(kMin, 1.1*math.Sqrt(-K))
	}

	kMaxCl := 0.0
	out := &cfg.Output
	if out.Temperature || out.Polarization || out.LensingPotential {
		kMaxCl = p.KMaxTau0OverLMax * float64(out.LMax) / tau0
	}
	kMax := kMaxCl
	if out.MatterPower && out.KMax > kMax {
		kMax = out.KMax
	}
	if kMax < 10*kMin {
		kMax = 10 * kMin
	}

	ks := []float64{kMin}
	k := kMin
	for k < kMaxCl {
		blend := 0.5 * (math.Tanh((k-kRec)/(kRec*p.KStepTransition)) + 1)
		step := p.KStepSuper + blend*(p.KStepSub-p.KStepSuper)
		k += step * kRec
		ks = append(ks, k)
	}
	for k < kMax {
		perDecade := p.KPerDecadeForPk
		if k < baoKMax {
			perDecade = p.KPerDecadeForBao
		}
		k *= math.Pow(10, 1/perDecade)
		ks = append(ks, k)
	}
	return ks
}

// SampleTimes builds the conformal-time grid on which sources are
// recorded: from the rise of the visibility function to today, with a
// step following the faster of the expansion and scattering rates.
func SampleTimes(bg *background.Background, th *thermo.Thermo, cfg *params.Config) ([]float64, error) {
	tab := th.Table()
	grid := tab.Grid()
	gCol := tab.Column(th.Cols().G)

	gMax := 0.0
	for _, g := range gCol {
		if g > gMax {
			gMax = g
		}
	}
	start := grid[0]
	thresh := cfg.Precision.VisibilityThresh * gMax
	for i, g := range gCol {
		if g >= thresh {
			start = grid[i]
			break
		}
	}

	tau0 := bg.Derived.TauToday
	bc, tc := bg.Cols(), th.Cols()
	var bgc, thc int
	taus := []float64{}
	tau := start
	for tau < tau0 {
		taus = append(taus, tau)
		aH, err := bg.Value(tau, bc.HConf, &bgc)
		if err != nil {
			return nil, err
		}
		kp, err := th.Value(tau, tc.DKappa, &thc)
		if err != nil {
			return nil, err
		}
		tau += cfg.Precision.PerturbSamplingStepsize / math.Sqrt(aH*kp+aH*aH)
	}
	if n := len(taus); tau0-taus[n-1] < 1e-9*tau0 {
		taus[n-1] = tau0
	} else {
		taus = append(taus, tau0)
	}
	return taus, nil
}

// scanGrid carries coarse samples of the expansion and scattering
// rates on the thermal grid, shared read-only across wavenumber
// workers for cheap trigger scans.
type scanGrid struct {
	tau, aH, kp []float64
}

func newScanGrid(bg *background.Background, th *thermo.Thermo) (*scanGrid, error) {
	grid := th.Table().Grid()
	g := &scanGrid{
		tau: grid,
		aH:  make([]float64, len(grid)),
		kp:  th.Table().Column(th.Cols().DKappa),
	}
	col := bg.Cols().HConf
	var cache int
	for i, tau := range grid {
		v, err := bg.Value(tau, col, &cache)
		if err != nil {
			return nil, err
		}
		g.aH[i] = v
	}
	return g, nil
}

// firstAbove returns the first grid index at or after lo whose
// indicator is nonnegative, or -1 if the condition never triggers.
func (g *scanGrid) firstAbove(lo float64, ind func(tau, aH, kp float64) float64) int {
	for i, tau := range g.tau {
		if tau < lo {
			continue
		}
		if ind(tau, g.aH[i], g.kp[i]) >= 0 {
			return i
		}
	}
	return -1
}

// refineCrossing bisects (lo, hi] down to the first time the indicator
// turns nonnegative. The indicator must be continuous and negative at
// lo.
func (sh *shared) refineCrossing(lo, hi float64, ind func(tau, aH, kp float64) float64) (float64, error) {
	bc, tc := sh.bg.Cols(), sh.th.Cols()
	var bgc, thc int
	for i := 0; i < 64 && hi-lo > 1e-10*hi; i++ {
		mid := 0.5 * (lo + hi)
		aH, err := sh.bg.Value(mid, bc.HConf, &bgc)
		if err != nil {
			return 0, err
		}
		kp, err := sh.th.Value(mid, tc.DKappa, &thc)
		if err != nil {
			return 0, err
		}
		if ind(mid, aH, kp) >= 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

// findCrossing locates the first tau > lo where ind crosses zero from
// below, scanning coarsely and refining by bisection.
func (sh *shared) findCrossing(lo float64, ind func(tau, aH, kp float64) float64) (float64, bool, error) {
	i := sh.scan.firstAbove(lo, ind)
	if i < 0 {
		return 0, false, nil
	}
	left := lo
	if i > 0 && sh.scan.tau[i-1] > left {
		left = sh.scan.tau[i-1]
	}
	if i == 0 || left >= sh.scan.tau[i] {
		return sh.scan.tau[i], true, nil
	}
	tau, err := sh.refineCrossing(left, sh.scan.tau[i], ind)
	if err != nil {
		return 0, false, err
	}
	return tau, true, nil
}

// startTime picks the integration start for mode k: deep enough in
// radiation domination, comfortably outside the horizon, and still
// tightly coupled.
func (sh *shared) startTime(k float64) (float64, error) {
	p := &sh.cfg.Precision

	zRad := 300*(1+sh.bg.Derived.ZEq) - 1
	tau, err := sh.bg.TauOfZ(zRad)
	if err != nil {
		return 0, err
	}

	horizon := p.StartLargeKAtTauHOverTauK
	tHor, ok, err := sh.findCrossing(0, func(_, aH, _ float64) float64 {
		return k/aH - horizon
	})
	if err != nil {
		return 0, err
	}
	if ok && tHor < tau {
		tau = tHor
	}

	coupling := p.StartSmallKAtTauCOverTauH
	tCoup, ok, err := sh.findCrossing(0, func(_, aH, kp float64) float64 {
		return aH/kp - coupling
	})
	if err != nil {
		return 0, err
	}
	if ok && tCoup < tau {
		tau = tCoup
	}

	if floor := 1.05 * sh.th.TauMin(); tau < floor {
		tau = floor
	}
	if k*tau > 0.5 {
		return 0, errors.Errorf(errors.ConfigurationError,
			"mode k=%g 1/Mpc enters the horizon before the thermal history begins; raise thermo_z_start", k).
			AtWavenumber(k)
	}
	return tau, nil
}

// findSwitches returns the scheme changes for mode k in time order.
// All triggers are one-way: only the first crossing counts, so the
// reionization dip in the scattering rate cannot re-enable a dropped
// hierarchy.
func (sh *shared) findSwitches(k, tauIni float64) ([]switchPoint, error) {
	p := &sh.cfg.Precision
	var sw []switchPoint

	cH, cK := p.TightCouplingTauCOverTauH, p.TightCouplingTauCOverTauK
	tcaInd := func(_, aH, kp float64) float64 {
		a := aH / kp / cH
		if b := k / kp / cK; b > a {
			a = b
		}
		return a - 1
	}
	tauTCA, ok, err := sh.findCrossing(tauIni, tcaInd)
	if err != nil {
		return nil, err
	}
	if ok && tauTCA < sh.tau0 {
		sw = append(sw, switchPoint{tauTCA, swTCAOff})
	}

	if tauUfa := p.UrFluidTauOverTauK / k; tauUfa < sh.tau0 {
		if tauUfa < tauIni {
			tauUfa = tauIni
		}
		sw = append(sw, switchPoint{tauUfa, swUfaOn})
	}

	tauRSA := math.Inf(1)
	if tauA := p.RadStreamingTauOverTauK / k; tauA < sh.tau0 {
		cT := p.RadStreamingTauCOverTau
		tau, ok, err := sh.findCrossing(tauA, func(tau, _, kp float64) float64 {
			return 1/(kp*tau)/cT - 1
		})
		if err != nil {
			return nil, err
		}
		if ok && tau < sh.tau0 {
			tauRSA = tau
			sw = append(sw, switchPoint{tau, swRSAOn})
		}
	}

	// streaming drops the relativistic blocks wholesale, so a fluid
	// switch scheduled after it is moot
	out := sw[:0]
	for _, s := range sw {
		if s.name == swUfaOn && s.tau >= tauRSA {
			continue
		}
		out = append(out, s)
	}
	sw = out

	for i := 1; i < len(sw); i++ {
		for j := i; j > 0 && sw[j].tau < sw[j-1].tau; j-- {
			sw[j], sw[j-1] = sw[j-1], sw[j]
		}
	}
	return sw, nil
}
