// Package nonlinear corrects the linear matter power spectrum with the
// halofit fitting procedure: Takahashi (2012) coefficients plus the
// Bird massive-neutrino terms. The corrector is a pure function of the
// linear table and the background; it owns no state of its own.
package nonlinear

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/integrate"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/spectra"
)

// Apply maps every redshift row of the linear table to its nonlinear
// counterpart. Rows whose nonlinear scale lies outside the tabulated
// range (high redshift, sigma(R) never reaches one) are kept linear
// with a warning, as the governing model does.
func Apply(bg *background.Background, lin *spectra.MatterTable, prec *params.PrecisionParams, logger *slog.Logger) (*spectra.MatterTable, error) {
	log := logging.Stage(logger, "nonlinear")

	kMax := lin.Ks[len(lin.Ks)-1]
	if kMax < prec.HalofitMinKMax {
		return nil, errors.Errorf(errors.ConfigurationError,
			"halofit needs the linear spectrum up to k = %g 1/Mpc, table ends at %g (raise k_max_pk)",
			prec.HalofitMinKMax, kMax)
	}

	fnu := 0.0
	if bg.Derived.OmegaM > 0 {
		fnu = bg.Derived.OmegaNcdm / bg.Derived.OmegaM
	}

	rows := make([][]float64, len(lin.Zs))
	for iz, z := range lin.Zs {
		row, ok, err := correctRow(bg, lin, iz, fnu, prec)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn("no nonlinear scale found, row kept linear",
				slog.Float64("z", z))
			row = append([]float64(nil), lin.P[iz]...)
		}
		rows[iz] = row
	}

	out, err := spectra.NewMatterTable(lin.Ks, lin.Zs, rows)
	if err != nil {
		return nil, err
	}
	log.Info("halofit applied",
		slog.Int("redshifts", len(lin.Zs)),
		slog.Float64("f_nu", fnu))
	return out, nil
}

// sigmaMoments integrates the Gaussian-filtered variance and its first
// two logarithmic R derivatives over the tabulated wavenumbers.
func sigmaMoments(lnk, d2 []float64, r float64) (s2, ds2, dds2 float64) {
	n := len(lnk)
	f0 := make([]float64, n)
	f1 := make([]float64, n)
	f2 := make([]float64, n)
	for i := range lnk {
		x := math.Exp(lnk[i]) * r
		x2 := x * x
		w := d2[i] * math.Exp(-x2)
		f0[i] = w
		f1[i] = -2 * x2 * w
		f2[i] = (4*x2*x2 - 4*x2) * w
	}
	s2 = integrate.Trapezoidal(lnk, f0)
	ds2 = integrate.Trapezoidal(lnk, f1)
	dds2 = integrate.Trapezoidal(lnk, f2)
	return s2, ds2, dds2
}

// correctRow runs the halofit procedure for one redshift. ok is false
// when sigma(R) stays below one over the whole search range.
func correctRow(bg *background.Background, lin *spectra.MatterTable, iz int, fnu float64, prec *params.PrecisionParams) ([]float64, bool, error) {
	ks := lin.Ks
	pk := lin.P[iz]
	z := lin.Zs[iz]

	// The sigma integrals run on their own log grid at the configured
	// density, resampled from the table through a spline in ln P.
	lnkTab := make([]float64, len(ks))
	lnD2Tab := make([]float64, len(ks))
	for i, k := range ks {
		lnkTab[i] = math.Log(k)
		lnD2Tab[i] = math.Log(k * k * k * pk[i] / (2 * math.Pi * math.Pi))
	}
	spl, err := interp.NewSpline(lnkTab, lnD2Tab, interp.EstimateBoundary)
	if err != nil {
		return nil, false, err
	}
	decades := (lnkTab[len(ks)-1] - lnkTab[0]) / math.Ln10
	n := int(decades*prec.HalofitKPerDecade) + 2
	lnk := make([]float64, n)
	d2 := make([]float64, n)
	var cache int
	for i := range lnk {
		lnk[i] = lnkTab[0] + (lnkTab[len(ks)-1]-lnkTab[0])*float64(i)/float64(n-1)
		v, err := spl.EvalCached(lnk[i], &cache)
		if err != nil {
			return nil, false, err
		}
		d2[i] = math.Exp(v)
	}

	// Nonlinear scale: sigma(1/kSigma) = 1, bisected in ln R. The
	// Gaussian window keeps the integral insensitive to the table's
	// k_max once R is above a few table spacings.
	lnRLo := math.Log(1e-4)
	lnRHi := math.Log(1e2)
	sLo, _, _ := sigmaMoments(lnk, d2, math.Exp(lnRLo))
	sHi, _, _ := sigmaMoments(lnk, d2, math.Exp(lnRHi))
	if sLo < 1 {
		return nil, false, nil
	}
	if sHi > 1 {
		return nil, false, errors.Errorf(errors.NonConvergence,
			"halofit sigma(R) exceeds unity at R = %g Mpc for z = %g", math.Exp(lnRHi), z).AtStage("nonlinear")
	}
	var rSigma, s2, ds2, dds2 float64
	for iter := 0; iter < 100; iter++ {
		lnR := 0.5 * (lnRLo + lnRHi)
		rSigma = math.Exp(lnR)
		s2, ds2, dds2 = sigmaMoments(lnk, d2, rSigma)
		if math.Abs(s2-1) < prec.HalofitSigmaPrecision {
			break
		}
		if s2 > 1 {
			lnRLo = lnR
		} else {
			lnRHi = lnR
		}
	}
	kSigma := 1 / rSigma

	d1 := ds2 / s2
	neff := -3 - d1
	cur := -(dds2/s2 - d1*d1)

	// Background quantities at this redshift.
	tau, err := bg.TauOfZ(z)
	if err != nil {
		return nil, false, err
	}
	cols := bg.Cols()
	buf := make([]float64, cols.N)
	var rowCache int
	if err := bg.Row(tau, buf, &rowCache); err != nil {
		return nil, false, err
	}
	hc := buf[cols.HConf]
	a := buf[cols.A]
	h2 := hc * hc / (a * a) // comoving H^2, equals total rho in these units
	rhoM := buf[cols.RhoB] + buf[cols.RhoCDM] + buf[cols.RhoDcdm]
	for _, j := range cols.RhoNcdm {
		rhoM += buf[j]
	}
	omegaM := rhoM / h2
	omegaV := buf[cols.RhoDE] / h2
	w := -1.0
	if buf[cols.RhoDE] != 0 {
		w = buf[cols.PDE] / buf[cols.RhoDE]
	}

	c := halofitCoeffs(neff, cur, omegaM, omegaV, w, fnu)

	out := make([]float64, len(ks))
	for i, k := range ks {
		y := k / kSigma
		dl := d2[i]

		// Bird quasi-linear enhancement of the massive-nu spectrum.
		dla := dl * (1 + fnu*47.48*k*k/(1+1.5*k*k))
		quasi := dl * math.Pow(1+dla, c.beta) / (1 + c.alpha*dla) *
			math.Exp(-y/4-y*y/8)

		halo := c.a * math.Pow(y, 3*c.f1) /
			(1 + c.b*math.Pow(y, c.f2) + math.Pow(c.f3*c.c*y, 3-c.gamma))
		halo = halo / (1 + c.mu/y + c.nu/(y*y)) * (1 + fnu*0.977)

		out[i] = (quasi + halo) * 2 * math.Pi * math.Pi / (k * k * k)
	}
	return out, true, nil
}

type coeffs struct {
	a, b, c, gamma, alpha, beta, mu, nu float64
	f1, f2, f3                          float64
}

// halofitCoeffs evaluates the Takahashi (2012) fitting coefficients,
// with the Bird correction entering beta. f1..f3 interpolate between
// the matter- and dark-energy-dominated forms by the density fractions.
func halofitCoeffs(n, c, omegaM, omegaV, w, fnu float64) coeffs {
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	ow := omegaV * (1 + w)

	k := coeffs{
		a:     math.Pow(10, 1.5222+2.8553*n+2.3706*n2+0.9903*n3+0.2250*n4-0.6038*c+0.1749*ow),
		b:     math.Pow(10, -0.5642+0.5864*n+0.5716*n2-1.5474*c+0.2279*ow),
		c:     math.Pow(10, 0.3698+2.0404*n+0.8161*n2+0.5869*c),
		gamma: 0.1971 - 0.0843*n + 0.8460*c,
		alpha: math.Abs(6.0835 + 1.3373*n - 0.1959*n2 - 5.5274*c),
		beta:  2.0379 - 0.7354*n + 0.3157*n2 + 1.2490*n3 + 0.3980*n4 - 0.1682*c + fnu*(1.081+0.395*n2),
		mu:    0,
		nu:    math.Pow(10, 5.2105+3.6902*n),
		f1:    1, f2: 1, f3: 1,
	}

	if math.Abs(1-omegaM) > 0.01 {
		f1a := math.Pow(omegaM, -0.0732)
		f2a := math.Pow(omegaM, -0.1423)
		f3a := math.Pow(omegaM, 0.0725)
		f1b := math.Pow(omegaM, -0.0307)
		f2b := math.Pow(omegaM, -0.0585)
		f3b := math.Pow(omegaM, 0.0743)
		frac := omegaV / (1 - omegaM)
		k.f1 = frac*f1b + (1-frac)*f1a
		k.f2 = frac*f2b + (1-frac)*f2a
		k.f3 = frac*f3b + (1-frac)*f3a
	}
	return k
}
