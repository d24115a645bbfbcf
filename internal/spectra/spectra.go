// Package spectra turns transfer functions and source tables into the
// observable power spectra: angular C_l for temperature, polarization
// and the lensing potential, and the linear matter power P(k, z). The
// C_l quadrature runs over the projection wavenumber grid in d ln k;
// the sparse multipole list is splined onto every integer l.
package spectra

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"

	"boltz/internal/background"
	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/logging"
	"boltz/internal/params"
	"boltz/internal/perturb"
	"boltz/internal/transfer"
)

// Spectra holds every assembled observable of a run. Cl slices are
// indexed by the integer multipole up to LMax with the l < 2 entries
// left zero; slices are nil when the output was not requested. The
// C_l carry (delta T / T) normalization; detector units are applied
// at output time.
type Spectra struct {
	LMax int

	TT     []float64
	EE     []float64
	TE     []float64
	PhiPhi []float64
	TPhi   []float64

	// Linear matter power on the source wavenumber grid, and the
	// baryon+CDM variant when massive neutrinos are present.
	Pk   *MatterTable
	PkCb *MatterTable

	// Sigma8 of the linear total-matter spectrum today; AsRescale is
	// the amplitude factor applied when sigma8 normalization is on.
	Sigma8    float64
	AsRescale float64
}

// Compute assembles the spectra from the upstream tables. fn may be
// nil when no projected output was requested.
func Compute(bg *background.Background, src *perturb.Sources, fn *transfer.Functions, cfg *params.Config, logger *slog.Logger) (*Spectra, error) {
	log := logging.Stage(logger, "spectra")

	prim, err := NewPrimordial(&cfg.Primordial)
	if err != nil {
		return nil, err
	}

	s := &Spectra{LMax: cfg.Output.LMax, AsRescale: 1}

	// Sigma8 comes first: when normalization is requested the rescaled
	// amplitude has to feed every product assembled below. The z = 0
	// contrast is the last source row, since the time grid ends today.
	if src.Has(perturb.KindDeltaM) {
		h := cfg.Cosmology.H0 / 100
		today := src.Rows(perturb.KindDeltaM)[len(src.Taus)-1]
		p0, err := powerRow(src.Ks, today, prim)
		if err != nil {
			return nil, err
		}
		s8 := sigmaR(src.Ks, p0, 8/h)
		if target := cfg.Primordial.Sigma8; target > 0 {
			s.AsRescale = (target / s8) * (target / s8)
			prim = &scaled{inner: prim, f: s.AsRescale}
			s8 = target
			log.Info("sigma8 normalization",
				slog.Float64("sigma8", target),
				slog.Float64("amplitude_rescale", s.AsRescale))
		}
		s.Sigma8 = s8
	} else if cfg.Primordial.Sigma8 > 0 {
		return nil, errors.Errorf(errors.InternalError, "sigma8 normalization without matter sources")
	}

	if fn != nil && len(fn.Qs) > 0 {
		if err := s.assembleCls(fn, prim); err != nil {
			return nil, err
		}
	}

	if cfg.Output.MatterPower && src.Has(perturb.KindDeltaM) {
		s.Pk, err = matterTable(bg, src, perturb.KindDeltaM, prim, cfg.Output.ZPk)
		if err != nil {
			return nil, err
		}
		if src.Has(perturb.KindDeltaCb) {
			s.PkCb, err = matterTable(bg, src, perturb.KindDeltaCb, prim, cfg.Output.ZPk)
			if err != nil {
				return nil, err
			}
		}
	}

	log.Info("spectra assembled",
		slog.Int("l_max", s.LMax),
		slog.Bool("tt", s.TT != nil),
		slog.Bool("ee", s.EE != nil),
		slog.Bool("phiphi", s.PhiPhi != nil),
		slog.Bool("pk", s.Pk != nil),
		slog.Float64("sigma8", s.Sigma8))
	return s, nil
}

// assembleCls integrates C_l = 4 pi int dlnk P_R Delta^X Delta^Y for
// every available spectrum pair, then fills the integer multipoles.
func (s *Spectra) assembleCls(fn *transfer.Functions, prim Primordial) error {
	ks := fn.Ks
	lnk := make([]float64, len(ks))
	pr := make([]float64, len(ks))
	for i, k := range ks {
		lnk[i] = math.Log(k)
		v, err := prim.AmplitudeAt(k, Scalar)
		if err != nil {
			return err
		}
		pr[i] = v
	}

	lsF := make([]float64, len(fn.Ls))
	for i, l := range fn.Ls {
		lsF[i] = float64(l)
	}

	type pair struct {
		x, y [][]float64
		dst  *[]float64
	}
	var pairs []pair
	if fn.T != nil {
		pairs = append(pairs, pair{fn.T, fn.T, &s.TT})
	}
	if fn.E != nil {
		pairs = append(pairs, pair{fn.E, fn.E, &s.EE})
	}
	if fn.T != nil && fn.E != nil {
		pairs = append(pairs, pair{fn.T, fn.E, &s.TE})
	}
	if fn.Phi != nil {
		pairs = append(pairs, pair{fn.Phi, fn.Phi, &s.PhiPhi})
	}
	if fn.T != nil && fn.Phi != nil {
		pairs = append(pairs, pair{fn.T, fn.Phi, &s.TPhi})
	}

	integrand := make([]float64, len(ks))
	for _, p := range pairs {
		sparse := make([]float64, len(fn.Ls))
		for il := range fn.Ls {
			x, y := p.x[il], p.y[il]
			for i := range ks {
				integrand[i] = pr[i] * x[i] * y[i]
			}
			sparse[il] = 4 * math.Pi * integrate.Trapezoidal(lnk, integrand)
		}
		full, err := denseCl(lsF, sparse, s.LMax)
		if err != nil {
			return err
		}
		*p.dst = full
	}
	return nil
}

// denseCl fills every integer multipole in [2, lmax] from the sparse
// computed list by cubic interpolation.
func denseCl(ls, cl []float64, lmax int) ([]float64, error) {
	out := make([]float64, lmax+1)
	if len(ls) < 3 {
		// the sparse list already holds every multipole
		for i, lf := range ls {
			out[int(lf)] = cl[i]
		}
		return out, nil
	}
	spl, err := interp.NewSpline(ls, cl, interp.EstimateBoundary)
	if err != nil {
		return nil, err
	}
	var cache int
	for l := 2; l <= lmax; l++ {
		v, err := spl.EvalCached(float64(l), &cache)
		if err != nil {
			return nil, err
		}
		out[l] = v
	}
	return out, nil
}

// powerRow is P(k) = 2 pi^2 / k^3 P_R(k) delta^2 for one contrast row.
func powerRow(ks, delta []float64, prim Primordial) ([]float64, error) {
	out := make([]float64, len(ks))
	for i, k := range ks {
		pr, err := prim.AmplitudeAt(k, Scalar)
		if err != nil {
			return nil, err
		}
		d := delta[i]
		out[i] = 2 * math.Pi * math.Pi / (k * k * k) * pr * d * d
	}
	return out, nil
}

// sigmaR is the rms linear density fluctuation in a spherical top-hat
// of radius r Mpc.
func sigmaR(ks, pk []float64, r float64) float64 {
	lnk := make([]float64, len(ks))
	f := make([]float64, len(ks))
	for i, k := range ks {
		lnk[i] = math.Log(k)
		x := k * r
		w := 3 * (math.Sin(x) - x*math.Cos(x)) / (x * x * x)
		f[i] = k * k * k * pk[i] / (2 * math.Pi * math.Pi) * w * w
	}
	return math.Sqrt(integrate.Trapezoidal(lnk, f))
}

// MatterTable holds a power spectrum P(k, z) sampled on the source
// wavenumber grid at the requested redshifts.
type MatterTable struct {
	Ks []float64   // 1/Mpc, ascending
	Zs []float64   // ascending
	P  [][]float64 // P[iz][ik], Mpc^3

	lnSpl []*interp.Spline // per redshift, ln P over ln k
}

// NewMatterTable wraps sampled rows with the interpolants At needs.
// The nonlinear stage rebuilds tables through here after correcting
// the rows.
func NewMatterTable(ks, zs []float64, p [][]float64) (*MatterTable, error) {
	m := &MatterTable{Ks: ks, Zs: zs, P: p}
	lnk := make([]float64, len(ks))
	for i, k := range ks {
		lnk[i] = math.Log(k)
	}
	m.lnSpl = make([]*interp.Spline, len(zs))
	for iz := range zs {
		if len(p[iz]) != len(ks) {
			return nil, errors.Errorf(errors.InternalError, "power row %d has %d samples, want %d", iz, len(p[iz]), len(ks))
		}
		lnp := make([]float64, len(ks))
		for i, v := range p[iz] {
			if v <= 0 {
				return nil, errors.Errorf(errors.InternalError, "non-positive matter power at z=%g, k=%g", zs[iz], ks[i])
			}
			lnp[i] = math.Log(v)
		}
		spl, err := interp.NewSpline(lnk, lnp, interp.EstimateBoundary)
		if err != nil {
			return nil, err
		}
		m.lnSpl[iz] = spl
	}
	return m, nil
}

// At interpolates the table: cubic in ln k, geometric between redshift
// rows. Arguments outside the tabulated ranges are refused.
func (m *MatterTable) At(k, z float64) (float64, error) {
	if k < m.Ks[0] || k > m.Ks[len(m.Ks)-1] {
		return 0, errors.Errorf(errors.OutOfDomain,
			"k = %g outside the tabulated range [%g, %g]", k, m.Ks[0], m.Ks[len(m.Ks)-1])
	}
	const zTol = 1e-9
	if z < m.Zs[0]-zTol || z > m.Zs[len(m.Zs)-1]+zTol {
		return 0, errors.Errorf(errors.OutOfDomain,
			"z = %g outside the tabulated range [%g, %g]", z, m.Zs[0], m.Zs[len(m.Zs)-1])
	}
	lnk := math.Log(k)

	i := sort.SearchFloat64s(m.Zs, z)
	if i <= 0 || len(m.Zs) == 1 {
		v, err := m.lnSpl[0].Eval(lnk)
		if err != nil {
			return 0, err
		}
		return math.Exp(v), nil
	}
	if i >= len(m.Zs) {
		v, err := m.lnSpl[len(m.Zs)-1].Eval(lnk)
		if err != nil {
			return 0, err
		}
		return math.Exp(v), nil
	}
	a, err := m.lnSpl[i-1].Eval(lnk)
	if err != nil {
		return 0, err
	}
	b, err := m.lnSpl[i].Eval(lnk)
	if err != nil {
		return 0, err
	}
	w := (z - m.Zs[i-1]) / (m.Zs[i] - m.Zs[i-1])
	return math.Exp(a + w*(b-a)), nil
}

// matterTable evaluates P(k, z) on the requested redshifts. Each
// wavenumber's contrast column is splined over time once and read at
// tau(z).
func matterTable(bg *background.Background, src *perturb.Sources, kind perturb.Kind, prim Primordial, zs []float64) (*MatterTable, error) {
	rows := src.Rows(kind)
	ks, taus := src.Ks, src.Taus

	cols := make([]*interp.Spline, len(ks))
	for ik := range ks {
		ys := make([]float64, len(taus))
		for it := range taus {
			ys[it] = rows[it][ik]
		}
		spl, err := interp.NewSpline(taus, ys, interp.EstimateBoundary)
		if err != nil {
			return nil, err
		}
		cols[ik] = spl
	}

	p := make([][]float64, len(zs))
	for iz, z := range zs {
		tau, err := bg.TauOfZ(z)
		if err != nil {
			return nil, err
		}
		delta := make([]float64, len(ks))
		var c int
		for ik := range ks {
			d, err := cols[ik].EvalCached(tau, &c)
			if err != nil {
				return nil, err
			}
			delta[ik] = d
		}
		row, err := powerRow(ks, delta, prim)
		if err != nil {
			return nil, err
		}
		p[iz] = row
	}
	return NewMatterTable(ks, append([]float64(nil), zs...), p)
}

// Range-checked accessors for the assembled spectra. A nil slice means
// the corresponding output was never requested.

func (s *Spectra) clAt(arr []float64, l int, name string) (float64, error) {
	if arr == nil {
		return 0, errors.Errorf(errors.ConfigurationError, "%s spectrum was not computed", name)
	}
	if l < 2 || l > s.LMax {
		return 0, errors.Errorf(errors.OutOfDomain, "multipole %d outside [2, %d]", l, s.LMax)
	}
	return arr[l], nil
}

func (s *Spectra) TTAt(l int) (float64, error)     { return s.clAt(s.TT, l, "TT") }
func (s *Spectra) EEAt(l int) (float64, error)     { return s.clAt(s.EE, l, "EE") }
func (s *Spectra) TEAt(l int) (float64, error)     { return s.clAt(s.TE, l, "TE") }
func (s *Spectra) PhiPhiAt(l int) (float64, error) { return s.clAt(s.PhiPhi, l, "phi-phi") }
func (s *Spectra) TPhiAt(l int) (float64, error)   { return s.clAt(s.TPhi, l, "T-phi") }
