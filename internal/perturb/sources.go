package perturb

import "boltz/internal/params"

// Kind enumerates the line-of-sight source functions.
type Kind int

const (
	KindT0      Kind = iota // g (delta_g/4 + psi) + exp(-kappa) (phi' + psi')
	KindT1                  // g theta_b / k
	KindT2                  // g Pi / 2
	KindE                   // 3/4 g Pi
	KindLens                // exp(-kappa) (phi + psi)
	KindDeltaM              // comoving total-matter density contrast
	KindDeltaCb             // baryon+cdm contrast, massive neutrinos excluded
	KindCount
)

var kindNames = [KindCount]string{"t0", "t1", "t2", "e", "lens", "delta_m", "delta_cb"}

func (k Kind) String() string {
	if k < 0 || k >= KindCount {
		return "unknown"
	}
	return kindNames[k]
}

// wantKinds maps the requested outputs onto source kinds. The matter
// contrast is also needed whenever sigma8 normalization is on, and the
// cb variant only exists alongside massive neutrinos.
func wantKinds(cfg *params.Config, nNcdm int) [KindCount]bool {
	var w [KindCount]bool
	out := &cfg.Output
	if out.Temperature {
		w[KindT0], w[KindT1], w[KindT2] = true, true, true
	}
	if out.Polarization {
		w[KindE] = true
	}
	if out.LensingPotential || out.Lensed {
		w[KindLens] = true
	}
	if out.MatterPower || cfg.Primordial.Sigma8 > 0 {
		w[KindDeltaM] = true
		if out.MatterPower && nNcdm > 0 {
			w[KindDeltaCb] = true
		}
	}
	return w
}

// kResult is the outcome of integrating one wavenumber: every
// requested source sampled on the shared time grid, plus the scheme
// switches that were applied.
type kResult struct {
	k        float64
	have     [KindCount]bool
	s        [KindCount][]float64
	switches []Switch
}

func newKResult(k float64, nTau int, have [KindCount]bool) *kResult {
	r := &kResult{k: k, have: have}
	for kind := Kind(0); kind < KindCount; kind++ {
		if have[kind] {
			r.s[kind] = make([]float64, nTau)
		}
	}
	return r
}

// Sources is the perturbation product: source functions S(kind; tau, k)
// tabulated on a common (tau, k) grid, ordered with time as the outer
// index so the transfer stage can interpolate row-wise over k.
type Sources struct {
	Ks   []float64
	Taus []float64

	have [KindCount]bool
	data [KindCount][][]float64 // [kind][itau][ik]

	// Switches[ik] lists the scheme changes applied to mode ik, for
	// diagnostics.
	Switches [][]Switch
}

// Has reports whether a source kind was computed.
func (s *Sources) Has(kind Kind) bool { return s.have[kind] }

// Rows returns the [itau][ik] table for kind, nil when absent.
func (s *Sources) Rows(kind Kind) [][]float64 { return s.data[kind] }

// assemble transposes the per-wavenumber columns into time-major rows.
func assemble(ks, taus []float64, have [KindCount]bool, res []*kResult) *Sources {
	src := &Sources{Ks: ks, Taus: taus, have: have}
	for kind := Kind(0); kind < KindCount; kind++ {
		if !have[kind] {
			continue
		}
		rows := make([][]float64, len(taus))
		for it := range rows {
			row := make([]float64, len(ks))
			for ik, r := range res {
				row[ik] = r.s[kind][it]
			}
			rows[it] = row
		}
		src.data[kind] = rows
	}
	src.Switches = make([][]Switch, len(res))
	for ik, r := range res {
		src.Switches[ik] = r.switches
	}
	return src
}
