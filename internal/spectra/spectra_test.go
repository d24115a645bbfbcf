package spectra

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"boltz/internal/errors"
	"boltz/internal/transfer"
)

func logGrid(min, max float64, n int) []float64 {
	ks := make([]float64, n)
	lnMin, lnMax := math.Log(min), math.Log(max)
	for i := range ks {
		ks[i] = math.Exp(lnMin + (lnMax-lnMin)*float64(i)/float64(n-1))
	}
	return ks
}

// With the transfer functions replaced by the identity kernel and a
// scale-invariant primordial spectrum, the C_l quadrature must return
// 4 pi A ln(kmax/kmin) at every multipole: a direct check of the
// normalization of the d ln k integral.
func TestAssembleCls_IdentityKernelRoundTrip(t *testing.T) {
	const amp = 2.1e-9
	ks := logGrid(1e-4, 1e-1, 600)
	ls := []int{2, 10, 40, 100}

	one := make([][]float64, len(ls))
	for il := range ls {
		row := make([]float64, len(ks))
		for i := range row {
			row[i] = 1
		}
		one[il] = row
	}
	fn := &transfer.Functions{Ls: ls, Qs: ks, Ks: ks, T: one}

	s := &Spectra{LMax: 100, AsRescale: 1}
	prim := &PowerLaw{As: amp, Ns: 1, KPivot: 0.05}
	if err := s.assembleCls(fn, prim); err != nil {
		t.Fatalf("assembleCls: %v", err)
	}

	want := 4 * math.Pi * amp * math.Log(ks[len(ks)-1]/ks[0])
	for _, l := range []int{2, 10, 40, 100} {
		got := s.TT[l]
		if rel := math.Abs(got-want) / want; rel > 1e-6 {
			t.Errorf("C_%d = %g, want %g (rel %g)", l, got, want, rel)
		}
	}
}

func TestPowerLaw(t *testing.T) {
	p := &PowerLaw{As: 2e-9, Ns: 0.96, KPivot: 0.05}

	got, err := p.AmplitudeAt(0.05, Scalar)
	if err != nil {
		t.Fatalf("AmplitudeAt(pivot): %v", err)
	}
	if got != 2e-9 {
		t.Errorf("amplitude at pivot = %g, want A_s", got)
	}

	got, err = p.AmplitudeAt(0.5, Scalar)
	if err != nil {
		t.Fatalf("AmplitudeAt: %v", err)
	}
	want := 2e-9 * math.Pow(10, 0.96-1)
	if math.Abs(got-want)/want > 1e-12 {
		t.Errorf("amplitude one decade up = %g, want %g", got, want)
	}

	if _, err := p.AmplitudeAt(0.05, Tensor); !errors.IsCode(err, errors.ConfigurationError) {
		t.Errorf("tensor request = %v, want CONFIGURATION_ERROR", err)
	}
	if _, err := p.AmplitudeAt(-1, Scalar); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("negative wavenumber = %v, want OUT_OF_DOMAIN", err)
	}
}

func TestPowerLaw_Running(t *testing.T) {
	p := &PowerLaw{As: 2e-9, Ns: 1, AlphaS: 0.01, KPivot: 0.05}
	k := 0.5
	lr := math.Log(k / 0.05)
	want := 2e-9 * math.Exp(0.5*0.01*lr*lr)
	got, err := p.AmplitudeAt(k, Scalar)
	if err != nil {
		t.Fatalf("AmplitudeAt: %v", err)
	}
	if math.Abs(got-want)/want > 1e-12 {
		t.Errorf("running amplitude = %g, want %g", got, want)
	}
}

func TestTabulated_TwoColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prim.dat")
	body := "# k power\n1e-4 2.0e-9\n1e-3 2.1e-9\n1e-2 2.2e-9\n1e-1 2.3e-9\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing table: %v", err)
	}

	tab, err := LoadTabulated(path)
	if err != nil {
		t.Fatalf("LoadTabulated: %v", err)
	}
	got, err := tab.AmplitudeAt(1e-3, Scalar)
	if err != nil {
		t.Fatalf("AmplitudeAt(node): %v", err)
	}
	if math.Abs(got-2.1e-9)/2.1e-9 > 1e-12 {
		t.Errorf("amplitude at node = %g, want 2.1e-9", got)
	}

	if _, err := tab.AmplitudeAt(1, Scalar); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("outside table = %v, want OUT_OF_DOMAIN (never extrapolate)", err)
	}
}

func TestTabulated_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"short", "1e-4 2e-9\n1e-3 2e-9\n"},
		{"unordered", "1e-3 2e-9\n1e-4 2e-9\n1e-2 2e-9\n"},
		{"negative_power", "1e-4 2e-9\n1e-3 -2e-9\n1e-2 2e-9\n"},
		{"one_column", "1e-4\n1e-3\n1e-2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prim.dat")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatalf("writing table: %v", err)
			}
			if _, err := LoadTabulated(path); !errors.IsCode(err, errors.ConfigurationError) {
				t.Errorf("LoadTabulated = %v, want CONFIGURATION_ERROR", err)
			}
		})
	}
}

func TestMatterTable_At(t *testing.T) {
	ks := logGrid(1e-3, 1, 50)
	rows := make([][]float64, 2)
	for iz, g := range []float64{1.0, 0.25} {
		row := make([]float64, len(ks))
		for i, k := range ks {
			row[i] = g * 1e4 * math.Pow(k, -1.5)
		}
		rows[iz] = row
	}
	m, err := NewMatterTable(ks, []float64{0, 1}, rows)
	if err != nil {
		t.Fatalf("NewMatterTable: %v", err)
	}

	got, err := m.At(ks[10], 0)
	if err != nil {
		t.Fatalf("At(node): %v", err)
	}
	if math.Abs(got-rows[0][10])/rows[0][10] > 1e-9 {
		t.Errorf("At(node) = %g, want %g", got, rows[0][10])
	}

	// Geometric interpolation between the two redshift rows.
	mid, err := m.At(ks[10], 0.5)
	if err != nil {
		t.Fatalf("At(mid z): %v", err)
	}
	want := math.Sqrt(rows[0][10] * rows[1][10])
	if math.Abs(mid-want)/want > 1e-9 {
		t.Errorf("At(z=0.5) = %g, want geometric mean %g", mid, want)
	}

	if _, err := m.At(10, 0); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("k above range = %v, want OUT_OF_DOMAIN", err)
	}
	if _, err := m.At(ks[10], 3); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("z above range = %v, want OUT_OF_DOMAIN", err)
	}
}

func TestSigmaR_PowerLawSlope(t *testing.T) {
	// sigma_R^2 for a pure power law P = A k^n scales as R^-(n+3);
	// check the ratio between two radii instead of the absolute value.
	ks := logGrid(1e-5, 1e3, 4000)
	n := -2.0
	pk := make([]float64, len(ks))
	for i, k := range ks {
		pk[i] = math.Pow(k, n)
	}
	s1 := sigmaR(ks, pk, 8)
	s2 := sigmaR(ks, pk, 16)
	want := math.Pow(2, -(n+3)/2)
	if math.Abs(s2/s1-want)/want > 1e-3 {
		t.Errorf("sigma(16)/sigma(8) = %g, want %g", s2/s1, want)
	}
}

func TestClAccessors_Range(t *testing.T) {
	s := &Spectra{LMax: 10}
	s.TT = make([]float64, 11)
	s.TT[5] = 42

	got, err := s.TTAt(5)
	if err != nil || got != 42 {
		t.Fatalf("TTAt(5) = %g, %v", got, err)
	}
	if _, err := s.TTAt(11); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("TTAt(11) = %v, want OUT_OF_DOMAIN", err)
	}
	if _, err := s.TTAt(1); !errors.IsCode(err, errors.OutOfDomain) {
		t.Errorf("TTAt(1) = %v, want OUT_OF_DOMAIN", err)
	}
	if _, err := s.EEAt(5); !errors.IsCode(err, errors.ConfigurationError) {
		t.Errorf("EEAt without EE = %v, want CONFIGURATION_ERROR", err)
	}
}
