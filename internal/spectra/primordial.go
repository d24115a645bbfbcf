package spectra

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"boltz/internal/errors"
	"boltz/internal/interp"
	"boltz/internal/params"
)

// Mode selects the perturbation type of a primordial spectrum. The
// tensor axis is reserved by the interface but never produced.
type Mode int

const (
	Scalar Mode = iota
	Tensor
)

// Primordial is the dimensionless curvature power spectrum P_R(k).
type Primordial interface {
	AmplitudeAt(k float64, mode Mode) (float64, error)
}

// NewPrimordial builds the spectrum the configuration asks for: the
// power law by default, a tabulated file when one is named.
func NewPrimordial(pm *params.PrimordialParams) (Primordial, error) {
	if pm.TableFile != "" {
		return LoadTabulated(pm.TableFile)
	}
	return &PowerLaw{As: pm.As, Ns: pm.Ns, AlphaS: pm.AlphaS, KPivot: pm.KPivot}, nil
}

// PowerLaw is P_R(k) = A_s (k/k_*)^(n_s - 1 + (alpha_s/2) ln(k/k_*)).
type PowerLaw struct {
	As     float64
	Ns     float64
	AlphaS float64
	KPivot float64
}

func (p *PowerLaw) AmplitudeAt(k float64, mode Mode) (float64, error) {
	if mode != Scalar {
		return 0, errors.Errorf(errors.ConfigurationError, "only scalar modes are computed")
	}
	if k <= 0 {
		return 0, errors.Errorf(errors.OutOfDomain, "wavenumber %g outside the primordial domain", k)
	}
	lr := math.Log(k / p.KPivot)
	return p.As * math.Exp((p.Ns-1+0.5*p.AlphaS*lr)*lr), nil
}

// TabulatedSpectrum interpolates ln P_R over ln k from sampled values.
// Requests outside the tabulated range are refused, never extrapolated.
type TabulatedSpectrum struct {
	spl        *interp.Spline
	kMin, kMax float64
}

type primordialFile struct {
	K     []float64 `toml:"k"`
	Power []float64 `toml:"power"`
}

// LoadTabulated reads a sampled spectrum. TOML files carry the two
// arrays k and power; any other file is parsed as two
// whitespace-separated columns with # comments.
func LoadTabulated(path string) (*TabulatedSpectrum, error) {
	var f primordialFile
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.DecodeFile(path, &f)
	} else {
		f, err = readColumns(path)
	}
	if err != nil {
		return nil, errors.Errorf(errors.ConfigurationError, "primordial table %s: %v", path, err)
	}
	return newTabulated(f)
}

func readColumns(path string) (primordialFile, error) {
	var f primordialFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	for ln, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return f, fmt.Errorf("line %d: want two columns, got %d", ln+1, len(fields))
		}
		k, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return f, fmt.Errorf("line %d: %v", ln+1, err)
		}
		p, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return f, fmt.Errorf("line %d: %v", ln+1, err)
		}
		f.K = append(f.K, k)
		f.Power = append(f.Power, p)
	}
	return f, nil
}

func newTabulated(f primordialFile) (*TabulatedSpectrum, error) {
	if len(f.K) != len(f.Power) || len(f.K) < 3 {
		return nil, errors.Errorf(errors.ConfigurationError,
			"primordial table needs matching k/power arrays with at least 3 samples, got %d/%d", len(f.K), len(f.Power))
	}
	lnk := make([]float64, len(f.K))
	lnp := make([]float64, len(f.K))
	for i := range f.K {
		if f.K[i] <= 0 || f.Power[i] <= 0 {
			return nil, errors.Errorf(errors.ConfigurationError, "primordial table entries must be positive (row %d)", i)
		}
		if i > 0 && f.K[i] <= f.K[i-1] {
			return nil, errors.Errorf(errors.ConfigurationError, "primordial table k must increase (row %d)", i)
		}
		lnk[i] = math.Log(f.K[i])
		lnp[i] = math.Log(f.Power[i])
	}
	spl, err := interp.NewSpline(lnk, lnp, interp.EstimateBoundary)
	if err != nil {
		return nil, err
	}
	return &TabulatedSpectrum{spl: spl, kMin: f.K[0], kMax: f.K[len(f.K)-1]}, nil
}

func (t *TabulatedSpectrum) AmplitudeAt(k float64, mode Mode) (float64, error) {
	if mode != Scalar {
		return 0, errors.Errorf(errors.ConfigurationError, "only scalar modes are computed")
	}
	if k < t.kMin || k > t.kMax {
		return 0, errors.Errorf(errors.OutOfDomain,
			"wavenumber %g outside the tabulated range [%g, %g]", k, t.kMin, t.kMax)
	}
	v, err := t.spl.Eval(math.Log(k))
	if err != nil {
		return 0, err
	}
	return math.Exp(v), nil
}

// scaled multiplies an inner spectrum by a constant. The sigma8
// normalization uses it to rescale the amplitude after the fact.
type scaled struct {
	inner Primordial
	f     float64
}

func (s *scaled) AmplitudeAt(k float64, mode Mode) (float64, error) {
	v, err := s.inner.AmplitudeAt(k, mode)
	return v * s.f, err
}
