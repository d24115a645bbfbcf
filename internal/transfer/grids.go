package transfer

import (
	"math"

	"boltz/internal/errors"
	"boltz/internal/params"
)

// multipoles builds the sparse l list the projection runs on:
// logarithmic steps at low l where the spectra are steep, then a fixed
// stride once the log step would exceed it. Starts at 2 and ends
// exactly at lmax; the spectra stage splines over the gaps.
func multipoles(lmax int, prec *params.PrecisionParams) []int {
	if lmax <= 2 {
		return []int{2}
	}
	ls := []int{2}
	l := 2
	for {
		next := int(float64(l)*prec.LLogstep + 0.5)
		if next <= l {
			next = l + 1
		}
		if next-l >= prec.LLinstep || next >= lmax {
			break
		}
		ls = append(ls, next)
		l = next
	}
	for l += prec.LLinstep; l < lmax; l += prec.LLinstep {
		ls = append(ls, l)
	}
	return append(ls, lmax)
}

// qGrid lays out the projection wavenumbers between the limits of the
// source grid. It is deliberately much denser than the source k grid:
// the transfer functions oscillate on the scale 2 pi / (tau0 - tau_rec)
// while the sources are smooth in k. Log steps at low q hand over to
// linear steps tied to that acoustic period.
//
// In a curved model the projection runs over q with k(q)^2 = q^2 - K.
// Closed models only admit the integer ladder nu = q/sqrt(K) >= 3, so
// the grid walks the ladder with a stride matched to the flat step.
func qGrid(curvK, tau0, tauRec, kMin, kMax float64, prec *params.PrecisionParams) (qs, ks []float64, err error) {
	period := 2 * math.Pi / (tau0 - tauRec)
	step := func(q float64) float64 {
		s := q * math.Ln10 / prec.QLogstepSpline
		if curvK < 0 {
			// sub-curvature modes project smoothly; relax the log
			// density below the curvature scale
			s *= 1 + (prec.QLogstepOpen-1)/(1+q*q/(-curvK))
		}
		if lin := prec.QLinstep * period; s > lin {
			s = lin
		}
		return s
	}

	qOf := func(k float64) (float64, error) {
		q2 := k*k + curvK
		if q2 <= 0 {
			return 0, errors.Errorf(errors.ConfigurationError,
				"wavenumber %g below the curvature cutoff %g", k, math.Sqrt(-curvK))
		}
		return math.Sqrt(q2), nil
	}
	qMin, err := qOf(kMin)
	if err != nil {
		return nil, nil, err
	}
	qMax, err := qOf(kMax)
	if err != nil {
		return nil, nil, err
	}

	if curvK > 0 {
		sq := math.Sqrt(curvK)
		nu := math.Ceil(qMin / sq)
		if nu < 3 {
			nu = 3
		}
		for q := nu * sq; q <= qMax; q = nu * sq {
			qs = append(qs, q)
			ks = append(ks, math.Sqrt(q*q-curvK))
			stride := math.Floor(step(q) / sq)
			if stride < 1 {
				stride = 1
			}
			nu += stride
		}
	} else {
		for q := qMin; q < qMax; q += step(q) {
			qs = append(qs, q)
			ks = append(ks, kOf(q, curvK))
		}
		qs = append(qs, qMax)
		ks = append(ks, kOf(qMax, curvK))
	}

	if len(qs) < 2 {
		return nil, nil, errors.Errorf(errors.ConfigurationError,
			"projection grid collapsed: k range [%g, %g] leaves %d wavenumbers", kMin, kMax, len(qs))
	}
	// rounding through q must not push k(q) outside the source grid
	for i := range ks {
		if ks[i] < kMin {
			ks[i] = kMin
		} else if ks[i] > kMax {
			ks[i] = kMax
		}
	}
	return qs, ks, nil
}

func kOf(q, curvK float64) float64 {
	if curvK == 0 {
		return q
	}
	return math.Sqrt(q*q - curvK)
}

// fineGrid subdivides the source time grid so that no interval exceeds
// dtMax, the sampling the projection kernels need at this wavenumber.
// Source nodes are kept as grid points, so the resampling never skips
// structure the integrator recorded.
func fineGrid(taus []float64, dtMax float64) []float64 {
	out := make([]float64, 1, len(taus))
	out[0] = taus[0]
	for i := 1; i < len(taus); i++ {
		span := taus[i] - taus[i-1]
		n := int(span/dtMax) + 1
		h := span / float64(n)
		for j := 1; j < n; j++ {
			out = append(out, taus[i-1]+float64(j)*h)
		}
		out = append(out, taus[i])
	}
	return out
}
