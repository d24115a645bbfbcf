package specfunc

import (
	"math"

	"boltz/internal/errors"
)

// Table holds j_l and j_l' sampled on a uniform x grid for a fixed list
// of multipoles. The projection integrals evaluate Bessel functions at
// x = k(tau_0 - tau) millions of times; sampling once per l and
// interpolating is what makes that affordable. Interpolation is Hermite
// with the second derivative supplied by the defining equation, so the
// error is O(step^5) per interval.
//
// Below xMin(l) the function is smaller than the phiMin cut and the
// table reports exact zero. That cut is also what the integrator uses
// to skip the dead part of the line-of-sight range.
type Table struct {
	ls   []int
	rank map[int]int

	step  float64
	xMax  float64
	xmin  []float64   // per-l cut from BesselXMin
	first []int       // index of the first grid node >= xmin
	j     [][]float64 // samples from node first[i] to the last node
	jp    [][]float64
}

// NewTable samples j_l for every l in ls on [0, xMax] with the given
// uniform step. phiMin sets the small-x cut below which values are
// treated as zero.
func NewTable(ls []int, xMax, step, phiMin float64) (*Table, error) {
	if len(ls) == 0 {
		return nil, errors.Errorf(errors.ConfigurationError, "bessel table needs at least one multipole")
	}
	if step <= 0 || xMax <= step {
		return nil, errors.Errorf(errors.ConfigurationError, "bessel table grid invalid: xMax=%g step=%g", xMax, step)
	}
	n := int(math.Ceil(xMax/step)) + 1

	t := &Table{
		ls:    append([]int(nil), ls...),
		rank:  make(map[int]int, len(ls)),
		step:  step,
		xMax:  float64(n-1) * step,
		xmin:  make([]float64, len(ls)),
		first: make([]int, len(ls)),
		j:     make([][]float64, len(ls)),
		jp:    make([][]float64, len(ls)),
	}
	for i, l := range ls {
		if l < 0 {
			return nil, errors.Errorf(errors.ConfigurationError, "negative multipole %d", l)
		}
		t.rank[l] = i
		t.xmin[i] = BesselXMin(l, phiMin)
		first := int(t.xmin[i] / step)
		if first >= n {
			first = n - 1
		}
		t.first[i] = first
		m := n - first
		js := make([]float64, m)
		jps := make([]float64, m)
		for k := 0; k < m; k++ {
			x := float64(first+k) * step
			js[k], jps[k] = SphericalJJPrime(l, x)
		}
		t.j[i] = js
		t.jp[i] = jps
	}
	return t, nil
}

// Ls returns the sampled multipoles in table order.
func (t *Table) Ls() []int { return t.ls }

// XMax returns the largest tabulated argument.
func (t *Table) XMax() float64 { return t.xMax }

// XMin returns the small-x cut for multipole l, or an error when l is
// not tabulated.
func (t *Table) XMin(l int) (float64, error) {
	i, ok := t.rank[l]
	if !ok {
		return 0, errors.Errorf(errors.OutOfDomain, "multipole %d not tabulated", l)
	}
	return t.xmin[i], nil
}

// Eval returns j_l(x) and j_l'(x) by Hermite interpolation. Arguments
// below the phiMin cut return exact zeros; arguments beyond the grid
// are out of domain.
func (t *Table) Eval(l int, x float64) (j, jp float64, err error) {
	i, ok := t.rank[l]
	if !ok {
		return 0, 0, errors.Errorf(errors.OutOfDomain, "multipole %d not tabulated", l)
	}
	if x < t.xmin[i] {
		return 0, 0, nil
	}
	if x > t.xMax {
		return 0, 0, errors.Errorf(errors.OutOfDomain, "bessel argument %g beyond table end %g", x, t.xMax).AtMultipole(l)
	}
	k := int(x/t.step) - t.first[i]
	js, jps := t.j[i], t.jp[i]
	if k < 0 {
		k = 0
	}
	if k >= len(js)-1 {
		return js[len(js)-1], jps[len(js)-1], nil
	}
	x0 := float64(t.first[i]+k) * t.step
	j, jp = hermite(l, x-x0, t.step, x0, js[k], jps[k], x0+t.step, js[k+1], jps[k+1])
	return j, jp, nil
}

// hermite interpolates value and slope at offset d into the interval
// [x0, x1] of width h, using second derivatives from the Bessel
// equation at both ends.
func hermite(l int, d, h, x0, j0, jp0, x1, j1, jp1 float64) (j, jp float64) {
	jpp0 := second(l, x0, j0, jp0)
	jpp1 := second(l, x1, j1, jp1)

	// Quintic Hermite in u = d/h with matched f, f', f'' at both ends.
	u := d / h
	u2 := u * u
	u3 := u2 * u
	u4 := u3 * u
	u5 := u4 * u

	h00 := 1 - 10*u3 + 15*u4 - 6*u5
	h10 := u - 6*u3 + 8*u4 - 3*u5
	h20 := 0.5*u2 - 1.5*u3 + 1.5*u4 - 0.5*u5
	h01 := 10*u3 - 15*u4 + 6*u5
	h11 := -4*u3 + 7*u4 - 3*u5
	h21 := 0.5*u3 - u4 + 0.5*u5

	j = h00*j0 + h10*h*jp0 + h20*h*h*jpp0 + h01*j1 + h11*h*jp1 + h21*h*h*jpp1

	d00 := (-30*u2 + 60*u3 - 30*u4) / h
	d10 := 1 - 18*u2 + 32*u3 - 15*u4
	d20 := (u - 4.5*u2 + 6*u3 - 2.5*u4) * h
	d01 := (30*u2 - 60*u3 + 30*u4) / h
	d11 := -12*u2 + 28*u3 - 15*u4
	d21 := (1.5*u2 - 4*u3 + 2.5*u4) * h

	jp = d00*j0 + d10*jp0 + d20*jpp0 + d01*j1 + d11*jp1 + d21*jpp1
	return j, jp
}

// second is SphericalJSecond with the x = 0 limit handled.
func second(l int, x, j, jp float64) float64 {
	if x == 0 {
		if l == 0 {
			return -1.0 / 3.0
		}
		if l == 2 {
			return 2.0 / 15.0
		}
		return 0
	}
	return SphericalJSecond(l, x, j, jp)
}
