package transfer

import (
	"math"

	"boltz/internal/specfunc"
)

// radial evaluates the projection kernels for every requested
// multipole at one line-of-sight distance. begin fixes the node; at
// returns the kernel j and its first and second derivatives with
// respect to x = q(tau0-tau); arg returns the argument entering the
// 1/x^2 polarization factor. Values are zero below xmin(il), which is
// where the projector closes each multipole's integration window.
type radial interface {
	begin(dist float64) error
	at(il int) (j, jp, jpp float64, err error)
	arg() float64
	xmin(il int) float64
}

// flatRadial reads spherical Bessel values from the shared precomputed
// table. Safe to embed per worker; the table itself is read-only.
type flatRadial struct {
	tbl *specfunc.Table
	ls  []int
	q   float64
	x   float64
	xm  []float64
}

func newFlatRadial(tbl *specfunc.Table, ls []int, q float64) (*flatRadial, error) {
	xm := make([]float64, len(ls))
	for i, l := range ls {
		v, err := tbl.XMin(l)
		if err != nil {
			return nil, err
		}
		xm[i] = v
	}
	return &flatRadial{tbl: tbl, ls: ls, q: q, xm: xm}, nil
}

func (r *flatRadial) begin(dist float64) error {
	r.x = r.q * dist
	return nil
}

func (r *flatRadial) at(il int) (float64, float64, float64, error) {
	l := r.ls[il]
	j, jp, err := r.tbl.Eval(l, r.x)
	if err != nil {
		return 0, 0, 0, err
	}
	return j, jp, specfunc.SphericalJSecond(l, r.x, j, jp), nil
}

func (r *flatRadial) arg() float64        { return r.x }
func (r *flatRadial) xmin(il int) float64 { return r.xm[il] }

// curvedRadial evaluates hyperspherical kernels Phi_l^nu. One instance
// per (worker, wavenumber); the Hyper recursion buffers are not
// concurrency-safe. x-derivatives follow from d/dx = (1/nu) d/dchi and
// the generating equation for the second order.
type curvedRadial struct {
	h      *specfunc.Hyper
	ls     []int
	closed bool
	sqrtK  float64 // sqrt(|K|)
	nu     float64

	chi       float64
	sin, cot  float64
	phi, dphi []float64
	fellBack  bool
	xm        []float64
}

func newCurvedRadial(curvK, q float64, ls []int, phiMin float64) (*curvedRadial, error) {
	sqrtK := math.Sqrt(math.Abs(curvK))
	sign := -1
	if curvK > 0 {
		sign = 1
	}
	nu := q / sqrtK
	lmax := ls[len(ls)-1]
	h, err := specfunc.NewHyper(sign, nu, lmax, phiMin)
	if err != nil {
		return nil, err
	}
	r := &curvedRadial{
		h:      h,
		ls:     ls,
		closed: curvK > 0,
		sqrtK:  sqrtK,
		nu:     h.Nu(),
		phi:    make([]float64, lmax+1),
		dphi:   make([]float64, lmax+1),
		xm:     make([]float64, len(ls)),
	}
	for i, l := range ls {
		r.xm[i] = r.nu * h.ChiMin(l)
	}
	return r, nil
}

func (r *curvedRadial) begin(dist float64) error {
	r.chi = dist * r.sqrtK
	if r.closed {
		r.sin = math.Sin(r.chi)
		r.cot = math.Cos(r.chi) / r.sin
	} else {
		r.sin = math.Sinh(r.chi)
		r.cot = math.Cosh(r.chi) / r.sin
	}
	// recursion failure falls back to per-multipole integration in at
	r.fellBack = r.h.PhiAll(r.chi, r.phi, r.dphi) != nil
	return nil
}

func (r *curvedRadial) at(il int) (float64, float64, float64, error) {
	l := r.ls[il]
	var phi, dphi float64
	if r.fellBack {
		p, d, err := r.h.Phi(l, r.chi)
		if err != nil {
			return 0, 0, 0, err
		}
		phi, dphi = p, d
	} else {
		phi, dphi = r.phi[l], r.dphi[l]
	}

	sign := -1.0
	if r.closed {
		sign = 1.0
	}
	ll1 := float64(l * (l + 1))
	ddphi := -2*r.cot*dphi - (r.nu*r.nu-sign-ll1/(r.sin*r.sin))*phi
	return phi, dphi / r.nu, ddphi / (r.nu * r.nu), nil
}

func (r *curvedRadial) arg() float64 { return r.nu * r.sin }

func (r *curvedRadial) xmin(il int) float64 { return r.xm[il] }
