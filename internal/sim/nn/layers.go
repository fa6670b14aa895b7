package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// layer is one stage of the per-member forward pass. Slices are indexed
// by ensemble member. With train=true the layer caches whatever its
// backward pass needs; backward must only be called after such a pass.
type layer interface {
	forward(xs []*mat.Dense, train bool) []*mat.Dense
	backward(grads []*mat.Dense) []*mat.Dense
	params() []*Param
}

// dense is an affine map with independent weights per member. Weights
// and bias are initialized from U(-1/sqrt(in), +1/sqrt(in)).
type dense struct {
	members, in, out int
	w, b             []*Param
	x                []*mat.Dense
}

func newDense(name string, members, in, out int, rng *rand.Rand) *dense {
	d := &dense{
		members: members,
		in:      in,
		out:     out,
		w:       make([]*Param, members),
		b:       make([]*Param, members),
		x:       make([]*mat.Dense, members),
	}
	bound := 1 / math.Sqrt(float64(in))
	for k := 0; k < members; k++ {
		w := newParam(name+".w", in, out)
		b := newParam(name+".b", 1, out)
		for i := 0; i < in; i++ {
			row := w.W.RawRowView(i)
			for j := range row {
				row[j] = (rng.Float64()*2 - 1) * bound
			}
		}
		brow := b.W.RawRowView(0)
		for j := range brow {
			brow[j] = (rng.Float64()*2 - 1) * bound
		}
		d.w[k], d.b[k] = w, b
	}
	return d
}

func (d *dense) forward(xs []*mat.Dense, train bool) []*mat.Dense {
	outs := make([]*mat.Dense, d.members)
	for k := 0; k < d.members; k++ {
		x := xs[k]
		r, _ := x.Dims()
		out := mat.NewDense(r, d.out, nil)
		out.Mul(x, d.w[k].W)
		brow := d.b[k].W.RawRowView(0)
		for i := 0; i < r; i++ {
			row := out.RawRowView(i)
			for j := range row {
				row[j] += brow[j]
			}
		}
		if train {
			d.x[k] = x
		}
		outs[k] = out
	}
	return outs
}

func (d *dense) backward(grads []*mat.Dense) []*mat.Dense {
	dxs := make([]*mat.Dense, d.members)
	for k, g := range grads {
		x := d.x[k]
		var dw mat.Dense
		dw.Mul(x.T(), g)
		d.w[k].G.Add(d.w[k].G, &dw)

		r, _ := g.Dims()
		db := d.b[k].G.RawRowView(0)
		for i := 0; i < r; i++ {
			row := g.RawRowView(i)
			for j := range row {
				db[j] += row[j]
			}
		}

		dx := mat.NewDense(r, d.in, nil)
		dx.Mul(g, d.w[k].W.T())
		dxs[k] = dx
	}
	return dxs
}

func (d *dense) params() []*Param {
	ps := make([]*Param, 0, 2*d.members)
	for k := 0; k < d.members; k++ {
		ps = append(ps, d.w[k], d.b[k])
	}
	return ps
}

// activation applies the nonlinearity elementwise. The backward pass is
// expressed through the cached output, which covers both relu and tanh.
type activation struct {
	kind ActKind
	y    []*mat.Dense
}

func newActivation(kind ActKind, members int) *activation {
	return &activation{kind: kind, y: make([]*mat.Dense, members)}
}

func (a *activation) forward(xs []*mat.Dense, train bool) []*mat.Dense {
	outs := make([]*mat.Dense, len(xs))
	for k, x := range xs {
		r, c := x.Dims()
		y := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			src := x.RawRowView(i)
			dst := y.RawRowView(i)
			switch a.kind {
			case ActReLU:
				for j, v := range src {
					if v > 0 {
						dst[j] = v
					}
				}
			case ActTanh:
				for j, v := range src {
					dst[j] = math.Tanh(v)
				}
			}
		}
		if train {
			a.y[k] = y
		}
		outs[k] = y
	}
	return outs
}

func (a *activation) backward(grads []*mat.Dense) []*mat.Dense {
	dxs := make([]*mat.Dense, len(grads))
	for k, g := range grads {
		y := a.y[k]
		r, c := g.Dims()
		dx := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			grow := g.RawRowView(i)
			yrow := y.RawRowView(i)
			drow := dx.RawRowView(i)
			switch a.kind {
			case ActReLU:
				for j := range grow {
					if yrow[j] > 0 {
						drow[j] = grow[j]
					}
				}
			case ActTanh:
				for j := range grow {
					drow[j] = grow[j] * (1 - yrow[j]*yrow[j])
				}
			}
		}
		dxs[k] = dx
	}
	return dxs
}

func (a *activation) params() []*Param { return nil }

const layerNormEps = 1e-5

// layerNorm standardizes each row over its features and applies a
// per-member learned scale and shift. It sits between a hidden dense
// layer and its activation.
type layerNorm struct {
	members, dim int
	gamma, beta  []*Param
	xhat         []*mat.Dense
	invstd       [][]float64
}

func newLayerNorm(name string, members, dim int) *layerNorm {
	ln := &layerNorm{
		members: members,
		dim:     dim,
		gamma:   make([]*Param, members),
		beta:    make([]*Param, members),
		xhat:    make([]*mat.Dense, members),
		invstd:  make([][]float64, members),
	}
	for k := 0; k < members; k++ {
		g := newParam(name+".gamma", 1, dim)
		for j := 0; j < dim; j++ {
			g.W.Set(0, j, 1)
		}
		ln.gamma[k] = g
		ln.beta[k] = newParam(name+".beta", 1, dim)
	}
	return ln
}

func (l *layerNorm) forward(xs []*mat.Dense, train bool) []*mat.Dense {
	outs := make([]*mat.Dense, l.members)
	for k, x := range xs {
		r, _ := x.Dims()
		y := mat.NewDense(r, l.dim, nil)
		xhat := mat.NewDense(r, l.dim, nil)
		invstd := make([]float64, r)
		grow := l.gamma[k].W.RawRowView(0)
		brow := l.beta[k].W.RawRowView(0)
		for i := 0; i < r; i++ {
			src := x.RawRowView(i)
			mu := 0.0
			for _, v := range src {
				mu += v
			}
			mu /= float64(l.dim)
			vr := 0.0
			for _, v := range src {
				d := v - mu
				vr += d * d
			}
			vr /= float64(l.dim)
			is := 1 / math.Sqrt(vr+layerNormEps)
			invstd[i] = is
			hrow := xhat.RawRowView(i)
			yrow := y.RawRowView(i)
			for j, v := range src {
				h := (v - mu) * is
				hrow[j] = h
				yrow[j] = grow[j]*h + brow[j]
			}
		}
		if train {
			l.xhat[k] = xhat
			l.invstd[k] = invstd
		}
		outs[k] = y
	}
	return outs
}

func (l *layerNorm) backward(grads []*mat.Dense) []*mat.Dense {
	dxs := make([]*mat.Dense, l.members)
	for k, g := range grads {
		xhat := l.xhat[k]
		invstd := l.invstd[k]
		r, _ := g.Dims()
		dx := mat.NewDense(r, l.dim, nil)
		grow := l.gamma[k].W.RawRowView(0)
		dgamma := l.gamma[k].G.RawRowView(0)
		dbeta := l.beta[k].G.RawRowView(0)
		for i := 0; i < r; i++ {
			gr := g.RawRowView(i)
			hr := xhat.RawRowView(i)
			dr := dx.RawRowView(i)

			// Accumulate the parameter gradients and the two row means
			// the input gradient depends on.
			m1, m2 := 0.0, 0.0
			for j := range gr {
				dgamma[j] += gr[j] * hr[j]
				dbeta[j] += gr[j]
				dh := gr[j] * grow[j]
				m1 += dh
				m2 += dh * hr[j]
			}
			m1 /= float64(l.dim)
			m2 /= float64(l.dim)
			for j := range gr {
				dh := gr[j] * grow[j]
				dr[j] = invstd[i] * (dh - m1 - hr[j]*m2)
			}
		}
		dxs[k] = dx
	}
	return dxs
}

func (l *layerNorm) params() []*Param {
	ps := make([]*Param, 0, 2*l.members)
	for k := 0; k < l.members; k++ {
		ps = append(ps, l.gamma[k], l.beta[k])
	}
	return ps
}
