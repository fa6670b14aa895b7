package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam applies bias-corrected adaptive moment updates to a fixed
// parameter list. Moment buffers live in the optimizer, so rebuilding
// it resets them while the parameters keep their values.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
	ps    []*Param
	m, v  []*mat.Dense
}

func NewAdam(ps []*Param, lr float64) *Adam {
	a := &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		ps:    ps,
		m:     make([]*mat.Dense, len(ps)),
		v:     make([]*mat.Dense, len(ps)),
	}
	for i, p := range ps {
		r, c := p.W.Dims()
		a.m[i] = mat.NewDense(r, c, nil)
		a.v[i] = mat.NewDense(r, c, nil)
	}
	return a
}

// Step consumes the accumulated gradients and updates the parameters in
// place. Gradients are not cleared; callers zero them per batch.
func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, p := range a.ps {
		r, c := p.W.Dims()
		for row := 0; row < r; row++ {
			w := p.W.RawRowView(row)
			g := p.G.RawRowView(row)
			m := a.m[i].RawRowView(row)
			v := a.v[i].RawRowView(row)
			for j := 0; j < c; j++ {
				m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
				v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
				mhat := m[j] / c1
				vhat := v[j] / c2
				w[j] -= a.lr * mhat / (math.Sqrt(vhat) + a.eps)
			}
		}
	}
}
