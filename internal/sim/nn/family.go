package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Family is the closed set of output heads a network can carry. Normal
// parameterizes a diagonal Gaussian per member; Point is a plain
// regression head whose log probability is the negative half squared
// error, so minimizing its loss is exactly MSE regression.
type Family int

const (
	FamilyNormal Family = iota
	FamilyPoint
)

func (f Family) String() string {
	switch f {
	case FamilyNormal:
		return "normal"
	case FamilyPoint:
		return "point"
	}
	return "unknown"
}

// SigmaFloor is added to the softplus-transformed scale so the Gaussian
// head never collapses to zero variance.
const SigmaFloor = 1e-4

// RawWidth is the network output width needed for an eventDim-wide
// target under this family.
func (f Family) RawWidth(eventDim int) int {
	if f == FamilyNormal {
		return 2 * eventDim
	}
	return eventDim
}

// Distribution is the per-member predictive distribution over a batch.
// Returned matrices are owned by the distribution and must be treated
// as read-only.
type Distribution interface {
	Members() int
	Dim() int
	// Sample draws one (N, Dim) matrix per member.
	Sample(rng *rand.Rand) []*mat.Dense
	// Mean returns the per-member distribution means.
	Mean() []*mat.Dense
	// LogProb evaluates the per-row log density of target, one vector
	// per member.
	LogProb(target *mat.Dense) []*mat.VecDense
}

// Dist wraps raw member outputs into a Distribution. For FamilyNormal
// the raw width must be 2*eventDim, columns [0,eventDim) holding the
// mean and the rest the pre-softplus scale.
func (f Family) Dist(raw []*mat.Dense, eventDim int) Distribution {
	switch f {
	case FamilyNormal:
		members := len(raw)
		d := &normalDist{dim: eventDim, mu: make([]*mat.Dense, members), sigma: make([]*mat.Dense, members)}
		for k, rk := range raw {
			r, _ := rk.Dims()
			mu := mat.NewDense(r, eventDim, nil)
			sigma := mat.NewDense(r, eventDim, nil)
			for i := 0; i < r; i++ {
				src := rk.RawRowView(i)
				mrow := mu.RawRowView(i)
				srow := sigma.RawRowView(i)
				for j := 0; j < eventDim; j++ {
					mrow[j] = src[j]
					srow[j] = softplus(src[eventDim+j]) + SigmaFloor
				}
			}
			d.mu[k], d.sigma[k] = mu, sigma
		}
		return d
	default:
		d := &pointDist{dim: eventDim, mu: make([]*mat.Dense, len(raw))}
		for k, rk := range raw {
			d.mu[k] = mat.DenseCopyOf(rk)
		}
		return d
	}
}

type normalDist struct {
	dim   int
	mu    []*mat.Dense
	sigma []*mat.Dense
}

func (d *normalDist) Members() int { return len(d.mu) }
func (d *normalDist) Dim() int     { return d.dim }

func (d *normalDist) Sample(rng *rand.Rand) []*mat.Dense {
	out := make([]*mat.Dense, len(d.mu))
	for k := range d.mu {
		r, c := d.mu[k].Dims()
		s := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			mrow := d.mu[k].RawRowView(i)
			srow := d.sigma[k].RawRowView(i)
			dst := s.RawRowView(i)
			for j := range dst {
				dst[j] = mrow[j] + srow[j]*rng.NormFloat64()
			}
		}
		out[k] = s
	}
	return out
}

func (d *normalDist) Mean() []*mat.Dense { return d.mu }

// Stddev exposes the per-member scales. Rollout variance diagnostics
// read it through a type assertion.
func (d *normalDist) Stddev() []*mat.Dense { return d.sigma }

const logSqrt2Pi = 0.9189385332046727 // ln(sqrt(2*pi))

func (d *normalDist) LogProb(target *mat.Dense) []*mat.VecDense {
	out := make([]*mat.VecDense, len(d.mu))
	for k := range d.mu {
		r, _ := d.mu[k].Dims()
		lp := mat.NewVecDense(r, nil)
		for i := 0; i < r; i++ {
			trow := target.RawRowView(i)
			mrow := d.mu[k].RawRowView(i)
			srow := d.sigma[k].RawRowView(i)
			sum := 0.0
			for j := 0; j < d.dim; j++ {
				z := (trow[j] - mrow[j]) / srow[j]
				sum -= 0.5*z*z + math.Log(srow[j]) + logSqrt2Pi
			}
			lp.SetVec(i, sum)
		}
		out[k] = lp
	}
	return out
}

type pointDist struct {
	dim int
	mu  []*mat.Dense
}

func (d *pointDist) Members() int       { return len(d.mu) }
func (d *pointDist) Dim() int           { return d.dim }
func (d *pointDist) Mean() []*mat.Dense { return d.mu }

func (d *pointDist) Sample(rng *rand.Rand) []*mat.Dense {
	out := make([]*mat.Dense, len(d.mu))
	for k := range d.mu {
		out[k] = mat.DenseCopyOf(d.mu[k])
	}
	return out
}

func (d *pointDist) LogProb(target *mat.Dense) []*mat.VecDense {
	out := make([]*mat.VecDense, len(d.mu))
	for k := range d.mu {
		r, _ := d.mu[k].Dims()
		lp := mat.NewVecDense(r, nil)
		for i := 0; i < r; i++ {
			trow := target.RawRowView(i)
			mrow := d.mu[k].RawRowView(i)
			sum := 0.0
			for j := 0; j < d.dim; j++ {
				e := trow[j] - mrow[j]
				sum -= 0.5 * e * e
			}
			lp.SetVec(i, sum)
		}
		out[k] = lp
	}
	return out
}

// LossGrad evaluates the training objective on raw member outputs: the
// negative log likelihood of target, summed over members and event
// dimensions and averaged over the batch. It returns the loss together
// with its gradient with respect to each raw output matrix.
func (f Family) LossGrad(raw []*mat.Dense, target *mat.Dense, eventDim int) (float64, []*mat.Dense) {
	n, _ := target.Dims()
	inv := 1 / float64(n)
	loss := 0.0
	grads := make([]*mat.Dense, len(raw))
	for k, rk := range raw {
		r, c := rk.Dims()
		g := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			src := rk.RawRowView(i)
			trow := target.RawRowView(i)
			grow := g.RawRowView(i)
			switch f {
			case FamilyNormal:
				for j := 0; j < eventDim; j++ {
					mu := src[j]
					s := src[eventDim+j]
					sigma := softplus(s) + SigmaFloor
					diff := trow[j] - mu
					z := diff / sigma
					loss += (0.5*z*z + math.Log(sigma) + logSqrt2Pi) * inv
					grow[j] = -diff / (sigma * sigma) * inv
					grow[eventDim+j] = (1/sigma - diff*diff/(sigma*sigma*sigma)) * sigmoid(s) * inv
				}
			default:
				for j := 0; j < eventDim; j++ {
					diff := trow[j] - src[j]
					loss += 0.5 * diff * diff * inv
					grow[j] = -diff * inv
				}
			}
		}
		grads[k] = g
	}
	return loss, grads
}

// Loss evaluates the objective of LossGrad without materializing
// gradients. Validation passes run this every epoch.
func (f Family) Loss(raw []*mat.Dense, target *mat.Dense, eventDim int) float64 {
	n, _ := target.Dims()
	inv := 1 / float64(n)
	loss := 0.0
	for _, rk := range raw {
		r, _ := rk.Dims()
		for i := 0; i < r; i++ {
			src := rk.RawRowView(i)
			trow := target.RawRowView(i)
			switch f {
			case FamilyNormal:
				for j := 0; j < eventDim; j++ {
					sigma := softplus(src[eventDim+j]) + SigmaFloor
					z := (trow[j] - src[j]) / sigma
					loss += (0.5*z*z + math.Log(sigma) + logSqrt2Pi) * inv
				}
			default:
				for j := 0; j < eventDim; j++ {
					diff := trow[j] - src[j]
					loss += 0.5 * diff * diff * inv
				}
			}
		}
	}
	return loss
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
