package envs

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/rollout"
)

// LinearGaussianConfig describes the drift system
// next = obs + Drift*act + Noise*eps. Zero fields fall back to the
// defaults in NewLinearGaussian.
type LinearGaussianConfig struct {
	ObsDim, ActDim int
	Drift          float64
	Noise          float64
	// Bound ends an episode once any state coordinate leaves it.
	Bound float64
}

// LinearGaussian is a drift system with a known linear transition law,
// useful for checking that the learned model recovers ground truth.
// The reward is a quadratic cost on the successor state and action.
type LinearGaussian struct {
	cfg   LinearGaussianConfig
	state []float64
	rng   *rand.Rand
}

func NewLinearGaussian(cfg LinearGaussianConfig, rng *rand.Rand) *LinearGaussian {
	if cfg.ObsDim <= 0 {
		cfg.ObsDim = 3
	}
	if cfg.ActDim <= 0 {
		cfg.ActDim = 2
	}
	if cfg.Drift == 0 {
		cfg.Drift = 0.1
	}
	if cfg.Noise < 0 {
		cfg.Noise = 0
	} else if cfg.Noise == 0 {
		cfg.Noise = 0.01
	}
	if cfg.Bound <= 0 {
		cfg.Bound = 10
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	e := &LinearGaussian{cfg: cfg, rng: rng}
	e.Reset()
	return e
}

func (e *LinearGaussian) ObsDim() int       { return e.cfg.ObsDim }
func (e *LinearGaussian) ActDim() int       { return e.cfg.ActDim }
func (e *LinearGaussian) ActBound() float64 { return 1 }

func (e *LinearGaussian) Reset() []float64 {
	e.state = make([]float64, e.cfg.ObsDim)
	for j := range e.state {
		e.state[j] = e.rng.Float64()*2 - 1
	}
	return append([]float64(nil), e.state...)
}

func (e *LinearGaussian) Step(action []float64) ([]float64, float64, bool) {
	next := make([]float64, e.cfg.ObsDim)
	for j := range next {
		next[j] = e.state[j] + e.cfg.Drift*action[j%e.cfg.ActDim] + e.cfg.Noise*e.rng.NormFloat64()
	}
	r := e.rewardAt(action, next)
	d := e.doneAt(next)
	e.state = next
	return append([]float64(nil), next...), r, d
}

func (e *LinearGaussian) rewardAt(action, next []float64) float64 {
	cost := 0.0
	for _, v := range next {
		cost += v * v
	}
	for _, a := range action {
		cost += 0.01 * a * a
	}
	return -cost
}

func (e *LinearGaussian) doneAt(next []float64) bool {
	for _, v := range next {
		if math.Abs(v) > e.cfg.Bound {
			return true
		}
	}
	return false
}

// RewardFn is the batch form of the Step reward, for analytic rollout
// rewards.
func (e *LinearGaussian) RewardFn() rollout.RewardFunc {
	return func(state, action, next *mat.Dense) (*mat.VecDense, error) {
		n, _ := state.Dims()
		out := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			out.SetVec(i, e.rewardAt(action.RawRowView(i), next.RawRowView(i)))
		}
		return out, nil
	}
}

// TerminateFn is the batch form of the Step done flag.
func (e *LinearGaussian) TerminateFn() rollout.TerminateFunc {
	return func(state, action, next *mat.Dense) ([]bool, error) {
		n, _ := state.Dims()
		out := make([]bool, n)
		for i := 0; i < n; i++ {
			out[i] = e.doneAt(next.RawRowView(i))
		}
		return out, nil
	}
}
