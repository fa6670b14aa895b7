// Package envs provides small synthetic environments for exercising
// and benchmarking the world model: a linear-Gaussian system with a
// known transition law and a torque-limited pendulum. Both expose
// batch analytic reward functions matching their Step rewards exactly,
// so rollout engines can run with the learned reward path bypassed.
package envs

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/dataset"
)

// Env is a simulated system the world model learns from. Reset and
// Step return freshly allocated observation slices.
type Env interface {
	ObsDim() int
	ActDim() int
	// ActBound is the half-width of the symmetric action range.
	ActBound() float64
	Reset() []float64
	Step(action []float64) (next []float64, reward float64, done bool)
}

// New builds a named benchmark environment.
func New(name string, rng *rand.Rand) (Env, error) {
	switch name {
	case "linear":
		return NewLinearGaussian(LinearGaussianConfig{}, rng), nil
	case "pendulum":
		return NewPendulum(rng), nil
	}
	return nil, fmt.Errorf("envs: unknown environment %q", name)
}

// Collect runs the environment under uniform random actions for n
// steps, resetting whenever an episode ends, and returns the recorded
// transitions.
func Collect(env Env, n int, rng *rand.Rand) (*dataset.Transitions, error) {
	if n < 1 {
		return nil, fmt.Errorf("envs: collect needs at least one step, have %d", n)
	}
	obs := make([][]float64, 0, n)
	act := make([][]float64, 0, n)
	next := make([][]float64, 0, n)
	rew := make([]float64, 0, n)
	done := make([]bool, 0, n)

	state := env.Reset()
	for i := 0; i < n; i++ {
		a := make([]float64, env.ActDim())
		for j := range a {
			a[j] = (rng.Float64()*2 - 1) * env.ActBound()
		}
		nx, r, d := env.Step(a)

		obs = append(obs, state)
		act = append(act, a)
		next = append(next, nx)
		rew = append(rew, r)
		done = append(done, d)

		if d {
			state = env.Reset()
		} else {
			state = nx
		}
	}
	return dataset.FromRows(obs, act, next, rew, done)
}

// ResetBatch resets the environment n times and stacks the initial
// states into one matrix, one rollout start point per row.
func ResetBatch(env Env, n int) *mat.Dense {
	out := mat.NewDense(n, env.ObsDim(), nil)
	for i := 0; i < n; i++ {
		copy(out.RawRowView(i), env.Reset())
	}
	return out
}
