package envs

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/rollout"
)

const (
	pendulumGravity   = 10.0
	pendulumMass      = 1.0
	pendulumLength    = 1.0
	pendulumDT        = 0.05
	pendulumMaxSpeed  = 8.0
	pendulumMaxTorque = 2.0
)

// Pendulum is the classic torque-limited swing-up task. The state is
// (angle, angular velocity) with angle zero at the upright position;
// the reward penalizes angle, speed and torque. Episodes never end on
// their own.
type Pendulum struct {
	state []float64
	rng   *rand.Rand
}

func NewPendulum(rng *rand.Rand) *Pendulum {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	p := &Pendulum{rng: rng}
	p.Reset()
	return p
}

func (p *Pendulum) ObsDim() int       { return 2 }
func (p *Pendulum) ActDim() int       { return 1 }
func (p *Pendulum) ActBound() float64 { return pendulumMaxTorque }

func (p *Pendulum) Reset() []float64 {
	p.state = []float64{
		p.rng.Float64()*2*math.Pi - math.Pi,
		p.rng.Float64()*2 - 1,
	}
	return append([]float64(nil), p.state...)
}

func (p *Pendulum) Step(action []float64) ([]float64, float64, bool) {
	th, thdot := p.state[0], p.state[1]
	u := clamp(action[0], -pendulumMaxTorque, pendulumMaxTorque)

	r := -pendulumCost(th, thdot, u)

	thdot += (3*pendulumGravity/(2*pendulumLength)*math.Sin(th) +
		3/(pendulumMass*pendulumLength*pendulumLength)*u) * pendulumDT
	thdot = clamp(thdot, -pendulumMaxSpeed, pendulumMaxSpeed)
	th += thdot * pendulumDT

	p.state = []float64{th, thdot}
	return append([]float64(nil), p.state...), r, false
}

// RewardFn is the batch form of the Step reward. The pendulum cost is
// charged on the current state and torque; the successor is unused.
func (p *Pendulum) RewardFn() rollout.RewardFunc {
	return func(state, action, next *mat.Dense) (*mat.VecDense, error) {
		n, _ := state.Dims()
		out := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			s := state.RawRowView(i)
			u := clamp(action.At(i, 0), -pendulumMaxTorque, pendulumMaxTorque)
			out.SetVec(i, -pendulumCost(s[0], s[1], u))
		}
		return out, nil
	}
}

func pendulumCost(th, thdot, u float64) float64 {
	a := angleNorm(th)
	return a*a + 0.1*thdot*thdot + 0.001*u*u
}

// angleNorm wraps an angle into [-pi, pi).
func angleNorm(th float64) float64 {
	m := math.Mod(th+math.Pi, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m - math.Pi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
