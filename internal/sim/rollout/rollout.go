// Package rollout advances batches of imagined particles through a
// learned dynamics model. Each particle is re-assigned a uniformly
// random ensemble member at every step, so model uncertainty mixes into
// the trajectory distribution instead of staying pinned per particle.
package rollout

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/nn"
	"worldmodel.ai/internal/sim/normalize"
)

// ErrStaleRollout is returned when the model that an engine was built
// from has been updated since. The engine checks before every step.
var ErrStaleRollout = errors.New("rollout: model updated since engine was built")

// Dynamics is the slice of the learned model an engine queries.
type Dynamics interface {
	Predict(x *mat.Dense) (nn.Distribution, error)
	Members() int
	EventDim() int
}

// Rewards is a learned reward head consulted when no analytic reward
// function is configured and the reward is not fused into the dynamics
// output.
type Rewards interface {
	PredictMembers(x *mat.Dense) ([]*mat.VecDense, error)
	Members() int
}

// Policy maps raw states to raw actions when rollouts are not
// teacher-forced.
type Policy func(states *mat.Dense) (*mat.Dense, error)

// RewardFunc computes rewards analytically from raw states, actions and
// successor states, one value per row.
type RewardFunc func(state, action, next *mat.Dense) (*mat.VecDense, error)

// TerminateFunc flags rows whose transition ends an episode. Flags are
// recorded but do not stop the rollout.
type TerminateFunc func(state, action, next *mat.Dense) ([]bool, error)

// Config freezes everything a rollout needs. The normalizer stats are
// value copies, so later refits of the source model cannot silently
// shift an engine that is already running; weight updates are caught
// through Version/LiveVersion instead.
type Config struct {
	ObsDim, ActDim     int
	Horizon, Particles int

	Dynamics    Dynamics
	FusedReward bool
	Rewards     Rewards
	RewardFn    RewardFunc
	TerminateFn TerminateFunc
	Policy      Policy

	ObsStats   normalize.Stats
	ActStats   normalize.Stats
	DeltaStats normalize.Stats
	RewStats   *normalize.Stats

	Version     uint64
	LiveVersion func() uint64

	Rand *rand.Rand
}

// Engine runs rollouts for one frozen model snapshot. An Engine is not
// safe for concurrent Run calls; build one per goroutine.
type Engine struct {
	cfg       Config
	obsNorm   *normalize.Normalizer
	actNorm   *normalize.Normalizer
	deltaNorm *normalize.Normalizer
	rewNorm   *normalize.Normalizer
	rng       *rand.Rand
}

func New(cfg Config) (*Engine, error) {
	if cfg.ObsDim < 1 || cfg.ActDim < 1 {
		return nil, nn.ShapeErrf("rollout", "obs dim %d, act dim %d", cfg.ObsDim, cfg.ActDim)
	}
	if cfg.Horizon < 1 {
		return nil, nn.ShapeErrf("rollout", "horizon %d, want at least 1", cfg.Horizon)
	}
	if cfg.Particles < 1 {
		return nil, nn.ShapeErrf("rollout", "particles %d, want at least 1", cfg.Particles)
	}
	if cfg.Dynamics == nil {
		return nil, errors.New("rollout: no dynamics model")
	}
	wantEvent := cfg.ObsDim
	if cfg.FusedReward {
		wantEvent++
	}
	if got := cfg.Dynamics.EventDim(); got != wantEvent {
		return nil, nn.ShapeErrf("rollout", "dynamics event dim %d, want %d", got, wantEvent)
	}

	sources := 0
	if cfg.RewardFn != nil {
		sources++
	}
	if cfg.FusedReward {
		sources++
	}
	if cfg.Rewards != nil {
		sources++
	}
	if sources > 1 {
		return nil, errors.New("rollout: more than one reward source configured")
	}
	if cfg.Rewards != nil {
		if rm := cfg.Rewards.Members(); rm != 1 && rm != cfg.Dynamics.Members() {
			return nil, nn.ShapeErrf("rollout", "reward members %d, want 1 or %d", rm, cfg.Dynamics.Members())
		}
	}
	if (cfg.FusedReward || cfg.Rewards != nil) && cfg.RewStats == nil {
		return nil, errors.New("rollout: learned rewards need reward normalizer stats")
	}

	e := &Engine{cfg: cfg, rng: cfg.Rand}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(1))
	}
	var err error
	if e.obsNorm, err = normalize.FromStats(cfg.ObsStats); err != nil {
		return nil, err
	}
	if e.actNorm, err = normalize.FromStats(cfg.ActStats); err != nil {
		return nil, err
	}
	if e.deltaNorm, err = normalize.FromStats(cfg.DeltaStats); err != nil {
		return nil, err
	}
	if cfg.RewStats != nil {
		if e.rewNorm, err = normalize.FromStats(*cfg.RewStats); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) stale() bool {
	return e.cfg.LiveVersion != nil && e.cfg.LiveVersion() != e.cfg.Version
}

// Run rolls the batch of initial states forward Horizon steps. With a
// configured Policy, actions must be nil; otherwise actions holds one
// (N, ActDim) matrix per step and is tiled across particles.
func (e *Engine) Run(initial *mat.Dense, actions []*mat.Dense) (*Trajectory, error) {
	if e.stale() {
		return nil, ErrStaleRollout
	}
	n, c := initial.Dims()
	if n < 1 {
		return nil, nn.ShapeErrf("rollout run", "empty initial state batch")
	}
	if c != e.cfg.ObsDim {
		return nil, nn.ShapeErrf("rollout run", "initial state width %d, want %d", c, e.cfg.ObsDim)
	}
	if e.cfg.Policy != nil {
		if actions != nil {
			return nil, errors.New("rollout: both policy and teacher-forced actions given")
		}
	} else {
		if len(actions) != e.cfg.Horizon {
			return nil, nn.ShapeErrf("rollout run", "%d action steps, want %d", len(actions), e.cfg.Horizon)
		}
		for t, a := range actions {
			ar, ac := a.Dims()
			if ar != n || ac != e.cfg.ActDim {
				return nil, nn.ShapeErrf("rollout run", "actions[%d] is %dx%d, want %dx%d", t, ar, ac, n, e.cfg.ActDim)
			}
		}
	}
	if !finiteDense(initial) {
		return nil, nn.NumErrf("rollout run", "initial states are not finite")
	}

	states := tileRows(initial, e.cfg.Particles)
	tr := newTrajectory(n, e.cfg.Particles, e.cfg.Horizon, e.cfg.ObsDim)

	for t := 0; t < e.cfg.Horizon; t++ {
		if e.stale() {
			return nil, ErrStaleRollout
		}
		var act *mat.Dense
		var err error
		if e.cfg.Policy != nil {
			act, err = e.cfg.Policy(states)
			if err != nil {
				return nil, err
			}
			ar, ac := act.Dims()
			if ar != n*e.cfg.Particles || ac != e.cfg.ActDim {
				return nil, nn.ShapeErrf("rollout run", "policy output %dx%d at step %d, want %dx%d",
					ar, ac, t, n*e.cfg.Particles, e.cfg.ActDim)
			}
		} else {
			act = tileRows(actions[t], e.cfg.Particles)
		}

		next, rew, done, err := e.step(states, act, t)
		if err != nil {
			return nil, err
		}
		tr.States[t] = next
		tr.Rewards[t] = rew
		tr.Dones[t] = done
		states = next
	}
	return tr, nil
}

// step advances every particle once: normalize, sample each member,
// pick one member per row, denormalize the delta and integrate.
func (e *Engine) step(states, act *mat.Dense, t int) (*mat.Dense, *mat.VecDense, []bool, error) {
	rows, _ := states.Dims()

	normState, err := e.obsNorm.Normalize(states)
	if err != nil {
		return nil, nil, nil, err
	}
	normAct, err := e.actNorm.Normalize(act)
	if err != nil {
		return nil, nil, nil, err
	}

	dist, err := e.cfg.Dynamics.Predict(concatCols(normState, normAct))
	if err != nil {
		return nil, nil, nil, err
	}
	samples := dist.Sample(e.rng)

	members := e.cfg.Dynamics.Members()
	assign := make([]int, rows)
	for i := range assign {
		assign[i] = e.rng.Intn(members)
	}

	eventDim := e.cfg.Dynamics.EventDim()
	picked := mat.NewDense(rows, eventDim, nil)
	for i := 0; i < rows; i++ {
		copy(picked.RawRowView(i), samples[assign[i]].RawRowView(i))
	}

	normDelta := picked
	var normRew *mat.VecDense
	if e.cfg.FusedReward {
		normDelta = picked.Slice(0, rows, 0, e.cfg.ObsDim).(*mat.Dense)
		normRew = mat.NewVecDense(rows, nil)
		for i := 0; i < rows; i++ {
			normRew.SetVec(i, picked.At(i, e.cfg.ObsDim))
		}
	}

	delta, err := e.deltaNorm.Denormalize(normDelta)
	if err != nil {
		return nil, nil, nil, err
	}
	next := mat.NewDense(rows, e.cfg.ObsDim, nil)
	next.Add(states, delta)
	if !finiteDense(next) {
		return nil, nil, nil, nn.NumErrf("rollout run", "states left the finite range at step %d", t)
	}

	rew, err := e.rewardsFor(states, act, next, normState, normAct, normRew, assign)
	if err != nil {
		return nil, nil, nil, err
	}

	done := make([]bool, rows)
	if e.cfg.TerminateFn != nil {
		done, err = e.cfg.TerminateFn(states, act, next)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(done) != rows {
			return nil, nil, nil, nn.ShapeErrf("rollout run", "terminate fn returned %d flags, want %d", len(done), rows)
		}
	}
	return next, rew, done, nil
}

func (e *Engine) rewardsFor(states, act, next, normState, normAct *mat.Dense, normRew *mat.VecDense, assign []int) (*mat.VecDense, error) {
	rows, _ := states.Dims()
	switch {
	case e.cfg.RewardFn != nil:
		rew, err := e.cfg.RewardFn(states, act, next)
		if err != nil {
			return nil, err
		}
		if rew.Len() != rows {
			return nil, nn.ShapeErrf("rollout run", "reward fn returned %d values, want %d", rew.Len(), rows)
		}
		return rew, nil

	case e.cfg.FusedReward:
		return e.rewNorm.DenormalizeVec(normRew)

	case e.cfg.Rewards != nil:
		normNext, err := e.obsNorm.Normalize(next)
		if err != nil {
			return nil, err
		}
		members, err := e.cfg.Rewards.PredictMembers(concatCols(normState, normAct, normNext))
		if err != nil {
			return nil, err
		}
		sel := mat.NewVecDense(rows, nil)
		for i := 0; i < rows; i++ {
			k := 0
			if len(members) > 1 {
				// Keep the reward draw consistent with the dynamics
				// member that produced this particle's transition.
				k = assign[i]
			}
			sel.SetVec(i, members[k].AtVec(i))
		}
		return e.rewNorm.DenormalizeVec(sel)

	default:
		return mat.NewVecDense(rows, nil), nil
	}
}

// tileRows repeats every row p times, so source row n lands at rows
// n*p..n*p+p-1.
func tileRows(m *mat.Dense, p int) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r*p, c, nil)
	for i := 0; i < r; i++ {
		src := m.RawRowView(i)
		for j := 0; j < p; j++ {
			copy(out.RawRowView(i*p+j), src)
		}
	}
	return out
}

func concatCols(ms ...*mat.Dense) *mat.Dense {
	rows, _ := ms[0].Dims()
	total := 0
	for _, m := range ms {
		_, c := m.Dims()
		total += c
	}
	out := mat.NewDense(rows, total, nil)
	for i := 0; i < rows; i++ {
		dst := out.RawRowView(i)
		off := 0
		for _, m := range ms {
			src := m.RawRowView(i)
			copy(dst[off:], src)
			off += len(src)
		}
	}
	return out
}

func finiteDense(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
