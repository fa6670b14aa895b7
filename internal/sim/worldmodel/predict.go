package worldmodel

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/nn"
	"worldmodel.ai/internal/sim/rollout"
)

// Prediction is the result of a single-step query, one row per input
// state. Done flags are advisory, mirroring the rollout contract.
type Prediction struct {
	Next   *mat.Dense
	Reward *mat.VecDense
	Done   []bool
}

// PredictOnBatch advances a batch of states one step. With sample set,
// one ensemble member is drawn per row under a fresh bootstrap
// assignment and its sampled transition is used; otherwise the
// prediction is the deterministic average of the member means.
func (m *Model) PredictOnBatch(obs, act *mat.Dense, sample bool) (*Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.adaptedLocked() {
		return nil, ErrNotAdapted
	}
	n, c := obs.Dims()
	if n < 1 {
		return nil, nn.ShapeErrf("predict", "empty state batch")
	}
	if c != m.cfg.ObsDim {
		return nil, nn.ShapeErrf("predict", "state width %d, want %d", c, m.cfg.ObsDim)
	}
	ar, ac := act.Dims()
	if ar != n || ac != m.cfg.ActDim {
		return nil, nn.ShapeErrf("predict", "actions are %dx%d, want %dx%d", ar, ac, n, m.cfg.ActDim)
	}

	normObs, err := m.obsNorm.Normalize(obs)
	if err != nil {
		return nil, err
	}
	normAct, err := m.actNorm.Normalize(act)
	if err != nil {
		return nil, err
	}
	dist, err := m.dyn.Predict(concat(normObs, normAct))
	if err != nil {
		return nil, err
	}

	eventDim := m.dyn.EventDim()
	picked := mat.NewDense(n, eventDim, nil)
	var assign []int
	if sample {
		m.rngMu.Lock()
		samples := dist.Sample(m.rng)
		assign = make([]int, n)
		for i := range assign {
			assign[i] = m.rng.Intn(m.cfg.Ensembles)
		}
		m.rngMu.Unlock()
		for i := 0; i < n; i++ {
			copy(picked.RawRowView(i), samples[assign[i]].RawRowView(i))
		}
	} else {
		means := dist.Mean()
		inv := 1 / float64(len(means))
		for _, mk := range means {
			for i := 0; i < n; i++ {
				dst := picked.RawRowView(i)
				src := mk.RawRowView(i)
				for j := range dst {
					dst[j] += src[j] * inv
				}
			}
		}
	}

	normDelta := picked
	var normRew *mat.VecDense
	if m.cfg.FuseReward {
		normDelta = picked.Slice(0, n, 0, m.cfg.ObsDim).(*mat.Dense)
		normRew = mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			normRew.SetVec(i, picked.At(i, m.cfg.ObsDim))
		}
	}

	delta, err := m.deltaNorm.Denormalize(normDelta)
	if err != nil {
		return nil, err
	}
	next := mat.NewDense(n, m.cfg.ObsDim, nil)
	next.Add(obs, delta)
	if !finite(next) {
		return nil, nn.NumErrf("predict", "predicted states are not finite")
	}

	rew, err := m.predictReward(obs, act, next, normObs, normAct, normRew, assign, sample)
	if err != nil {
		return nil, err
	}

	done := make([]bool, n)
	if m.cfg.TerminateFn != nil {
		done, err = m.cfg.TerminateFn(obs, act, next)
		if err != nil {
			return nil, err
		}
		if len(done) != n {
			return nil, nn.ShapeErrf("predict", "terminate fn returned %d flags, want %d", len(done), n)
		}
	}
	return &Prediction{Next: next, Reward: rew, Done: done}, nil
}

func (m *Model) predictReward(obs, act, next, normObs, normAct *mat.Dense, normRew *mat.VecDense, assign []int, sample bool) (*mat.VecDense, error) {
	n, _ := obs.Dims()
	switch {
	case m.cfg.RewardFn != nil:
		rew, err := m.cfg.RewardFn(obs, act, next)
		if err != nil {
			return nil, err
		}
		if rew.Len() != n {
			return nil, nn.ShapeErrf("predict", "reward fn returned %d values, want %d", rew.Len(), n)
		}
		return rew, nil

	case m.cfg.FuseReward:
		return m.rewNorm.DenormalizeVec(normRew)

	case m.rew != nil:
		normNext, err := m.obsNorm.Normalize(next)
		if err != nil {
			return nil, err
		}
		in := concat(normObs, normAct, normNext)
		if !sample || m.rew.Members() == 1 {
			mean, err := m.rew.PredictMean(in)
			if err != nil {
				return nil, err
			}
			return m.rewNorm.DenormalizeVec(mean)
		}
		members, err := m.rew.PredictMembers(in)
		if err != nil {
			return nil, err
		}
		sel := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			sel.SetVec(i, members[assign[i]].AtVec(i))
		}
		return m.rewNorm.DenormalizeVec(sel)

	default:
		return mat.NewVecDense(n, nil), nil
	}
}

// BuildRollout freezes the current model state into a rollout engine.
// The engine copies the normalizer statistics and pins the current
// model version; it refuses to run once the model is mutated again.
func (m *Model) BuildRollout(horizon, particles int, policy rollout.Policy) (*rollout.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.adaptedLocked() {
		return nil, ErrNotAdapted
	}
	if horizon < 1 {
		return nil, &nn.ConfigError{Msg: fmt.Sprintf("worldmodel: rollout horizon %d, want at least 1", horizon)}
	}
	if particles < 1 {
		return nil, &nn.ConfigError{Msg: fmt.Sprintf("worldmodel: rollout particles %d, want at least 1", particles)}
	}

	// Engines draw from their own source so concurrent rollouts never
	// contend on the model rng.
	m.rngMu.Lock()
	src := rand.NewSource(m.rng.Int63())
	m.rngMu.Unlock()

	cfg := rollout.Config{
		ObsDim:      m.cfg.ObsDim,
		ActDim:      m.cfg.ActDim,
		Horizon:     horizon,
		Particles:   particles,
		Dynamics:    m.dyn,
		FusedReward: m.cfg.FuseReward,
		RewardFn:    m.cfg.RewardFn,
		TerminateFn: m.cfg.TerminateFn,
		Policy:      policy,
		ObsStats:    m.obsNorm.Stats(),
		ActStats:    m.actNorm.Stats(),
		DeltaStats:  m.deltaNorm.Stats(),
		Version:     m.version.Load(),
		LiveVersion: m.version.Load,
		Rand:        rand.New(src),
	}
	if m.rew != nil {
		cfg.Rewards = m.rew
	}
	if m.cfg.FuseReward || m.rew != nil {
		rs := m.rewNorm.Stats()
		cfg.RewStats = &rs
	}
	return rollout.New(cfg)
}

func concat(ms ...*mat.Dense) *mat.Dense {
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

func finite(m *mat.Dense) bool {
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
