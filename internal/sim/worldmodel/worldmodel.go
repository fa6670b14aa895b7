// Package worldmodel ties the learned pieces into one model of an
// environment: it owns the normalizers, the dynamics ensemble and the
// optional reward model, trains them together, answers single-step
// queries and builds frozen rollout engines.
//
// SetStatistics and Update are writer calls and must be serialized by
// the caller; PredictOnBatch, BuildRollout and Export are readers and
// may run concurrently with each other between writes.
package worldmodel

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/dataset"
	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/nn"
	"worldmodel.ai/internal/sim/normalize"
	"worldmodel.ai/internal/sim/rollout"
)

// ErrNotAdapted is returned by prediction and rollout building before
// any statistics have been fitted. The normalizers themselves fall back
// to the identity transform; the facade refuses instead.
var ErrNotAdapted = errors.New("worldmodel: statistics not adapted, call SetStatistics or Update first")

// Config describes a world model. Start from DefaultConfig and
// override; zero numeric fields fall back to the defaults there.
//
// The reward source is resolved at construction: an analytic RewardFn
// wins, else FuseReward folds the reward into the dynamics head, else a
// separate reward ensemble with RewardMembers members is built and
// trained alongside the dynamics model.
type Config struct {
	ID             string
	ObsDim, ActDim int

	Ensembles  int
	Hidden     int
	Layers     int // linear layers; 4 means three hidden blocks
	Activation string
	LayerNorm  bool
	LR         float64

	FuseReward    bool
	RewardMembers int

	RewardFn    rollout.RewardFunc
	TerminateFn rollout.TerminateFunc

	Seed int64
}

// DefaultConfig is the shipped architecture: five members, three hidden
// layers of 64 units with layer normalization, relu, Adam at 1e-3.
func DefaultConfig(obsDim, actDim int) Config {
	return Config{
		ID:         "wm-default",
		ObsDim:     obsDim,
		ActDim:     actDim,
		Ensembles:  5,
		Hidden:     64,
		Layers:     4,
		Activation: "relu",
		LayerNorm:  true,
		LR:         1e-3,
		Seed:       1,
	}
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "wm-default"
	}
	if c.Ensembles <= 0 {
		c.Ensembles = 5
	}
	if c.Hidden <= 0 {
		c.Hidden = 64
	}
	if c.Layers <= 0 {
		c.Layers = 4
	}
	if c.Activation == "" {
		c.Activation = "relu"
	}
	if c.LR <= 0 {
		c.LR = 1e-3
	}
	if c.RewardMembers <= 0 {
		c.RewardMembers = c.Ensembles
	}
	return c
}

// Model is the world model facade.
type Model struct {
	cfg Config

	mu        sync.RWMutex
	obsNorm   *normalize.Normalizer
	actNorm   *normalize.Normalizer
	deltaNorm *normalize.Normalizer
	rewNorm   *normalize.Normalizer
	dyn       *dynamics.Ensemble
	rew       *dynamics.RewardModel

	// rng is shared by concurrent readers; rngMu serializes draws.
	// Lock order: mu before rngMu.
	rngMu sync.Mutex
	rng   *rand.Rand

	version atomic.Uint64

	sink dynamics.EpochSink
}

func New(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.ObsDim < 1 || cfg.ActDim < 1 {
		return nil, &nn.ConfigError{Msg: fmt.Sprintf("worldmodel: obs dim %d, act dim %d, want at least 1", cfg.ObsDim, cfg.ActDim)}
	}
	act, err := nn.ParseActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if cfg.RewardFn != nil && cfg.FuseReward {
		return nil, &nn.ConfigError{Msg: "worldmodel: analytic reward function and fused reward head cannot be combined"}
	}
	if cfg.RewardMembers != 1 && cfg.RewardMembers != cfg.Ensembles {
		return nil, &nn.ConfigError{Msg: fmt.Sprintf("worldmodel: reward members %d, want 1 or %d", cfg.RewardMembers, cfg.Ensembles)}
	}

	m := &Model{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		obsNorm:   normalize.New(cfg.ObsDim),
		actNorm:   normalize.New(cfg.ActDim),
		deltaNorm: normalize.New(cfg.ObsDim),
		rewNorm:   normalize.New(1),
	}
	m.dyn, err = dynamics.NewEnsemble(dynamics.Config{
		ObsDim:     cfg.ObsDim,
		ActDim:     cfg.ActDim,
		Members:    cfg.Ensembles,
		Hidden:     cfg.Hidden,
		Layers:     cfg.Layers,
		Activation: act,
		LayerNorm:  cfg.LayerNorm,
		LR:         cfg.LR,
		FuseReward: cfg.FuseReward,
	}, m.rng)
	if err != nil {
		return nil, err
	}
	if cfg.RewardFn == nil && !cfg.FuseReward {
		m.rew, err = dynamics.NewRewardModel(dynamics.RewardConfig{
			ObsDim:     cfg.ObsDim,
			ActDim:     cfg.ActDim,
			Members:    cfg.RewardMembers,
			Hidden:     cfg.Hidden,
			Layers:     cfg.Layers,
			Activation: act,
			LayerNorm:  cfg.LayerNorm,
			LR:         cfg.LR,
		}, m.rng)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Config returns the resolved configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// SetEpochSink installs the receiver for per-epoch training progress.
// Nil drops the entries. Not safe to call while Update is running.
func (m *Model) SetEpochSink(s dynamics.EpochSink) { m.sink = s }

// Version counts mutations of the model state. Rollout engines pin the
// version they were built at and refuse to run once it moves.
func (m *Model) Version() uint64 { return m.version.Load() }

// Adapted reports whether statistics have been fitted.
func (m *Model) Adapted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adaptedLocked()
}

func (m *Model) adaptedLocked() bool {
	return m.obsNorm.Adapted() && m.actNorm.Adapted() && m.deltaNorm.Adapted()
}

// SetStatistics adapts all normalizers from the full dataset, replacing
// any previously fitted statistics. It must run before training,
// prediction or rollout building.
func (m *Model) SetStatistics(ts *dataset.Transitions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatisticsLocked(ts)
}

func (m *Model) setStatisticsLocked(ts *dataset.Transitions) error {
	if err := m.checkDims(ts); err != nil {
		return err
	}
	defer m.version.Add(1)
	if err := m.obsNorm.Adapt(ts.Obs); err != nil {
		return err
	}
	if err := m.actNorm.Adapt(ts.Act); err != nil {
		return err
	}
	if err := m.deltaNorm.Adapt(ts.Deltas()); err != nil {
		return err
	}
	return m.rewNorm.Adapt(rewardColumn(ts.Rew))
}

func (m *Model) checkDims(ts *dataset.Transitions) error {
	if ts.ObsDim() != m.cfg.ObsDim || ts.ActDim() != m.cfg.ActDim {
		return nn.ShapeErrf("worldmodel", "dataset dims (%d, %d), model wants (%d, %d)",
			ts.ObsDim(), ts.ActDim(), m.cfg.ObsDim, m.cfg.ActDim)
	}
	return nil
}

// Report summarizes one Update call. Reward is nil when the model has
// an analytic reward function or a fused reward head.
type Report struct {
	Dynamics dynamics.History
	Reward   *dynamics.History
}

// Update refits the statistics and trains the dynamics model, and the
// reward model when present, on the dataset. The dataset is shuffled
// once up front so the trailing validation split is random; minibatch
// order within epochs follows cfg.Shuffle.
func (m *Model) Update(ts *dataset.Transitions, cfg dynamics.UpdateConfig) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.version.Add(1)

	if err := m.checkDims(ts); err != nil {
		return nil, err
	}

	m.rngMu.Lock()
	shuffled := ts.Shuffle(m.rng)
	m.rngMu.Unlock()

	if err := m.setStatisticsLocked(shuffled); err != nil {
		return nil, err
	}

	normObs, err := m.obsNorm.Normalize(shuffled.Obs)
	if err != nil {
		return nil, err
	}
	normAct, err := m.actNorm.Normalize(shuffled.Act)
	if err != nil {
		return nil, err
	}
	normDelta, err := m.deltaNorm.Normalize(shuffled.Deltas())
	if err != nil {
		return nil, err
	}
	normRew, err := m.rewNorm.Normalize(rewardColumn(shuffled.Rew))
	if err != nil {
		return nil, err
	}

	x := concat(normObs, normAct)
	y := normDelta
	if m.cfg.FuseReward {
		y = concat(normDelta, normRew)
	}

	report := &Report{}
	report.Dynamics, err = m.dyn.Fit(x, y, cfg, m.rng, m.sink)
	if err != nil {
		return nil, err
	}

	if m.rew != nil {
		normNext, err := m.obsNorm.Normalize(shuffled.NextObs)
		if err != nil {
			return nil, err
		}
		n := shuffled.N()
		target := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			target.SetVec(i, normRew.At(i, 0))
		}
		hist, err := m.rew.Fit(concat(normObs, normAct, normNext), target, cfg, m.rng, m.sink)
		if err != nil {
			return nil, err
		}
		report.Reward = &hist
	}
	return report, nil
}

func rewardColumn(v *mat.VecDense) *mat.Dense {
	out := mat.NewDense(v.Len(), 1, nil)
	for i := 0; i < v.Len(); i++ {
		out.Set(i, 0, v.AtVec(i))
	}
	return out
}
