// Package wmtest drives the model stack end to end through exported
// APIs only: build an environment from a tuning value, collect
// transitions, fit, predict, roll out and round-trip snapshots.
// Scenario tests live alongside and never reach into package internals.
package wmtest

import (
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/sim/dataset"
	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/envs"
	"worldmodel.ai/internal/sim/rollout"
	"worldmodel.ai/internal/sim/tuning"
	"worldmodel.ai/internal/sim/worldmodel"
)

type Harness struct {
	T     *testing.T
	Tn    tuning.Tuning
	Env   envs.Env
	Model *worldmodel.Model
	Data  *dataset.Transitions

	// Analytic callbacks the model was built with, when any.
	RewardFn    rollout.RewardFunc
	TerminateFn rollout.TerminateFunc
}

// NewHarness builds the environment named by the tuning value and a
// model sized to it, with rewards left to the learned source.
func NewHarness(t *testing.T, tn tuning.Tuning) *Harness {
	t.Helper()
	tn.Normalize()
	if err := tn.Validate(); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	env, err := envs.New(tn.Data.Env, rand.New(rand.NewSource(tn.Data.Seed)))
	if err != nil {
		t.Fatalf("envs.New: %v", err)
	}
	h := &Harness{T: t, Tn: tn, Env: env}
	h.Model = h.buildModel(nil, nil)
	return h
}

// NewAnalyticHarness is like NewHarness but fixes the environment to
// the linear drift system and attaches its analytic reward and
// termination closures to the model.
func NewAnalyticHarness(t *testing.T, tn tuning.Tuning) *Harness {
	t.Helper()
	tn.Normalize()
	if err := tn.Validate(); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	env := envs.NewLinearGaussian(envs.LinearGaussianConfig{}, rand.New(rand.NewSource(tn.Data.Seed)))
	h := &Harness{
		T:           t,
		Tn:          tn,
		Env:         env,
		RewardFn:    env.RewardFn(),
		TerminateFn: env.TerminateFn(),
	}
	h.Model = h.buildModel(h.RewardFn, h.TerminateFn)
	return h
}

func (h *Harness) buildModel(rewardFn rollout.RewardFunc, terminateFn rollout.TerminateFunc) *worldmodel.Model {
	h.T.Helper()
	m, err := worldmodel.New(worldmodel.Config{
		ID:            "wm-" + h.Tn.Data.Env,
		ObsDim:        h.Env.ObsDim(),
		ActDim:        h.Env.ActDim(),
		Ensembles:     h.Tn.Model.Ensembles,
		Hidden:        h.Tn.Model.Hidden,
		Layers:        h.Tn.Model.Layers,
		Activation:    h.Tn.Model.Activation,
		LayerNorm:     h.Tn.Model.LayerNorm,
		LR:            h.Tn.Model.LR,
		FuseReward:    h.Tn.Model.FuseReward,
		RewardMembers: h.Tn.Model.RewardMembers,
		RewardFn:      rewardFn,
		TerminateFn:   terminateFn,
		Seed:          h.Tn.Data.Seed,
	})
	if err != nil {
		h.T.Fatalf("worldmodel.New: %v", err)
	}
	return m
}

// Collect gathers n random-action transitions and keeps them as the
// harness dataset.
func (h *Harness) Collect(n int) *dataset.Transitions {
	h.T.Helper()
	ts, err := envs.Collect(h.Env, n, rand.New(rand.NewSource(h.Tn.Data.Seed+1)))
	if err != nil {
		h.T.Fatalf("envs.Collect: %v", err)
	}
	h.Data = ts
	return ts
}

// Fit trains on the harness dataset with the tuning's training section.
func (h *Harness) Fit() *worldmodel.Report {
	h.T.Helper()
	if h.Data == nil {
		h.T.Fatalf("Fit before Collect")
	}
	rep, err := h.Model.Update(h.Data, dynamics.UpdateConfig{
		BatchSize:       h.Tn.Training.BatchSize,
		Epochs:          h.Tn.Training.Epochs,
		Patience:        h.Tn.Training.Patience,
		ValidationSplit: h.Tn.Training.ValidationSplit,
		Shuffle:         h.Tn.Training.Shuffle,
	})
	if err != nil {
		h.T.Fatalf("Update: %v", err)
	}
	return rep
}

// Adapt fits statistics only, leaving the weights at their random
// initialization.
func (h *Harness) Adapt() {
	h.T.Helper()
	if h.Data == nil {
		h.T.Fatalf("Adapt before Collect")
	}
	if err := h.Model.SetStatistics(h.Data); err != nil {
		h.T.Fatalf("SetStatistics: %v", err)
	}
}

func (h *Harness) Predict(obs, act *mat.Dense, sample bool) *worldmodel.Prediction {
	h.T.Helper()
	pred, err := h.Model.PredictOnBatch(obs, act, sample)
	if err != nil {
		h.T.Fatalf("PredictOnBatch: %v", err)
	}
	return pred
}

// Rollout runs a teacher-forced rollout with the tuning's horizon and
// particle count.
func (h *Harness) Rollout(initial *mat.Dense, actions []*mat.Dense) *rollout.Trajectory {
	h.T.Helper()
	eng, err := h.Model.BuildRollout(h.Tn.Rollout.Horizon, h.Tn.Rollout.Particles, nil)
	if err != nil {
		h.T.Fatalf("BuildRollout: %v", err)
	}
	tr, err := eng.Run(initial, actions)
	if err != nil {
		h.T.Fatalf("Run: %v", err)
	}
	return tr
}

// SnapshotRoundTrip writes the model to a temp file, reads it back and
// imports it with the given callbacks re-attached.
func (h *Harness) SnapshotRoundTrip(rewardFn rollout.RewardFunc, terminateFn rollout.TerminateFunc) *worldmodel.Model {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), "model.wm.zst")
	if err := snapshot.WriteSnapshot(path, *h.Model.Export()); err != nil {
		h.T.Fatalf("WriteSnapshot: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		h.T.Fatalf("ReadSnapshot: %v", err)
	}
	m, err := worldmodel.Import(&snap, rewardFn, terminateFn, h.Tn.Data.Seed+2)
	if err != nil {
		h.T.Fatalf("Import: %v", err)
	}
	return m
}

// Dense builds a matrix from equal-width rows.
func Dense(rows [][]float64) *mat.Dense {
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		copy(out.RawRowView(i), r)
	}
	return out
}

// ConstActions repeats one action row for n states over every step.
func ConstActions(horizon, n int, row []float64) []*mat.Dense {
	out := make([]*mat.Dense, horizon)
	for t := range out {
		m := mat.NewDense(n, len(row), nil)
		for i := 0; i < n; i++ {
			copy(m.RawRowView(i), row)
		}
		out[t] = m
	}
	return out
}
