package worldmodel

import (
	"fmt"
	"time"

	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/sim/nn"
	"worldmodel.ai/internal/sim/normalize"
	"worldmodel.ai/internal/sim/rollout"
)

// Export captures the full model state as a snapshot value. Analytic
// callbacks cannot travel through serialization; they are recorded as
// flags and must be re-supplied to Import.
func (m *Model) Export() *snapshot.ModelV1 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &snapshot.ModelV1{
		Header: snapshot.Header{
			Version:      snapshot.FormatVersion,
			ModelID:      m.cfg.ID,
			ModelVersion: m.version.Load(),
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		},
		ObsDim:         m.cfg.ObsDim,
		ActDim:         m.cfg.ActDim,
		Ensembles:      m.cfg.Ensembles,
		Hidden:         m.cfg.Hidden,
		Layers:         m.cfg.Layers,
		Activation:     m.cfg.Activation,
		LayerNorm:      m.cfg.LayerNorm,
		FuseReward:     m.cfg.FuseReward,
		LR:             m.cfg.LR,
		HasRewardFn:    m.cfg.RewardFn != nil,
		HasTerminateFn: m.cfg.TerminateFn != nil,
		ObsStats:       statsOut(m.obsNorm.Stats()),
		ActStats:       statsOut(m.actNorm.Stats()),
		DeltaStats:     statsOut(m.deltaNorm.Stats()),
		Dynamics:       membersOut(m.dyn.Weights()),
	}
	rs := statsOut(m.rewNorm.Stats())
	snap.RewStats = &rs
	if m.rew != nil {
		snap.RewardMembers = m.rew.Members()
		snap.Reward = membersOut(m.rew.Weights())
	}
	return snap
}

// Import rebuilds a model from a snapshot. The analytic callbacks the
// snapshot was exported with do not serialize, so a snapshot exported
// with a reward function refuses to load without one, and vice versa;
// the terminate function is advisory and taken as given.
func Import(snap *snapshot.ModelV1, rewardFn rollout.RewardFunc, terminateFn rollout.TerminateFunc, seed int64) (*Model, error) {
	if snap.Header.Version != snapshot.FormatVersion {
		return nil, fmt.Errorf("worldmodel: snapshot format version %d, want %d", snap.Header.Version, snapshot.FormatVersion)
	}
	if snap.HasRewardFn && rewardFn == nil {
		return nil, &nn.ConfigError{Msg: "worldmodel: snapshot was exported with an analytic reward function, none supplied"}
	}
	if !snap.HasRewardFn && rewardFn != nil {
		return nil, &nn.ConfigError{Msg: "worldmodel: snapshot carries a learned reward source, analytic reward function also supplied"}
	}

	m, err := New(Config{
		ID:            snap.Header.ModelID,
		ObsDim:        snap.ObsDim,
		ActDim:        snap.ActDim,
		Ensembles:     snap.Ensembles,
		Hidden:        snap.Hidden,
		Layers:        snap.Layers,
		Activation:    snap.Activation,
		LayerNorm:     snap.LayerNorm,
		LR:            snap.LR,
		FuseReward:    snap.FuseReward,
		RewardMembers: snap.RewardMembers,
		RewardFn:      rewardFn,
		TerminateFn:   terminateFn,
		Seed:          seed,
	})
	if err != nil {
		return nil, err
	}

	if err := m.obsNorm.Restore(statsIn(snap.ObsStats)); err != nil {
		return nil, err
	}
	if err := m.actNorm.Restore(statsIn(snap.ActStats)); err != nil {
		return nil, err
	}
	if err := m.deltaNorm.Restore(statsIn(snap.DeltaStats)); err != nil {
		return nil, err
	}
	if snap.RewStats != nil {
		if err := m.rewNorm.Restore(statsIn(*snap.RewStats)); err != nil {
			return nil, err
		}
	}

	if err := m.dyn.SetWeights(membersIn(snap.Dynamics)); err != nil {
		return nil, err
	}
	if m.rew != nil {
		if len(snap.Reward) == 0 {
			return nil, &nn.ConfigError{Msg: "worldmodel: snapshot is missing reward model weights"}
		}
		if err := m.rew.SetWeights(membersIn(snap.Reward)); err != nil {
			return nil, err
		}
	}

	m.version.Store(snap.Header.ModelVersion)
	return m, nil
}

func statsOut(s normalize.Stats) snapshot.StatsV1 {
	return snapshot.StatsV1{Mean: s.Mean, Std: s.Std, Adapted: s.Adapted}
}

func statsIn(s snapshot.StatsV1) normalize.Stats {
	return normalize.Stats{Mean: s.Mean, Std: s.Std, Adapted: s.Adapted}
}

func membersOut(ws [][]nn.LayerWeights) []snapshot.MemberV1 {
	out := make([]snapshot.MemberV1, len(ws))
	for k, member := range ws {
		layers := make([]snapshot.LayerV1, len(member))
		for i, lw := range member {
			layers[i] = snapshot.LayerV1{
				Kind:  lw.Kind,
				In:    lw.In,
				Out:   lw.Out,
				W:     lw.W,
				B:     lw.B,
				Gamma: lw.Gamma,
				Beta:  lw.Beta,
			}
		}
		out[k] = snapshot.MemberV1{Layers: layers}
	}
	return out
}

func membersIn(ms []snapshot.MemberV1) [][]nn.LayerWeights {
	out := make([][]nn.LayerWeights, len(ms))
	for k, member := range ms {
		ws := make([]nn.LayerWeights, len(member.Layers))
		for i, l := range member.Layers {
			ws[i] = nn.LayerWeights{
				Kind:  l.Kind,
				In:    l.In,
				Out:   l.Out,
				W:     l.W,
				B:     l.B,
				Gamma: l.Gamma,
				Beta:  l.Beta,
			}
		}
		out[k] = ws
	}
	return out
}
