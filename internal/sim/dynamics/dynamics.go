// Package dynamics holds the learned models of the environment: an
// ensemble Gaussian model over normalized state deltas and an optional
// ensemble regressor for rewards. Both train on pre-normalized batches;
// normalization itself belongs to the owning facade.
package dynamics

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/nn"
)

// Config describes the delta ensemble. When FuseReward is set the model
// grows one extra event dimension and predicts the normalized reward
// jointly with the state delta instead of leaving it to a separate
// reward model.
type Config struct {
	ObsDim, ActDim int
	Members        int
	Hidden         int
	Layers         int
	Activation     nn.ActKind
	LayerNorm      bool
	LR             float64
	FuseReward     bool
}

// Ensemble predicts a diagonal Gaussian over the normalized state delta
// for each member. Members share every training minibatch; their
// disagreement comes entirely from independent initialization.
type Ensemble struct {
	cfg      Config
	eventDim int
	net      *nn.MLP
	opt      *nn.Adam
}

func NewEnsemble(cfg Config, rng *rand.Rand) (*Ensemble, error) {
	eventDim := cfg.ObsDim
	if cfg.FuseReward {
		eventDim++
	}
	net, err := nn.Build(nn.Config{
		In:         cfg.ObsDim + cfg.ActDim,
		Out:        nn.FamilyNormal.RawWidth(eventDim),
		Hidden:     cfg.Hidden,
		Layers:     cfg.Layers,
		Members:    cfg.Members,
		Activation: cfg.Activation,
		LayerNorm:  cfg.LayerNorm,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &Ensemble{
		cfg:      cfg,
		eventDim: eventDim,
		net:      net,
		opt:      nn.NewAdam(net.Params(), cfg.LR),
	}, nil
}

func (e *Ensemble) Config() Config { return e.cfg }
func (e *Ensemble) Members() int   { return e.cfg.Members }

// EventDim is the width of one predicted event: ObsDim, plus one when
// the reward head is fused in.
func (e *Ensemble) EventDim() int { return e.eventDim }

// Predict returns the per-member predictive distribution for a batch of
// concatenated normalized (obs, act) rows.
func (e *Ensemble) Predict(x *mat.Dense) (nn.Distribution, error) {
	_, c := x.Dims()
	if c != e.cfg.ObsDim+e.cfg.ActDim {
		return nil, nn.ShapeErrf("dynamics predict", "input width %d, want %d", c, e.cfg.ObsDim+e.cfg.ActDim)
	}
	return nn.FamilyNormal.Dist(e.net.Infer(x), e.eventDim), nil
}

// Fit trains the ensemble on normalized inputs x against normalized
// delta targets y, reporting one entry per epoch to sink.
func (e *Ensemble) Fit(x, y *mat.Dense, cfg UpdateConfig, rng *rand.Rand, sink EpochSink) (History, error) {
	return fit(e.net, e.opt, nn.FamilyNormal, e.eventDim, x, y, cfg, rng, sink, "dynamics")
}

func (e *Ensemble) Weights() [][]nn.LayerWeights { return e.net.Weights() }

func (e *Ensemble) SetWeights(ws [][]nn.LayerWeights) error { return e.net.SetWeights(ws) }

// RewardConfig describes the standalone reward ensemble. Its input is
// the concatenation of normalized obs, act and next obs.
type RewardConfig struct {
	ObsDim, ActDim int
	Members        int
	Hidden         int
	Layers         int
	Activation     nn.ActKind
	LayerNorm      bool
	LR             float64
}

// RewardModel is a point regressor for normalized rewards. With
// Members=1 it is a plain MLP; larger ensembles let rollouts couple the
// reward draw to the dynamics member driving each particle.
type RewardModel struct {
	cfg RewardConfig
	net *nn.MLP
	opt *nn.Adam
}

func NewRewardModel(cfg RewardConfig, rng *rand.Rand) (*RewardModel, error) {
	net, err := nn.Build(nn.Config{
		In:         2*cfg.ObsDim + cfg.ActDim,
		Out:        1,
		Hidden:     cfg.Hidden,
		Layers:     cfg.Layers,
		Members:    cfg.Members,
		Activation: cfg.Activation,
		LayerNorm:  cfg.LayerNorm,
		Squeeze:    true,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &RewardModel{cfg: cfg, net: net, opt: nn.NewAdam(net.Params(), cfg.LR)}, nil
}

func (r *RewardModel) Config() RewardConfig { return r.cfg }
func (r *RewardModel) Members() int         { return r.cfg.Members }

func (r *RewardModel) inDim() int { return 2*r.cfg.ObsDim + r.cfg.ActDim }

// PredictMembers returns each member's normalized reward prediction as
// a column vector over the batch.
func (r *RewardModel) PredictMembers(x *mat.Dense) ([]*mat.VecDense, error) {
	n, c := x.Dims()
	if c != r.inDim() {
		return nil, nn.ShapeErrf("reward predict", "input width %d, want %d", c, r.inDim())
	}
	raw := r.net.Infer(x)
	out := make([]*mat.VecDense, len(raw))
	for k, rk := range raw {
		v := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			v.SetVec(i, rk.At(i, 0))
		}
		out[k] = v
	}
	return out, nil
}

// PredictMean averages the member predictions.
func (r *RewardModel) PredictMean(x *mat.Dense) (*mat.VecDense, error) {
	members, err := r.PredictMembers(x)
	if err != nil {
		return nil, err
	}
	n := members[0].Len()
	out := mat.NewVecDense(n, nil)
	inv := 1 / float64(len(members))
	for _, m := range members {
		for i := 0; i < n; i++ {
			out.SetVec(i, out.AtVec(i)+m.AtVec(i)*inv)
		}
	}
	return out, nil
}

// Fit trains the reward ensemble on normalized (obs, act, next) inputs
// against normalized reward targets.
func (r *RewardModel) Fit(x *mat.Dense, y *mat.VecDense, cfg UpdateConfig, rng *rand.Rand, sink EpochSink) (History, error) {
	n := y.Len()
	target := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		target.Set(i, 0, y.AtVec(i))
	}
	return fit(r.net, r.opt, nn.FamilyPoint, 1, x, target, cfg, rng, sink, "reward")
}

func (r *RewardModel) Weights() [][]nn.LayerWeights { return r.net.Weights() }

func (r *RewardModel) SetWeights(ws [][]nn.LayerWeights) error { return r.net.SetWeights(ws) }
