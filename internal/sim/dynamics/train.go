package dynamics

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/nn"
)

// UpdateConfig controls one training run. Zero ints and floats fall
// back to the defaults below; Shuffle has no usable zero default, so
// callers start from DefaultUpdateConfig.
type UpdateConfig struct {
	BatchSize       int
	Epochs          int
	Patience        int // 0 disables early stopping
	ValidationSplit float64
	Shuffle         bool
}

func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		BatchSize:       64,
		Epochs:          60,
		Patience:        0,
		ValidationSplit: 0.1,
		Shuffle:         true,
	}
}

func (c UpdateConfig) withDefaults() UpdateConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Epochs <= 0 {
		c.Epochs = 60
	}
	if c.ValidationSplit < 0 {
		c.ValidationSplit = 0
	}
	if c.ValidationSplit >= 1 {
		c.ValidationSplit = 0.999
	}
	return c
}

// EpochEntry is one line of training progress. Losses are scaled by
// 1/(members * eventDim) so runs with different ensemble sizes stay
// comparable. ValLoss is nil when no validation split is configured.
type EpochEntry struct {
	Model     string   `json:"model"`
	Epoch     int      `json:"epoch"`
	Epochs    int      `json:"epochs"`
	TrainLoss float64  `json:"train_loss"`
	ValLoss   *float64 `json:"val_loss,omitempty"`
}

// EpochSink receives per-epoch training progress. Implementations must
// not block the training loop for long; write errors are dropped.
type EpochSink interface {
	WriteEpoch(EpochEntry) error
}

type multiSink []EpochSink

func (m multiSink) WriteEpoch(e EpochEntry) error {
	for _, s := range m {
		if s != nil {
			_ = s.WriteEpoch(e)
		}
	}
	return nil
}

// Sinks fans one sink out to several. Nil entries are skipped.
func Sinks(sinks ...EpochSink) EpochSink { return multiSink(sinks) }

// History summarizes a finished training run. Losses carry the same
// scaling as EpochEntry; ValLoss and BestValLoss are NaN without a
// validation split.
type History struct {
	Epochs      int
	TrainLoss   float64
	ValLoss     float64
	BestValLoss float64
	Restored    bool
}

func fit(net *nn.MLP, opt *nn.Adam, fam nn.Family, eventDim int, x, y *mat.Dense, cfg UpdateConfig, rng *rand.Rand, sink EpochSink, model string) (History, error) {
	n, xc := x.Dims()
	yr, yc := y.Dims()
	if xc != net.InDim() {
		return History{}, nn.ShapeErrf(model+" fit", "input width %d, want %d", xc, net.InDim())
	}
	if yr != n {
		return History{}, nn.ShapeErrf(model+" fit", "%d input rows but %d target rows", n, yr)
	}
	if yc != eventDim {
		return History{}, nn.ShapeErrf(model+" fit", "target width %d, want %d", yc, eventDim)
	}
	if n == 0 {
		return History{}, nn.ShapeErrf(model+" fit", "empty dataset")
	}

	cfg = cfg.withDefaults()
	nval := int(float64(n) * cfg.ValidationSplit)
	if cfg.Patience > 0 && nval == 0 {
		return History{}, &nn.ConfigError{Msg: model + " fit: patience requires a validation split"}
	}
	ntrain := n - nval
	if ntrain == 0 {
		return History{}, nn.ShapeErrf(model+" fit", "validation split leaves no training rows")
	}

	// The raw objective sums over members and event dims; reported
	// losses are rescaled to stay comparable across ensemble sizes.
	scale := 1 / float64(net.Members()*eventDim)

	var xval, yval *mat.Dense
	if nval > 0 {
		xval = x.Slice(ntrain, n, 0, xc).(*mat.Dense)
		yval = y.Slice(ntrain, n, 0, yc).(*mat.Dense)
	}

	order := make([]int, ntrain)
	for i := range order {
		order[i] = i
	}

	hist := History{ValLoss: math.NaN(), BestValLoss: math.NaN()}
	var bestWeights []*mat.Dense
	bestVal := math.Inf(1)
	bestEpoch := 0
	wait := 0

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if cfg.Shuffle {
			rng.Shuffle(ntrain, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		epochLoss := 0.0
		for lo := 0; lo < ntrain; lo += cfg.BatchSize {
			hi := lo + cfg.BatchSize
			if hi > ntrain {
				hi = ntrain
			}
			xb := gatherRows(x, order[lo:hi], xc)
			yb := gatherRows(y, order[lo:hi], yc)

			net.ZeroGrad()
			raw := net.Forward(xb)
			loss, grads := fam.LossGrad(raw, yb, eventDim)
			net.Backward(grads)
			opt.Step()

			epochLoss += loss * float64(hi-lo)
		}
		trainLoss := epochLoss / float64(ntrain) * scale
		if math.IsNaN(trainLoss) || math.IsInf(trainLoss, 0) {
			return hist, nn.NumErrf(model+" fit", "training loss diverged at epoch %d", epoch)
		}

		entry := EpochEntry{Model: model, Epoch: epoch, Epochs: cfg.Epochs, TrainLoss: trainLoss}
		hist.Epochs = epoch
		hist.TrainLoss = trainLoss

		if nval > 0 {
			valLoss := fam.Loss(net.Infer(xval), yval, eventDim) * scale
			v := valLoss
			entry.ValLoss = &v
			hist.ValLoss = valLoss

			if valLoss < bestVal {
				bestVal = valLoss
				bestEpoch = epoch
				wait = 0
				if cfg.Patience > 0 {
					bestWeights = nn.CloneValues(net.Params())
				}
			} else {
				wait++
			}
			hist.BestValLoss = bestVal
		}

		if sink != nil {
			_ = sink.WriteEpoch(entry)
		}

		if cfg.Patience > 0 && wait >= cfg.Patience {
			break
		}
	}

	if cfg.Patience > 0 && bestWeights != nil {
		nn.RestoreValues(net.Params(), bestWeights)
		hist.Restored = bestEpoch != hist.Epochs
	}
	return hist, nil
}

func gatherRows(src *mat.Dense, idx []int, c int) *mat.Dense {
	dst := mat.NewDense(len(idx), c, nil)
	for i, j := range idx {
		copy(dst.RawRowView(i), src.RawRowView(j))
	}
	return dst
}
