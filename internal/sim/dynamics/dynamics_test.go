package dynamics

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/nn"
)

func testConfig(members int, fused bool) Config {
	return Config{
		ObsDim:     2,
		ActDim:     1,
		Members:    members,
		Hidden:     32,
		Layers:     3,
		Activation: nn.ActReLU,
		LayerNorm:  true,
		LR:         1e-3,
		FuseReward: fused,
	}
}

// linearBatch builds x in U(-1,1) and y = x*A for a fixed 3x2 map.
func linearBatch(rng *rand.Rand, n int) (x, y *mat.Dense) {
	a := mat.NewDense(3, 2, []float64{
		0.3, -0.1,
		-0.2, 0.4,
		0.1, 0.2,
	})
	x = mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			x.Set(i, j, rng.Float64()*2-1)
		}
	}
	y = mat.NewDense(n, 2, nil)
	y.Mul(x, a)
	return x, y
}

type captureSink struct {
	entries []EpochEntry
}

func (c *captureSink) WriteEpoch(e EpochEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestEnsemble_PredictShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	e, err := NewEnsemble(testConfig(4, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	dist, err := e.Predict(mat.NewDense(6, 3, nil))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	samples := dist.Sample(rng)
	if len(samples) != 4 {
		t.Fatalf("sample members: got %d want 4", len(samples))
	}
	for k, s := range samples {
		r, c := s.Dims()
		if r != 6 || c != 2 {
			t.Fatalf("member %d: got %dx%d want 6x2", k, r, c)
		}
	}
}

func TestEnsemble_FusedRewardAddsEventDim(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	e, err := NewEnsemble(testConfig(2, true), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	if e.EventDim() != 3 {
		t.Fatalf("fused event dim: got %d want 3", e.EventDim())
	}
	dist, err := e.Predict(mat.NewDense(2, 3, nil))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	_, c := dist.Mean()[0].Dims()
	if c != 3 {
		t.Fatalf("fused mean width: got %d want 3", c)
	}
}

func TestEnsemble_PredictRejectsWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e, err := NewEnsemble(testConfig(2, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	_, err = e.Predict(mat.NewDense(1, 5, nil))
	var se *nn.ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("got %v want ShapeError", err)
	}
}

func TestEnsemble_FitLearnsLinearMap(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	e, err := NewEnsemble(testConfig(3, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	x, y := linearBatch(rng, 600)

	sink := &captureSink{}
	cfg := DefaultUpdateConfig()
	cfg.Epochs = 150
	hist, err := e.Fit(x, y, cfg, rng, sink)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if hist.Epochs != 150 {
		t.Fatalf("epochs run: got %d want 150", hist.Epochs)
	}
	if len(sink.entries) != 150 {
		t.Fatalf("sink entries: got %d want 150", len(sink.entries))
	}
	first, last := sink.entries[0].TrainLoss, sink.entries[149].TrainLoss
	if !(last < first) {
		t.Fatalf("training loss did not decrease: first %v last %v", first, last)
	}

	// Mean prediction error on fresh points.
	xt, yt := linearBatch(rand.New(rand.NewSource(5)), 100)
	dist, err := e.Predict(xt)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	means := dist.Mean()
	sum := 0.0
	for i := 0; i < 100; i++ {
		for j := 0; j < 2; j++ {
			avg := 0.0
			for _, m := range means {
				avg += m.At(i, j)
			}
			avg /= float64(len(means))
			sum += math.Abs(avg - yt.At(i, j))
		}
	}
	if mae := sum / 200; mae > 0.15 {
		t.Fatalf("mean abs error after training: got %v want < 0.15", mae)
	}
}

func TestFit_ValidationReported(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	e, err := NewEnsemble(testConfig(2, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	x, y := linearBatch(rng, 200)

	sink := &captureSink{}
	cfg := DefaultUpdateConfig()
	cfg.Epochs = 5
	hist, err := e.Fit(x, y, cfg, rng, sink)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if math.IsNaN(hist.ValLoss) {
		t.Fatalf("validation loss missing with split %v", cfg.ValidationSplit)
	}
	for i, en := range sink.entries {
		if en.Model != "dynamics" {
			t.Fatalf("entry %d model: got %q want dynamics", i, en.Model)
		}
		if en.Epoch != i+1 {
			t.Fatalf("entry %d epoch: got %d want %d", i, en.Epoch, i+1)
		}
		if en.ValLoss == nil {
			t.Fatalf("entry %d has no validation loss", i)
		}
	}
}

func TestFit_NoValidationPath(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e, err := NewEnsemble(testConfig(2, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	x, y := linearBatch(rng, 100)

	sink := &captureSink{}
	cfg := DefaultUpdateConfig()
	cfg.Epochs = 3
	cfg.ValidationSplit = 0
	hist, err := e.Fit(x, y, cfg, rng, sink)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if !math.IsNaN(hist.ValLoss) || !math.IsNaN(hist.BestValLoss) {
		t.Fatalf("expected NaN validation losses, got %v / %v", hist.ValLoss, hist.BestValLoss)
	}
	for i, en := range sink.entries {
		if en.ValLoss != nil {
			t.Fatalf("entry %d carries validation loss without a split", i)
		}
	}
}

func TestFit_PatienceRequiresValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	e, err := NewEnsemble(testConfig(2, false), rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	x, y := linearBatch(rng, 50)

	cfg := DefaultUpdateConfig()
	cfg.Patience = 3
	cfg.ValidationSplit = 0
	_, err = e.Fit(x, y, cfg, rng, nil)
	var ce *nn.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v want ConfigError", err)
	}
}

// After a fit with patience, the live parameters must score exactly the
// best validation loss seen, whether or not early stopping triggered.
func TestFit_RestoresBestValidationWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cfg := testConfig(2, false)
	cfg.LR = 5e-3
	e, err := NewEnsemble(cfg, rng)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	x, y := linearBatch(rng, 120)

	ucfg := DefaultUpdateConfig()
	ucfg.Epochs = 40
	ucfg.Patience = 3
	ucfg.ValidationSplit = 0.25
	hist, err := e.Fit(x, y, ucfg, rng, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	n := 120
	nval := int(float64(n) * ucfg.ValidationSplit)
	xval := x.Slice(n-nval, n, 0, 3).(*mat.Dense)
	yval := y.Slice(n-nval, n, 0, 2).(*mat.Dense)

	dist, err := e.Predict(xval)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	nll := 0.0
	for _, lp := range dist.LogProb(yval) {
		for i := 0; i < lp.Len(); i++ {
			nll -= lp.AtVec(i)
		}
	}
	got := nll / float64(nval) / float64(2*2) // members * event dims
	if math.Abs(got-hist.BestValLoss) > 1e-9 {
		t.Fatalf("live weights score %v, best recorded %v", got, hist.BestValLoss)
	}
}

func TestRewardModel_FitAndPredict(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	rm, err := NewRewardModel(RewardConfig{
		ObsDim: 2, ActDim: 1, Members: 3,
		Hidden: 32, Layers: 3, Activation: nn.ActReLU, LayerNorm: true, LR: 1e-3,
	}, rng)
	if err != nil {
		t.Fatalf("new reward model: %v", err)
	}

	// Input width 2*obs+act = 5; reward is a fixed linear functional.
	n := 500
	x := mat.NewDense(n, 5, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
		y.SetVec(i, 0.5*row[0]-0.3*row[3]+0.2*row[4])
	}

	cfg := DefaultUpdateConfig()
	cfg.Epochs = 150
	hist, err := rm.Fit(x, y, cfg, rng, nil)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if hist.Epochs == 0 {
		t.Fatalf("no epochs ran")
	}

	members, err := rm.PredictMembers(x)
	if err != nil {
		t.Fatalf("predict members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("member predictions: got %d want 3", len(members))
	}

	mean, err := rm.PredictMean(x)
	if err != nil {
		t.Fatalf("predict mean: %v", err)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Abs(mean.AtVec(i) - y.AtVec(i))
	}
	if mae := sum / float64(n); mae > 0.1 {
		t.Fatalf("reward mean abs error: got %v want < 0.1", mae)
	}
}

func TestSinks_FanOut(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	s := Sinks(a, nil, b)
	if err := s.WriteEpoch(EpochEntry{Model: "dynamics", Epoch: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Fatalf("fan out: got %d/%d want 1/1", len(a.entries), len(b.entries))
	}
}
