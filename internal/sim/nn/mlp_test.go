package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestBuild_SqueezeRequiresScalarOut(t *testing.T) {
	_, err := Build(Config{In: 3, Out: 2, Hidden: 8, Layers: 2, Members: 1, Squeeze: true}, rand.New(rand.NewSource(1)))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("squeeze with out=2: got %v want ConfigError", err)
	}
}

func TestBuild_RejectsBadShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []Config{
		{In: 0, Out: 1, Hidden: 4, Layers: 2, Members: 1},
		{In: 2, Out: 0, Hidden: 4, Layers: 2, Members: 1},
		{In: 2, Out: 1, Hidden: 0, Layers: 2, Members: 1},
		{In: 2, Out: 1, Hidden: 4, Layers: 0, Members: 1},
		{In: 2, Out: 1, Hidden: 4, Layers: 2, Members: 0},
	}
	for i, cfg := range cases {
		if _, err := Build(cfg, rng); err == nil {
			t.Fatalf("case %d: config accepted: %+v", i, cfg)
		}
	}
}

func TestForward_ShapePerMember(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m, err := Build(Config{In: 3, Out: 6, Hidden: 8, Layers: 3, Members: 4, Activation: ActReLU, LayerNorm: true}, rng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := mat.NewDense(7, 3, nil)
	outs := m.Infer(x)
	if len(outs) != 4 {
		t.Fatalf("member outputs: got %d want 4", len(outs))
	}
	for k, o := range outs {
		r, c := o.Dims()
		if r != 7 || c != 6 {
			t.Fatalf("member %d output: got %dx%d want 7x6", k, r, c)
		}
	}
}

func TestForward_MembersDiffer(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, err := Build(Config{In: 2, Out: 3, Hidden: 16, Layers: 3, Members: 3, Activation: ActTanh}, rng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := mat.NewDense(1, 2, []float64{0.4, -1.2})
	outs := m.Infer(x)
	for a := 0; a < len(outs); a++ {
		for b := a + 1; b < len(outs); b++ {
			if mat.EqualApprox(outs[a], outs[b], 1e-12) {
				t.Fatalf("members %d and %d produced identical outputs", a, b)
			}
		}
	}
}

func TestInit_UniformBound(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m, err := Build(Config{In: 16, Out: 4, Hidden: 16, Layers: 2, Members: 2, Activation: ActReLU}, rng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bound := 1 / math.Sqrt(16)
	for _, p := range m.Params() {
		r, c := p.W.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := math.Abs(p.W.At(i, j)); v > bound+1e-12 {
					t.Fatalf("param %s[%d,%d] = %v exceeds init bound %v", p.Name, i, j, p.W.At(i, j), bound)
				}
			}
		}
	}
}

func TestReLUForward_HandComputed(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := Build(Config{In: 2, Out: 1, Hidden: 2, Layers: 2, Members: 1, Activation: ActReLU}, rng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	err = m.SetWeights([][]LayerWeights{{
		{Kind: "dense", In: 2, Out: 2, W: []float64{1, 0, 0, 1}, B: []float64{0, 0}},
		{Kind: "dense", In: 2, Out: 1, W: []float64{1, 1}, B: []float64{0}},
	}})
	if err != nil {
		t.Fatalf("set weights: %v", err)
	}
	x := mat.NewDense(2, 2, []float64{3, -4, -1, 5})
	out := m.Infer(x)[0]
	if got := out.At(0, 0); got != 3 {
		t.Fatalf("row 0: got %v want 3", got)
	}
	if got := out.At(1, 0); got != 5 {
		t.Fatalf("row 1: got %v want 5", got)
	}
}

func TestTanhForward_HandComputed(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m, err := Build(Config{In: 2, Out: 1, Hidden: 2, Layers: 2, Members: 1, Activation: ActTanh}, rng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	err = m.SetWeights([][]LayerWeights{{
		{Kind: "dense", In: 2, Out: 2, W: []float64{1, 0, 0, 1}, B: []float64{0, 0}},
		{Kind: "dense", In: 2, Out: 1, W: []float64{1, 1}, B: []float64{0}},
	}})
	if err != nil {
		t.Fatalf("set weights: %v", err)
	}
	x := mat.NewDense(1, 2, []float64{3, -4})
	want := math.Tanh(3) + math.Tanh(-4)
	if got := m.Infer(x)[0].At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("tanh stack: got %v want %v", got, want)
	}
}

func TestWeights_RoundTrip(t *testing.T) {
	cfg := Config{In: 3, Out: 2, Hidden: 8, Layers: 3, Members: 3, Activation: ActTanh, LayerNorm: true}
	a, err := Build(cfg, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	b, err := Build(cfg, rand.New(rand.NewSource(8)))
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	if err := b.SetWeights(a.Weights()); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	rng := rand.New(rand.NewSource(9))
	x := mat.NewDense(5, 3, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	oa, ob := a.Infer(x), b.Infer(x)
	for k := range oa {
		if !mat.EqualApprox(oa[k], ob[k], 1e-12) {
			t.Fatalf("member %d diverges after weight transfer", k)
		}
	}
}

func TestWeights_SetRejectsMismatch(t *testing.T) {
	cfg := Config{In: 3, Out: 2, Hidden: 8, Layers: 2, Members: 2, Activation: ActReLU}
	m, err := Build(cfg, rand.New(rand.NewSource(10)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ws := m.Weights()
	if err := m.SetWeights(ws[:1]); err == nil {
		t.Fatalf("accepted weights for wrong member count")
	}
	ws[0][0].W = ws[0][0].W[:3]
	if err := m.SetWeights(ws); err == nil {
		t.Fatalf("accepted truncated dense weights")
	}
}

func TestBuild_SameSeedSameNetwork(t *testing.T) {
	cfg := Config{In: 4, Out: 3, Hidden: 8, Layers: 3, Members: 2, Activation: ActReLU, LayerNorm: true}
	a, err := Build(cfg, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	b, err := Build(cfg, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	x := mat.NewDense(2, 4, []float64{1, 2, 3, 4, -1, 0, 1, 0})
	oa, ob := a.Infer(x), b.Infer(x)
	for k := range oa {
		if !mat.Equal(oa[k], ob[k]) {
			t.Fatalf("same seed builds diverge at member %d", k)
		}
	}
}
