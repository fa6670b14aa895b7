package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP is a fixed stack of per-member layers built from a Config. The
// training path (Forward, Backward) caches per-layer state and must run
// one pass at a time; Infer is cache-free and safe to call from several
// goroutines while no training step is running.
type MLP struct {
	cfg    Config
	layers []layer
	ps     []*Param
}

// Build validates the config and allocates the network. All member
// parameters are drawn independently from the given source, so two
// builds with the same source state produce identical networks.
func Build(cfg Config, rng *rand.Rand) (*MLP, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &MLP{cfg: cfg}
	if cfg.Layers == 1 {
		m.push(newDense("out", cfg.Members, cfg.In, cfg.Out, rng))
	} else {
		in := cfg.In
		for i := 0; i < cfg.Layers-1; i++ {
			m.push(newDense("hidden", cfg.Members, in, cfg.Hidden, rng))
			if cfg.LayerNorm {
				m.push(newLayerNorm("hidden", cfg.Members, cfg.Hidden))
			}
			m.push(newActivation(cfg.Activation, cfg.Members))
			in = cfg.Hidden
		}
		m.push(newDense("out", cfg.Members, in, cfg.Out, rng))
	}
	return m, nil
}

func (m *MLP) push(l layer) {
	m.layers = append(m.layers, l)
	m.ps = append(m.ps, l.params()...)
}

func (m *MLP) Members() int    { return m.cfg.Members }
func (m *MLP) InDim() int      { return m.cfg.In }
func (m *MLP) OutDim() int     { return m.cfg.Out }
func (m *MLP) Squeezed() bool  { return m.cfg.Squeeze }
func (m *MLP) Params() []*Param { return m.ps }

func (m *MLP) run(x *mat.Dense, train bool) []*mat.Dense {
	xs := make([]*mat.Dense, m.cfg.Members)
	for k := range xs {
		xs[k] = x
	}
	for _, l := range m.layers {
		xs = l.forward(xs, train)
	}
	return xs
}

// Forward runs a training pass. Every member sees the same batch; the
// result is one (N, Out) matrix per member.
func (m *MLP) Forward(x *mat.Dense) []*mat.Dense {
	return m.run(x, true)
}

// Infer runs a cache-free pass for prediction.
func (m *MLP) Infer(x *mat.Dense) []*mat.Dense {
	return m.run(x, false)
}

// Backward accumulates parameter gradients from per-member output
// gradients. Call ZeroGrad before starting a new step.
func (m *MLP) Backward(grads []*mat.Dense) {
	for i := len(m.layers) - 1; i >= 0; i-- {
		grads = m.layers[i].backward(grads)
	}
}

func (m *MLP) ZeroGrad() {
	for _, p := range m.ps {
		p.zeroGrad()
	}
}

// LayerWeights is a flat, serialization-friendly copy of one layer's
// parameters for one member. Kind is "dense" or "layer_norm";
// activation stages carry no state and are omitted.
type LayerWeights struct {
	Kind        string
	In, Out     int
	W, B        []float64
	Gamma, Beta []float64
}

const (
	layerKindDense = "dense"
	layerKindNorm  = "layer_norm"
)

// Weights exports all parameters member-major: result[k] lists the
// stateful layers of member k in forward order.
func (m *MLP) Weights() [][]LayerWeights {
	out := make([][]LayerWeights, m.cfg.Members)
	for k := 0; k < m.cfg.Members; k++ {
		var ws []LayerWeights
		for _, l := range m.layers {
			switch v := l.(type) {
			case *dense:
				ws = append(ws, LayerWeights{
					Kind: layerKindDense,
					In:   v.in,
					Out:  v.out,
					W:    flatten(v.w[k].W),
					B:    flatten(v.b[k].W),
				})
			case *layerNorm:
				ws = append(ws, LayerWeights{
					Kind:  layerKindNorm,
					Out:   v.dim,
					Gamma: flatten(v.gamma[k].W),
					Beta:  flatten(v.beta[k].W),
				})
			}
		}
		out[k] = ws
	}
	return out
}

// SetWeights restores parameters exported by Weights. The layer
// structure must match the built config exactly.
func (m *MLP) SetWeights(ws [][]LayerWeights) error {
	if len(ws) != m.cfg.Members {
		return configErrf("weights for %d members, network has %d", len(ws), m.cfg.Members)
	}
	for k := 0; k < m.cfg.Members; k++ {
		i := 0
		for _, l := range m.layers {
			switch v := l.(type) {
			case *dense:
				if i >= len(ws[k]) || ws[k][i].Kind != layerKindDense {
					return configErrf("member %d layer %d: want dense weights", k, i)
				}
				lw := ws[k][i]
				if lw.In != v.in || lw.Out != v.out || len(lw.W) != v.in*v.out || len(lw.B) != v.out {
					return configErrf("member %d layer %d: dense shape mismatch", k, i)
				}
				unflatten(v.w[k].W, lw.W)
				unflatten(v.b[k].W, lw.B)
				i++
			case *layerNorm:
				if i >= len(ws[k]) || ws[k][i].Kind != layerKindNorm {
					return configErrf("member %d layer %d: want layer_norm weights", k, i)
				}
				lw := ws[k][i]
				if lw.Out != v.dim || len(lw.Gamma) != v.dim || len(lw.Beta) != v.dim {
					return configErrf("member %d layer %d: layer_norm shape mismatch", k, i)
				}
				unflatten(v.gamma[k].W, lw.Gamma)
				unflatten(v.beta[k].W, lw.Beta)
				i++
			}
		}
		if i != len(ws[k]) {
			return configErrf("member %d: %d weight entries, network consumes %d", k, len(ws[k]), i)
		}
	}
	return nil
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func unflatten(dst *mat.Dense, vals []float64) {
	r, c := dst.Dims()
	for i := 0; i < r; i++ {
		copy(dst.RawRowView(i), vals[i*c:(i+1)*c])
	}
}
