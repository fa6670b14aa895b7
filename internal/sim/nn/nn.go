// Package nn implements the small ensemble feed-forward networks the
// dynamics model is built from, with reverse-mode gradients written out
// by hand on gonum dense matrices. An ensemble holds independently
// initialized parameter sets per member; every member sees the same
// input batch, so prediction diversity comes from initialization alone.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ConfigError reports an invalid model or network description. It is
// returned before any parameters are allocated or mutated.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrf(format string, args ...any) error {
	return &ConfigError{Msg: "nn: " + fmt.Sprintf(format, args...)}
}

// ShapeError reports a batch whose dimensions do not match what an
// operation expects. Op names the failing operation.
type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string { return e.Op + ": " + e.Msg }

// ShapeErrf builds a ShapeError.
func ShapeErrf(op, format string, args ...any) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NumericalError reports values leaving the finite float64 range, for
// example a diverged training loss or an exploding rollout state.
type NumericalError struct {
	Op  string
	Msg string
}

func (e *NumericalError) Error() string { return e.Op + ": " + e.Msg }

// NumErrf builds a NumericalError.
func NumErrf(op, format string, args ...any) error {
	return &NumericalError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ActKind selects the hidden-layer activation.
type ActKind int

const (
	ActReLU ActKind = iota
	ActTanh
)

func (a ActKind) String() string {
	switch a {
	case ActReLU:
		return "relu"
	case ActTanh:
		return "tanh"
	}
	return fmt.Sprintf("ActKind(%d)", int(a))
}

// ParseActivation maps a config string to an ActKind.
func ParseActivation(s string) (ActKind, error) {
	switch s {
	case "relu":
		return ActReLU, nil
	case "tanh":
		return ActTanh, nil
	}
	return 0, configErrf("unknown activation %q", s)
}

// Config describes an MLP. Layers counts linear layers, so Layers=1 is
// a single affine map and Layers=4 has three hidden blocks. Members=1
// builds a plain network with the same call surface as an ensemble.
type Config struct {
	In      int
	Out     int
	Hidden  int
	Layers  int
	Members int

	Activation ActKind
	LayerNorm  bool

	// Squeeze marks scalar-output networks whose callers read a column
	// vector instead of an (N, 1) matrix. It is only valid with Out=1.
	Squeeze bool
}

func (c Config) validate() error {
	if c.In < 1 {
		return configErrf("input width %d, want at least 1", c.In)
	}
	if c.Out < 1 {
		return configErrf("output width %d, want at least 1", c.Out)
	}
	if c.Layers < 1 {
		return configErrf("layer count %d, want at least 1", c.Layers)
	}
	if c.Layers > 1 && c.Hidden < 1 {
		return configErrf("hidden width %d, want at least 1", c.Hidden)
	}
	if c.Members < 1 {
		return configErrf("member count %d, want at least 1", c.Members)
	}
	if c.Squeeze && c.Out != 1 {
		return configErrf("squeeze requires an output width of 1, have %d", c.Out)
	}
	return nil
}

// Param is one tensor of learnable values together with its gradient
// accumulator. Layers register their params with the MLP; the optimizer
// reads G and writes W.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
}

func newParam(name string, r, c int) *Param {
	return &Param{
		Name: name,
		W:    mat.NewDense(r, c, nil),
		G:    mat.NewDense(r, c, nil),
	}
}

func (p *Param) zeroGrad() {
	p.G.Zero()
}

// CloneValues copies the current values of a parameter list. Training
// uses this to hold the best validation-loss parameters.
func CloneValues(ps []*Param) []*mat.Dense {
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = mat.DenseCopyOf(p.W)
	}
	return out
}

// RestoreValues writes previously cloned values back into the params.
func RestoreValues(ps []*Param, vals []*mat.Dense) {
	for i, p := range ps {
		p.W.Copy(vals[i])
	}
}
