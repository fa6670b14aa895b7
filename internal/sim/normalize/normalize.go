// Package normalize provides column-wise standardization of feature
// batches. Dynamics training and rollout both run on normalized inputs,
// so the statistics fitted here are part of the model state and travel
// with it through snapshots.
package normalize

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Epsilon floors the per-dimension standard deviation so constant
// features do not blow up the inverse transform.
const Epsilon = 1e-6

// Normalizer shifts and scales feature columns to zero mean and unit
// variance. Until Adapt is called it applies the identity transform.
type Normalizer struct {
	dim     int
	mean    []float64
	std     []float64
	adapted bool
}

func New(dim int) *Normalizer {
	n := &Normalizer{
		dim:  dim,
		mean: make([]float64, dim),
		std:  make([]float64, dim),
	}
	for i := range n.std {
		n.std[i] = 1
	}
	return n
}

func (n *Normalizer) Dim() int { return n.dim }

func (n *Normalizer) Adapted() bool { return n.adapted }

// Adapt recomputes the statistics from scratch over the given batch.
// Rows are observations, columns are features. The moments are
// population moments, and the std of a near-constant column is floored
// at Epsilon. Adapt replaces any previously fitted statistics.
func (n *Normalizer) Adapt(batch *mat.Dense) error {
	r, c := batch.Dims()
	if c != n.dim {
		return fmt.Errorf("normalize: adapt batch has %d columns, want %d", c, n.dim)
	}
	if r == 0 {
		return fmt.Errorf("normalize: adapt batch is empty")
	}
	col := make([]float64, r)
	for j := 0; j < n.dim; j++ {
		mat.Col(col, j, batch)
		n.mean[j] = stat.Mean(col, nil)
		sd := stat.PopStdDev(col, nil)
		if sd < Epsilon {
			sd = Epsilon
		}
		n.std[j] = sd
	}
	n.adapted = true
	return nil
}

// Normalize returns (x - mean) / std applied column-wise. The input is
// left untouched.
func (n *Normalizer) Normalize(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	if c != n.dim {
		return nil, fmt.Errorf("normalize: batch has %d columns, want %d", c, n.dim)
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			dst[j] = (v - n.mean[j]) / n.std[j]
		}
	}
	return out, nil
}

// Denormalize is the inverse of Normalize.
func (n *Normalizer) Denormalize(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	if c != n.dim {
		return nil, fmt.Errorf("normalize: batch has %d columns, want %d", c, n.dim)
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			dst[j] = v*n.std[j] + n.mean[j]
		}
	}
	return out, nil
}

// DenormalizeVec applies the inverse transform to a single column
// vector of per-row values. It is used for scalar targets such as
// rewards, where dim is 1 and the vector holds one value per row.
func (n *Normalizer) DenormalizeVec(v *mat.VecDense) (*mat.VecDense, error) {
	if n.dim != 1 {
		return nil, fmt.Errorf("normalize: vector denormalize needs dim 1, have %d", n.dim)
	}
	out := mat.NewVecDense(v.Len(), nil)
	for i := 0; i < v.Len(); i++ {
		out.SetVec(i, v.AtVec(i)*n.std[0]+n.mean[0])
	}
	return out, nil
}

// Stats is a value copy of the fitted statistics, detached from the
// Normalizer that produced it.
type Stats struct {
	Mean    []float64
	Std     []float64
	Adapted bool
}

func (n *Normalizer) Stats() Stats {
	s := Stats{
		Mean:    make([]float64, n.dim),
		Std:     make([]float64, n.dim),
		Adapted: n.adapted,
	}
	copy(s.Mean, n.mean)
	copy(s.Std, n.std)
	return s
}

// Restore overwrites the fitted statistics with a previously captured
// copy.
func (n *Normalizer) Restore(s Stats) error {
	if len(s.Mean) != n.dim || len(s.Std) != n.dim {
		return fmt.Errorf("normalize: restore stats have dim %d/%d, want %d", len(s.Mean), len(s.Std), n.dim)
	}
	copy(n.mean, s.Mean)
	copy(n.std, s.Std)
	n.adapted = s.Adapted
	return nil
}

// FromStats builds a Normalizer frozen at the given statistics. Rollout
// engines use this to pin the transform of the model snapshot they were
// built from.
func FromStats(s Stats) (*Normalizer, error) {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return nil, fmt.Errorf("normalize: stats have mean dim %d, std dim %d", len(s.Mean), len(s.Std))
	}
	n := New(len(s.Mean))
	if err := n.Restore(s); err != nil {
		return nil, err
	}
	return n, nil
}
