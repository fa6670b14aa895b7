// Package dataset holds in-memory batches of environment transitions in
// the columnar layout the trainers consume. Persistence of datasets
// lives in the run database; this package only shapes and slices data.
package dataset

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Transitions is a batch of (obs, act, next_obs, reward, done) tuples.
// Row i of every column belongs to the same step. Done flags ride along
// for replay bookkeeping; model training ignores them.
type Transitions struct {
	Obs     *mat.Dense
	Act     *mat.Dense
	NextObs *mat.Dense
	Rew     *mat.VecDense
	Done    []bool
}

// FromRows assembles a batch from row slices. All slices must agree on
// length, and every obs row must match the width of the first.
func FromRows(obs, act, next [][]float64, rew []float64, done []bool) (*Transitions, error) {
	n := len(obs)
	if n == 0 {
		return nil, fmt.Errorf("dataset: empty batch")
	}
	if len(act) != n || len(next) != n || len(rew) != n || len(done) != n {
		return nil, fmt.Errorf("dataset: column lengths differ: obs=%d act=%d next=%d rew=%d done=%d",
			n, len(act), len(next), len(rew), len(done))
	}
	obsDim, actDim := len(obs[0]), len(act[0])
	t := &Transitions{
		Obs:     mat.NewDense(n, obsDim, nil),
		Act:     mat.NewDense(n, actDim, nil),
		NextObs: mat.NewDense(n, obsDim, nil),
		Rew:     mat.NewVecDense(n, nil),
		Done:    make([]bool, n),
	}
	for i := 0; i < n; i++ {
		if len(obs[i]) != obsDim || len(next[i]) != obsDim {
			return nil, fmt.Errorf("dataset: row %d obs width %d/%d, want %d", i, len(obs[i]), len(next[i]), obsDim)
		}
		if len(act[i]) != actDim {
			return nil, fmt.Errorf("dataset: row %d act width %d, want %d", i, len(act[i]), actDim)
		}
		copy(t.Obs.RawRowView(i), obs[i])
		copy(t.Act.RawRowView(i), act[i])
		copy(t.NextObs.RawRowView(i), next[i])
		t.Rew.SetVec(i, rew[i])
		t.Done[i] = done[i]
	}
	return t, nil
}

func (t *Transitions) N() int {
	n, _ := t.Obs.Dims()
	return n
}

func (t *Transitions) ObsDim() int {
	_, c := t.Obs.Dims()
	return c
}

func (t *Transitions) ActDim() int {
	_, c := t.Act.Dims()
	return c
}

// Deltas returns NextObs - Obs, the regression target of the dynamics
// model before normalization.
func (t *Transitions) Deltas() *mat.Dense {
	var d mat.Dense
	d.Sub(t.NextObs, t.Obs)
	return &d
}

// Shuffle returns a row-permuted copy. The receiver is not modified.
func (t *Transitions) Shuffle(rng *rand.Rand) *Transitions {
	n := t.N()
	perm := rng.Perm(n)
	out := &Transitions{
		Obs:     mat.NewDense(n, t.ObsDim(), nil),
		Act:     mat.NewDense(n, t.ActDim(), nil),
		NextObs: mat.NewDense(n, t.ObsDim(), nil),
		Rew:     mat.NewVecDense(n, nil),
		Done:    make([]bool, n),
	}
	for dst, src := range perm {
		copy(out.Obs.RawRowView(dst), t.Obs.RawRowView(src))
		copy(out.Act.RawRowView(dst), t.Act.RawRowView(src))
		copy(out.NextObs.RawRowView(dst), t.NextObs.RawRowView(src))
		out.Rew.SetVec(dst, t.Rew.AtVec(src))
		out.Done[dst] = t.Done[src]
	}
	return out
}

// Split carves off the trailing fraction of rows as a validation set.
// frac is clamped to [0, 1); with frac 0 the validation part is nil.
// Callers shuffle first if they want a random split.
func (t *Transitions) Split(frac float64) (train, val *Transitions) {
	n := t.N()
	if frac <= 0 {
		return t, nil
	}
	if frac >= 1 {
		frac = 0.999
	}
	nv := int(float64(n) * frac)
	if nv == 0 {
		return t, nil
	}
	return t.Slice(0, n-nv), t.Slice(n-nv, n)
}

// Slice returns rows [lo, hi) as views onto the receiver's storage.
func (t *Transitions) Slice(lo, hi int) *Transitions {
	return &Transitions{
		Obs:     t.Obs.Slice(lo, hi, 0, t.ObsDim()).(*mat.Dense),
		Act:     t.Act.Slice(lo, hi, 0, t.ActDim()).(*mat.Dense),
		NextObs: t.NextObs.Slice(lo, hi, 0, t.ObsDim()).(*mat.Dense),
		Rew:     t.Rew.SliceVec(lo, hi).(*mat.VecDense),
		Done:    t.Done[lo:hi],
	}
}
