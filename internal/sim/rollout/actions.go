package rollout

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ZeroActions builds a teacher-forced action sequence of all zeros.
func ZeroActions(n, horizon, actDim int) []*mat.Dense {
	out := make([]*mat.Dense, horizon)
	for t := range out {
		out[t] = mat.NewDense(n, actDim, nil)
	}
	return out
}

// RandomActions draws actions uniformly from [-scale, scale], the same
// proposal distribution random shooting planners use.
func RandomActions(rng *rand.Rand, n, horizon, actDim int, scale float64) []*mat.Dense {
	out := make([]*mat.Dense, horizon)
	for t := range out {
		a := mat.NewDense(n, actDim, nil)
		for i := 0; i < n; i++ {
			row := a.RawRowView(i)
			for j := range row {
				row[j] = (rng.Float64()*2 - 1) * scale
			}
		}
		out[t] = a
	}
	return out
}
