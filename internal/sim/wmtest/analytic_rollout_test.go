package wmtest

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// Rollouts with analytic callbacks must report exactly what the
// environment closures compute on the visited (state, action, next)
// triples, in raw coordinates.
func TestRollout_AnalyticCallbacksFlowThroughTrajectory(t *testing.T) {
	tn := quickTuning()
	h := NewAnalyticHarness(t, tn)
	h.Collect(500)
	h.Adapt()

	initial := Dense([][]float64{{0.5, -0.5, 0.25}, {9.95, 1, 0}})
	actions := ConstActions(tn.Rollout.Horizon, 2, []float64{1, -1})
	tr := h.Rollout(initial, actions)

	if tr.Batch != 2 || tr.Particles != tn.Rollout.Particles || tr.Horizon != tn.Rollout.Horizon || tr.ObsDim != 3 {
		t.Fatalf("trajectory dims: batch %d particles %d horizon %d obs %d",
			tr.Batch, tr.Particles, tr.Horizon, tr.ObsDim)
	}

	rows := tr.Batch * tr.Particles
	prev := tile(initial, tr.Particles)
	// Constant action sequences tile to the same matrix every step.
	actTiled := tile(actions[0], tr.Particles)
	for step := 0; step < tr.Horizon; step++ {
		next := tr.States[step]

		wantRew, err := h.RewardFn(prev, actTiled, next)
		if err != nil {
			t.Fatalf("reward fn: %v", err)
		}
		for i := 0; i < rows; i++ {
			if got, want := tr.Rewards[step].AtVec(i), wantRew.AtVec(i); math.Abs(got-want) > 1e-12 {
				t.Fatalf("step %d row %d: reward %.12f, recomputed %.12f", step, i, got, want)
			}
		}

		wantDone, err := h.TerminateFn(prev, actTiled, next)
		if err != nil {
			t.Fatalf("terminate fn: %v", err)
		}
		for i := 0; i < rows; i++ {
			if tr.Dones[step][i] != wantDone[i] {
				t.Fatalf("step %d row %d: done %v, recomputed %v", step, i, tr.Dones[step][i], wantDone[i])
			}
		}
		prev = next
	}
}

// tile repeats each row particles times, matching the engine's row
// layout.
func tile(m *mat.Dense, particles int) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r*particles, c, nil)
	for i := 0; i < r; i++ {
		for p := 0; p < particles; p++ {
			copy(out.RawRowView(i*particles+p), m.RawRowView(i))
		}
	}
	return out
}
