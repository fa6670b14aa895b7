package wmtest

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/persistence/snapshot"
)

// One seed, one result: two independent collect-fit-rollout runs over
// the same tuning must agree bitwise, weights and trajectories both.
func TestDeterminism_SameSeedSameTrajectory(t *testing.T) {
	tn := quickTuning()
	tn.Training.Epochs = 8
	tn.Data.Steps = 400

	build := func() *Harness {
		h := NewHarness(t, tn)
		h.Collect(tn.Data.Steps)
		h.Fit()
		return h
	}
	h1 := build()
	h2 := build()

	if d1, d2 := snapshot.Digest(*h1.Model.Export()), snapshot.Digest(*h2.Model.Export()); d1 != d2 {
		t.Fatalf("model digests diverge under one seed:\n%s\n%s", d1, d2)
	}

	initial := Dense([][]float64{{0.2, -0.2, 0}, {1, 0.5, -0.5}})
	actions := ConstActions(tn.Rollout.Horizon, 2, []float64{0.5, -0.5})
	tr1 := h1.Rollout(initial, actions)
	tr2 := h2.Rollout(initial, actions)

	for step := 0; step < tr1.Horizon; step++ {
		if !mat.Equal(tr1.States[step], tr2.States[step]) {
			t.Fatalf("states diverge at step %d", step)
		}
		if !mat.Equal(tr1.Rewards[step], tr2.Rewards[step]) {
			t.Fatalf("rewards diverge at step %d", step)
		}
		for i, d := range tr1.Dones[step] {
			if d != tr2.Dones[step][i] {
				t.Fatalf("done flags diverge at step %d row %d", step, i)
			}
		}
	}
}
