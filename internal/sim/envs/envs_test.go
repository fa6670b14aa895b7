package envs

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLinearGaussian_StepFollowsDrift(t *testing.T) {
	e := NewLinearGaussian(LinearGaussianConfig{ObsDim: 3, ActDim: 2}, rand.New(rand.NewSource(1)))
	e.cfg.Noise = 0

	state := e.Reset()
	action := []float64{0.5, -0.25}
	next, rew, done := e.Step(action)

	for j := 0; j < 3; j++ {
		want := state[j] + 0.1*action[j%2]
		if got := next[j]; math.Abs(got-want) > 1e-12 {
			t.Fatalf("next[%d]: got %v want %v", j, got, want)
		}
	}
	if done {
		t.Fatal("bounded state flagged done")
	}
	wantRew := -(next[0]*next[0] + next[1]*next[1] + next[2]*next[2] +
		0.01*(action[0]*action[0]+action[1]*action[1]))
	if math.Abs(rew-wantRew) > 1e-12 {
		t.Fatalf("reward: got %v want %v", rew, wantRew)
	}
}

func TestLinearGaussian_DoneBeyondBound(t *testing.T) {
	e := NewLinearGaussian(LinearGaussianConfig{ObsDim: 2, ActDim: 1, Bound: 1}, rand.New(rand.NewSource(1)))
	e.cfg.Noise = 0
	e.state = []float64{0.99, 0}

	_, _, done := e.Step([]float64{1})
	if !done {
		t.Fatal("state beyond the bound not flagged done")
	}
}

func TestLinearGaussian_BatchFnsMatchStep(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewLinearGaussian(LinearGaussianConfig{ObsDim: 3, ActDim: 2, Bound: 2}, rng)

	for i := 0; i < 20; i++ {
		state := append([]float64(nil), e.state...)
		action := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		next, rew, done := e.Step(action)

		sm := mat.NewDense(1, 3, state)
		am := mat.NewDense(1, 2, action)
		nm := mat.NewDense(1, 3, next)

		batchRew, err := e.RewardFn()(sm, am, nm)
		if err != nil {
			t.Fatalf("reward fn: %v", err)
		}
		if got := batchRew.AtVec(0); got != rew {
			t.Fatalf("step %d reward: batch %v step %v", i, got, rew)
		}
		flags, err := e.TerminateFn()(sm, am, nm)
		if err != nil {
			t.Fatalf("terminate fn: %v", err)
		}
		if flags[0] != done {
			t.Fatalf("step %d done: batch %v step %v", i, flags[0], done)
		}
		if done {
			e.Reset()
		}
	}
}

func TestPendulum_StepMatchesClosedForm(t *testing.T) {
	p := NewPendulum(rand.New(rand.NewSource(1)))
	p.state = []float64{0.1, 0}

	next, rew, done := p.Step([]float64{0.5})
	if done {
		t.Fatal("pendulum episodes should never end")
	}

	thdot := (3*10.0/2.0*math.Sin(0.1) + 3*0.5) * 0.05
	th := 0.1 + thdot*0.05
	if math.Abs(next[0]-th) > 1e-12 || math.Abs(next[1]-thdot) > 1e-12 {
		t.Fatalf("next: got (%v, %v) want (%v, %v)", next[0], next[1], th, thdot)
	}
	wantRew := -(0.1*0.1 + 0.001*0.5*0.5)
	if math.Abs(rew-wantRew) > 1e-12 {
		t.Fatalf("reward: got %v want %v", rew, wantRew)
	}
}

func TestPendulum_ClampsSpeedAndTorque(t *testing.T) {
	p := NewPendulum(rand.New(rand.NewSource(1)))
	p.state = []float64{0, pendulumMaxSpeed}

	next, _, _ := p.Step([]float64{100})
	if next[1] > pendulumMaxSpeed {
		t.Fatalf("speed %v beyond the clamp %v", next[1], pendulumMaxSpeed)
	}

	p.state = []float64{0, 0}
	_, rew, _ := p.Step([]float64{100})
	wantRew := -(0.001 * pendulumMaxTorque * pendulumMaxTorque)
	if math.Abs(rew-wantRew) > 1e-12 {
		t.Fatalf("torque not clamped in the cost: got %v want %v", rew, wantRew)
	}
}

func TestPendulum_RewardFnMatchesStep(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	p := NewPendulum(rng)

	for i := 0; i < 20; i++ {
		state := append([]float64(nil), p.state...)
		action := []float64{rng.Float64()*4 - 2}
		next, rew, _ := p.Step(action)

		batchRew, err := p.RewardFn()(
			mat.NewDense(1, 2, state),
			mat.NewDense(1, 1, action),
			mat.NewDense(1, 2, next),
		)
		if err != nil {
			t.Fatalf("reward fn: %v", err)
		}
		if got := batchRew.AtVec(0); got != rew {
			t.Fatalf("step %d reward: batch %v step %v", i, got, rew)
		}
	}
}

func TestAngleNorm(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{-math.Pi / 2, -math.Pi / 2},
		{2 * math.Pi, 0},
		{5 * math.Pi / 2, math.Pi / 2},
		{-3 * math.Pi, -math.Pi},
	}
	for _, tc := range cases {
		if got := angleNorm(tc.in); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("angleNorm(%v): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestCollect_ChainsEpisodes(t *testing.T) {
	// Resets draw states in (-1, 1), so a 0.5 bound guarantees episode
	// ends keep occurring.
	rng := rand.New(rand.NewSource(5))
	e := NewLinearGaussian(LinearGaussianConfig{ObsDim: 2, ActDim: 1, Bound: 0.5}, rng)

	ts, err := Collect(e, 60, rng)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if ts.N() != 60 {
		t.Fatalf("rows: got %d want 60", ts.N())
	}
	if ts.ObsDim() != 2 || ts.ActDim() != 1 {
		t.Fatalf("dims: got (%d, %d) want (2, 1)", ts.ObsDim(), ts.ActDim())
	}
	sawDone := false
	for i := 0; i < ts.N()-1; i++ {
		if ts.Done[i] {
			sawDone = true
			continue
		}
		for j := 0; j < 2; j++ {
			if ts.Obs.At(i+1, j) != ts.NextObs.At(i, j) {
				t.Fatalf("row %d does not chain into row %d", i, i+1)
			}
		}
	}
	if !sawDone {
		t.Fatal("expected at least one episode end with a tight bound")
	}
}

func TestNew_Registry(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, name := range []string{"linear", "pendulum"} {
		e, err := New(name, rng)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if e.ObsDim() < 1 || e.ActDim() < 1 {
			t.Fatalf("%s: bad dims (%d, %d)", name, e.ObsDim(), e.ActDim())
		}
	}
	if _, err := New("gridworld", rng); err == nil {
		t.Fatal("expected an error for an unknown environment")
	}
}

func TestResetBatch_StacksFreshStates(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	e := NewLinearGaussian(LinearGaussianConfig{}, rng)

	states := ResetBatch(e, 4)
	r, c := states.Dims()
	if r != 4 || c != e.ObsDim() {
		t.Fatalf("dims: got (%d, %d) want (4, %d)", r, c, e.ObsDim())
	}
	same := true
	for i := 1; i < r && same; i++ {
		for j := 0; j < c; j++ {
			if states.At(i, j) != states.At(0, j) {
				same = false
				break
			}
		}
	}
	if same {
		t.Fatal("all reset states are identical")
	}
}
