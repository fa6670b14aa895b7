package rollout

import "gonum.org/v1/gonum/mat"

// Trajectory is the result of one rollout. Index t holds the state
// reached after step t; within a step matrix, batch entry n's particle
// p lives at row n*Particles+p.
type Trajectory struct {
	Batch     int
	Particles int
	Horizon   int
	ObsDim    int

	States  []*mat.Dense    // per step, (Batch*Particles, ObsDim)
	Rewards []*mat.VecDense // per step, Batch*Particles
	Dones   [][]bool        // per step, Batch*Particles
}

func newTrajectory(batch, particles, horizon, obsDim int) *Trajectory {
	return &Trajectory{
		Batch:     batch,
		Particles: particles,
		Horizon:   horizon,
		ObsDim:    obsDim,
		States:    make([]*mat.Dense, horizon),
		Rewards:   make([]*mat.VecDense, horizon),
		Dones:     make([][]bool, horizon),
	}
}

func (tr *Trajectory) row(n, p int) int { return n*tr.Particles + p }

// StateAt copies the state of batch entry n, particle p after step t.
func (tr *Trajectory) StateAt(n, p, t int) []float64 {
	out := make([]float64, tr.ObsDim)
	copy(out, tr.States[t].RawRowView(tr.row(n, p)))
	return out
}

func (tr *Trajectory) RewardAt(n, p, t int) float64 {
	return tr.Rewards[t].AtVec(tr.row(n, p))
}

func (tr *Trajectory) DoneAt(n, p, t int) bool {
	return tr.Dones[t][tr.row(n, p)]
}

// Returns sums rewards over the horizon, one value per (batch,
// particle) pair.
func (tr *Trajectory) Returns() *mat.Dense {
	out := mat.NewDense(tr.Batch, tr.Particles, nil)
	for t := 0; t < tr.Horizon; t++ {
		for n := 0; n < tr.Batch; n++ {
			row := out.RawRowView(n)
			for p := 0; p < tr.Particles; p++ {
				row[p] += tr.Rewards[t].AtVec(tr.row(n, p))
			}
		}
	}
	return out
}

// MeanReturn averages Returns over all particles and batch entries.
func (tr *Trajectory) MeanReturn() float64 {
	r := tr.Returns()
	sum := 0.0
	for n := 0; n < tr.Batch; n++ {
		for _, v := range r.RawRowView(n) {
			sum += v
		}
	}
	return sum / float64(tr.Batch*tr.Particles)
}
