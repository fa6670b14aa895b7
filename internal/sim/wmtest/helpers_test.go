package wmtest

import "worldmodel.ai/internal/sim/tuning"

// quickTuning shrinks the shipped defaults so scenarios stay fast.
func quickTuning() tuning.Tuning {
	tn := tuning.Defaults()
	tn.Model.Ensembles = 3
	tn.Model.Hidden = 32
	tn.Model.Layers = 3
	tn.Training.Epochs = 80
	tn.Rollout.Horizon = 6
	tn.Rollout.Particles = 3
	tn.Data.Steps = 1200
	tn.Data.Seed = 21
	return tn
}
