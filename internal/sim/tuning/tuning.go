// Package tuning loads model and training hyperparameters from YAML.
//
// Unknown keys are ignored and missing keys keep their defaults, so a
// tuning file only needs to name the values it overrides.
package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"worldmodel.ai/internal/sim/nn"
)

type Tuning struct {
	Model    ModelSpec    `yaml:"model"`
	Training TrainingSpec `yaml:"training"`
	Rollout  RolloutSpec  `yaml:"rollout"`
	Data     DataSpec     `yaml:"data"`
}

// ModelSpec shapes the dynamics ensemble and its reward source.
type ModelSpec struct {
	Ensembles     int     `yaml:"ensembles"`
	Hidden        int     `yaml:"hidden"`
	Layers        int     `yaml:"layers"`
	Activation    string  `yaml:"activation"`
	LayerNorm     bool    `yaml:"layer_norm"`
	LR            float64 `yaml:"lr"`
	FuseReward    bool    `yaml:"fuse_reward"`
	RewardMembers int     `yaml:"reward_members"`
}

type TrainingSpec struct {
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	Patience        int     `yaml:"patience"`
	ValidationSplit float64 `yaml:"validation_split"`
	Shuffle         bool    `yaml:"shuffle"`
}

type RolloutSpec struct {
	Horizon   int `yaml:"horizon"`
	Particles int `yaml:"particles"`
}

// DataSpec describes how training transitions are collected.
type DataSpec struct {
	Env   string `yaml:"env"`
	Steps int    `yaml:"steps"`
	Seed  int64  `yaml:"seed"`
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("model.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("model.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		Model: ModelSpec{
			Ensembles:  5,
			Hidden:     64,
			Layers:     4,
			Activation: "relu",
			LayerNorm:  true,
			LR:         1e-3,
		},
		Training: TrainingSpec{
			BatchSize:       64,
			Epochs:          60,
			Patience:        0,
			ValidationSplit: 0.1,
			Shuffle:         true,
		},
		Rollout: RolloutSpec{
			Horizon:   25,
			Particles: 4,
		},
		Data: DataSpec{
			Env:   "linear",
			Steps: 5000,
			Seed:  1337,
		},
	}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.Model.Activation = strings.TrimSpace(t.Model.Activation)
	t.Data.Env = strings.TrimSpace(t.Data.Env)
	if t.Model.RewardMembers == 0 {
		t.Model.RewardMembers = t.Model.Ensembles
	}
}

func (t Tuning) Validate() error {
	t.Normalize()
	if t.Model.Ensembles < 1 {
		return fmt.Errorf("model.ensembles must be >= 1")
	}
	if t.Model.Layers < 1 {
		return fmt.Errorf("model.layers must be >= 1")
	}
	if t.Model.Layers > 1 && t.Model.Hidden < 1 {
		return fmt.Errorf("model.hidden must be >= 1")
	}
	if _, err := nn.ParseActivation(t.Model.Activation); err != nil {
		return err
	}
	if t.Model.LR <= 0 {
		return fmt.Errorf("model.lr must be > 0")
	}
	if t.Model.RewardMembers != 1 && t.Model.RewardMembers != t.Model.Ensembles {
		return fmt.Errorf("model.reward_members must be 1 or equal to model.ensembles")
	}
	if t.Training.BatchSize < 1 {
		return fmt.Errorf("training.batch_size must be >= 1")
	}
	if t.Training.Epochs < 1 {
		return fmt.Errorf("training.epochs must be >= 1")
	}
	if t.Training.Patience < 0 {
		return fmt.Errorf("training.patience must be >= 0")
	}
	if t.Training.ValidationSplit < 0 || t.Training.ValidationSplit >= 1 {
		return fmt.Errorf("training.validation_split must be in [0, 1)")
	}
	if t.Training.Patience > 0 && t.Training.ValidationSplit == 0 {
		return fmt.Errorf("training.patience requires training.validation_split > 0")
	}
	if t.Rollout.Horizon < 1 {
		return fmt.Errorf("rollout.horizon must be >= 1")
	}
	if t.Rollout.Particles < 1 {
		return fmt.Errorf("rollout.particles must be >= 1")
	}
	if t.Data.Env == "" {
		return fmt.Errorf("data.env must not be empty")
	}
	if t.Data.Steps < 1 {
		return fmt.Errorf("data.steps must be >= 1")
	}
	return nil
}
