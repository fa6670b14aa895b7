package tuning

import (
	"strings"
	"testing"
)

func TestLoad_ModelYAML_OmittedKeysKeepDefaults(t *testing.T) {
	tn, err := Load("../../../configs/model.yaml")
	if err != nil {
		t.Fatalf("load model.yaml: %v", err)
	}
	if tn.Model.Ensembles != 5 || tn.Model.Hidden != 64 || tn.Model.Layers != 4 {
		t.Fatalf("unexpected model spec: %+v", tn.Model)
	}
	if !tn.Model.LayerNorm {
		t.Fatalf("layer_norm omitted from file, should default to true")
	}
	if tn.Model.RewardMembers != tn.Model.Ensembles {
		t.Fatalf("reward_members should normalize to ensembles, got %d", tn.Model.RewardMembers)
	}
	if !tn.Training.Shuffle {
		t.Fatalf("shuffle omitted from file, should default to true")
	}
	if tn.Rollout.Horizon != 25 || tn.Rollout.Particles != 4 {
		t.Fatalf("unexpected rollout spec: %+v", tn.Rollout)
	}
	if tn.Data.Env != "linear" || tn.Data.Seed != 1337 {
		t.Fatalf("unexpected data spec: %+v", tn.Data)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	tn, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	want := Defaults()
	want.Normalize()
	if tn != want {
		t.Fatalf("got %+v, want %+v", tn, want)
	}
	if err := tn.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tuning)
		want   string
	}{
		{"zero ensembles", func(t *Tuning) { t.Model.Ensembles = -1; t.Model.RewardMembers = -1 }, "model.ensembles"},
		{"unknown activation", func(t *Tuning) { t.Model.Activation = "selu" }, "activation"},
		{"negative lr", func(t *Tuning) { t.Model.LR = -1 }, "model.lr"},
		{"bad reward members", func(t *Tuning) { t.Model.RewardMembers = 3 }, "model.reward_members"},
		{"zero batch", func(t *Tuning) { t.Training.BatchSize = -1 }, "training.batch_size"},
		{"split too large", func(t *Tuning) { t.Training.ValidationSplit = 1 }, "training.validation_split"},
		{"patience without split", func(t *Tuning) { t.Training.Patience = 5; t.Training.ValidationSplit = 0 }, "training.patience"},
		{"zero horizon", func(t *Tuning) { t.Rollout.Horizon = 0 }, "rollout.horizon"},
		{"zero particles", func(t *Tuning) { t.Rollout.Particles = 0 }, "rollout.particles"},
		{"empty env", func(t *Tuning) { t.Data.Env = "  " }, "data.env"},
		{"zero steps", func(t *Tuning) { t.Data.Steps = 0 }, "data.steps"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tn := Defaults()
			tc.mutate(&tn)
			err := tn.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNormalize_FillsRewardMembers(t *testing.T) {
	tn := Defaults()
	tn.Model.Ensembles = 7
	tn.Model.RewardMembers = 0
	tn.Normalize()
	if tn.Model.RewardMembers != 7 {
		t.Fatalf("reward members = %d, want 7", tn.Model.RewardMembers)
	}
	if err := tn.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
