package main

import (
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	persistlog "worldmodel.ai/internal/persistence/log"
	"worldmodel.ai/internal/persistence/rundb"
	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/sim/dataset"
	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/envs"
	"worldmodel.ai/internal/sim/tuning"
	"worldmodel.ai/internal/sim/worldmodel"
)

func main() {
	var (
		tuningPath  = flag.String("tuning", "./configs/model.yaml", "path to model.yaml")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		runID       = flag.String("run", "", "run id (default: random)")
		envName     = flag.String("env", "", "environment override")
		steps       = flag.Int("steps", 0, "collection steps override")
		seed        = flag.Int64("seed", 0, "seed override")
		datasetName = flag.String("dataset", "", "train on a stored dataset instead of collecting")
		saveDataset = flag.String("save_dataset", "", "store the collected transitions under this name")
		disableDB   = flag.Bool("disable_db", false, "disable the run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[train] ", log.LstdFlags|log.Lmicroseconds)

	tn, err := tuning.Load(*tuningPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tn = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	if s := strings.TrimSpace(*envName); s != "" {
		tn.Data.Env = s
	}
	if *steps > 0 {
		tn.Data.Steps = *steps
	}
	if *seed != 0 {
		tn.Data.Seed = *seed
	}
	tn.Normalize()
	if err := tn.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = uuid.NewString()
	}
	runDir := filepath.Join(*dataDir, "runs", id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("mkdir run dir: %v", err)
	}

	var db *rundb.DB
	if !*disableDB {
		db, err = rundb.Open(filepath.Join(*dataDir, "runs.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		defer db.Close()
	}

	env, err := envs.New(tn.Data.Env, rand.New(rand.NewSource(tn.Data.Seed)))
	if err != nil {
		logger.Fatalf("env: %v", err)
	}

	var ts *dataset.Transitions
	if name := strings.TrimSpace(*datasetName); name != "" {
		if db == nil {
			logger.Fatalf("-dataset requires the run index")
		}
		ts, err = db.LoadDataset(name)
		if err != nil {
			logger.Fatalf("load dataset: %v", err)
		}
		logger.Printf("dataset %s: %d transitions (obs %d, act %d)", name, ts.N(), ts.ObsDim(), ts.ActDim())
	} else {
		ts, err = envs.Collect(env, tn.Data.Steps, rand.New(rand.NewSource(tn.Data.Seed+1)))
		if err != nil {
			logger.Fatalf("collect: %v", err)
		}
		logger.Printf("collected %d transitions from %s", ts.N(), tn.Data.Env)
		if name := strings.TrimSpace(*saveDataset); name != "" && db != nil {
			if err := db.SaveDataset(name, tn.Data.Env, tn.Data.Seed, ts); err != nil {
				logger.Printf("save dataset: %v", err)
			} else {
				logger.Printf("stored dataset %s", name)
			}
		}
	}

	// Model dims follow the data so stored datasets from other
	// environments keep working.
	m, err := worldmodel.New(worldmodel.Config{
		ID:            "wm-" + tn.Data.Env,
		ObsDim:        ts.ObsDim(),
		ActDim:        ts.ActDim(),
		Ensembles:     tn.Model.Ensembles,
		Hidden:        tn.Model.Hidden,
		Layers:        tn.Model.Layers,
		Activation:    tn.Model.Activation,
		LayerNorm:     tn.Model.LayerNorm,
		LR:            tn.Model.LR,
		FuseReward:    tn.Model.FuseReward,
		RewardMembers: tn.Model.RewardMembers,
		Seed:          tn.Data.Seed,
	})
	if err != nil {
		logger.Fatalf("model: %v", err)
	}

	epochLog := persistlog.NewEpochLogger(runDir)
	defer epochLog.Close()
	if db != nil {
		m.SetEpochSink(dynamics.Sinks(epochLog, db.EpochSink(id)))
	} else {
		m.SetEpochSink(epochLog)
	}

	if db != nil {
		err := db.CreateRun(rundb.RunMeta{
			ID:        id,
			Env:       tn.Data.Env,
			ObsDim:    ts.ObsDim(),
			ActDim:    ts.ActDim(),
			Ensembles: tn.Model.Ensembles,
			Seed:      tn.Data.Seed,
			Tuning:    tn,
		})
		if err != nil {
			logger.Fatalf("create run: %v", err)
		}
	}

	logger.Printf("run %s: fitting %d members for %d epochs", id, tn.Model.Ensembles, tn.Training.Epochs)
	report, err := m.Update(ts, dynamics.UpdateConfig{
		BatchSize:       tn.Training.BatchSize,
		Epochs:          tn.Training.Epochs,
		Patience:        tn.Training.Patience,
		ValidationSplit: tn.Training.ValidationSplit,
		Shuffle:         tn.Training.Shuffle,
	})
	if err != nil {
		logger.Fatalf("update: %v", err)
	}
	logger.Printf("dynamics: epochs=%d train_loss=%.6f val_loss=%.6f restored_best=%v",
		report.Dynamics.Epochs, report.Dynamics.TrainLoss, report.Dynamics.ValLoss, report.Dynamics.Restored)
	if report.Reward != nil {
		logger.Printf("reward: epochs=%d train_loss=%.6f val_loss=%.6f",
			report.Reward.Epochs, report.Reward.TrainLoss, report.Reward.ValLoss)
	}

	snap := m.Export()
	snapPath := filepath.Join(runDir, "model.wm.zst")
	if err := snapshot.WriteSnapshot(snapPath, *snap); err != nil {
		logger.Fatalf("write snapshot: %v", err)
	}
	digest := snapshot.Digest(*snap)

	if db != nil {
		res := rundb.RunResult{
			TrainLoss:    report.Dynamics.TrainLoss,
			ValLoss:      report.Dynamics.ValLoss,
			ModelDigest:  digest,
			SnapshotPath: snapPath,
		}
		if err := db.FinishRun(id, res); err != nil {
			logger.Printf("finish run: %v", err)
		}
	}
	logger.Printf("snapshot %s digest=%s", snapPath, digest[:12])
}
