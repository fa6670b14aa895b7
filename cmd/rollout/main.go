package main

import (
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	persistlog "worldmodel.ai/internal/persistence/log"
	"worldmodel.ai/internal/persistence/rundb"
	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/sim/envs"
	"worldmodel.ai/internal/sim/rollout"
	"worldmodel.ai/internal/sim/tuning"
	"worldmodel.ai/internal/sim/worldmodel"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "model snapshot path (default: <data>/runs/<run>/model.wm.zst)")
		runID      = flag.String("run", "", "run id; locates the snapshot and records the rollout under it")
		tuningPath = flag.String("tuning", "./configs/model.yaml", "path to model.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		horizon    = flag.Int("horizon", 0, "steps to roll out (default: tuning)")
		particles  = flag.Int("particles", 0, "particles per state (default: tuning)")
		batch      = flag.Int("batch", 8, "number of initial states")
		seed       = flag.Int64("seed", 7, "rng seed for actions and sampling")
		disableDB  = flag.Bool("disable_db", false, "disable the run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[rollout] ", log.LstdFlags|log.Lmicroseconds)

	tn, err := tuning.Load(*tuningPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			tn = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	if *horizon < 1 {
		*horizon = tn.Rollout.Horizon
	}
	if *particles < 1 {
		*particles = tn.Rollout.Particles
	}

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*runID) == "" {
			logger.Fatalf("need -snapshot or -run")
		}
		path = filepath.Join(*dataDir, "runs", strings.TrimSpace(*runID), "model.wm.zst")
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		logger.Fatalf("read snapshot: %v", err)
	}
	m, err := worldmodel.Import(&snap, nil, nil, *seed)
	if err != nil {
		logger.Fatalf("import: %v", err)
	}
	logger.Printf("model %s version=%d dims=(%d,%d) members=%d",
		snap.Header.ModelID, m.Version(), snap.ObsDim, snap.ActDim, snap.Ensembles)

	env, err := envs.New(tn.Data.Env, rand.New(rand.NewSource(*seed)))
	if err != nil {
		logger.Fatalf("env: %v", err)
	}
	if env.ObsDim() != snap.ObsDim || env.ActDim() != snap.ActDim {
		logger.Fatalf("env %s is (%d, %d), snapshot wants (%d, %d)",
			tn.Data.Env, env.ObsDim(), env.ActDim(), snap.ObsDim, snap.ActDim)
	}

	initial := envs.ResetBatch(env, *batch)
	rng := rand.New(rand.NewSource(*seed + 1))
	actions := rollout.RandomActions(rng, *batch, *horizon, snap.ActDim, env.ActBound())

	eng, err := m.BuildRollout(*horizon, *particles, nil)
	if err != nil {
		logger.Fatalf("build rollout: %v", err)
	}
	tr, err := eng.Run(initial, actions)
	if err != nil {
		logger.Fatalf("run: %v", err)
	}

	entry := persistlog.Summarize(tr, m.Version())
	logger.Printf("rollout: batch=%d particles=%d horizon=%d", tr.Batch, tr.Particles, tr.Horizon)
	logger.Printf("returns: mean=%.4f min=%.4f max=%.4f done_rate=%.3f",
		entry.MeanReturn, entry.MinReturn, entry.MaxReturn, entry.DoneRate)
	returns := tr.Returns()
	for n := 0; n < tr.Batch; n++ {
		sum := 0.0
		for _, v := range returns.RawRowView(n) {
			sum += v
		}
		logger.Printf("  state %d: mean return %.4f", n, sum/float64(tr.Particles))
	}

	if id := strings.TrimSpace(*runID); id != "" && !*disableDB {
		db, err := rundb.Open(filepath.Join(*dataDir, "runs.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		defer db.Close()
		db.RecordRollout(id, entry)

		trajLog := persistlog.NewTrajectoryLogger(filepath.Join(*dataDir, "runs", id))
		defer trajLog.Close()
		if err := trajLog.WriteTrajectory(entry); err != nil {
			logger.Printf("trajectory log: %v", err)
		}
	}
}
