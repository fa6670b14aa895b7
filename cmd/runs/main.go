package main

import (
	"flag"
	"fmt"
	"os"

	"worldmodel.ai/internal/persistence/rundb"
	"worldmodel.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "epochs":
			epochsCmd(os.Args[2:])
			return
		case "rollouts":
			rolloutsCmd(os.Args[2:])
			return
		case "datasets":
			datasetsCmd(os.Args[2:])
			return
		case "header":
			headerCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func openDB(path string) *rundb.DB {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	db, err := rundb.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	return db
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "./data/runs.db", "run index path")
	_ = fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	runs, err := db.ListRuns()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list runs:", err)
		os.Exit(1)
	}
	for _, r := range runs {
		status := r.FinishedAt
		if status == "" {
			status = "(running)"
		}
		fmt.Printf("%s  env=%s dims=(%d,%d) members=%d seed=%d started=%s finished=%s train=%s val=%s digest=%s\n",
			r.ID, r.Env, r.ObsDim, r.ActDim, r.Ensembles, r.Seed,
			r.StartedAt, status, optFloat(r.TrainLoss), optFloat(r.ValLoss), shortDigest(r.ModelDigest))
	}
}

func epochsCmd(args []string) {
	fs := flag.NewFlagSet("epochs", flag.ExitOnError)
	dbPath := fs.String("db", "./data/runs.db", "run index path")
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if *runID == "" && fs.NArg() > 0 {
		*runID = fs.Arg(0)
	}
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	db := openDB(*dbPath)
	defer db.Close()

	epochs, err := db.Epochs(*runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "epochs:", err)
		os.Exit(1)
	}
	for _, e := range epochs {
		fmt.Printf("%s epoch=%d/%d train_loss=%.6f val_loss=%s\n",
			e.Model, e.Epoch, e.Epochs, e.TrainLoss, optFloat(e.ValLoss))
	}
}

func rolloutsCmd(args []string) {
	fs := flag.NewFlagSet("rollouts", flag.ExitOnError)
	dbPath := fs.String("db", "./data/runs.db", "run index path")
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if *runID == "" && fs.NArg() > 0 {
		*runID = fs.Arg(0)
	}
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	db := openDB(*dbPath)
	defer db.Close()

	entries, err := db.Rollouts(*runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollouts:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Printf("%s model_version=%d batch=%d particles=%d horizon=%d return=%.4f [%.4f, %.4f] done_rate=%.3f\n",
			e.Time, e.ModelVersion, e.Batch, e.Particles, e.Horizon,
			e.MeanReturn, e.MinReturn, e.MaxReturn, e.DoneRate)
	}
}

func datasetsCmd(args []string) {
	fs := flag.NewFlagSet("datasets", flag.ExitOnError)
	dbPath := fs.String("db", "./data/runs.db", "run index path")
	_ = fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	rows, err := db.ListDatasets()
	if err != nil {
		fmt.Fprintln(os.Stderr, "datasets:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		fmt.Printf("%s  env=%s n=%d dims=(%d,%d) seed=%d created=%s\n",
			r.Name, r.Env, r.N, r.ObsDim, r.ActDim, r.Seed, r.CreatedAt)
	}
}

func headerCmd(args []string) {
	fs := flag.NewFlagSet("header", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "snapshot path")
	digest := fs.Bool("digest", false, "decode the full snapshot and print its digest")
	_ = fs.Parse(args)
	if *snapPath == "" && fs.NArg() > 0 {
		*snapPath = fs.Arg(0)
	}
	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing snapshot path")
		os.Exit(2)
	}

	h, err := snapshot.ReadHeader(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(1)
	}
	fmt.Printf("format_version=%d model=%s model_version=%d created_at=%s\n",
		h.Version, h.ModelID, h.ModelVersion, h.CreatedAt)

	if *digest {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("dims=(%d,%d) members=%d fuse_reward=%v reward_members=%d digest=%s\n",
			snap.ObsDim, snap.ActDim, snap.Ensembles, snap.FuseReward, snap.RewardMembers, snapshot.Digest(snap))
	}
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}
