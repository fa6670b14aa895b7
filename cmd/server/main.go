package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "worldmodel.ai/internal/persistence/log"
	"worldmodel.ai/internal/persistence/snapshot"
	"worldmodel.ai/internal/sim/worldmodel"
	"worldmodel.ai/internal/transport/ws"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "http listen address")
		dataDir  = flag.String("data", "./data", "runtime data directory")
		snapPath = flag.String("snapshot", "", "model snapshot path (default: newest under <data>/runs)")
		runID    = flag.String("run", "", "serve the snapshot of this run id")
		seed     = flag.Int64("seed", 7, "rng seed for sampling")

		maxBatch     = flag.Int("max_batch", 256, "max request batch size")
		maxHorizon   = flag.Int("max_horizon", 200, "max rollout horizon")
		maxParticles = flag.Int("max_particles", 64, "max rollout particles")

		logRollouts = flag.Bool("log_rollouts", true, "write served rollout summaries to <data>/serve")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*snapPath)
	if path == "" && strings.TrimSpace(*runID) != "" {
		path = filepath.Join(*dataDir, "runs", strings.TrimSpace(*runID), "model.wm.zst")
	}
	if path == "" {
		path = latestRunSnapshot(*dataDir)
	}
	if path == "" {
		logger.Fatalf("no snapshot found; provide -snapshot or -run, or train first")
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		logger.Fatalf("read snapshot: %v", err)
	}
	m, err := worldmodel.Import(&snap, nil, nil, *seed)
	if err != nil {
		logger.Fatalf("import: %v", err)
	}
	cfg := m.Config()
	logger.Printf("serving %s version=%d dims=(%d,%d) members=%d from %s",
		cfg.ID, m.Version(), cfg.ObsDim, cfg.ActDim, cfg.Ensembles, filepath.Base(path))

	lim := ws.Limits{
		MaxBatch:     *maxBatch,
		MaxHorizon:   *maxHorizon,
		MaxParticles: *maxParticles,
	}
	srv := ws.NewServer(m, logger, lim)

	if *logRollouts {
		trajLog := persistlog.NewTrajectoryLogger(filepath.Join(*dataDir, "serve"))
		defer trajLog.Close()
		srv.SetTrajectoryLogger(trajLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP worldmodel_version Mutation count of the served model.\n")
		fmt.Fprintf(rw, "# TYPE worldmodel_version gauge\n")
		fmt.Fprintf(rw, "worldmodel_version{model=%q} %d\n", cfg.ID, m.Version())

		fmt.Fprintf(rw, "# HELP worldmodel_adapted Whether normalizer statistics are fitted.\n")
		fmt.Fprintf(rw, "# TYPE worldmodel_adapted gauge\n")
		fmt.Fprintf(rw, "worldmodel_adapted{model=%q} %d\n", cfg.ID, boolGauge(m.Adapted()))

		fmt.Fprintf(rw, "# HELP worldmodel_dims Model input dimensions.\n")
		fmt.Fprintf(rw, "# TYPE worldmodel_dims gauge\n")
		fmt.Fprintf(rw, "worldmodel_dims{model=%q,dim=%q} %d\n", cfg.ID, "obs", cfg.ObsDim)
		fmt.Fprintf(rw, "worldmodel_dims{model=%q,dim=%q} %d\n", cfg.ID, "act", cfg.ActDim)

		fmt.Fprintf(rw, "# HELP worldmodel_ensembles Ensemble member count.\n")
		fmt.Fprintf(rw, "# TYPE worldmodel_ensembles gauge\n")
		fmt.Fprintf(rw, "worldmodel_ensembles{model=%q} %d\n", cfg.ID, cfg.Ensembles)

		fmt.Fprintf(rw, "# HELP worldmodel_request_limit Request size limits.\n")
		fmt.Fprintf(rw, "# TYPE worldmodel_request_limit gauge\n")
		fmt.Fprintf(rw, "worldmodel_request_limit{limit=%q} %d\n", "batch", *maxBatch)
		fmt.Fprintf(rw, "worldmodel_request_limit{limit=%q} %d\n", "horizon", *maxHorizon)
		fmt.Fprintf(rw, "worldmodel_request_limit{limit=%q} %d\n", "particles", *maxParticles)
	})
	if envBool("WM_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WM_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", srv.Handler())

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// latestRunSnapshot picks the newest run snapshot by modification time.
func latestRunSnapshot(dataDir string) string {
	dir := filepath.Join(dataDir, "runs")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "model.wm.zst")
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			bestMod = info.ModTime()
			best = path
		}
	}
	return best
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
