package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/rollout"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EpochLogger writes one JSONL entry per training epoch (compressed).
// It satisfies dynamics.EpochSink.
type EpochLogger struct{ w *JSONLZstdWriter }

func NewEpochLogger(runDir string) *EpochLogger {
	return &EpochLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "epochs"), "epochs")}
}

func (l *EpochLogger) WriteEpoch(e dynamics.EpochEntry) error { return l.w.Write(e) }
func (l *EpochLogger) Close() error                           { return l.w.Close() }

// TrajectoryEntry is one rollout summary line. Returns are summed over
// the horizon; DoneRate is the fraction of particles finished by the
// last step.
type TrajectoryEntry struct {
	Time         string  `json:"time"`
	Session      string  `json:"session,omitempty"`
	ModelVersion uint64  `json:"model_version"`
	Batch        int     `json:"batch"`
	Particles    int     `json:"particles"`
	Horizon      int     `json:"horizon"`
	MeanReturn   float64 `json:"mean_return"`
	MinReturn    float64 `json:"min_return"`
	MaxReturn    float64 `json:"max_return"`
	DoneRate     float64 `json:"done_rate"`
}

// Summarize reduces a finished trajectory to its log entry.
func Summarize(tr *rollout.Trajectory, modelVersion uint64) TrajectoryEntry {
	ret := tr.Returns()
	lo, hi := math.Inf(1), math.Inf(-1)
	for n := 0; n < tr.Batch; n++ {
		for _, v := range ret.RawRowView(n) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	done := 0
	last := tr.Dones[tr.Horizon-1]
	for _, d := range last {
		if d {
			done++
		}
	}
	return TrajectoryEntry{
		Time:         time.Now().UTC().Format(time.RFC3339),
		ModelVersion: modelVersion,
		Batch:        tr.Batch,
		Particles:    tr.Particles,
		Horizon:      tr.Horizon,
		MeanReturn:   tr.MeanReturn(),
		MinReturn:    lo,
		MaxReturn:    hi,
		DoneRate:     float64(done) / float64(len(last)),
	}
}

// TrajectoryLogger writes rollout summaries as JSONL (compressed).
type TrajectoryLogger struct{ w *JSONLZstdWriter }

func NewTrajectoryLogger(dir string) *TrajectoryLogger {
	return &TrajectoryLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "rollouts"), "rollouts")}
}

func (l *TrajectoryLogger) WriteTrajectory(v TrajectoryEntry) error { return l.w.Write(v) }
func (l *TrajectoryLogger) Close() error                            { return l.w.Close() }
