package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/rollout"
)

func readLines(t *testing.T, dir, prefix string) [][]byte {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s files under %s", prefix, dir)
	}
	var out [][]byte
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		sc := bufio.NewScanner(dec)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			out = append(out, line)
		}
		if err := sc.Err(); err != nil {
			t.Fatalf("scan %s: %v", path, err)
		}
		dec.Close()
		_ = f.Close()
	}
	return out
}

func TestEpochLogger_RoundTrip(t *testing.T) {
	runDir := t.TempDir()
	l := NewEpochLogger(runDir)
	val := 0.25
	entries := []dynamics.EpochEntry{
		{Model: "dynamics", Epoch: 1, Epochs: 2, TrainLoss: 1.5},
		{Model: "dynamics", Epoch: 2, Epochs: 2, TrainLoss: 0.75, ValLoss: &val},
		{Model: "reward", Epoch: 1, Epochs: 2, TrainLoss: 0.5},
	}
	for _, e := range entries {
		if err := l.WriteEpoch(e); err != nil {
			t.Fatalf("write epoch: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLines(t, filepath.Join(runDir, "epochs"), "epochs")
	if len(lines) != len(entries) {
		t.Fatalf("got %d lines, want %d", len(lines), len(entries))
	}
	for i, line := range lines {
		var got dynamics.EpochEntry
		if err := json.Unmarshal(line, &got); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		want := entries[i]
		if got.Model != want.Model || got.Epoch != want.Epoch || got.TrainLoss != want.TrainLoss {
			t.Fatalf("line %d: got %+v, want %+v", i, got, want)
		}
		if (got.ValLoss == nil) != (want.ValLoss == nil) {
			t.Fatalf("line %d: val loss presence mismatch", i)
		}
		if got.ValLoss != nil && *got.ValLoss != *want.ValLoss {
			t.Fatalf("line %d: val loss %v, want %v", i, *got.ValLoss, *want.ValLoss)
		}
	}
}

func TestSummarize(t *testing.T) {
	tr := &rollout.Trajectory{
		Batch:     2,
		Particles: 2,
		Horizon:   2,
		ObsDim:    1,
		Rewards: []*mat.VecDense{
			mat.NewVecDense(4, []float64{1, 2, 3, 4}),
			mat.NewVecDense(4, []float64{1, 1, 1, 1}),
		},
		Dones: [][]bool{
			{false, false, false, false},
			{true, false, false, false},
		},
	}
	e := Summarize(tr, 9)
	if e.ModelVersion != 9 || e.Batch != 2 || e.Particles != 2 || e.Horizon != 2 {
		t.Fatalf("unexpected header fields: %+v", e)
	}
	if e.MeanReturn != 3.5 {
		t.Fatalf("mean return = %v, want 3.5", e.MeanReturn)
	}
	if e.MinReturn != 2 || e.MaxReturn != 5 {
		t.Fatalf("return range = [%v, %v], want [2, 5]", e.MinReturn, e.MaxReturn)
	}
	if e.DoneRate != 0.25 {
		t.Fatalf("done rate = %v, want 0.25", e.DoneRate)
	}
	if e.Time == "" {
		t.Fatalf("time should be set")
	}
}

func TestTrajectoryLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTrajectoryLogger(dir)
	in := TrajectoryEntry{
		Time:         "2026-01-02T03:04:05Z",
		Session:      "s-1",
		ModelVersion: 3,
		Batch:        1,
		Particles:    2,
		Horizon:      4,
		MeanReturn:   -1.25,
		MinReturn:    -2,
		MaxReturn:    -0.5,
		DoneRate:     0.5,
	}
	if err := l.WriteTrajectory(in); err != nil {
		t.Fatalf("write trajectory: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "rollouts"), "rollouts")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	var got TrajectoryEntry
	if err := json.Unmarshal(lines[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}
