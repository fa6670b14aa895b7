package snapshot

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func sampleModel() ModelV1 {
	return ModelV1{
		Header: Header{
			Version:      FormatVersion,
			ModelID:      "m-test",
			ModelVersion: 7,
			CreatedAt:    "2025-03-01T12:00:00Z",
		},
		ObsDim:     3,
		ActDim:     2,
		Ensembles:  2,
		Hidden:     4,
		Layers:     2,
		Activation: "relu",
		LayerNorm:  true,
		LR:         0.001,
		ObsStats:   StatsV1{Mean: []float64{1, 2, 3}, Std: []float64{1, 1, 2}, Adapted: true},
		ActStats:   StatsV1{Mean: []float64{0, 0}, Std: []float64{1, 1}, Adapted: true},
		DeltaStats: StatsV1{Mean: []float64{0.1, 0.2, 0.3}, Std: []float64{1, 2, 3}, Adapted: true},
		Dynamics: []MemberV1{
			{Layers: []LayerV1{
				{Kind: "dense", In: 5, Out: 4, W: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, B: []float64{0, 0, 0, 0}},
				{Kind: "layer_norm", Out: 4, Gamma: []float64{1, 1, 1, 1}, Beta: []float64{0, 0, 0, 0}},
				{Kind: "dense", In: 4, Out: 6, W: make([]float64, 24), B: make([]float64, 6)},
			}},
			{Layers: []LayerV1{
				{Kind: "dense", In: 5, Out: 4, W: make([]float64, 20), B: []float64{1, 1, 1, 1}},
				{Kind: "layer_norm", Out: 4, Gamma: []float64{1, 1, 1, 1}, Beta: []float64{0, 0, 0, 0}},
				{Kind: "dense", In: 4, Out: 6, W: make([]float64, 24), B: make([]float64, 6)},
			}},
		},
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models", "m-test.snap")

	want := sampleModel()
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestSnapshot_ReadHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.snap")

	snap := sampleModel()
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h != snap.Header {
		t.Fatalf("header: got %+v want %+v", h, snap.Header)
	}
}

func TestSnapshot_VersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.snap")

	snap := sampleModel()
	snap.Header.Version = FormatVersion + 1
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if _, err := ReadSnapshot(path); err == nil {
		t.Fatal("expected version mismatch error")
	} else if !strings.Contains(err.Error(), "format version") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSnapshot_ReadMissingFile(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope.snap")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDigest_IgnoresHeaderMetadata(t *testing.T) {
	a := sampleModel()
	b := sampleModel()
	b.Header.CreatedAt = "2030-01-01T00:00:00Z"
	b.Header.ModelVersion = 99

	if Digest(a) != Digest(b) {
		t.Fatal("digest should not depend on header metadata")
	}
}

func TestDigest_SensitiveToWeights(t *testing.T) {
	a := sampleModel()
	b := sampleModel()
	b.Dynamics[1].Layers[0].W[3] += 1e-9

	if Digest(a) == Digest(b) {
		t.Fatal("digest should change when a weight changes")
	}
}

func TestDigest_SensitiveToStats(t *testing.T) {
	a := sampleModel()
	b := sampleModel()
	b.DeltaStats.Std[0] *= 2

	if Digest(a) == Digest(b) {
		t.Fatal("digest should change when statistics change")
	}
}
