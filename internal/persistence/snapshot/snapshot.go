// Package snapshot serializes trained models to disk. The format is a
// zstd stream carrying one JSON header line followed by a gob body, so
// tooling can inspect the header without decoding weights. Structs are
// versioned copies decoupled from the live model types.
package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const FormatVersion = 1

type Header struct {
	Version      int    `json:"version"`
	ModelID      string `json:"model_id"`
	ModelVersion uint64 `json:"model_version"`
	CreatedAt    string `json:"created_at"`
}

// ModelV1 captures everything needed to rebuild a model: architecture,
// normalizer statistics and all member weights. Analytic callbacks are
// recorded as flags only; callers re-attach the functions on load.
type ModelV1 struct {
	Header Header `json:"header"`

	ObsDim     int     `json:"obs_dim"`
	ActDim     int     `json:"act_dim"`
	Ensembles  int     `json:"ensembles"`
	Hidden     int     `json:"hidden"`
	Layers     int     `json:"layers"`
	Activation string  `json:"activation"`
	LayerNorm  bool    `json:"layer_norm"`
	FuseReward bool    `json:"fuse_reward"`
	LR         float64 `json:"lr"`

	HasRewardFn    bool `json:"has_reward_fn,omitempty"`
	HasTerminateFn bool `json:"has_terminate_fn,omitempty"`
	RewardMembers  int  `json:"reward_members,omitempty"`

	ObsStats   StatsV1  `json:"obs_stats"`
	ActStats   StatsV1  `json:"act_stats"`
	DeltaStats StatsV1  `json:"delta_stats"`
	RewStats   *StatsV1 `json:"rew_stats,omitempty"`

	Dynamics []MemberV1 `json:"dynamics"`
	Reward   []MemberV1 `json:"reward,omitempty"`
}

type StatsV1 struct {
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
	Adapted bool      `json:"adapted"`
}

type MemberV1 struct {
	Layers []LayerV1 `json:"layers"`
}

type LayerV1 struct {
	Kind  string    `json:"kind"`
	In    int       `json:"in,omitempty"`
	Out   int       `json:"out"`
	W     []float64 `json:"w,omitempty"`
	B     []float64 `json:"b,omitempty"`
	Gamma []float64 `json:"gamma,omitempty"`
	Beta  []float64 `json:"beta,omitempty"`
}

func WriteSnapshot(path string, snap ModelV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (ModelV1, error) {
	var snap ModelV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line duplicates what the gob body carries; skip it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != FormatVersion {
		return snap, fmt.Errorf("snapshot format version %d, want %d", snap.Header.Version, FormatVersion)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line, cheap enough for
// listing tools to call on every file in a directory.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReaderSize(dec, 64*1024).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, err
	}
	return h, nil
}

// Digest hashes the architecture, statistics and weights. Identical
// models produce identical digests independent of header metadata such
// as timestamps.
func Digest(snap ModelV1) string {
	h := sha256.New()
	var b [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}
	writeFloats := func(vs []float64) {
		for _, v := range vs {
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			h.Write(b[:])
		}
	}
	writeInt(snap.ObsDim)
	writeInt(snap.ActDim)
	writeInt(snap.Ensembles)
	writeInt(snap.Hidden)
	writeInt(snap.Layers)
	h.Write([]byte(snap.Activation))
	writeFloats(snap.ObsStats.Mean)
	writeFloats(snap.ObsStats.Std)
	writeFloats(snap.ActStats.Mean)
	writeFloats(snap.ActStats.Std)
	writeFloats(snap.DeltaStats.Mean)
	writeFloats(snap.DeltaStats.Std)
	if snap.RewStats != nil {
		writeFloats(snap.RewStats.Mean)
		writeFloats(snap.RewStats.Std)
	}
	for _, net := range [][]MemberV1{snap.Dynamics, snap.Reward} {
		for _, m := range net {
			for _, l := range m.Layers {
				h.Write([]byte(l.Kind))
				writeInt(l.In)
				writeInt(l.Out)
				writeFloats(l.W)
				writeFloats(l.B)
				writeFloats(l.Gamma)
				writeFloats(l.Beta)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
