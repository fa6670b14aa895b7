// Package rundb keeps a queryable SQLite index of training runs:
// per-epoch losses, rollout summaries and collected datasets. High-rate
// rows go through a single writer goroutine so training never blocks on
// the database.
package rundb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"worldmodel.ai/internal/persistence/log"
	"worldmodel.ai/internal/sim/dataset"
	"worldmodel.ai/internal/sim/dynamics"
	"worldmodel.ai/internal/sim/tuning"
)

type DB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEpoch   atomic.Uint64
	dropRollout atomic.Uint64
}

type reqKind int

const (
	reqEpoch reqKind = iota + 1
	reqRollout
)

type req struct {
	kind  reqKind
	runID string

	epoch   dynamics.EpochEntry
	rollout log.TrajectoryEntry
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{
		db: db,
		// Large buffer: a fit emits its epoch rows in bursts and must
		// never stall on the database.
		ch: make(chan req, 65536),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads. NORMAL is a decent
	// durability/perf tradeoff for an index over the JSONL logs.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			env TEXT NOT NULL,
			obs_dim INTEGER NOT NULL,
			act_dim INTEGER NOT NULL,
			ensembles INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			tuning_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			train_loss REAL,
			val_loss REAL,
			model_digest TEXT,
			snapshot_path TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL,
			model TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			epochs INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			val_loss REAL,
			PRIMARY KEY (run_id, model, epoch)
		);`,
		`CREATE TABLE IF NOT EXISTS rollouts (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			time TEXT NOT NULL,
			session TEXT NOT NULL DEFAULT '',
			model_version INTEGER NOT NULL,
			batch INTEGER NOT NULL,
			particles INTEGER NOT NULL,
			horizon INTEGER NOT NULL,
			mean_return REAL NOT NULL,
			min_return REAL NOT NULL,
			max_return REAL NOT NULL,
			done_rate REAL NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS datasets (
			name TEXT PRIMARY KEY,
			env TEXT NOT NULL,
			n INTEGER NOT NULL,
			obs_dim INTEGER NOT NULL,
			act_dim INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			obs BLOB NOT NULL,
			act BLOB NOT NULL,
			next_obs BLOB NOT NULL,
			rew BLOB NOT NULL,
			done BLOB NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

// WriteEpoch queues one epoch row for a run. Full queues drop the row;
// the JSONL epoch log remains the source of truth.
func (d *DB) WriteEpoch(runID string, e dynamics.EpochEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	select {
	case d.ch <- req{kind: reqEpoch, runID: runID, epoch: e}:
	default:
		d.dropEpoch.Add(1)
	}
	return nil
}

type epochSink struct {
	d     *DB
	runID string
}

func (s epochSink) WriteEpoch(e dynamics.EpochEntry) error { return s.d.WriteEpoch(s.runID, e) }

// EpochSink adapts the database to dynamics.EpochSink for one run.
func (d *DB) EpochSink(runID string) dynamics.EpochSink { return epochSink{d: d, runID: runID} }

func (d *DB) RecordRollout(runID string, e log.TrajectoryEntry) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- req{kind: reqRollout, runID: runID, rollout: e}:
	default:
		d.dropRollout.Add(1)
	}
}

// RunMeta describes a run at creation time. The applied tuning is
// stored alongside as canonical JSON.
type RunMeta struct {
	ID        string
	Env       string
	ObsDim    int
	ActDim    int
	Ensembles int
	Seed      int64
	Tuning    tuning.Tuning
}

func (d *DB) CreateRun(meta RunMeta) error {
	if meta.ID == "" {
		return fmt.Errorf("empty run id")
	}
	tj, err := json.Marshal(meta.Tuning)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO runs(id,env,obs_dim,act_dim,ensembles,seed,tuning_json,started_at) VALUES(?,?,?,?,?,?,?,?)`,
		meta.ID, meta.Env, meta.ObsDim, meta.ActDim, meta.Ensembles, meta.Seed, string(tj), now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RunResult records the outcome of a finished run. NaN losses are
// stored as NULL.
type RunResult struct {
	TrainLoss    float64
	ValLoss      float64
	ModelDigest  string
	SnapshotPath string
}

func (d *DB) FinishRun(id string, res RunResult) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(
		`UPDATE runs SET finished_at=?, train_loss=?, val_loss=?, model_digest=?, snapshot_path=? WHERE id=?`,
		now, nullIfNaN(res.TrainLoss), nullIfNaN(res.ValLoss), res.ModelDigest, res.SnapshotPath, id,
	)
	return err
}

// RunRow is one row of the runs table. Times are RFC3339Nano;
// FinishedAt is empty while a run is in flight.
type RunRow struct {
	ID           string
	Env          string
	ObsDim       int
	ActDim       int
	Ensembles    int
	Seed         int64
	StartedAt    string
	FinishedAt   string
	TrainLoss    *float64
	ValLoss      *float64
	ModelDigest  string
	SnapshotPath string
}

func (d *DB) ListRuns() ([]RunRow, error) {
	rows, err := d.db.Query(`SELECT id,env,obs_dim,act_dim,ensembles,seed,started_at,
		COALESCE(finished_at,''),train_loss,val_loss,COALESCE(model_digest,''),COALESCE(snapshot_path,'')
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		var tl, vl sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Env, &r.ObsDim, &r.ActDim, &r.Ensembles, &r.Seed,
			&r.StartedAt, &r.FinishedAt, &tl, &vl, &r.ModelDigest, &r.SnapshotPath); err != nil {
			return nil, err
		}
		if tl.Valid {
			v := tl.Float64
			r.TrainLoss = &v
		}
		if vl.Valid {
			v := vl.Float64
			r.ValLoss = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) Epochs(runID string) ([]dynamics.EpochEntry, error) {
	rows, err := d.db.Query(`SELECT model,epoch,epochs,train_loss,val_loss FROM epochs WHERE run_id=? ORDER BY model,epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dynamics.EpochEntry
	for rows.Next() {
		var e dynamics.EpochEntry
		var vl sql.NullFloat64
		if err := rows.Scan(&e.Model, &e.Epoch, &e.Epochs, &e.TrainLoss, &vl); err != nil {
			return nil, err
		}
		if vl.Valid {
			v := vl.Float64
			e.ValLoss = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) Rollouts(runID string) ([]log.TrajectoryEntry, error) {
	rows, err := d.db.Query(`SELECT time,session,model_version,batch,particles,horizon,
		mean_return,min_return,max_return,done_rate FROM rollouts WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []log.TrajectoryEntry
	for rows.Next() {
		var e log.TrajectoryEntry
		var version int64
		if err := rows.Scan(&e.Time, &e.Session, &version, &e.Batch, &e.Particles, &e.Horizon,
			&e.MeanReturn, &e.MinReturn, &e.MaxReturn, &e.DoneRate); err != nil {
			return nil, err
		}
		e.ModelVersion = uint64(version)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) SaveDataset(name, env string, seed int64, ts *dataset.Transitions) error {
	if name == "" {
		return fmt.Errorf("empty dataset name")
	}
	if ts == nil || ts.N() < 1 {
		return fmt.Errorf("dataset %s: empty", name)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO datasets(name,env,n,obs_dim,act_dim,seed,created_at,obs,act,next_obs,rew,done)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		name, env, ts.N(), ts.ObsDim(), ts.ActDim(), seed, now,
		denseBytes(ts.Obs), denseBytes(ts.Act), denseBytes(ts.NextObs), vecBytes(ts.Rew), boolBytes(ts.Done),
	)
	return err
}

func (d *DB) LoadDataset(name string) (*dataset.Transitions, error) {
	row := d.db.QueryRow(`SELECT n,obs_dim,act_dim,obs,act,next_obs,rew,done FROM datasets WHERE name=?`, name)
	var n, obsDim, actDim int
	var obs, act, next, rew, done []byte
	if err := row.Scan(&n, &obsDim, &actDim, &obs, &act, &next, &rew, &done); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("dataset %s: empty", name)
	}
	if len(obs) != 8*n*obsDim || len(act) != 8*n*actDim || len(next) != 8*n*obsDim ||
		len(rew) != 8*n || len(done) != n {
		return nil, fmt.Errorf("dataset %s: blob sizes do not match dims", name)
	}
	return &dataset.Transitions{
		Obs:     mat.NewDense(n, obsDim, unpackFloats(obs)),
		Act:     mat.NewDense(n, actDim, unpackFloats(act)),
		NextObs: mat.NewDense(n, obsDim, unpackFloats(next)),
		Rew:     mat.NewVecDense(n, unpackFloats(rew)),
		Done:    unpackBools(done),
	}, nil
}

type DatasetRow struct {
	Name      string
	Env       string
	N         int
	ObsDim    int
	ActDim    int
	Seed      int64
	CreatedAt string
}

func (d *DB) ListDatasets() ([]DatasetRow, error) {
	rows, err := d.db.Query(`SELECT name,env,n,obs_dim,act_dim,seed,created_at FROM datasets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DatasetRow
	for rows.Next() {
		var r DatasetRow
		if err := rows.Scan(&r.Name, &r.Env, &r.N, &r.ObsDim, &r.ActDim, &r.Seed, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type Stats struct {
	DropEpochTotal   uint64
	DropRolloutTotal uint64
	QueueDepth       int
	QueueCapacity    int
}

func (d *DB) Stats() Stats {
	return Stats{
		DropEpochTotal:   d.dropEpoch.Load(),
		DropRolloutTotal: d.dropRollout.Load(),
		QueueDepth:       len(d.ch),
		QueueCapacity:    cap(d.ch),
	}
}

func (d *DB) loop() {
	ctx := context.Background()

	insertEpoch, _ := d.db.Prepare(`INSERT OR REPLACE INTO epochs(run_id,model,epoch,epochs,train_loss,val_loss) VALUES(?,?,?,?,?,?)`)
	insertRollout, _ := d.db.Prepare(`INSERT OR REPLACE INTO rollouts(run_id,seq,time,session,model_version,batch,particles,horizon,mean_return,min_return,max_return,done_rate) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	nextSeq, _ := d.db.Prepare(`SELECT COALESCE(MAX(seq)+1, 0) FROM rollouts WHERE run_id=?`)
	defer func() {
		if insertEpoch != nil {
			_ = insertEpoch.Close()
		}
		if insertRollout != nil {
			_ = insertRollout.Close()
		}
		if nextSeq != nil {
			_ = nextSeq.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second

		// Next seq per run, seeded from the table so reopened runs
		// append instead of overwriting.
		rolloutSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range d.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEpoch:
			e := r.epoch
			if insertEpoch != nil {
				if _, err := tx.Stmt(insertEpoch).Exec(r.runID, e.Model, e.Epoch, e.Epochs, e.TrainLoss, nullFloat(e.ValLoss)); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case reqRollout:
			seq, ok := rolloutSeq[r.runID]
			if !ok && nextSeq != nil {
				if err := tx.Stmt(nextSeq).QueryRow(r.runID).Scan(&seq); err != nil {
					seq = 0
				}
			}
			rolloutSeq[r.runID] = seq + 1
			e := r.rollout
			if insertRollout != nil {
				if _, err := tx.Stmt(insertRollout).Exec(r.runID, seq, e.Time, e.Session, int64(e.ModelVersion),
					e.Batch, e.Particles, e.Horizon, e.MeanReturn, e.MinReturn, e.MaxReturn, e.DoneRate); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		// Commit once the queue drains so synchronous queries on the
		// single connection are never stuck behind an open tx.
		if len(d.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

func nullFloat(v *float64) any {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	return *v
}

func nullIfNaN(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func denseBytes(m *mat.Dense) []byte {
	r, c := m.Dims()
	out := make([]byte, 0, 8*r*c)
	var b [8]byte
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			out = append(out, b[:]...)
		}
	}
	return out
}

func vecBytes(v *mat.VecDense) []byte {
	out := make([]byte, 0, 8*v.Len())
	var b [8]byte
	for i := 0; i < v.Len(); i++ {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.AtVec(i)))
		out = append(out, b[:]...)
	}
	return out
}

func boolBytes(ds []bool) []byte {
	out := make([]byte, len(ds))
	for i, v := range ds {
		if v {
			out[i] = 1
		}
	}
	return out
}

func unpackFloats(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

func unpackBools(b []byte) []bool {
	out := make([]bool, len(b))
	for i, v := range b {
		out[i] = v != 0
	}
	return out
}
