// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runlog keeps a history of training runs in an SQLite database: the parameters of each run, and
// the train and eval metrics as training progresses.
//
// Resumed trainings keep their run id (it is stored as a context parameter and saved in checkpoints), so the
// history of a run spans all its restarts. Values recorded again for the same step overwrite the previous ones.
//
// Example:
//
//	rl := must.M1(runlog.Open(filepath.Join(checkpointDir, runlog.DefaultFileName)))
//	defer rl.Close()
//	must.M(rl.StartRun(ctx))
//	runlog.AttachToLoop(loop, rl, 10)
package runlog

import (
	"database/sql"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "modernc.org/sqlite"
)

const (
	// DefaultFileName of the database, usually stored in the checkpoint directory.
	DefaultFileName = "runlog.sqlite3"

	// ParamRunID is the context parameter holding the run id. It is set by Log.StartRun if not yet set.
	ParamRunID = "run_id"

	// KindTrain and KindEval are the kinds of metrics recorded.
	KindTrain = "train"
	KindEval  = "eval"
)

// Log is a handle to the run history database. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

// Run describes one run recorded in the database.
type Run struct {
	ID      string
	Started time.Time
	Params  map[string]any
}

// Point of a metric history.
type Point struct {
	Step  int64
	Value float64
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs(
		run_id TEXT PRIMARY KEY,
		started REAL NOT NULL,
		params TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics(
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		ts REAL NOT NULL,
		PRIMARY KEY(run_id, kind, step, name)
	)`,
}

// Open (or creates) the run log database at dbPath. Use ":memory:" for a transient database.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run log %q", dbPath)
	}
	// A single connection: SQLite serializes writers, and a ":memory:" database lives in its connection.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to create run log schema in %q", dbPath)
		}
	}
	return &Log{db: db}, nil
}

// Close the database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// RunID returns the id of the current run, or "" if StartRun was not called.
func (l *Log) RunID() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// StartRun registers the run with the parameters of ctx. If ctx already has a ParamRunID (e.g. loaded from a
// checkpoint), the run is resumed under the same id, otherwise a new id is created and set in ctx.
//
// The parameters recorded are updated on each call.
func (l *Log) StartRun(ctx *context.Context) error {
	runID := context.GetParamOr(ctx, ParamRunID, "")
	if runID == "" {
		runID = uuid.NewString()
		ctx.InAbsPath(context.RootScope).SetParam(ParamRunID, runID)
	}
	params := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		params[context.JoinScope(scope, key)] = value
	})
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "failed to encode parameters of run %s", runID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(`INSERT INTO runs(run_id, started, params) VALUES(?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET params=excluded.params`,
		runID, nowSeconds(), string(paramsJSON))
	if err != nil {
		return errors.Wrapf(err, "failed to register run %s", runID)
	}
	l.runID = runID
	klog.V(1).Infof("run log: run %s started", runID)
	return nil
}

// SelectRun makes runID the current run, for reading its history, without updating its parameters.
// It returns an error if the run was never recorded.
func (l *Log) SelectRun(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE run_id=?`, runID).Scan(&count); err != nil {
		return errors.Wrapf(err, "run log: failed to query run %s", runID)
	}
	if count == 0 {
		return errors.Errorf("run log: run %q not found", runID)
	}
	l.runID = runID
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// Record the metrics values of the given kind (KindTrain or KindEval) at the given step.
// Values recorded again for the same step and name are overwritten. NaN and infinite values are skipped.
func (l *Log) Record(kind string, step int64, values map[string]float64) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runID == "" {
		return errors.Errorf("run log: Record(%q, step=%d) called before StartRun", kind, step)
	}
	tx, err := l.db.Begin()
	if err != nil {
		return errors.Wrap(err, "run log: failed to start transaction")
	}
	ts := nowSeconds()
	for name, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO metrics(run_id, kind, step, name, value, ts) VALUES(?,?,?,?,?,?)`,
			l.runID, kind, step, name, value, ts)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "run log: failed to record %s metric %q at step %d", kind, name, step)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "run log: failed to commit metrics")
	}
	return nil
}

// History returns the values of the metric, of the given kind, of the current run, ordered by step.
func (l *Log) History(kind, name string) ([]Point, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(`SELECT step, value FROM metrics WHERE run_id=? AND kind=? AND name=? ORDER BY step`,
		l.runID, kind, name)
	if err != nil {
		return nil, errors.Wrapf(err, "run log: failed to query %s metric %q", kind, name)
	}
	defer func() { _ = rows.Close() }()
	var points []Point
	for rows.Next() {
		var p Point
		if err = rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, errors.Wrap(err, "run log: failed to read metric")
		}
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "run log: failed to read metrics")
}

// MetricNames returns the names of the metrics of the given kind recorded for the current run.
func (l *Log) MetricNames(kind string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(`SELECT DISTINCT name FROM metrics WHERE run_id=? AND kind=? ORDER BY name`, l.runID, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "run log: failed to query %s metric names", kind)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "run log: failed to read metric name")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "run log: failed to read metric names")
}

// Runs returns all runs recorded, in the order they were started.
func (l *Log) Runs() ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(`SELECT run_id, started, params FROM runs ORDER BY started, run_id`)
	if err != nil {
		return nil, errors.Wrap(err, "run log: failed to query runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []Run
	for rows.Next() {
		var (
			run        Run
			started    float64
			paramsJSON string
		)
		if err = rows.Scan(&run.ID, &started, &paramsJSON); err != nil {
			return nil, errors.Wrap(err, "run log: failed to read run")
		}
		run.Started = time.UnixMilli(int64(started * 1000))
		if err = json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, errors.Wrapf(err, "run log: failed to decode parameters of run %s", run.ID)
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "run log: failed to read runs")
}

// AttachToLoop records the train metrics of the loop every n global steps, and at the end of the loop.
// The metrics are recorded by their Name.
func AttachToLoop(loop *train.Loop, l *Log, n int) {
	train.EveryNSteps(loop, n, "runlog", 50, func(loop *train.Loop, values []float64) error {
		return l.recordLoop(loop, int64(loop.LoopStep)+1, values)
	})
	loop.OnEnd("runlog", 50, func(loop *train.Loop, values []float64) error {
		// At the end LoopStep is already the global step reached.
		return l.recordLoop(loop, int64(loop.LoopStep), values)
	})
}

func (l *Log) recordLoop(loop *train.Loop, step int64, values []float64) error {
	if len(values) == 0 {
		return nil
	}
	byName := make(map[string]float64, len(values))
	for ii, m := range loop.Trainer.TrainMetrics() {
		if ii < len(values) {
			byName[m.Name()] = values[ii]
		}
	}
	return l.Record(KindTrain, step, byName)
}
