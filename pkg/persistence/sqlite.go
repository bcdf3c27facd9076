// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS missions (
	id         TEXT PRIMARY KEY,
	spec       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mission_snapshots (
	mission_id TEXT NOT NULL,
	taken_at   TEXT NOT NULL,
	status     TEXT NOT NULL,
	state      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS mission_snapshots_mission_idx ON mission_snapshots(mission_id);
CREATE TABLE IF NOT EXISTS decisions (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	severity           TEXT NOT NULL,
	confidence         REAL NOT NULL,
	drone_id           TEXT,
	mission_id         TEXT,
	recommended_action TEXT,
	outcome            TEXT,
	created_at         TEXT NOT NULL
);
`

// writeOp is one unit of work for the writer goroutine.
type writeOp struct {
	name string
	fn   func(db *sqlx.DB) error
	done chan struct{}
}

// SQLiteStore archives to a local SQLite database via a single writer
// goroutine. Enqueueing never blocks: when the queue is full the write
// is dropped and counted instead.
type SQLiteStore struct {
	db    *sqlx.DB
	queue chan writeOp

	maxRetries uint64

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// NewSQLite opens (creating if needed) the database at path and starts
// the writer. queueSize bounds the number of pending writes.
func NewSQLite(path string, queueSize int) (*SQLiteStore, error) {
	if queueSize <= 0 {
		queueSize = 512
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewInternal("open archive %s: %v", path, err)
	}
	// The writer goroutine is the only writer; a second connection
	// would only compete for the file lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, errors.NewInternal("configure archive %s: %v", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.NewInternal("apply archive schema: %v", err)
	}

	s := &SQLiteStore{
		db:         db,
		queue:      make(chan writeOp, queueSize),
		maxRetries: 3,
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	log.Infof("mission archive opened at %s (queue %d)", path, queueSize)
	return s, nil
}

func (s *SQLiteStore) run() {
	defer close(s.done)
	for {
		select {
		case op := <-s.queue:
			s.apply(op)
		case <-s.stopping:
			// Drain what was enqueued before the stop.
			for {
				select {
				case op := <-s.queue:
					s.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteStore) apply(op writeOp) {
	if op.done != nil {
		defer close(op.done)
	}
	if op.fn == nil {
		return
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	err := backoff.Retry(func() error { return op.fn(s.db) }, bo)
	if err != nil {
		metrics.PersistenceErrors.Inc()
		log.Errorf("archive write %s failed after retries: %v", op.name, err)
	}
}

// enqueue hands a write to the writer without ever blocking the caller.
func (s *SQLiteStore) enqueue(name string, fn func(db *sqlx.DB) error) {
	select {
	case <-s.stopping:
		metrics.PersistenceDropped.Inc()
		log.Warnf("archive write %s dropped: store is closed", name)
		return
	default:
	}
	select {
	case s.queue <- writeOp{name: name, fn: fn}:
	default:
		metrics.PersistenceDropped.Inc()
		log.Warnf("archive write %s dropped: queue full", name)
	}
}

// SaveMission archives a mission spec.
func (s *SQLiteStore) SaveMission(spec mission.Spec) {
	blob, err := json.Marshal(spec)
	if err != nil {
		metrics.PersistenceErrors.Inc()
		log.Errorf("archive: cannot encode mission %s: %v", spec.ID, err)
		return
	}
	id := spec.ID
	createdAt := spec.CreatedAt.UTC().Format(time.RFC3339Nano)
	s.enqueue("mission", func(db *sqlx.DB) error {
		_, err := db.Exec(
			`INSERT OR REPLACE INTO missions (id, spec, created_at) VALUES (?, ?, ?)`,
			id, string(blob), createdAt)
		return err
	})
}

// SaveMissionStateSnapshot archives a mission state snapshot. The
// engine calls this on terminal transitions.
func (s *SQLiteStore) SaveMissionStateSnapshot(st mission.State) {
	blob, err := json.Marshal(st)
	if err != nil {
		metrics.PersistenceErrors.Inc()
		log.Errorf("archive: cannot encode snapshot of mission %s: %v", st.ID, err)
		return
	}
	takenAt := time.Now()
	if st.EndedAt != nil {
		takenAt = *st.EndedAt
	}
	id, status := st.ID, string(st.Status)
	ts := takenAt.UTC().Format(time.RFC3339Nano)
	s.enqueue("snapshot", func(db *sqlx.DB) error {
		_, err := db.Exec(
			`INSERT INTO mission_snapshots (mission_id, taken_at, status, state) VALUES (?, ?, ?, ?)`,
			id, ts, status, string(blob))
		return err
	})
}

// AppendDecision archives a decision record.
func (s *SQLiteStore) AppendDecision(r decision.Record) {
	s.enqueue("decision", func(db *sqlx.DB) error {
		_, err := db.Exec(
			`INSERT OR REPLACE INTO decisions
			 (id, type, severity, confidence, drone_id, mission_id, recommended_action, outcome, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.Type), string(r.Severity), r.Confidence,
			r.DroneID, r.MissionID, r.RecommendedAction, r.Outcome,
			r.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	})
}

type missionRow struct {
	ID        string `db:"id"`
	Spec      string `db:"spec"`
	CreatedAt string `db:"created_at"`
}

func (r missionRow) record() (MissionRecord, error) {
	var spec mission.Spec
	if err := json.Unmarshal([]byte(r.Spec), &spec); err != nil {
		return MissionRecord{}, errors.NewInternal("decode archived mission %s: %v", r.ID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return MissionRecord{}, errors.NewInternal("decode archived mission %s: %v", r.ID, err)
	}
	return MissionRecord{ID: r.ID, Spec: spec, CreatedAt: createdAt}, nil
}

// LoadMission reads one archived mission spec.
func (s *SQLiteStore) LoadMission(ctx context.Context, id string) (MissionRecord, error) {
	var row missionRow
	err := s.db.GetContext(ctx, &row, `SELECT id, spec, created_at FROM missions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return MissionRecord{}, errors.NewNotFound("mission", id)
	}
	if err != nil {
		return MissionRecord{}, errors.NewInternal("load mission %s: %v", id, err)
	}
	return row.record()
}

// ListMissions reads archived mission specs, newest first.
func (s *SQLiteStore) ListMissions(ctx context.Context, filter ListFilter) ([]MissionRecord, error) {
	q := `SELECT id, spec, created_at FROM missions`
	args := []interface{}{}
	if !filter.Since.IsZero() {
		q += ` WHERE created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	var rows []missionRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.NewInternal("list missions: %v", err)
	}
	out := make([]MissionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type snapshotRow struct {
	MissionID string `db:"mission_id"`
	TakenAt   string `db:"taken_at"`
	Status    string `db:"status"`
	State     string `db:"state"`
}

// ListSnapshots reads the archived snapshots of one mission, oldest
// first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, missionID string) ([]SnapshotRecord, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT mission_id, taken_at, status, state FROM mission_snapshots WHERE mission_id = ? ORDER BY taken_at ASC`,
		missionID)
	if err != nil {
		return nil, errors.NewInternal("list snapshots of mission %s: %v", missionID, err)
	}
	out := make([]SnapshotRecord, 0, len(rows))
	for _, r := range rows {
		var st mission.State
		if err := json.Unmarshal([]byte(r.State), &st); err != nil {
			return nil, errors.NewInternal("decode snapshot of mission %s: %v", missionID, err)
		}
		takenAt, err := time.Parse(time.RFC3339Nano, r.TakenAt)
		if err != nil {
			return nil, errors.NewInternal("decode snapshot of mission %s: %v", missionID, err)
		}
		out = append(out, SnapshotRecord{
			MissionID: r.MissionID,
			TakenAt:   takenAt,
			Status:    mission.Status(r.Status),
			State:     st,
		})
	}
	return out, nil
}

// Flush blocks until every previously enqueued write has been applied.
func (s *SQLiteStore) Flush() {
	select {
	case <-s.stopping:
		return
	default:
	}
	op := writeOp{name: "flush", done: make(chan struct{})}
	select {
	case s.queue <- op:
		<-op.done
	case <-s.stopping:
	}
}

// Close drains the queue and closes the database. Writes enqueued after
// Close are dropped.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopping) })
	<-s.done
	return s.db.Close()
}
