// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "archive.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSpec(id string, createdAt time.Time) mission.Spec {
	return mission.Spec{
		ID:   id,
		Name: "ridge sweep",
		Waypoints: []fleet.Position{
			{Lat: 46.5, Lon: 7.5, AltM: 60},
			{Lat: 46.501, Lon: 7.5, AltM: 60},
		},
		DroneIDs:  []string{"drone-1", "drone-2"},
		Params:    mission.Parameters{SearchAltitudeM: 60},
		CreatedAt: createdAt,
	}
}

func TestSaveAndLoadMission(t *testing.T) {
	s := newTestStore(t)
	createdAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.SaveMission(testSpec("m-1", createdAt))
	s.Flush()

	rec, err := s.LoadMission(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", rec.ID)
	assert.Equal(t, "ridge sweep", rec.Spec.Name)
	assert.Len(t, rec.Spec.Waypoints, 2)
	assert.Equal(t, []string{"drone-1", "drone-2"}, rec.Spec.DroneIDs)
	assert.True(t, rec.CreatedAt.Equal(createdAt))
	assert.True(t, rec.Spec.CreatedAt.Equal(createdAt))
}

func TestLoadMissionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadMission(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSaveMissionIsUpsert(t *testing.T) {
	s := newTestStore(t)
	createdAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	spec := testSpec("m-1", createdAt)
	s.SaveMission(spec)
	spec.Name = "ridge sweep v2"
	s.SaveMission(spec)
	s.Flush()

	rec, err := s.LoadMission(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "ridge sweep v2", rec.Spec.Name)

	all, err := s.ListMissions(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListMissionsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.SaveMission(testSpec("m-old", base))
	s.SaveMission(testSpec("m-mid", base.Add(time.Hour)))
	s.SaveMission(testSpec("m-new", base.Add(2*time.Hour)))
	s.Flush()

	all, err := s.ListMissions(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m-new", all[0].ID)
	assert.Equal(t, "m-mid", all[1].ID)
	assert.Equal(t, "m-old", all[2].ID)

	limited, err := s.ListMissions(context.Background(), ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "m-new", limited[0].ID)

	since, err := s.ListMissions(context.Background(), ListFilter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "m-new", since[0].ID)
	assert.Equal(t, "m-mid", since[1].ID)
}

func TestSnapshotsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(10 * time.Minute)

	st := mission.State{
		ID:     "m-1",
		Status: mission.StatusCompleted,
		Phase:  mission.PhaseComplete,
		Drones: map[string]mission.DroneState{
			"drone-1": {DroneID: "drone-1", Phase: mission.PhaseComplete, Progress: 1},
		},
		Progress:  1,
		StartedAt: started,
		EndedAt:   &ended,
	}
	s.SaveMissionStateSnapshot(st)

	aborted := st
	aborted.Status = mission.StatusAborted
	later := ended.Add(time.Minute)
	aborted.EndedAt = &later
	s.SaveMissionStateSnapshot(aborted)
	s.Flush()

	snaps, err := s.ListSnapshots(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, mission.StatusCompleted, snaps[0].Status)
	assert.Equal(t, mission.StatusAborted, snaps[1].Status)
	assert.True(t, snaps[0].TakenAt.Equal(ended))
	assert.Equal(t, 1.0, snaps[0].State.Progress)
	assert.Equal(t, mission.PhaseComplete, snaps[0].State.Drones["drone-1"].Phase)

	none, err := s.ListSnapshots(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendDecision(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.AppendDecision(decision.Record{
		ID:                "d-1",
		Type:              decision.TypeLowBattery,
		Severity:          decision.SeverityHigh,
		Confidence:        1,
		DroneID:           "drone-1",
		MissionID:         "m-1",
		RecommendedAction: decision.ActionReturnHome,
		CreatedAt:         created,
	})
	s.Flush()

	var rows []struct {
		ID       string  `db:"id"`
		Type     string  `db:"type"`
		Severity string  `db:"severity"`
		Conf     float64 `db:"confidence"`
		Action   string  `db:"recommended_action"`
	}
	err := s.db.Select(&rows, `SELECT id, type, severity, confidence, recommended_action FROM decisions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "d-1", rows[0].ID)
	assert.Equal(t, "low_battery", rows[0].Type)
	assert.Equal(t, "high", rows[0].Severity)
	assert.Equal(t, 1.0, rows[0].Conf)
	assert.Equal(t, "return_home", rows[0].Action)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	// No writer goroutine: the queue never drains, so the second write
	// must be dropped instead of blocking.
	s := &SQLiteStore{
		queue:    make(chan writeOp, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.enqueue("first", func(db *sqlx.DB) error { return nil })
	s.enqueue("second", func(db *sqlx.DB) error { return nil })
	assert.Equal(t, 1, len(s.queue))
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "archive.db"), 8)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s.SaveMission(testSpec("m-late", time.Now()))
	s.Flush() // must not deadlock
	assert.Equal(t, 0, len(s.queue))
}

func TestCloseDrainsPendingWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.db")
	s, err := NewSQLite(path, 64)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		s.SaveMission(testSpec("m-"+string(rune('a'+i)), time.Now()))
	}
	require.NoError(t, s.Close())

	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM missions`))
	assert.Equal(t, 10, n)
}
