// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package persistence archives mission specs, terminal mission
// snapshots and decision records to SQLite. All writes go through an
// asynchronous writer goroutine so that mission drivers and the AI
// monitor never block on the database.
package persistence

import (
	"context"
	"time"

	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/mission"
)

// MissionRecord is a stored mission spec with its archive metadata.
type MissionRecord struct {
	ID        string
	Spec      mission.Spec
	CreatedAt time.Time
}

// SnapshotRecord is a stored mission state snapshot.
type SnapshotRecord struct {
	MissionID string
	TakenAt   time.Time
	Status    mission.Status
	State     mission.State
}

// ListFilter narrows ListMissions results. Zero values mean no
// constraint.
type ListFilter struct {
	Since time.Time
	Limit int
}

// Store is the archive contract. Writes are asynchronous and
// best-effort: failures are retried, then logged and counted, never
// surfaced to the caller. Reads hit the database directly.
type Store interface {
	mission.Archiver
	decision.Appender

	LoadMission(ctx context.Context, id string) (MissionRecord, error)
	ListMissions(ctx context.Context, filter ListFilter) ([]MissionRecord, error)
	ListSnapshots(ctx context.Context, missionID string) ([]SnapshotRecord, error)

	// Flush blocks until every write enqueued before the call has been
	// applied or given up on.
	Flush()
	Close() error
}
