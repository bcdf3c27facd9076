// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package decision defines the append-only decision records emitted by
// the monitor, the mission engine and the emergency pipeline, and the
// bounded in-memory ring that keeps the most recent ones.
package decision

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
)

// Type classifies a decision.
type Type string

// Decision types.
const (
	TypeLowBattery      Type = "low_battery"
	TypeCriticalBattery Type = "critical_battery"
	TypeStaleHeartbeat  Type = "stale_heartbeat"
	TypeLostDrone       Type = "lost_drone"
	TypeOffRoute        Type = "off_route"
	TypeManualStop      Type = "manual_stop"
	TypeManualRTL       Type = "manual_rtl"
	TypeManualDisarm    Type = "manual_disarm"
)

// Severity grades a decision.
type Severity string

// Decision severities.
const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recommended actions attached to decisions.
const (
	ActionNone       = "none"
	ActionReturnHome = "return_home"
	ActionLand       = "emergency_land"
	ActionStop       = "emergency_stop"
	ActionDisarm     = "emergency_disarm"
)

// Record is one emitted decision.
type Record struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	Severity          Severity  `json:"severity"`
	Confidence        float64   `json:"confidence"`
	DroneID           string    `json:"drone_id,omitempty"`
	MissionID         string    `json:"mission_id,omitempty"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Outcome           string    `json:"outcome,omitempty"`
}

// Log is a bounded ring of the most recent decisions.
type Log struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	full  bool
	total uint64
}

// NewLog returns a ring holding up to capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{buf: make([]Record, capacity)}
}

// Append stores a record, evicting the oldest when full.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Len returns the number of records currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Total returns the number of records ever appended.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Recent returns up to n records, newest first.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.buf)
	}
	if n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Appender persists decision records. Implementations must not block;
// the store's async writer satisfies this.
type Appender interface {
	AppendDecision(Record)
}

// Emitter routes a decision to the ring, the ai_decisions topic and the
// store in one call.
type Emitter struct {
	log   *Log
	bus   *bus.FanOutBus
	store Appender
	clock clock.Clock
}

// NewEmitter returns an emitter. bus and store may be nil.
func NewEmitter(log *Log, b *bus.FanOutBus, store Appender, clk clock.Clock) *Emitter {
	if clk == nil {
		clk = clock.New()
	}
	return &Emitter{log: log, bus: b, store: store, clock: clk}
}

// Emit completes the record (id, timestamp) and fans it out. The
// completed record is returned.
func (e *Emitter) Emit(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.clock.Now().UTC()
	}

	if e.log != nil {
		e.log.Append(r)
	}
	metrics.DecisionsEmitted.WithLabelValues(string(r.Type)).Inc()
	if e.bus != nil {
		e.bus.Publish(bus.TopicAIDecisions, "ai_decision", r)
	}
	if e.store != nil {
		e.store.AppendDecision(r)
	}
	return r
}
