// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package telemetry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

func sample(droneID string, ts time.Time, battery float64) fleet.Telemetry {
	return fleet.Telemetry{
		DroneID:        droneID,
		Timestamp:      ts,
		Position:       fleet.Position{Lat: 47.26, Lon: 11.39, AltM: 50},
		BatteryPercent: battery,
		State:          "in_air",
	}
}

func TestIngestStoresLatest(t *testing.T) {
	c := NewCache(nil)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, c.Ingest(sample("d1", t0, 90)))
	assert.True(t, c.Ingest(sample("d1", t0.Add(time.Second), 89)))

	got, ok := c.Get("d1")
	require.True(t, ok)
	assert.Equal(t, 89.0, got.BatteryPercent)
}

func TestIngestRejectsNonIncreasingTimestamps(t *testing.T) {
	c := NewCache(nil)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Ingest(sample("d1", t0, 90)))

	// equal timestamp is ignored, strictly monotonic
	assert.False(t, c.Ingest(sample("d1", t0, 10)))
	// older timestamp is ignored
	assert.False(t, c.Ingest(sample("d1", t0.Add(-time.Second), 10)))

	got, _ := c.Get("d1")
	assert.Equal(t, 90.0, got.BatteryPercent)
	assert.Equal(t, t0, got.Timestamp)
}

func TestIngestRejectsEmptyDroneID(t *testing.T) {
	c := NewCache(nil)
	assert.False(t, c.Ingest(fleet.Telemetry{Timestamp: time.Now()}))
}

func TestGetUnknownDrone(t *testing.T) {
	c := NewCache(nil)
	_, ok := c.Get("ghost")
	assert.False(t, ok)
}

func TestSnapshotIsPointInTimeCopy(t *testing.T) {
	c := NewCache(nil)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Ingest(sample("d1", t0, 90))
	c.Ingest(sample("d2", t0, 80))

	snap := c.Snapshot()
	require.Len(t, snap, 2)

	// later ingests do not leak into the snapshot
	c.Ingest(sample("d1", t0.Add(time.Minute), 42))
	assert.Equal(t, 90.0, snap["d1"].BatteryPercent)

	// mutating the snapshot does not touch the cache
	delete(snap, "d2")
	_, ok := c.Get("d2")
	assert.True(t, ok)
}

func TestIngestPublishesOnTelemetryTopic(t *testing.T) {
	b := bus.NewFanOutBus(8, 4, 30*time.Second, clock.NewMock())
	c := NewCache(b)
	sub := b.Subscribe("console-1", []string{bus.TopicTelemetry})

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Ingest(sample("d1", t0, 90))
	// rejected snapshots are not published
	c.Ingest(sample("d1", t0, 12))

	select {
	case m := <-sub.C():
		payload, ok := m.Payload.(fleet.Telemetry)
		require.True(t, ok)
		assert.Equal(t, "d1", payload.DroneID)
		assert.Equal(t, 90.0, payload.BatteryPercent)
	default:
		t.Fatal("expected a telemetry message on the bus")
	}

	select {
	case m := <-sub.C():
		t.Fatalf("unexpected second message: %+v", m)
	default:
	}
}

func TestForget(t *testing.T) {
	c := NewCache(nil)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Ingest(sample("d1", t0, 90))

	c.Forget("d1")
	_, ok := c.Get("d1")
	assert.False(t, ok)

	// after a forget the monotonic floor is gone as well
	assert.True(t, c.Ingest(sample("d1", t0.Add(-time.Hour), 50)))
}
