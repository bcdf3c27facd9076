// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package telemetry holds the latest telemetry snapshot per drone.
// Timestamps are strictly monotonic per drone: the cache never replaces
// a snapshot with an equal or older one, so readers never observe time
// going backwards for a drone.
package telemetry

import (
	"sync"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Cache is the per-drone latest-snapshot store.
type Cache struct {
	mu    sync.RWMutex
	slots map[string]fleet.Telemetry
	bus   *bus.FanOutBus
}

// NewCache returns an empty cache. Accepted snapshots are published on
// the telemetry topic of b; a nil bus disables publication.
func NewCache(b *bus.FanOutBus) *Cache {
	return &Cache{
		slots: make(map[string]fleet.Telemetry),
		bus:   b,
	}
}

// Ingest stores t if its timestamp is strictly greater than the stored
// snapshot's and reports whether it was accepted. Ingestion never
// blocks on bus subscribers.
func (c *Cache) Ingest(t fleet.Telemetry) bool {
	if t.DroneID == "" {
		log.Debugf("discarding telemetry without a drone id")
		return false
	}

	c.mu.Lock()
	prev, ok := c.slots[t.DroneID]
	if ok && !t.Timestamp.After(prev.Timestamp) {
		c.mu.Unlock()
		metrics.TelemetryRejected.Inc()
		return false
	}
	c.slots[t.DroneID] = t
	c.mu.Unlock()

	metrics.TelemetryIngested.Inc()
	if c.bus != nil {
		c.bus.Publish(bus.TopicTelemetry, "telemetry", t)
	}
	return true
}

// Get returns the most recent snapshot for a drone.
func (c *Cache) Get(droneID string) (fleet.Telemetry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.slots[droneID]
	return t, ok
}

// Snapshot returns a point-in-time copy of every drone's latest
// telemetry.
func (c *Cache) Snapshot() map[string]fleet.Telemetry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]fleet.Telemetry, len(c.slots))
	for id, t := range c.slots {
		out[id] = t
	}
	return out
}

// Forget removes a drone's slot, typically after it is unregistered.
func (c *Cache) Forget(droneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, droneID)
}
