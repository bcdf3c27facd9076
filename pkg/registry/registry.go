// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package registry is the authoritative store of known drones: their
// capabilities, connectivity status, last-seen times and mission
// assignment. A drone belongs to at most one mission; clearing the
// assignment is the only way to hand it to another mission.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/status/health"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Registry tracks the drone fleet. Connectivity is degraded on a
// low-frequency tick: no telemetry for communicationTimeout makes a
// drone degraded, twice that makes it offline.
type Registry struct {
	communicationTimeout time.Duration
	tickInterval         time.Duration
	clock                clock.Clock

	mu      sync.RWMutex
	drones  map[string]*fleet.DroneRecord
	stopCh  chan struct{}
	stopped sync.Once
}

// NewRegistry returns an empty registry.
func NewRegistry(communicationTimeout, tickInterval time.Duration, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		communicationTimeout: communicationTimeout,
		tickInterval:         tickInterval,
		clock:                clk,
		drones:               make(map[string]*fleet.DroneRecord),
		stopCh:               make(chan struct{}),
	}
}

// CommunicationTimeout returns the configured telemetry gap after which
// a drone is considered degraded.
func (r *Registry) CommunicationTimeout() time.Duration {
	return r.communicationTimeout
}

// Register adds a drone. Registering an existing id refreshes its name
// and capabilities without touching status or assignment.
func (r *Registry) Register(id, name string, caps fleet.Capabilities) error {
	if id == "" {
		return errors.NewValidation("drone id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.drones[id]; ok {
		existing.Name = name
		existing.Capabilities = caps
		log.Debugf("drone %q re-registered", id)
		return nil
	}
	r.drones[id] = &fleet.DroneRecord{
		ID:           id,
		Name:         name,
		Capabilities: caps,
		Status:       fleet.StatusOffline,
	}
	log.Infof("registered drone %q (%s)", id, name)
	return nil
}

// Unregister removes a drone. A drone still assigned to a mission
// cannot be removed.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.drones[id]
	if !ok {
		return errors.NewNotFound("drone", id)
	}
	if record.MissionID != "" {
		return errors.NewConflict("drone %q is assigned to mission %q", id, record.MissionID)
	}
	delete(r.drones, id)
	log.Infof("unregistered drone %q", id)
	return nil
}

// SetStatus sets a drone's connectivity status. Going online refreshes
// the last-seen timestamp.
func (r *Registry) SetStatus(id string, status fleet.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.drones[id]
	if !ok {
		return errors.NewNotFound("drone", id)
	}
	if status == fleet.StatusOnline {
		record.LastSeen = r.clock.Now()
	}
	if record.Status != status {
		log.Infof("drone %q connectivity: %s -> %s", id, record.Status, status)
		record.Status = status
	}
	return nil
}

// SetAssignment claims a drone for a mission. It fails if the drone is
// already assigned to a different mission.
func (r *Registry) SetAssignment(droneID, missionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.drones[droneID]
	if !ok {
		return errors.NewNotFound("drone", droneID)
	}
	if record.MissionID != "" && record.MissionID != missionID {
		return errors.NewConflict("drone %q is already assigned to mission %q", droneID, record.MissionID)
	}
	record.MissionID = missionID
	return nil
}

// ClearAssignment releases a drone from a mission. The assignment is
// only cleared when it still belongs to missionID.
func (r *Registry) ClearAssignment(droneID, missionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.drones[droneID]
	if !ok {
		return
	}
	if record.MissionID != missionID {
		log.Debugf("not clearing assignment of drone %q: held by %q, not %q", droneID, record.MissionID, missionID)
		return
	}
	record.MissionID = ""
}

// Get returns a copy of a drone record.
func (r *Registry) Get(id string) (fleet.DroneRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.drones[id]
	if !ok {
		return fleet.DroneRecord{}, false
	}
	return *record, true
}

// List returns copies of all drone records, ordered by id.
func (r *Registry) List() []fleet.DroneRecord {
	r.mu.RLock()
	out := make([]fleet.DroneRecord, 0, len(r.drones))
	for _, record := range r.drones {
		out = append(out, *record)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns the number of drones that are not offline.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, record := range r.drones {
		if record.Status != fleet.StatusOffline {
			n++
		}
	}
	return n
}

// Start launches the connectivity degradation tick.
func (r *Registry) Start() {
	go func() {
		token := health.Register("registry")
		defer health.Deregister(token) //nolint:errcheck
		ticker := r.clock.Ticker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				health.Ping(token) //nolint:errcheck
				r.evaluateConnectivity(r.clock.Now())
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the degradation tick.
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
}

// evaluateConnectivity applies the staleness rules to every record.
func (r *Registry) evaluateConnectivity(now time.Time) {
	r.mu.Lock()
	counts := map[fleet.Status]int{}
	for _, record := range r.drones {
		if !record.LastSeen.IsZero() && record.Status != fleet.StatusOffline {
			gap := now.Sub(record.LastSeen)
			switch {
			case gap > 2*r.communicationTimeout:
				if record.Status != fleet.StatusOffline {
					log.Warnf("drone %q offline: no telemetry for %s", record.ID, gap)
					record.Status = fleet.StatusOffline
				}
			case gap > r.communicationTimeout:
				if record.Status == fleet.StatusOnline {
					log.Warnf("drone %q degraded: no telemetry for %s", record.ID, gap)
					record.Status = fleet.StatusDegraded
				}
			}
		}
		counts[record.Status]++
	}
	r.mu.Unlock()

	for _, status := range []fleet.Status{fleet.StatusOnline, fleet.StatusDegraded, fleet.StatusOffline} {
		metrics.DronesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
