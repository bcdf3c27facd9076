// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package mission runs search-and-rescue missions. Each running mission
// is owned by a single driver goroutine that walks the phase state
// machine, sends drone commands through the transport and publishes
// state snapshots on the bus. The Engine is the registry of drivers and
// the only entry point for control operations.
package mission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Defaults are the engine-wide fallbacks for per-mission parameters.
type Defaults struct {
	Tick               time.Duration
	RoutineSendTimeout time.Duration
	RetryDelay         time.Duration

	PrepareTimeout time.Duration
	TakeoffTimeout time.Duration
	TransitTimeout time.Duration
	SearchTimeout  time.Duration
	ReturnTimeout  time.Duration
	LandTimeout    time.Duration

	LowBatteryPercent       float64
	CriticalBatteryPercent  float64
	PreflightBatteryPercent float64

	SearchAltitudeM    float64
	AltToleranceM      float64
	PosToleranceM      float64
	GroundToleranceM   float64
	OffRouteThresholdM float64

	CommunicationTimeout time.Duration
	EmergencySendTimeout time.Duration
}

// DefaultsFromConfig builds the engine defaults from the loaded
// configuration.
func DefaultsFromConfig() Defaults {
	c := config.Coordinator
	return Defaults{
		Tick:               c.GetDuration("mission.tick_interval"),
		RoutineSendTimeout: c.GetDuration("transport.send_timeout"),
		RetryDelay:         c.GetDuration("transport.retry_delay"),

		PrepareTimeout: c.GetDuration("mission.prepare_timeout"),
		TakeoffTimeout: c.GetDuration("mission.takeoff_timeout"),
		TransitTimeout: c.GetDuration("mission.transit_timeout"),
		SearchTimeout:  c.GetDuration("mission.search_timeout"),
		ReturnTimeout:  c.GetDuration("mission.return_timeout"),
		LandTimeout:    c.GetDuration("mission.land_timeout"),

		LowBatteryPercent:       c.GetFloat64("mission.low_battery"),
		CriticalBatteryPercent:  c.GetFloat64("mission.critical_battery"),
		PreflightBatteryPercent: c.GetFloat64("mission.preflight_battery"),

		SearchAltitudeM:    c.GetFloat64("mission.search_altitude_m"),
		AltToleranceM:      c.GetFloat64("mission.alt_tolerance_m"),
		PosToleranceM:      c.GetFloat64("mission.pos_tolerance_m"),
		GroundToleranceM:   c.GetFloat64("mission.ground_tolerance_m"),
		OffRouteThresholdM: c.GetFloat64("mission.offroute_threshold_m"),

		CommunicationTimeout: c.GetDuration("registry.communication_timeout"),
		EmergencySendTimeout: c.GetDuration("emergency.deadline"),
	}
}

// resolvedParams merges per-mission parameters over the defaults.
type resolvedParams struct {
	searchAltM float64
	cruiseAltM float64

	prepareTimeout time.Duration
	takeoffTimeout time.Duration
	transitTimeout time.Duration
	searchTimeout  time.Duration
	returnTimeout  time.Duration
	landTimeout    time.Duration

	lowBattery       float64
	criticalBattery  float64
	preflightBattery float64

	altTol      float64
	posTol      float64
	groundTol   float64
	offRouteM   float64
	commTimeout time.Duration

	tick                 time.Duration
	routineSendTimeout   time.Duration
	retryDelay           time.Duration
	emergencySendTimeout time.Duration
}

func pickDuration(sec int, fallback time.Duration) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return fallback
}

func pickFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func resolveParams(spec *Spec, d Defaults) resolvedParams {
	p := resolvedParams{
		prepareTimeout: pickDuration(spec.Params.PrepareTimeoutSec, d.PrepareTimeout),
		takeoffTimeout: pickDuration(spec.Params.TakeoffTimeoutSec, d.TakeoffTimeout),
		transitTimeout: pickDuration(spec.Params.TransitTimeoutSec, d.TransitTimeout),
		searchTimeout:  pickDuration(spec.Params.SearchTimeoutSec, d.SearchTimeout),
		returnTimeout:  pickDuration(spec.Params.ReturnTimeoutSec, d.ReturnTimeout),
		landTimeout:    pickDuration(spec.Params.LandTimeoutSec, d.LandTimeout),

		lowBattery:       pickFloat(spec.Params.LowBatteryPercent, d.LowBatteryPercent),
		criticalBattery:  pickFloat(spec.Params.CriticalBatteryPercent, d.CriticalBatteryPercent),
		preflightBattery: pickFloat(spec.Params.PreflightBatteryPercent, d.PreflightBatteryPercent),

		altTol:      pickFloat(spec.Params.AltToleranceM, d.AltToleranceM),
		posTol:      pickFloat(spec.Params.PosToleranceM, d.PosToleranceM),
		groundTol:   pickFloat(spec.Params.GroundToleranceM, d.GroundToleranceM),
		offRouteM:   pickFloat(spec.Params.OffRouteThresholdM, d.OffRouteThresholdM),
		commTimeout: d.CommunicationTimeout,

		tick:                 d.Tick,
		routineSendTimeout:   d.RoutineSendTimeout,
		retryDelay:           d.RetryDelay,
		emergencySendTimeout: d.EmergencySendTimeout,
	}
	p.searchAltM = pickFloat(spec.Params.SearchAltitudeM, d.SearchAltitudeM)
	if p.searchAltM <= 0 {
		// Fall back to the first waypoint's altitude.
		for _, id := range spec.DroneIDs {
			if wps := spec.WaypointsFor(id); len(wps) > 0 {
				p.searchAltM = wps[0].AltM
				break
			}
		}
	}
	p.cruiseAltM = pickFloat(spec.Params.CruiseAltitudeM, p.searchAltM)
	if p.tick <= 0 {
		p.tick = time.Second
	}
	if p.routineSendTimeout <= 0 {
		p.routineSendTimeout = 3 * time.Second
	}
	if p.emergencySendTimeout <= 0 {
		p.emergencySendTimeout = 5 * time.Second
	}
	return p
}

// Engine owns the mission drivers.
type Engine struct {
	transport transport.Transport
	registry  *registry.Registry
	cache     *telemetry.Cache
	bus       *bus.FanOutBus
	store     Archiver
	decisions *decision.Emitter
	clk       clock.Clock
	defaults  Defaults

	mu      sync.RWMutex
	drivers map[string]*driver
	stopped *atomic.Bool
}

// NewEngine wires an engine. store and decisions may be nil; clk nil
// means the real clock.
func NewEngine(
	t transport.Transport,
	reg *registry.Registry,
	cache *telemetry.Cache,
	b *bus.FanOutBus,
	store Archiver,
	decisions *decision.Emitter,
	clk clock.Clock,
	defaults Defaults,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		transport: t,
		registry:  reg,
		cache:     cache,
		bus:       b,
		store:     store,
		decisions: decisions,
		clk:       clk,
		defaults:  defaults,
		drivers:   make(map[string]*driver),
		stopped:   atomic.NewBool(false),
	}
}

// Submit validates the spec, assigns the drones and starts the mission
// driver. It returns the mission id.
func (e *Engine) Submit(spec Spec) (string, error) {
	if e.stopped.Load() {
		return "", errors.NewConflict("coordinator is shutting down")
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	for _, id := range spec.DroneIDs {
		if _, ok := e.registry.Get(id); !ok {
			return "", errors.NewValidation("drone %q is not registered", id)
		}
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	spec.CreatedAt = e.clk.Now().UTC()
	if spec.Sharing == "" {
		spec.Sharing = SharingShared
	}

	e.mu.Lock()
	if _, dup := e.drivers[spec.ID]; dup {
		e.mu.Unlock()
		return "", errors.NewConflict("mission %q already exists", spec.ID)
	}
	e.mu.Unlock()

	// Assign every drone before starting; roll back on conflict.
	assigned := make([]string, 0, len(spec.DroneIDs))
	for _, id := range spec.DroneIDs {
		if err := e.registry.SetAssignment(id, spec.ID); err != nil {
			for _, a := range assigned {
				e.registry.ClearAssignment(a, spec.ID)
			}
			return "", err
		}
		assigned = append(assigned, id)
	}

	d := newDriver(e, spec, resolveParams(&spec, e.defaults))

	e.mu.Lock()
	if _, dup := e.drivers[spec.ID]; dup {
		e.mu.Unlock()
		for _, a := range assigned {
			e.registry.ClearAssignment(a, spec.ID)
		}
		return "", errors.NewConflict("mission %q already exists", spec.ID)
	}
	e.drivers[spec.ID] = d
	e.mu.Unlock()

	if e.store != nil {
		e.store.SaveMission(spec)
	}
	metrics.MissionsActive.Inc()
	log.Infof("mission %s submitted with %d drone(s), %d waypoint(s), sharing %s",
		spec.ID, len(spec.DroneIDs), len(spec.Waypoints), spec.Sharing)
	go d.run()
	return spec.ID, nil
}

func (e *Engine) get(id string) (*driver, error) {
	e.mu.RLock()
	d, ok := e.drivers[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("mission", id)
	}
	return d, nil
}

// Get returns a snapshot of one mission.
func (e *Engine) Get(id string) (State, error) {
	d, err := e.get(id)
	if err != nil {
		return State{}, err
	}
	return d.Snapshot(), nil
}

// Spec returns the immutable definition of one mission.
func (e *Engine) Spec(id string) (Spec, error) {
	d, err := e.get(id)
	if err != nil {
		return Spec{}, err
	}
	return d.spec, nil
}

// List returns snapshots of all missions, newest first.
func (e *Engine) List() []State {
	e.mu.RLock()
	out := make([]State, 0, len(e.drivers))
	for _, d := range e.drivers {
		out = append(out, d.Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount returns the number of non-terminal missions.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, d := range e.drivers {
		if !d.Snapshot().Status.Terminal() {
			n++
		}
	}
	return n
}

// Abort asks the driver to bring the drones home and end the mission as
// aborted.
func (e *Engine) Abort(id, reason string) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	snap := d.Snapshot()
	if snap.Status.Terminal() {
		return errors.NewConflict("mission %q is already %s", id, snap.Status)
	}
	if snap.Aborting {
		return errors.NewConflict("mission %q is already aborting", id)
	}
	if reason == "" {
		reason = "operator abort"
	}
	return d.control(ctrlMsg{kind: ctrlAbort, reason: reason})
}

// Pause freezes the mission's phase and pauses the drones.
func (e *Engine) Pause(id string) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	snap := d.Snapshot()
	if snap.Status.Terminal() {
		return errors.NewConflict("mission %q is already %s", id, snap.Status)
	}
	if snap.Aborting {
		return errors.NewConflict("mission %q is aborting", id)
	}
	if snap.Status == StatusPaused {
		return errors.NewConflict("mission %q is already paused", id)
	}
	return d.control(ctrlMsg{kind: ctrlPause})
}

// Resume continues a paused mission in the phase it was paused in.
func (e *Engine) Resume(id string) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	snap := d.Snapshot()
	if snap.Status.Terminal() {
		return errors.NewConflict("mission %q is already %s", id, snap.Status)
	}
	if snap.Status != StatusPaused {
		return errors.NewConflict("mission %q is not paused", id)
	}
	return d.control(ctrlMsg{kind: ctrlResume})
}

// MarkAbortingForDrones flags every non-terminal mission that contains
// one of the drones as aborting and returns the affected mission ids.
// Flagged drivers stop issuing commands immediately and finalize as
// aborted; the emergency pipeline owns the drones from this point.
func (e *Engine) MarkAbortingForDrones(droneIDs []string, reason string) []string {
	targets := make(map[string]struct{}, len(droneIDs))
	for _, id := range droneIDs {
		targets[id] = struct{}{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var affected []string
	for id, d := range e.drivers {
		if d.Snapshot().Status.Terminal() {
			continue
		}
		hit := false
		for _, droneID := range d.spec.DroneIDs {
			if _, ok := targets[droneID]; ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		d.markEmergencyAbort(reason)
		affected = append(affected, id)
	}
	sort.Strings(affected)
	return affected
}

// WaitTerminal blocks until the listed missions have reached a terminal
// state or the context expires.
func (e *Engine) WaitTerminal(ctx context.Context, ids []string) error {
	for _, id := range ids {
		d, err := e.get(id)
		if err != nil {
			continue
		}
		select {
		case <-d.done:
		case <-ctx.Done():
			return errors.NewTimeout("mission %q did not reach a terminal state in time", id)
		}
	}
	return nil
}

// Shutdown aborts every running mission with reason "shutdown" and
// waits for the drivers to end, bounded by ctx. Drones are given the
// normal return and land sequence.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)

	e.mu.RLock()
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.RUnlock()

	for _, d := range drivers {
		if d.Snapshot().Status.Terminal() {
			continue
		}
		_ = d.control(ctrlMsg{kind: ctrlAbort, reason: "shutdown"})
	}
	for _, d := range drivers {
		select {
		case <-d.done:
		case <-ctx.Done():
			log.Warnf("mission %s still running at shutdown deadline", d.id)
			return errors.NewTimeout("missions still running at shutdown deadline")
		}
	}
	return nil
}
