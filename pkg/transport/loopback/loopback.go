// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package loopback implements an in-process simulated fleet. It backs
// the coordinator's simulate mode and the test suite: drones accept
// commands instantly, move toward their targets on every step and feed
// telemetry into the same ingest path a real transport would.
package loopback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// TelemetrySink receives the telemetry emitted by simulated drones.
type TelemetrySink func(fleet.Telemetry)

// Flight states reported by simulated drones.
const (
	StateGrounded  = "grounded"
	StateClimbing  = "climbing"
	StateInAir     = "in_air"
	StateReturning = "returning"
	StateLanding   = "landing"
	StatePaused    = "paused"
	StateHolding   = "holding"
	StateDisarmed  = "disarmed"
)

const groundEpsilonM = 0.05

type simDrone struct {
	id       string
	home     fleet.Position
	position fleet.Position
	battery  float64
	state    string
	prev     string

	targetAltM float64
	waypoint   *fleet.Position
	paused     bool

	silent   bool
	forced   *transport.Result
	commands []transport.Command
}

// Fleet is a simulated drone fleet implementing transport.Transport.
type Fleet struct {
	clock             clock.Clock
	tickInterval      time.Duration
	sink              TelemetrySink
	HorizontalSpeedMS float64
	ClimbRateMS       float64
	DrainPerSecond    float64

	mu       sync.Mutex
	drones   map[string]*simDrone
	simTime  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New returns an empty simulated fleet. Telemetry emitted by drones is
// passed to sink.
func New(clk clock.Clock, tickInterval time.Duration, sink TelemetrySink) *Fleet {
	if clk == nil {
		clk = clock.New()
	}
	return &Fleet{
		clock:             clk,
		tickInterval:      tickInterval,
		sink:              sink,
		HorizontalSpeedMS: 10,
		ClimbRateMS:       5,
		DrainPerSecond:    0.01,
		drones:            make(map[string]*simDrone),
		simTime:           clk.Now(),
		stopCh:            make(chan struct{}),
	}
}

// AddDrone places a drone on the ground at home with the given battery.
func (f *Fleet) AddDrone(id string, home fleet.Position, batteryPercent float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	home.AltM = 0
	f.drones[id] = &simDrone{
		id:       id,
		home:     home,
		position: home,
		battery:  batteryPercent,
		state:    StateGrounded,
	}
}

// Send implements transport.Transport. Commands apply instantly to the
// simulated drone; priorities and deadlines are accepted but a
// simulated send never queues.
func (f *Fleet) Send(_ context.Context, droneID string, cmd transport.Command, _ transport.Priority, _ time.Time) transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.drones[droneID]
	if !ok {
		metrics.TransportSends.WithLabelValues(string(transport.ResultUnreachable)).Inc()
		return transport.ResultUnreachable
	}
	if d.forced != nil {
		res := *d.forced
		metrics.TransportSends.WithLabelValues(string(res)).Inc()
		return res
	}

	d.commands = append(d.commands, cmd)
	f.apply(d, cmd)
	metrics.TransportSends.WithLabelValues(string(transport.ResultSent)).Inc()
	return transport.ResultSent
}

func (f *Fleet) apply(d *simDrone, cmd transport.Command) {
	switch cmd.Kind {
	case transport.KindTakeoff:
		d.targetAltM = paramFloat(cmd, "altitude_m", 10)
		d.waypoint = nil
		d.paused = false
		d.state = StateClimbing
	case transport.KindGotoWaypoint:
		wp := fleet.Position{
			Lat:  paramFloat(cmd, "lat", d.position.Lat),
			Lon:  paramFloat(cmd, "lon", d.position.Lon),
			AltM: paramFloat(cmd, "alt_m", d.position.AltM),
		}
		d.waypoint = &wp
		d.targetAltM = wp.AltM
		d.paused = false
		d.state = StateInAir
	case transport.KindLand:
		d.waypoint = nil
		d.targetAltM = 0
		d.paused = false
		d.state = StateLanding
	case transport.KindReturnHome:
		home := d.home
		d.waypoint = &home
		if alt := paramFloat(cmd, "altitude_m", 0); alt > 0 {
			d.targetAltM = alt
		}
		d.paused = false
		d.state = StateReturning
	case transport.KindPause:
		if !d.paused {
			d.prev = d.state
			d.paused = true
			d.state = StatePaused
		}
	case transport.KindResume:
		if d.paused {
			d.paused = false
			if d.prev != "" {
				d.state = d.prev
			} else {
				d.state = StateInAir
			}
		}
	case transport.KindEmergencyStop:
		d.waypoint = nil
		d.paused = false
		d.state = StateHolding
	case transport.KindEmergencyLand:
		d.waypoint = nil
		d.targetAltM = 0
		d.paused = false
		d.state = StateLanding
	case transport.KindEmergencyDisarm:
		d.waypoint = nil
		d.paused = false
		d.position.AltM = 0
		d.targetAltM = 0
		d.state = StateDisarmed
	default:
		log.Warnf("simulated drone %q ignoring unknown command kind %q", d.id, cmd.Kind)
	}
}

// Step advances the simulation by dt and emits one telemetry snapshot
// per non-silent drone.
func (f *Fleet) Step(dt time.Duration) {
	f.mu.Lock()
	f.simTime = f.simTime.Add(dt)
	now := f.simTime
	var out []fleet.Telemetry
	for _, d := range f.drones {
		f.move(d, dt.Seconds())
		if !d.silent {
			out = append(out, fleet.Telemetry{
				DroneID:        d.id,
				Timestamp:      now,
				Position:       d.position,
				BatteryPercent: d.battery,
				GroundSpeedMS:  f.HorizontalSpeedMS,
				State:          d.state,
			})
		}
	}
	f.mu.Unlock()

	if f.sink != nil {
		for _, t := range out {
			f.sink(t)
		}
	}
}

func (f *Fleet) move(d *simDrone, dtSeconds float64) {
	if d.paused || d.state == StateDisarmed || d.state == StateHolding {
		f.drain(d, dtSeconds)
		return
	}
	if d.state == StateGrounded {
		return
	}

	// vertical motion toward the target altitude
	dAlt := d.targetAltM - d.position.AltM
	maxClimb := f.ClimbRateMS * dtSeconds
	switch {
	case math.Abs(dAlt) <= maxClimb:
		d.position.AltM = d.targetAltM
	case dAlt > 0:
		d.position.AltM += maxClimb
	default:
		d.position.AltM -= maxClimb
	}

	// horizontal motion toward the waypoint
	if d.waypoint != nil {
		dist := d.position.HorizontalDistanceM(*d.waypoint)
		maxStep := f.HorizontalSpeedMS * dtSeconds
		if dist <= maxStep || dist == 0 {
			d.position.Lat = d.waypoint.Lat
			d.position.Lon = d.waypoint.Lon
			d.waypoint = nil
			if d.state == StateReturning {
				d.state = StateInAir
			}
		} else {
			frac := maxStep / dist
			d.position.Lat += (d.waypoint.Lat - d.position.Lat) * frac
			d.position.Lon += (d.waypoint.Lon - d.position.Lon) * frac
		}
	}

	if d.state == StateClimbing && d.position.AltM == d.targetAltM {
		d.state = StateInAir
	}
	if d.state == StateLanding && d.position.AltM <= groundEpsilonM {
		d.position.AltM = 0
		d.state = StateGrounded
	}

	f.drain(d, dtSeconds)
}

func (f *Fleet) drain(d *simDrone, dtSeconds float64) {
	if d.position.AltM > groundEpsilonM || d.state == StateClimbing {
		d.battery = math.Max(0, d.battery-f.DrainPerSecond*dtSeconds)
	}
}

// Start runs the simulation on its tick interval until Stop.
func (f *Fleet) Start() {
	go func() {
		ticker := f.clock.Ticker(f.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Step(f.tickInterval)
			case <-f.stopCh:
				return
			}
		}
	}()
	log.Infof("simulated fleet started with %d drones", f.DroneCount())
}

// Stop halts the simulation loop.
func (f *Fleet) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// DroneCount returns the number of simulated drones.
func (f *Fleet) DroneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drones)
}

// DroneState is an observable snapshot of a simulated drone.
type DroneState struct {
	ID             string
	Position       fleet.Position
	BatteryPercent float64
	State          string
	TargetAltM     float64
	HasWaypoint    bool
}

// State returns a snapshot of one drone.
func (f *Fleet) State(id string) (DroneState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drones[id]
	if !ok {
		return DroneState{}, false
	}
	return DroneState{
		ID:             d.id,
		Position:       d.position,
		BatteryPercent: d.battery,
		State:          d.state,
		TargetAltM:     d.targetAltM,
		HasWaypoint:    d.waypoint != nil,
	}, true
}

// SetBattery overrides a drone's battery level.
func (f *Fleet) SetBattery(id string, percent float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drones[id]; ok {
		d.battery = percent
	}
}

// SetSilent stops or resumes a drone's telemetry emission. A silent
// drone keeps flying; only its reports stop.
func (f *Fleet) SetSilent(id string, silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drones[id]; ok {
		d.silent = silent
	}
}

// SetForcedResult makes Send return a fixed result for a drone without
// applying commands. A nil result restores normal behavior.
func (f *Fleet) SetForcedResult(id string, res *transport.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drones[id]; ok {
		d.forced = res
	}
}

// Commands returns the commands accepted by a drone, in order.
func (f *Fleet) Commands(id string) []transport.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drones[id]
	if !ok {
		return nil
	}
	out := make([]transport.Command, len(d.commands))
	copy(out, d.commands)
	return out
}

// CommandCount returns how many commands of one kind a drone accepted.
func (f *Fleet) CommandCount(id string, kind transport.Kind) int {
	n := 0
	for _, cmd := range f.Commands(id) {
		if cmd.Kind == kind {
			n++
		}
	}
	return n
}

func paramFloat(cmd transport.Command, key string, fallback float64) float64 {
	if cmd.Params == nil {
		return fallback
	}
	v, ok := cmd.Params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
