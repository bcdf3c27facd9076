// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package mission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

type ctrlKind int

const (
	ctrlAbort ctrlKind = iota
	ctrlPause
	ctrlResume
	ctrlEmergency
)

type ctrlMsg struct {
	kind   ctrlKind
	reason string
}

var phaseOrder = map[Phase]int{
	PhasePrepare:  0,
	PhaseTakeoff:  1,
	PhaseTransit:  2,
	PhaseSearch:   3,
	PhaseReturn:   4,
	PhaseLand:     5,
	PhaseComplete: 6,
}

// driver owns one mission. It is the sole writer of the mission state;
// everyone else reads copies via Snapshot.
type driver struct {
	id   string
	spec Spec
	p    resolvedParams
	eng  *Engine

	mu              sync.RWMutex
	state           State
	emergencyReason string

	aborting *atomic.Bool
	ctrl     chan ctrlMsg
	done     chan struct{}

	// Bookkeeping below is only touched by the driver goroutine.
	entered         bool
	phaseDeadline   time.Time
	launch          map[string]fleet.Position
	searchDone      map[string]bool
	active          map[string]bool
	abortMode       bool
	abortReason     string
	lowBatteryRTL   bool
	staleFlagged    map[string]bool
	offRouteFlagged map[string]bool
	pausedAt        time.Time
	lastPublish     time.Time
	lastSig         string
}

func newDriver(e *Engine, spec Spec, p resolvedParams) *driver {
	now := e.clk.Now().UTC()
	drones := make(map[string]DroneState, len(spec.DroneIDs))
	active := make(map[string]bool, len(spec.DroneIDs))
	for _, id := range spec.DroneIDs {
		drones[id] = DroneState{DroneID: id, Phase: PhasePrepare}
		active[id] = true
	}
	return &driver{
		id:   spec.ID,
		spec: spec,
		p:    p,
		eng:  e,
		state: State{
			ID:        spec.ID,
			Name:      spec.Name,
			Status:    StatusRunning,
			Phase:     PhasePrepare,
			Drones:    drones,
			StartedAt: now,
		},
		aborting:        atomic.NewBool(false),
		ctrl:            make(chan ctrlMsg, 8),
		done:            make(chan struct{}),
		launch:          make(map[string]fleet.Position),
		searchDone:      make(map[string]bool),
		active:          active,
		staleFlagged:    make(map[string]bool),
		offRouteFlagged: make(map[string]bool),
	}
}

// Snapshot returns an immutable copy of the mission state.
func (d *driver) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := d.state
	snap.Drones = make(map[string]DroneState, len(d.state.Drones))
	for id, ds := range d.state.Drones {
		snap.Drones[id] = ds
	}
	return snap
}

// control delivers a signal to the driver, failing if it already ended.
func (d *driver) control(msg ctrlMsg) error {
	select {
	case d.ctrl <- msg:
		return nil
	case <-d.done:
		return errors.NewConflict("mission %q is already %s", d.id, d.Snapshot().Status)
	}
}

// markEmergencyAbort is called by the emergency pipeline. The flag stops
// command dispatch on the spot; the ctrl message makes the driver
// finalize without waiting for the next tick.
func (d *driver) markEmergencyAbort(reason string) {
	d.mu.Lock()
	d.emergencyReason = reason
	d.state.Aborting = true
	d.mu.Unlock()
	d.aborting.Store(true)
	select {
	case d.ctrl <- ctrlMsg{kind: ctrlEmergency, reason: reason}:
	default:
	}
}

func (d *driver) run() {
	defer close(d.done)
	ticker := d.eng.clk.Ticker(d.p.tick)
	defer ticker.Stop()

	log.Infof("mission %s: driver started in phase %s", d.id, PhasePrepare)
	d.publish(true)
	for {
		select {
		case <-ticker.C:
			d.tick()
		case msg := <-d.ctrl:
			d.handleCtrl(msg)
		}
		if d.Snapshot().Status.Terminal() {
			return
		}
	}
}

func (d *driver) tick() {
	if d.aborting.Load() {
		d.finalizeEmergency()
		return
	}
	now := d.eng.clk.Now()
	d.refreshTelemetry()
	if !d.safetyChecks(now) {
		return
	}
	d.mu.RLock()
	paused := d.state.Status == StatusPaused
	d.mu.RUnlock()
	if !paused {
		d.stepPhase(now)
	}
	d.publish(false)
}

func (d *driver) handleCtrl(msg ctrlMsg) {
	now := d.eng.clk.Now()
	switch msg.kind {
	case ctrlEmergency:
		d.finalizeEmergency()
	case ctrlAbort:
		d.handleAbort(msg.reason, now)
	case ctrlPause:
		d.handlePause(now)
	case ctrlResume:
		d.handleResume(now)
	}
}

func (d *driver) finalizeEmergency() {
	d.mu.RLock()
	reason := d.emergencyReason
	d.mu.RUnlock()
	if reason == "" {
		reason = "emergency"
	}
	d.finalize(StatusAborted, PhaseAborted, reason)
}

func (d *driver) handleAbort(reason string, now time.Time) {
	if d.abortMode {
		log.Warnf("mission %s: abort ignored, already aborting (%s)", d.id, d.abortReason)
		return
	}
	snap := d.Snapshot()
	if snap.Status.Terminal() {
		return
	}
	d.abortMode = true
	d.abortReason = reason

	d.mu.Lock()
	d.state.Aborting = true
	if d.state.Status == StatusPaused {
		d.state.Status = StatusRunning
		d.state.PausedPhase = ""
	}
	d.mu.Unlock()

	if !d.anyAirborne() {
		d.finalize(StatusAborted, PhaseAborted, reason)
		return
	}
	log.Warnf("mission %s: aborting (%s), returning %d drone(s) home", d.id, reason, len(d.active))
	if snap.Phase != PhaseLand {
		d.transitionTo(PhaseReturn, now)
	}
	d.publish(true)
}

func (d *driver) handlePause(now time.Time) {
	snap := d.Snapshot()
	if snap.Status.Terminal() || snap.Status == StatusPaused {
		return
	}
	if d.abortMode {
		log.Warnf("mission %s: pause ignored, abort in progress", d.id)
		return
	}
	d.sendEach(transport.PriorityRoutine, func(string) transport.Command { return transport.Pause() })
	d.mu.Lock()
	d.state.PausedPhase = d.state.Phase
	d.state.Status = StatusPaused
	d.mu.Unlock()
	d.pausedAt = now
	log.Infof("mission %s: paused in phase %s", d.id, snap.Phase)
	d.publish(true)
}

func (d *driver) handleResume(now time.Time) {
	snap := d.Snapshot()
	if snap.Status != StatusPaused {
		return
	}
	d.sendEach(transport.PriorityRoutine, func(string) transport.Command { return transport.Resume() })
	d.mu.Lock()
	d.state.Status = StatusRunning
	d.state.PausedPhase = ""
	d.mu.Unlock()
	// The phase budget does not run while paused.
	if !d.pausedAt.IsZero() {
		d.phaseDeadline = d.phaseDeadline.Add(now.Sub(d.pausedAt))
		d.pausedAt = time.Time{}
	}
	log.Infof("mission %s: resumed in phase %s", d.id, snap.PausedPhase)
	d.publish(true)
}

// refreshTelemetry copies the latest cache snapshots into the per-drone
// states.
func (d *driver) refreshTelemetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.active {
		t, ok := d.eng.cache.Get(id)
		if !ok {
			continue
		}
		ds := d.state.Drones[id]
		ds.LastPosition = t.Position
		ds.BatteryPercent = t.BatteryPercent
		ds.LastUpdate = t.Timestamp
		d.state.Drones[id] = ds
	}
}

// safetyChecks evaluates the per-drone guards in conflict order. It
// returns false when the mission reached a terminal state.
func (d *driver) safetyChecks(now time.Time) bool {
	d.mu.RLock()
	phase := d.state.Phase
	paused := d.state.Status == StatusPaused
	d.mu.RUnlock()

	for _, id := range d.sortedActive() {
		t, ok := d.eng.cache.Get(id)
		if !ok {
			continue
		}
		gap := now.Sub(t.Timestamp)
		if d.p.commTimeout > 0 && gap > 2*d.p.commTimeout {
			d.dropDrone(id, PhaseFailed, fmt.Sprintf("lost: no telemetry for %s", gap.Round(time.Second)))
			d.emit(decision.Record{
				Type:       decision.TypeLostDrone,
				Severity:   decision.SeverityCritical,
				Confidence: 1,
				DroneID:    id,
			})
			continue
		}
		if d.p.commTimeout > 0 && gap > d.p.commTimeout {
			if !d.staleFlagged[id] {
				d.staleFlagged[id] = true
				d.emit(decision.Record{
					Type:       decision.TypeStaleHeartbeat,
					Severity:   decision.SeverityMedium,
					Confidence: 1,
					DroneID:    id,
				})
				log.Warnf("mission %s: drone %s heartbeat is stale (%s)", d.id, id, gap.Round(time.Second))
			}
		} else {
			d.staleFlagged[id] = false
		}

		if t.BatteryPercent <= d.p.criticalBattery {
			d.dropDrone(id, PhaseAborted, fmt.Sprintf("critical battery %.0f%%", t.BatteryPercent))
			d.emit(decision.Record{
				Type:              decision.TypeCriticalBattery,
				Severity:          decision.SeverityCritical,
				Confidence:        1,
				DroneID:           id,
				RecommendedAction: decision.ActionLand,
			})
			// Land the drone where it is. The mission no longer owns it.
			go d.sendEmergencyLand(id)
			continue
		}
		// Low battery sends the whole mission home, but only once
		// airborne; on the ground the preflight check owns the call.
		if t.BatteryPercent <= d.p.lowBattery && !d.lowBatteryRTL && !d.abortMode &&
			phaseOrder[phase] >= phaseOrder[PhaseTakeoff] &&
			phaseOrder[phase] < phaseOrder[PhaseReturn] {
			d.lowBatteryRTL = true
			d.emit(decision.Record{
				Type:              decision.TypeLowBattery,
				Severity:          decision.SeverityHigh,
				Confidence:        1,
				DroneID:           id,
				RecommendedAction: decision.ActionReturnHome,
			})
			log.Warnf("mission %s: drone %s battery %.0f%% at or below %.0f%%, returning all drones home",
				d.id, id, t.BatteryPercent, d.p.lowBattery)
			if paused {
				// Low battery outranks pause.
				d.mu.Lock()
				d.state.Status = StatusRunning
				d.state.PausedPhase = ""
				d.mu.Unlock()
				paused = false
			}
			d.transitionTo(PhaseReturn, now)
			phase = PhaseReturn
		}

		if d.spec.PlannedCenter != nil && d.p.offRouteM > 0 {
			dist := t.Position.HorizontalDistanceM(*d.spec.PlannedCenter)
			if dist > d.p.offRouteM {
				if !d.offRouteFlagged[id] {
					d.offRouteFlagged[id] = true
					d.emit(decision.Record{
						Type:       decision.TypeOffRoute,
						Severity:   decision.SeverityMedium,
						Confidence: 1,
						DroneID:    id,
					})
					log.Warnf("mission %s: drone %s is %.0fm from the planned centre", d.id, id, dist)
				}
			} else {
				d.offRouteFlagged[id] = false
			}
		}
	}

	if len(d.active) == 0 {
		if d.abortMode {
			d.finalize(StatusAborted, PhaseAborted, d.abortReason)
		} else {
			d.finalize(StatusFailed, PhaseFailed, "all drones failed")
		}
		return false
	}
	return true
}

func (d *driver) stepPhase(now time.Time) {
	if !d.entered {
		d.enterPhase(now)
		return
	}
	if now.After(d.phaseDeadline) {
		d.phaseTimeout(now)
		return
	}

	d.mu.RLock()
	phase := d.state.Phase
	d.mu.RUnlock()

	switch phase {
	case PhasePrepare:
		if d.allDrones(func(id string) bool { return d.preflightOK(id) }) {
			d.advance(PhaseTakeoff, now)
		}
	case PhaseTakeoff:
		if d.allDrones(func(id string) bool {
			t, ok := d.eng.cache.Get(id)
			return ok && abs(t.Position.AltM-d.p.searchAltM) <= d.p.altTol
		}) {
			d.advance(PhaseTransit, now)
		}
	case PhaseTransit:
		for _, id := range d.sortedActive() {
			if d.waypointIndex(id) > 0 {
				continue
			}
			t, ok := d.eng.cache.Get(id)
			if ok && t.Position.HorizontalDistanceM(d.spec.WaypointsFor(id)[0]) <= d.p.posTol {
				d.setWaypointIndex(id, 1)
			}
		}
		if d.allDrones(func(id string) bool { return d.waypointIndex(id) > 0 }) {
			d.advance(PhaseSearch, now)
		}
	case PhaseSearch:
		d.stepSearch()
		if d.allDrones(func(id string) bool { return d.searchDone[id] }) {
			d.advance(PhaseReturn, now)
		}
	case PhaseReturn:
		if d.allDrones(func(id string) bool { return d.returnedHome(id) }) {
			d.advance(PhaseLand, now)
		}
	case PhaseLand:
		if d.allDrones(func(id string) bool {
			t, ok := d.eng.cache.Get(id)
			return ok && t.Position.AltM <= d.p.groundTol
		}) {
			if d.abortMode {
				d.finalize(StatusAborted, PhaseAborted, d.abortReason)
			} else {
				d.finalize(StatusCompleted, PhaseComplete, "")
			}
		}
	}
}

// stepSearch advances each drone through its waypoint list
// independently. The mission leaves search only when every drone is
// done (join barrier).
func (d *driver) stepSearch() {
	for _, id := range d.sortedActive() {
		if d.searchDone[id] {
			continue
		}
		wps := d.spec.WaypointsFor(id)
		idx := d.waypointIndex(id)
		if idx >= len(wps) {
			d.searchDone[id] = true
			continue
		}
		t, ok := d.eng.cache.Get(id)
		if !ok || t.Position.HorizontalDistanceM(wps[idx]) > d.p.posTol {
			continue
		}
		idx++
		d.setWaypointIndex(id, idx)
		if idx >= len(wps) {
			d.searchDone[id] = true
			log.Debugf("mission %s: drone %s finished its waypoint list", d.id, id)
			continue
		}
		if res := d.sendWithRetry(id, transport.GotoWaypoint(wps[idx]), transport.PriorityRoutine); res != transport.ResultSent {
			d.commandFailed(id, transport.KindGotoWaypoint, res)
		}
	}
}

func (d *driver) enterPhase(now time.Time) {
	d.entered = true
	d.mu.RLock()
	phase := d.state.Phase
	d.mu.RUnlock()

	prio := transport.PriorityRoutine
	if d.abortMode {
		prio = transport.PriorityAbort
	}

	switch phase {
	case PhasePrepare:
		d.phaseDeadline = now.Add(d.p.prepareTimeout)
	case PhaseTakeoff:
		d.phaseDeadline = now.Add(d.p.takeoffTimeout)
		for _, id := range d.sortedActive() {
			if t, ok := d.eng.cache.Get(id); ok {
				d.launch[id] = fleet.Position{Lat: t.Position.Lat, Lon: t.Position.Lon}
			}
		}
		d.sendEach(prio, func(string) transport.Command { return transport.Takeoff(d.p.searchAltM) })
	case PhaseTransit:
		d.phaseDeadline = now.Add(d.p.transitTimeout)
		d.sendEach(prio, func(id string) transport.Command {
			return transport.GotoWaypoint(d.spec.WaypointsFor(id)[0])
		})
	case PhaseSearch:
		d.phaseDeadline = now.Add(d.p.searchTimeout)
		for _, id := range d.sortedActive() {
			wps := d.spec.WaypointsFor(id)
			idx := d.waypointIndex(id)
			if idx >= len(wps) {
				d.searchDone[id] = true
				continue
			}
			if res := d.sendWithRetry(id, transport.GotoWaypoint(wps[idx]), prio); res != transport.ResultSent {
				d.commandFailed(id, transport.KindGotoWaypoint, res)
			}
		}
	case PhaseReturn:
		d.phaseDeadline = now.Add(d.p.returnTimeout)
		d.sendEach(prio, func(string) transport.Command { return transport.ReturnHome(d.p.cruiseAltM) })
	case PhaseLand:
		d.phaseDeadline = now.Add(d.p.landTimeout)
		d.sendEach(prio, func(string) transport.Command { return transport.Land() })
	}
}

func (d *driver) phaseTimeout(now time.Time) {
	d.mu.RLock()
	phase := d.state.Phase
	d.mu.RUnlock()

	if d.abortMode {
		if phase == PhaseReturn {
			// Out of return budget; land where they are.
			log.Warnf("mission %s: return timed out during abort, landing in place", d.id)
			d.advance(PhaseLand, now)
			return
		}
		d.finalize(StatusAborted, PhaseAborted, d.abortReason)
		return
	}
	reason := fmt.Sprintf("%s did not complete within %s", phase, d.budgetFor(phase))
	if phase == PhasePrepare {
		reason = "preflight checks did not pass in time"
	}
	d.finalize(StatusFailed, PhaseFailed, reason)
}

func (d *driver) budgetFor(phase Phase) time.Duration {
	switch phase {
	case PhasePrepare:
		return d.p.prepareTimeout
	case PhaseTakeoff:
		return d.p.takeoffTimeout
	case PhaseTransit:
		return d.p.transitTimeout
	case PhaseSearch:
		return d.p.searchTimeout
	case PhaseReturn:
		return d.p.returnTimeout
	case PhaseLand:
		return d.p.landTimeout
	}
	return 0
}

func (d *driver) advance(next Phase, now time.Time) {
	d.mu.RLock()
	cur := d.state.Phase
	d.mu.RUnlock()
	log.Infof("mission %s: phase %s -> %s", d.id, cur, next)
	d.transitionTo(next, now)
}

func (d *driver) transitionTo(next Phase, now time.Time) {
	d.mu.Lock()
	d.state.Phase = next
	for id := range d.active {
		ds := d.state.Drones[id]
		ds.Phase = next
		d.state.Drones[id] = ds
	}
	d.mu.Unlock()
	d.entered = false
	d.enterPhase(now)
	d.publish(true)
}

func (d *driver) preflightOK(id string) bool {
	rec, ok := d.eng.registry.Get(id)
	if !ok || rec.Status != fleet.StatusOnline {
		return false
	}
	t, ok := d.eng.cache.Get(id)
	return ok && t.BatteryPercent >= d.p.preflightBattery
}

func (d *driver) returnedHome(id string) bool {
	t, ok := d.eng.cache.Get(id)
	if !ok {
		return false
	}
	if abs(t.Position.AltM-d.p.cruiseAltM) > d.p.altTol {
		return false
	}
	home, ok := d.launch[id]
	if !ok {
		return true
	}
	return t.Position.HorizontalDistanceM(home) <= d.p.posTol
}

func (d *driver) anyAirborne() bool {
	for id := range d.active {
		if t, ok := d.eng.cache.Get(id); ok && t.Position.AltM > d.p.groundTol {
			return true
		}
	}
	return false
}

// sendEach issues one command per active drone concurrently and fails
// the drones whose command could not be delivered.
func (d *driver) sendEach(prio transport.Priority, build func(droneID string) transport.Command) {
	type sendFailure struct {
		kind transport.Kind
		res  transport.Result
	}
	ids := d.sortedActive()
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := make(map[string]sendFailure)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			cmd := build(id)
			if res := d.sendWithRetry(id, cmd, prio); res != transport.ResultSent {
				mu.Lock()
				failures[id] = sendFailure{kind: cmd.Kind, res: res}
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	failedIDs := make([]string, 0, len(failures))
	for id := range failures {
		failedIDs = append(failedIDs, id)
	}
	sort.Strings(failedIDs)
	for _, id := range failedIDs {
		d.commandFailed(id, failures[id].kind, failures[id].res)
	}
}

// sendWithRetry sends a routine command, retrying once after the
// configured delay. Emergency commands never go through here.
func (d *driver) sendWithRetry(id string, cmd transport.Command, prio transport.Priority) transport.Result {
	deadline := d.eng.clk.Now().Add(d.p.routineSendTimeout)
	res := d.eng.transport.Send(context.Background(), id, cmd, prio, deadline)
	if res == transport.ResultSent || d.aborting.Load() {
		return res
	}
	log.Warnf("mission %s: %s to drone %s returned %s, retrying once", d.id, cmd.Kind, id, res)
	if d.p.retryDelay > 0 {
		d.eng.clk.Sleep(d.p.retryDelay)
	}
	deadline = d.eng.clk.Now().Add(d.p.routineSendTimeout)
	return d.eng.transport.Send(context.Background(), id, cmd, prio, deadline)
}

func (d *driver) sendEmergencyLand(id string) {
	deadline := d.eng.clk.Now().Add(d.p.emergencySendTimeout)
	res := d.eng.transport.Send(context.Background(), id, transport.EmergencyLand(), transport.PriorityEmergency, deadline)
	if res != transport.ResultSent {
		log.Errorf("mission %s: emergency land for drone %s returned %s", d.id, id, res)
	}
}

func (d *driver) commandFailed(id string, kind transport.Kind, res transport.Result) {
	d.dropDrone(id, PhaseFailed, fmt.Sprintf("%s command %s", kind, res))
	if d.eng.bus != nil {
		d.eng.bus.Publish(bus.TopicAlerts, "command_failed", map[string]interface{}{
			"mission_id": d.id,
			"drone_id":   id,
			"command":    string(kind),
			"result":     string(res),
		})
	}
}

// dropDrone removes a drone from the active set. Its progress no longer
// counts and no further commands are sent to it.
func (d *driver) dropDrone(id string, phase Phase, msg string) {
	d.mu.Lock()
	ds := d.state.Drones[id]
	ds.Phase = phase
	ds.Error = msg
	d.state.Drones[id] = ds
	d.mu.Unlock()
	delete(d.active, id)
	log.Warnf("mission %s: drone %s dropped from mission: %s", d.id, id, msg)
}

func (d *driver) waypointIndex(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Drones[id].WaypointIndex
}

func (d *driver) setWaypointIndex(id string, idx int) {
	total := len(d.spec.WaypointsFor(id))
	d.mu.Lock()
	ds := d.state.Drones[id]
	ds.WaypointIndex = idx
	if total > 0 {
		ds.Progress = float64(idx) / float64(total)
	}
	d.state.Drones[id] = ds
	d.recomputeProgressLocked()
	d.mu.Unlock()
}

// recomputeProgressLocked integrates per-drone progress over the drones
// still counted. Callers hold d.mu.
func (d *driver) recomputeProgressLocked() {
	n := 0
	sum := 0.0
	for id := range d.active {
		sum += d.state.Drones[id].Progress
		n++
	}
	if n > 0 {
		d.state.Progress = sum / float64(n)
	}
}

func (d *driver) allDrones(pred func(id string) bool) bool {
	if len(d.active) == 0 {
		return false
	}
	for id := range d.active {
		if !pred(id) {
			return false
		}
	}
	return true
}

func (d *driver) sortedActive() []string {
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *driver) emit(r decision.Record) {
	if d.eng.decisions == nil {
		return
	}
	r.MissionID = d.id
	d.eng.decisions.Emit(r)
}

func (d *driver) finalize(status Status, phase Phase, reason string) {
	now := d.eng.clk.Now()
	d.mu.Lock()
	if d.state.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state.Status = status
	d.state.Phase = phase
	d.state.EndReason = reason
	d.state.Aborting = false
	d.state.PausedPhase = ""
	ended := now.UTC()
	d.state.EndedAt = &ended
	for id := range d.active {
		ds := d.state.Drones[id]
		switch status {
		case StatusCompleted:
			ds.Phase = PhaseComplete
			ds.Progress = 1
		case StatusAborted:
			ds.Phase = PhaseAborted
		case StatusFailed:
			ds.Phase = PhaseFailed
		}
		d.state.Drones[id] = ds
	}
	if status == StatusCompleted {
		d.state.Progress = 1
	} else {
		d.recomputeProgressLocked()
	}
	d.mu.Unlock()

	for _, id := range d.spec.DroneIDs {
		d.eng.registry.ClearAssignment(id, d.id)
	}
	metrics.MissionsActive.Dec()
	metrics.MissionsTerminal.WithLabelValues(string(status)).Inc()
	if status == StatusFailed && d.eng.bus != nil {
		d.eng.bus.Publish(bus.TopicAlerts, "mission_failed", map[string]interface{}{
			"mission_id": d.id,
			"reason":     reason,
		})
	}
	if d.eng.store != nil {
		d.eng.store.SaveMissionStateSnapshot(d.Snapshot())
	}
	d.publish(true)
	log.Infof("mission %s: ended %s (%s)", d.id, status, reason)
}

// publish puts a state snapshot on mission_updates when something
// meaningful changed, and at least once per second as a heartbeat.
func (d *driver) publish(force bool) {
	if d.eng.bus == nil {
		return
	}
	now := d.eng.clk.Now()
	snap := d.Snapshot()
	sig := stateSignature(snap)
	if !force && sig == d.lastSig && now.Sub(d.lastPublish) < time.Second {
		return
	}
	d.eng.bus.Publish(bus.TopicMissionUpdates, "mission_update", snap)
	d.lastSig = sig
	d.lastPublish = now
}

func stateSignature(s State) string {
	ids := make([]string, 0, len(s.Drones))
	for id := range s.Drones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sig := fmt.Sprintf("%s|%s|%v|%s|%s", s.Status, s.Phase, s.Aborting, s.PausedPhase, s.EndReason)
	for _, id := range ids {
		ds := s.Drones[id]
		sig += fmt.Sprintf("|%s:%s:%d:%s", id, ds.Phase, ds.WaypointIndex, ds.Error)
	}
	return sig
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
