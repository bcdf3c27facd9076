// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/transport/loopback"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

type scriptedTransport struct {
	log *eventLog

	mu      sync.Mutex
	results map[string]transport.Result
	sends   map[string]int
	kinds   []transport.Kind
	prios   []transport.Priority
}

func newScriptedTransport(log *eventLog) *scriptedTransport {
	return &scriptedTransport{
		log:     log,
		results: make(map[string]transport.Result),
		sends:   make(map[string]int),
	}
}

func (s *scriptedTransport) Send(_ context.Context, droneID string, cmd transport.Command, prio transport.Priority, _ time.Time) transport.Result {
	if s.log != nil {
		s.log.add("send:" + droneID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[droneID]++
	s.kinds = append(s.kinds, cmd.Kind)
	s.prios = append(s.prios, prio)
	if r, ok := s.results[droneID]; ok {
		return r
	}
	return transport.ResultSent
}

func (s *scriptedTransport) sendsTo(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[id]
}

func (s *scriptedTransport) totalSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sends {
		n += c
	}
	return n
}

type fakeAborter struct {
	log *eventLog

	mu       sync.Mutex
	affected []string
	waitErr  error
	active   int

	markedDrones [][]string
	lastReason   string
	waitedFor    [][]string
}

func (f *fakeAborter) MarkAbortingForDrones(droneIDs []string, reason string) []string {
	if f.log != nil {
		f.log.add("mark")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(droneIDs))
	copy(ids, droneIDs)
	f.markedDrones = append(f.markedDrones, ids)
	f.lastReason = reason
	return f.affected
}

func (f *fakeAborter) WaitTerminal(_ context.Context, ids []string) error {
	if f.log != nil {
		f.log.add("wait")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(ids))
	copy(cp, ids)
	f.waitedFor = append(f.waitedFor, cp)
	return f.waitErr
}

func (f *fakeAborter) ActiveCount() int { return f.active }

type pipelineHarness struct {
	log       *eventLog
	transport *scriptedTransport
	aborter   *fakeAborter
	reg       *registry.Registry
	bus       *bus.FanOutBus
	declog    *decision.Log
	pipe      *Pipeline
}

func newPipelineHarness(t *testing.T, droneIDs ...string) *pipelineHarness {
	t.Helper()
	cl := clock.NewMock()
	evlog := &eventLog{}
	tr := newScriptedTransport(evlog)
	ab := &fakeAborter{log: evlog}
	reg := registry.NewRegistry(10*time.Second, time.Second, cl)
	for _, id := range droneIDs {
		require.NoError(t, reg.Register(id, id, fleet.Capabilities{}))
	}
	b := bus.NewFanOutBus(64, 16, 30*time.Second, cl)
	t.Cleanup(b.Stop)
	declog := decision.NewLog(32)
	emitter := decision.NewEmitter(declog, b, nil, cl)
	return &pipelineHarness{
		log:       evlog,
		transport: tr,
		aborter:   ab,
		reg:       reg,
		bus:       b,
		declog:    declog,
		pipe:      New(tr, reg, ab, b, emitter, cl, 5*time.Second, time.Second),
	}
}

func drainAlerts(sub *bus.Subscription) []bus.Message {
	var out []bus.Message
	for {
		select {
		case m := <-sub.C():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestStopAllDispatchesToEveryRegisteredDrone(t *testing.T) {
	h := newPipelineHarness(t, "d2", "d1", "d3")
	h.aborter.affected = []string{"m1"}
	sub := h.bus.Subscribe("ops", []string{bus.TopicAlerts})

	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind:       KindStopAll,
		Reason:     "range violation",
		OperatorID: "op-7",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"d1", "d2", "d3"}, out.Targets)
	assert.Equal(t, []string{"d1", "d2", "d3"}, out.Succeeded)
	assert.Empty(t, out.Failed)
	assert.Empty(t, out.Unreachable)
	assert.Equal(t, []string{"m1"}, out.AbortedMissions)
	assert.False(t, out.Merged)

	for _, id := range []string{"d1", "d2", "d3"} {
		assert.Equal(t, 1, h.transport.sendsTo(id))
	}
	for _, k := range h.transport.kinds {
		assert.Equal(t, transport.KindEmergencyStop, k)
	}
	for _, p := range h.transport.prios {
		assert.Equal(t, transport.PriorityEmergency, p)
	}

	// Missions are flagged before any command leaves, and awaited after.
	events := h.log.list()
	require.NotEmpty(t, events)
	assert.Equal(t, "mark", events[0])
	assert.Equal(t, "wait", events[len(events)-1])
	assert.Equal(t, [][]string{{"d1", "d2", "d3"}}, h.aborter.markedDrones)
	assert.Equal(t, "range violation", h.aborter.lastReason)
	assert.Equal(t, [][]string{{"m1"}}, h.aborter.waitedFor)

	alerts := drainAlerts(sub)
	require.Len(t, alerts, 1)
	assert.Equal(t, "emergency_outcome", alerts[0].Type)
	published := alerts[0].Payload.(Outcome)
	assert.Equal(t, out.IntentID, published.IntentID)

	recent := h.declog.Recent(4)
	require.NotEmpty(t, recent)
	assert.Equal(t, decision.TypeManualStop, recent[0].Type)
	assert.Equal(t, decision.SeverityCritical, recent[0].Severity)
	assert.Equal(t, decision.ActionStop, recent[0].RecommendedAction)
	assert.Equal(t, "3 sent, 0 failed, 0 unreachable", recent[0].Outcome)
}

func TestDisarmRequiresConfirmation(t *testing.T) {
	h := newPipelineHarness(t, "d1")

	_, err := h.pipe.Submit(context.Background(), Intent{
		Kind:       KindDisarmAll,
		Reason:     "collision imminent",
		OperatorID: "op-1",
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, h.transport.totalSends())
	assert.Empty(t, h.aborter.markedDrones)

	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind:       KindDisarmAll,
		Reason:     "collision imminent",
		OperatorID: "op-1",
		Confirm:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, out.Succeeded)
	require.Len(t, h.transport.kinds, 1)
	assert.Equal(t, transport.KindEmergencyDisarm, h.transport.kinds[0])
}

func TestTargetedKindValidation(t *testing.T) {
	h := newPipelineHarness(t, "d1", "d2")

	_, err := h.pipe.Submit(context.Background(), Intent{Kind: KindStopOne, OperatorID: "op"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = h.pipe.Submit(context.Background(), Intent{
		Kind: KindRTLOne, Targets: []string{"ghost"}, OperatorID: "op",
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = h.pipe.Submit(context.Background(), Intent{Kind: Kind("explode_all"), OperatorID: "op"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, h.transport.totalSends())

	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind: KindStopOne, Targets: []string{"d2", "d2", "d1"}, OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, out.Targets)
	assert.Equal(t, 1, h.transport.sendsTo("d1"))
	assert.Equal(t, 1, h.transport.sendsTo("d2"))
}

func TestDuplicateIntentWithinWindowMerges(t *testing.T) {
	h := newPipelineHarness(t, "d1", "d2")
	intent := Intent{Kind: KindStopAll, Reason: "fire", OperatorID: "op-2"}

	first, err := h.pipe.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.False(t, first.Merged)

	second, err := h.pipe.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.IntentID, second.IntentID)

	// One dispatch, not two.
	assert.Equal(t, 1, h.transport.sendsTo("d1"))
	assert.Equal(t, 1, h.transport.sendsTo("d2"))
	require.Len(t, h.aborter.markedDrones, 1)
}

func TestDuplicateAfterWindowDispatchesAgain(t *testing.T) {
	h := newPipelineHarness(t, "d1")
	// Rebuild with a tiny window so the test can outlive it.
	h.pipe = New(h.transport, h.reg, h.aborter, h.bus, nil, clock.NewMock(), 5*time.Second, 50*time.Millisecond)
	intent := Intent{Kind: KindStopAll, Reason: "fire", OperatorID: "op-2"}

	_, err := h.pipe.Submit(context.Background(), intent)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	out, err := h.pipe.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.False(t, out.Merged)
	assert.Equal(t, 2, h.transport.sendsTo("d1"))
}

func TestDifferentOperatorsAreNotMerged(t *testing.T) {
	h := newPipelineHarness(t, "d1")

	_, err := h.pipe.Submit(context.Background(), Intent{Kind: KindStopAll, Reason: "fire", OperatorID: "op-a"})
	require.NoError(t, err)
	out, err := h.pipe.Submit(context.Background(), Intent{Kind: KindStopAll, Reason: "fire", OperatorID: "op-b"})
	require.NoError(t, err)
	assert.False(t, out.Merged)
	assert.Equal(t, 2, h.transport.sendsTo("d1"))
}

func TestFailedSendsSplitTheOutcome(t *testing.T) {
	h := newPipelineHarness(t, "d1", "d2", "d3")
	h.transport.results["d2"] = transport.ResultTimeout
	h.transport.results["d3"] = transport.ResultUnreachable

	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind: KindStopAll, Reason: "fire", OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, out.Succeeded)
	assert.Equal(t, []string{"d2"}, out.Failed)
	assert.Equal(t, []string{"d3"}, out.Unreachable)

	// A failing target never cancels the others.
	assert.Equal(t, 3, h.transport.totalSends())
}

func TestRTLAllSendsReturnHome(t *testing.T) {
	h := newPipelineHarness(t, "d1")
	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind: KindRTLAll, Reason: "weather front", OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, out.Succeeded)
	require.Len(t, h.transport.kinds, 1)
	assert.Equal(t, transport.KindReturnHome, h.transport.kinds[0])

	recent := h.declog.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, decision.TypeManualRTL, recent[0].Type)
	assert.Equal(t, decision.ActionReturnHome, recent[0].RecommendedAction)
}

func TestSlowMissionDoesNotBlockOutcome(t *testing.T) {
	h := newPipelineHarness(t, "d1")
	h.aborter.affected = []string{"m1"}
	h.aborter.waitErr = errors.NewTimeout("mission %q did not reach a terminal state in time", "m1")
	sub := h.bus.Subscribe("ops", []string{bus.TopicAlerts})

	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind: KindStopAll, Reason: "fire", OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, out.Succeeded)

	var sawOutcome bool
	for _, m := range drainAlerts(sub) {
		if m.Type == "emergency_outcome" {
			sawOutcome = true
		}
	}
	assert.True(t, sawOutcome, "outcome must be published even when a mission is slow to finalize")
}

func TestEmptyFleetStopAllIsANoOp(t *testing.T) {
	h := newPipelineHarness(t)
	out, err := h.pipe.Submit(context.Background(), Intent{
		Kind: KindStopAll, Reason: "fire", OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Empty(t, out.Targets)
	assert.Empty(t, out.Succeeded)
	assert.Equal(t, 0, h.transport.totalSends())
}

func TestStatusSummary(t *testing.T) {
	h := newPipelineHarness(t, "d1", "d2", "d3")
	require.NoError(t, h.reg.SetStatus("d1", fleet.StatusOnline))
	require.NoError(t, h.reg.SetStatus("d2", fleet.StatusDegraded))
	h.aborter.active = 2

	s := h.pipe.Status()
	assert.Equal(t, 3, s.DronesTotal)
	assert.Equal(t, 1, s.DronesOnline)
	assert.Equal(t, 1, s.DronesDegraded)
	assert.Equal(t, 1, s.DronesOffline)
	assert.Equal(t, 2, s.ActiveMissions)
	assert.Nil(t, s.LastOutcome)

	_, err := h.pipe.Submit(context.Background(), Intent{Kind: KindStopAll, Reason: "x", OperatorID: "op"})
	require.NoError(t, err)
	s = h.pipe.Status()
	require.NotNil(t, s.LastOutcome)
	assert.Equal(t, KindStopAll, s.LastOutcome.Kind)
}

func TestMonitorOriginSkipsManualDecision(t *testing.T) {
	h := newPipelineHarness(t, "d1")

	_, err := h.pipe.Submit(context.Background(), Intent{
		Kind:       KindRTLOne,
		Targets:    []string{"d1"},
		Reason:     "critical battery",
		OperatorID: "ai-monitor",
		Origin:     OriginMonitor,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.transport.sendsTo("d1"))
	assert.Equal(t, 0, h.declog.Len(), "monitor intents carry their own trigger decision")

	_, err = h.pipe.Submit(context.Background(), Intent{
		Kind: KindRTLOne, Targets: []string{"d1"}, Reason: "operator rtl", OperatorID: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.declog.Len())
}

func TestDefaultReasonIsDerivedFromKind(t *testing.T) {
	h := newPipelineHarness(t, "d1")
	out, err := h.pipe.Submit(context.Background(), Intent{Kind: KindStopAll, OperatorID: "op"})
	require.NoError(t, err)
	assert.Equal(t, "emergency stop_all", out.Reason)
	assert.Equal(t, "emergency stop_all", h.aborter.lastReason)
}

// End to end: a stop_all against a live mission engine drives the
// mission to aborted and freezes its command stream.
func TestStopAllAbortsRunningMissions(t *testing.T) {
	cl := clock.NewMock()
	b := bus.NewFanOutBus(256, 16, 30*time.Second, cl)
	defer b.Stop()
	cache := telemetry.NewCache(b)
	reg := registry.NewRegistry(10*time.Second, time.Second, cl)
	sink := func(tm fleet.Telemetry) {
		cache.Ingest(tm)
		_ = reg.SetStatus(tm.DroneID, fleet.StatusOnline)
	}
	sim := loopback.New(cl, time.Second, sink)
	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, reg.Register(id, id, fleet.Capabilities{}))
		sim.AddDrone(id, fleet.Position{}, 90)
	}

	eng := mission.NewEngine(sim, reg, cache, b, nil, nil, cl, mission.Defaults{
		Tick:                    time.Second,
		RoutineSendTimeout:      3 * time.Second,
		PrepareTimeout:          30 * time.Second,
		TakeoffTimeout:          60 * time.Second,
		TransitTimeout:          120 * time.Second,
		SearchTimeout:           600 * time.Second,
		ReturnTimeout:           180 * time.Second,
		LandTimeout:             60 * time.Second,
		LowBatteryPercent:       25,
		CriticalBatteryPercent:  15,
		PreflightBatteryPercent: 30,
		SearchAltitudeM:         50,
		AltToleranceM:           1.5,
		PosToleranceM:           2.0,
		GroundToleranceM:        0.5,
		CommunicationTimeout:    10 * time.Second,
		EmergencySendTimeout:    5 * time.Second,
	})
	pipe := New(sim, reg, eng, b, nil, cl, 5*time.Second, time.Second)

	step := func(n int) {
		for i := 0; i < n; i++ {
			sim.Step(time.Second)
			cl.Add(time.Second)
			time.Sleep(2 * time.Millisecond)
		}
	}
	step(1)

	id, err := eng.Submit(mission.Spec{
		Waypoints: []fleet.Position{
			{Lat: 0, Lon: 0, AltM: 50},
			{Lat: 0, Lon: 0.001, AltM: 50},
		},
		DroneIDs: []string{"d1", "d2"},
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	reachedSearch := false
	for i := 0; i < 60 && !reachedSearch; i++ {
		st, gerr := eng.Get(id)
		require.NoError(t, gerr)
		reachedSearch = st.Phase == mission.PhaseSearch
		if !reachedSearch {
			step(1)
		}
	}
	require.True(t, reachedSearch, "mission never reached search")

	out, err := pipe.Submit(context.Background(), Intent{
		Kind:       KindStopAll,
		Reason:     "airspace closure",
		OperatorID: "op-9",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, out.Succeeded)
	assert.Equal(t, []string{id}, out.AbortedMissions)

	st, err := eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, mission.StatusAborted, st.Status)
	assert.Equal(t, "airspace closure", st.EndReason)
	assert.Equal(t, 1, sim.CommandCount("d1", transport.KindEmergencyStop))

	// The driver is gone; nothing else reaches the drones.
	before := len(sim.Commands("d1")) + len(sim.Commands("d2"))
	step(5)
	assert.Equal(t, before, len(sim.Commands("d1"))+len(sim.Commands("d2")))
}
