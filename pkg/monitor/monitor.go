// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package monitor implements the periodic fleet evaluator. Every
// interval it reads the telemetry cache, the drone registry and the
// mission snapshots, and turns rule matches into decision records. It
// never writes mission state; with autonomous execution enabled it may
// submit emergency intents for critical triggers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/status/health"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Trigger confidences. The rules are deterministic; confidence grades
// how direct the evidence is, not how sure the rule fired.
const (
	confidenceLost     = 1.0
	confidenceCritical = 0.95
	confidenceLow      = 0.85
	confidenceStale    = 0.8
	confidenceOffRoute = 0.7
)

// MissionView is the read-only slice of the mission engine the monitor
// consumes.
type MissionView interface {
	List() []mission.State
	Spec(id string) (mission.Spec, error)
}

// IntentSubmitter accepts emergency intents; satisfied by the
// emergency pipeline.
type IntentSubmitter interface {
	Submit(ctx context.Context, intent emergency.Intent) (emergency.Outcome, error)
}

// Options tune the monitor.
type Options struct {
	Interval          time.Duration
	AutonomousExecute bool

	LowBatteryPercent      float64
	CriticalBatteryPercent float64
	CommunicationTimeout   time.Duration
	OffRouteThresholdM     float64
}

// OptionsFromConfig reads the monitor options from the loaded
// configuration. Thresholds are shared with the mission engine.
func OptionsFromConfig() Options {
	c := config.Coordinator
	return Options{
		Interval:               c.GetDuration("monitor.interval"),
		AutonomousExecute:      c.GetBool("monitor.autonomous_execute"),
		LowBatteryPercent:      c.GetFloat64("mission.low_battery"),
		CriticalBatteryPercent: c.GetFloat64("mission.critical_battery"),
		CommunicationTimeout:   c.GetDuration("registry.communication_timeout"),
		OffRouteThresholdM:     c.GetFloat64("mission.offroute_threshold_m"),
	}
}

// Monitor is the periodic evaluator.
type Monitor struct {
	cache     *telemetry.Cache
	registry  *registry.Registry
	missions  MissionView
	decisions *decision.Emitter
	pipeline  IntentSubmitter
	clk       clock.Clock
	opts      Options

	// fired tracks which (trigger, drone) pairs already emitted, so a
	// persisting condition does not re-emit every tick. Cleared when
	// the condition recovers.
	fired map[string]bool

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New wires a monitor. pipeline may be nil when autonomous execution
// is disabled.
func New(
	cache *telemetry.Cache,
	reg *registry.Registry,
	missions MissionView,
	decisions *decision.Emitter,
	pipeline IntentSubmitter,
	clk clock.Clock,
	opts Options,
) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Monitor{
		cache:     cache,
		registry:  reg,
		missions:  missions,
		decisions: decisions,
		pipeline:  pipeline,
		clk:       clk,
		opts:      opts,
		fired:     make(map[string]bool),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (m *Monitor) Start() {
	log.Infof("monitor: starting, interval %s, autonomous execution %v",
		m.opts.Interval, m.opts.AutonomousExecute)
	go func() {
		defer close(m.done)
		token := health.Register("monitor")
		defer health.Deregister(token) //nolint:errcheck
		ticker := m.clk.Ticker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				health.Ping(token) //nolint:errcheck
				m.evaluate(m.clk.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
	log.Infof("monitor: stopped")
}

// evaluate runs one pass over the fleet.
func (m *Monitor) evaluate(now time.Time) {
	centers := m.plannedCenters()

	for _, rec := range m.registry.List() {
		t, ok := m.cache.Get(rec.ID)
		if !ok {
			continue
		}

		if m.checkLink(rec, t, now) {
			// Link is gone; the rest of the telemetry is too old to
			// act on.
			continue
		}
		m.checkBattery(rec, t)
		m.checkRoute(rec, t, centers)
	}
}

// checkLink handles staleness. It returns true when the drone is lost.
func (m *Monitor) checkLink(rec fleet.DroneRecord, t fleet.Telemetry, now time.Time) bool {
	if m.opts.CommunicationTimeout <= 0 {
		return false
	}
	gap := now.Sub(t.Timestamp)
	if gap > 2*m.opts.CommunicationTimeout {
		m.trigger("lost", rec, decision.Record{
			Type:       decision.TypeLostDrone,
			Severity:   decision.SeverityCritical,
			Confidence: confidenceLost,
		})
		return true
	}
	m.rearm("lost", rec.ID)

	if gap > m.opts.CommunicationTimeout {
		m.trigger("stale", rec, decision.Record{
			Type:       decision.TypeStaleHeartbeat,
			Severity:   decision.SeverityMedium,
			Confidence: confidenceStale,
		})
	} else {
		m.rearm("stale", rec.ID)
	}
	return false
}

func (m *Monitor) checkBattery(rec fleet.DroneRecord, t fleet.Telemetry) {
	if t.BatteryPercent <= m.opts.CriticalBatteryPercent {
		fired := m.trigger("critical_battery", rec, decision.Record{
			Type:              decision.TypeCriticalBattery,
			Severity:          decision.SeverityCritical,
			Confidence:        confidenceCritical,
			RecommendedAction: decision.ActionLand,
		})
		if fired {
			m.maybeExecute(rec, t)
		}
		return
	}
	m.rearm("critical_battery", rec.ID)

	if t.BatteryPercent <= m.opts.LowBatteryPercent {
		m.trigger("low_battery", rec, decision.Record{
			Type:              decision.TypeLowBattery,
			Severity:          decision.SeverityHigh,
			Confidence:        confidenceLow,
			RecommendedAction: decision.ActionReturnHome,
		})
	} else {
		m.rearm("low_battery", rec.ID)
	}
}

func (m *Monitor) checkRoute(rec fleet.DroneRecord, t fleet.Telemetry, centers map[string]fleet.Position) {
	if m.opts.OffRouteThresholdM <= 0 || rec.MissionID == "" {
		return
	}
	center, ok := centers[rec.MissionID]
	if !ok {
		return
	}
	if t.Position.HorizontalDistanceM(center) > m.opts.OffRouteThresholdM {
		m.trigger("off_route", rec, decision.Record{
			Type:       decision.TypeOffRoute,
			Severity:   decision.SeverityMedium,
			Confidence: confidenceOffRoute,
		})
	} else {
		m.rearm("off_route", rec.ID)
	}
}

// maybeExecute submits an emergency return for a critical trigger. The
// mission driver owns assigned drones and lands them itself, so the
// monitor only acts on drones flying outside a mission.
func (m *Monitor) maybeExecute(rec fleet.DroneRecord, t fleet.Telemetry) {
	if !m.opts.AutonomousExecute || m.pipeline == nil {
		return
	}
	if rec.MissionID != "" {
		log.Debugf("monitor: drone %s is on mission %s, leaving the response to its driver", rec.ID, rec.MissionID)
		return
	}
	reason := fmt.Sprintf("autonomous: battery %.0f%% on drone %s", t.BatteryPercent, rec.ID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := m.pipeline.Submit(ctx, emergency.Intent{
			Kind:       emergency.KindRTLOne,
			Targets:    []string{rec.ID},
			Reason:     reason,
			OperatorID: "ai-monitor",
			Origin:     emergency.OriginMonitor,
		})
		if err != nil {
			log.Errorf("monitor: autonomous intent for drone %s failed: %v", rec.ID, err)
			return
		}
		log.Warnf("monitor: autonomous return for drone %s: %d sent, %d failed, %d unreachable",
			rec.ID, len(out.Succeeded), len(out.Failed), len(out.Unreachable))
	}()
}

// trigger emits a decision once per condition episode. It reports
// whether this call was the rising edge.
func (m *Monitor) trigger(kind string, rec fleet.DroneRecord, r decision.Record) bool {
	key := kind + "|" + rec.ID
	if m.fired[key] {
		return false
	}
	m.fired[key] = true
	r.DroneID = rec.ID
	r.MissionID = rec.MissionID
	if m.decisions != nil {
		m.decisions.Emit(r)
	}
	log.Infof("monitor: %s on drone %s (severity %s)", r.Type, rec.ID, r.Severity)
	return true
}

func (m *Monitor) rearm(kind, droneID string) {
	delete(m.fired, kind+"|"+droneID)
}

// plannedCenters maps mission id to its planned centre for every
// non-terminal mission that has one.
func (m *Monitor) plannedCenters() map[string]fleet.Position {
	if m.missions == nil {
		return nil
	}
	centers := make(map[string]fleet.Position)
	for _, st := range m.missions.List() {
		if st.Status.Terminal() {
			continue
		}
		spec, err := m.missions.Spec(st.ID)
		if err != nil || spec.PlannedCenter == nil {
			continue
		}
		centers[st.ID] = *spec.PlannedCenter
	}
	return centers
}
