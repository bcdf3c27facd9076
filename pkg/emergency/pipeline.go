// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package emergency implements the high-priority command pipeline. An
// accepted intent pre-empts normal mission traffic: affected missions
// are flagged as aborting before any command leaves the coordinator,
// dispatch to all targets runs in parallel at emergency priority and
// the outcome is published within a bounded deadline.
package emergency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Kind classifies an emergency intent.
type Kind string

// Intent kinds. The *_all kinds target every registered drone; the
// *_one kinds target the drones named in the intent.
const (
	KindStopAll   Kind = "stop_all"
	KindRTLAll    Kind = "rtl_all"
	KindDisarmAll Kind = "disarm_all"
	KindStopOne   Kind = "stop_one"
	KindRTLOne    Kind = "rtl_one"
)

func fleetWide(k Kind) bool {
	return k == KindStopAll || k == KindRTLAll || k == KindDisarmAll
}

// Origin marks who produced an intent.
type Origin string

// Intent origins.
const (
	OriginOperator Origin = "operator"
	OriginMonitor  Origin = "monitor"
)

// Intent is an emergency request from an operator or the monitor.
type Intent struct {
	Kind       Kind     `json:"kind"`
	Targets    []string `json:"targets,omitempty"`
	Reason     string   `json:"reason"`
	OperatorID string   `json:"operator_id"`
	Confirm    bool     `json:"confirm,omitempty"`
	Origin     Origin   `json:"origin,omitempty"`
}

// Outcome is the published result of a dispatched intent.
type Outcome struct {
	IntentID        string    `json:"intent_id"`
	Kind            Kind      `json:"kind"`
	Reason          string    `json:"reason"`
	OperatorID      string    `json:"operator_id"`
	Targets         []string  `json:"targets"`
	Succeeded       []string  `json:"succeeded"`
	Failed          []string  `json:"failed"`
	Unreachable     []string  `json:"unreachable"`
	AbortedMissions []string  `json:"aborted_missions"`
	Merged          bool      `json:"merged,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ElapsedMS       int64     `json:"elapsed_ms"`
}

// StatusSummary is the operator-facing view of the pipeline and the
// fleet it can reach.
type StatusSummary struct {
	DronesTotal    int      `json:"drones_total"`
	DronesOnline   int      `json:"drones_online"`
	DronesDegraded int      `json:"drones_degraded"`
	DronesOffline  int      `json:"drones_offline"`
	ActiveMissions int      `json:"active_missions"`
	LastOutcome    *Outcome `json:"last_outcome,omitempty"`
}

// MissionAborter is the slice of the mission engine the pipeline
// drives: flag missions before dispatch, wait for them afterwards.
type MissionAborter interface {
	MarkAbortingForDrones(droneIDs []string, reason string) []string
	WaitTerminal(ctx context.Context, ids []string) error
	ActiveCount() int
}

// pendingIntent parks duplicate submitters until the primary intent
// resolves.
type pendingIntent struct {
	done    chan struct{}
	outcome Outcome
}

func (pi *pendingIntent) resolve(o Outcome) {
	pi.outcome = o
	close(pi.done)
}

func (pi *pendingIntent) wait(ctx context.Context) (Outcome, error) {
	select {
	case <-pi.done:
		o := pi.outcome
		o.Merged = true
		return o, nil
	case <-ctx.Done():
		return Outcome{}, errors.NewTimeout("identical emergency intent is still in flight")
	}
}

// Pipeline accepts emergency intents and dispatches them. It is never
// cancelled by coordinator shutdown; an accepted intent always runs to
// its published outcome.
type Pipeline struct {
	transport transport.Transport
	registry  *registry.Registry
	missions  MissionAborter
	bus       *bus.FanOutBus
	decisions *decision.Emitter
	clk       clock.Clock

	deadline time.Duration
	window   *gocache.Cache

	mu          sync.Mutex
	lastOutcome *Outcome
}

// New wires a pipeline. deadline bounds accept-to-outcome wall time,
// dedupWindow is how long an identical intent is merged instead of
// dispatched again.
func New(
	t transport.Transport,
	reg *registry.Registry,
	missions MissionAborter,
	b *bus.FanOutBus,
	decisions *decision.Emitter,
	clk clock.Clock,
	deadline, dedupWindow time.Duration,
) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if dedupWindow <= 0 {
		dedupWindow = time.Second
	}
	return &Pipeline{
		transport: t,
		registry:  reg,
		missions:  missions,
		bus:       b,
		decisions: decisions,
		clk:       clk,
		deadline:  deadline,
		window:    gocache.New(dedupWindow, 2*dedupWindow),
	}
}

// Submit validates and dispatches an intent, blocking until the outcome
// is assembled (bounded by the pipeline deadline). The dispatch itself
// is never cancelled; ctx only bounds how long a merged duplicate waits
// for the primary's outcome.
func (p *Pipeline) Submit(ctx context.Context, intent Intent) (Outcome, error) {
	if err := validate(&intent); err != nil {
		return Outcome{}, err
	}
	targets, err := p.resolveTargets(intent)
	if err != nil {
		return Outcome{}, err
	}

	key := dedupKey(intent)
	p.mu.Lock()
	if v, ok := p.window.Get(key); ok {
		p.mu.Unlock()
		metrics.EmergencyDuplicates.Inc()
		log.Infof("emergency: duplicate %s intent from %q merged into the one in flight",
			intent.Kind, intent.OperatorID)
		return v.(*pendingIntent).wait(ctx)
	}
	pending := &pendingIntent{done: make(chan struct{})}
	p.window.Set(key, pending, gocache.DefaultExpiration)
	p.mu.Unlock()

	outcome := p.dispatch(intent, targets)
	pending.resolve(outcome)
	return outcome, nil
}

func (p *Pipeline) dispatch(intent Intent, targets []string) Outcome {
	started := p.clk.Now()
	out := Outcome{
		IntentID:    uuid.NewString(),
		Kind:        intent.Kind,
		Reason:      intent.Reason,
		OperatorID:  intent.OperatorID,
		Targets:     targets,
		Succeeded:   []string{},
		Failed:      []string{},
		Unreachable: []string{},
		StartedAt:   started.UTC(),
	}
	metrics.EmergencyIntents.WithLabelValues(string(intent.Kind)).Inc()
	log.Warnf("emergency: %s from %q targeting %d drone(s): %s",
		intent.Kind, intent.OperatorID, len(targets), intent.Reason)

	// Flag the missions first so their drivers stop issuing commands
	// that would compete with the dispatch below.
	out.AbortedMissions = p.missions.MarkAbortingForDrones(targets, intent.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), p.deadline)
	defer cancel()
	deadline := started.Add(p.deadline)
	cmd := commandFor(intent.Kind)

	results := make([]transport.Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			// A failed send never cancels the other dispatches; the
			// result lands in the outcome instead.
			results[i] = p.transport.Send(gctx, id, cmd, transport.PriorityEmergency, deadline)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range targets {
		switch results[i] {
		case transport.ResultSent:
			out.Succeeded = append(out.Succeeded, id)
		case transport.ResultUnreachable:
			out.Unreachable = append(out.Unreachable, id)
		default:
			out.Failed = append(out.Failed, id)
		}
	}

	if len(out.AbortedMissions) > 0 {
		if err := p.missions.WaitTerminal(ctx, out.AbortedMissions); err != nil {
			log.Warnf("emergency: %v", err)
		}
	}

	out.ElapsedMS = p.clk.Now().Sub(started).Milliseconds()
	if p.bus != nil {
		p.bus.Publish(bus.TopicAlerts, "emergency_outcome", out)
	}
	p.emitDecision(intent, out)

	p.mu.Lock()
	p.lastOutcome = &out
	p.mu.Unlock()

	log.Warnf("emergency: %s resolved in %dms: %d sent, %d failed, %d unreachable, %d mission(s) aborted",
		intent.Kind, out.ElapsedMS, len(out.Succeeded), len(out.Failed), len(out.Unreachable), len(out.AbortedMissions))
	return out
}

// Status reports fleet connectivity counts, active missions and the
// last dispatched outcome.
func (p *Pipeline) Status() StatusSummary {
	s := StatusSummary{}
	for _, rec := range p.registry.List() {
		s.DronesTotal++
		switch rec.Status {
		case fleet.StatusOnline:
			s.DronesOnline++
		case fleet.StatusDegraded:
			s.DronesDegraded++
		default:
			s.DronesOffline++
		}
	}
	s.ActiveMissions = p.missions.ActiveCount()
	p.mu.Lock()
	s.LastOutcome = p.lastOutcome
	p.mu.Unlock()
	return s
}

func validate(intent *Intent) error {
	switch intent.Kind {
	case KindStopAll, KindRTLAll, KindStopOne, KindRTLOne:
	case KindDisarmAll:
		if !intent.Confirm {
			return errors.NewValidation("%s drops every drone where it flies; set confirm to proceed", KindDisarmAll)
		}
	default:
		return errors.NewValidation("unknown emergency kind %q", intent.Kind)
	}
	if !fleetWide(intent.Kind) && len(intent.Targets) == 0 {
		return errors.NewValidation("%s requires at least one target drone", intent.Kind)
	}
	if intent.Reason == "" {
		intent.Reason = "emergency " + string(intent.Kind)
	}
	if intent.Origin == "" {
		intent.Origin = OriginOperator
	}
	return nil
}

func (p *Pipeline) resolveTargets(intent Intent) ([]string, error) {
	if fleetWide(intent.Kind) {
		records := p.registry.List()
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.ID)
		}
		return ids, nil
	}
	ids := uniqueSorted(intent.Targets)
	for _, id := range ids {
		if _, ok := p.registry.Get(id); !ok {
			return nil, errors.NewValidation("drone %q is not registered", id)
		}
	}
	return ids, nil
}

func commandFor(kind Kind) transport.Command {
	switch kind {
	case KindRTLAll, KindRTLOne:
		return transport.ReturnHome(0)
	case KindDisarmAll:
		return transport.EmergencyDisarm()
	default:
		return transport.EmergencyStop()
	}
}

func (p *Pipeline) emitDecision(intent Intent, out Outcome) {
	if p.decisions == nil {
		return
	}
	// Monitor-originated intents already carry their trigger decision.
	if intent.Origin == OriginMonitor {
		return
	}
	var typ decision.Type
	var action string
	switch intent.Kind {
	case KindRTLAll, KindRTLOne:
		typ, action = decision.TypeManualRTL, decision.ActionReturnHome
	case KindDisarmAll:
		typ, action = decision.TypeManualDisarm, decision.ActionDisarm
	default:
		typ, action = decision.TypeManualStop, decision.ActionStop
	}
	droneID := ""
	if len(out.Targets) == 1 {
		droneID = out.Targets[0]
	}
	p.decisions.Emit(decision.Record{
		Type:              typ,
		Severity:          decision.SeverityCritical,
		Confidence:        1,
		DroneID:           droneID,
		RecommendedAction: action,
		Outcome: fmt.Sprintf("%d sent, %d failed, %d unreachable",
			len(out.Succeeded), len(out.Failed), len(out.Unreachable)),
	})
}

func dedupKey(intent Intent) string {
	return string(intent.Kind) + "|" + intent.OperatorID + "|" + strings.Join(uniqueSorted(intent.Targets), ",")
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
