// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package metrics exposes the coordinator's operational counters and
// gauges through the prometheus default registry, served at /metrics.
package metrics

import (
	"expvar"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BusPublished counts messages published per topic.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_bus_published_total",
		Help: "Messages published on the fan-out bus, by topic.",
	}, []string{"topic"})

	// BusDropped counts messages lost to lagging subscribers per topic.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_bus_dropped_total",
		Help: "Messages dropped for lagging subscribers, by topic.",
	}, []string{"topic"})

	// BusSubscribers tracks attached subscribers.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sar_bus_subscribers",
		Help: "Subscribers currently attached to the fan-out bus.",
	})

	// TelemetryIngested counts accepted telemetry snapshots.
	TelemetryIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sar_telemetry_ingested_total",
		Help: "Telemetry snapshots accepted by the cache.",
	})

	// TelemetryRejected counts snapshots refused by the monotonicity rule.
	TelemetryRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sar_telemetry_rejected_total",
		Help: "Telemetry snapshots rejected for non-increasing timestamps.",
	})

	// TransportSends counts command sends by result.
	TransportSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_transport_sends_total",
		Help: "Drone command sends, by result.",
	}, []string{"result"})

	// EmergencyIntents counts accepted emergency intents by kind.
	EmergencyIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_emergency_intents_total",
		Help: "Accepted emergency intents, by kind.",
	}, []string{"kind"})

	// EmergencyDuplicates counts intents merged into an in-flight one.
	EmergencyDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sar_emergency_duplicates_total",
		Help: "Emergency intents merged into an identical in-flight intent.",
	})

	// DronesByStatus tracks registered drones by connectivity status.
	DronesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sar_drones",
		Help: "Registered drones, by connectivity status.",
	}, []string{"status"})

	// MissionsActive tracks running missions.
	MissionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sar_missions_active",
		Help: "Missions currently running.",
	})

	// MissionsTerminal counts missions reaching a terminal status.
	MissionsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_missions_terminal_total",
		Help: "Missions that reached a terminal status, by status.",
	}, []string{"status"})

	// DecisionsEmitted counts decision records by type.
	DecisionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sar_decisions_total",
		Help: "Decision records emitted, by type.",
	}, []string{"type"})

	// PersistenceErrors counts failed store writes.
	PersistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sar_persistence_errors_total",
		Help: "Asynchronous store writes that failed after retries.",
	})

	// PersistenceDropped counts writes discarded on queue overflow.
	PersistenceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sar_persistence_dropped_writes_total",
		Help: "Asynchronous store writes dropped because the queue was full.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	expvar.Publish("coordinator", expvar.Func(gatherVars))
}

// gatherVars mirrors the sar_ prometheus series into expvar so
// /debug/vars shows them without a scraper. Labeled series are summed;
// gauges with disjoint label sets (drone status) still add up to the
// meaningful total.
func gatherVars() interface{} {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	vars := make(map[string]float64, len(families))
	for _, fam := range families {
		name := fam.GetName()
		if !strings.HasPrefix(name, "sar_") {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		vars[name] = total
	}
	return vars
}
