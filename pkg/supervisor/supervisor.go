// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package supervisor wires the coordinator component graph from the
// loaded configuration and owns its lifecycle. Construction builds
// every component once, Start brings them up in dependency order and
// Stop tears them down in reverse: API ingress first, then the monitor,
// the mission engine (graceful aborts), the drone transport, the bus
// and finally the stores.
package supervisor

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/skysar/fleet-coordinator/cmd/coordinator/api"
	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/monitor"
	"github.com/skysar/fleet-coordinator/pkg/persistence"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/transport/dronelink"
	"github.com/skysar/fleet-coordinator/pkg/transport/loopback"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Options select what New cannot read from the configuration.
type Options struct {
	// Simulate replaces the dronelink gateway with the loopback fleet.
	// The simulate.enabled config key does the same thing.
	Simulate bool
}

// Supervisor holds the wired component graph.
type Supervisor struct {
	clk clock.Clock

	Bus       *bus.FanOutBus
	Registry  *registry.Registry
	Cache     *telemetry.Cache
	Store     *persistence.SQLiteStore
	Decisions *decision.Log
	Emitter   *decision.Emitter
	Engine    *mission.Engine
	Pipeline  *emergency.Pipeline
	Monitor   *monitor.Monitor
	Server    *api.Server

	// Exactly one of the two transports is non-nil.
	SimFleet *loopback.Fleet
	Gateway  *dronelink.Gateway
}

// New builds the component graph from the loaded configuration. Nothing
// is started yet.
func New(opts Options) (*Supervisor, error) {
	c := config.Coordinator
	clk := clock.New()

	s := &Supervisor{clk: clk}

	s.Bus = bus.NewFanOutBus(
		c.GetInt("bus.queue_size"),
		c.GetInt("bus.max_consecutive_lags"),
		c.GetDuration("bus.max_backlog_age"),
		clk,
	)
	s.Registry = registry.NewRegistry(
		c.GetDuration("registry.communication_timeout"),
		c.GetDuration("registry.tick_interval"),
		clk,
	)
	s.Cache = telemetry.NewCache(s.Bus)

	// The archiver and appender interfaces stay nil when persistence is
	// off; assigning a nil *SQLiteStore would make them non-nil.
	var archiver mission.Archiver
	var appender decision.Appender
	if c.GetBool("persistence.enabled") {
		store, err := persistence.NewSQLite(c.GetString("persistence.path"), c.GetInt("persistence.queue_size"))
		if err != nil {
			return nil, err
		}
		s.Store = store
		archiver = store
		appender = store
	}

	s.Decisions = decision.NewLog(c.GetInt("decision.ring_size"))
	s.Emitter = decision.NewEmitter(s.Decisions, s.Bus, appender, clk)

	if opts.Simulate || c.GetBool("simulate.enabled") {
		s.SimFleet = loopback.New(clk, c.GetDuration("simulate.tick_interval"), s.ingestTelemetry)
	} else {
		s.Gateway = dronelink.NewFromConfig(s.ingestTelemetry, s.registerDrone)
	}
	tr := s.transport()

	s.Engine = mission.NewEngine(tr, s.Registry, s.Cache, s.Bus, archiver, s.Emitter, clk, mission.DefaultsFromConfig())
	s.Pipeline = emergency.New(tr, s.Registry, s.Engine, s.Bus, s.Emitter, clk,
		c.GetDuration("emergency.deadline"), c.GetDuration("emergency.dedup_window"))
	s.Monitor = monitor.New(s.Cache, s.Registry, s.Engine, s.Emitter, s.Pipeline, clk, monitor.OptionsFromConfig())

	var droneGateway http.Handler
	if s.Gateway != nil {
		droneGateway = s.Gateway
	}
	s.Server = api.NewServer(api.Dependencies{
		Registry:     s.Registry,
		Telemetry:    s.Cache,
		Missions:     s.Engine,
		Emergency:    s.Pipeline,
		Decisions:    s.Decisions,
		Bus:          s.Bus,
		DroneGateway: droneGateway,
		Clock:        clk,
	})
	return s, nil
}

// Start seeds the fleet and brings every component up. On error the
// already-started components are stopped again.
func (s *Supervisor) Start() error {
	if err := s.seedFleet(); err != nil {
		return err
	}

	s.Registry.Start()
	if s.SimFleet != nil {
		s.SimFleet.Start()
	}
	s.Monitor.Start()

	if err := s.Server.Start(); err != nil {
		s.Stop(context.Background())
		return err
	}
	log.Infof("coordinator up, api on %s", s.Server.Address())
	return nil
}

// Stop tears the graph down. Ingress closes first so no new work
// arrives while the engine aborts the active missions; the transports
// outlive the engine because graceful aborts still send commands.
func (s *Supervisor) Stop(ctx context.Context) {
	s.Server.Stop()
	s.Monitor.Stop()

	if err := s.Engine.Shutdown(ctx); err != nil {
		log.Warnf("mission engine shutdown: %v", err)
	}

	if s.Gateway != nil {
		s.Gateway.Stop()
	}
	if s.SimFleet != nil {
		s.SimFleet.Stop()
	}

	s.Bus.Stop()
	s.Registry.Stop()

	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warnf("persistence close: %v", err)
		}
	}
	log.Info("coordinator stopped")
}

// transport returns whichever drone transport was built.
func (s *Supervisor) transport() transport.Transport {
	if s.SimFleet != nil {
		return s.SimFleet
	}
	return s.Gateway
}

// seedFleet registers the drones declared under the fleet config key.
// In simulate mode each seed also becomes a simulated airframe parked
// at the configured home position.
func (s *Supervisor) seedFleet() error {
	seeds, err := config.FleetSeeds()
	if err != nil {
		return err
	}
	home := fleet.Position{
		Lat: config.Coordinator.GetFloat64("simulate.home_lat"),
		Lon: config.Coordinator.GetFloat64("simulate.home_lon"),
	}
	battery := config.Coordinator.GetFloat64("simulate.battery_percent")
	for _, seed := range seeds {
		name := seed.Name
		if name == "" {
			name = seed.ID
		}
		caps := fleet.Capabilities{
			MaxFlightTimeMinutes: seed.MaxFlightTimeMinutes,
			MaxAltitudeM:         seed.MaxAltitudeM,
			SupportsDisarm:       seed.SupportsDisarm,
			SupportsRTL:          seed.SupportsRTL,
		}
		if err := s.Registry.Register(seed.ID, name, caps); err != nil {
			log.Warnf("skipping fleet seed %q: %v", seed.ID, err)
			continue
		}
		if s.SimFleet != nil {
			s.SimFleet.AddDrone(seed.ID, home, battery)
		}
	}
	if n := len(seeds); n > 0 {
		log.Infof("seeded %d drones from configuration", n)
	}
	return nil
}

// ingestTelemetry is the transport sink: store the snapshot and refresh
// the drone's connectivity. Telemetry for unknown drones is dropped.
func (s *Supervisor) ingestTelemetry(t fleet.Telemetry) {
	s.Cache.Ingest(t)
	if err := s.Registry.SetStatus(t.DroneID, fleet.StatusOnline); err != nil {
		log.Debugf("telemetry from unregistered drone %q", t.DroneID)
	}
}

// registerDrone is the dronelink registration sink.
func (s *Supervisor) registerDrone(id, name string, caps fleet.Capabilities) {
	if err := s.Registry.Register(id, name, caps); err != nil {
		log.Warnf("drone %q register rejected: %v", id, err)
	}
}
