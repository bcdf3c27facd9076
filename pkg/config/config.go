// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package config holds the coordinator configuration: defaults for every
// tunable, env bindings under the SAR_ prefix and the yaml config file.
package config

import (
	"strings"
	"time"

	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Coordinator is the global configuration object.
var Coordinator Config

// FleetSeed declares a drone known to the coordinator at startup.
type FleetSeed struct {
	ID                   string  `mapstructure:"id"`
	Name                 string  `mapstructure:"name"`
	MaxFlightTimeMinutes int     `mapstructure:"max_flight_time_minutes"`
	MaxAltitudeM         float64 `mapstructure:"max_altitude_m"`
	SupportsDisarm       bool    `mapstructure:"supports_disarm"`
	SupportsRTL          bool    `mapstructure:"supports_rtl"`
}

func init() {
	Coordinator = NewConfig("coordinator", "SAR", strings.NewReplacer(".", "_"))
	initConfig(Coordinator)
}

// initConfig initializes the config defaults on a config.
func initConfig(config Config) {
	// Coordinator
	config.BindEnvAndSetDefault("log_level", "info")
	config.BindEnvAndSetDefault("log_file", "")
	config.BindEnvAndSetDefault("log_to_console", true)
	config.BindEnvAndSetDefault("shutdown_timeout", 30*time.Second)

	// API server
	config.BindEnvAndSetDefault("api.bind_host", "localhost")
	config.BindEnvAndSetDefault("api.port", 8400)
	config.BindEnvAndSetDefault("api.server_timeout", 15)

	// Fan-out bus
	config.BindEnvAndSetDefault("bus.queue_size", 256)
	config.BindEnvAndSetDefault("bus.max_consecutive_lags", 16)
	config.BindEnvAndSetDefault("bus.max_backlog_age", 30*time.Second)

	// Emergency pipeline
	config.BindEnvAndSetDefault("emergency.deadline", 5*time.Second)
	config.BindEnvAndSetDefault("emergency.dedup_window", 1*time.Second)

	// Transport
	config.BindEnvAndSetDefault("transport.send_timeout", 3*time.Second)
	config.BindEnvAndSetDefault("transport.retry_delay", 1*time.Second)
	config.BindEnvAndSetDefault("dronelink.enabled", true)
	config.BindEnvAndSetDefault("dronelink.max_inflight", int64(64))
	config.BindEnvAndSetDefault("dronelink.write_timeout", 5*time.Second)

	// Drone registry
	config.BindEnvAndSetDefault("registry.communication_timeout", 10*time.Second)
	config.BindEnvAndSetDefault("registry.tick_interval", 1*time.Second)

	// Mission engine
	config.BindEnvAndSetDefault("mission.tick_interval", 1*time.Second)
	config.BindEnvAndSetDefault("mission.search_altitude_m", 50.0)
	config.BindEnvAndSetDefault("mission.low_battery", 25.0)
	config.BindEnvAndSetDefault("mission.critical_battery", 15.0)
	config.BindEnvAndSetDefault("mission.preflight_battery", 30.0)
	config.BindEnvAndSetDefault("mission.prepare_timeout", 30*time.Second)
	config.BindEnvAndSetDefault("mission.takeoff_timeout", 60*time.Second)
	config.BindEnvAndSetDefault("mission.transit_timeout", 120*time.Second)
	config.BindEnvAndSetDefault("mission.search_timeout", 600*time.Second)
	config.BindEnvAndSetDefault("mission.return_timeout", 180*time.Second)
	config.BindEnvAndSetDefault("mission.land_timeout", 60*time.Second)
	config.BindEnvAndSetDefault("mission.alt_tolerance_m", 1.5)
	config.BindEnvAndSetDefault("mission.pos_tolerance_m", 2.0)
	config.BindEnvAndSetDefault("mission.ground_tolerance_m", 0.5)
	config.BindEnvAndSetDefault("mission.offroute_threshold_m", 500.0)

	// AI monitor
	config.BindEnvAndSetDefault("monitor.interval", 2*time.Second)
	config.BindEnvAndSetDefault("monitor.autonomous_execute", false)
	config.BindEnvAndSetDefault("decision.ring_size", 10000)

	// Persistence
	config.BindEnvAndSetDefault("persistence.enabled", true)
	config.BindEnvAndSetDefault("persistence.path", "coordinator.db")
	config.BindEnvAndSetDefault("persistence.queue_size", 512)

	// Simulated fleet
	config.BindEnvAndSetDefault("simulate.enabled", false)
	config.BindEnvAndSetDefault("simulate.tick_interval", 200*time.Millisecond)
	config.BindEnvAndSetDefault("simulate.home_lat", 46.2044)
	config.BindEnvAndSetDefault("simulate.home_lon", 7.3601)
	config.BindEnvAndSetDefault("simulate.battery_percent", 100.0)

	// Known drones; a list of FleetSeed entries in the yaml file.
	config.SetDefault("fleet", []interface{}{})
}

// Load reads the config file and initializes the config module.
func Load() error {
	if err := Coordinator.ReadInConfig(); err != nil {
		log.Warnf("config.Load() error: %v", err)
		return err
	}
	log.Infof("loaded configuration from %s", Coordinator.ConfigFileUsed())
	return nil
}

// FleetSeeds returns the drones declared in the config file.
func FleetSeeds() ([]FleetSeed, error) {
	var seeds []FleetSeed
	if err := Coordinator.UnmarshalKey("fleet", &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}
