// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

/*
Package api implements the coordinator's HTTP endpoint. It serves the
REST API under /api/v1, the operator stream at /ws, the drone gateway
at /drone-gateway, and the health, version and metrics probes at the
root.
*/
package api

import (
	"encoding/json"
	"expvar"
	"fmt"
	stdLog "log"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	v1 "github.com/skysar/fleet-coordinator/cmd/coordinator/api/v1"
	"github.com/skysar/fleet-coordinator/cmd/coordinator/api/ws"
	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/status/health"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
	"github.com/skysar/fleet-coordinator/pkg/version"
)

// Dependencies carries the components the API serves.
type Dependencies struct {
	Registry  *registry.Registry
	Telemetry *telemetry.Cache
	Missions  *mission.Engine
	Emergency *emergency.Pipeline
	Decisions *decision.Log
	Bus       *bus.FanOutBus

	// DroneGateway is mounted at /drone-gateway when set. The
	// simulated transport has no inbound endpoint and leaves it nil.
	DroneGateway http.Handler

	Clock clock.Clock
}

// NewRouter builds the coordinator's full HTTP surface.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/version", versionHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	r.Handle("/ws", ws.NewGateway(deps.Bus, deps.Clock))
	if deps.DroneGateway != nil {
		r.Handle("/drone-gateway", deps.DroneGateway)
	}

	apiv1 := r.PathPrefix("/api/v1").Subrouter()
	v1.InstallMissionEndpoints(apiv1, deps.Missions)
	v1.InstallEmergencyEndpoints(apiv1, deps.Emergency)
	v1.InstallFleetEndpoints(apiv1, deps.Registry, deps.Telemetry, deps.Bus)
	v1.InstallDecisionEndpoints(apiv1, deps.Decisions)

	return r
}

// Server owns the API listener. Build it with NewServer, then Start it
// once the wired components are running.
type Server struct {
	router   *mux.Router
	listener net.Listener
	srv      *http.Server
}

// NewServer returns an unstarted server for the given components.
func NewServer(deps Dependencies) *Server {
	return &Server{router: NewRouter(deps)}
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%v:%v",
		config.Coordinator.GetString("api.bind_host"),
		config.Coordinator.GetInt("api.port"))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %v", addr, err)
	}
	s.listener = listener

	errorLog := stdLog.New(log.NewErrorWriter(), "Error from the coordinator http API server: ", 0)
	router := handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(true),
		handlers.RecoveryLogger(errorLog),
	)(s.router)

	s.srv = &http.Server{
		Handler:      router,
		ErrorLog:     errorLog,
		WriteTimeout: config.Coordinator.GetDuration("api.server_timeout") * time.Second,
	}

	go s.srv.Serve(s.listener) //nolint:errcheck
	log.Infof("api: serving on %s", s.listener.Addr())
	return nil
}

// Stop closes the listener. Hijacked stream connections are shut down
// by their own components, not here.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	status := health.GetStatus()
	code := http.StatusOK
	if !status.Live() {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Errorf("api: failed to write health response: %v", err)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]string{
		"version": version.CoordinatorVersion,
		"commit":  version.Commit,
	})
	if err != nil {
		log.Errorf("api: failed to write version response: %v", err)
	}
}
