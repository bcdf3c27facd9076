// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
	"github.com/skysar/fleet-coordinator/pkg/transport"
)

// stubTransport accepts or fails every send with a fixed result and
// records what went out.
type stubTransport struct {
	mu     sync.Mutex
	result transport.Result
	calls  []sentCommand
}

type sentCommand struct {
	droneID  string
	kind     transport.Kind
	priority transport.Priority
}

func (s *stubTransport) Send(_ context.Context, droneID string, cmd transport.Command, priority transport.Priority, _ time.Time) transport.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sentCommand{droneID: droneID, kind: cmd.Kind, priority: priority})
	return s.result
}

func (s *stubTransport) sent() []sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentCommand, len(s.calls))
	copy(out, s.calls)
	return out
}

// apiHarness assembles real components behind a router, with a stub
// transport so dispatches resolve instantly. The mock clock keeps
// mission drivers parked; control messages still reach them.
type apiHarness struct {
	router  *mux.Router
	reg     *registry.Registry
	cache   *telemetry.Cache
	eng     *mission.Engine
	bus     *bus.FanOutBus
	declog  *decision.Log
	emitter *decision.Emitter
	tr      *stubTransport
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	clk := clock.NewMock()
	b := bus.NewFanOutBus(64, 8, time.Minute, clk)
	t.Cleanup(b.Stop)

	reg := registry.NewRegistry(10*time.Second, time.Second, clk)
	cache := telemetry.NewCache(b)
	tr := &stubTransport{result: transport.ResultSent}
	declog := decision.NewLog(32)
	emitter := decision.NewEmitter(declog, b, nil, clk)

	eng := mission.NewEngine(tr, reg, cache, b, nil, emitter, clk, mission.Defaults{
		Tick:               time.Second,
		RoutineSendTimeout: 3 * time.Second,

		PrepareTimeout: 30 * time.Second,
		TakeoffTimeout: 60 * time.Second,
		TransitTimeout: 120 * time.Second,
		SearchTimeout:  600 * time.Second,
		ReturnTimeout:  180 * time.Second,
		LandTimeout:    60 * time.Second,

		LowBatteryPercent:       25,
		CriticalBatteryPercent:  15,
		PreflightBatteryPercent: 30,

		SearchAltitudeM:    50,
		AltToleranceM:      1.5,
		PosToleranceM:      2,
		GroundToleranceM:   0.5,
		OffRouteThresholdM: 500,

		CommunicationTimeout: 10 * time.Second,
		EmergencySendTimeout: 5 * time.Second,
	})
	pipe := emergency.New(tr, reg, eng, b, emitter, clk, 5*time.Second, 50*time.Millisecond)

	router := mux.NewRouter()
	apiv1 := router.PathPrefix("/api/v1").Subrouter()
	InstallMissionEndpoints(apiv1, eng)
	InstallEmergencyEndpoints(apiv1, pipe)
	InstallFleetEndpoints(apiv1, reg, cache, b)
	InstallDecisionEndpoints(apiv1, declog)

	return &apiHarness{
		router:  router,
		reg:     reg,
		cache:   cache,
		eng:     eng,
		bus:     b,
		declog:  declog,
		emitter: emitter,
		tr:      tr,
	}
}

func (h *apiHarness) addDrone(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.reg.Register(id, "unit "+id, fleet.Capabilities{SupportsRTL: true, SupportsDisarm: true}))
	require.NoError(t, h.reg.SetStatus(id, fleet.StatusOnline))
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) doRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) submitMission(t *testing.T, droneIDs ...string) string {
	t.Helper()
	rec := h.do(t, "POST", "/api/v1/missions", mission.Spec{
		Name:      "test sweep",
		DroneIDs:  droneIDs,
		Waypoints: []fleet.Position{{Lat: 46.2, Lon: 7.5, AltM: 60}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var detail struct {
		MissionID string `json:"mission_id"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Detail, &detail))
	require.NotEmpty(t, detail.MissionID)
	return detail.MissionID
}

// actionEnvelope mirrors the action response shape for decoding.
type actionEnvelope struct {
	Status string          `json:"status"`
	Reason string          `json:"reason"`
	Detail json.RawMessage `json:"detail"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) actionEnvelope {
	t.Helper()
	var env actionEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}
