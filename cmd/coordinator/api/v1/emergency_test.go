// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/mission"
	"github.com/skysar/fleet-coordinator/pkg/transport"
)

func decodeOutcome(t *testing.T, env actionEnvelope) emergency.Outcome {
	t.Helper()
	var out emergency.Outcome
	require.NoError(t, json.Unmarshal(env.Detail, &out))
	return out
}

func TestEmergencyStopAll(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	h.addDrone(t, "d2")

	rec := h.do(t, "POST", "/api/v1/emergency/stop-all", map[string]string{
		"reason":      "lost visual contact",
		"operator_id": "op-7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "accepted", env.Status)

	out := decodeOutcome(t, env)
	assert.Equal(t, emergency.KindStopAll, out.Kind)
	assert.Equal(t, "op-7", out.OperatorID)
	assert.Equal(t, []string{"d1", "d2"}, out.Targets)
	assert.Equal(t, []string{"d1", "d2"}, out.Succeeded)
	assert.Empty(t, out.Failed)

	calls := h.tr.sent()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, transport.KindEmergencyStop, c.kind)
		assert.Equal(t, transport.PriorityEmergency, c.priority)
	}
}

func TestEmergencyStopWithTargets(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	h.addDrone(t, "d2")

	rec := h.do(t, "POST", "/api/v1/emergency/stop-all", map[string]interface{}{
		"reason":      "rotor anomaly on d2",
		"operator_id": "op-7",
		"targets":     []string{"d2"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decodeOutcome(t, decodeEnvelope(t, rec))
	assert.Equal(t, emergency.KindStopOne, out.Kind)
	assert.Equal(t, []string{"d2"}, out.Targets)

	calls := h.tr.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "d2", calls[0].droneID)

	// Unknown targets are rejected before anything is dispatched.
	rec = h.do(t, "POST", "/api/v1/emergency/stop-all", map[string]interface{}{
		"reason":  "typo",
		"targets": []string{"ghost"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, h.tr.sent(), 1)
}

func TestEmergencyRTLSendsReturnHome(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")

	rec := h.do(t, "POST", "/api/v1/emergency/rtl", map[string]string{
		"reason":      "weather front moving in",
		"operator_id": "op-2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, emergency.KindRTLAll, decodeOutcome(t, decodeEnvelope(t, rec)).Kind)

	calls := h.tr.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, transport.KindReturnHome, calls[0].kind)
	assert.Equal(t, transport.PriorityEmergency, calls[0].priority)
}

func TestEmergencyKillConfirmGate(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")

	rec := h.do(t, "POST", "/api/v1/emergency/kill", map[string]interface{}{
		"reason":      "flyaway",
		"operator_id": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Reason, "confirm")
	assert.Empty(t, h.tr.sent())

	rec = h.do(t, "POST", "/api/v1/emergency/kill", map[string]interface{}{
		"reason":      "flyaway",
		"operator_id": "op-1",
		"targets":     []string{"d1"},
		"confirm":     true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Reason, "fleet-wide")
	assert.Empty(t, h.tr.sent())

	rec = h.do(t, "POST", "/api/v1/emergency/kill", map[string]interface{}{
		"reason":      "flyaway",
		"operator_id": "op-1",
		"confirm":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, emergency.KindDisarmAll, decodeOutcome(t, decodeEnvelope(t, rec)).Kind)

	calls := h.tr.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, transport.KindEmergencyDisarm, calls[0].kind)
}

func TestEmergencyAbortsActiveMissions(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	missionID := h.submitMission(t, "d1")

	rec := h.do(t, "POST", "/api/v1/emergency/stop-all", map[string]string{
		"reason":      "person on the landing zone",
		"operator_id": "op-3",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decodeOutcome(t, decodeEnvelope(t, rec))
	assert.Equal(t, []string{missionID}, out.AbortedMissions)

	st, err := h.eng.Get(missionID)
	require.NoError(t, err)
	assert.Equal(t, mission.StatusAborted, st.Status)
}

func TestEmergencyStatus(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	h.addDrone(t, "d2")

	rec := h.do(t, "GET", "/api/v1/emergency/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s emergency.StatusSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 2, s.DronesTotal)
	assert.Equal(t, 2, s.DronesOnline)
	assert.Equal(t, 0, s.ActiveMissions)
	assert.Nil(t, s.LastOutcome)

	rec = h.do(t, "POST", "/api/v1/emergency/stop-all", map[string]string{
		"reason":      "drill",
		"operator_id": "op-9",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/api/v1/emergency/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.NotNil(t, s.LastOutcome)
	assert.Equal(t, emergency.KindStopAll, s.LastOutcome.Kind)
}
