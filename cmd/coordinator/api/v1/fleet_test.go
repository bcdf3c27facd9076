// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

func TestListDronesMergesTelemetry(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	h.addDrone(t, "d2")
	h.cache.Ingest(fleet.Telemetry{
		DroneID:        "d1",
		Timestamp:      time.Now().UTC(),
		Position:       fleet.Position{Lat: 46.21, Lon: 7.52, AltM: 48},
		BatteryPercent: 77,
	})

	rec := h.do(t, "GET", "/api/v1/drones", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []droneView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	require.Equal(t, "d1", views[0].ID)
	require.NotNil(t, views[0].Telemetry)
	assert.Equal(t, 77.0, views[0].Telemetry.BatteryPercent)

	require.Equal(t, "d2", views[1].ID)
	assert.Nil(t, views[1].Telemetry)
}

func TestRegisterAndUnregisterDrone(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/api/v1/drones", registerDroneRequest{
		ID:   "d9",
		Name: "Heron",
		Capabilities: fleet.Capabilities{
			MaxFlightTimeMinutes: 40,
			MaxAltitudeM:         120,
			SupportsRTL:          true,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "accepted", env.Status)

	record, ok := h.reg.Get("d9")
	require.True(t, ok)
	assert.Equal(t, "Heron", record.Name)
	assert.Equal(t, 120.0, record.Capabilities.MaxAltitudeM)

	rec = h.do(t, "POST", "/api/v1/drones", registerDroneRequest{Name: "no id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "DELETE", "/api/v1/drones/d9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = h.reg.Get("d9")
	assert.False(t, ok)

	rec = h.do(t, "DELETE", "/api/v1/drones/d9", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnregisteringAnAssignedDroneConflicts(t *testing.T) {
	h := newAPIHarness(t)
	h.addDrone(t, "d1")
	h.submitMission(t, "d1")

	rec := h.do(t, "DELETE", "/api/v1/drones/d1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Reason, "assigned")
}

func TestPostDetectionPublishes(t *testing.T) {
	h := newAPIHarness(t)
	sub := h.bus.Subscribe("probe", []string{bus.TopicDetections})

	rec := h.do(t, "POST", "/api/v1/detections", map[string]interface{}{
		"class":      "person",
		"confidence": 0.92,
		"drone_id":   "d1",
		"position":   map[string]float64{"lat": 46.2, "lon": 7.51},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	var detail struct {
		DetectionID string `json:"detection_id"`
	}
	require.NoError(t, json.Unmarshal(env.Detail, &detail))
	require.NotEmpty(t, detail.DetectionID)

	select {
	case msg := <-sub.C():
		assert.Equal(t, bus.TopicDetections, msg.Topic)
		assert.Equal(t, "detection", msg.Type)
		det, ok := msg.Payload.(fleet.Detection)
		require.True(t, ok)
		assert.Equal(t, detail.DetectionID, det.ID)
		assert.Equal(t, "person", det.Class)
		assert.False(t, det.CreatedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("detection never reached the bus")
	}
}

func TestPostDetectionValidation(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing class", `{"confidence":0.5}`},
		{"confidence above one", `{"class":"person","confidence":1.2}`},
		{"negative confidence", `{"class":"person","confidence":-0.1}`},
		{"malformed json", `{"class":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.doRaw(t, "POST", "/api/v1/detections", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "error", decodeEnvelope(t, rec).Status)
		})
	}
}
