// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/registry"
	"github.com/skysar/fleet-coordinator/pkg/telemetry"
)

// droneView extends a registry record with its latest telemetry.
type droneView struct {
	fleet.DroneRecord
	Telemetry *fleet.Telemetry `json:"telemetry,omitempty"`
}

type registerDroneRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Capabilities fleet.Capabilities `json:"capabilities"`
}

// InstallFleetEndpoints installs the drone roster and detection
// ingestion endpoints.
func InstallFleetEndpoints(r *mux.Router, reg *registry.Registry, cache *telemetry.Cache, b *bus.FanOutBus) {
	r.HandleFunc("/drones", func(w http.ResponseWriter, req *http.Request) {
		listDrones(w, req, reg, cache)
	}).Methods("GET")
	r.HandleFunc("/drones", func(w http.ResponseWriter, req *http.Request) {
		registerDrone(w, req, reg)
	}).Methods("POST")
	r.HandleFunc("/drones/{id}", func(w http.ResponseWriter, req *http.Request) {
		unregisterDrone(w, req, reg, cache)
	}).Methods("DELETE")
	r.HandleFunc("/detections", func(w http.ResponseWriter, req *http.Request) {
		postDetection(w, req, b)
	}).Methods("POST")
}

func listDrones(w http.ResponseWriter, _ *http.Request, reg *registry.Registry, cache *telemetry.Cache) {
	records := reg.List()
	views := make([]droneView, 0, len(records))
	for _, rec := range records {
		v := droneView{DroneRecord: rec}
		if tel, ok := cache.Get(rec.ID); ok {
			v.Telemetry = &tel
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func registerDrone(w http.ResponseWriter, r *http.Request, reg *registry.Registry) {
	var body registerDroneRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := reg.Register(body.ID, body.Name, body.Capabilities); err != nil {
		writeError(w, err)
		return
	}
	writeAccepted(w, http.StatusCreated, map[string]string{"drone_id": body.ID})
}

func unregisterDrone(w http.ResponseWriter, r *http.Request, reg *registry.Registry, cache *telemetry.Cache) {
	id := mux.Vars(r)["id"]
	if err := reg.Unregister(id); err != nil {
		writeError(w, err)
		return
	}
	cache.Forget(id)
	writeOK(w, nil)
}

func postDetection(w http.ResponseWriter, r *http.Request, b *bus.FanOutBus) {
	var det fleet.Detection
	if err := decodeBody(r, &det); err != nil {
		writeError(w, err)
		return
	}
	if det.Class == "" {
		writeError(w, errors.NewValidation("detection needs a class"))
		return
	}
	if det.Confidence < 0 || det.Confidence > 1 {
		writeError(w, errors.NewValidation("detection confidence must be within [0, 1]"))
		return
	}
	if det.ID == "" {
		det.ID = uuid.NewString()
	}
	if det.CreatedAt.IsZero() {
		det.CreatedAt = time.Now().UTC()
	}
	b.Publish(bus.TopicDetections, "detection", det)
	writeAccepted(w, http.StatusAccepted, map[string]string{"detection_id": det.ID})
}
