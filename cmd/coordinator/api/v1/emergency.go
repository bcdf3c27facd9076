// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/errors"
)

type emergencyRequest struct {
	Reason     string   `json:"reason"`
	OperatorID string   `json:"operator_id"`
	Targets    []string `json:"targets,omitempty"`
	Confirm    bool     `json:"confirm,omitempty"`
}

// InstallEmergencyEndpoints installs the emergency action endpoints.
// stop-all and rtl accept an optional target list, turning them into
// targeted stop_one/rtl_one intents; kill is always fleet-wide and
// requires confirm.
func InstallEmergencyEndpoints(r *mux.Router, pipe *emergency.Pipeline) {
	r.HandleFunc("/emergency/stop-all", func(w http.ResponseWriter, req *http.Request) {
		submitEmergency(w, req, pipe, emergency.KindStopAll, emergency.KindStopOne)
	}).Methods("POST")
	r.HandleFunc("/emergency/rtl", func(w http.ResponseWriter, req *http.Request) {
		submitEmergency(w, req, pipe, emergency.KindRTLAll, emergency.KindRTLOne)
	}).Methods("POST")
	r.HandleFunc("/emergency/kill", func(w http.ResponseWriter, req *http.Request) {
		submitEmergency(w, req, pipe, emergency.KindDisarmAll, emergency.KindDisarmAll)
	}).Methods("POST")
	r.HandleFunc("/emergency/status", func(w http.ResponseWriter, req *http.Request) {
		emergencyStatus(w, req, pipe)
	}).Methods("GET")
}

func submitEmergency(w http.ResponseWriter, r *http.Request, pipe *emergency.Pipeline, fleetKind, targetedKind emergency.Kind) {
	var body emergencyRequest
	if err := decodeBodyOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}

	kind := fleetKind
	if len(body.Targets) > 0 {
		if targetedKind == emergency.KindDisarmAll {
			writeError(w, errors.NewValidation("disarm is fleet-wide and does not accept targets"))
			return
		}
		kind = targetedKind
	}
	outcome, err := pipe.Submit(r.Context(), emergency.Intent{
		Kind:       kind,
		Targets:    body.Targets,
		Reason:     body.Reason,
		OperatorID: body.OperatorID,
		Confirm:    body.Confirm,
		Origin:     emergency.OriginOperator,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAccepted(w, http.StatusOK, outcome)
}

func emergencyStatus(w http.ResponseWriter, _ *http.Request, pipe *emergency.Pipeline) {
	writeJSON(w, http.StatusOK, pipe.Status())
}
