// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skysar/fleet-coordinator/pkg/mission"
)

// InstallMissionEndpoints installs the mission lifecycle endpoints.
func InstallMissionEndpoints(r *mux.Router, engine *mission.Engine) {
	r.HandleFunc("/missions", func(w http.ResponseWriter, req *http.Request) {
		submitMission(w, req, engine)
	}).Methods("POST")
	r.HandleFunc("/missions", func(w http.ResponseWriter, req *http.Request) {
		listMissions(w, req, engine)
	}).Methods("GET")
	r.HandleFunc("/missions/{id}", func(w http.ResponseWriter, req *http.Request) {
		getMission(w, req, engine)
	}).Methods("GET")
	r.HandleFunc("/missions/{id}/abort", func(w http.ResponseWriter, req *http.Request) {
		abortMission(w, req, engine)
	}).Methods("POST")
	r.HandleFunc("/missions/{id}/pause", func(w http.ResponseWriter, req *http.Request) {
		pauseMission(w, req, engine)
	}).Methods("POST")
	r.HandleFunc("/missions/{id}/resume", func(w http.ResponseWriter, req *http.Request) {
		resumeMission(w, req, engine)
	}).Methods("POST")
}

func submitMission(w http.ResponseWriter, r *http.Request, engine *mission.Engine) {
	var spec mission.Spec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	id, err := engine.Submit(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAccepted(w, http.StatusCreated, map[string]string{"mission_id": id})
}

func listMissions(w http.ResponseWriter, _ *http.Request, engine *mission.Engine) {
	writeJSON(w, http.StatusOK, engine.List())
}

func getMission(w http.ResponseWriter, r *http.Request, engine *mission.Engine) {
	state, err := engine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func abortMission(w http.ResponseWriter, r *http.Request, engine *mission.Engine) {
	var body struct {
		Reason string `json:"reason"`
	}
	// The reason is optional and so is the body.
	if err := decodeBodyOptional(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := engine.Abort(mux.Vars(r)["id"], body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func pauseMission(w http.ResponseWriter, r *http.Request, engine *mission.Engine) {
	if err := engine.Pause(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func resumeMission(w http.ResponseWriter, r *http.Request, engine *mission.Engine) {
	if err := engine.Resume(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}
