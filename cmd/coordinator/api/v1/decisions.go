// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package v1

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/skysar/fleet-coordinator/pkg/decision"
	"github.com/skysar/fleet-coordinator/pkg/errors"
)

const defaultDecisionLimit = 100

// InstallDecisionEndpoints installs the decision ring query endpoint.
func InstallDecisionEndpoints(r *mux.Router, declog *decision.Log) {
	r.HandleFunc("/decisions", func(w http.ResponseWriter, req *http.Request) {
		listDecisions(w, req, declog)
	}).Methods("GET")
}

func listDecisions(w http.ResponseWriter, r *http.Request, declog *decision.Log) {
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errors.NewValidation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, declog.Recent(limit))
}
