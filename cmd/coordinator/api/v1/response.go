// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package v1 implements the coordinator REST API. Queries return the
// resource JSON directly; actions return a {status, reason?, detail?}
// envelope, with error kinds mapped onto HTTP status codes.
package v1

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

type actionResponse struct {
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
	Detail interface{} `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("api: encoding response failed: %v", err)
	}
}

func writeOK(w http.ResponseWriter, detail interface{}) {
	writeJSON(w, http.StatusOK, actionResponse{Status: "ok", Detail: detail})
}

func writeAccepted(w http.ResponseWriter, code int, detail interface{}) {
	writeJSON(w, code, actionResponse{Status: "accepted", Detail: detail})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), actionResponse{Status: "error", Reason: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewValidation("invalid request body: %v", err)
	}
	return nil
}

// decodeBodyOptional tolerates a missing or empty request body.
func decodeBodyOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || err == io.EOF {
		return nil
	}
	return errors.NewValidation("invalid request body: %v", err)
}
