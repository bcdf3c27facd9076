// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/errors"
)

// apiResponse mirrors the coordinator's action envelope.
type apiResponse struct {
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// getClient returns the http client the subcommands use to reach the
// coordinator.
func getClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// coordinatorURL builds the API base address from the configuration.
func coordinatorURL() string {
	host := config.Coordinator.GetString("api.bind_host")
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%v:%v", host, config.Coordinator.GetInt("api.port"))
}

// doGet performs a GET against the coordinator API. Non-2xx responses
// come back as kinded errors so main can derive the exit code.
func doGet(c *http.Client, url string) ([]byte, error) {
	resp, err := c.Get(url)
	if err != nil {
		return nil, connectError(err)
	}
	return readResponse(resp)
}

// doPost performs a POST with a JSON body; a nil payload posts an empty
// body.
func doPost(c *http.Client, url string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.Post(url, "application/json", body)
	if err != nil {
		return nil, connectError(err)
	}
	return readResponse(resp)
}

// doDelete performs a DELETE against the coordinator API.
func doDelete(c *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, connectError(err)
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		reason := http.StatusText(resp.StatusCode)
		var envelope apiResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Reason != "" {
			reason = envelope.Reason
		}
		return body, errors.FromHTTPStatus(resp.StatusCode, reason)
	}
	return body, nil
}

// connectError wraps a connection failure with the advice every
// operator needs first.
func connectError(err error) error {
	fmt.Printf("Could not reach the coordinator at %s.\nMake sure it is running, or point -c at its configuration.\n", coordinatorURL())
	return errors.NewInternal("cannot reach the coordinator: %v", err)
}
