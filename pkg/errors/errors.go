// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package errors implements the coordinator error taxonomy. Errors carry
// a kind that callers branch on: validation and conflict errors surface
// synchronously to clients, transport and timeout errors drive retry and
// escalation policy inside mission drivers, lost-drone and internal
// errors terminate the affected mission.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindValidation
	kindConflict
	kindNotFound
	kindTransport
	kindTimeout
	kindLostDrone
	kindInternal
)

// CoordinatorError is an error with a kind attached.
type CoordinatorError struct {
	kind    errorKind
	message string
	wrapped error
}

// Error returns the message of the error.
func (e *CoordinatorError) Error() string {
	return e.message
}

// Unwrap returns the wrapped error, if any.
func (e *CoordinatorError) Unwrap() error {
	return e.wrapped
}

func newKind(kind errorKind, format string, params ...interface{}) *CoordinatorError {
	return &CoordinatorError{
		kind:    kind,
		message: fmt.Sprintf(format, params...),
	}
}

// NewValidation returns an error for caller input that violates an invariant.
func NewValidation(format string, params ...interface{}) *CoordinatorError {
	return newKind(kindValidation, format, params...)
}

// NewConflict returns an error for an operation that violates current state.
func NewConflict(format string, params ...interface{}) *CoordinatorError {
	return newKind(kindConflict, format, params...)
}

// NewNotFound returns an error for a missing entity.
func NewNotFound(what, id string) *CoordinatorError {
	return newKind(kindNotFound, "%s %q not found", what, id)
}

// NewTransport returns an error for a failed drone command.
func NewTransport(droneID string, cause error) *CoordinatorError {
	e := newKind(kindTransport, "command to drone %q failed: %v", droneID, cause)
	e.wrapped = cause
	return e
}

// NewTimeout returns an error for a deadline that elapsed before a
// condition was met.
func NewTimeout(format string, params ...interface{}) *CoordinatorError {
	return newKind(kindTimeout, format, params...)
}

// NewLostDrone returns an error for a drone whose telemetry gap exceeds
// twice the communication timeout.
func NewLostDrone(droneID string) *CoordinatorError {
	return newKind(kindLostDrone, "drone %q is lost: no telemetry within twice the communication timeout", droneID)
}

// NewInternal returns an error for an invariant violation.
func NewInternal(format string, params ...interface{}) *CoordinatorError {
	return newKind(kindInternal, format, params...)
}

func kindOf(err error) errorKind {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return kindUnknown
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return kindOf(err) == kindValidation }

// IsConflict returns true if the error is a conflict error.
func IsConflict(err error) bool { return kindOf(err) == kindConflict }

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool { return kindOf(err) == kindNotFound }

// IsTransport returns true if the error is a transport error.
func IsTransport(err error) bool { return kindOf(err) == kindTransport }

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool { return kindOf(err) == kindTimeout }

// IsLostDrone returns true if the error is a lost-drone error.
func IsLostDrone(err error) bool { return kindOf(err) == kindLostDrone }

// IsInternal returns true if the error is an internal error.
func IsInternal(err error) bool { return kindOf(err) == kindInternal }

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch kindOf(err) {
	case kindValidation:
		return http.StatusBadRequest
	case kindConflict:
		return http.StatusConflict
	case kindNotFound:
		return http.StatusNotFound
	case kindTransport:
		return http.StatusBadGateway
	case kindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the exit code CLI wrappers use: 0 success,
// 1 validation, 2 conflict, 3 timeout, 4 internal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch kindOf(err) {
	case kindValidation, kindNotFound:
		return 1
	case kindConflict:
		return 2
	case kindTimeout:
		return 3
	default:
		return 4
	}
}

// FromHTTPStatus rebuilds a kinded error from an API response, so CLI
// wrappers exit with the right code.
func FromHTTPStatus(status int, message string) error {
	if status < 400 {
		return nil
	}
	switch status {
	case http.StatusBadRequest:
		return NewValidation("%s", message)
	case http.StatusConflict:
		return NewConflict("%s", message)
	case http.StatusNotFound:
		return newKind(kindNotFound, "%s", message)
	case http.StatusGatewayTimeout:
		return NewTimeout("%s", message)
	default:
		return NewInternal("%s", message)
	}
}
