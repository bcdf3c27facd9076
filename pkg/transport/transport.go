// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package transport defines the contract for sending commands to
// drones. Implementations own the protocol; the coordinator only relies
// on the result enum, the priority ordering and the deadline: a Send
// returns by its deadline with a result, and priority 3 (emergency) is
// never blocked behind lower-priority traffic.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

// Priority orders commands in the transport's queueing. Higher values
// pre-empt lower ones.
type Priority int

// Command priorities. PriorityEmergency is reserved for the emergency
// pipeline and per-drone critical-battery landings.
const (
	PriorityRoutine   Priority = 1
	PriorityAbort     Priority = 2
	PriorityEmergency Priority = 3
)

// Result is the outcome of a send.
type Result string

// Send outcomes.
const (
	ResultSent        Result = "sent"
	ResultRejected    Result = "rejected"
	ResultTimeout     Result = "timeout"
	ResultUnreachable Result = "unreachable"
)

// Kind tags a command. Parameters are opaque to the coordinator.
type Kind string

// Supported command kinds.
const (
	KindTakeoff         Kind = "takeoff"
	KindGotoWaypoint    Kind = "goto_waypoint"
	KindLand            Kind = "land"
	KindReturnHome      Kind = "return_home"
	KindPause           Kind = "pause"
	KindResume          Kind = "resume"
	KindEmergencyStop   Kind = "emergency_stop"
	KindEmergencyLand   Kind = "emergency_land"
	KindEmergencyDisarm Kind = "emergency_disarm"
)

// Command is a single instruction for a drone.
type Command struct {
	ID     string                 `json:"id"`
	Kind   Kind                   `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Transport sends commands to drones. Send returns by the deadline with
// either a definitive result or ResultTimeout; it never retries.
type Transport interface {
	Send(ctx context.Context, droneID string, cmd Command, priority Priority, deadline time.Time) Result
}

func newCommand(kind Kind, params map[string]interface{}) Command {
	return Command{
		ID:     uuid.NewString(),
		Kind:   kind,
		Params: params,
	}
}

// Takeoff commands a climb to the given altitude.
func Takeoff(altitudeM float64) Command {
	return newCommand(KindTakeoff, map[string]interface{}{"altitude_m": altitudeM})
}

// GotoWaypoint commands flight to a waypoint.
func GotoWaypoint(w fleet.Position) Command {
	return newCommand(KindGotoWaypoint, map[string]interface{}{
		"lat":   w.Lat,
		"lon":   w.Lon,
		"alt_m": w.AltM,
	})
}

// Land commands a landing at the current position.
func Land() Command {
	return newCommand(KindLand, nil)
}

// ReturnHome commands a return to the launch position. A zero altitude
// leaves the cruise altitude choice to the drone.
func ReturnHome(altitudeM float64) Command {
	params := map[string]interface{}{}
	if altitudeM > 0 {
		params["altitude_m"] = altitudeM
	}
	return newCommand(KindReturnHome, params)
}

// Pause commands the drone to hold in place.
func Pause() Command {
	return newCommand(KindPause, nil)
}

// Resume lifts a previous pause.
func Resume() Command {
	return newCommand(KindResume, nil)
}

// EmergencyStop commands an immediate hover-and-hold.
func EmergencyStop() Command {
	return newCommand(KindEmergencyStop, nil)
}

// EmergencyLand commands an immediate landing.
func EmergencyLand() Command {
	return newCommand(KindEmergencyLand, nil)
}

// EmergencyDisarm stops the motors. In the air this causes a fall.
func EmergencyDisarm() Command {
	return newCommand(KindEmergencyDisarm, nil)
}
