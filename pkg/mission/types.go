// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package mission

import (
	"time"

	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

// Status is the lifecycle state of a mission.
type Status string

// Mission statuses. Aborted, completed and failed are terminal.
const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusAborted || s == StatusCompleted || s == StatusFailed
}

// Phase is a step of the mission state machine.
type Phase string

// Mission phases. The nominal order is prepare, takeoff, transit,
// search, return, land, complete.
const (
	PhasePrepare  Phase = "prepare"
	PhaseTakeoff  Phase = "takeoff"
	PhaseTransit  Phase = "transit"
	PhaseSearch   Phase = "search"
	PhaseReturn   Phase = "return"
	PhaseLand     Phase = "land"
	PhaseComplete Phase = "complete"
	PhaseAborted  Phase = "aborted"
	PhaseFailed   Phase = "failed"
)

// SharingMode selects how waypoints are distributed over the drones.
type SharingMode string

// Waypoint sharing modes. In shared mode every drone visits every
// waypoint; in partitioned mode the spec carries per-drone lists.
const (
	SharingShared      SharingMode = "shared"
	SharingPartitioned SharingMode = "partitioned"
)

// Parameters are the per-mission tunables. Zero values fall back to the
// engine defaults taken from the configuration.
type Parameters struct {
	SearchAltitudeM float64 `json:"search_altitude_m,omitempty"`
	CruiseSpeedMS   float64 `json:"cruise_speed_ms,omitempty"`
	CruiseAltitudeM float64 `json:"cruise_altitude_m,omitempty"`

	PrepareTimeoutSec int `json:"prepare_timeout_sec,omitempty"`
	TakeoffTimeoutSec int `json:"takeoff_timeout_sec,omitempty"`
	TransitTimeoutSec int `json:"transit_timeout_sec,omitempty"`
	SearchTimeoutSec  int `json:"search_timeout_sec,omitempty"`
	ReturnTimeoutSec  int `json:"return_timeout_sec,omitempty"`
	LandTimeoutSec    int `json:"land_timeout_sec,omitempty"`

	LowBatteryPercent       float64 `json:"low_battery_percent,omitempty"`
	CriticalBatteryPercent  float64 `json:"critical_battery_percent,omitempty"`
	PreflightBatteryPercent float64 `json:"preflight_battery_percent,omitempty"`

	AltToleranceM      float64 `json:"alt_tolerance_m,omitempty"`
	PosToleranceM      float64 `json:"pos_tolerance_m,omitempty"`
	GroundToleranceM   float64 `json:"ground_tolerance_m,omitempty"`
	OffRouteThresholdM float64 `json:"offroute_threshold_m,omitempty"`
}

// Spec is the immutable definition of a mission.
type Spec struct {
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Waypoints []fleet.Position `json:"waypoints,omitempty"`
	DroneIDs  []string         `json:"drone_ids"`
	Sharing   SharingMode      `json:"sharing,omitempty"`
	// PartitionedWaypoints carries per-drone waypoint lists in
	// partitioned sharing mode.
	PartitionedWaypoints map[string][]fleet.Position `json:"partitioned_waypoints,omitempty"`
	PlannedCenter        *fleet.Position             `json:"planned_center,omitempty"`
	Params               Parameters                  `json:"params"`
	CreatedAt            time.Time                   `json:"created_at,omitempty"`
}

// WaypointsFor returns the waypoint list a drone must fly.
func (s *Spec) WaypointsFor(droneID string) []fleet.Position {
	if s.Sharing == SharingPartitioned {
		return s.PartitionedWaypoints[droneID]
	}
	return s.Waypoints
}

// Validate checks the spec's internal consistency.
func (s *Spec) Validate() error {
	if len(s.DroneIDs) == 0 {
		return errors.NewValidation("mission needs at least one drone")
	}
	seen := make(map[string]struct{}, len(s.DroneIDs))
	for _, id := range s.DroneIDs {
		if id == "" {
			return errors.NewValidation("drone id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return errors.NewValidation("drone %q listed twice", id)
		}
		seen[id] = struct{}{}
	}

	switch s.Sharing {
	case "", SharingShared:
		if len(s.Waypoints) == 0 {
			return errors.NewValidation("mission needs at least one waypoint")
		}
		if err := validateWaypoints(s.Waypoints); err != nil {
			return err
		}
	case SharingPartitioned:
		for _, id := range s.DroneIDs {
			wps := s.PartitionedWaypoints[id]
			if len(wps) == 0 {
				return errors.NewValidation("partitioned mission is missing waypoints for drone %q", id)
			}
			if err := validateWaypoints(wps); err != nil {
				return err
			}
		}
	default:
		return errors.NewValidation("unknown sharing mode %q", s.Sharing)
	}
	return nil
}

func validateWaypoints(wps []fleet.Position) error {
	for i, w := range wps {
		if w.Lat < -90 || w.Lat > 90 || w.Lon < -180 || w.Lon > 180 {
			return errors.NewValidation("waypoint %d is out of bounds (lat %f, lon %f)", i, w.Lat, w.Lon)
		}
		if w.AltM <= 0 {
			return errors.NewValidation("waypoint %d needs a positive altitude", i)
		}
	}
	return nil
}

// DroneState is the per-drone substate inside a mission.
type DroneState struct {
	DroneID        string         `json:"drone_id"`
	Phase          Phase          `json:"phase"`
	Progress       float64        `json:"progress"`
	WaypointIndex  int            `json:"waypoint_index"`
	LastPosition   fleet.Position `json:"last_position"`
	BatteryPercent float64        `json:"battery_percent"`
	LastUpdate     time.Time      `json:"last_update"`
	Error          string         `json:"error,omitempty"`
}

// State is a snapshot of a mission. Snapshots are immutable copies; the
// mission's driver goroutine is the only writer of the live state.
type State struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Status      Status `json:"status"`
	Phase       Phase  `json:"phase"`
	PausedPhase Phase  `json:"paused_phase,omitempty"`
	// Aborting is set while a graceful abort brings the drones home,
	// before the status turns aborted.
	Aborting  bool                  `json:"aborting,omitempty"`
	Drones    map[string]DroneState `json:"drones"`
	Progress  float64               `json:"progress"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   *time.Time            `json:"ended_at,omitempty"`
	EndReason string                `json:"end_reason,omitempty"`
}

// Archiver persists mission specs and terminal state snapshots. The
// store's asynchronous writer satisfies this without blocking drivers.
type Archiver interface {
	SaveMission(Spec)
	SaveMissionStateSnapshot(State)
}
