// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package fleet defines the drone fleet data model shared across the
// coordinator: drone records, telemetry snapshots and detections.
package fleet

import (
	"math"
	"time"
)

// Status is the connectivity status of a drone.
type Status string

// Drone connectivity states. A telemetry arrival makes a drone online;
// a communication timeout degrades it; twice the timeout takes it
// offline.
const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Capabilities are the declared abilities of a drone.
type Capabilities struct {
	MaxFlightTimeMinutes int     `json:"max_flight_time_minutes"`
	MaxAltitudeM         float64 `json:"max_altitude_m"`
	SupportsDisarm       bool    `json:"supports_disarm"`
	SupportsRTL          bool    `json:"supports_rtl"`
}

// DroneRecord is the registry's view of a drone. A drone is part of at
// most one mission at a time.
type DroneRecord struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Status       Status       `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	MissionID    string       `json:"mission_id,omitempty"`
}

// Position is a geospatial point.
type Position struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	AltM float64 `json:"alt_m"`
}

const earthRadiusM = 6371000.0

// HorizontalDistanceM returns the great-circle distance to o in meters,
// ignoring altitude.
func (p Position) HorizontalDistanceM(o Position) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := o.Lat * math.Pi / 180
	dLat := (o.Lat - p.Lat) * math.Pi / 180
	dLon := (o.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Telemetry is an immutable snapshot reported by a drone.
type Telemetry struct {
	DroneID        string    `json:"drone_id"`
	Timestamp      time.Time `json:"timestamp"`
	Position       Position  `json:"position"`
	BatteryPercent float64   `json:"battery_percent"`
	VoltageV       float64   `json:"voltage_v,omitempty"`
	CurrentA       float64   `json:"current_a,omitempty"`
	GroundSpeedMS  float64   `json:"ground_speed_ms,omitempty"`
	HeadingDeg     float64   `json:"heading_deg,omitempty"`
	State          string    `json:"state,omitempty"`
}

// Detection is a vision event reported by a collaborator pipeline and
// fanned out on the detections topic.
type Detection struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id,omitempty"`
	DroneID    string    `json:"drone_id,omitempty"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	Position   Position  `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}
