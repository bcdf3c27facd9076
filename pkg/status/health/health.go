// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package health tracks the liveness of the coordinator's long-running
// subsystems. Every control loop registers itself and pings its token
// on each iteration; a subsystem that stops pinging for its timeout is
// reported unhealthy by GET /health.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// DefaultPingFreq is the preferred time between two pings.
const DefaultPingFreq = 15 * time.Second

// DefaultTimeout is the default time without a ping after which a
// subsystem counts as unhealthy (twice DefaultPingFreq).
const DefaultTimeout = 30 * time.Second

// ID tokens are returned when registering and passed back when pinging.
type ID string

// Status is the liveness picture served by the health endpoint.
type Status struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

// Live reports whether every registered subsystem is healthy.
func (s Status) Live() bool {
	return len(s.Unhealthy) == 0
}

type subsystem struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

type subsystemCatalog struct {
	sync.RWMutex
	subsystems map[ID]*subsystem
}

var catalog = subsystemCatalog{
	subsystems: make(map[ID]*subsystem),
}

// Register adds a subsystem with the default timeout and returns its
// token. The subsystem starts healthy; it registered, so it is alive.
func Register(name string) ID {
	return RegisterWithCustomTimeout(name, DefaultTimeout)
}

// RegisterWithCustomTimeout registers with a caller-chosen timeout.
func RegisterWithCustomTimeout(name string, timeout time.Duration) ID {
	catalog.Lock()
	defer catalog.Unlock()

	id := ID(name)
	_, taken := catalog.subsystems[id]
	if taken {
		for n := 2; n < 100; n++ {
			// Bounded so a naming bug cannot loop forever.
			next := ID(fmt.Sprintf("%s-%d", name, n))
			if _, taken = catalog.subsystems[next]; !taken {
				id = next
				break
			}
		}
		if taken {
			log.Errorf("health: failed to find a unique token for subsystem %s", name)
		}
	}

	catalog.subsystems[id] = &subsystem{
		name:       string(id),
		timeout:    timeout,
		latestPing: time.Now(),
	}
	return id
}

// Deregister removes a subsystem, typically on shutdown so a stopped
// loop does not flip the endpoint unhealthy.
func Deregister(token ID) error {
	catalog.Lock()
	defer catalog.Unlock()
	if _, found := catalog.subsystems[token]; !found {
		return fmt.Errorf("subsystem %s not registered", token)
	}
	delete(catalog.subsystems, token)
	return nil
}

// Ping signals that the subsystem holding token is still running.
func Ping(token ID) error {
	return setPing(token, time.Now())
}

// setPing is private so tests can backdate pings.
func setPing(token ID, timestamp time.Time) error {
	catalog.Lock()
	defer catalog.Unlock()
	s, found := catalog.subsystems[token]
	if !found {
		return fmt.Errorf("subsystem %s not registered", token)
	}
	s.latestPing = timestamp
	return nil
}

// GetStatus returns the current liveness of every registered
// subsystem, names sorted for stable output.
func GetStatus() Status {
	now := time.Now()

	catalog.RLock()
	defer catalog.RUnlock()

	status := Status{}
	for _, s := range catalog.subsystems {
		if now.After(s.latestPing.Add(s.timeout)) {
			status.Unhealthy = append(status.Unhealthy, s.name)
		} else {
			status.Healthy = append(status.Healthy, s.name)
		}
	}
	sort.Strings(status.Healthy)
	sort.Strings(status.Unhealthy)
	return status
}

// reset is used for unit testing.
func reset() {
	catalog.Lock()
	catalog.subsystems = make(map[ID]*subsystem)
	catalog.Unlock()
}
