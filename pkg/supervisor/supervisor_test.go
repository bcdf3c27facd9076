// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

// testConfig points the supervisor at loopback addresses and a
// throwaway database so tests never touch the host environment.
func testConfig(t *testing.T) {
	t.Helper()
	config.Coordinator.Set("api.bind_host", "127.0.0.1")
	config.Coordinator.Set("api.port", 0)
	config.Coordinator.Set("persistence.path", filepath.Join(t.TempDir(), "coordinator.db"))
	config.Coordinator.Set("fleet", []interface{}{})
}

func TestNewBuildsSimulatedGraph(t *testing.T) {
	testConfig(t)
	config.Coordinator.Set("persistence.enabled", false)

	s, err := New(Options{Simulate: true})
	require.NoError(t, err)

	assert.NotNil(t, s.SimFleet)
	assert.Nil(t, s.Gateway)
	assert.Nil(t, s.Store)
	assert.NotNil(t, s.Bus)
	assert.NotNil(t, s.Registry)
	assert.NotNil(t, s.Cache)
	assert.NotNil(t, s.Engine)
	assert.NotNil(t, s.Pipeline)
	assert.NotNil(t, s.Monitor)
	assert.NotNil(t, s.Server)
}

func TestNewBuildsDronelinkGraph(t *testing.T) {
	testConfig(t)
	config.Coordinator.Set("persistence.enabled", true)
	config.Coordinator.Set("simulate.enabled", false)

	s, err := New(Options{})
	require.NoError(t, err)
	defer s.Store.Close()

	assert.Nil(t, s.SimFleet)
	assert.NotNil(t, s.Gateway)
	assert.NotNil(t, s.Store)
}

func TestStartSeedsFleetAndStreamsTelemetry(t *testing.T) {
	testConfig(t)
	config.Coordinator.Set("persistence.enabled", false)
	config.Coordinator.Set("simulate.tick_interval", 20*time.Millisecond)
	config.Coordinator.Set("fleet", []map[string]interface{}{
		{"id": "sim-1", "name": "Heron 1", "supports_rtl": true, "supports_disarm": true},
		{"id": "sim-2", "name": "Heron 2", "supports_rtl": true},
	})

	s, err := New(Options{Simulate: true})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	rec, ok := s.Registry.Get("sim-1")
	require.True(t, ok)
	assert.Equal(t, "Heron 1", rec.Name)
	assert.True(t, rec.Capabilities.SupportsRTL)
	assert.Equal(t, 2, s.SimFleet.DroneCount())
	assert.NotNil(t, s.Server.Address())

	// The simulated airframes report in on their own tick.
	require.Eventually(t, func() bool {
		rec, ok := s.Registry.Get("sim-2")
		return ok && rec.Status == fleet.StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	tel, ok := s.Cache.Get("sim-1")
	require.True(t, ok)
	assert.Equal(t, "sim-1", tel.DroneID)
}

func TestStartSkipsInvalidSeeds(t *testing.T) {
	testConfig(t)
	config.Coordinator.Set("persistence.enabled", false)
	config.Coordinator.Set("fleet", []map[string]interface{}{
		{"id": "", "name": "nameless"},
		{"id": "sim-ok"},
	})

	s, err := New(Options{Simulate: true})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	_, ok := s.Registry.Get("sim-ok")
	assert.True(t, ok)
	assert.Len(t, s.Registry.List(), 1)
}

func TestStartFailsWhenAddressIsTaken(t *testing.T) {
	testConfig(t)
	config.Coordinator.Set("persistence.enabled", false)

	blocker, err := New(Options{Simulate: true})
	require.NoError(t, err)
	require.NoError(t, blocker.Start())
	defer blocker.Stop(context.Background())

	_, portStr, err := net.SplitHostPort(blocker.Server.Address().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	config.Coordinator.Set("api.port", port)

	s, err := New(Options{Simulate: true})
	require.NoError(t, err)
	assert.Error(t, s.Start())
}
