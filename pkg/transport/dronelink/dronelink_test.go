// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package dronelink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/transport"
)

func newTestGateway(t *testing.T, maxInflight int64, telemetry TelemetrySink, register RegisterSink) (*Gateway, string) {
	t.Helper()
	gw := New(clock.New(), telemetry, register, maxInflight, 2*time.Second)
	mux := http.NewServeMux()
	mux.Handle("/drone-gateway", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(gw.Stop)
	return gw, srv.URL
}

// fakeDrone is a scripted websocket client standing in for a real
// drone. Received command frames land on the frames channel; when
// autoAck is set the read loop acks every command with that result.
type fakeDrone struct {
	t       *testing.T
	conn    *websocket.Conn
	autoAck string

	writeMu sync.Mutex
	frames  chan commandFrame
	done    chan struct{}
}

func dialDrone(t *testing.T, gw *Gateway, baseURL, id string) *fakeDrone {
	return dial(t, gw, baseURL, id, "")
}

func dialAckingDrone(t *testing.T, gw *Gateway, baseURL, id, ackResult string) *fakeDrone {
	return dial(t, gw, baseURL, id, ackResult)
}

func dial(t *testing.T, gw *Gateway, baseURL, id, autoAck string) *fakeDrone {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/drone-gateway?drone_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	d := &fakeDrone{
		t:       t,
		conn:    conn,
		autoAck: autoAck,
		frames:  make(chan commandFrame, 16),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	t.Cleanup(d.close)
	// The handshake resolves before the server attaches the connection.
	require.Eventually(t, func() bool {
		return gw.lookup(id) != nil
	}, time.Second, 5*time.Millisecond, "gateway never attached drone %s", id)
	return d
}

func (d *fakeDrone) readLoop() {
	defer close(d.done)
	for {
		var f commandFrame
		if err := d.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != frameCommand {
			continue
		}
		if d.autoAck != "" {
			d.ack(f.ID, d.autoAck)
		}
		select {
		case d.frames <- f:
		default:
		}
	}
}

func (d *fakeDrone) ack(commandID, result string) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.WriteJSON(inboundFrame{Type: frameAck, CommandID: commandID, Result: result})
}

func (d *fakeDrone) send(f inboundFrame) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	require.NoError(d.t, d.conn.WriteJSON(f))
}

func (d *fakeDrone) nextCommand(timeout time.Duration) (commandFrame, bool) {
	select {
	case f := <-d.frames:
		return f, true
	case <-time.After(timeout):
		return commandFrame{}, false
	}
}

func (d *fakeDrone) close() {
	d.conn.Close()
}

func waitResult(t *testing.T, ch <-chan transport.Result) transport.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not resolve in time")
		return ""
	}
}

func TestSendDeliversCommandAndResolvesAck(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialAckingDrone(t, gw, url, "d1", ackAccepted)

	res := gw.Send(context.Background(), "d1", transport.Takeoff(35), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	require.Equal(t, transport.ResultSent, res)

	f, ok := drone.nextCommand(time.Second)
	require.True(t, ok, "drone never received the command frame")
	assert.Equal(t, frameCommand, f.Type)
	assert.Equal(t, transport.KindTakeoff, f.Kind)
	assert.Equal(t, transport.PriorityRoutine, f.Priority)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, 35.0, f.Params["altitude_m"])
}

func TestSendToUnknownDroneIsUnreachable(t *testing.T) {
	gw, _ := newTestGateway(t, 64, nil, nil)

	res := gw.Send(context.Background(), "ghost", transport.Land(), transport.PriorityRoutine, time.Now().Add(time.Second))
	assert.Equal(t, transport.ResultUnreachable, res)
}

func TestRejectedAckPropagates(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	dialAckingDrone(t, gw, url, "d1", ackRejected)

	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	assert.Equal(t, transport.ResultRejected, res)
}

func TestMissingAckTimesOut(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialDrone(t, gw, url, "d1")

	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(150*time.Millisecond))
	assert.Equal(t, transport.ResultTimeout, res)

	_, ok := drone.nextCommand(time.Second)
	assert.True(t, ok, "frame should have been delivered even though the ack never came")
}

func TestExpiredDeadlineShortCircuits(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialDrone(t, gw, url, "d1")

	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(-time.Second))
	assert.Equal(t, transport.ResultTimeout, res)

	_, ok := drone.nextCommand(100 * time.Millisecond)
	assert.False(t, ok, "no frame should go out for an expired deadline")
}

func TestTelemetryFramesFeedTheSink(t *testing.T) {
	var mu sync.Mutex
	var got []fleet.Telemetry
	sink := func(tel fleet.Telemetry) {
		mu.Lock()
		got = append(got, tel)
		mu.Unlock()
	}
	gw, url := newTestGateway(t, 64, sink, nil)
	drone := dialDrone(t, gw, url, "d1")

	drone.send(inboundFrame{Type: frameTelemetry, Telemetry: &fleet.Telemetry{
		DroneID:        "spoofed-id",
		Timestamp:      time.Now(),
		Position:       fleet.Position{Lat: 47.1, Lon: 8.5, AltM: 40},
		BatteryPercent: 72,
		State:          "in_air",
	}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	first := got[0]
	mu.Unlock()
	assert.Equal(t, "d1", first.DroneID, "the connection identity wins over the frame's claim")
	assert.Equal(t, 72.0, first.BatteryPercent)
	assert.Equal(t, "in_air", first.State)

	// A frame without a timestamp gets stamped on arrival.
	drone.send(inboundFrame{Type: frameTelemetry, Telemetry: &fleet.Telemetry{BatteryPercent: 71}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	second := got[1]
	mu.Unlock()
	assert.False(t, second.Timestamp.IsZero())
}

func TestRegisterFrameAnnouncesTheDrone(t *testing.T) {
	type announcement struct {
		id   string
		name string
		caps fleet.Capabilities
	}
	var mu sync.Mutex
	var seen []announcement
	register := func(id, name string, caps fleet.Capabilities) {
		mu.Lock()
		seen = append(seen, announcement{id, name, caps})
		mu.Unlock()
	}
	gw, url := newTestGateway(t, 64, nil, register)
	drone := dialDrone(t, gw, url, "d1")

	drone.send(inboundFrame{
		Type: frameRegister,
		Name: "Alpha",
		Capabilities: &fleet.Capabilities{
			MaxFlightTimeMinutes: 30,
			MaxAltitudeM:         120,
			SupportsRTL:          true,
		},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	a := seen[0]
	mu.Unlock()
	assert.Equal(t, "d1", a.id)
	assert.Equal(t, "Alpha", a.name)
	assert.True(t, a.caps.SupportsRTL)
	assert.Equal(t, 120.0, a.caps.MaxAltitudeM)
}

func TestEmergencyBypassesBusyNormalSlot(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialDrone(t, gw, url, "d1")

	normRes := make(chan transport.Result, 1)
	go func() {
		normRes <- gw.Send(context.Background(), "d1", transport.GotoWaypoint(fleet.Position{Lat: 1, Lon: 1, AltM: 50}), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	}()
	first, ok := drone.nextCommand(time.Second)
	require.True(t, ok)
	require.Equal(t, transport.KindGotoWaypoint, first.Kind)

	// The normal slot is held while the goto awaits its ack; an emergency
	// command must still go straight through.
	emRes := make(chan transport.Result, 1)
	go func() {
		emRes <- gw.Send(context.Background(), "d1", transport.EmergencyStop(), transport.PriorityEmergency, time.Now().Add(2*time.Second))
	}()
	second, ok := drone.nextCommand(time.Second)
	require.True(t, ok, "emergency frame was held back by the busy normal slot")
	require.Equal(t, transport.KindEmergencyStop, second.Kind)
	assert.Equal(t, transport.PriorityEmergency, second.Priority)

	drone.ack(second.ID, ackAccepted)
	assert.Equal(t, transport.ResultSent, waitResult(t, emRes))

	select {
	case res := <-normRes:
		t.Fatalf("normal send resolved before its ack: %v", res)
	default:
	}

	drone.ack(first.ID, ackAccepted)
	assert.Equal(t, transport.ResultSent, waitResult(t, normRes))
}

func TestSecondNormalSendWaitsForTheSlot(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialDrone(t, gw, url, "d1")

	firstRes := make(chan transport.Result, 1)
	go func() {
		firstRes <- gw.Send(context.Background(), "d1", transport.Takeoff(30), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	}()
	first, ok := drone.nextCommand(time.Second)
	require.True(t, ok)

	// The slot stays occupied until the first command is acked, so the
	// second send expires without a frame ever leaving the gateway.
	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(200*time.Millisecond))
	assert.Equal(t, transport.ResultTimeout, res)
	_, ok = drone.nextCommand(100 * time.Millisecond)
	assert.False(t, ok)

	drone.ack(first.ID, ackAccepted)
	assert.Equal(t, transport.ResultSent, waitResult(t, firstRes))
}

func TestDisconnectFailsInflightSends(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialDrone(t, gw, url, "d1")

	resCh := make(chan transport.Result, 1)
	go func() {
		resCh <- gw.Send(context.Background(), "d1", transport.Takeoff(30), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	}()
	_, ok := drone.nextCommand(time.Second)
	require.True(t, ok)

	drone.close()
	assert.Equal(t, transport.ResultUnreachable, waitResult(t, resCh))

	require.Eventually(t, func() bool { return gw.DroneCount() == 0 }, time.Second, 10*time.Millisecond)
	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(time.Second))
	assert.Equal(t, transport.ResultUnreachable, res)
}

func TestReconnectReplacesThePreviousConnection(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	oldConn := dialDrone(t, gw, url, "d1")
	newConn := dialAckingDrone(t, gw, url, "d1", ackAccepted)

	// The stale connection is closed as soon as the new one attaches.
	select {
	case <-oldConn.done:
	case <-time.After(time.Second):
		t.Fatalf("previous connection was not closed on reconnect")
	}
	require.Equal(t, []string{"d1"}, gw.Connected())

	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	assert.Equal(t, transport.ResultSent, res)
	_, ok := newConn.nextCommand(time.Second)
	assert.True(t, ok, "the command should arrive on the new connection")
}

func TestGlobalInflightCapAppliesAcrossDrones(t *testing.T) {
	gw, url := newTestGateway(t, 1, nil, nil)
	d1 := dialDrone(t, gw, url, "d1")
	d2 := dialDrone(t, gw, url, "d2")

	firstRes := make(chan transport.Result, 1)
	go func() {
		firstRes <- gw.Send(context.Background(), "d1", transport.Takeoff(30), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	}()
	first, ok := d1.nextCommand(time.Second)
	require.True(t, ok)

	// One unit in flight: the second send waits on the cap and never
	// reaches the other drone before its deadline.
	res := gw.Send(context.Background(), "d2", transport.Land(), transport.PriorityRoutine, time.Now().Add(200*time.Millisecond))
	assert.Equal(t, transport.ResultTimeout, res)
	_, ok = d2.nextCommand(100 * time.Millisecond)
	assert.False(t, ok)

	d1.ack(first.ID, ackAccepted)
	require.Equal(t, transport.ResultSent, waitResult(t, firstRes))

	secondRes := make(chan transport.Result, 1)
	go func() {
		secondRes <- gw.Send(context.Background(), "d2", transport.Land(), transport.PriorityRoutine, time.Now().Add(2*time.Second))
	}()
	frame, ok := d2.nextCommand(time.Second)
	require.True(t, ok)
	d2.ack(frame.ID, ackAccepted)
	assert.Equal(t, transport.ResultSent, waitResult(t, secondRes))
}

func TestMissingDroneIDRejected(t *testing.T) {
	_, url := newTestGateway(t, 64, nil, nil)

	resp, err := http.Get(url + "/drone-gateway")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopClosesConnections(t *testing.T) {
	gw, url := newTestGateway(t, 64, nil, nil)
	drone := dialAckingDrone(t, gw, url, "d1", ackAccepted)

	gw.Stop()
	select {
	case <-drone.done:
	case <-time.After(time.Second):
		t.Fatalf("drone connection survived Stop")
	}
	assert.Equal(t, 0, gw.DroneCount())

	res := gw.Send(context.Background(), "d1", transport.Land(), transport.PriorityRoutine, time.Now().Add(time.Second))
	assert.Equal(t, transport.ResultUnreachable, res)
}
