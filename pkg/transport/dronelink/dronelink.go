// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package dronelink is the production transport: a WebSocket gateway
// drones dial into at /drone-gateway. Connected drones stream telemetry
// frames in; commands go out as JSON frames and are resolved by ack
// frames. Every drone has one normal and one emergency in-flight slot,
// so emergency traffic is never queued behind routine commands, and a
// weighted semaphore caps the gateway's total in-flight sends.
package dronelink

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/transport"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// TelemetrySink receives the telemetry frames relayed by connected
// drones, one call per frame.
type TelemetrySink func(fleet.Telemetry)

// RegisterSink is invoked when a drone announces itself with a register
// frame.
type RegisterSink func(id, name string, caps fleet.Capabilities)

// Frame types on the drone socket.
const (
	frameRegister  = "register"
	frameTelemetry = "telemetry"
	frameAck       = "ack"
	frameCommand   = "command"
)

// Ack results reported by drones.
const (
	ackAccepted = "accepted"
	ackRejected = "rejected"
)

// A silent drone is disconnected when neither a frame nor a pong
// arrives within pongWait.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type inboundFrame struct {
	Type         string              `json:"type"`
	Name         string              `json:"name,omitempty"`
	Capabilities *fleet.Capabilities `json:"capabilities,omitempty"`
	CommandID    string              `json:"command_id,omitempty"`
	Result       string              `json:"result,omitempty"`
	Telemetry    *fleet.Telemetry    `json:"telemetry,omitempty"`
}

type commandFrame struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id"`
	Kind     transport.Kind         `json:"kind"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Priority transport.Priority     `json:"priority"`
}

// Gateway accepts drone WebSocket connections and implements
// transport.Transport over them.
type Gateway struct {
	clock        clock.Clock
	telemetry    TelemetrySink
	register     RegisterSink
	writeTimeout time.Duration
	inflight     *semaphore.Weighted
	upgrader     websocket.Upgrader

	mu     sync.RWMutex
	drones map[string]*droneConn
}

// New returns a gateway feeding telemetry frames to telemetrySink and
// register frames to registerSink (either may be nil). A maxInflight of
// zero or less disables the global cap.
func New(clk clock.Clock, telemetrySink TelemetrySink, registerSink RegisterSink, maxInflight int64, writeTimeout time.Duration) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	var sem *semaphore.Weighted
	if maxInflight > 0 {
		sem = semaphore.NewWeighted(maxInflight)
	}
	return &Gateway{
		clock:        clk,
		telemetry:    telemetrySink,
		register:     registerSink,
		writeTimeout: writeTimeout,
		inflight:     sem,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Drones are machine clients; browser origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		drones: make(map[string]*droneConn),
	}
}

// NewFromConfig builds a gateway from the dronelink.* config keys.
func NewFromConfig(telemetrySink TelemetrySink, registerSink RegisterSink) *Gateway {
	return New(
		clock.New(),
		telemetrySink,
		registerSink,
		config.Coordinator.GetInt64("dronelink.max_inflight"),
		config.Coordinator.GetDuration("dronelink.write_timeout"),
	)
}

// ServeHTTP upgrades a drone connection. The drone identifies itself
// with the drone_id query parameter; the handler runs the read loop for
// the lifetime of the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	droneID := r.URL.Query().Get("drone_id")
	if droneID == "" {
		http.Error(w, "missing drone_id parameter", http.StatusBadRequest)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Errorf("dronelink: upgrade for drone %s failed: %v", droneID, err)
		return
	}

	c := newDroneConn(droneID, conn)
	g.attach(c)
	go c.writeLoop(g.writeTimeout)
	g.readLoop(c)
	g.detach(c)
}

// Send implements transport.Transport. The command is delivered as a
// JSON frame and resolved by the drone's ack; an unconnected drone is
// unreachable and a missing ack times out at the deadline.
func (g *Gateway) Send(ctx context.Context, droneID string, cmd transport.Command, priority transport.Priority, deadline time.Time) transport.Result {
	res := g.send(ctx, droneID, cmd, priority, deadline)
	metrics.TransportSends.WithLabelValues(string(res)).Inc()
	return res
}

func (g *Gateway) send(ctx context.Context, droneID string, cmd transport.Command, priority transport.Priority, deadline time.Time) transport.Result {
	c := g.lookup(droneID)
	if c == nil {
		return transport.ResultUnreachable
	}

	remaining := deadline.Sub(g.clock.Now())
	if remaining <= 0 {
		return transport.ResultTimeout
	}
	timer := g.clock.Timer(remaining)
	defer timer.Stop()

	if g.inflight != nil {
		if !g.acquireInflight(ctx, c, timer) {
			return transport.ResultTimeout
		}
		defer g.inflight.Release(1)
	}

	// One in-flight command per drone and class. Emergency commands have
	// their own slot and never wait behind routine traffic.
	slot, out := c.normalSlot, c.normalOut
	if priority >= transport.PriorityEmergency {
		slot, out = c.emergencySlot, c.emergencyOut
	}
	select {
	case <-slot:
	case <-timer.C:
		return transport.ResultTimeout
	case <-ctx.Done():
		return transport.ResultTimeout
	case <-c.closed:
		return transport.ResultUnreachable
	}
	defer func() { slot <- struct{}{} }()

	resCh := make(chan transport.Result, 1)
	c.addPending(cmd.ID, resCh)
	defer c.removePending(cmd.ID)

	frame := commandFrame{
		Type:     frameCommand,
		ID:       cmd.ID,
		Kind:     cmd.Kind,
		Params:   cmd.Params,
		Priority: priority,
	}
	select {
	case out <- frame:
	case <-timer.C:
		return transport.ResultTimeout
	case <-ctx.Done():
		return transport.ResultTimeout
	case <-c.closed:
		return transport.ResultUnreachable
	}

	select {
	case res := <-resCh:
		return res
	case <-timer.C:
		log.Debugf("dronelink: drone %s did not ack command %s (%s) before the deadline", c.id, cmd.ID, cmd.Kind)
		return transport.ResultTimeout
	case <-ctx.Done():
		return transport.ResultTimeout
	case <-c.closed:
		return transport.ResultUnreachable
	}
}

// acquireInflight takes one unit of the global in-flight cap, giving up
// when the send deadline passes or the connection goes away.
func (g *Gateway) acquireInflight(ctx context.Context, c *droneConn, timer *clock.Timer) bool {
	if g.inflight.TryAcquire(1) {
		return true
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	acquired := make(chan error, 1)
	go func() { acquired <- g.inflight.Acquire(acquireCtx, 1) }()
	select {
	case err := <-acquired:
		return err == nil
	case <-timer.C:
	case <-c.closed:
	}
	cancel()
	// The acquire may have won the race after all; give the unit back.
	if err := <-acquired; err == nil {
		g.inflight.Release(1)
	}
	return false
}

func (g *Gateway) lookup(droneID string) *droneConn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.drones[droneID]
}

func (g *Gateway) attach(c *droneConn) {
	g.mu.Lock()
	old := g.drones[c.id]
	g.drones[c.id] = c
	g.mu.Unlock()

	if old != nil {
		log.Infof("dronelink: drone %s reconnected, dropping the previous connection", c.id)
		old.close()
	} else {
		log.Infof("dronelink: drone %s connected from %s", c.id, c.conn.RemoteAddr())
	}
}

func (g *Gateway) detach(c *droneConn) {
	g.mu.Lock()
	// A reconnect may already have replaced this connection.
	if g.drones[c.id] == c {
		delete(g.drones, c.id)
	}
	g.mu.Unlock()

	c.close()
	log.Infof("dronelink: drone %s disconnected", c.id)
}

// readLoop consumes frames until the connection fails or is closed. A
// connection with no frame and no pong for pongWait is torn down.
func (g *Gateway) readLoop(c *droneConn) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f inboundFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("dronelink: drone %s connection lost: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case frameTelemetry:
			g.handleTelemetry(c, f.Telemetry)
		case frameAck:
			c.resolve(f.CommandID, f.Result)
		case frameRegister:
			g.handleRegister(c, f)
		default:
			log.Debugf("dronelink: drone %s sent unknown frame type %q", c.id, f.Type)
		}
	}
}

func (g *Gateway) handleTelemetry(c *droneConn, t *fleet.Telemetry) {
	if g.telemetry == nil || t == nil {
		return
	}
	tel := *t
	// A drone reports for itself, whatever the frame claims.
	tel.DroneID = c.id
	if tel.Timestamp.IsZero() {
		tel.Timestamp = g.clock.Now()
	}
	g.telemetry(tel)
}

func (g *Gateway) handleRegister(c *droneConn, f inboundFrame) {
	if g.register == nil {
		return
	}
	var caps fleet.Capabilities
	if f.Capabilities != nil {
		caps = *f.Capabilities
	}
	g.register(c.id, f.Name, caps)
	log.Infof("dronelink: drone %s registered (name %q)", c.id, f.Name)
}

// Connected returns the IDs of the currently connected drones, sorted.
func (g *Gateway) Connected() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.drones))
	for id := range g.drones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DroneCount returns the number of connected drones.
func (g *Gateway) DroneCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drones)
}

// Stop closes every drone connection. In-flight sends resolve
// unreachable.
func (g *Gateway) Stop() {
	g.mu.Lock()
	conns := make([]*droneConn, 0, len(g.drones))
	for _, c := range g.drones {
		conns = append(conns, c)
	}
	g.drones = make(map[string]*droneConn)
	g.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutting down")
	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.writeTimeout))
		c.close()
	}
	if len(conns) > 0 {
		log.Infof("dronelink: closed %d drone connection(s)", len(conns))
	}
}

// droneConn is one drone's socket plus its in-flight bookkeeping. The
// write loop is the only writer of data frames, consuming the emergency
// queue ahead of the normal one.
type droneConn struct {
	id   string
	conn *websocket.Conn

	normalSlot    chan struct{}
	emergencySlot chan struct{}
	normalOut     chan commandFrame
	emergencyOut  chan commandFrame

	mu      sync.Mutex
	pending map[string]chan transport.Result

	closed    chan struct{}
	closeOnce sync.Once
}

func newDroneConn(id string, conn *websocket.Conn) *droneConn {
	c := &droneConn{
		id:            id,
		conn:          conn,
		normalSlot:    make(chan struct{}, 1),
		emergencySlot: make(chan struct{}, 1),
		normalOut:     make(chan commandFrame, 1),
		emergencyOut:  make(chan commandFrame, 1),
		pending:       make(map[string]chan transport.Result),
		closed:        make(chan struct{}),
	}
	c.normalSlot <- struct{}{}
	c.emergencySlot <- struct{}{}
	return c
}

func (c *droneConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *droneConn) addPending(commandID string, ch chan transport.Result) {
	c.mu.Lock()
	c.pending[commandID] = ch
	c.mu.Unlock()
}

func (c *droneConn) removePending(commandID string) {
	c.mu.Lock()
	delete(c.pending, commandID)
	c.mu.Unlock()
}

func (c *droneConn) resolve(commandID, ackRes string) {
	c.mu.Lock()
	ch, ok := c.pending[commandID]
	delete(c.pending, commandID)
	c.mu.Unlock()
	if !ok {
		log.Debugf("dronelink: drone %s acked unknown command %s", c.id, commandID)
		return
	}
	switch ackRes {
	case ackAccepted, "":
		ch <- transport.ResultSent
	case ackRejected:
		ch <- transport.ResultRejected
	default:
		log.Debugf("dronelink: drone %s ack for %s carried unknown result %q", c.id, commandID, ackRes)
		ch <- transport.ResultRejected
	}
}

// writeLoop serializes writes on the socket, draining emergency frames
// before normal ones. A write failure tears the connection down.
func (c *droneConn) writeLoop(writeTimeout time.Duration) {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case f := <-c.emergencyOut:
			if !c.writeFrame(f, writeTimeout) {
				return
			}
			continue
		case <-c.closed:
			return
		default:
		}

		select {
		case f := <-c.emergencyOut:
			if !c.writeFrame(f, writeTimeout) {
				return
			}
		case f := <-c.normalOut:
			if !c.writeFrame(f, writeTimeout) {
				return
			}
		case <-pinger.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Warnf("dronelink: ping to drone %s failed: %v", c.id, err)
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *droneConn) writeFrame(f commandFrame, writeTimeout time.Duration) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		log.Warnf("dronelink: write to drone %s failed: %v", c.id, err)
		c.close()
		return false
	}
	return true
}
