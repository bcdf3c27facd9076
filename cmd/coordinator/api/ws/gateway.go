// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package ws serves the operator stream: a WebSocket endpoint bridging
// the in-process bus to remote consoles. Clients manage their topic set
// with subscribe/unsubscribe frames and receive every bus message
// published to those topics, in per-topic publish order. A client that
// cannot keep up is dropped by the bus and told so before the socket
// closes.
package ws

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/skysar/fleet-coordinator/pkg/bus"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait bounds how long a silent client stays attached; the
	// server pings well inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

// Server frame types. Topic messages are forwarded as-is and carry the
// bus message type instead.
const (
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	framePong         = "pong"
	frameDropped      = "subscriber_dropped"
)

type clientFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Topics []string `json:"topics"`
	} `json:"payload"`
}

type serverFrame struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type topicList struct {
	Topics []string `json:"topics"`
}

// Gateway upgrades operator connections and runs one session per
// socket.
type Gateway struct {
	bus      *bus.FanOutBus
	clock    clock.Clock
	upgrader websocket.Upgrader
}

// NewGateway returns a Gateway streaming from b.
func NewGateway(b *bus.FanOutBus, clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		bus:   b,
		clock: clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is left to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves it until either side
// closes. The read side runs in the handler goroutine.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws: upgrade failed: %v", err)
		return
	}

	s := &session{
		id:      "operator-" + uuid.New().String(),
		conn:    conn,
		bus:     g.bus,
		clock:   g.clock,
		leaving: atomic.NewBool(false),
	}
	// Subscribing with no topics up front gives the session a stable
	// channel; subscribe frames only grow the topic set.
	s.sub = g.bus.Subscribe(s.id, nil)

	log.Infof("ws: %s connected from %s", s.id, conn.RemoteAddr())
	go s.forwardLoop()
	s.readLoop()
}

// session is one operator connection. The read loop owns teardown of
// client-initiated closes; the forward loop owns teardown when the bus
// closes the subscription first.
type session struct {
	id    string
	conn  *websocket.Conn
	bus   *bus.FanOutBus
	clock clock.Clock
	sub   *bus.Subscription

	writeMu sync.Mutex
	leaving *atomic.Bool
}

func (s *session) readLoop() {
	defer func() {
		s.leaving.Store(true)
		s.bus.Unsubscribe(s.id)
		s.conn.Close()
		log.Infof("ws: %s disconnected", s.id)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("ws: %s read error: %v", s.id, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// A bad frame is the client's problem, not a reason to
			// tear down the stream.
			log.Debugf("ws: %s sent malformed frame: %v", s.id, err)
			continue
		}
		s.handle(frame)
	}
}

func (s *session) handle(frame clientFrame) {
	switch frame.Type {
	case frameSubscribe:
		s.bus.Subscribe(s.id, frame.Payload.Topics)
		s.reply(frameSubscribed, topicList{Topics: s.topics()})
	case frameUnsubscribe:
		s.bus.UnsubscribeTopics(s.id, frame.Payload.Topics)
		s.reply(frameUnsubscribed, topicList{Topics: s.topics()})
	case framePing:
		s.reply(framePong, nil)
	default:
		log.Debugf("ws: %s sent unknown frame type %q", s.id, frame.Type)
	}
}

func (s *session) topics() []string {
	topics := s.sub.Topics()
	sort.Strings(topics)
	return topics
}

// forwardLoop pushes bus messages to the socket and keeps the
// connection alive with pings. It exits when the subscription channel
// closes or a write fails; in the latter case the read loop notices the
// dead socket and cleans up.
func (s *session) forwardLoop() {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case msg, ok := <-s.sub.C():
			if !ok {
				s.finish()
				return
			}
			if !s.write(msg) {
				return
			}
		case <-pinger.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// finish handles the bus closing the subscription from its side: a lag
// drop or a coordinator shutdown. The client tearing the socket down
// itself closes the channel too, through Unsubscribe, and needs no
// farewell.
func (s *session) finish() {
	if s.leaving.Load() {
		return
	}

	code := websocket.CloseGoingAway
	reason := "coordinator shutting down"
	if drops := s.sub.Drops(); drops > 0 {
		code = websocket.CloseTryAgainLater
		reason = "dropped: subscriber lagging"
		s.reply(frameDropped, bus.SubscriberDropped{
			ClientID:   s.id,
			TotalDrops: drops,
		})
	}

	deadline := time.Now().Add(writeTimeout)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline) //nolint:errcheck
	s.conn.Close()
}

func (s *session) write(v interface{}) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		log.Debugf("ws: %s write failed: %v", s.id, err)
		return false
	}
	return true
}

func (s *session) reply(msgType string, payload interface{}) {
	s.write(serverFrame{
		Type:      msgType,
		Payload:   payload,
		Timestamp: s.clock.Now().UTC(),
	})
}
