// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package bus implements the in-process topic fan-out used to stream
// telemetry, mission state and alerts to subscribers. Publishing never
// blocks: a subscriber whose queue is full loses the message, and a
// subscriber that keeps lagging is dropped from the bus entirely with a
// subscriber_dropped alert.
package bus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/skysar/fleet-coordinator/pkg/metrics"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

// Reserved topics.
const (
	TopicTelemetry      = "telemetry"
	TopicMissionUpdates = "mission_updates"
	TopicAIDecisions    = "ai_decisions"
	TopicAlerts         = "alerts"
	TopicDetections     = "detections"
)

// Message is a single fan-out payload. Type names the payload shape so
// stream clients can decode it without knowing the topic it came from.
type Message struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriberDropped is the alert payload published when the bus removes
// a subscriber that could not keep up.
type SubscriberDropped struct {
	ClientID        string `json:"client_id"`
	Topic           string `json:"topic"`
	ConsecutiveLags int    `json:"consecutive_lags"`
	TotalDrops      uint64 `json:"total_drops"`
}

type enqueueOutcome int

const (
	enqueueOK enqueueOutcome = iota
	enqueueDropped
	enqueueTerminate
	enqueueGone
)

// Subscription is one client's bounded view of the bus. Messages are
// consumed from C; the channel is closed when the client unsubscribes,
// the bus stops, or the bus drops the client for lagging.
type Subscription struct {
	clientID string

	mu       sync.Mutex
	ch       chan Message
	topics   map[string]struct{}
	closed   bool
	lagged   int       // consecutive failed enqueues
	lagSince time.Time // start of the current lag streak
	drops    *atomic.Uint64
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// ClientID returns the subscriber's client id.
func (s *Subscription) ClientID() string {
	return s.clientID
}

// Drops returns the number of messages dropped for this subscriber.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// Topics returns the topics the subscription currently covers.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscription) enqueue(m Message, now time.Time, maxLags int, maxBacklogAge time.Duration) enqueueOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return enqueueGone
	}

	select {
	case s.ch <- m:
		s.lagged = 0
		s.lagSince = time.Time{}
		return enqueueOK
	default:
	}

	s.drops.Inc()
	s.lagged++
	if s.lagSince.IsZero() {
		s.lagSince = now
	}
	if s.lagged >= maxLags || now.Sub(s.lagSince) >= maxBacklogAge {
		s.closed = true
		close(s.ch)
		return enqueueTerminate
	}
	return enqueueDropped
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// topicEntry serializes publishes per topic so every subscriber of the
// topic observes the same publish order.
type topicEntry struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (e *topicEntry) add(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.subs {
		if existing == s {
			return
		}
	}
	subs := make([]*Subscription, len(e.subs), len(e.subs)+1)
	copy(subs, e.subs)
	e.subs = append(subs, s)
}

func (e *topicEntry) remove(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, existing := range e.subs {
		if existing != s {
			subs = append(subs, existing)
		}
	}
	e.subs = subs
}

// FanOutBus is the topic-addressed publish/subscribe fabric.
type FanOutBus struct {
	queueSize     int
	maxLags       int
	maxBacklogAge time.Duration
	clock         clock.Clock

	mu      sync.RWMutex
	subs    map[string]*Subscription
	topics  map[string]*topicEntry
	stopped bool
}

// NewFanOutBus returns a bus with per-subscriber queues of queueSize.
// A subscriber is dropped after maxLags consecutive lost messages or
// after lagging without interruption for maxBacklogAge.
func NewFanOutBus(queueSize, maxLags int, maxBacklogAge time.Duration, clk clock.Clock) *FanOutBus {
	if clk == nil {
		clk = clock.New()
	}
	return &FanOutBus{
		queueSize:     queueSize,
		maxLags:       maxLags,
		maxBacklogAge: maxBacklogAge,
		clock:         clk,
		subs:          make(map[string]*Subscription),
		topics:        make(map[string]*topicEntry),
	}
}

// Subscribe attaches clientID to the given topics and returns its
// subscription. Subscribing an existing client adds topics to its
// existing subscription; the queue is not resized or reset.
func (b *FanOutBus) Subscribe(clientID string, topics []string) *Subscription {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		sub := &Subscription{
			clientID: clientID,
			ch:       make(chan Message),
			topics:   map[string]struct{}{},
			closed:   true,
			drops:    atomic.NewUint64(0),
		}
		close(sub.ch)
		return sub
	}

	sub, ok := b.subs[clientID]
	if !ok {
		sub = &Subscription{
			clientID: clientID,
			ch:       make(chan Message, b.queueSize),
			topics:   make(map[string]struct{}, len(topics)),
			drops:    atomic.NewUint64(0),
		}
		b.subs[clientID] = sub
		metrics.BusSubscribers.Inc()
	}

	entries := make([]*topicEntry, 0, len(topics))
	for _, t := range topics {
		entry, ok := b.topics[t]
		if !ok {
			entry = &topicEntry{}
			b.topics[t] = entry
		}
		entries = append(entries, entry)
	}
	b.mu.Unlock()

	sub.mu.Lock()
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	sub.mu.Unlock()

	for _, entry := range entries {
		entry.add(sub)
	}
	return sub
}

// UnsubscribeTopics detaches clientID from the given topics, keeping
// the subscription alive for the rest.
func (b *FanOutBus) UnsubscribeTopics(clientID string, topics []string) {
	b.mu.RLock()
	sub, ok := b.subs[clientID]
	entries := make([]*topicEntry, 0, len(topics))
	if ok {
		for _, t := range topics {
			if entry, ok := b.topics[t]; ok {
				entries = append(entries, entry)
			}
		}
	}
	b.mu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	for _, t := range topics {
		delete(sub.topics, t)
	}
	sub.mu.Unlock()

	for _, entry := range entries {
		entry.remove(sub)
	}
}

// Unsubscribe removes the client entirely and closes its channel.
func (b *FanOutBus) Unsubscribe(clientID string) {
	b.mu.Lock()
	sub, ok := b.subs[clientID]
	if ok {
		delete(b.subs, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.detachAll(sub)
	if sub.close() {
		metrics.BusSubscribers.Dec()
	}
}

func (b *FanOutBus) detachAll(sub *Subscription) {
	b.mu.RLock()
	entries := make([]*topicEntry, 0, len(b.topics))
	for _, entry := range b.topics {
		entries = append(entries, entry)
	}
	b.mu.RUnlock()
	for _, entry := range entries {
		entry.remove(sub)
	}
}

// Publish delivers a message to every subscriber of the topic without
// ever blocking on them. Lagging subscribers lose the message; a
// subscriber over the lag limit is removed and a subscriber_dropped
// alert is published.
func (b *FanOutBus) Publish(topic, msgType string, payload interface{}) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return
	}
	entry := b.topics[topic]
	b.mu.RUnlock()

	metrics.BusPublished.WithLabelValues(topic).Inc()
	if entry == nil {
		return
	}

	msg := Message{
		Topic:     topic,
		Type:      msgType,
		Payload:   payload,
		Timestamp: b.clock.Now().UTC(),
	}

	var terminated []*Subscription
	now := b.clock.Now()

	entry.mu.Lock()
	for _, sub := range entry.subs {
		switch sub.enqueue(msg, now, b.maxLags, b.maxBacklogAge) {
		case enqueueDropped:
			metrics.BusDropped.WithLabelValues(topic).Inc()
		case enqueueTerminate:
			metrics.BusDropped.WithLabelValues(topic).Inc()
			terminated = append(terminated, sub)
		}
	}
	entry.mu.Unlock()

	for _, sub := range terminated {
		b.mu.Lock()
		delete(b.subs, sub.clientID)
		b.mu.Unlock()
		b.detachAll(sub)
		metrics.BusSubscribers.Dec()

		sub.mu.Lock()
		lags := sub.lagged
		sub.mu.Unlock()

		log.Warnf("dropping bus subscriber %q: lagged %d consecutive messages on topic %q", sub.clientID, lags, topic)
		b.Publish(TopicAlerts, "subscriber_dropped", SubscriberDropped{
			ClientID:        sub.clientID,
			Topic:           topic,
			ConsecutiveLags: lags,
			TotalDrops:      sub.drops.Load(),
		})
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *FanOutBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// TopicSubscriberCount returns the number of subscribers of one topic.
func (b *FanOutBus) TopicSubscriberCount(topic string) int {
	b.mu.RLock()
	entry := b.topics[topic]
	b.mu.RUnlock()
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.subs)
}

// Stop closes every subscription. Buffered messages remain readable
// until each subscriber drains its channel.
func (b *FanOutBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.topics = make(map[string]*topicEntry)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.close() {
			metrics.BusSubscribers.Dec()
		}
	}
	log.Debugf("fan-out bus stopped, %d subscriptions closed", len(subs))
}
