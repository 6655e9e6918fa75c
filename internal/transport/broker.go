// Package transport exposes the runtime over HTTP, WebSocket, and SSE, all
// speaking the rpc envelope contract, and owns the in-process event broker
// that fans appended events out to live subscribers.
package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/loom/internal/event"
)

// subscribeAll is the subscription key matching every event type.
const subscribeAll = "*"

// BrokerConfig tunes the broker's buffers.
type BrokerConfig struct {
	// EventBufferSize bounds the per-type replay ring. The oldest entry
	// is evicted when a publish finds the ring full.
	EventBufferSize int

	// SubscriberBuffer is each subscription's channel capacity. A
	// subscriber that falls this far behind loses events.
	SubscriberBuffer int
}

// DefaultBrokerConfig returns the broker defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		EventBufferSize:  256,
		SubscriberBuffer: 64,
	}
}

// Broker is the single in-process pub/sub hub. Publishing never blocks: slow
// subscribers drop events, counted in Drops.
type Broker struct {
	cfg BrokerConfig

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffers map[string][]event.Event

	dropped atomic.Uint64
}

// NewBroker creates an empty broker.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultBrokerConfig().EventBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultBrokerConfig().SubscriberBuffer
	}

	return &Broker{
		cfg:     cfg,
		subs:    make(map[string]map[*Subscription]struct{}),
		buffers: make(map[string][]event.Event),
	}
}

// Publish buffers the event and pushes it to every live subscriber of its
// type. It implements authctx.Publisher, so the runtime can hand appended
// events straight to the broker.
func (b *Broker) Publish(ctx context.Context, ev event.Event) {
	b.mu.Lock()
	ring := b.buffers[ev.Type]
	if len(ring) >= b.cfg.EventBufferSize {
		ring = ring[1:]
		b.dropped.Add(1)
	}
	b.buffers[ev.Type] = append(ring, ev)

	targets := make([]*Subscription, 0,
		len(b.subs[ev.Type])+len(b.subs[subscribeAll]))
	for sub := range b.subs[ev.Type] {
		targets = append(targets, sub)
	}
	for sub := range b.subs[subscribeAll] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(ev) {
			b.dropped.Add(1)
			log.TraceS(ctx, "Subscriber behind, dropping event",
				"event_type", ev.Type, "event_id", ev.ID)
		}
	}
}

// BufferedSince returns buffered events with timestamp at or after since,
// oldest first. With no types given, every type's buffer is scanned.
func (b *Broker) BufferedSince(since time.Time,
	types ...string) []event.Event {

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []event.Event
	appendRing := func(ring []event.Event) {
		for _, ev := range ring {
			if !ev.Timestamp.Before(since) {
				out = append(out, ev)
			}
		}
	}

	if len(types) == 0 {
		for _, ring := range b.buffers {
			appendRing(ring)
		}
	} else {
		for _, t := range types {
			appendRing(b.buffers[t])
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out
}

// BufferedAfter returns buffered events published after the event with the
// given ID, for resuming a dropped stream. An unknown ID yields nothing.
func (b *Broker) BufferedAfter(eventID string,
	types ...string) []event.Event {

	b.mu.RLock()
	var cutoff time.Time
	found := false
	for _, ring := range b.buffers {
		for _, ev := range ring {
			if ev.ID == eventID {
				cutoff = ev.Timestamp
				found = true
			}
		}
	}
	b.mu.RUnlock()

	if !found {
		return nil
	}

	all := b.BufferedSince(cutoff, types...)
	out := all[:0]
	for _, ev := range all {
		if ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}

	return out
}

// Drops reports how many events were evicted from rings or dropped on slow
// subscribers since the broker started.
func (b *Broker) Drops() uint64 {
	return b.dropped.Load()
}

// Subscribe creates a subscription delivering the given event types. With no
// types, every published event is delivered.
func (b *Broker) Subscribe(types ...string) *Subscription {
	sub := &Subscription{
		b:     b,
		ch:    make(chan event.Event, b.cfg.SubscriberBuffer),
		types: make(map[string]struct{}),
	}

	if len(types) == 0 {
		types = []string{subscribeAll}
	}
	for _, t := range types {
		sub.Add(t)
	}

	return sub
}

// Close drops every subscription. Buffers are retained for late reads.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make(map[*Subscription]struct{})
	for _, set := range b.subs {
		for sub := range set {
			subs[sub] = struct{}{}
		}
	}
	b.mu.Unlock()

	for sub := range subs {
		sub.Close()
	}
}

// Subscription is one subscriber's view of the broker: a buffered channel
// fed by Publish for every type the subscription covers.
type Subscription struct {
	b  *Broker
	ch chan event.Event

	mu     sync.Mutex
	types  map[string]struct{}
	closed bool
}

// deliver pushes one event without blocking. It reports false when the event
// was dropped (closed subscription or full buffer).
func (s *Subscription) deliver(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Events is the delivery channel. It closes when the subscription does.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Add extends the subscription to another event type.
func (s *Subscription) Add(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.types[eventType]; ok {
		return
	}
	s.types[eventType] = struct{}{}

	s.b.mu.Lock()
	if s.b.subs[eventType] == nil {
		s.b.subs[eventType] = make(map[*Subscription]struct{})
	}
	s.b.subs[eventType][s] = struct{}{}
	s.b.mu.Unlock()
}

// Remove drops one event type from the subscription.
func (s *Subscription) Remove(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	delete(s.types, eventType)

	s.b.mu.Lock()
	delete(s.b.subs[eventType], s)
	if len(s.b.subs[eventType]) == 0 {
		delete(s.b.subs, eventType)
	}
	s.b.mu.Unlock()
}

// Types returns the event types currently covered.
func (s *Subscription) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)

	return out
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	types := make([]string, 0, len(s.types))
	for t := range s.types {
		types = append(types, t)
	}
	s.types = make(map[string]struct{})
	s.mu.Unlock()

	s.b.mu.Lock()
	for _, t := range types {
		delete(s.b.subs[t], s)
		if len(s.b.subs[t]) == 0 {
			delete(s.b.subs, t)
		}
	}
	s.b.mu.Unlock()

	close(s.ch)
}
