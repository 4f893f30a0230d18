package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SubscribeResult is the outcome of a subscribe() call (spec §4.2).
type SubscribeResult string

const (
	SubscribeACK               SubscribeResult = "ACK"
	SubscribeUnknownChannel     SubscribeResult = "UNKNOWN_CHANNEL"
	SubscribeAlreadySubscribed SubscribeResult = "ALREADY_SUBSCRIBED"
)

// UnsubscribeResult is the outcome of an unsubscribe() call. Mirrors
// SubscribeResult: an unknown channel is an error reply, a channel the
// connection was never subscribed to still ACKs with an empty result
// (spec §4.2).
type UnsubscribeResult string

const (
	UnsubscribeACK           UnsubscribeResult = "ACK"
	UnsubscribeNotSubscribed UnsubscribeResult = "NOT_SUBSCRIBED"
	UnsubscribeUnknownChannel UnsubscribeResult = "UNKNOWN_CHANNEL"
)

// Connection is the minimal surface the Subscription Registry needs
// from a live WebSocket. Transport owns the concrete socket and hands
// the registry a non-owning reference implementing this interface
// (spec §9: "weak references for sockets").
type Connection interface {
	// ID uniquely identifies this connection for the lifetime of the
	// process; used as map identity since sockets are not comparable
	// the way the registry needs across reaping.
	ID() string
	// Send delivers a single outbound frame. A non-nil error marks the
	// connection dead; the registry closes it and drops its subs.
	Send(data []byte) error
	// Close tears down the underlying transport.
	Close() error
	// Alive reports whether the connection is still usable; used by
	// the periodic reaper sweep.
	Alive() bool
}

// Event is a single channel-scoped payload pushed to subscribers.
type Event struct {
	Channel string
	Data    any
}

// SubscriptionRegistry maps channel -> set of live connections and
// fans out published events to them (spec §4.2). One instance is owned
// by the DEX Core / Transport pair; all mutation is serialized by its
// internal mutex (the surrounding process is itself single-threaded per
// spec §5, but the registry is also called from the WS read-loop
// goroutines Transport spawns per connection, so it defends itself).
type SubscriptionRegistry struct {
	log *logrus.Entry

	mu           sync.Mutex
	channels     map[string]bool // declared/known channel names
	subscribers  map[string]map[string]Connection // channel -> connID -> conn
	connChannels map[string]map[string]bool       // connID -> channel set, for reaping/unregister-all

	reapInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// NewSubscriptionRegistry constructs a registry that recognises exactly
// the given channel names (spec §6: channel names are adapter-defined
// but must include ORDER and TRADE where applicable).
func NewSubscriptionRegistry(channels []string, log *logrus.Logger) *SubscriptionRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	known := make(map[string]bool, len(channels))
	for _, c := range channels {
		known[c] = true
	}
	return &SubscriptionRegistry{
		log:          log.WithField("component", "subscription_registry"),
		channels:     known,
		subscribers:  make(map[string]map[string]Connection),
		connChannels: make(map[string]map[string]bool),
		reapInterval: 5 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Subscribe registers conn on channel. Duplicate subscribes are a
// no-op that still returns ACK (spec §4.2).
func (r *SubscriptionRegistry) Subscribe(conn Connection, channel string) SubscribeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.channels[channel] {
		return SubscribeUnknownChannel
	}
	if r.subscribers[channel] == nil {
		r.subscribers[channel] = make(map[string]Connection)
	}
	if _, already := r.subscribers[channel][conn.ID()]; already {
		return SubscribeACK
	}
	r.subscribers[channel][conn.ID()] = conn
	if r.connChannels[conn.ID()] == nil {
		r.connChannels[conn.ID()] = make(map[string]bool)
	}
	r.connChannels[conn.ID()][channel] = true
	return SubscribeACK
}

// Unsubscribe removes conn from channel. Idempotent: a channel the
// connection was never subscribed to is not an error, only an unknown
// channel name is (spec §4.2, mirroring Subscribe).
func (r *SubscriptionRegistry) Unsubscribe(conn Connection, channel string) UnsubscribeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.channels[channel] {
		return UnsubscribeUnknownChannel
	}
	if _, subscribed := r.subscribers[channel][conn.ID()]; !subscribed {
		return UnsubscribeNotSubscribed
	}
	r.unsubscribeLocked(conn.ID(), channel)
	return UnsubscribeACK
}

func (r *SubscriptionRegistry) unsubscribeLocked(connID, channel string) {
	if subs, ok := r.subscribers[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.subscribers, channel)
		}
	}
	if chans, ok := r.connChannels[connID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.connChannels, connID)
		}
	}
}

// DropConnection removes conn from every channel it was subscribed to,
// called by Transport on WS close/error (spec §4.1 WebSocket lifecycle).
func (r *SubscriptionRegistry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.connChannels[connID] {
		if subs, ok := r.subscribers[channel]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.subscribers, channel)
			}
		}
	}
	delete(r.connChannels, connID)
}

// Publish delivers event.Data to every current subscriber of
// event.Channel, in publication order for that channel (spec §4.2).
// A send failure closes that one connection and drops its subscriptions
// without affecting delivery to other subscribers.
func (r *SubscriptionRegistry) Publish(event Event) {
	r.mu.Lock()
	subs := r.subscribers[event.Channel]
	targets := make([]Connection, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	frame := JSONRPCSubscriptionFrame(event.Channel, event.Data)
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.log.WithError(err).WithField("channel", event.Channel).Warn("publish: dead subscriber, dropping")
			_ = c.Close()
			r.DropConnection(c.ID())
		}
	}
}

// Broadcast publishes event.Data to every channel conn is currently
// subscribed to (spec §4.2 broadcast()).
func (r *SubscriptionRegistry) Broadcast(conn Connection, data any) {
	r.mu.Lock()
	channels := make([]string, 0, len(r.connChannels[conn.ID()]))
	for ch := range r.connChannels[conn.ID()] {
		channels = append(channels, ch)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		r.Publish(Event{Channel: ch, Data: data})
	}
}

// Channels lists the registry's recognised channel names.
func (r *SubscriptionRegistry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for c := range r.channels {
		out = append(out, c)
	}
	return out
}

// SubscriberCount reports how many live connections are subscribed to
// channel, used by tests.
func (r *SubscriptionRegistry) SubscriberCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers[channel])
}

// RunReaper sweeps every 5s (spec §4.2) dropping connections that report
// themselves no longer alive. Transport's own close handling normally
// beats the reaper to it; this is the backstop for connections that
// died without a clean close event.
func (r *SubscriptionRegistry) RunReaper() {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *SubscriptionRegistry) reapOnce() {
	r.mu.Lock()
	dead := make([]Connection, 0)
	seen := make(map[string]bool)
	for _, subs := range r.subscribers {
		for id, c := range subs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !c.Alive() {
				dead = append(dead, c)
			}
		}
	}
	r.mu.Unlock()
	for _, c := range dead {
		_ = c.Close()
		r.DropConnection(c.ID())
	}
}

// Stop halts the reaper goroutine started by RunReaper.
func (r *SubscriptionRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
