// Package events provides the listener registry shared by the intelligence components.
//
// A Bus is constructed explicitly and passed to the components that publish on it.
// Handlers run synchronously on the publishing goroutine, in subscription order.
// A handler that panics or returns an error is logged and skipped; the remaining
// handlers still run.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies the kind of event.
type Type string

const (
	TypeQUpdate            Type = "q_update"
	TypeActionSelected     Type = "action_selected"
	TypeMerge              Type = "merge"
	TypeAnomaly            Type = "anomaly"
	TypePatternMatch       Type = "pattern_match"
	TypePatternStored      Type = "pattern_stored"
	TypePatternEvicted     Type = "pattern_evicted"
	TypeTrajectoryComplete Type = "trajectory_complete"
	TypeEpsilonDecayed     Type = "epsilon_decayed"
	TypePeerOnline         Type = "peer_online"
	TypePeerOffline        Type = "peer_offline"
	TypeSync               Type = "sync"
)

// Event is a single notification from a component.
type Event struct {
	ID        string
	Type      Type
	AgentID   string
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives events. A returned error is logged, never propagated.
type Handler func(ev Event) error

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(ev Event)
}

type subscription struct {
	id      string
	handler Handler
	types   map[Type]struct{}
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is an in-process listener registry.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	logger *zap.Logger
	now    func() time.Time

	published atomic.Uint64
	failures  atomic.Uint64
}

// NewBus creates a Bus. A nil logger disables failure logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger.Named("events"),
		now:    time.Now,
	}
}

// Subscribe registers handler for the given types, or for every type when none
// are given. It returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	sub := &subscription{
		id:      uuid.New().String(),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription. It reports whether the id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers ev to every matching handler. Missing ID and Timestamp are filled in.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range matched {
		if err := b.invoke(sub, ev); err != nil {
			b.failures.Add(1)
			b.logger.Warn("event listener failed",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return sub.handler(ev)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the number of published events and failed handler invocations.
func (b *Bus) Stats() (published, failures uint64) {
	return b.published.Load(), b.failures.Load()
}

// Close drops every subscription. Publishing on a closed bus is a no-op. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
