package gossip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrInvalidAgentID is returned when an agent id cannot be used as a transport address.
var ErrInvalidAgentID = errors.New("invalid agent id")

// Transport moves encoded sync messages between agents. Sends are
// fire-and-forget: a nil error means the message was handed off, not delivered.
type Transport interface {
	// Broadcast sends data to every subscribed agent.
	Broadcast(ctx context.Context, data []byte) error
	// Send sends data to a single agent.
	Send(ctx context.Context, peerID string, data []byte) error
	// Subscribe delivers broadcasts and messages addressed to agentID to handler.
	Subscribe(agentID string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// DefaultSubjectPrefix is the NATS subject root for sync traffic.
const DefaultSubjectPrefix = "elexd.sync"

// NATSTransport carries sync messages over core NATS subjects:
// <prefix>.broadcast for announcements and <prefix>.agent.<id> for direct messages.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSTransport, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSTransport{nc: nc, prefix: prefix, logger: logger}, nil
}

func (t *NATSTransport) broadcastSubject() string {
	return t.prefix + ".broadcast"
}

func (t *NATSTransport) agentSubject(id string) string {
	return t.prefix + ".agent." + id
}

// Broadcast publishes to the broadcast subject.
func (t *NATSTransport) Broadcast(_ context.Context, data []byte) error {
	if err := t.nc.Publish(t.broadcastSubject(), data); err != nil {
		return fmt.Errorf("publishing broadcast: %w", err)
	}
	return nil
}

// Send publishes to the peer's direct subject.
func (t *NATSTransport) Send(_ context.Context, peerID string, data []byte) error {
	if err := ValidateAgentID(peerID); err != nil {
		return err
	}
	if err := t.nc.Publish(t.agentSubject(peerID), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", peerID, err)
	}
	return nil
}

// Subscribe listens on the broadcast subject and agentID's direct subject.
func (t *NATSTransport) Subscribe(agentID string, handler func(data []byte)) (func() error, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	cb := func(m *nats.Msg) { handler(m.Data) }

	bsub, err := t.nc.Subscribe(t.broadcastSubject(), cb)
	if err != nil {
		return nil, fmt.Errorf("subscribing to broadcast: %w", err)
	}
	dsub, err := t.nc.Subscribe(t.agentSubject(agentID), cb)
	if err != nil {
		_ = bsub.Unsubscribe()
		return nil, fmt.Errorf("subscribing to direct subject: %w", err)
	}
	t.logger.Debug("sync transport subscribed",
		zap.String("agent_id", agentID),
		zap.String("broadcast_subject", t.broadcastSubject()),
		zap.String("direct_subject", t.agentSubject(agentID)))

	return func() error {
		return errors.Join(bsub.Unsubscribe(), dsub.Unsubscribe())
	}, nil
}

// ValidateAgentID checks that id is a single NATS subject token.
func ValidateAgentID(id string) error {
	if id == "" || strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	return nil
}

// MemoryHub connects agents in one process. Each subscriber gets a buffered
// inbox drained by its own goroutine; a full inbox drops the message.
type MemoryHub struct {
	mu      sync.RWMutex
	inboxes map[string]*memoryInbox
	dropped uint64
}

type memoryInbox struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// memoryInboxSize is the per-agent buffer.
const memoryInboxSize = 256

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{inboxes: make(map[string]*memoryInbox)}
}

// Broadcast delivers to every subscriber.
func (h *MemoryHub) Broadcast(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, in := range h.inboxes {
		h.deliverLocked(in, data)
	}
	return nil
}

// Send delivers to one subscriber. Unknown peers are silently dropped.
func (h *MemoryHub) Send(_ context.Context, peerID string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if in, ok := h.inboxes[peerID]; ok {
		h.deliverLocked(in, data)
	} else {
		h.dropped++
	}
	return nil
}

func (h *MemoryHub) deliverLocked(in *memoryInbox, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case in.ch <- buf:
	default:
		h.dropped++
	}
}

// Subscribe registers agentID. A second subscription for the same id replaces the first.
func (h *MemoryHub) Subscribe(agentID string, handler func(data []byte)) (func() error, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	in := &memoryInbox{
		ch:   make(chan []byte, memoryInboxSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.inboxes[agentID]; ok {
		old.close()
	}
	h.inboxes[agentID] = in
	h.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-in.ch:
				handler(data)
			case <-in.done:
				return
			}
		}
	}()

	return func() error {
		h.mu.Lock()
		if cur, ok := h.inboxes[agentID]; ok && cur == in {
			delete(h.inboxes, agentID)
		}
		h.mu.Unlock()
		in.close()
		return nil
	}, nil
}

func (in *memoryInbox) close() {
	in.once.Do(func() { close(in.done) })
}

// Dropped returns the number of messages lost to full inboxes or unknown peers.
func (h *MemoryHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
