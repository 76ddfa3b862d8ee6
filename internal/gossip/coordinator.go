package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/federation"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

// Config controls sync triggers and peer bookkeeping.
type Config struct {
	// Interval is the longest time between announcements.
	Interval time.Duration
	// InteractionThreshold triggers an announcement after this many interactions.
	InteractionThreshold int
	// TickInterval is how often the loop checks the interval and sweeps peers.
	TickInterval time.Duration
	// StalenessWindow marks silent peers offline.
	StalenessWindow time.Duration
	// MaxPeers bounds the peer table.
	MaxPeers int
	// Fanout is the number of lagging peers pushed a delta per sync round.
	Fanout int
	// Compress enables zstd compression of entry payloads.
	Compress bool
	// PeerRateLimit is the inbound message budget per peer per second. Zero disables it.
	PeerRateLimit float64
	PeerBurst     int
}

// DefaultConfig returns the standard sync settings.
func DefaultConfig() Config {
	return Config{
		Interval:             60 * time.Second,
		InteractionThreshold: 10,
		TickInterval:         time.Second,
		StalenessWindow:      5 * time.Minute,
		MaxPeers:             64,
		Fanout:               3,
		PeerRateLimit:        20,
		PeerBurst:            40,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.InteractionThreshold <= 0 {
		return fmt.Errorf("interaction threshold must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive")
	}
	if c.Fanout < 0 {
		return fmt.Errorf("fanout must be non-negative")
	}
	return nil
}

// Stats reports coordinator activity.
type Stats struct {
	Running      bool      `json:"running"`
	Peers        int       `json:"peers"`
	OnlinePeers  int       `json:"online_peers"`
	Sent         uint64    `json:"sent"`
	Received     uint64    `json:"received"`
	Dropped      uint64    `json:"dropped"`
	Malformed    uint64    `json:"malformed"`
	Syncs        uint64    `json:"syncs"`
	Interactions int       `json:"pending_interactions"`
	LastSync     time.Time `json:"last_sync"`
}

// Coordinator runs the announce/request/response/delta protocol for one agent.
//
// Sending never waits for a reply: an announcement makes lagging peers send a
// request, which is answered with a response or delta that the peer merges
// when it arrives. Lost messages are recovered on the next announcement
// because receivers ask for everything after the last version they merged.
//
// Thread Safety: all methods are safe for concurrent use. Start and Stop are idempotent.
type Coordinator struct {
	cfg       Config
	agentID   string
	table     *qlearning.QTable
	merger    *federation.Merger
	transport Transport
	codec     *Codec
	peers     *PeerTable
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// mu guards the lifecycle and trigger state below.
	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	unsubscribe  func() error
	interactions int
	lastSync     time.Time

	sent      atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	syncs     atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now for triggers and staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRand sets the source used to pick fanout peers.
func WithRand(r *rand.Rand) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.rng = r
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator wires the protocol for table's owner.
//
// Parameters:
//   - cfg: trigger, peer and compression settings
//   - table: the local Q-table; its agent id is the sender id on the wire
//   - merger: applies inbound snapshots to table
//   - transport: carries encoded messages
//
// Returns an error if a dependency is missing, the agent id is not a valid
// transport address, or cfg is invalid.
func NewCoordinator(cfg Config, table *qlearning.QTable, merger *federation.Merger, transport Transport, opts ...Option) (*Coordinator, error) {
	if table == nil {
		return nil, fmt.Errorf("q-table cannot be nil")
	}
	if merger == nil {
		return nil, fmt.Errorf("merger cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if err := ValidateAgentID(table.AgentID()); err != nil {
		return nil, err
	}
	codec, err := NewCodec(cfg.Compress)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		agentID:   table.AgentID(),
		table:     table,
		merger:    merger,
		transport: transport,
		codec:     codec,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.peers = NewPeerTable(cfg.MaxPeers, cfg.StalenessWindow, cfg.PeerRateLimit, cfg.PeerBurst, c.now)
	return c, nil
}

// Start subscribes to the transport and launches the periodic loop.
// Calling Start on a running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	unsub, err := c.transport.Subscribe(c.agentID, func(data []byte) { c.handle(ctx, data) })
	if err != nil {
		return fmt.Errorf("subscribing to sync transport: %w", err)
	}

	c.unsubscribe = unsub
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	c.lastSync = c.now()

	c.logger.Info("sync coordinator started",
		zap.String("agent_id", c.agentID),
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("interaction_threshold", c.cfg.InteractionThreshold))

	go c.run(ctx, c.stopCh, c.doneCh)
	return nil
}

// Stop halts the loop, waits for it to exit and unsubscribes. Calling Stop on
// a stopped coordinator is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	done, unsub := c.doneCh, c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	<-done
	var err error
	if unsub != nil {
		err = unsub()
	}
	c.logger.Info("sync coordinator stopped", zap.String("agent_id", c.agentID))
	return err
}

// Close stops the coordinator and releases the codec.
func (c *Coordinator) Close() error {
	err := c.Stop()
	c.codec.Close()
	return err
}

// Running reports whether the loop is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sync loop panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			c.mu.Lock()
			c.running = false
			unsub := c.unsubscribe
			c.unsubscribe = nil
			c.mu.Unlock()
			if unsub != nil {
				if err := unsub(); err != nil {
					c.logger.Warn("unsubscribing after panic failed", zap.Error(err))
				}
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	c.sweep()

	c.mu.Lock()
	due := c.now().Sub(c.lastSync) >= c.cfg.Interval
	c.mu.Unlock()
	if due {
		c.SyncNow(ctx)
	}
}

func (c *Coordinator) sweep() {
	for _, id := range c.peers.Sweep() {
		c.logger.Info("peer marked offline", zap.String("agent_id", c.agentID), zap.String("peer_id", id))
		c.publisher.Publish(events.Event{
			Type:    events.TypePeerOffline,
			AgentID: c.agentID,
			Data:    map[string]any{"peer_id": id},
		})
	}
}

// RecordInteraction counts one local interaction. When the threshold is
// reached on a running coordinator it syncs immediately and returns true.
func (c *Coordinator) RecordInteraction(ctx context.Context) bool {
	c.mu.Lock()
	c.interactions++
	due := c.running && c.interactions >= c.cfg.InteractionThreshold
	c.mu.Unlock()
	if !due {
		return false
	}
	c.SyncNow(ctx)
	return true
}

// SyncNow announces the local version and pushes deltas to up to Fanout
// online peers that have not been sent it yet. It resets both triggers.
func (c *Coordinator) SyncNow(ctx context.Context) {
	c.mu.Lock()
	c.interactions = 0
	c.lastSync = c.now()
	c.mu.Unlock()

	version := c.table.Version()
	c.broadcast(ctx, Message{Type: MessageAnnounce, Version: version})

	behind := c.peers.Behind(version)
	c.rngMu.Lock()
	c.rng.Shuffle(len(behind), func(i, j int) { behind[i], behind[j] = behind[j], behind[i] })
	c.rngMu.Unlock()
	if len(behind) > c.cfg.Fanout {
		behind = behind[:c.cfg.Fanout]
	}
	for _, p := range behind {
		c.sendSnapshot(ctx, p.ID, p.SentVersion)
	}

	c.syncs.Add(1)
	syncsTotal.Inc()
	c.publisher.Publish(events.Event{
		Type:    events.TypeSync,
		AgentID: c.agentID,
		Data: map[string]any{
			"version": version,
			"pushed":  len(behind),
		},
	})
}

func (c *Coordinator) handle(ctx context.Context, data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.malformed.Add(1)
		messagesTotal.WithLabelValues("unknown", "malformed").Inc()
		c.logger.Debug("discarding malformed sync message", zap.Error(err))
		return
	}
	if msg.SenderID == c.agentID {
		return
	}

	obs := c.peers.Observe(msg.SenderID, msg.Version)
	if obs.Evicted != "" {
		c.logger.Debug("peer table full, evicted least recently seen",
			zap.String("agent_id", c.agentID),
			zap.String("evicted_peer_id", obs.Evicted))
	}
	if obs.CameOnline {
		c.publisher.Publish(events.Event{
			Type:    events.TypePeerOnline,
			AgentID: c.agentID,
			Data:    map[string]any{"peer_id": msg.SenderID},
		})
	}
	if !obs.Allowed {
		c.dropped.Add(1)
		messagesTotal.WithLabelValues(string(msg.Type), "dropped").Inc()
		return
	}
	c.received.Add(1)
	messagesTotal.WithLabelValues(string(msg.Type), "received").Inc()

	switch msg.Type {
	case MessageAnnounce:
		known := c.merger.LastMergedVersion(msg.SenderID)
		if msg.Version < known {
			// The peer lost its table; start over from a full snapshot.
			c.logger.Info("peer version went backwards, resyncing",
				zap.String("agent_id", c.agentID),
				zap.String("peer_id", msg.SenderID),
				zap.Uint64("announced", msg.Version),
				zap.Uint64("last_merged", known))
			c.merger.Forget(msg.SenderID)
			known = 0
		}
		if msg.Version > known {
			c.send(ctx, msg.SenderID, Message{Type: MessageRequest, Version: c.table.Version(), Since: known})
		}
	case MessageRequest:
		c.sendSnapshot(ctx, msg.SenderID, msg.Since)
	case MessageResponse, MessageDelta:
		stats := c.merger.Merge(c.table, federation.PeerInfo{
			AgentID:  msg.SenderID,
			Version:  msg.Version,
			Entries:  msg.Entries,
			Full:     msg.Type == MessageResponse,
			LastSync: c.now(),
		})
		mergedEntriesTotal.Add(float64(stats.Changed()))
		c.logger.Debug("applied peer snapshot",
			zap.String("agent_id", c.agentID),
			zap.String("peer_id", msg.SenderID),
			zap.String("type", string(msg.Type)),
			zap.Int("entries", len(msg.Entries)),
			zap.Int("changed", stats.Changed()))
	}
}

// sendSnapshot sends a response (since == 0) or a delta with entries changed
// after since, and on success moves the peer's sent watermark to the
// snapshot version.
func (c *Coordinator) sendSnapshot(ctx context.Context, peerID string, since uint64) {
	snap := c.table.SnapshotSince(since)
	typ := MessageDelta
	if since == 0 {
		typ = MessageResponse
	}
	if c.send(ctx, peerID, Message{Type: typ, Version: snap.Version, Entries: snap.Entries}) {
		c.peers.MarkSent(peerID, snap.Version)
	}
}

func (c *Coordinator) broadcast(ctx context.Context, msg Message) {
	data, ok := c.encode(msg)
	if !ok {
		return
	}
	if err := c.transport.Broadcast(ctx, data); err != nil {
		c.logger.Debug("sync broadcast failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	c.sent.Add(1)
	messagesTotal.WithLabelValues(string(msg.Type), "sent").Inc()
}

func (c *Coordinator) send(ctx context.Context, peerID string, msg Message) bool {
	data, ok := c.encode(msg)
	if !ok {
		return false
	}
	if err := c.transport.Send(ctx, peerID, data); err != nil {
		c.logger.Debug("sync send failed",
			zap.String("peer_id", peerID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return false
	}
	c.sent.Add(1)
	messagesTotal.WithLabelValues(string(msg.Type), "sent").Inc()
	payloadBytes.WithLabelValues(string(msg.Type)).Observe(float64(len(data)))
	return true
}

func (c *Coordinator) encode(msg Message) ([]byte, bool) {
	msg.SenderID = c.agentID
	msg.Timestamp = c.now()
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Warn("encoding sync message failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return nil, false
	}
	return data, true
}

// Peers returns the known peers sorted by id.
func (c *Coordinator) Peers() []Peer {
	return c.peers.List()
}

// Stats returns a point-in-time summary.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		Running:      c.running,
		Interactions: c.interactions,
		LastSync:     c.lastSync,
	}
	c.mu.Unlock()
	st.Peers, st.OnlinePeers = c.peers.Counts()
	st.Sent = c.sent.Load()
	st.Received = c.received.Load()
	st.Dropped = c.dropped.Load()
	st.Malformed = c.malformed.Load()
	st.Syncs = c.syncs.Load()
	return st
}
