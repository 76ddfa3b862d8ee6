package gossip

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/federation"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type node struct {
	table  *qlearning.QTable
	merger *federation.Merger
	coord  *Coordinator
	pub    *recordingPublisher
}

func newNode(t *testing.T, id string, transport Transport, cfg Config, opts ...Option) *node {
	t.Helper()
	table, err := qlearning.New(id, qlearning.DefaultConfig())
	require.NoError(t, err)
	merger, err := federation.NewMerger(federation.DefaultConfig(), nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	opts = append([]Option{WithPublisher(pub)}, opts...)
	coord, err := NewCoordinator(cfg, table, merger, transport, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })
	return &node{table: table, merger: merger, coord: coord, pub: pub}
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.TickInterval = time.Hour
	cfg.PeerRateLimit = 0
	return cfg
}

func fill(table *qlearning.QTable, prefix string, n int) {
	for i := 0; i < n; i++ {
		s := qlearning.EncodeState(qlearning.QueryKPI, qlearning.ComplexitySimple, fmt.Sprintf("%s-%d", prefix, i), 0.75)
		for j := 0; j < 3; j++ {
			table.Update(s, qlearning.ActionDirectAnswer, 1, nil)
		}
	}
}

func requireConverged(t *testing.T, a, b *qlearning.QTable) {
	t.Helper()
	require.Eventually(t, func() bool {
		ea, eb := a.Export().Entries, b.Export().Entries
		if len(ea) != len(eb) {
			return false
		}
		for k := range ea {
			if _, ok := eb[k]; !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewCoordinator_Validation(t *testing.T) {
	table, err := qlearning.New("a", qlearning.DefaultConfig())
	require.NoError(t, err)
	merger, err := federation.NewMerger(federation.DefaultConfig(), nil)
	require.NoError(t, err)
	hub := NewMemoryHub()

	_, err = NewCoordinator(DefaultConfig(), nil, merger, hub)
	assert.Error(t, err)
	_, err = NewCoordinator(DefaultConfig(), table, nil, hub)
	assert.Error(t, err)
	_, err = NewCoordinator(DefaultConfig(), table, merger, nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.InteractionThreshold = 0
	_, err = NewCoordinator(bad, table, merger, hub)
	assert.Error(t, err)

	dotted, err := qlearning.New("agent.1", qlearning.DefaultConfig())
	require.NoError(t, err)
	_, err = NewCoordinator(DefaultConfig(), dotted, merger, hub)
	assert.ErrorIs(t, err, ErrInvalidAgentID)
}

func TestCoordinator_StartStopIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	n := newNode(t, "a", hub, quietConfig())
	ctx := context.Background()

	require.NoError(t, n.coord.Start(ctx))
	require.NoError(t, n.coord.Start(ctx))
	assert.True(t, n.coord.Running())

	require.NoError(t, n.coord.Stop())
	require.NoError(t, n.coord.Stop())
	assert.False(t, n.coord.Running())

	require.NoError(t, n.coord.Start(ctx))
	assert.True(t, n.coord.Running())
}

func TestCoordinator_AnnounceRequestResponse(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(a.table, "alpha", 5)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	a.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)

	assert.Equal(t, a.table.Version(), b.merger.LastMergedVersion("agent-a"))
	peers := a.coord.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "agent-b", peers[0].ID)
	assert.True(t, peers[0].Online)
	assert.Equal(t, 1, b.pub.count(events.TypePeerOnline))
	assert.Equal(t, 1, a.pub.count(events.TypeSync))
}

func TestCoordinator_BidirectionalConvergence(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(a.table, "alpha", 4)
	fill(b.table, "beta", 6)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	a.coord.SyncNow(ctx)
	b.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)
	assert.Equal(t, 10, a.table.Len())
}

func TestCoordinator_DeltaAfterInitialSync(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(a.table, "alpha", 2)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	a.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)

	fill(a.table, "later", 3)
	a.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)
	assert.Equal(t, 5, b.table.Len())
}

func TestCoordinator_RecordInteractionTriggersSync(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	cfg := quietConfig()
	cfg.InteractionThreshold = 3
	a := newNode(t, "agent-a", hub, cfg)

	assert.False(t, a.coord.RecordInteraction(ctx))
	assert.False(t, a.coord.RecordInteraction(ctx))
	assert.False(t, a.coord.RecordInteraction(ctx), "stopped coordinators do not sync")
	assert.Zero(t, a.coord.Stats().Syncs)

	require.NoError(t, a.coord.Start(ctx))
	assert.True(t, a.coord.RecordInteraction(ctx))
	st := a.coord.Stats()
	assert.Equal(t, uint64(1), st.Syncs)
	assert.Zero(t, st.Interactions)
}

func TestCoordinator_IntervalTriggersSync(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	clock := newFakeClock()
	cfg := quietConfig()
	cfg.Interval = time.Minute
	cfg.TickInterval = 5 * time.Millisecond
	a := newNode(t, "agent-a", hub, cfg, WithClock(clock.Now))
	require.NoError(t, a.coord.Start(ctx))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, a.coord.Stats().Syncs)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return a.coord.Stats().Syncs == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_MarksSilentPeersOffline(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	clock := newFakeClock()
	cfg := quietConfig()
	cfg.StalenessWindow = time.Minute
	a := newNode(t, "agent-a", hub, cfg, WithClock(clock.Now))
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(b.table, "beta", 1)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	b.coord.SyncNow(ctx)
	require.Eventually(t, func() bool { return a.coord.Stats().OnlinePeers == 1 }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	a.coord.sweep()
	st := a.coord.Stats()
	assert.Equal(t, 1, st.Peers)
	assert.Zero(t, st.OnlinePeers)
	assert.Equal(t, 1, a.pub.count(events.TypePeerOffline))
}

func TestCoordinator_DiscardsMalformedAndOwnMessages(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	require.NoError(t, a.coord.Start(ctx))

	require.NoError(t, hub.Send(ctx, "agent-a", []byte("garbage")))
	require.Eventually(t, func() bool { return a.coord.Stats().Malformed == 1 }, 2*time.Second, 5*time.Millisecond)

	a.coord.SyncNow(ctx)
	time.Sleep(20 * time.Millisecond)
	st := a.coord.Stats()
	assert.Zero(t, st.Peers, "own announcements are ignored")
	assert.Zero(t, st.Received)
}

func TestCoordinator_RateLimitedPeerIsDropped(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	clock := newFakeClock()
	cfg := quietConfig()
	cfg.PeerRateLimit = 1
	cfg.PeerBurst = 1
	a := newNode(t, "agent-a", hub, cfg, WithClock(clock.Now))
	require.NoError(t, a.coord.Start(ctx))

	codec, err := NewCodec(false)
	require.NoError(t, err)
	defer codec.Close()
	data, err := codec.Encode(Message{Type: MessageAnnounce, SenderID: "agent-x", Version: 0})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Send(ctx, "agent-a", data))
	}
	require.Eventually(t, func() bool {
		st := a.coord.Stats()
		return st.Received+st.Dropped == 3
	}, 2*time.Second, 5*time.Millisecond)

	st := a.coord.Stats()
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(2), st.Dropped)
}

// waitIdle waits until every message sent between nodes has been handled and
// no new traffic appears for one poll.
func waitIdle(t *testing.T, nodes ...*node) {
	t.Helper()
	var last uint64
	require.Eventually(t, func() bool {
		var sent, received uint64
		for _, n := range nodes {
			st := n.coord.Stats()
			sent += st.Sent
			received += st.Received
		}
		settled := sent == received && sent == last
		last = sent
		return settled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_IdleSyncOnlyAnnounces(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(a.table, "alpha", 20)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	a.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)
	waitIdle(t, a, b)

	version := a.table.Version()
	peers := a.coord.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, version, peers[0].SentVersion)

	merges := b.merger.Stats().Merges
	for i := 0; i < 3; i++ {
		sent := a.coord.Stats().Sent
		a.coord.SyncNow(ctx)
		waitIdle(t, a, b)
		assert.Equal(t, sent+1, a.coord.Stats().Sent, "round %d", i)
	}
	assert.Equal(t, merges, b.merger.Stats().Merges)
	assert.Equal(t, version, a.table.Version())
}

func TestCoordinator_RepeatedRoundsWithoutUpdatesAreStable(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(a.table, "alpha", 8)
	fill(b.table, "beta", 5)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	// The first rounds exchange the tables and then carry each side's merged
	// entries back to their origin.
	for i := 0; i < 2; i++ {
		a.coord.SyncNow(ctx)
		b.coord.SyncNow(ctx)
		waitIdle(t, a, b)
	}
	requireConverged(t, a.table, b.table)

	sentA, sentB := a.coord.Stats().Sent, b.coord.Stats().Sent
	mergesA, mergesB := a.merger.Stats().Merges, b.merger.Stats().Merges
	statsA, statsB := a.table.Stats(), b.table.Stats()
	assert.Equal(t, uint64(13*3), statsA.TotalVisits)
	assert.Equal(t, uint64(13*3), statsB.TotalVisits)

	const rounds = 4
	for i := 0; i < rounds; i++ {
		a.coord.SyncNow(ctx)
		b.coord.SyncNow(ctx)
		waitIdle(t, a, b)
	}

	assert.Equal(t, sentA+rounds, a.coord.Stats().Sent, "only announcements go out")
	assert.Equal(t, sentB+rounds, b.coord.Stats().Sent, "only announcements go out")
	assert.Equal(t, mergesA, a.merger.Stats().Merges)
	assert.Equal(t, mergesB, b.merger.Stats().Merges)
	assert.Equal(t, statsA.TotalVisits, a.table.Stats().TotalVisits)
	assert.Equal(t, statsB.TotalVisits, b.table.Stats().TotalVisits)
	assert.Equal(t, statsA.Version, a.table.Version())
	assert.Equal(t, statsB.Version, b.table.Version())
}

func TestCoordinator_ResyncsPeerThatLostItsTable(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	a := newNode(t, "agent-a", hub, quietConfig())
	b := newNode(t, "agent-b", hub, quietConfig())
	fill(b.table, "beta", 4)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))

	b.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)
	require.Eventually(t, func() bool {
		return a.merger.LastMergedVersion("agent-b") == b.table.Version()
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, b.coord.Stop())

	// Same agent id, fresh table at a lower version.
	reborn := newNode(t, "agent-b", hub, quietConfig())
	fill(reborn.table, "reborn", 1)
	require.Less(t, reborn.table.Version(), a.merger.LastMergedVersion("agent-b"))
	require.NoError(t, reborn.coord.Start(ctx))

	reborn.coord.SyncNow(ctx)
	require.Eventually(t, func() bool { return a.table.Len() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.merger.LastMergedVersion("agent-b") == reborn.table.Version()
	}, 2*time.Second, 5*time.Millisecond)
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(ev events.Event) {
	if ev.Type == events.TypeSync {
		panic("publisher failed")
	}
}

func TestCoordinator_PanicInLoopReleasesSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	clock := newFakeClock()
	cfg := quietConfig()
	cfg.Interval = time.Minute
	cfg.TickInterval = 5 * time.Millisecond
	a := newNode(t, "agent-a", hub, cfg, WithClock(clock.Now), WithPublisher(panickingPublisher{}))
	require.NoError(t, a.coord.Start(ctx))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return !a.coord.Running() }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		before := hub.Dropped()
		_ = hub.Send(ctx, "agent-a", []byte("garbage"))
		return hub.Dropped() == before+1
	}, 2*time.Second, 5*time.Millisecond, "inbox is gone after the loop dies")

	require.NoError(t, a.coord.Stop())
	require.NoError(t, a.coord.Start(ctx))
	assert.True(t, a.coord.Running())
}
