package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(data []byte) {
	i.mu.Lock()
	i.msgs = append(i.msgs, string(data))
	i.mu.Unlock()
}

func (i *inbox) list() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("agent-1"))
	for _, id := range []string{"", "a.b", "a*", "a>", "a b"} {
		assert.ErrorIs(t, ValidateAgentID(id), ErrInvalidAgentID, id)
	}
}

func TestNATSTransport_BroadcastAndSend(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()

	ta, err := NewNATSTransport(connect(t, server), "", nil)
	require.NoError(t, err)
	tb, err := NewNATSTransport(connect(t, server), "", nil)
	require.NoError(t, err)

	var boxA, boxB inbox
	unsubA, err := ta.Subscribe("a", boxA.add)
	require.NoError(t, err)
	unsubB, err := tb.Subscribe("b", boxB.add)
	require.NoError(t, err)
	require.NoError(t, ta.nc.Flush())
	require.NoError(t, tb.nc.Flush())

	require.NoError(t, ta.Broadcast(ctx, []byte("hello")))
	require.NoError(t, ta.Send(ctx, "b", []byte("direct")))

	require.Eventually(t, func() bool { return len(boxB.list()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"hello", "direct"}, boxB.list())
	require.Eventually(t, func() bool { return len(boxA.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, boxA.list())

	assert.ErrorIs(t, ta.Send(ctx, "b.c", []byte("x")), ErrInvalidAgentID)

	require.NoError(t, unsubA())
	require.NoError(t, unsubB())
}

func TestNewNATSTransport_RequiresConnection(t *testing.T) {
	_, err := NewNATSTransport(nil, "", nil)
	assert.Error(t, err)
}

func TestCoordinator_OverNATS(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()

	ta, err := NewNATSTransport(connect(t, server), "test.sync", nil)
	require.NoError(t, err)
	tb, err := NewNATSTransport(connect(t, server), "test.sync", nil)
	require.NoError(t, err)

	cfg := quietConfig()
	cfg.Compress = true
	a := newNode(t, "agent-a", ta, cfg)
	b := newNode(t, "agent-b", tb, cfg)
	fill(a.table, "alpha", 20)
	fill(b.table, "beta", 3)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	require.NoError(t, ta.nc.Flush())
	require.NoError(t, tb.nc.Flush())

	a.coord.SyncNow(ctx)
	b.coord.SyncNow(ctx)
	requireConverged(t, a.table, b.table)
	assert.Equal(t, 23, b.table.Len())
}

func TestMemoryHub_DropsUnknownPeers(t *testing.T) {
	hub := NewMemoryHub()
	require.NoError(t, hub.Send(context.Background(), "nobody", []byte("x")))
	assert.Equal(t, uint64(1), hub.Dropped())

	var box inbox
	unsub, err := hub.Subscribe("a", box.add)
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(context.Background(), []byte("y")))
	require.Eventually(t, func() bool { return len(box.list()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, unsub())
	require.NoError(t, hub.Send(context.Background(), "a", []byte("z")))
	assert.Equal(t, uint64(2), hub.Dropped())
}
