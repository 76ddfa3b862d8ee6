package storage

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
	"github.com/fyrsmithlabs/elexd/internal/trajectory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTable(t *testing.T, agentID string) *qlearning.QTable {
	t.Helper()
	table, err := qlearning.New(agentID, qlearning.DefaultConfig())
	require.NoError(t, err)
	s := qlearning.EncodeState(qlearning.QueryParameter, qlearning.ComplexitySimple, "activation threshold", 0.5)
	table.Update(s, qlearning.ActionDirectAnswer, 1, nil)
	table.Update(s, qlearning.ActionDirectAnswer, 1, nil)
	table.Update(s, qlearning.ActionEscalate, -0.5, nil)
	return table
}

func sampleTrajectory(t *testing.T, agentID string, reward float64) *trajectory.Trajectory {
	t.Helper()
	b := trajectory.NewBuilder(agentID, nil)
	s := qlearning.EncodeState(qlearning.QueryCounter, qlearning.ComplexityModerate, "drop counter", 0.75)
	require.NoError(t, b.AddStep(s, qlearning.ActionContextAnswer, reward, nil))
	tr, err := b.Build(reward > 0)
	require.NoError(t, err)
	return tr
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestQTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	table := sampleTable(t, "agent-a")

	require.NoError(t, s.SaveQTable(ctx, table.Export()))
	snap, err := s.LoadQTable(ctx, "agent-a")
	require.NoError(t, err)

	want := table.Export()
	assert.Equal(t, want.Version, snap.Version)
	assert.Equal(t, want.Epsilon, snap.Epsilon)
	require.Len(t, snap.Entries, len(want.Entries))
	for k, e := range want.Entries {
		got := snap.Entries[k]
		assert.Equal(t, e.Value, got.Value, k)
		assert.Equal(t, e.Visits, got.Visits, k)
		assert.True(t, e.LastUpdated.Equal(got.LastUpdated), k)
	}

	restored, err := qlearning.New("agent-a", qlearning.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, restored.Import(snap))
	assert.Equal(t, table.Len(), restored.Len())
}

func TestLoadMissing(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	_, err := s.LoadQTable(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadTrajectories(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadDetectorWeights(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentIDRequired(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	assert.Error(t, s.SaveQTable(ctx, qlearning.Snapshot{}))
	_, err := s.LoadTrajectories(ctx, "")
	assert.Error(t, err)
	assert.Error(t, s.SaveDetectorWeights(ctx, "", nil))
}

func TestTrajectoriesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	list := []*trajectory.Trajectory{
		sampleTrajectory(t, "agent-a", 1.2),
		sampleTrajectory(t, "agent-a", -0.4),
	}

	require.NoError(t, s.SaveTrajectories(ctx, "agent-a", list))
	got, err := s.LoadTrajectories(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range list {
		assert.Equal(t, list[i].ID(), got[i].ID())
		assert.InDelta(t, list[i].TotalReward(), got[i].TotalReward(), 1e-12)
		assert.Equal(t, list[i].Outcome(), got[i].Outcome())
		assert.Equal(t, list[i].Steps()[0].State, got[i].Steps()[0].State)
		assert.Equal(t, list[i].Steps()[0].Action, got[i].Steps()[0].Action)
	}
}

func TestDetectorWeightsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	weights := [][]float64{{0.1, 0.2}, {0.3, 0.4}}

	require.NoError(t, s.SaveDetectorWeights(ctx, "agent-a", weights))
	got, err := s.LoadDetectorWeights(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, weights, got)
}

func TestAgentsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, s.SaveQTable(ctx, sampleTable(t, "agent-a").Export()))
	require.NoError(t, s.SaveDetectorWeights(ctx, "agent-a", [][]float64{{1}}))
	require.NoError(t, s.SaveQTable(ctx, sampleTable(t, "agent-b").Export()))

	agents, err := s.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, agents)

	require.NoError(t, s.DeleteAgent(ctx, "agent-a"))
	agents, err = s.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, agents)
}

func TestCancelledContext(t *testing.T) {
	s := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveQTable(ctx, sampleTable(t, "agent-a").Export()), context.Canceled)
	_, err := s.LoadQTable(ctx, "agent-a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodecReadsBothFormats(t *testing.T) {
	plain, err := newValueCodec(false)
	require.NoError(t, err)
	defer plain.close()
	packed, err := newValueCodec(true)
	require.NoError(t, err)
	defer packed.close()

	in := map[string]int{"a": 1, "b": 2}
	raw, err := plain.encode(in)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, raw[0])
	zipped, err := packed.encode(in)
	require.NoError(t, err)
	assert.Equal(t, formatZstdJSON, zipped[0])

	for _, data := range [][]byte{raw, zipped} {
		var out map[string]int
		require.NoError(t, plain.decode(data, &out))
		assert.Equal(t, in, out)
		out = nil
		require.NoError(t, packed.decode(data, &out))
		assert.Equal(t, in, out)
	}

	var out map[string]int
	assert.ErrorIs(t, plain.decode(nil, &out), errUnknownFormat)
	assert.ErrorIs(t, plain.decode([]byte{9, '{', '}'}, &out), errUnknownFormat)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = time.Hour

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	table := sampleTable(t, "agent-a")
	require.NoError(t, s.SaveQTable(ctx, table.Export()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, dir, s.Path())
	snap, err := s.LoadQTable(ctx, "agent-a")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, table.Len())
}

func TestGCRunner(t *testing.T) {
	s := openMemory(t)

	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(s.db, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(s.db, time.Second, 1.5, nil)
	assert.Error(t, err)

	r, err := NewGCRunner(s.db, time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	r.Start()
	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r.Stop()

	idle, err := NewGCRunner(s.db, time.Second, 0.5, nil)
	require.NoError(t, err)
	idle.Stop()
}
