package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

func newTable(t *testing.T, agentID string) *qlearning.QTable {
	t.Helper()
	table, err := qlearning.New(agentID, qlearning.DefaultConfig())
	require.NoError(t, err)
	return table
}

func newMerger(t *testing.T, cfg Config) *Merger {
	t.Helper()
	m, err := NewMerger(cfg, nil)
	require.NoError(t, err)
	return m
}

func st(ctx string) qlearning.State {
	return qlearning.EncodeState(qlearning.QueryCounter, qlearning.ComplexitySimple, ctx, 0.25)
}

func key(ctx string, a qlearning.Action) string {
	return qlearning.EntryKey(st(ctx), a)
}

func TestRelativeDifference(t *testing.T) {
	assert.Equal(t, 0.0, RelativeDifference(0, 0))
	assert.InDelta(t, 0.0, RelativeDifference(1, 1), 1e-12)
	assert.InDelta(t, 2.0/3.0, RelativeDifference(1, 2), 1e-12)
	assert.InDelta(t, 2.0, RelativeDifference(-1, 1), 1e-12)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Strategy = "median"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinConfidence = 1
	assert.Error(t, cfg.Validate())
}

func TestMerge_Rules(t *testing.T) {
	local := newTable(t, "local")
	local.Update(st("shared"), qlearning.ActionDirectAnswer, 1, nil) // 0.1, 1 visit
	local.Update(st("close"), qlearning.ActionDirectAnswer, 1, nil)  // 0.1, 1 visit
	m := newMerger(t, DefaultConfig())

	peer := PeerInfo{
		AgentID: "peer",
		Version: 7,
		Entries: map[string]qlearning.Entry{
			key("shared", qlearning.ActionDirectAnswer): {Value: 0.7, Visits: 3},
			key("close", qlearning.ActionDirectAnswer):  {Value: 0.101, Visits: 3},
			key("new", qlearning.ActionEscalate):        {Value: -0.4, Visits: 2},
			key("weak", qlearning.ActionEscalate):       {Value: 5, Visits: 0},
		},
	}

	stats := m.Merge(local, peer)

	assert.Equal(t, 1, stats.Merged)
	assert.Equal(t, 1, stats.Adopted)
	assert.Equal(t, 1, stats.SkippedInsignificant)
	assert.Equal(t, 1, stats.SkippedLowConfidence)
	assert.Equal(t, 2, stats.Changed())

	shared, ok := local.Entry(st("shared"), qlearning.ActionDirectAnswer)
	require.True(t, ok)
	assert.InDelta(t, (0.1*1+0.7*3)/4, shared.Value, 1e-12)
	assert.Equal(t, uint64(4), shared.Visits)

	adopted, ok := local.Entry(st("new"), qlearning.ActionEscalate)
	require.True(t, ok)
	assert.Equal(t, -0.4, adopted.Value)
	assert.Equal(t, uint64(2), adopted.Visits)

	closeEntry, _ := local.Entry(st("close"), qlearning.ActionDirectAnswer)
	assert.InDelta(t, 0.1, closeEntry.Value, 1e-12)
	assert.Equal(t, uint64(1), closeEntry.Visits)

	_, ok = local.Entry(st("weak"), qlearning.ActionEscalate)
	assert.False(t, ok)

	assert.Equal(t, uint64(7), m.LastMergedVersion("peer"))
	_, ok = m.LastSync("peer")
	assert.True(t, ok)
}

func TestMerge_Idempotent(t *testing.T) {
	local := newTable(t, "local")
	local.Update(st("a"), qlearning.ActionDirectAnswer, 1, nil)
	m := newMerger(t, DefaultConfig())

	peer := PeerInfo{
		AgentID: "peer",
		Version: 3,
		Entries: map[string]qlearning.Entry{
			key("a", qlearning.ActionDirectAnswer): {Value: 0.9, Visits: 5},
			key("b", qlearning.ActionConsultPeer):  {Value: 0.3, Visits: 2},
		},
	}

	first := m.Merge(local, peer)
	require.Equal(t, 2, first.Changed())
	afterFirst := local.Export()

	second := m.Merge(local, peer)
	assert.Zero(t, second.Changed())
	assert.Equal(t, 2, second.AlreadyReflected)
	assert.Equal(t, afterFirst, local.Export())
}

func TestMerge_OnlyFreshVisitsAreFolded(t *testing.T) {
	local := newTable(t, "local")
	local.Update(st("a"), qlearning.ActionDirectAnswer, 1, nil)
	m := newMerger(t, DefaultConfig())
	k := key("a", qlearning.ActionDirectAnswer)

	m.Merge(local, PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{k: {Value: 1, Visits: 3}}})
	e, _ := local.Entry(st("a"), qlearning.ActionDirectAnswer)
	require.Equal(t, uint64(4), e.Visits)

	m.Merge(local, PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{k: {Value: 0.2, Visits: 5}}})
	e2, _ := local.Entry(st("a"), qlearning.ActionDirectAnswer)
	assert.Equal(t, uint64(6), e2.Visits)
	assert.InDelta(t, (e.Value*4+0.2*2)/6, e2.Value, 1e-12)
}

func TestMerge_Monotonic(t *testing.T) {
	local := newTable(t, "local")
	for i := 0; i < 10; i++ {
		local.Update(st("a"), qlearning.ActionDirectAnswer, 1, nil)
	}
	local.Update(st("b"), qlearning.ActionEscalate, -1, nil)
	before := local.Export()
	m := newMerger(t, DefaultConfig())

	m.Merge(local, PeerInfo{
		AgentID: "peer",
		Entries: map[string]qlearning.Entry{
			key("a", qlearning.ActionDirectAnswer): {Value: -3, Visits: 2},
			key("b", qlearning.ActionEscalate):     {Value: 2, Visits: 50},
			key("c", qlearning.ActionEscalate):     {Value: 2, Visits: 1},
		},
	})

	after := local.Export()
	for k, prev := range before.Entries {
		cur, ok := after.Entries[k]
		require.True(t, ok)
		assert.GreaterOrEqual(t, cur.Visits, prev.Visits, k)
		assert.GreaterOrEqual(t, cur.Confidence(), prev.Confidence(), k)
	}
	assert.Greater(t, after.Version, before.Version)
}

func TestMerge_SkippedDriftAccumulates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SignificanceThreshold = 0.2
	local := newTable(t, "local")
	local.Update(st("a"), qlearning.ActionDirectAnswer, 10, nil) // 1.0
	m := newMerger(t, cfg)
	k := key("a", qlearning.ActionDirectAnswer)

	stats := m.Merge(local, PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{k: {Value: 1.1, Visits: 4}}})
	assert.Equal(t, 1, stats.SkippedInsignificant)

	stats = m.Merge(local, PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{k: {Value: 1.5, Visits: 6}}})
	require.Equal(t, 1, stats.Merged)

	e, _ := local.Entry(st("a"), qlearning.ActionDirectAnswer)
	assert.Equal(t, uint64(7), e.Visits, "all six peer visits are folded in once the drift is significant")
	assert.InDelta(t, (1.0*1+1.5*6)/7, e.Value, 1e-12)
}

func TestMerge_Strategies(t *testing.T) {
	for _, tc := range []struct {
		strategy Strategy
		want     float64
	}{
		{StrategyMaximum, 0.8},
		{StrategyMinimum, 0.1},
	} {
		t.Run(string(tc.strategy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Strategy = tc.strategy
			local := newTable(t, "local")
			local.Update(st("a"), qlearning.ActionDirectAnswer, 1, nil)
			m := newMerger(t, cfg)

			m.Merge(local, PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{
				key("a", qlearning.ActionDirectAnswer): {Value: 0.8, Visits: 3},
			}})
			assert.InDelta(t, tc.want, local.Get(st("a"), qlearning.ActionDirectAnswer), 1e-12)
		})
	}
}

func TestMerge_IgnoresOwnSnapshot(t *testing.T) {
	local := newTable(t, "local")
	local.Update(st("a"), qlearning.ActionDirectAnswer, 1, nil)
	m := newMerger(t, DefaultConfig())

	stats := m.Merge(local, NewPeerInfo(local, 0, time.Now()))
	assert.Zero(t, stats.Changed())
	assert.Equal(t, uint64(1), local.Version())
}

func TestSyncEndToEnd_DisjointTablesConverge(t *testing.T) {
	a := newTable(t, "agent-a")
	b := newTable(t, "agent-b")
	for i := 0; i < 3; i++ {
		a.Update(st("alpha"), qlearning.ActionDirectAnswer, 1, nil)
		b.Update(st("beta"), qlearning.ActionConsultPeer, 0.5, nil)
	}
	a.Update(st("alpha-2"), qlearning.ActionEscalate, -1, nil)

	ma := newMerger(t, DefaultConfig())
	mb := newMerger(t, DefaultConfig())

	ma.Merge(a, NewPeerInfo(b, 0, time.Now()))
	mb.Merge(b, NewPeerInfo(a, 0, time.Now()))

	ea, eb := a.Export().Entries, b.Export().Entries
	require.Len(t, ea, 3)
	require.Len(t, eb, 3)
	for k, va := range ea {
		vb, ok := eb[k]
		require.True(t, ok, k)
		assert.InDelta(t, va.Value, vb.Value, 1e-12, k)
		assert.Equal(t, va.Visits, vb.Visits, k)
	}
}

func TestDeltaSnapshot(t *testing.T) {
	a := newTable(t, "agent-a")
	a.Update(st("one"), qlearning.ActionDirectAnswer, 1, nil)
	watermark := a.Version()
	a.Update(st("two"), qlearning.ActionDirectAnswer, 1, nil)

	delta := NewPeerInfo(a, watermark, time.Now())
	assert.False(t, delta.Full)
	assert.Len(t, delta.Entries, 1)
	assert.Equal(t, a.Version(), delta.Version)

	full := NewPeerInfo(a, 0, time.Now())
	assert.True(t, full.Full)
	assert.Len(t, full.Entries, 2)
}

func TestMergerStatsAndForget(t *testing.T) {
	local := newTable(t, "local")
	m := newMerger(t, DefaultConfig())
	peer := PeerInfo{AgentID: "peer", Entries: map[string]qlearning.Entry{
		key("x", qlearning.ActionDirectAnswer): {Value: 1, Visits: 1},
	}}
	m.MergeMultiple(local, []PeerInfo{peer, peer})

	s := m.Stats()
	assert.Equal(t, uint64(2), s.Merges)
	assert.Equal(t, uint64(1), s.EntriesAdopted)
	assert.Equal(t, 1, s.KnownPeers)

	m.Forget("peer")
	assert.Zero(t, m.Stats().KnownPeers)
	assert.Zero(t, m.LastMergedVersion("peer"))
}

func TestMerge_EchoedVisitsAreNotRecounted(t *testing.T) {
	a := newTable(t, "agent-a")
	b := newTable(t, "agent-b")
	ma := newMerger(t, DefaultConfig())
	mb := newMerger(t, DefaultConfig())

	for i := 0; i < 10; i++ {
		a.Update(st("k"), qlearning.ActionDirectAnswer, 1, nil)
	}
	stats := mb.Merge(b, NewPeerInfo(a, 0, time.Now()))
	require.Equal(t, 1, stats.Adopted)

	for i := 0; i < 3; i++ {
		a.Update(st("k"), qlearning.ActionDirectAnswer, 1, nil)
	}
	before, _ := a.Entry(st("k"), qlearning.ActionDirectAnswer)
	require.Equal(t, uint64(13), before.Visits)

	stats = ma.Merge(a, NewPeerInfo(b, 0, time.Now()))
	assert.Zero(t, stats.Changed())
	assert.Equal(t, 1, stats.AlreadyReflected)

	after, _ := a.Entry(st("k"), qlearning.ActionDirectAnswer)
	assert.Equal(t, uint64(13), after.Visits)
	assert.Equal(t, before.Value, after.Value)

	// Visits b makes itself on top of the adopted ones are still fresh.
	b.Update(st("k"), qlearning.ActionDirectAnswer, -5, nil)
	b.Update(st("k"), qlearning.ActionDirectAnswer, -5, nil)
	stats = ma.Merge(a, NewPeerInfo(b, 0, time.Now()))
	require.Equal(t, 1, stats.Merged)

	merged, _ := a.Entry(st("k"), qlearning.ActionDirectAnswer)
	assert.Equal(t, uint64(15), merged.Visits)
	assert.Equal(t, map[string]uint64{"agent-b": 2}, merged.Imported)
}

func TestMerge_RelayedVisitsCountOncePerOrigin(t *testing.T) {
	a := newTable(t, "agent-a")
	b := newTable(t, "agent-b")
	c := newTable(t, "agent-c")
	mb := newMerger(t, DefaultConfig())
	mc := newMerger(t, DefaultConfig())

	for i := 0; i < 4; i++ {
		a.Update(st("k"), qlearning.ActionEscalate, 1, nil)
	}
	mb.Merge(b, NewPeerInfo(a, 0, time.Now()))
	mc.Merge(c, NewPeerInfo(b, 0, time.Now()))

	relayed, ok := c.Entry(st("k"), qlearning.ActionEscalate)
	require.True(t, ok)
	assert.Equal(t, uint64(4), relayed.Visits)
	assert.Equal(t, map[string]uint64{"agent-a": 4}, relayed.Imported)

	// a has made two more visits, with a value far enough off to merge.
	a.Update(st("k"), qlearning.ActionEscalate, -10, nil)
	a.Update(st("k"), qlearning.ActionEscalate, -10, nil)
	stats := mc.Merge(c, NewPeerInfo(a, 0, time.Now()))
	require.Equal(t, 1, stats.Merged)

	direct, _ := c.Entry(st("k"), qlearning.ActionEscalate)
	assert.Equal(t, uint64(6), direct.Visits, "only the two new visits from agent-a are added")
	assert.Equal(t, map[string]uint64{"agent-a": 6}, direct.Imported)
}
