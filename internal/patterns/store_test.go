package patterns

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/hnsw"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

const testDim = 8

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type captured struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captured) Publish(ev events.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captured) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(max int) Config {
	cfg := DefaultConfig()
	cfg.MaxPatterns = max
	cfg.Index.Dimension = testDim
	return cfg
}

func newStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithRand(rand.New(rand.NewSource(1)))}
	s, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func axis(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

func blend(i, j int, w float32) []float32 {
	v := make([]float32, testDim)
	v[i] = 1 - w
	v[j] = w
	n := float32(math.Sqrt(float64(v[i]*v[i] + v[j]*v[j])))
	v[i] /= n
	v[j] /= n
	return v
}

func record(ctx string, emb []float32, success bool) Record {
	return Record{
		State:     qlearning.EncodeState(qlearning.QueryParameter, qlearning.ComplexitySimple, ctx, 0.5),
		Action:    qlearning.ActionDirectAnswer,
		Context:   ctx,
		Success:   success,
		Embedding: emb,
	}
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	pub := &captured{}
	s := newStore(t, testConfig(10), WithPublisher(pub))

	id, err := s.Store(ctx, record("threshold", axis(0), true))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "threshold", p.Context)
	assert.Equal(t, OutcomeSuccess, p.Outcome)
	assert.Zero(t, p.UsageCount)
	assert.Len(t, pub.ofType(events.TypePatternStored), 1)

	p.Embedding[0] = 99
	again, _ := s.Get(id)
	assert.Equal(t, float32(1), again.Embedding[0])

	_, err = s.Store(ctx, record("bad", []float32{1}, true))
	assert.ErrorIs(t, err, hnsw.ErrDimensionMismatch)
}

func TestSearchIncrementsUsage(t *testing.T) {
	ctx := context.Background()
	pub := &captured{}
	s := newStore(t, testConfig(10), WithPublisher(pub))

	near, err := s.Store(ctx, record("near", axis(0), true))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("far", axis(3), true))
	require.NoError(t, err)

	matches, err := s.Search(ctx, blend(0, 1, 0.1), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, near, matches[0].Pattern.ID)
	assert.Equal(t, uint64(1), matches[0].Pattern.UsageCount)

	p, _ := s.Get(near)
	assert.Equal(t, uint64(1), p.UsageCount)
	assert.False(t, p.LastUsed.IsZero())
	assert.Len(t, pub.ofType(events.TypePatternMatch), 1)

	_, err = s.Search(ctx, []float32{1, 2}, 1)
	assert.ErrorIs(t, err, hnsw.ErrDimensionMismatch)
}

func TestSearchSuccessfulFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testConfig(10))

	_, err := s.Store(ctx, record("fail-1", axis(0), false))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("fail-2", blend(0, 1, 0.05), false))
	require.NoError(t, err)
	ok1, err := s.Store(ctx, record("ok-1", blend(0, 1, 0.2), true))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("ok-2", axis(5), true))
	require.NoError(t, err)

	matches, err := s.SearchSuccessful(ctx, axis(0), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ok1, matches[0].Pattern.ID)

	got, _ := s.Get(matches[0].Pattern.ID)
	assert.True(t, got.Success())

	all, err := s.SearchSuccessful(ctx, axis(0), 5)
	require.NoError(t, err)
	for _, m := range all {
		assert.True(t, m.Pattern.Success())
	}
}

func TestEvictsLeastUsed(t *testing.T) {
	ctx := context.Background()
	pub := &captured{}
	s := newStore(t, testConfig(3), WithPublisher(pub))

	a, err := s.Store(ctx, record("a", axis(0), true))
	require.NoError(t, err)
	b, err := s.Store(ctx, record("b", axis(1), true))
	require.NoError(t, err)
	c, err := s.Store(ctx, record("c", axis(2), true))
	require.NoError(t, err)

	// a and c get used; b is the least used.
	_, err = s.Search(ctx, axis(0), 1)
	require.NoError(t, err)
	_, err = s.Search(ctx, axis(2), 1)
	require.NoError(t, err)

	d, err := s.Store(ctx, record("d", axis(3), true))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(b)
	assert.False(t, ok)
	for _, id := range []string{a, c, d} {
		_, ok := s.Get(id)
		assert.True(t, ok)
	}
	evicted := pub.ofType(events.TypePatternEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, b, evicted[0].Data["pattern_id"])
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestEvictionTieGoesToOldest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testConfig(2))

	first, err := s.Store(ctx, record("first", axis(0), true))
	require.NoError(t, err)
	second, err := s.Store(ctx, record("second", axis(1), true))
	require.NoError(t, err)
	_, err = s.Store(ctx, record("third", axis(2), true))
	require.NoError(t, err)

	_, ok := s.Get(first)
	assert.False(t, ok)
	_, ok = s.Get(second)
	assert.True(t, ok)
}

func TestCapacityNeverExceeded(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testConfig(5))
	for i := 0; i < 40; i++ {
		_, err := s.Store(ctx, record("p", blend(i%testDim, (i+1)%testDim, float32(i%5)/10), i%2 == 0))
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Len(), 5)
	}
	st := s.Stats()
	assert.Equal(t, 5, st.Count)
	assert.Equal(t, uint64(35), st.Evictions)
	assert.Equal(t, 5, st.Index.Nodes)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testConfig(5))
	id, err := s.Store(ctx, record("x", axis(0), true))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, id))
	assert.Zero(t, s.Len())
	assert.ErrorIs(t, s.Remove(ctx, id), ErrNotFound)

	matches, err := s.Search(ctx, axis(0), 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

type failingArchive struct{}

func (failingArchive) Put(context.Context, Pattern) error      { return errors.New("disk full") }
func (failingArchive) Delete(context.Context, string) error    { return errors.New("disk full") }
func (failingArchive) Load(context.Context) ([]Pattern, error) { return nil, errors.New("disk full") }

func TestArchiveFailuresDoNotBlockStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, testConfig(5), WithArchive(failingArchive{}))

	_, err := s.Store(ctx, record("x", axis(0), true))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Stats().ArchiveFails)

	_, err = s.Restore(ctx)
	assert.Error(t, err)
}

func TestChromemArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive, err := NewChromemArchive(chromem.NewDB(), "", testDim, nil)
	require.NoError(t, err)

	src := newStore(t, testConfig(3), WithArchive(archive))
	a, err := src.Store(ctx, record("alpha", axis(0), true))
	require.NoError(t, err)
	b, err := src.Store(ctx, record("beta", axis(1), false))
	require.NoError(t, err)
	c, err := src.Store(ctx, record("gamma", axis(2), true))
	require.NoError(t, err)
	_, err = src.Search(ctx, axis(0), 1)
	require.NoError(t, err)
	_, err = src.Search(ctx, axis(2), 1)
	require.NoError(t, err)

	// Evicts b from both the store and the archive.
	d, err := src.Store(ctx, record("delta", axis(3), true))
	require.NoError(t, err)
	assert.Equal(t, 3, archive.Count())

	require.NoError(t, src.Flush(ctx))

	dst := newStore(t, testConfig(3), WithArchive(archive))
	n, err := dst.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok := dst.Get(b)
	assert.False(t, ok)
	for _, id := range []string{a, c, d} {
		want, _ := src.Get(id)
		got, ok := dst.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.Action, got.Action)
		assert.Equal(t, want.Outcome, got.Outcome)
		assert.Equal(t, want.Context, got.Context)
		assert.Equal(t, want.UsageCount, got.UsageCount)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.InDeltaSlice(t, want.Embedding, got.Embedding, 1e-6)
	}

	matches, err := dst.Search(ctx, axis(3), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, d, matches[0].Pattern.ID)
}

func TestChromemArchiveSkipsZeroEmbeddings(t *testing.T) {
	ctx := context.Background()
	archive, err := NewChromemArchive(chromem.NewDB(), "zero", testDim, nil)
	require.NoError(t, err)

	require.NoError(t, archive.Put(ctx, Pattern{ID: "z", Embedding: make([]float32, testDim)}))
	assert.Zero(t, archive.Count())

	assert.Error(t, archive.Put(ctx, Pattern{ID: "short", Embedding: []float32{1}}))

	list, err := archive.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpenChromemArchivePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	archive, err := OpenChromemArchive(dir, false, testDim, nil)
	require.NoError(t, err)
	p := Pattern{
		ID:        "p1",
		State:     qlearning.EncodeState(qlearning.QueryKPI, qlearning.ComplexityComplex, "ctx", 1),
		Action:    qlearning.ActionEscalate,
		Outcome:   OutcomeFailure,
		Context:   "ctx",
		Embedding: axis(4),
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, archive.Put(ctx, p))

	reopened, err := OpenChromemArchive(dir, false, testDim, nil)
	require.NoError(t, err)
	list, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.State, list[0].State)
	assert.Equal(t, qlearning.ActionEscalate, list[0].Action)
}
