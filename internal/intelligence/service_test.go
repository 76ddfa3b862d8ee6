package intelligence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/elexd/internal/analysis"
	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/gossip"
	"github.com/fyrsmithlabs/elexd/internal/patterns"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
	"github.com/fyrsmithlabs/elexd/internal/secrets"
	"github.com/fyrsmithlabs/elexd/internal/snn"
	"github.com/fyrsmithlabs/elexd/internal/storage"
	"github.com/fyrsmithlabs/elexd/internal/trajectory"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newService(t *testing.T, agentID string, opts ...Option) (*Service, *recorder) {
	t.Helper()
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec.handle)
	t.Cleanup(bus.Close)

	opts = append([]Option{WithPublisher(bus), WithSeed(7)}, opts...)
	s, err := New(DefaultConfig(agentID), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

var goodFeedback = qlearning.Signal{
	UserRating:        1,
	ResolutionSuccess: true,
	LatencyMs:         50,
}

func TestNewValidation(t *testing.T) {
	_, err := New(DefaultConfig(""))
	assert.Error(t, err)

	cfg := DefaultConfig("agent-a")
	cfg.Analysis.Dimension = 64
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig("agent-a")
	cfg.QLearning.LearningRate = 0
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestEndToEndQueryAndFeedback(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t, "agent-a")

	res, err := s.ProcessQuery(ctx, "What is the activation threshold parameter?", "", false)
	require.NoError(t, err)
	assert.Equal(t, qlearning.QueryParameter, res.Intent.Type)
	assert.Equal(t, qlearning.QueryParameter, res.State.QueryType)
	assert.True(t, res.Action.Valid())
	assert.Empty(t, res.SimilarPatterns)
	assert.NotEmpty(t, res.TrajectoryID)
	for _, e := range res.Entities {
		assert.NotEmpty(t, e.Text)
	}

	prior := s.QTable().Get(res.State, res.Action)
	reward, err := s.RecordFeedback(ctx, res.State, res.Action, goodFeedback, nil)
	require.NoError(t, err)
	assert.Greater(t, reward.Total, 0.0)
	assert.Greater(t, s.QTable().Get(res.State, res.Action), prior)

	selected := rec.ofType(events.TypeActionSelected)
	require.Len(t, selected, 1)
	assert.Equal(t, res.Action.String(), selected[0].Data["action"])
	assert.Len(t, rec.ofType(events.TypeQUpdate), 1)
}

func TestForcedExploration(t *testing.T) {
	s, _ := newService(t, "agent-a")
	res, err := s.ProcessQuery(context.Background(), "why is the handover failing", "", true)
	require.NoError(t, err)
	assert.True(t, res.Explored)
	assert.Equal(t, qlearning.QueryTroubleshoot, res.Intent.Type)
}

func TestQueryContextChangesState(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, "agent-a")

	a, err := s.ProcessQuery(ctx, "set the threshold", "", false)
	require.NoError(t, err)
	b, err := s.ProcessQuery(ctx, "set the threshold", "cell 12", false)
	require.NoError(t, err)
	assert.NotEqual(t, a.State.ContextHash, b.State.ContextHash)
	assert.Equal(t, a.TrajectoryID, b.TrajectoryID)
}

func TestTrajectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t, "agent-a")

	assert.Nil(t, s.EndTrajectory(true))

	res, err := s.ProcessQuery(ctx, "configure the threshold parameter", "", false)
	require.NoError(t, err)
	_, err = s.RecordFeedback(ctx, res.State, res.Action, goodFeedback, nil)
	require.NoError(t, err)
	_, err = s.RecordFeedback(ctx, res.State, res.Action, goodFeedback, nil)
	require.NoError(t, err)

	st := s.Stats()
	require.NotNil(t, st.Active)
	assert.Equal(t, res.TrajectoryID, st.Active.ID)
	assert.Equal(t, 2, st.Active.Steps)

	tr := s.EndTrajectory(true)
	require.NotNil(t, tr)
	assert.Equal(t, res.TrajectoryID, tr.ID())
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, trajectory.OutcomeSuccess, tr.Outcome())
	assert.Nil(t, s.Stats().Active)
	assert.Equal(t, 1, s.Stats().Trajectory.Size)

	done := rec.ofType(events.TypeTrajectoryComplete)
	require.Len(t, done, 1)
	assert.Equal(t, tr.ID(), done[0].Data["trajectory_id"])

	// An opened but empty episode is not sealed.
	s.StartTrajectory()
	assert.Nil(t, s.EndTrajectory(false))
}

func TestStartTrajectoryAbandonsOpenEpisode(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, "agent-a")

	first := s.StartTrajectory()
	state := qlearning.EncodeState(qlearning.QueryKPI, qlearning.ComplexitySimple, "throughput", 0.5)
	_, err := s.RecordFeedback(ctx, state, qlearning.ActionDirectAnswer, goodFeedback, nil)
	require.NoError(t, err)

	second := s.StartTrajectory()
	assert.NotEqual(t, first, second)

	all := s.buffer.All()
	require.Len(t, all, 1)
	assert.Equal(t, first, all[0].ID())
	assert.Equal(t, trajectory.OutcomeTimeout, all[0].Outcome())
}

func TestRecordFeedbackRejectsUnknownAction(t *testing.T) {
	s, _ := newService(t, "agent-a")
	state := qlearning.EncodeState(qlearning.QueryKPI, qlearning.ComplexitySimple, "x", 0.5)
	_, err := s.RecordFeedback(context.Background(), state, qlearning.Action(42), goodFeedback, nil)
	assert.ErrorIs(t, err, qlearning.ErrInvalidKey)
	assert.Zero(t, s.QTable().Len())
}

func TestStoredPatternsRaiseConfidence(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t, "agent-a")
	text := "what is the current value of the threshold parameter"

	before, err := s.ProcessQuery(ctx, text, "", false)
	require.NoError(t, err)

	id, err := s.StorePattern(ctx, before.State, qlearning.ActionDirectAnswer, text, true)
	require.NoError(t, err)
	_, err = s.StorePattern(ctx, before.State, qlearning.ActionEscalate, text, false)
	require.NoError(t, err)

	after, err := s.ProcessQuery(ctx, text, "", false)
	require.NoError(t, err)
	require.Len(t, after.SimilarPatterns, 1)
	assert.Equal(t, id, after.SimilarPatterns[0].Pattern.ID)
	assert.InDelta(t, 1.0, after.SimilarPatterns[0].Similarity, 1e-4)
	assert.InDelta(t, before.Confidence+0.1, after.Confidence, 1e-4)

	assert.Len(t, rec.ofType(events.TypePatternStored), 2)
	assert.NotEmpty(t, rec.ofType(events.TypePatternMatch))
}

func TestEstimateConfidence(t *testing.T) {
	success := patterns.Match{Pattern: patterns.Pattern{Outcome: patterns.OutcomeSuccess}, Similarity: 0.8}
	failure := patterns.Match{Pattern: patterns.Pattern{Outcome: patterns.OutcomeFailure}, Similarity: 0.9}

	tests := []struct {
		name     string
		entities int
		similar  []patterns.Match
		want     float64
	}{
		{"base", 0, nil, 0.5},
		{"entities", 3, nil, 0.65},
		{"successful match", 0, []patterns.Match{success}, 0.58},
		{"failed match ignored", 0, []patterns.Match{failure}, 0.5},
		{"clamped", 20, []patterns.Match{success}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateConfidence(tt.entities, tt.similar), 1e-9)
		})
	}
}

func TestReplayAndDecay(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t, "agent-a")

	assert.Zero(t, s.ReplayExperience(ctx, 5))

	state := qlearning.EncodeState(qlearning.QueryProcedure, qlearning.ComplexityModerate, "enable feature", 0.75)
	for i := 0; i < 3; i++ {
		s.StartTrajectory()
		_, err := s.RecordFeedback(ctx, state, qlearning.ActionContextAnswer, goodFeedback, nil)
		require.NoError(t, err)
		require.NotNil(t, s.EndTrajectory(true))
	}

	before := s.QTable().Get(state, qlearning.ActionContextAnswer)
	applied := s.ReplayExperience(ctx, 3)
	assert.Equal(t, 3, applied)
	assert.Greater(t, s.QTable().Get(state, qlearning.ActionContextAnswer), before)

	eps := s.QTable().Epsilon()
	assert.Less(t, s.DecayExploration(), eps)
	assert.Len(t, rec.ofType(events.TypeEpsilonDecayed), 1)
}

func TestMergeWithPeer(t *testing.T) {
	ctx := context.Background()
	a, _ := newService(t, "agent-a")
	b, rec := newService(t, "agent-b")

	state := qlearning.EncodeState(qlearning.QueryCounter, qlearning.ComplexitySimple, "pmRrcConnEstabSucc", 0.75)
	for i := 0; i < 3; i++ {
		_, err := a.RecordFeedback(ctx, state, qlearning.ActionDirectAnswer, goodFeedback, nil)
		require.NoError(t, err)
	}

	n, err := b.MergeWithPeer(ctx, a.Snapshot(0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, a.QTable().Get(state, qlearning.ActionDirectAnswer), b.QTable().Get(state, qlearning.ActionDirectAnswer), 1e-12)
	assert.NotEmpty(t, rec.ofType(events.TypeMerge))

	// The same snapshot again changes nothing.
	n, err = b.MergeWithPeer(ctx, a.Snapshot(0))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = b.MergeWithPeer(ctx, b.Snapshot(0))
	assert.ErrorIs(t, err, ErrInvalidPeer)
	anonymous := a.Snapshot(0)
	anonymous.AgentID = ""
	_, err = b.MergeWithPeer(ctx, anonymous)
	assert.ErrorIs(t, err, ErrInvalidPeer)
}

func TestSyncDisabled(t *testing.T) {
	s, _ := newService(t, "agent-a")
	ctx := context.Background()
	assert.ErrorIs(t, s.StartSync(ctx), ErrSyncDisabled)
	assert.ErrorIs(t, s.StopSync(), ErrSyncDisabled)
	assert.ErrorIs(t, s.SyncNow(ctx), ErrSyncDisabled)
	assert.Nil(t, s.Peers())
	assert.Nil(t, s.Stats().Sync)
}

func TestSyncBetweenServices(t *testing.T) {
	ctx := context.Background()
	hub := gossip.NewMemoryHub()
	cfg := gossip.DefaultConfig()
	cfg.Interval = time.Hour
	cfg.TickInterval = time.Hour
	cfg.PeerRateLimit = 0

	a, _ := newService(t, "agent-a", WithSync(hub, cfg))
	b, _ := newService(t, "agent-b", WithSync(hub, cfg))
	require.NoError(t, a.StartSync(ctx))
	require.NoError(t, b.StartSync(ctx))
	require.NoError(t, a.StartSync(ctx))

	state := qlearning.EncodeState(qlearning.QueryKPI, qlearning.ComplexitySimple, "drop rate", 0.5)
	for i := 0; i < 3; i++ {
		_, err := a.RecordFeedback(ctx, state, qlearning.ActionContextAnswer, goodFeedback, nil)
		require.NoError(t, err)
	}
	require.NoError(t, a.SyncNow(ctx))

	require.Eventually(t, func() bool {
		_, ok := b.QTable().Entry(state, qlearning.ActionContextAnswer)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(b.Peers()) == 1 && len(a.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	st := a.Stats()
	require.NotNil(t, st.Sync)
	assert.True(t, st.Sync.Running)

	require.NoError(t, a.StopSync())
	require.NoError(t, a.StopSync())
}

var (
	quietSample = []float64{0.9, 0.9, 0.9, 0.9, 0.1, 0.1, 0.1, 0.1}
	burstSample = []float64{0.1, 0.1, 0.1, 0.1, 0.9, 0.9, 0.9, 0.9}
)

func TestAnomalyDetection(t *testing.T) {
	ctx := context.Background()
	s, rec := newService(t, "agent-a")

	res, err := s.DetectAnomalies(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, res)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.TrainAnomalyDetector(ctx, [][]float64{quietSample}, false))
		require.NoError(t, s.TrainAnomalyDetector(ctx, [][]float64{burstSample}, true))
	}

	res, err = s.DetectAnomalies(ctx, [][]float64{quietSample})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Anomaly)
	assert.Empty(t, rec.ofType(events.TypeAnomaly))

	res, err = s.DetectAnomalies(ctx, [][]float64{burstSample})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Anomaly)
	assert.Greater(t, res.Confidence, 0.0)

	anomalies := rec.ofType(events.TypeAnomaly)
	require.Len(t, anomalies, 1)
	assert.Equal(t, res.Confidence, anomalies[0].Data["confidence"])

	_, err = s.DetectAnomalies(ctx, [][]float64{{1, 2}})
	assert.ErrorIs(t, err, snn.ErrInputSize)
	assert.ErrorIs(t, s.TrainAnomalyDetector(ctx, [][]float64{{1}}, true), snn.ErrInputSize)
}

func TestStateRequiresStore(t *testing.T) {
	s, _ := newService(t, "agent-a")
	ctx := context.Background()
	assert.ErrorIs(t, s.SaveState(ctx), ErrNoStateStore)
	assert.ErrorIs(t, s.LoadState(ctx), ErrNoStateStore)
}

func TestSaveAndLoadState(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.InMemoryConfig(), nil)
	require.NoError(t, err)
	defer store.Close()

	fresh, _ := newService(t, "agent-a", WithStateStore(store))
	require.NoError(t, fresh.LoadState(ctx))
	assert.Zero(t, fresh.QTable().Len())

	src, _ := newService(t, "agent-a", WithStateStore(store))
	res, err := src.ProcessQuery(ctx, "configure the threshold parameter", "", false)
	require.NoError(t, err)
	_, err = src.RecordFeedback(ctx, res.State, res.Action, goodFeedback, nil)
	require.NoError(t, err)
	require.NotNil(t, src.EndTrajectory(true))
	require.NoError(t, src.TrainAnomalyDetector(ctx, [][]float64{burstSample}, true))
	require.NoError(t, src.SaveState(ctx))

	dst, _ := newService(t, "agent-a", WithStateStore(store))
	require.NoError(t, dst.LoadState(ctx))
	assert.Equal(t, src.QTable().Get(res.State, res.Action), dst.QTable().Get(res.State, res.Action))
	assert.Equal(t, 1, dst.Stats().Trajectory.Size)
	assert.Equal(t, src.detector.Weights(), dst.detector.Weights())
}

func TestLoadStateRestoresArchivedPatterns(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.InMemoryConfig(), nil)
	require.NoError(t, err)
	defer store.Close()
	archive, err := patterns.OpenChromemArchive(t.TempDir(), false, analysis.DefaultDimension, nil)
	require.NoError(t, err)

	src, _ := newService(t, "agent-a", WithStateStore(store), WithPatternArchive(archive))
	state := qlearning.EncodeState(qlearning.QueryParameter, qlearning.ComplexitySimple, "threshold", 0.5)
	_, err = src.StorePattern(ctx, state, qlearning.ActionDirectAnswer, "threshold parameter value", true)
	require.NoError(t, err)
	require.NoError(t, src.SaveState(ctx))

	dst, _ := newService(t, "agent-a", WithStateStore(store), WithPatternArchive(archive))
	require.NoError(t, dst.LoadState(ctx))
	assert.Equal(t, 1, dst.Stats().Patterns.Count)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, "agent-a")
	res, err := s.ProcessQuery(ctx, "show the pmRrcConnEstabSucc counter", "", false)
	require.NoError(t, err)
	_, err = s.RecordFeedback(ctx, res.State, res.Action, goodFeedback, nil)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, "agent-a", st.AgentID)
	assert.Equal(t, 1, st.QTable.Entries)
	assert.Equal(t, uint64(1), st.QTable.Updates)
	assert.Equal(t, 16, st.SNN.Neurons)
	assert.Equal(t, 10000, st.Patterns.MaxPatterns)
	assert.Equal(t, 1000, st.Trajectory.Capacity)
	require.NotNil(t, st.Active)
}

func TestStorePatternScrubsCredentials(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, "agent-a", WithScrubber(secrets.MustNew(secrets.DefaultConfig())))

	state := qlearning.EncodeState(qlearning.QueryParameter, qlearning.ComplexitySimple, "modem", 0.5)
	id, err := s.StorePattern(ctx, state, qlearning.ActionDirectAnswer, "reset modem with password=letmein-please", true)
	require.NoError(t, err)

	p, ok := s.patterns.Get(id)
	require.True(t, ok)
	assert.NotContains(t, p.Context, "letmein-please")
	assert.Contains(t, p.Context, secrets.DefaultReplacement)
}
