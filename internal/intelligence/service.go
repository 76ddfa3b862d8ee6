// Package intelligence composes the learning components of one agent behind
// a single facade.
//
// A typical interaction is ProcessQuery, which analyzes the text, looks up
// similar successful patterns and picks an action, followed by
// RecordFeedback once the caller knows how the answer was received. Steps
// accumulate in the active trajectory until EndTrajectory seals it into the
// replay buffer.
package intelligence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/analysis"
	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/federation"
	"github.com/fyrsmithlabs/elexd/internal/gossip"
	"github.com/fyrsmithlabs/elexd/internal/patterns"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
	"github.com/fyrsmithlabs/elexd/internal/secrets"
	"github.com/fyrsmithlabs/elexd/internal/snn"
	"github.com/fyrsmithlabs/elexd/internal/storage"
	"github.com/fyrsmithlabs/elexd/internal/trajectory"
)

const instrumentationName = "github.com/fyrsmithlabs/elexd/internal/intelligence"

var (
	// ErrSyncDisabled is returned by sync operations when no transport was configured.
	ErrSyncDisabled = errors.New("peer sync is not configured")

	// ErrNoStateStore is returned by SaveState and LoadState without a state store.
	ErrNoStateStore = errors.New("state store is not configured")

	// ErrInvalidPeer is returned when merging a snapshot without a usable sender.
	ErrInvalidPeer = errors.New("invalid peer snapshot")
)

// Confidence estimation: a base, a boost per extracted entity and a boost
// proportional to the similarity of each successful similar pattern.
const (
	baseConfidence       = 0.5
	entityConfidence     = 0.05
	similarityConfidence = 0.1
)

// Config holds the settings of every component.
type Config struct {
	AgentID    string
	QLearning  qlearning.Config
	Reward     qlearning.RewardConfig
	Trajectory trajectory.Config
	Federation federation.Config
	Patterns   patterns.Config
	Analysis   analysis.Config
	SNN        snn.Config
	// SimilarPatterns is how many successful patterns ProcessQuery retrieves.
	SimilarPatterns int
}

// DefaultConfig returns the standard settings for agentID.
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:         agentID,
		QLearning:       qlearning.DefaultConfig(),
		Reward:          qlearning.DefaultRewardConfig(),
		Trajectory:      trajectory.DefaultConfig(),
		Federation:      federation.DefaultConfig(),
		Patterns:        patterns.DefaultConfig(),
		Analysis:        analysis.DefaultConfig(),
		SNN:             snn.DefaultConfig(),
		SimilarPatterns: 5,
	}
}

// StateStore persists learned state between runs. *storage.Store implements it.
type StateStore interface {
	SaveQTable(ctx context.Context, snap qlearning.Snapshot) error
	LoadQTable(ctx context.Context, agentID string) (qlearning.Snapshot, error)
	SaveTrajectories(ctx context.Context, agentID string, list []*trajectory.Trajectory) error
	LoadTrajectories(ctx context.Context, agentID string) ([]*trajectory.Trajectory, error)
	SaveDetectorWeights(ctx context.Context, agentID string, weights [][]float64) error
	LoadDetectorWeights(ctx context.Context, agentID string) ([][]float64, error)
}

// QueryResult is everything ProcessQuery decided.
type QueryResult struct {
	State      qlearning.State          `json:"state"`
	Action     qlearning.Action         `json:"action"`
	Explored   bool                     `json:"explored"`
	Intent     analysis.Intent          `json:"intent"`
	Entities   []analysis.Entity        `json:"entities"`
	Complexity analysis.ComplexityScore `json:"complexity"`
	// Confidence is the estimate the state was encoded with, before snapping.
	Confidence      float64          `json:"confidence"`
	SimilarPatterns []patterns.Match `json:"similar_patterns"`
	TrajectoryID    string           `json:"trajectory_id"`
}

// Stats aggregates component diagnostics.
type Stats struct {
	AgentID    string            `json:"agent_id"`
	QTable     qlearning.Stats   `json:"q_table"`
	Trajectory trajectory.Stats  `json:"trajectory"`
	Federation federation.Stats  `json:"federation"`
	Patterns   patterns.Stats    `json:"patterns"`
	SNN        snn.Stats         `json:"snn"`
	Sync       *gossip.Stats     `json:"sync,omitempty"`
	Active     *ActiveTrajectory `json:"active_trajectory,omitempty"`
}

// ActiveTrajectory describes the open episode.
type ActiveTrajectory struct {
	ID        string    `json:"id"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// Service is the per-agent facade. Methods are safe for concurrent use, but
// ProcessQuery and RecordFeedback for one agent are expected to be called in
// sequence by a single owner.
type Service struct {
	cfg       Config
	table     *qlearning.QTable
	rewards   *qlearning.RewardCalculator
	buffer    *trajectory.Buffer
	merger    *federation.Merger
	patterns  *patterns.Store
	analyzer  *analysis.Analyzer
	detector  *snn.Detector
	sync      *gossip.Coordinator
	store     StateStore
	scrubber  *secrets.Scrubber
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	tracer        trace.Tracer
	feedbackCount metric.Int64Counter

	mu     sync.Mutex
	active *trajectory.Builder
}

type options struct {
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
	seed       *int64
	archive    patterns.Archive
	store      StateStore
	transport  gossip.Transport
	syncConfig gossip.Config
	scrubber   *secrets.Scrubber
}

// Option configures a Service.
type Option func(*options)

// WithPublisher sets the event sink shared by every component.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSeed makes exploration, replay sampling and index levels reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = &seed }
}

// WithPatternArchive mirrors stored patterns to a persistent archive.
func WithPatternArchive(a patterns.Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithStateStore enables SaveState and LoadState.
func WithStateStore(s StateStore) Option {
	return func(o *options) { o.store = s }
}

// WithScrubber redacts credentials from pattern text before it is embedded
// and stored.
func WithScrubber(sc *secrets.Scrubber) Option {
	return func(o *options) { o.scrubber = sc }
}

// WithSync enables peer sync over transport.
func WithSync(transport gossip.Transport, cfg gossip.Config) Option {
	return func(o *options) {
		o.transport = transport
		o.syncConfig = cfg
	}
}

// New builds every component from cfg.
func New(cfg Config, opts ...Option) (*Service, error) {
	o := options{
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.SimilarPatterns <= 0 {
		cfg.SimilarPatterns = 5
	}
	if cfg.Analysis.Dimension != cfg.Patterns.Index.Dimension {
		return nil, fmt.Errorf("embedding dimension %d does not match pattern index dimension %d",
			cfg.Analysis.Dimension, cfg.Patterns.Index.Dimension)
	}

	logger := o.logger.With(zap.String("agent_id", cfg.AgentID))
	newRand := func(offset int64) *rand.Rand {
		if o.seed != nil {
			return rand.New(rand.NewSource(*o.seed + offset))
		}
		return rand.New(rand.NewSource(time.Now().UnixNano() + offset))
	}

	table, err := qlearning.New(cfg.AgentID, cfg.QLearning,
		qlearning.WithRand(newRand(0)),
		qlearning.WithClock(o.now),
		qlearning.WithPublisher(o.publisher),
		qlearning.WithLogger(logger.Named("qlearning")))
	if err != nil {
		return nil, err
	}
	rewards, err := qlearning.NewRewardCalculator(cfg.Reward)
	if err != nil {
		return nil, err
	}
	buffer, err := trajectory.NewBuffer(cfg.Trajectory,
		trajectory.WithRand(newRand(1)),
		trajectory.WithLogger(logger.Named("trajectory")))
	if err != nil {
		return nil, err
	}
	merger, err := federation.NewMerger(cfg.Federation, logger.Named("federation"))
	if err != nil {
		return nil, err
	}
	patternOpts := []patterns.Option{
		patterns.WithAgentID(cfg.AgentID),
		patterns.WithPublisher(o.publisher),
		patterns.WithLogger(logger.Named("patterns")),
		patterns.WithClock(o.now),
		patterns.WithRand(newRand(2)),
	}
	if o.archive != nil {
		patternOpts = append(patternOpts, patterns.WithArchive(o.archive))
	}
	store, err := patterns.New(cfg.Patterns, patternOpts...)
	if err != nil {
		return nil, err
	}
	analyzer, err := analysis.NewAnalyzer(cfg.Analysis, logger.Named("analysis"))
	if err != nil {
		return nil, err
	}
	detector, err := snn.New(cfg.SNN)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		table:     table,
		rewards:   rewards,
		buffer:    buffer,
		merger:    merger,
		patterns:  store,
		analyzer:  analyzer,
		detector:  detector,
		store:     o.store,
		scrubber:  o.scrubber,
		publisher: o.publisher,
		logger:    logger,
		now:       o.now,
		tracer:    otel.Tracer(instrumentationName),
	}

	if o.transport != nil {
		s.sync, err = gossip.NewCoordinator(o.syncConfig, table, merger, o.transport,
			gossip.WithClock(o.now),
			gossip.WithRand(newRand(3)),
			gossip.WithPublisher(o.publisher),
			gossip.WithLogger(logger.Named("sync")))
		if err != nil {
			return nil, err
		}
	}

	s.feedbackCount, err = otel.Meter(instrumentationName).Int64Counter(
		"elexd.intelligence.feedback_total",
		metric.WithDescription("Total number of feedback signals applied to the Q-table"),
		metric.WithUnit("{feedback}"),
	)
	if err != nil {
		logger.Warn("failed to create feedback counter", zap.Error(err))
	}
	epsilonGauge.WithLabelValues(cfg.AgentID).Set(table.Epsilon())
	return s, nil
}

// AgentID returns the owning agent's id.
func (s *Service) AgentID() string {
	return s.cfg.AgentID
}

// QTable exposes the learner for diagnostics and tests.
func (s *Service) QTable() *qlearning.QTable {
	return s.table
}

// ProcessQuery analyzes text, retrieves similar successful patterns, encodes
// the state and selects an action. It opens a trajectory when none is active.
// queryContext is folded into the state's context hash alongside text.
func (s *Service) ProcessQuery(ctx context.Context, text, queryContext string, forceExplore bool) (*QueryResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "intelligence.process_query")
	defer span.End()

	a := s.analyzer.Analyze(text)
	similar, err := s.patterns.SearchSuccessful(ctx, a.Embedding, s.cfg.SimilarPatterns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching similar patterns: %w", err)
	}

	confidence := EstimateConfidence(len(a.Entities), similar)
	stateContext := text
	if queryContext != "" {
		stateContext = text + " " + queryContext
	}
	state := qlearning.EncodeState(a.Intent.Type, a.Complexity.Level, stateContext, confidence)
	action, explored := s.table.SelectAction(state, forceExplore)

	s.mu.Lock()
	if s.active == nil {
		s.active = trajectory.NewBuilder(s.cfg.AgentID, s.now)
	}
	trajectoryID := s.active.ID()
	s.mu.Unlock()

	res := &QueryResult{
		State:           state,
		Action:          action,
		Explored:        explored,
		Intent:          a.Intent,
		Entities:        a.Entities,
		Complexity:      a.Complexity,
		Confidence:      confidence,
		SimilarPatterns: similar,
		TrajectoryID:    trajectoryID,
	}

	s.publisher.Publish(events.Event{
		Type:    events.TypeActionSelected,
		AgentID: s.cfg.AgentID,
		Data: map[string]any{
			"state":         state.Key(),
			"action":        action.String(),
			"explored":      explored,
			"intent":        a.Intent.Type.String(),
			"similar":       len(similar),
			"trajectory_id": trajectoryID,
		},
	})

	queriesTotal.WithLabelValues(action.String(), strconv.FormatBool(explored)).Inc()
	queryDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("agent_id", s.cfg.AgentID),
		attribute.String("intent", a.Intent.Type.String()),
		attribute.String("action", action.String()),
		attribute.Bool("explored", explored),
		attribute.Int("entities", len(a.Entities)),
		attribute.Int("similar_patterns", len(similar)),
	)
	s.logger.Debug("query processed",
		zap.String("state", state.Key()),
		zap.String("action", action.String()),
		zap.Bool("explored", explored),
		zap.String("trajectory_id", trajectoryID))
	return res, nil
}

// EstimateConfidence starts from 0.5, adds 0.05 per entity and 0.1 times the
// similarity of each successful match, and clamps to [0, 1].
func EstimateConfidence(entities int, similar []patterns.Match) float64 {
	c := baseConfidence + entityConfidence*float64(entities)
	for _, m := range similar {
		if m.Pattern.Success() {
			c += similarityConfidence * float64(m.Similarity)
		}
	}
	return math.Max(0, math.Min(1, c))
}

// RecordFeedback computes the reward for sig, updates the Q-table, appends a
// step to the active trajectory and counts the interaction toward the next
// sync. A nil next marks a terminal step.
func (s *Service) RecordFeedback(ctx context.Context, state qlearning.State, action qlearning.Action, sig qlearning.Signal, next *qlearning.State) (qlearning.ComputedReward, error) {
	ctx, span := s.tracer.Start(ctx, "intelligence.record_feedback")
	defer span.End()

	if !action.Valid() {
		err := fmt.Errorf("%w: action %d", qlearning.ErrInvalidKey, int(action))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return qlearning.ComputedReward{}, err
	}

	reward := s.rewards.Calculate(sig, action)
	value := s.table.Update(state, action, reward.Total, next)

	s.mu.Lock()
	if s.active == nil {
		s.active = trajectory.NewBuilder(s.cfg.AgentID, s.now)
	}
	err := s.active.AddStep(state, action, reward.Total, next)
	trajectoryID := s.active.ID()
	s.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return reward, fmt.Errorf("recording trajectory step: %w", err)
	}

	if s.sync != nil {
		s.sync.RecordInteraction(ctx)
	}

	rewardValue.Observe(reward.Total)
	if s.feedbackCount != nil {
		s.feedbackCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action.String()),
			attribute.Bool("resolved", sig.ResolutionSuccess),
		))
	}
	span.SetAttributes(
		attribute.String("action", action.String()),
		attribute.Float64("reward", reward.Total),
		attribute.Float64("q_value", value),
	)
	s.logger.Debug("feedback recorded",
		zap.String("state", state.Key()),
		zap.String("action", action.String()),
		zap.Float64("reward", reward.Total),
		zap.Float64("q_value", value),
		zap.String("trajectory_id", trajectoryID))
	return reward, nil
}

// StorePattern embeds text and stores the decision for later retrieval.
func (s *Service) StorePattern(ctx context.Context, state qlearning.State, action qlearning.Action, text string, success bool) (string, error) {
	ctx, span := s.tracer.Start(ctx, "intelligence.store_pattern")
	defer span.End()

	if s.scrubber != nil {
		var findings []secrets.Finding
		text, findings = s.scrubber.Scrub(text)
		if len(findings) > 0 {
			span.SetAttributes(attribute.Int("redactions", len(findings)))
			s.logger.Warn("redacted credentials from pattern text",
				zap.Int("redactions", len(findings)),
				zap.String("first_rule", findings[0].RuleID))
		}
	}

	id, err := s.patterns.Store(ctx, patterns.Record{
		State:     state,
		Action:    action,
		Context:   text,
		Success:   success,
		Embedding: s.analyzer.Embedder().Embed(text),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("pattern_id", id))
	return id, nil
}

// StartTrajectory opens a new episode and returns its id. An open episode
// with steps is sealed as timed out first; an empty one is discarded.
func (s *Service) StartTrajectory() string {
	s.mu.Lock()
	prev := s.active
	s.active = trajectory.NewBuilder(s.cfg.AgentID, s.now)
	id := s.active.ID()
	s.mu.Unlock()

	if prev != nil && prev.Len() > 0 {
		if t, err := prev.Abandon(); err == nil {
			s.seal(t)
		}
	}
	return id
}

// EndTrajectory seals the active episode into the replay buffer. It returns
// nil when no episode is open or the open one has no steps.
func (s *Service) EndTrajectory(success bool) *trajectory.Trajectory {
	s.mu.Lock()
	b := s.active
	s.active = nil
	s.mu.Unlock()

	if b == nil || b.Len() == 0 {
		return nil
	}
	t, err := b.Build(success)
	if err != nil {
		s.logger.Warn("failed to seal trajectory", zap.String("trajectory_id", b.ID()), zap.Error(err))
		return nil
	}
	s.seal(t)
	return t
}

func (s *Service) seal(t *trajectory.Trajectory) {
	evicted := s.buffer.Add(t)
	trajectoriesTotal.WithLabelValues(string(t.Outcome())).Inc()

	data := map[string]any{
		"trajectory_id": t.ID(),
		"outcome":       string(t.Outcome()),
		"steps":         t.Len(),
		"total_reward":  t.TotalReward(),
	}
	if evicted != nil {
		data["evicted"] = evicted.ID()
	}
	s.publisher.Publish(events.Event{
		Type:    events.TypeTrajectoryComplete,
		AgentID: s.cfg.AgentID,
		Data:    data,
	})
}

// ReplayExperience samples n trajectories and replays their steps through
// the Q-table. It returns the number of transitions applied.
func (s *Service) ReplayExperience(ctx context.Context, n int) int {
	_, span := s.tracer.Start(ctx, "intelligence.replay")
	defer span.End()

	applied := s.buffer.Replay(s.table, n)
	span.SetAttributes(attribute.Int("requested", n), attribute.Int("applied", applied))
	s.logger.Debug("experience replayed", zap.Int("requested", n), zap.Int("applied", applied))
	return applied
}

// DecayExploration decays epsilon once and returns the new rate.
func (s *Service) DecayExploration() float64 {
	eps := s.table.DecayEpsilon()
	epsilonGauge.WithLabelValues(s.cfg.AgentID).Set(eps)
	return eps
}

// MergeWithPeer folds a peer snapshot into the local table and returns the
// number of local entries changed.
func (s *Service) MergeWithPeer(ctx context.Context, peer federation.PeerInfo) (int, error) {
	_, span := s.tracer.Start(ctx, "intelligence.merge_with_peer")
	defer span.End()

	if peer.AgentID == "" || peer.AgentID == s.cfg.AgentID {
		err := fmt.Errorf("%w: sender %q", ErrInvalidPeer, peer.AgentID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	st := s.merger.Merge(s.table, peer)
	span.SetAttributes(
		attribute.String("peer_id", peer.AgentID),
		attribute.Int("merged", st.Merged),
		attribute.Int("adopted", st.Adopted),
	)
	return st.Changed(), nil
}

// Snapshot returns the entries of the local table changed after since, in
// the form MergeWithPeer accepts.
func (s *Service) Snapshot(since uint64) federation.PeerInfo {
	return federation.NewPeerInfo(s.table, since, s.now())
}

// StartSync starts the sync coordinator.
func (s *Service) StartSync(ctx context.Context) error {
	if s.sync == nil {
		return ErrSyncDisabled
	}
	return s.sync.Start(ctx)
}

// StopSync stops the sync coordinator. Stopping a stopped coordinator is a no-op.
func (s *Service) StopSync() error {
	if s.sync == nil {
		return ErrSyncDisabled
	}
	return s.sync.Stop()
}

// SyncNow announces the local version immediately.
func (s *Service) SyncNow(ctx context.Context) error {
	if s.sync == nil {
		return ErrSyncDisabled
	}
	s.sync.SyncNow(ctx)
	return nil
}

// Peers returns the known peers, or nil without sync.
func (s *Service) Peers() []gossip.Peer {
	if s.sync == nil {
		return nil
	}
	return s.sync.Peers()
}

// DetectAnomalies classifies a window of counter samples. It returns nil for
// an empty window.
func (s *Service) DetectAnomalies(ctx context.Context, samples [][]float64) (*snn.Result, error) {
	_, span := s.tracer.Start(ctx, "intelligence.detect_anomalies")
	defer span.End()

	if len(samples) == 0 {
		return nil, nil
	}
	res, err := s.detector.Process(samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	verdict := "normal"
	if res.Anomaly {
		verdict = "anomaly"
		s.publisher.Publish(events.Event{
			Type:    events.TypeAnomaly,
			AgentID: s.cfg.AgentID,
			Data: map[string]any{
				"confidence":     res.Confidence,
				"anomaly_spikes": res.AnomalySpikes,
				"normal_spikes":  res.NormalSpikes,
				"samples":        res.Samples,
				"flagged":        res.Flagged,
			},
		})
		s.logger.Info("anomaly detected",
			zap.Float64("confidence", res.Confidence),
			zap.Int("samples", res.Samples),
			zap.Ints("flagged", res.Flagged))
	}
	detectionsTotal.WithLabelValues(verdict).Inc()
	span.SetAttributes(attribute.Bool("anomaly", res.Anomaly), attribute.Float64("confidence", res.Confidence))
	return &res, nil
}

// TrainAnomalyDetector presents labeled samples to the detector.
func (s *Service) TrainAnomalyDetector(ctx context.Context, samples [][]float64, isAnomaly bool) error {
	_, span := s.tracer.Start(ctx, "intelligence.train_anomaly_detector")
	defer span.End()

	if err := s.detector.Train(samples, isAnomaly); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("samples", len(samples)), attribute.Bool("anomaly", isAnomaly))
	return nil
}

// SaveState persists the Q-table, sealed trajectories and detector weights,
// and flushes patterns to their archive.
func (s *Service) SaveState(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStateStore
	}
	ctx, span := s.tracer.Start(ctx, "intelligence.save_state")
	defer span.End()

	snap := s.table.Export()
	errs := []error{
		s.store.SaveQTable(ctx, snap),
		s.store.SaveTrajectories(ctx, s.cfg.AgentID, s.buffer.All()),
		s.store.SaveDetectorWeights(ctx, s.cfg.AgentID, s.detector.Weights()),
		s.patterns.Flush(ctx),
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("saving state: %w", err)
	}
	s.logger.Info("state saved",
		zap.Int("q_entries", len(snap.Entries)),
		zap.Uint64("q_version", snap.Version),
		zap.Int("trajectories", s.buffer.Len()),
		zap.Int("patterns", s.patterns.Len()))
	return nil
}

// LoadState restores whatever was previously saved. Missing pieces are
// skipped, so loading into a fresh store is not an error.
func (s *Service) LoadState(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStateStore
	}
	ctx, span := s.tracer.Start(ctx, "intelligence.load_state")
	defer span.End()

	var errs []error
	snap, err := s.store.LoadQTable(ctx, s.cfg.AgentID)
	switch {
	case err == nil:
		snap.AgentID = s.cfg.AgentID
		if err := s.table.Import(snap); err != nil {
			errs = append(errs, err)
		}
		epsilonGauge.WithLabelValues(s.cfg.AgentID).Set(s.table.Epsilon())
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	list, err := s.store.LoadTrajectories(ctx, s.cfg.AgentID)
	switch {
	case err == nil:
		s.buffer.Restore(list)
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	weights, err := s.store.LoadDetectorWeights(ctx, s.cfg.AgentID)
	switch {
	case err == nil:
		if err := s.detector.SetWeights(weights); err != nil {
			errs = append(errs, fmt.Errorf("restoring detector weights: %w", err))
		}
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	restored, err := s.patterns.Restore(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading state: %w", err)
	}
	s.logger.Info("state loaded",
		zap.Int("q_entries", s.table.Len()),
		zap.Int("trajectories", s.buffer.Len()),
		zap.Int("patterns", restored))
	return nil
}

// Stats returns diagnostics from every component. It has no side effects.
func (s *Service) Stats() Stats {
	st := Stats{
		AgentID:    s.cfg.AgentID,
		QTable:     s.table.Stats(),
		Trajectory: s.buffer.Stats(),
		Federation: s.merger.Stats(),
		Patterns:   s.patterns.Stats(),
		SNN:        s.detector.Stats(),
	}
	if s.sync != nil {
		ss := s.sync.Stats()
		st.Sync = &ss
	}
	s.mu.Lock()
	if s.active != nil {
		st.Active = &ActiveTrajectory{
			ID:        s.active.ID(),
			Steps:     s.active.Len(),
			StartedAt: s.active.StartedAt(),
		}
	}
	s.mu.Unlock()
	return st
}

// Close stops sync and releases the coordinator.
func (s *Service) Close() error {
	if s.sync == nil {
		return nil
	}
	return s.sync.Close()
}
