// Package patterns keeps past (state, action, outcome) decisions searchable
// by query embedding.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/hnsw"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

var (
	// ErrNotFound is returned when a pattern id is unknown.
	ErrNotFound = errors.New("pattern not found")
)

// Outcome records whether the stored decision resolved the query.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OutcomeOf maps a success flag to an Outcome.
func OutcomeOf(success bool) Outcome {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Pattern is a stored decision.
type Pattern struct {
	ID         string           `json:"id"`
	State      qlearning.State  `json:"state"`
	Action     qlearning.Action `json:"action"`
	Outcome    Outcome          `json:"outcome"`
	Context    string           `json:"context"`
	Embedding  []float32        `json:"embedding"`
	CreatedAt  time.Time        `json:"created_at"`
	LastUsed   time.Time        `json:"last_used,omitempty"`
	UsageCount uint64           `json:"usage_count"`
}

// Success reports whether the pattern's outcome was success.
func (p Pattern) Success() bool { return p.Outcome == OutcomeSuccess }

func (p *Pattern) clone() Pattern {
	c := *p
	c.Embedding = append([]float32(nil), p.Embedding...)
	return c
}

// Record is the input to Store.
type Record struct {
	State     qlearning.State
	Action    qlearning.Action
	Context   string
	Success   bool
	Embedding []float32
}

// Match is a search hit.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float32 `json:"similarity"`
}

// Archive persists patterns outside the process.
type Archive interface {
	Put(ctx context.Context, p Pattern) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Pattern, error)
}

// Config controls the store.
type Config struct {
	// MaxPatterns bounds the store; inserting beyond it evicts the least-used pattern.
	MaxPatterns int
	Index       hnsw.Config
}

// DefaultConfig returns the standard store settings.
func DefaultConfig() Config {
	return Config{
		MaxPatterns: 10000,
		Index:       hnsw.DefaultConfig(),
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.MaxPatterns <= 0 {
		return fmt.Errorf("max patterns must be positive")
	}
	return c.Index.Validate()
}

// Stats summarizes the store.
type Stats struct {
	Count        int        `json:"count"`
	MaxPatterns  int        `json:"max_patterns"`
	Successful   int        `json:"successful"`
	Stored       uint64     `json:"stored"`
	Evictions    uint64     `json:"evictions"`
	Searches     uint64     `json:"searches"`
	Matches      uint64     `json:"matches"`
	ArchiveFails uint64     `json:"archive_failures"`
	Index        hnsw.Stats `json:"index"`
}

// Store indexes patterns in an HNSW graph and enforces the capacity bound.
// Eviction happens synchronously inside Store.
type Store struct {
	cfg       Config
	index     *hnsw.Index
	archive   Archive
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	agentID   string
	idxOpts   []hnsw.Option

	mu       sync.Mutex
	patterns map[string]*Pattern

	stored       uint64
	evictions    uint64
	searches     uint64
	matches      uint64
	archiveFails uint64
}

// Option configures a Store.
type Option func(*Store)

// WithArchive mirrors stores and evictions to a.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand seeds the index's level assignment.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.idxOpts = append(s.idxOpts, hnsw.WithRand(r)) }
}

// WithAgentID tags published events.
func WithAgentID(id string) Option {
	return func(s *Store) { s.agentID = id }
}

// New creates an empty store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pattern store config: %w", err)
	}
	s := &Store{
		cfg:       cfg,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
		patterns:  make(map[string]*Pattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	idx, err := hnsw.New(cfg.Index, append(s.idxOpts, hnsw.WithLogger(s.logger))...)
	if err != nil {
		return nil, err
	}
	s.index = idx
	return s, nil
}

// Store inserts a new pattern and returns its id. When the store is full the
// least-used pattern (oldest on ties) is evicted first.
func (s *Store) Store(ctx context.Context, rec Record) (string, error) {
	if len(rec.Embedding) != s.cfg.Index.Dimension {
		return "", fmt.Errorf("%w: expected %d, got %d", hnsw.ErrDimensionMismatch, s.cfg.Index.Dimension, len(rec.Embedding))
	}
	p := &Pattern{
		ID:        uuid.New().String(),
		State:     rec.State,
		Action:    rec.Action,
		Outcome:   OutcomeOf(rec.Success),
		Context:   rec.Context,
		Embedding: append([]float32(nil), rec.Embedding...),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	var evicted *Pattern
	if len(s.patterns) >= s.cfg.MaxPatterns {
		evicted = s.evictLocked()
	}
	if err := s.index.Insert(p.ID, p.Embedding); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.patterns[p.ID] = p
	s.stored++
	stored := p.clone()
	s.mu.Unlock()

	if evicted != nil {
		s.logger.Debug("evicted least-used pattern",
			zap.String("pattern_id", evicted.ID),
			zap.Uint64("usage_count", evicted.UsageCount))
		s.publish(events.TypePatternEvicted, map[string]any{
			"pattern_id":  evicted.ID,
			"usage_count": evicted.UsageCount,
		})
		s.archiveDelete(ctx, evicted.ID)
	}
	s.archivePut(ctx, stored)
	s.publish(events.TypePatternStored, map[string]any{
		"pattern_id": stored.ID,
		"action":     stored.Action.String(),
		"outcome":    string(stored.Outcome),
	})
	return stored.ID, nil
}

func (s *Store) evictLocked() *Pattern {
	var victim *Pattern
	for _, p := range s.patterns {
		if victim == nil || lessUsed(p, victim) {
			victim = p
		}
	}
	if victim == nil {
		return nil
	}
	delete(s.patterns, victim.ID)
	s.index.Delete(victim.ID)
	s.evictions++
	return victim
}

// lessUsed orders eviction candidates: fewer uses, then older, then id.
func lessUsed(a, b *Pattern) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount < b.UsageCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Search returns the k patterns nearest to embedding and counts a use of each.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	return s.search(ctx, embedding, k, k, false)
}

// SearchSuccessful is Search restricted to successful patterns. It
// over-fetches 3k candidates before filtering, so fewer than k may return.
func (s *Store) SearchSuccessful(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	return s.search(ctx, embedding, k*3, k, true)
}

func (s *Store) search(_ context.Context, embedding []float32, fetch, k int, successOnly bool) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	s.searches++
	hits, err := s.index.Search(embedding, fetch)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := s.now()
	out := make([]Match, 0, k)
	for _, h := range hits {
		if len(out) == k {
			break
		}
		p, ok := s.patterns[h.ID]
		if !ok || (successOnly && !p.Success()) {
			continue
		}
		p.UsageCount++
		p.LastUsed = now
		out = append(out, Match{Pattern: p.clone(), Similarity: h.Similarity})
	}
	s.matches += uint64(len(out))
	s.mu.Unlock()

	if len(out) > 0 {
		s.publish(events.TypePatternMatch, map[string]any{
			"matches":        len(out),
			"top_pattern_id": out[0].Pattern.ID,
			"top_similarity": out[0].Similarity,
			"successful":     successOnly,
		})
	}
	return out, nil
}

// Get returns a copy of the pattern without counting a use.
func (s *Store) Get(id string) (Pattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// Remove deletes the pattern from the store and archive.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.patterns[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.patterns, id)
	s.index.Delete(id)
	s.mu.Unlock()

	s.archiveDelete(ctx, id)
	return nil
}

// Len returns the number of stored patterns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// All returns copies of every pattern ordered by creation time.
func (s *Store) All() []Pattern {
	s.mu.Lock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads archived patterns into an empty store. Patterns beyond
// capacity are dropped least-used first. It returns the number loaded.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.archive == nil {
		return 0, nil
	}
	list, err := s.archive.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pattern archive: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return lessUsed(&list[j], &list[i]) })
	if len(list) > s.cfg.MaxPatterns {
		list = list[:s.cfg.MaxPatterns]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for i := range list {
		p := list[i]
		if _, ok := s.patterns[p.ID]; ok || len(s.patterns) >= s.cfg.MaxPatterns {
			continue
		}
		if err := s.index.Insert(p.ID, p.Embedding); err != nil {
			s.logger.Warn("skipping archived pattern", zap.String("pattern_id", p.ID), zap.Error(err))
			continue
		}
		s.patterns[p.ID] = &p
		loaded++
	}
	s.logger.Info("restored patterns from archive", zap.Int("loaded", loaded), zap.Int("archived", len(list)))
	return loaded, nil
}

// Flush rewrites every pattern to the archive so usage counts survive restarts.
func (s *Store) Flush(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	var errs []error
	for _, p := range s.All() {
		if err := s.archive.Put(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) archivePut(ctx context.Context, p Pattern) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, p); err != nil {
		s.mu.Lock()
		s.archiveFails++
		s.mu.Unlock()
		s.logger.Warn("archiving pattern failed", zap.String("pattern_id", p.ID), zap.Error(err))
	}
}

func (s *Store) archiveDelete(ctx context.Context, id string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Delete(ctx, id); err != nil {
		s.mu.Lock()
		s.archiveFails++
		s.mu.Unlock()
		s.logger.Warn("removing archived pattern failed", zap.String("pattern_id", id), zap.Error(err))
	}
}

func (s *Store) publish(t events.Type, data map[string]any) {
	s.publisher.Publish(events.Event{Type: t, AgentID: s.agentID, Data: data})
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Count:        len(s.patterns),
		MaxPatterns:  s.cfg.MaxPatterns,
		Stored:       s.stored,
		Evictions:    s.evictions,
		Searches:     s.searches,
		Matches:      s.matches,
		ArchiveFails: s.archiveFails,
		Index:        s.index.Stats(),
	}
	for _, p := range s.patterns {
		if p.Success() {
			st.Successful++
		}
	}
	return st
}
