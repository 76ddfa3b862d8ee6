package qlearning

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/events"
)

// Config holds the learning hyperparameters.
type Config struct {
	LearningRate   float64
	DiscountFactor float64
	Epsilon        float64
	EpsilonDecay   float64
	EpsilonMin     float64
	InitialValue   float64
}

// DefaultConfig returns the standard hyperparameters.
func DefaultConfig() Config {
	return Config{
		LearningRate:   0.1,
		DiscountFactor: 0.95,
		Epsilon:        0.1,
		EpsilonDecay:   0.995,
		EpsilonMin:     0.01,
		InitialValue:   0,
	}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0, 1], got %v", c.LearningRate)
	}
	if c.DiscountFactor < 0 || c.DiscountFactor >= 1 {
		return fmt.Errorf("discount factor must be in [0, 1), got %v", c.DiscountFactor)
	}
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("epsilon must be in [0, 1], got %v", c.Epsilon)
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		return fmt.Errorf("epsilon decay must be in (0, 1], got %v", c.EpsilonDecay)
	}
	if c.EpsilonMin < 0 || c.EpsilonMin > c.Epsilon {
		return fmt.Errorf("epsilon floor must be in [0, epsilon], got %v", c.EpsilonMin)
	}
	return nil
}

// Entry is the learned value for one (state, action) pair.
type Entry struct {
	Value       float64   `json:"value"`
	Visits      uint64    `json:"visits"`
	LastUpdated time.Time `json:"last_updated"`
	// Version is the table version at the entry's last mutation.
	Version uint64 `json:"version"`
	// Imported counts the visits folded in from other agents, keyed by the
	// agent that made them. The remaining visits are the owning table's own.
	Imported map[string]uint64 `json:"imported,omitempty"`
}

// Origins attributes the entry's visits to the agents that made them. owner,
// the table holding the entry, is credited with every visit not imported.
func (e Entry) Origins(owner string) map[string]uint64 {
	out := make(map[string]uint64, len(e.Imported)+1)
	var imported uint64
	for id, n := range e.Imported {
		if id == owner || n == 0 {
			continue
		}
		out[id] = n
		imported += n
	}
	if e.Visits > imported {
		out[owner] += e.Visits - imported
	}
	return out
}

// clone copies e without sharing its Imported map.
func (e Entry) clone() Entry {
	if e.Imported != nil {
		imported := make(map[string]uint64, len(e.Imported))
		for id, n := range e.Imported {
			imported[id] = n
		}
		e.Imported = imported
	}
	return e
}

// Confidence returns the evidence-based trust in an entry with the given visit count.
func Confidence(visits uint64) float64 {
	return 1 - 1/(float64(visits)+1)
}

// Confidence returns the entry's evidence-based trust.
func (e Entry) Confidence() float64 {
	return Confidence(e.Visits)
}

// Transition is one (s, a, r, s') step fed to BatchUpdate. A nil Next marks a terminal step.
type Transition struct {
	State  State
	Action Action
	Reward float64
	Next   *State
}

// Snapshot is a copy of a table's entries at a version.
type Snapshot struct {
	AgentID string           `json:"agent_id"`
	Version uint64           `json:"version"`
	Epsilon float64          `json:"epsilon"`
	Entries map[string]Entry `json:"entries"`
}

// MergeFunc decides the merged entry for key. local is nil when the key is absent locally.
// Returning false leaves the local entry untouched.
type MergeFunc func(key string, local *Entry, peer Entry) (Entry, bool)

// Stats summarizes a table.
type Stats struct {
	AgentID     string  `json:"agent_id"`
	Entries     int     `json:"entries"`
	Version     uint64  `json:"version"`
	Epsilon     float64 `json:"epsilon"`
	Updates     uint64  `json:"updates"`
	Merges      uint64  `json:"merges"`
	TotalVisits uint64  `json:"total_visits"`
	MeanValue   float64 `json:"mean_value"`
}

// QTable is a tabular action-value learner. One mutex covers update, merge and import.
type QTable struct {
	mu      sync.RWMutex
	agentID string
	cfg     Config
	entries map[string]*Entry
	version uint64
	epsilon float64
	updates uint64
	merges  uint64

	rng       *rand.Rand
	now       func() time.Time
	publisher events.Publisher
	logger    *zap.Logger
}

// Option configures a QTable.
type Option func(*QTable)

// WithRand sets the random source used for exploration.
func WithRand(r *rand.Rand) Option {
	return func(t *QTable) {
		if r != nil {
			t.rng = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *QTable) {
		if now != nil {
			t.now = now
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(t *QTable) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *QTable) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates an empty table owned by agentID.
func New(agentID string, cfg Config, opts ...Option) (*QTable, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid q-learning config: %w", err)
	}
	t := &QTable{
		agentID:   agentID,
		cfg:       cfg,
		entries:   make(map[string]*Entry),
		epsilon:   cfg.Epsilon,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AgentID returns the owning agent.
func (t *QTable) AgentID() string {
	return t.agentID
}

// Config returns the hyperparameters.
func (t *QTable) Config() Config {
	return t.cfg
}

// Version returns the current mutation counter.
func (t *QTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Epsilon returns the current exploration rate.
func (t *QTable) Epsilon() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epsilon
}

// Len returns the number of stored entries.
func (t *QTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Get returns the value for (s, a), or the initial value when unseen.
func (t *QTable) Get(s State, a Action) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.valueLocked(EntryKey(s, a))
}

// Entry returns a copy of the entry for (s, a).
func (t *QTable) Entry(s State, a Action) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[EntryKey(s, a)]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (t *QTable) valueLocked(key string) float64 {
	if e, ok := t.entries[key]; ok {
		return e.Value
	}
	return t.cfg.InitialValue
}

func (t *QTable) maxLocked(s State) float64 {
	best := math.Inf(-1)
	for _, a := range AllActions() {
		if v := t.valueLocked(EntryKey(s, a)); v > best {
			best = v
		}
	}
	return best
}

func (t *QTable) bestLocked(s State) Action {
	actions := AllActions()
	best := actions[0]
	bestValue := t.valueLocked(EntryKey(s, best))
	for _, a := range actions[1:] {
		if v := t.valueLocked(EntryKey(s, a)); v > bestValue {
			best, bestValue = a, v
		}
	}
	return best
}

// SelectAction picks an action epsilon-greedily. It reports whether the choice was exploratory.
func (t *QTable) SelectAction(s State, forceExplore bool) (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if forceExplore || t.rng.Float64() < t.epsilon {
		return Action(t.rng.Intn(len(actionNames))), true
	}
	return t.bestLocked(s), false
}

// BestAction returns the greedy action and its value.
func (t *QTable) BestAction(s State) (Action, float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a := t.bestLocked(s)
	return a, t.valueLocked(EntryKey(s, a))
}

// ActionValues returns the value of every action for s, in declaration order.
func (t *QTable) ActionValues(s State) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	actions := AllActions()
	out := make([]float64, len(actions))
	for i, a := range actions {
		out[i] = t.valueLocked(EntryKey(s, a))
	}
	return out
}

// Update applies one temporal-difference step and returns the new value.
// A nil next marks a terminal step.
func (t *QTable) Update(s State, a Action, reward float64, next *State) float64 {
	t.mu.Lock()
	key, e := t.updateLocked(s, a, reward, next)
	value, visits, version := e.Value, e.Visits, t.version
	t.mu.Unlock()

	t.publisher.Publish(events.Event{
		Type:    events.TypeQUpdate,
		AgentID: t.agentID,
		Data: map[string]any{
			"key":     key,
			"value":   value,
			"reward":  reward,
			"visits":  visits,
			"version": version,
		},
	})
	return value
}

// BatchUpdate applies transitions in order under a single lock acquisition.
func (t *QTable) BatchUpdate(transitions []Transition) int {
	if len(transitions) == 0 {
		return 0
	}
	t.mu.Lock()
	for _, tr := range transitions {
		t.updateLocked(tr.State, tr.Action, tr.Reward, tr.Next)
	}
	version := t.version
	t.mu.Unlock()

	t.publisher.Publish(events.Event{
		Type:    events.TypeQUpdate,
		AgentID: t.agentID,
		Data: map[string]any{
			"batch":   len(transitions),
			"version": version,
		},
	})
	return len(transitions)
}

func (t *QTable) updateLocked(s State, a Action, reward float64, next *State) (string, *Entry) {
	key := EntryKey(s, a)
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Value: t.cfg.InitialValue}
		t.entries[key] = e
	}

	var future float64
	if next != nil {
		future = t.maxLocked(*next)
	}
	target := reward + t.cfg.DiscountFactor*future
	e.Value += t.cfg.LearningRate * (target - e.Value)
	e.Visits++

	t.version++
	t.updates++
	e.Version = t.version
	e.LastUpdated = t.now()
	return key, e
}

// DecayEpsilon multiplies epsilon by the decay factor, not going below the floor.
func (t *QTable) DecayEpsilon() float64 {
	t.mu.Lock()
	t.epsilon = math.Max(t.cfg.EpsilonMin, t.epsilon*t.cfg.EpsilonDecay)
	eps := t.epsilon
	t.mu.Unlock()

	t.publisher.Publish(events.Event{
		Type:    events.TypeEpsilonDecayed,
		AgentID: t.agentID,
		Data:    map[string]any{"epsilon": eps},
	})
	return eps
}

// ResetEpsilon restores the configured initial epsilon.
func (t *QTable) ResetEpsilon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epsilon = t.cfg.Epsilon
}

// EntriesSince returns copies of entries mutated after version.
func (t *QTable) EntriesSince(version uint64) map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry)
	for k, e := range t.entries {
		if e.Version > version {
			out[k] = e.clone()
		}
	}
	return out
}

// SnapshotSince returns the entries mutated after since together with the
// version they are current as of, read under one lock.
func (t *QTable) SnapshotSince(since uint64) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make(map[string]Entry)
	for k, e := range t.entries {
		if e.Version > since {
			entries[k] = e.clone()
		}
	}
	return Snapshot{
		AgentID: t.agentID,
		Version: t.version,
		Epsilon: t.epsilon,
		Entries: entries,
	}
}

// Export returns a full snapshot.
func (t *QTable) Export() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make(map[string]Entry, len(t.entries))
	for k, e := range t.entries {
		entries[k] = e.clone()
	}
	return Snapshot{
		AgentID: t.agentID,
		Version: t.version,
		Epsilon: t.epsilon,
		Entries: entries,
	}
}

// Import replaces the table contents with snap. Every key must decode. The table
// version becomes the larger of snap.Version and the current version plus one.
func (t *QTable) Import(snap Snapshot) error {
	for k := range snap.Entries {
		if _, _, err := DecodeEntryKey(k); err != nil {
			return fmt.Errorf("import entry: %w", err)
		}
	}

	t.mu.Lock()
	t.version = max(t.version+1, snap.Version)
	t.entries = make(map[string]*Entry, len(snap.Entries))
	for k, e := range snap.Entries {
		e = e.clone()
		e.Version = min(e.Version, t.version)
		t.entries[k] = &e
	}
	if snap.Epsilon >= t.cfg.EpsilonMin && snap.Epsilon <= t.cfg.Epsilon && snap.Epsilon > 0 {
		t.epsilon = snap.Epsilon
	}
	version, n := t.version, len(t.entries)
	t.mu.Unlock()

	t.logger.Info("q-table imported",
		zap.String("agent_id", t.agentID),
		zap.Int("entries", n),
		zap.Uint64("version", version))
	return nil
}

// Merge folds peer entries into the table under a single lock. fn decides each
// entry; visit counts never decrease. It returns the number of entries changed.
func (t *QTable) Merge(peerID string, peer map[string]Entry, fn MergeFunc) int {
	keys := make([]string, 0, len(peer))
	for k := range peer {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t.mu.Lock()
	var changed []*Entry
	for _, k := range keys {
		local := t.entries[k]
		var localCopy *Entry
		if local != nil {
			c := local.clone()
			localCopy = &c
		}
		merged, ok := fn(k, localCopy, peer[k].clone())
		if !ok {
			continue
		}
		if local != nil && merged.Visits < local.Visits {
			merged.Visits = local.Visits
		}
		merged.LastUpdated = t.now()
		e := merged
		t.entries[k] = &e
		changed = append(changed, &e)
	}
	if len(changed) > 0 {
		t.version++
		t.merges++
		for _, e := range changed {
			e.Version = t.version
		}
	}
	version := t.version
	t.mu.Unlock()

	if len(changed) > 0 {
		t.logger.Debug("merged peer entries",
			zap.String("agent_id", t.agentID),
			zap.String("peer_id", peerID),
			zap.Int("changed", len(changed)),
			zap.Uint64("version", version))
		t.publisher.Publish(events.Event{
			Type:    events.TypeMerge,
			AgentID: t.agentID,
			Data: map[string]any{
				"peer_id": peerID,
				"merged":  len(changed),
				"version": version,
			},
		})
	}
	return len(changed)
}

// Stats returns a summary of the table.
func (t *QTable) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Stats{
		AgentID: t.agentID,
		Entries: len(t.entries),
		Version: t.version,
		Epsilon: t.epsilon,
		Updates: t.updates,
		Merges:  t.merges,
	}
	var sum float64
	for _, e := range t.entries {
		st.TotalVisits += e.Visits
		sum += e.Value
	}
	if len(t.entries) > 0 {
		st.MeanValue = sum / float64(len(t.entries))
	}
	return st
}
