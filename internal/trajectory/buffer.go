package trajectory

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

// Config bounds the buffer.
type Config struct {
	Capacity int
	// Prioritized uses cumulative reward for eviction and sampling weight.
	Prioritized bool
}

// DefaultConfig returns a 1000-episode prioritized buffer.
func DefaultConfig() Config {
	return Config{Capacity: 1000, Prioritized: true}
}

// Learner consumes replayed transitions.
type Learner interface {
	BatchUpdate(transitions []qlearning.Transition) int
}

// Stats summarizes buffer contents.
type Stats struct {
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	Added         uint64  `json:"added"`
	Evicted       uint64  `json:"evicted"`
	Replayed      uint64  `json:"replayed"`
	SuccessRate   float64 `json:"success_rate"`
	AverageReward float64 `json:"average_reward"`
	AverageLength float64 `json:"average_length"`
}

// Buffer is a bounded store of sealed trajectories, kept in insertion order.
type Buffer struct {
	mu       sync.Mutex
	cfg      Config
	items    []*Trajectory
	added    uint64
	evicted  uint64
	replayed uint64
	rng      *rand.Rand
	logger   *zap.Logger
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithRand sets the sampling random source.
func WithRand(r *rand.Rand) Option {
	return func(b *Buffer) {
		if r != nil {
			b.rng = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg Config, opts ...Option) (*Buffer, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("trajectory buffer capacity must be positive, got %d", cfg.Capacity)
	}
	b := &Buffer{
		cfg:    cfg,
		items:  make([]*Trajectory, 0, min(cfg.Capacity, 1024)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Add stores t, evicting the lowest-priority trajectory first when full.
// It returns the evicted trajectory, if any.
func (b *Buffer) Add(t *Trajectory) *Trajectory {
	if t == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted *Trajectory
	if len(b.items) >= b.cfg.Capacity {
		i := b.victimLocked()
		evicted = b.items[i]
		b.items = append(b.items[:i], b.items[i+1:]...)
		b.evicted++
		b.logger.Debug("evicted trajectory",
			zap.String("trajectory_id", evicted.ID()),
			zap.Float64("total_reward", evicted.TotalReward()))
	}
	b.items = append(b.items, t)
	b.added++
	return evicted
}

// victimLocked picks the lowest cumulative reward (oldest on ties) when
// prioritized, otherwise the oldest.
func (b *Buffer) victimLocked() int {
	if !b.cfg.Prioritized {
		return 0
	}
	victim := 0
	for i, t := range b.items[1:] {
		if t.TotalReward() < b.items[victim].TotalReward() {
			victim = i + 1
		}
	}
	return victim
}

// Len returns the number of stored trajectories.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// All returns the stored trajectories in insertion order.
func (b *Buffer) All() []*Trajectory {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Trajectory, len(b.items))
	copy(out, b.items)
	return out
}

// Sample draws up to n distinct trajectories, weighted by priority when enabled.
func (b *Buffer) Sample(n int) []*Trajectory {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampleLocked(n)
}

func (b *Buffer) sampleLocked(n int) []*Trajectory {
	if n <= 0 || len(b.items) == 0 {
		return nil
	}
	if n >= len(b.items) {
		out := make([]*Trajectory, len(b.items))
		copy(out, b.items)
		return out
	}

	if !b.cfg.Prioritized {
		out := make([]*Trajectory, 0, n)
		for _, i := range b.rng.Perm(len(b.items))[:n] {
			out = append(out, b.items[i])
		}
		return out
	}

	// Shift rewards so the worst episode still has a small positive weight.
	lowest := math.Inf(1)
	for _, t := range b.items {
		lowest = math.Min(lowest, t.TotalReward())
	}
	pool := make([]*Trajectory, len(b.items))
	copy(pool, b.items)
	weights := make([]float64, len(pool))
	for i, t := range pool {
		weights[i] = t.TotalReward() - lowest + 1e-3
	}

	out := make([]*Trajectory, 0, n)
	for len(out) < n {
		var total float64
		for _, w := range weights {
			total += w
		}
		r := b.rng.Float64() * total
		pick := len(pool) - 1
		for i, w := range weights {
			if r < w {
				pick = i
				break
			}
			r -= w
		}
		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
		weights = append(weights[:pick], weights[pick+1:]...)
	}
	return out
}

// Replay samples n trajectories and feeds their steps to learner.
// It returns the number of transitions applied.
func (b *Buffer) Replay(learner Learner, n int) int {
	b.mu.Lock()
	sampled := b.sampleLocked(n)
	b.mu.Unlock()

	var transitions []qlearning.Transition
	for _, t := range sampled {
		transitions = append(transitions, t.Transitions()...)
	}
	if len(transitions) == 0 {
		return 0
	}
	applied := learner.BatchUpdate(transitions)

	b.mu.Lock()
	b.replayed += uint64(applied)
	b.mu.Unlock()
	return applied
}

// Restore replaces the contents with list, keeping the newest entries when
// list exceeds capacity.
func (b *Buffer) Restore(list []*Trajectory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(list) > b.cfg.Capacity {
		list = list[len(list)-b.cfg.Capacity:]
	}
	b.items = make([]*Trajectory, len(list))
	copy(b.items, list)
}

// Stats returns summary statistics.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Size:     len(b.items),
		Capacity: b.cfg.Capacity,
		Added:    b.added,
		Evicted:  b.evicted,
		Replayed: b.replayed,
	}
	if len(b.items) == 0 {
		return st
	}
	var successes, steps int
	var reward float64
	for _, t := range b.items {
		if t.Success() {
			successes++
		}
		steps += t.Len()
		reward += t.TotalReward()
	}
	n := float64(len(b.items))
	st.SuccessRate = float64(successes) / n
	st.AverageReward = reward / n
	st.AverageLength = float64(steps) / n
	return st
}
