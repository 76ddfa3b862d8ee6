// Package trajectory records learning episodes and replays them into a Q-table.
//
// A Builder collects the steps of one open episode. Build seals it into an
// immutable Trajectory which is then handed to a Buffer. The Buffer is bounded
// and evicts the lowest-priority episode on insertion when full.
package trajectory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

var (
	// ErrSealed is returned when a finished builder is used again.
	ErrSealed = errors.New("trajectory already sealed")

	// ErrEmpty is returned when building a trajectory without steps.
	ErrEmpty = errors.New("trajectory has no steps")
)

// Outcome classifies how an episode ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Step is one (s, a, r, s') transition. Next is nil for a terminal step.
type Step struct {
	State     qlearning.State  `json:"state"`
	Action    qlearning.Action `json:"action"`
	Reward    float64          `json:"reward"`
	Next      *qlearning.State `json:"next,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Trajectory is a sealed episode. It is never modified after Build.
type Trajectory struct {
	id          string
	agentID     string
	steps       []Step
	totalReward float64
	outcome     Outcome
	startedAt   time.Time
	endedAt     time.Time
}

func (t *Trajectory) ID() string           { return t.id }
func (t *Trajectory) AgentID() string      { return t.agentID }
func (t *Trajectory) Len() int             { return len(t.steps) }
func (t *Trajectory) TotalReward() float64 { return t.totalReward }
func (t *Trajectory) Outcome() Outcome     { return t.outcome }
func (t *Trajectory) Success() bool        { return t.outcome == OutcomeSuccess }
func (t *Trajectory) StartedAt() time.Time { return t.startedAt }
func (t *Trajectory) EndedAt() time.Time   { return t.endedAt }

// Duration is the wall time between the episode's start and its sealing.
func (t *Trajectory) Duration() time.Duration {
	return t.endedAt.Sub(t.startedAt)
}

// AverageReward is the mean reward per step.
func (t *Trajectory) AverageReward() float64 {
	if len(t.steps) == 0 {
		return 0
	}
	return t.totalReward / float64(len(t.steps))
}

// Steps returns a copy of the episode's steps.
func (t *Trajectory) Steps() []Step {
	out := make([]Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = s
		if s.Next != nil {
			next := *s.Next
			out[i].Next = &next
		}
	}
	return out
}

// Transitions converts the steps into Q-table update inputs.
func (t *Trajectory) Transitions() []qlearning.Transition {
	out := make([]qlearning.Transition, len(t.steps))
	for i, s := range t.steps {
		out[i] = qlearning.Transition{State: s.State, Action: s.Action, Reward: s.Reward}
		if s.Next != nil {
			next := *s.Next
			out[i].Next = &next
		}
	}
	return out
}

// Record is the serializable form of a Trajectory.
type Record struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Steps       []Step    `json:"steps"`
	TotalReward float64   `json:"total_reward"`
	Outcome     Outcome   `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Record returns a serializable copy.
func (t *Trajectory) Record() Record {
	return Record{
		ID:          t.id,
		AgentID:     t.agentID,
		Steps:       t.Steps(),
		TotalReward: t.totalReward,
		Outcome:     t.outcome,
		StartedAt:   t.startedAt,
		EndedAt:     t.endedAt,
	}
}

// FromRecord rebuilds a sealed trajectory. The total reward is recomputed from the steps.
func FromRecord(r Record) (*Trajectory, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("trajectory record has no id")
	}
	if len(r.Steps) == 0 {
		return nil, fmt.Errorf("trajectory %s: %w", r.ID, ErrEmpty)
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
	default:
		return nil, fmt.Errorf("trajectory %s: unknown outcome %q", r.ID, r.Outcome)
	}
	t := &Trajectory{
		id:        r.ID,
		agentID:   r.AgentID,
		steps:     make([]Step, len(r.Steps)),
		outcome:   r.Outcome,
		startedAt: r.StartedAt,
		endedAt:   r.EndedAt,
	}
	copy(t.steps, r.Steps)
	for _, s := range t.steps {
		t.totalReward += s.Reward
	}
	return t, nil
}

// Builder accumulates the steps of an open episode.
type Builder struct {
	id        string
	agentID   string
	steps     []Step
	total     float64
	startedAt time.Time
	sealed    bool
	now       func() time.Time
}

// NewBuilder opens an episode for agentID. A nil clock uses time.Now.
func NewBuilder(agentID string, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		id:        uuid.New().String(),
		agentID:   agentID,
		startedAt: now(),
		now:       now,
	}
}

// ID returns the id the sealed trajectory will carry.
func (b *Builder) ID() string { return b.id }

// Len returns the number of steps added so far.
func (b *Builder) Len() int { return len(b.steps) }

// StartedAt returns when the episode was opened.
func (b *Builder) StartedAt() time.Time { return b.startedAt }

// AddStep appends a transition.
func (b *Builder) AddStep(s qlearning.State, a qlearning.Action, reward float64, next *qlearning.State) error {
	if b.sealed {
		return ErrSealed
	}
	step := Step{State: s, Action: a, Reward: reward, Timestamp: b.now()}
	if next != nil {
		n := *next
		step.Next = &n
	}
	b.steps = append(b.steps, step)
	b.total += reward
	return nil
}

// Build seals the episode as a success or failure.
func (b *Builder) Build(success bool) (*Trajectory, error) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	return b.seal(outcome)
}

// Abandon seals the episode as timed out.
func (b *Builder) Abandon() (*Trajectory, error) {
	return b.seal(OutcomeTimeout)
}

func (b *Builder) seal(outcome Outcome) (*Trajectory, error) {
	if b.sealed {
		return nil, ErrSealed
	}
	if len(b.steps) == 0 {
		return nil, ErrEmpty
	}
	b.sealed = true
	steps := b.steps
	b.steps = nil
	return &Trajectory{
		id:          b.id,
		agentID:     b.agentID,
		steps:       steps,
		totalReward: b.total,
		outcome:     outcome,
		startedAt:   b.startedAt,
		endedAt:     b.now(),
	}, nil
}
