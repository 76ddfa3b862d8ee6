package qlearning

import (
	"fmt"
	"math"
)

// Signal is the feedback bundle collected after an interaction.
type Signal struct {
	UserRating        float64 `json:"user_rating"`
	ResolutionSuccess bool    `json:"resolution_success"`
	LatencyMs         float64 `json:"latency_ms"`
	ConsultedPeers    int     `json:"consulted_peers"`
	IsNovelQuery      bool    `json:"is_novel_query"`
}

// RewardConfig shapes the scalar reward.
type RewardConfig struct {
	SuccessBonus            float64
	LatencyThresholdMs      float64
	LatencyPenaltyPerSecond float64
	MaxLatencyPenalty       float64
	PeerCost                float64
	NoveltyBonus            float64
	EscalationPenalty       float64
	ClarificationPenalty    float64
	MinReward               float64
	MaxReward               float64
}

// DefaultRewardConfig returns the standard shaping constants.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		SuccessBonus:            0.5,
		LatencyThresholdMs:      500,
		LatencyPenaltyPerSecond: 0.1,
		MaxLatencyPenalty:       0.3,
		PeerCost:                0.05,
		NoveltyBonus:            0.1,
		EscalationPenalty:       0.2,
		ClarificationPenalty:    0.05,
		MinReward:               -2,
		MaxReward:               2,
	}
}

// Validate checks that the clamp range is well formed and penalties are non-negative.
func (c RewardConfig) Validate() error {
	if c.MinReward >= c.MaxReward {
		return fmt.Errorf("min reward %v must be below max reward %v", c.MinReward, c.MaxReward)
	}
	if c.LatencyThresholdMs < 0 || c.LatencyPenaltyPerSecond < 0 || c.MaxLatencyPenalty < 0 {
		return fmt.Errorf("latency penalty settings must be non-negative")
	}
	if c.PeerCost < 0 || c.EscalationPenalty < 0 || c.ClarificationPenalty < 0 {
		return fmt.Errorf("penalties must be non-negative")
	}
	return nil
}

// RewardBreakdown lists each component that went into a reward.
// Penalties are reported as negative numbers.
type RewardBreakdown struct {
	UserRating     float64 `json:"user_rating"`
	SuccessBonus   float64 `json:"success_bonus"`
	LatencyPenalty float64 `json:"latency_penalty"`
	PeerCost       float64 `json:"peer_cost"`
	NoveltyBonus   float64 `json:"novelty_bonus"`
	ActionModifier float64 `json:"action_modifier"`
}

// Sum adds the components without clamping.
func (b RewardBreakdown) Sum() float64 {
	return b.UserRating + b.SuccessBonus + b.LatencyPenalty + b.PeerCost + b.NoveltyBonus + b.ActionModifier
}

// ComputedReward is the clamped total plus its breakdown.
type ComputedReward struct {
	Total     float64         `json:"total"`
	Breakdown RewardBreakdown `json:"breakdown"`
	Clamped   bool            `json:"clamped"`
}

// RewardCalculator converts signals into rewards. It holds no mutable state.
type RewardCalculator struct {
	cfg RewardConfig
}

// NewRewardCalculator creates a calculator with cfg.
func NewRewardCalculator(cfg RewardConfig) (*RewardCalculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reward config: %w", err)
	}
	return &RewardCalculator{cfg: cfg}, nil
}

// Config returns the calculator's settings.
func (c *RewardCalculator) Config() RewardConfig {
	return c.cfg
}

// Calculate computes the reward for taking action under sig.
func (c *RewardCalculator) Calculate(sig Signal, action Action) ComputedReward {
	var b RewardBreakdown

	b.UserRating = clamp(nanToZero(sig.UserRating), -1, 1)
	if sig.ResolutionSuccess {
		b.SuccessBonus = c.cfg.SuccessBonus
	}

	if over := nanToZero(sig.LatencyMs) - c.cfg.LatencyThresholdMs; over > 0 {
		penalty := over / 1000 * c.cfg.LatencyPenaltyPerSecond
		b.LatencyPenalty = -math.Min(penalty, c.cfg.MaxLatencyPenalty)
	}

	if sig.ConsultedPeers > 0 {
		b.PeerCost = -float64(sig.ConsultedPeers) * c.cfg.PeerCost
	}
	if sig.IsNovelQuery {
		b.NoveltyBonus = c.cfg.NoveltyBonus
	}

	switch action {
	case ActionEscalate:
		// Escalating a query that was resolved anyway was unnecessary.
		if sig.ResolutionSuccess {
			b.ActionModifier = -c.cfg.EscalationPenalty
		}
	case ActionRequestClarification:
		b.ActionModifier = -c.cfg.ClarificationPenalty
	}

	raw := b.Sum()
	total := clamp(raw, c.cfg.MinReward, c.cfg.MaxReward)
	return ComputedReward{Total: total, Breakdown: b, Clamped: total != raw}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
