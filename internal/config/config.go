// Package config loads elexd configuration.
//
// Values come from three layers, highest precedence first:
//  1. Environment variables prefixed with ELEXD_ (ELEXD_SERVER_HTTP_PORT)
//  2. A YAML file (~/.config/elexd/config.yaml by default)
//  3. Built-in defaults from Default
//
// Every section maps onto the settings of one runtime component; the
// conversion helpers at the bottom of this file produce those settings.
package config

import (
	"time"

	"github.com/fyrsmithlabs/elexd/internal/analysis"
	"github.com/fyrsmithlabs/elexd/internal/federation"
	"github.com/fyrsmithlabs/elexd/internal/gossip"
	"github.com/fyrsmithlabs/elexd/internal/hnsw"
	"github.com/fyrsmithlabs/elexd/internal/intelligence"
	"github.com/fyrsmithlabs/elexd/internal/patterns"
	"github.com/fyrsmithlabs/elexd/internal/qlearning"
	"github.com/fyrsmithlabs/elexd/internal/snn"
	"github.com/fyrsmithlabs/elexd/internal/storage"
	"github.com/fyrsmithlabs/elexd/internal/trajectory"
)

// Config holds the complete elexd configuration.
type Config struct {
	Agent         AgentConfig         `koanf:"agent"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Learning      LearningConfig      `koanf:"learning"`
	Reward        RewardConfig        `koanf:"reward"`
	Trajectory    TrajectoryConfig    `koanf:"trajectory"`
	Federation    FederationConfig    `koanf:"federation"`
	Sync          SyncConfig          `koanf:"sync"`
	Patterns      PatternsConfig      `koanf:"patterns"`
	Analysis      AnalysisConfig      `koanf:"analysis"`
	Storage       StorageConfig       `koanf:"storage"`
	SNN           SNNConfig           `koanf:"snn"`
}

// AgentConfig identifies this agent in the swarm.
type AgentConfig struct {
	// ID is generated when empty.
	ID      string `koanf:"id" validate:"omitempty,agentid"`
	DataDir string `koanf:"data_dir" validate:"required"`
}

// ServerConfig holds the diagnostics HTTP server settings.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port" validate:"gte=0,lte=65535"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig holds the logger settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error dpanic panic fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	// OTEL also ships logs through the OpenTelemetry bridge.
	OTEL bool `koanf:"otel"`
}

// ObservabilityConfig holds OpenTelemetry exporter settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint" validate:"required_if=EnableTelemetry true"`
	Protocol        string  `koanf:"protocol" validate:"oneof=grpc http/protobuf"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name" validate:"required"`
	SampleRate      float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
	EnableMetrics   bool    `koanf:"enable_metrics"`
}

// LearningConfig holds Q-learning hyperparameters and background cadences.
type LearningConfig struct {
	LearningRate   float64 `koanf:"learning_rate" validate:"gt=0,lte=1"`
	DiscountFactor float64 `koanf:"discount_factor" validate:"gte=0,lt=1"`
	Epsilon        float64 `koanf:"epsilon" validate:"gte=0,lte=1"`
	EpsilonDecay   float64 `koanf:"epsilon_decay" validate:"gt=0,lte=1"`
	EpsilonMin     float64 `koanf:"epsilon_min" validate:"gte=0,lte=1"`
	InitialValue   float64 `koanf:"initial_value"`
	// DecayInterval is how often exploration decays. Zero disables it.
	DecayInterval Duration `koanf:"decay_interval" validate:"gte=0"`
	// ReplayInterval is how often stored trajectories are replayed. Zero disables it.
	ReplayInterval  Duration `koanf:"replay_interval" validate:"gte=0"`
	ReplayBatch     int      `koanf:"replay_batch" validate:"gt=0"`
	SimilarPatterns int      `koanf:"similar_patterns" validate:"gte=0"`
}

// RewardConfig holds reward shaping constants.
type RewardConfig struct {
	SuccessBonus            float64 `koanf:"success_bonus"`
	LatencyThresholdMs      float64 `koanf:"latency_threshold_ms" validate:"gte=0"`
	LatencyPenaltyPerSecond float64 `koanf:"latency_penalty_per_second" validate:"gte=0"`
	MaxLatencyPenalty       float64 `koanf:"max_latency_penalty" validate:"gte=0"`
	PeerCost                float64 `koanf:"peer_cost" validate:"gte=0"`
	NoveltyBonus            float64 `koanf:"novelty_bonus"`
	EscalationPenalty       float64 `koanf:"escalation_penalty" validate:"gte=0"`
	ClarificationPenalty    float64 `koanf:"clarification_penalty" validate:"gte=0"`
	MinReward               float64 `koanf:"min_reward"`
	MaxReward               float64 `koanf:"max_reward" validate:"gtfield=MinReward"`
}

// TrajectoryConfig holds replay buffer settings.
type TrajectoryConfig struct {
	Capacity    int  `koanf:"capacity" validate:"gt=0"`
	Prioritized bool `koanf:"prioritized"`
}

// FederationConfig holds peer merge settings.
type FederationConfig struct {
	MinConfidence         float64 `koanf:"min_confidence" validate:"gte=0,lt=1"`
	SignificanceThreshold float64 `koanf:"significance_threshold" validate:"gte=0"`
	Strategy              string  `koanf:"strategy" validate:"oneof=weighted_average maximum minimum"`
}

// SyncConfig holds gossip settings.
type SyncConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url" validate:"required_if=Enabled true"`
	Token         Secret `koanf:"token"`
	SubjectPrefix string `koanf:"subject_prefix" validate:"required"`

	Interval             Duration `koanf:"interval" validate:"gt=0"`
	InteractionThreshold int      `koanf:"interaction_threshold" validate:"gt=0"`
	TickInterval         Duration `koanf:"tick_interval" validate:"gt=0"`
	StalenessWindow      Duration `koanf:"staleness_window" validate:"gt=0"`
	MaxPeers             int      `koanf:"max_peers" validate:"gt=0"`
	Fanout               int      `koanf:"fanout" validate:"gte=0"`
	Compress             bool     `koanf:"compress"`
	PeerRateLimit        float64  `koanf:"peer_rate_limit" validate:"gte=0"`
	PeerBurst            int      `koanf:"peer_burst" validate:"gte=0"`
	ReconnectWait        Duration `koanf:"reconnect_wait" validate:"gt=0"`
	MaxReconnects        int      `koanf:"max_reconnects"`
}

// PatternsConfig holds pattern store and HNSW settings.
type PatternsConfig struct {
	MaxPatterns    int    `koanf:"max_patterns" validate:"gt=0"`
	Dimension      int    `koanf:"dimension" validate:"gt=0"`
	M              int    `koanf:"m" validate:"gte=2"`
	EfConstruction int    `koanf:"ef_construction" validate:"gtefield=M"`
	EfSearch       int    `koanf:"ef_search" validate:"gt=0"`
	MaxLevel       int    `koanf:"max_level" validate:"gte=0"`
	Metric         string `koanf:"metric" validate:"oneof=cosine euclidean dot"`
	// Archive mirrors patterns into a chromem database under ArchivePath.
	Archive         bool   `koanf:"archive"`
	ArchivePath     string `koanf:"archive_path"`
	ArchiveCompress bool   `koanf:"archive_compress"`
	// ScrubSecrets redacts credentials from pattern text before storage.
	ScrubSecrets bool `koanf:"scrub_secrets"`
}

// AnalysisConfig holds query analysis settings.
type AnalysisConfig struct {
	// PatternFile optionally points at a TOML vocabulary file.
	PatternFile string `koanf:"pattern_file"`
}

// StorageConfig holds durable state settings.
type StorageConfig struct {
	Path           string   `koanf:"path"`
	InMemory       bool     `koanf:"in_memory"`
	SyncWrites     bool     `koanf:"sync_writes"`
	Compress       bool     `koanf:"compress"`
	GCInterval     Duration `koanf:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64  `koanf:"gc_discard_ratio" validate:"gt=0,lt=1"`
	// SaveInterval is how often state is persisted while running. Zero saves on shutdown only.
	SaveInterval Duration `koanf:"save_interval" validate:"gte=0"`
}

// SNNConfig holds anomaly detector settings.
type SNNConfig struct {
	Inputs               int     `koanf:"inputs" validate:"gt=0"`
	NeuronsPerPopulation int     `koanf:"neurons_per_population" validate:"gt=0"`
	TimeSteps            int     `koanf:"time_steps" validate:"gt=0"`
	Threshold            float64 `koanf:"threshold" validate:"gt=0"`
	Decay                float64 `koanf:"decay" validate:"gte=0,lt=1"`
	RefractorySteps      int     `koanf:"refractory_steps" validate:"gte=0"`
	APlus                float64 `koanf:"a_plus" validate:"gte=0"`
	AMinus               float64 `koanf:"a_minus" validate:"gte=0"`
	NormalizeWeights     bool    `koanf:"normalize_weights"`
}

// Default returns the built-in configuration. Agent.ID is left empty and
// filled in by Load.
func Default() *Config {
	ql := qlearning.DefaultConfig()
	rw := qlearning.DefaultRewardConfig()
	tr := trajectory.DefaultConfig()
	fed := federation.DefaultConfig()
	gs := gossip.DefaultConfig()
	pt := patterns.DefaultConfig()
	st := storage.DefaultConfig("")
	nn := snn.DefaultConfig()

	return &Config{
		Agent: AgentConfig{
			DataDir: "~/.local/share/elexd",
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Endpoint:      "localhost:4317",
			Protocol:      "grpc",
			Insecure:      true,
			ServiceName:   "elexd",
			SampleRate:    1.0,
			EnableMetrics: true,
		},
		Learning: LearningConfig{
			LearningRate:    ql.LearningRate,
			DiscountFactor:  ql.DiscountFactor,
			Epsilon:         ql.Epsilon,
			EpsilonDecay:    ql.EpsilonDecay,
			EpsilonMin:      ql.EpsilonMin,
			InitialValue:    ql.InitialValue,
			DecayInterval:   Duration(time.Minute),
			ReplayInterval:  Duration(5 * time.Minute),
			ReplayBatch:     32,
			SimilarPatterns: intelligence.DefaultConfig("").SimilarPatterns,
		},
		Reward: RewardConfig{
			SuccessBonus:            rw.SuccessBonus,
			LatencyThresholdMs:      rw.LatencyThresholdMs,
			LatencyPenaltyPerSecond: rw.LatencyPenaltyPerSecond,
			MaxLatencyPenalty:       rw.MaxLatencyPenalty,
			PeerCost:                rw.PeerCost,
			NoveltyBonus:            rw.NoveltyBonus,
			EscalationPenalty:       rw.EscalationPenalty,
			ClarificationPenalty:    rw.ClarificationPenalty,
			MinReward:               rw.MinReward,
			MaxReward:               rw.MaxReward,
		},
		Trajectory: TrajectoryConfig{
			Capacity:    tr.Capacity,
			Prioritized: tr.Prioritized,
		},
		Federation: FederationConfig{
			MinConfidence:         fed.MinConfidence,
			SignificanceThreshold: fed.SignificanceThreshold,
			Strategy:              string(fed.Strategy),
		},
		Sync: SyncConfig{
			NATSURL:              "nats://localhost:4222",
			SubjectPrefix:        gossip.DefaultSubjectPrefix,
			Interval:             Duration(gs.Interval),
			InteractionThreshold: gs.InteractionThreshold,
			TickInterval:         Duration(gs.TickInterval),
			StalenessWindow:      Duration(gs.StalenessWindow),
			MaxPeers:             gs.MaxPeers,
			Fanout:               gs.Fanout,
			Compress:             gs.Compress,
			PeerRateLimit:        gs.PeerRateLimit,
			PeerBurst:            gs.PeerBurst,
			ReconnectWait:        Duration(2 * time.Second),
			MaxReconnects:        -1,
		},
		Patterns: PatternsConfig{
			MaxPatterns:     pt.MaxPatterns,
			Dimension:       analysis.DefaultDimension,
			M:               pt.Index.M,
			EfConstruction:  pt.Index.EfConstruction,
			EfSearch:        pt.Index.EfSearch,
			MaxLevel:        pt.Index.MaxLevel,
			Metric:          string(pt.Index.Metric),
			ArchiveCompress: true,
			ScrubSecrets:    true,
		},
		Storage: StorageConfig{
			SyncWrites:     st.SyncWrites,
			Compress:       st.Compress,
			GCInterval:     Duration(st.GCInterval),
			GCDiscardRatio: st.GCDiscardRatio,
			SaveInterval:   Duration(time.Minute),
		},
		SNN: SNNConfig{
			Inputs:               nn.Inputs,
			NeuronsPerPopulation: nn.NeuronsPerPopulation,
			TimeSteps:            nn.TimeSteps,
			Threshold:            nn.Threshold,
			Decay:                nn.Decay,
			RefractorySteps:      nn.RefractorySteps,
			APlus:                nn.APlus,
			AMinus:               nn.AMinus,
			NormalizeWeights:     nn.NormalizeWeights,
		},
	}
}

// IntelligenceConfig converts the learning sections into service settings.
func (c *Config) IntelligenceConfig() intelligence.Config {
	out := intelligence.DefaultConfig(c.Agent.ID)
	out.QLearning = qlearning.Config{
		LearningRate:   c.Learning.LearningRate,
		DiscountFactor: c.Learning.DiscountFactor,
		Epsilon:        c.Learning.Epsilon,
		EpsilonDecay:   c.Learning.EpsilonDecay,
		EpsilonMin:     c.Learning.EpsilonMin,
		InitialValue:   c.Learning.InitialValue,
	}
	out.Reward = qlearning.RewardConfig{
		SuccessBonus:            c.Reward.SuccessBonus,
		LatencyThresholdMs:      c.Reward.LatencyThresholdMs,
		LatencyPenaltyPerSecond: c.Reward.LatencyPenaltyPerSecond,
		MaxLatencyPenalty:       c.Reward.MaxLatencyPenalty,
		PeerCost:                c.Reward.PeerCost,
		NoveltyBonus:            c.Reward.NoveltyBonus,
		EscalationPenalty:       c.Reward.EscalationPenalty,
		ClarificationPenalty:    c.Reward.ClarificationPenalty,
		MinReward:               c.Reward.MinReward,
		MaxReward:               c.Reward.MaxReward,
	}
	out.Trajectory = trajectory.Config{
		Capacity:    c.Trajectory.Capacity,
		Prioritized: c.Trajectory.Prioritized,
	}
	out.Federation = federation.Config{
		MinConfidence:         c.Federation.MinConfidence,
		SignificanceThreshold: c.Federation.SignificanceThreshold,
		Strategy:              federation.Strategy(c.Federation.Strategy),
	}
	out.Patterns = patterns.Config{
		MaxPatterns: c.Patterns.MaxPatterns,
		Index: hnsw.Config{
			Dimension:      c.Patterns.Dimension,
			M:              c.Patterns.M,
			EfConstruction: c.Patterns.EfConstruction,
			EfSearch:       c.Patterns.EfSearch,
			MaxLevel:       c.Patterns.MaxLevel,
			Metric:         hnsw.Metric(c.Patterns.Metric),
		},
	}
	out.Analysis = analysis.Config{
		Dimension:   c.Patterns.Dimension,
		PatternFile: c.Analysis.PatternFile,
	}
	out.SNN.Inputs = c.SNN.Inputs
	out.SNN.NeuronsPerPopulation = c.SNN.NeuronsPerPopulation
	out.SNN.TimeSteps = c.SNN.TimeSteps
	out.SNN.Threshold = c.SNN.Threshold
	out.SNN.Decay = c.SNN.Decay
	out.SNN.RefractorySteps = c.SNN.RefractorySteps
	out.SNN.APlus = c.SNN.APlus
	out.SNN.AMinus = c.SNN.AMinus
	out.SNN.NormalizeWeights = c.SNN.NormalizeWeights
	out.SimilarPatterns = c.Learning.SimilarPatterns
	return out
}

// GossipConfig converts the sync section into coordinator settings.
func (c *Config) GossipConfig() gossip.Config {
	return gossip.Config{
		Interval:             c.Sync.Interval.Duration(),
		InteractionThreshold: c.Sync.InteractionThreshold,
		TickInterval:         c.Sync.TickInterval.Duration(),
		StalenessWindow:      c.Sync.StalenessWindow.Duration(),
		MaxPeers:             c.Sync.MaxPeers,
		Fanout:               c.Sync.Fanout,
		Compress:             c.Sync.Compress,
		PeerRateLimit:        c.Sync.PeerRateLimit,
		PeerBurst:            c.Sync.PeerBurst,
	}
}

// StorageConfig converts the storage section into store settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Path:           c.Storage.Path,
		InMemory:       c.Storage.InMemory,
		SyncWrites:     c.Storage.SyncWrites,
		Compress:       c.Storage.Compress,
		GCInterval:     c.Storage.GCInterval.Duration(),
		GCDiscardRatio: c.Storage.GCDiscardRatio,
	}
}
