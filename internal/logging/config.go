package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/elexd/internal/config"
)

// Config describes one logger. The agent builds it from config.LoggingConfig
// with NewConfig; the remaining knobs keep their defaults.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"
	Output Outputs

	Sampling Sampling

	Caller     bool
	CallerSkip int
	// StacktraceLevel attaches stacks at and above this level. Zero
	// (Info) disables them.
	StacktraceLevel zapcore.Level

	// Fields are added to every entry.
	Fields    map[string]string
	Redaction RedactionConfig
}

type Outputs struct {
	Stdout bool
	OTEL   bool
}

// Sampling thins repeated entries per level within each Tick. Levels
// without an entry in Rates use the Info rate.
type Sampling struct {
	Enabled bool
	Tick    config.Duration
	Rates   map[zapcore.Level]SampleRate
}

// SampleRate keeps the first Initial entries of a message per tick, then
// every Thereafter-th one.
type SampleRate struct {
	Initial    int
	Thereafter int
}

// RedactionConfig lists field keys whose values are hidden and value
// patterns that hide a string wherever it appears.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// sensitiveKeys are redacted by default.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"bearer", "credential", "private_key", "sync_token", "nkey_seed",
}

func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: Outputs{Stdout: true},
		Sampling: Sampling{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Rates:   defaultSampleRates(),
		},
		Caller:          true,
		CallerSkip:      1,
		StacktraceLevel: zapcore.ErrorLevel,
		Fields:          map[string]string{"service": "elexd"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), sensitiveKeys...),
			Patterns: []string{`(?i)bearer\s+\S+`, `(?i)api[_-]?key[=:]\s*\S+`},
		},
	}
}

// NewConfig returns the defaults with the operator-facing settings applied.
// level accepts "trace" in addition to the zap level names.
func NewConfig(level, format string, otel bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if level != "" {
		l, err := LevelFromString(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = l
	}
	if format != "" {
		cfg.Format = format
	}
	cfg.Output.OTEL = otel
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Trace is kept at one entry per message and tick; errors are never sampled.
func defaultSampleRates() map[zapcore.Level]SampleRate {
	return map[zapcore.Level]SampleRate{
		TraceLevel:         {Initial: 1},
		zapcore.DebugLevel: {Initial: 10},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		errs = append(errs, errors.New("at least one output must be enabled"))
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		errs = append(errs, errors.New("sampling tick must be positive"))
	}
	if c.Caller && c.CallerSkip < 0 {
		errs = append(errs, fmt.Errorf("caller skip must not be negative, got %d", c.CallerSkip))
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				errs = append(errs, fmt.Errorf("redaction pattern longer than %d chars", maxPatternLen))
				continue
			}
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("invalid redaction pattern %q: %w", p, err))
			}
		}
	}
	for k, v := range c.Fields {
		switch {
		case k == "":
			errs = append(errs, errors.New("field key cannot be empty"))
		case v == "":
			errs = append(errs, fmt.Errorf("field %q has empty value", k))
		}
	}
	return errors.Join(errs...)
}
