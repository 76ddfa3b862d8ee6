package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampledLevels each get their own sampler; Error and above always pass.
var sampledLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore applies the per-level rates in cfg.Rates.
func newSampledCore(core zapcore.Core, cfg Sampling) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	fallback, ok := cfg.Rates[zapcore.InfoLevel]
	if !ok {
		fallback = defaultSampleRates()[zapcore.InfoLevel]
	}

	cores := make([]zapcore.Core, 0, len(sampledLevels)+1)
	cores = append(cores, &levelRangeCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel})
	for _, lvl := range sampledLevels {
		lc, ok := cfg.Rates[lvl]
		if !ok {
			lc = fallback
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelRangeCore{Core: core, min: lvl, max: lvl},
			cfg.Tick.Duration(),
			lc.Initial,
			lc.Thereafter,
		))
	}
	return zapcore.NewTee(cores...)
}

// levelRangeCore passes entries with min <= level <= max.
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
