package logging

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// otelScope is the instrumentation scope of bridged log records.
const otelScope = "github.com/fyrsmithlabs/elexd"

var errNoOutput = errors.New("at least one output must be enabled and available")

// newDualCore tees the stdout core and the OpenTelemetry bridge, whichever
// are enabled, and applies redaction and sampling to both.
func newDualCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	return buildCore(cfg, otelProvider, os.Stdout)
}

func buildCore(cfg *Config, otelProvider log.LoggerProvider, w io.Writer) (zapcore.Core, error) {
	r, err := newRedactor(cfg.Redaction)
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if cfg.Output.Stdout {
		enc := &RedactingEncoder{Encoder: newEncoder(cfg.Format), r: r}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, &redactingCore{
			Core: &levelRangeCore{Core: bridge, min: cfg.Level, max: zapcore.FatalLevel},
			r:    r,
		})
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("building log core: %w", errNoOutput)
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
