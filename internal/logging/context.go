package logging

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ctxID names an identifier carried in a context for log correlation.
type ctxID int

const (
	agentID ctxID = iota
	peerID
	trajectoryID
	requestID
	numCtxIDs
)

// fieldName is the log key for each ctxID, in output order.
var fieldName = [numCtxIDs]string{"agent_id", "peer_id", "trajectory_id", "request_id"}

const maxIDLen = 128

// sanitizeID truncates id to maxIDLen bytes and replaces anything other than
// ASCII letters, digits, '-' and '_' with '_'. Peer ids come off the wire.
func sanitizeID(id string) string {
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func withID(ctx context.Context, key ctxID, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, sanitizeID(id))
}

func idFrom(ctx context.Context, key ctxID) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithAgentID tags entries with the local agent id. Empty ids are ignored.
func WithAgentID(ctx context.Context, id string) context.Context {
	return withID(ctx, agentID, id)
}

// WithPeerID tags entries with the remote agent a message came from.
func WithPeerID(ctx context.Context, id string) context.Context {
	return withID(ctx, peerID, id)
}

func WithTrajectoryID(ctx context.Context, id string) context.Context {
	return withID(ctx, trajectoryID, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestID, id)
}

func AgentIDFromContext(ctx context.Context) string      { return idFrom(ctx, agentID) }
func PeerIDFromContext(ctx context.Context) string       { return idFrom(ctx, peerID) }
func TrajectoryIDFromContext(ctx context.Context) string { return idFrom(ctx, trajectoryID) }
func RequestIDFromContext(ctx context.Context) string    { return idFrom(ctx, requestID) }

// ContextFields returns the trace and id fields found in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	for key := ctxID(0); key < numCtxIDs; key++ {
		if id := idFrom(ctx, key); id != "" {
			fields = append(fields, zap.String(fieldName[key], id))
		}
	}
	return fields
}

type loggerKey struct{}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
