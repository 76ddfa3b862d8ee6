package patterns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

var archiveTracer = otel.Tracer("elexd.patterns.chromem")

// DefaultCollection is the chromem collection holding archived patterns.
const DefaultCollection = "elexd_patterns"

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
var errNoEmbedder = errors.New("pattern archive stores precomputed embeddings only")

const (
	metaState     = "state"
	metaAction    = "action"
	metaOutcome   = "outcome"
	metaUsage     = "usage_count"
	metaCreatedAt = "created_at"
	metaLastUsed  = "last_used"
)

// ChromemArchive mirrors patterns into a chromem-go collection.
//
// Patterns with an all-zero embedding are not archived since chromem
// normalizes vectors on insert.
type ChromemArchive struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
	logger     *zap.Logger
}

// NewChromemArchive uses an existing database. Pass chromem.NewDB() for an in-memory archive.
func NewChromemArchive(db *chromem.DB, collection string, dimension int, logger *zap.Logger) (*ChromemArchive, error) {
	if db == nil {
		return nil, fmt.Errorf("chromem db is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	col, err := db.GetOrCreateCollection(collection, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}
	return &ChromemArchive{db: db, collection: col, dimension: dimension, logger: logger}, nil
}

// OpenChromemArchive opens a persistent archive under path.
func OpenChromemArchive(path string, compress bool, dimension int, logger *zap.Logger) (*ChromemArchive, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}
	a, err := NewChromemArchive(db, DefaultCollection, dimension, logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info("pattern archive opened",
		zap.String("path", path),
		zap.Bool("compress", compress),
		zap.Int("patterns", a.collection.Count()))
	return a, nil
}

// Count returns the number of archived patterns.
func (a *ChromemArchive) Count() int {
	return a.collection.Count()
}

// Put stores or overwrites p.
func (a *ChromemArchive) Put(ctx context.Context, p Pattern) error {
	ctx, span := archiveTracer.Start(ctx, "ChromemArchive.Put")
	defer span.End()
	span.SetAttributes(attribute.String("pattern_id", p.ID))

	if len(p.Embedding) != a.dimension {
		err := fmt.Errorf("embedding has %d dimensions, archive expects %d", len(p.Embedding), a.dimension)
		span.RecordError(err)
		return err
	}
	if isZero(p.Embedding) {
		span.SetStatus(codes.Ok, "skipped zero embedding")
		return nil
	}

	meta := map[string]string{
		metaState:     p.State.Key(),
		metaAction:    p.Action.String(),
		metaOutcome:   string(p.Outcome),
		metaUsage:     strconv.FormatUint(p.UsageCount, 10),
		metaCreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !p.LastUsed.IsZero() {
		meta[metaLastUsed] = p.LastUsed.UTC().Format(time.RFC3339Nano)
	}

	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.Context,
		Metadata:  meta,
		Embedding: append([]float32(nil), p.Embedding...),
	}
	if err := a.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("archiving pattern %s: %w", p.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes id. Unknown ids are not an error.
func (a *ChromemArchive) Delete(ctx context.Context, id string) error {
	ctx, span := archiveTracer.Start(ctx, "ChromemArchive.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("pattern_id", id))

	if err := a.collection.Delete(ctx, nil, nil, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting archived pattern %s: %w", id, err)
	}
	return nil
}

// Load returns every archived pattern. Documents whose metadata cannot be
// decoded are skipped and logged.
func (a *ChromemArchive) Load(ctx context.Context) ([]Pattern, error) {
	ctx, span := archiveTracer.Start(ctx, "ChromemArchive.Load")
	defer span.End()

	n := a.collection.Count()
	span.SetAttributes(attribute.Int("count", n))
	if n == 0 {
		return nil, nil
	}

	// chromem has no scan API; a query with nResults equal to the collection
	// size returns every document.
	probe := make([]float32, a.dimension)
	probe[0] = 1
	results, err := a.collection.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading pattern archive: %w", err)
	}

	out := make([]Pattern, 0, len(results))
	for _, r := range results {
		p, err := patternFromDocument(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			a.logger.Warn("skipping undecodable archived pattern", zap.String("pattern_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func patternFromDocument(id, content string, meta map[string]string, embedding []float32) (Pattern, error) {
	state, err := qlearning.DecodeState(meta[metaState])
	if err != nil {
		return Pattern{}, err
	}
	action, err := qlearning.ParseAction(meta[metaAction])
	if err != nil {
		return Pattern{}, err
	}
	outcome := Outcome(meta[metaOutcome])
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return Pattern{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	usage, err := strconv.ParseUint(meta[metaUsage], 10, 64)
	if err != nil {
		return Pattern{}, fmt.Errorf("usage count: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return Pattern{}, fmt.Errorf("created_at: %w", err)
	}
	p := Pattern{
		ID:         id,
		State:      state,
		Action:     action,
		Outcome:    outcome,
		Context:    content,
		Embedding:  append([]float32(nil), embedding...),
		CreatedAt:  created,
		UsageCount: usage,
	}
	if v, ok := meta[metaLastUsed]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastUsed = t
		}
	}
	return p, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
