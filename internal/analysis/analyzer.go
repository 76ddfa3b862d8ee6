// Package analysis turns free-text queries into the features the learner
// works with: an intent, typed entities, a complexity level and an embedding.
//
// Everything here is deterministic and model-free.
package analysis

import (
	"fmt"

	"go.uber.org/zap"
)

// Config controls the analyzer.
type Config struct {
	// Dimension is the embedding width.
	Dimension int
	// PatternFile optionally points at a TOML file with extra vocabulary.
	PatternFile string
}

// DefaultConfig returns the standard analyzer settings.
func DefaultConfig() Config {
	return Config{Dimension: DefaultDimension}
}

// Analysis is everything derived from one query.
type Analysis struct {
	Intent     Intent          `json:"intent"`
	Entities   []Entity        `json:"entities"`
	Complexity ComplexityScore `json:"complexity"`
	Embedding  []float32       `json:"-"`
}

// Analyzer bundles the classifier, extractor and embedder.
type Analyzer struct {
	classifier *Classifier
	extractor  *Extractor
	embedder   *Embedder
}

// NewAnalyzer builds an analyzer, applying cfg.PatternFile when set.
func NewAnalyzer(cfg Config, logger *zap.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		classifier: NewClassifier(),
		extractor:  NewExtractor(),
		embedder:   NewEmbedder(cfg.Dimension),
	}
	if cfg.PatternFile != "" {
		pf, err := LoadPatternFile(cfg.PatternFile)
		if err != nil {
			return nil, err
		}
		if err := pf.Apply(a.classifier, a.extractor); err != nil {
			return nil, fmt.Errorf("applying pattern file %s: %w", cfg.PatternFile, err)
		}
		logger.Info("loaded query patterns",
			zap.String("path", cfg.PatternFile),
			zap.Int("intent_sets", len(pf.Intents)),
			zap.Int("entity_sets", len(pf.Entities)))
	}
	return a, nil
}

// Embedder returns the analyzer's embedder.
func (a *Analyzer) Embedder() *Embedder { return a.embedder }

// Analyze classifies, extracts, scores and embeds text.
func (a *Analyzer) Analyze(text string) Analysis {
	entities := a.extractor.Extract(text)
	return Analysis{
		Intent:     a.classifier.Classify(text),
		Entities:   entities,
		Complexity: EstimateComplexity(text, len(entities)),
		Embedding:  a.embedder.Embed(text),
	}
}
