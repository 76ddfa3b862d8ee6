package analysis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

// GeneralConfidence is reported when no category wins outright.
const GeneralConfidence = 0.5

const (
	keywordWeight = 1.0
	// PatternWeight is the default score of a regex hit.
	PatternWeight = 1.5
)

// IntentScore is one category's share of the evidence.
type IntentScore struct {
	Type       qlearning.QueryType `json:"type"`
	Score      float64             `json:"score"`
	Confidence float64             `json:"confidence"`
}

// Intent is the classification of a query.
type Intent struct {
	Type       qlearning.QueryType `json:"type"`
	Confidence float64             `json:"confidence"`
	// Alternatives are the other categories that scored, best first.
	Alternatives []IntentScore `json:"alternatives,omitempty"`
}

type rule struct {
	re     *regexp.Regexp
	weight float64
}

// Classifier scores text against per-category keyword and regex sets.
// It is read-only after construction and safe for concurrent use.
type Classifier struct {
	rules map[qlearning.QueryType][]rule
}

var defaultKeywords = map[qlearning.QueryType][]string{
	qlearning.QueryParameter: {
		"parameter", "parameters", "set", "configure", "change", "value of", "setting", "threshold",
	},
	qlearning.QueryCounter: {
		"counter", "counters", "pm", "performance", "statistics", "measurement",
	},
	qlearning.QueryKPI: {
		"kpi", "success rate", "throughput", "latency", "handover", "accessibility", "retainability", "drop rate",
	},
	qlearning.QueryProcedure: {
		"how to", "how do i", "procedure", "steps", "activate", "deactivate", "enable", "disable",
	},
	qlearning.QueryTroubleshoot: {
		"trouble", "troubleshoot", "issue", "problem", "error", "failing", "failure", "why is", "not working",
	},
}

var defaultPatterns = map[qlearning.QueryType][]string{
	qlearning.QueryParameter:    {`(?i)\b(?:default|current|recommended) value\b`},
	qlearning.QueryCounter:      {`\bpm[A-Z][A-Za-z0-9]*\b`},
	qlearning.QueryKPI:          {`(?i)\b\w+ (?:success|drop|failure) rate\b`},
	qlearning.QueryProcedure:    {`(?i)^\s*how (?:do|can|should) (?:i|we)\b`},
	qlearning.QueryTroubleshoot: {`(?i)\bwhy (?:is|are|does|do)\b`},
}

// NewClassifier builds a classifier with the built-in telecom vocabulary.
func NewClassifier() *Classifier {
	c := &Classifier{rules: make(map[qlearning.QueryType][]rule)}
	for _, qt := range qlearning.AllQueryTypes() {
		for _, kw := range defaultKeywords[qt] {
			c.rules[qt] = append(c.rules[qt], keywordRule(kw, keywordWeight))
		}
		for _, p := range defaultPatterns[qt] {
			c.rules[qt] = append(c.rules[qt], rule{re: regexp.MustCompile(p), weight: PatternWeight})
		}
	}
	return c
}

func keywordRule(kw string, weight float64) rule {
	return rule{
		re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(kw)) + `\b`),
		weight: weight,
	}
}

// AddKeyword registers an extra keyword for category.
func (c *Classifier) AddKeyword(category qlearning.QueryType, keyword string, weight float64) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", qlearning.ErrUnknownQueryType, category)
	}
	if strings.TrimSpace(keyword) == "" {
		return fmt.Errorf("keyword cannot be empty")
	}
	if weight <= 0 {
		weight = keywordWeight
	}
	c.rules[category] = append(c.rules[category], keywordRule(keyword, weight))
	return nil
}

// AddPattern registers an extra regex for category.
func (c *Classifier) AddPattern(category qlearning.QueryType, pattern string, weight float64) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", qlearning.ErrUnknownQueryType, category)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling intent pattern %q: %w", pattern, err)
	}
	if weight <= 0 {
		weight = PatternWeight
	}
	c.rules[category] = append(c.rules[category], rule{re: re, weight: weight})
	return nil
}

// Classify returns the best category for text. The confidence is the
// winner's share of the total score. A tie at the top or no evidence at all
// yields QueryGeneral at GeneralConfidence.
func (c *Classifier) Classify(text string) Intent {
	var scores []IntentScore
	var total float64
	for _, qt := range qlearning.AllQueryTypes() {
		var s float64
		for _, r := range c.rules[qt] {
			if r.re.MatchString(text) {
				s += r.weight
			}
		}
		if s > 0 {
			scores = append(scores, IntentScore{Type: qt, Score: s})
			total += s
		}
	}
	// Stable so equal scores keep category order.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	for i := range scores {
		scores[i].Confidence = scores[i].Score / total
	}

	if len(scores) == 0 {
		return Intent{Type: qlearning.QueryGeneral, Confidence: GeneralConfidence}
	}
	if len(scores) > 1 && scores[0].Score == scores[1].Score {
		return Intent{Type: qlearning.QueryGeneral, Confidence: GeneralConfidence, Alternatives: scores}
	}
	return Intent{Type: scores[0].Type, Confidence: scores[0].Confidence, Alternatives: scores[1:]}
}
