package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultReplacement is substituted for every redacted span.
const DefaultReplacement = "[REDACTED]"

var redactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "elexd",
		Subsystem: "secrets",
		Name:      "redactions_total",
		Help:      "Total number of credential spans redacted, by rule",
	},
	[]string{"rule"},
)

// Rule detects one kind of credential.
type Rule struct {
	ID      string
	Pattern string
	// Keywords gate the rule: it only runs when one appears in the text,
	// case-insensitively.
	Keywords []string
}

// Config configures a Scrubber.
type Config struct {
	Rules       []Rule
	Replacement string
	// AllowList holds patterns for matches that must be left alone, such as
	// documented example keys.
	AllowList []string
}

// DefaultConfig returns the built-in rule set.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), Replacement: DefaultReplacement}
}

// Finding locates a redacted span in the input.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber is safe for concurrent use.
type Scrubber struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string
}

// New compiles cfg.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{replacement: cfg.Replacement}
	if s.replacement == "" {
		s.replacement = DefaultReplacement
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// MustNew is New for static configurations.
func MustNew(cfg Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub returns text with every finding replaced. Overlapping findings are
// merged into one replacement; the returned findings are ordered by start.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	findings := s.Check(text)
	if len(findings) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, span := range merge(findings) {
		b.WriteString(text[pos:span.Start])
		b.WriteString(s.replacement)
		pos = span.End
	}
	b.WriteString(text[pos:])

	for _, f := range findings {
		redactionsTotal.WithLabelValues(f.RuleID).Inc()
	}
	return b.String(), findings
}

// Check reports findings without modifying text.
func (s *Scrubber) Check(text string) []Finding {
	if s == nil || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var findings []Finding
	for _, r := range s.rules {
		if !r.gated(lower) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if m[0] == m[1] || s.allowed(text[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{RuleID: r.id, Start: m[0], End: m[1]})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
	return findings
}

func (r compiledRule) gated(lower string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge collapses overlapping or touching spans. findings must be sorted by start.
func merge(findings []Finding) []Finding {
	out := []Finding{findings[0]}
	for _, f := range findings[1:] {
		last := &out[len(out)-1]
		if f.Start <= last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		out = append(out, f)
	}
	return out
}
