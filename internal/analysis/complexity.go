package analysis

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

var (
	conditionalRe = regexp.MustCompile(`(?i)\b(?:if|when|unless|while|after|before|otherwise)\b`)
	technicalRe   = regexp.MustCompile(`(?i)\b(?:configure|configuration|optimi[sz]e|parameters?|counters?|kpis?|handover|interference|carrier aggregation|mimo|load balancing|threshold|neighbou?r|cell|bandwidth|scheduler|power)\b`)
	clauseRe      = regexp.MustCompile(`(?i),|\band\b|\bor\b`)
)

// ComplexityScore explains a complexity estimate.
type ComplexityScore struct {
	Level        qlearning.Complexity `json:"level"`
	Score        int                  `json:"score"`
	Words        int                  `json:"words"`
	Entities     int                  `json:"entities"`
	Questions    int                  `json:"questions"`
	Conditionals int                  `json:"conditionals"`
	Technical    int                  `json:"technical"`
	Clauses      int                  `json:"clauses"`
}

// EstimateComplexity scores text. Points are given for length, entity count,
// more than one question mark, conditional wording, repeated technical
// terms and multiple clauses. A score of at most 1 is simple, 2 or 3 is
// moderate and 4 or more is complex.
func EstimateComplexity(text string, entityCount int) ComplexityScore {
	cs := ComplexityScore{
		Words:        len(strings.Fields(text)),
		Entities:     entityCount,
		Questions:    strings.Count(text, "?"),
		Conditionals: len(conditionalRe.FindAllStringIndex(text, -1)),
		Technical:    len(technicalRe.FindAllStringIndex(text, -1)),
		Clauses:      len(clauseRe.FindAllStringIndex(text, -1)),
	}

	switch {
	case cs.Words > 30:
		cs.Score += 3
	case cs.Words > 15:
		cs.Score += 2
	case cs.Words > 5:
		cs.Score++
	}
	switch {
	case cs.Entities >= 5:
		cs.Score += 2
	case cs.Entities >= 3:
		cs.Score++
	}
	if cs.Questions > 1 {
		cs.Score++
	}
	if cs.Conditionals > 0 {
		cs.Score++
	}
	if cs.Technical >= 2 {
		cs.Score++
	}
	if cs.Clauses > 0 {
		cs.Score++
	}

	switch {
	case cs.Score <= 1:
		cs.Level = qlearning.ComplexitySimple
	case cs.Score <= 3:
		cs.Level = qlearning.ComplexityModerate
	default:
		cs.Level = qlearning.ComplexityComplex
	}
	return cs
}
