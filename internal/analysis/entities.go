package analysis

import (
	"fmt"
	"regexp"
	"sort"
)

// EntityType names a kind of domain entity.
type EntityType string

const (
	EntityFeatureCode EntityType = "feature_code"
	EntityMOClass     EntityType = "mo_class"
	EntityCounter     EntityType = "counter"
	EntityKPI         EntityType = "kpi"
	EntityAlarm       EntityType = "alarm"
	EntityCellID      EntityType = "cell_id"
	EntityParameter   EntityType = "parameter"
	EntityValue       EntityType = "value"
)

// entityPriority breaks ties between matches with the same span; lower wins.
var entityPriority = map[EntityType]int{
	EntityFeatureCode: 0,
	EntityMOClass:     1,
	EntityCounter:     2,
	EntityKPI:         3,
	EntityAlarm:       4,
	EntityCellID:      5,
	EntityParameter:   6,
	EntityValue:       7,
}

// ParseEntityType validates an entity type name.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if _, ok := entityPriority[t]; !ok {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Entity is a typed span of the input. Start and End are byte offsets, End exclusive.
type Entity struct {
	Type  EntityType `json:"type"`
	Text  string     `json:"text"`
	Start int        `json:"start"`
	End   int        `json:"end"`
}

type entityRule struct {
	typ EntityType
	re  *regexp.Regexp
}

var defaultEntityPatterns = []struct {
	typ     EntityType
	pattern string
}{
	{EntityFeatureCode, `\bFAJ\s?\d{3}\s?\d{3,4}\b`},
	{EntityMOClass, `\b(?:EUtranCellFDD|EUtranCellTDD|NRCellDU|NRCellCU|ENodeBFunction|GNodeBFunction|MimoSleepFunction|AnrFunction|HoFunction)\b`},
	{EntityCounter, `\bpm[A-Z][A-Za-z0-9]*\b`},
	{EntityKPI, `(?i)\b(?:handover success rate|call drop rate|rrc setup success rate|erab drop rate|throughput|latency|accessibility|retainability|availability|prb utili[sz]ation)\b`},
	{EntityAlarm, `\b(?:[A-Z][A-Za-z]*(?:Alarm|Fault)|ALM-?\d+)\b`},
	{EntityCellID, `(?i)\b(?:cell|node|site|enb|gnb)[-_]?\d+\b`},
	{EntityParameter, `\b[a-z][a-z0-9]*(?:[A-Z][a-z0-9]*)+\b`},
	{EntityValue, `(?i)(?:\b\d+(?:\.\d+)?(?:\s?(?:dbm|db|ms|mhz|%))?|\b(?:true|false|enabled|disabled)\b)`},
}

// Extractor finds typed entities in query text. It is read-only after
// construction and safe for concurrent use.
type Extractor struct {
	rules []entityRule
}

// NewExtractor builds an extractor with the built-in entity patterns.
func NewExtractor() *Extractor {
	e := &Extractor{}
	for _, p := range defaultEntityPatterns {
		e.rules = append(e.rules, entityRule{typ: p.typ, re: regexp.MustCompile(p.pattern)})
	}
	return e
}

// AddPattern registers an extra pattern for typ.
func (e *Extractor) AddPattern(typ EntityType, pattern string) error {
	if _, ok := entityPriority[typ]; !ok {
		return fmt.Errorf("unknown entity type %q", typ)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling entity pattern %q: %w", pattern, err)
	}
	e.rules = append(e.rules, entityRule{typ: typ, re: re})
	return nil
}

// Extract returns non-overlapping entities ordered by offset. When matches
// overlap the earlier start wins, then the longer match, then the type with
// higher priority.
func (e *Extractor) Extract(text string) []Entity {
	var all []Entity
	for _, r := range e.rules {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			all = append(all, Entity{Type: r.typ, Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return entityPriority[a.Type] < entityPriority[b.Type]
	})

	out := make([]Entity, 0, len(all))
	end := 0
	for _, ent := range all {
		if ent.Start < end {
			continue
		}
		out = append(out, ent)
		end = ent.End
	}
	return out
}

// CountByType tallies entities per type.
func CountByType(entities []Entity) map[EntityType]int {
	out := make(map[EntityType]int)
	for _, e := range entities {
		out[e.Type]++
	}
	return out
}
