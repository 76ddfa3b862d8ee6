package qlearning

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidKey is returned when a state or entry key cannot be decoded.
	ErrInvalidKey = errors.New("invalid key")

	// ErrUnknownQueryType is returned for an unrecognized query type name.
	ErrUnknownQueryType = errors.New("unknown query type")

	// ErrUnknownComplexity is returned for an unrecognized complexity name.
	ErrUnknownComplexity = errors.New("unknown complexity")

	// ErrUnknownAction is returned for an unrecognized action name.
	ErrUnknownAction = errors.New("unknown action")
)

// QueryType is the coarse category of a query.
type QueryType int

const (
	QueryParameter QueryType = iota
	QueryCounter
	QueryKPI
	QueryProcedure
	QueryTroubleshoot
	QueryGeneral
)

var queryTypeNames = [...]string{"parameter", "counter", "kpi", "procedure", "troubleshoot", "general"}

func (q QueryType) String() string {
	if q < 0 || int(q) >= len(queryTypeNames) {
		return "QueryType(" + strconv.Itoa(int(q)) + ")"
	}
	return queryTypeNames[q]
}

// Valid reports whether q is one of the declared query types.
func (q QueryType) Valid() bool {
	return q >= 0 && int(q) < len(queryTypeNames)
}

// ParseQueryType decodes a query type name.
func ParseQueryType(s string) (QueryType, error) {
	for i, name := range queryTypeNames {
		if name == s {
			return QueryType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownQueryType, s)
}

// AllQueryTypes returns every query type in declaration order.
func AllQueryTypes() []QueryType {
	out := make([]QueryType, len(queryTypeNames))
	for i := range out {
		out[i] = QueryType(i)
	}
	return out
}

// Complexity is the three-level difficulty estimate of a query.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

var complexityNames = [...]string{"simple", "moderate", "complex"}

func (c Complexity) String() string {
	if c < 0 || int(c) >= len(complexityNames) {
		return "Complexity(" + strconv.Itoa(int(c)) + ")"
	}
	return complexityNames[c]
}

// Valid reports whether c is one of the declared levels.
func (c Complexity) Valid() bool {
	return c >= 0 && int(c) < len(complexityNames)
}

// ParseComplexity decodes a complexity name.
func ParseComplexity(s string) (Complexity, error) {
	for i, name := range complexityNames {
		if name == s {
			return Complexity(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownComplexity, s)
}

// Action is what the agent decides to do with a query.
type Action int

const (
	ActionDirectAnswer Action = iota
	ActionContextAnswer
	ActionConsultPeer
	ActionRequestClarification
	ActionEscalate
)

var actionNames = [...]string{"direct_answer", "context_answer", "consult_peer", "request_clarification", "escalate"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "Action(" + strconv.Itoa(int(a)) + ")"
	}
	return actionNames[a]
}

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	return a >= 0 && int(a) < len(actionNames)
}

// ParseAction decodes an action name.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// AllActions returns every action in declaration order. Exploitation breaks ties in this order.
func AllActions() []Action {
	out := make([]Action, len(actionNames))
	for i := range out {
		out[i] = Action(i)
	}
	return out
}

// ConfidenceBuckets are the discrete confidence levels a State can carry.
var ConfidenceBuckets = [...]float64{0, 0.25, 0.5, 0.75, 1}

// ContextHashLen is the length of State.ContextHash.
const ContextHashLen = 16

// SnapConfidence returns the bucket nearest to c. Ties go to the lower bucket.
func SnapConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return ConfidenceBuckets[0]
	}
	best := ConfidenceBuckets[0]
	bestDist := math.Abs(c - best)
	for _, b := range ConfidenceBuckets[1:] {
		if d := math.Abs(c - b); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// HashContext reduces free-form context to a fixed-length hex digest. Case and
// runs of whitespace do not affect the result.
func HashContext(context string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(context)), " ")
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}

// State is the discrete learning state. It is a comparable value type.
type State struct {
	QueryType   QueryType
	Complexity  Complexity
	ContextHash string
	Confidence  float64
}

// EncodeState builds a State from classification output and raw context.
func EncodeState(queryType QueryType, complexity Complexity, context string, confidence float64) State {
	return State{
		QueryType:   queryType,
		Complexity:  complexity,
		ContextHash: HashContext(context),
		Confidence:  SnapConfidence(confidence),
	}
}

// Key returns the deterministic string encoding of s.
func (s State) Key() string {
	return s.QueryType.String() + "|" + s.Complexity.String() + "|" + s.ContextHash + "|" +
		strconv.FormatFloat(s.Confidence, 'f', 2, 64)
}

func (s State) String() string {
	return s.Key()
}

// DecodeState is the inverse of State.Key.
func DecodeState(key string) (State, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return State{}, fmt.Errorf("%w: state %q has %d fields", ErrInvalidKey, key, len(parts))
	}

	qt, err := ParseQueryType(parts[0])
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	cx, err := ParseComplexity(parts[1])
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if !isContextHash(parts[2]) {
		return State{}, fmt.Errorf("%w: context hash %q", ErrInvalidKey, parts[2])
	}
	conf, err := strconv.ParseFloat(parts[3], 64)
	if err != nil || SnapConfidence(conf) != conf {
		return State{}, fmt.Errorf("%w: confidence %q", ErrInvalidKey, parts[3])
	}

	return State{QueryType: qt, Complexity: cx, ContextHash: parts[2], Confidence: conf}, nil
}

func isContextHash(s string) bool {
	if len(s) != ContextHashLen {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// EntryKey is the table key for a (state, action) pair.
func EntryKey(s State, a Action) string {
	return s.Key() + "#" + a.String()
}

// DecodeEntryKey is the inverse of EntryKey.
func DecodeEntryKey(key string) (State, Action, error) {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return State{}, 0, fmt.Errorf("%w: entry %q has no action", ErrInvalidKey, key)
	}
	s, err := DecodeState(key[:i])
	if err != nil {
		return State{}, 0, err
	}
	a, err := ParseAction(key[i+1:])
	if err != nil {
		return State{}, 0, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return s, a, nil
}

// MarshalText encodes s as its key.
func (s State) MarshalText() ([]byte, error) {
	if !s.QueryType.Valid() || !s.Complexity.Valid() {
		return nil, fmt.Errorf("%w: state %v", ErrInvalidKey, s)
	}
	return []byte(s.Key()), nil
}

// UnmarshalText decodes a key produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	decoded, err := DecodeState(string(b))
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// MarshalText encodes a by name.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes an action name.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText encodes q by name.
func (q QueryType) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQueryType, int(q))
	}
	return []byte(q.String()), nil
}

// UnmarshalText decodes a query type name.
func (q *QueryType) UnmarshalText(b []byte) error {
	parsed, err := ParseQueryType(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// MarshalText encodes c by name.
func (c Complexity) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComplexity, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a complexity name.
func (c *Complexity) UnmarshalText(b []byte) error {
	parsed, err := ParseComplexity(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
