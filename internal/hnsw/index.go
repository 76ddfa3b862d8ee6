package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyID is returned when inserting without an id.
	ErrEmptyID = errors.New("node id is required")
)

// Config holds index parameters.
type Config struct {
	// Dimension is the required vector length.
	Dimension int
	// M is the maximum number of neighbors per node per level.
	M int
	// EfConstruction bounds the candidate list while inserting.
	EfConstruction int
	// EfSearch bounds the candidate list while searching.
	EfSearch int
	// MaxLevel caps the random level assigned to new nodes.
	MaxLevel int
	Metric   Metric
}

// DefaultConfig returns parameters sized for 128-dimensional query embeddings.
func DefaultConfig() Config {
	return Config{
		Dimension:      128,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		MaxLevel:       16,
		Metric:         MetricCosine,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.M < 2 {
		return fmt.Errorf("m must be at least 2")
	}
	if c.EfConstruction < c.M {
		return fmt.Errorf("ef_construction must be at least m")
	}
	if c.EfSearch <= 0 {
		return fmt.Errorf("ef_search must be positive")
	}
	if c.MaxLevel < 0 {
		return fmt.Errorf("max level must be non-negative")
	}
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	return nil
}

// Result is one search hit.
type Result struct {
	ID         string  `json:"id"`
	Similarity float32 `json:"similarity"`
}

// Stats describes the graph.
type Stats struct {
	Nodes      int    `json:"nodes"`
	TopLevel   int    `json:"top_level"`
	EntryPoint string `json:"entry_point,omitempty"`
	Inserts    uint64 `json:"inserts"`
	Deletes    uint64 `json:"deletes"`
	Searches   uint64 `json:"searches"`
}

type node struct {
	id        string
	vec       []float32
	norm      float32
	level     int
	neighbors [][]string
}

// Index is a hierarchical navigable small world graph over string ids.
//
// All operations are synchronous and guarded by one RWMutex; searches share
// the read lock.
type Index struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	nodes    map[string]*node
	entry    *node
	topLevel int
	rng      *rand.Rand
	levelMul float64

	inserts  uint64
	deletes  uint64
	searches atomic.Uint64
}

// Option configures an Index.
type Option func(*Index)

// WithRand sets the source for level assignment. Use a seeded source for
// reproducible graphs.
func WithRand(r *rand.Rand) Option {
	return func(ix *Index) {
		if r != nil {
			ix.rng = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// New creates an empty index.
func New(cfg Config, opts ...Option) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hnsw config: %w", err)
	}
	ix := &Index{
		cfg:      cfg,
		logger:   zap.NewNop(),
		nodes:    make(map[string]*node),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		levelMul: 1 / math.Log(float64(cfg.M)),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Config returns the index parameters.
func (ix *Index) Config() Config {
	return ix.cfg
}

// Len returns the number of nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// Contains reports whether id is indexed.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.nodes[id]
	return ok
}

// Vector returns a copy of id's vector.
func (ix *Index) Vector(id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.nodes[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), n.vec...), true
}

// Neighbors returns a copy of id's neighbor list at level.
func (ix *Index) Neighbors(id string, level int) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.nodes[id]
	if !ok || level < 0 || level > n.level {
		return nil
	}
	return append([]string(nil), n.neighbors[level]...)
}

// Level returns the top level of id, or -1 when it is not indexed.
func (ix *Index) Level(id string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if n, ok := ix.nodes[id]; ok {
		return n.level
	}
	return -1
}

func (ix *Index) checkDim(vec []float32) error {
	if len(vec) != ix.cfg.Dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, ix.cfg.Dimension, len(vec))
	}
	return nil
}

func (ix *Index) randomLevel() int {
	u := ix.rng.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(u) * ix.levelMul))
	if level > ix.cfg.MaxLevel {
		level = ix.cfg.MaxLevel
	}
	return level
}

func (ix *Index) dist(vec []float32, vn float32, n *node) float32 {
	return ix.cfg.Metric.distance(vec, vn, n.vec, n.norm)
}

// Insert adds vec under id. An existing id is replaced.
func (ix *Index) Insert(id string, vec []float32) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := ix.checkDim(vec); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.nodes[id]; ok {
		ix.deleteLocked(id)
	}

	n := &node{
		id:    id,
		vec:   append([]float32(nil), vec...),
		level: ix.randomLevel(),
	}
	n.norm = norm(n.vec)
	n.neighbors = make([][]string, n.level+1)
	ix.nodes[id] = n
	ix.inserts++

	if ix.entry == nil {
		ix.entry = n
		ix.topLevel = n.level
		return nil
	}

	ep := []candidate{{id: ix.entry.id, dist: ix.dist(n.vec, n.norm, ix.entry)}}
	for l := ix.topLevel; l > n.level; l-- {
		ep = ix.searchLayer(n.vec, n.norm, ep, 1, l)
	}

	for l := min(n.level, ix.topLevel); l >= 0; l-- {
		found := ix.searchLayer(n.vec, n.norm, ep, ix.cfg.EfConstruction, l)
		selected := found
		if len(selected) > ix.cfg.M {
			selected = selected[:ix.cfg.M]
		}
		for _, c := range selected {
			n.neighbors[l] = append(n.neighbors[l], c.id)
			nb := ix.nodes[c.id]
			nb.neighbors[l] = append(nb.neighbors[l], id)
			if len(nb.neighbors[l]) > ix.cfg.M {
				ix.prune(nb, l)
			}
		}
		ep = found
	}

	if n.level > ix.topLevel {
		ix.entry = n
		ix.topLevel = n.level
	}
	return nil
}

// prune keeps the M closest neighbors of n at level.
func (ix *Index) prune(n *node, level int) {
	cands := make([]candidate, 0, len(n.neighbors[level]))
	for _, id := range n.neighbors[level] {
		cands = append(cands, candidate{id: id, dist: ix.dist(n.vec, n.norm, ix.nodes[id])})
	}
	sort.Slice(cands, func(i, j int) bool { return closer(cands[i], cands[j]) })
	kept := make([]string, 0, ix.cfg.M)
	for _, c := range cands[:ix.cfg.M] {
		kept = append(kept, c.id)
	}
	n.neighbors[level] = kept
}

// searchLayer runs a bounded best-first search at level starting from eps and
// returns up to ef candidates sorted closest first.
func (ix *Index) searchLayer(vec []float32, vn float32, eps []candidate, ef, level int) []candidate {
	visited := make(map[string]struct{}, ef*2)
	cands := &minQueue{}
	results := &maxQueue{}
	for _, ep := range eps {
		if _, ok := visited[ep.id]; ok {
			continue
		}
		visited[ep.id] = struct{}{}
		heap.Push(cands, ep)
		heap.Push(results, ep)
	}
	for results.Len() > ef {
		heap.Pop(results)
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > results.peek().dist {
			break
		}
		n := ix.nodes[c.id]
		if level > n.level {
			continue
		}
		for _, nid := range n.neighbors[level] {
			if _, ok := visited[nid]; ok {
				continue
			}
			visited[nid] = struct{}{}
			d := ix.dist(vec, vn, ix.nodes[nid])
			if results.Len() < ef || d < results.peek().dist {
				nc := candidate{id: nid, dist: d}
				heap.Push(cands, nc)
				heap.Push(results, nc)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// Search returns up to k nodes closest to query, best first.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	return ix.SearchEf(query, k, ix.cfg.EfSearch)
}

// SearchEf is Search with an explicit candidate-list bound. ef is raised to k when smaller.
func (ix *Index) SearchEf(query []float32, k, ef int) ([]Result, error) {
	if err := ix.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ix.searches.Add(1)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.entry == nil {
		return nil, nil
	}

	qn := norm(query)
	ep := []candidate{{id: ix.entry.id, dist: ix.dist(query, qn, ix.entry)}}
	for l := ix.topLevel; l > 0; l-- {
		ep = ix.searchLayer(query, qn, ep, 1, l)
	}
	found := ix.searchLayer(query, qn, ep, ef, 0)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]Result, len(found))
	for i, c := range found {
		out[i] = Result{ID: c.id, Similarity: ix.cfg.Metric.similarity(c.dist)}
	}
	return out, nil
}

// Delete removes id. It reports whether the node existed.
func (ix *Index) Delete(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.deleteLocked(id)
}

func (ix *Index) deleteLocked(id string) bool {
	n, ok := ix.nodes[id]
	if !ok {
		return false
	}
	delete(ix.nodes, id)
	ix.deletes++

	// Links are not always symmetric after pruning, so scan every node that
	// reaches the deleted node's levels.
	for _, other := range ix.nodes {
		top := min(other.level, n.level)
		for l := 0; l <= top; l++ {
			other.neighbors[l] = removeID(other.neighbors[l], id)
		}
	}

	// Reconnect former neighbors among themselves where they have room.
	for l := 0; l <= n.level; l++ {
		former := n.neighbors[l]
		for _, aid := range former {
			a, ok := ix.nodes[aid]
			if !ok {
				continue
			}
			ix.relink(a, former, l)
		}
	}

	if ix.entry == n {
		ix.entry = nil
		ix.topLevel = 0
		for _, other := range ix.nodes {
			if ix.entry == nil || other.level > ix.topLevel ||
				(other.level == ix.topLevel && other.id < ix.entry.id) {
				ix.entry = other
				ix.topLevel = other.level
			}
		}
		if ix.entry != nil {
			ix.logger.Debug("promoted new hnsw entry point",
				zap.String("deleted", id),
				zap.String("entry_point", ix.entry.id),
				zap.Int("level", ix.topLevel))
		}
	}
	return true
}

// relink connects a to the closest ids in pool that it is not already linked
// to, until a has M neighbors at level.
func (ix *Index) relink(a *node, pool []string, level int) {
	if len(a.neighbors[level]) >= ix.cfg.M {
		return
	}
	linked := make(map[string]struct{}, len(a.neighbors[level]))
	for _, id := range a.neighbors[level] {
		linked[id] = struct{}{}
	}
	var cands []candidate
	for _, bid := range pool {
		if bid == a.id {
			continue
		}
		if _, ok := linked[bid]; ok {
			continue
		}
		b, ok := ix.nodes[bid]
		if !ok || b.level < level {
			continue
		}
		cands = append(cands, candidate{id: bid, dist: ix.dist(a.vec, a.norm, b)})
	}
	sort.Slice(cands, func(i, j int) bool { return closer(cands[i], cands[j]) })
	for _, c := range cands {
		if len(a.neighbors[level]) >= ix.cfg.M {
			return
		}
		a.neighbors[level] = append(a.neighbors[level], c.id)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Stats returns a summary of the graph.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := Stats{
		Nodes:    len(ix.nodes),
		TopLevel: ix.topLevel,
		Inserts:  ix.inserts,
		Deletes:  ix.deletes,
		Searches: ix.searches.Load(),
	}
	if ix.entry != nil {
		st.EntryPoint = ix.entry.id
	}
	return st
}
