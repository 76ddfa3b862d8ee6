// Package federation reconciles an agent's Q-table with snapshots received from peers.
//
// Each peer entry is gated by its evidence-based confidence, 1 - 1/(visits+1).
// Entries both sides know are only touched when their values differ by more
// than a relative significance threshold, and are then combined by visit
// weighting. Entries only the peer knows are adopted.
//
// Every entry records how many of its visits were imported from each other
// agent (qlearning.Entry.Imported), and snapshots carry that breakdown. Only
// visits beyond what the local entry already holds from each origin count as
// fresh evidence. Re-merging a snapshot is therefore a no-op, a peer echoing
// visits it adopted from us adds nothing, and a slowly drifting value that was
// skipped as insignificant keeps its unmerged visits for a later merge.
package federation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

// Strategy chooses how conflicting values are combined.
type Strategy string

const (
	StrategyWeightedAverage Strategy = "weighted_average"
	StrategyMaximum         Strategy = "maximum"
	StrategyMinimum         Strategy = "minimum"
)

// Config tunes merge gating.
type Config struct {
	MinConfidence         float64
	SignificanceThreshold float64
	Strategy              Strategy
}

// DefaultConfig trusts any peer entry with at least one visit and ignores
// differences under 5%.
func DefaultConfig() Config {
	return Config{
		MinConfidence:         0.5,
		SignificanceThreshold: 0.05,
		Strategy:              StrategyWeightedAverage,
	}
}

// Validate checks ranges and the strategy name.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence >= 1 {
		return fmt.Errorf("min confidence must be in [0, 1), got %v", c.MinConfidence)
	}
	if c.SignificanceThreshold < 0 {
		return fmt.Errorf("significance threshold must be non-negative, got %v", c.SignificanceThreshold)
	}
	switch c.Strategy {
	case StrategyWeightedAverage, StrategyMaximum, StrategyMinimum:
	default:
		return fmt.Errorf("unknown merge strategy %q", c.Strategy)
	}
	return nil
}

// PeerInfo is a peer's table snapshot, full or delta. It is not modified after construction.
type PeerInfo struct {
	AgentID  string                     `json:"agent_id"`
	Version  uint64                     `json:"version"`
	Entries  map[string]qlearning.Entry `json:"entries"`
	Full     bool                       `json:"full"`
	LastSync time.Time                  `json:"last_sync"`
}

// NewPeerInfo snapshots table for sending. since == 0 produces a full snapshot.
func NewPeerInfo(table *qlearning.QTable, since uint64, now time.Time) PeerInfo {
	snap := table.SnapshotSince(since)
	return PeerInfo{
		AgentID:  snap.AgentID,
		Version:  snap.Version,
		Entries:  snap.Entries,
		Full:     since == 0,
		LastSync: now,
	}
}

// MergeStats reports what one merge did.
type MergeStats struct {
	PeerID               string `json:"peer_id"`
	PeerEntries          int    `json:"peer_entries"`
	Merged               int    `json:"merged"`
	Adopted              int    `json:"adopted"`
	Conflicts            int    `json:"conflicts"`
	SkippedLowConfidence int    `json:"skipped_low_confidence"`
	SkippedInsignificant int    `json:"skipped_insignificant"`
	AlreadyReflected     int    `json:"already_reflected"`
}

// Changed is the number of local entries written.
func (s MergeStats) Changed() int {
	return s.Merged + s.Adopted
}

// Stats aggregates merge activity.
type Stats struct {
	Merges               uint64 `json:"merges"`
	EntriesMerged        uint64 `json:"entries_merged"`
	EntriesAdopted       uint64 `json:"entries_adopted"`
	SkippedLowConfidence uint64 `json:"skipped_low_confidence"`
	SkippedInsignificant uint64 `json:"skipped_insignificant"`
	KnownPeers           int    `json:"known_peers"`
}

type peerRecord struct {
	lastVersion uint64
	lastSync    time.Time
}

// Merger applies peer snapshots to a local table.
type Merger struct {
	mu     sync.Mutex
	cfg    Config
	peers  map[string]*peerRecord
	totals Stats
	now    func() time.Time
	logger *zap.Logger
}

// NewMerger creates a merger. A nil logger is replaced with a no-op logger.
func NewMerger(cfg Config, logger *zap.Logger) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid federation config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		cfg:    cfg,
		peers:  make(map[string]*peerRecord),
		now:    time.Now,
		logger: logger,
	}, nil
}

// Config returns the merger's settings.
func (m *Merger) Config() Config {
	return m.cfg
}

// Merge folds peer into local atomically with respect to local updates.
func (m *Merger) Merge(local *qlearning.QTable, peer PeerInfo) MergeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MergeStats{PeerID: peer.AgentID, PeerEntries: len(peer.Entries)}
	if peer.AgentID == local.AgentID() {
		return st
	}

	rec, ok := m.peers[peer.AgentID]
	if !ok {
		rec = &peerRecord{}
		m.peers[peer.AgentID] = rec
	}

	self := local.AgentID()
	local.Merge(peer.AgentID, peer.Entries, func(key string, l *qlearning.Entry, p qlearning.Entry) (qlearning.Entry, bool) {
		if qlearning.Confidence(p.Visits) < m.cfg.MinConfidence {
			st.SkippedLowConfidence++
			return qlearning.Entry{}, false
		}
		var known map[string]uint64
		if l != nil {
			known = l.Imported
		}
		fresh, imported := freshVisits(p.Origins(peer.AgentID), known, self)
		if fresh == 0 {
			st.AlreadyReflected++
			return qlearning.Entry{}, false
		}

		if l == nil {
			st.Adopted++
			return qlearning.Entry{Value: p.Value, Visits: fresh, Imported: imported}, true
		}

		if RelativeDifference(l.Value, p.Value) < m.cfg.SignificanceThreshold {
			// Unmerged visits stay pending until the values diverge enough.
			st.SkippedInsignificant++
			return qlearning.Entry{}, false
		}

		st.Conflicts++
		st.Merged++
		return qlearning.Entry{
			Value:    m.combine(l.Value, l.Visits, p.Value, fresh),
			Visits:   l.Visits + fresh,
			Imported: imported,
		}, true
	})

	if peer.Version > rec.lastVersion {
		rec.lastVersion = peer.Version
	}
	rec.lastSync = m.now()

	m.totals.Merges++
	m.totals.EntriesMerged += uint64(st.Merged)
	m.totals.EntriesAdopted += uint64(st.Adopted)
	m.totals.SkippedLowConfidence += uint64(st.SkippedLowConfidence)
	m.totals.SkippedInsignificant += uint64(st.SkippedInsignificant)

	m.logger.Debug("peer merge complete",
		zap.String("agent_id", local.AgentID()),
		zap.String("peer_id", peer.AgentID),
		zap.Uint64("peer_version", peer.Version),
		zap.Int("merged", st.Merged),
		zap.Int("adopted", st.Adopted),
		zap.Int("skipped_low_confidence", st.SkippedLowConfidence),
		zap.Int("skipped_insignificant", st.SkippedInsignificant))
	return st
}

// freshVisits compares a peer entry's per-origin visits with those the local
// entry already imported. Visits made by self are never fresh. It returns the
// number of fresh visits and the local Imported map after folding them in.
func freshVisits(origins, known map[string]uint64, self string) (uint64, map[string]uint64) {
	var fresh uint64
	var imported map[string]uint64
	for id, n := range origins {
		if id == self || n <= known[id] {
			continue
		}
		if imported == nil {
			imported = make(map[string]uint64, len(known)+len(origins))
			for k, v := range known {
				imported[k] = v
			}
		}
		fresh += n - known[id]
		imported[id] = n
	}
	return fresh, imported
}

// MergeMultiple merges each snapshot in order.
func (m *Merger) MergeMultiple(local *qlearning.QTable, peers []PeerInfo) []MergeStats {
	out := make([]MergeStats, 0, len(peers))
	for _, p := range peers {
		out = append(out, m.Merge(local, p))
	}
	return out
}

func (m *Merger) combine(lv float64, ln uint64, pv float64, pn uint64) float64 {
	switch m.cfg.Strategy {
	case StrategyMaximum:
		return math.Max(lv, pv)
	case StrategyMinimum:
		return math.Min(lv, pv)
	default:
		return (lv*float64(ln) + pv*float64(pn)) / float64(ln+pn)
	}
}

// LastMergedVersion returns the highest version merged from peerID.
func (m *Merger) LastMergedVersion(peerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[peerID]; ok {
		return rec.lastVersion
	}
	return 0
}

// LastSync returns when peerID was last merged.
func (m *Merger) LastSync(peerID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[peerID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastSync, true
}

// Forget drops the version and sync watermarks kept for peerID, so its next
// announcement is answered with a full request. Visits already imported from
// it stay attributed in the table entries.
func (m *Merger) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// Stats returns cumulative merge activity.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.totals
	st.KnownPeers = len(m.peers)
	return st
}

// RelativeDifference is |a-b| / mean(|a|, |b|), or 0 when both are 0.
func RelativeDifference(a, b float64) float64 {
	avg := (math.Abs(a) + math.Abs(b)) / 2
	if avg == 0 {
		return 0
	}
	return math.Abs(a-b) / avg
}
