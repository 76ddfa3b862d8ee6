package gossip

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Peer is a snapshot of what this agent knows about another agent.
type Peer struct {
	ID string `json:"id"`
	// Version is the highest table version the peer has announced.
	Version uint64 `json:"version"`
	// SentVersion is the highest version of our table delivered to the peer.
	SentVersion uint64    `json:"sent_version"`
	LastSeen    time.Time `json:"last_seen"`
	Online      bool      `json:"online"`
	Received    uint64    `json:"received"`
	Dropped     uint64    `json:"dropped"`
}

type peerState struct {
	Peer
	limiter *rate.Limiter
}

// Observation is the result of recording inbound traffic from a peer.
type Observation struct {
	Peer Peer
	// Allowed is false when the peer exceeded its inbound rate.
	Allowed bool
	// CameOnline is true when the peer was new or previously offline.
	CameOnline bool
	// Evicted names the peer dropped to make room, if any.
	Evicted string
}

// PeerTable is a bounded set of peers. Peers not heard from within the
// staleness window are marked offline but kept; the least recently seen peer
// is evicted when a new one arrives at capacity.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]*peerState
	max       int
	staleness time.Duration
	limit     rate.Limit
	burst     int
	now       func() time.Time
}

// NewPeerTable creates a table. A non-positive ratePerSecond disables rate limiting.
func NewPeerTable(maxPeers int, staleness time.Duration, ratePerSecond float64, burst int, now func() time.Time) *PeerTable {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &PeerTable{
		peers:     make(map[string]*peerState),
		max:       maxPeers,
		staleness: staleness,
		limit:     limit,
		burst:     burst,
		now:       now,
	}
}

// Observe records a message from id carrying version.
func (t *PeerTable) Observe(id string, version uint64) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var obs Observation
	p, ok := t.peers[id]
	if !ok {
		if t.max > 0 && len(t.peers) >= t.max {
			obs.Evicted = t.evictLocked()
		}
		p = &peerState{
			Peer:    Peer{ID: id},
			limiter: rate.NewLimiter(t.limit, t.burst),
		}
		t.peers[id] = p
	}

	obs.CameOnline = !p.Online
	p.Online = true
	p.LastSeen = now
	if version > p.Version {
		p.Version = version
	}

	obs.Allowed = p.limiter.AllowN(now, 1)
	if obs.Allowed {
		p.Received++
	} else {
		p.Dropped++
	}
	obs.Peer = p.Peer
	return obs
}

func (t *PeerTable) evictLocked() string {
	var victim *peerState
	for _, p := range t.peers {
		if victim == nil || p.LastSeen.Before(victim.LastSeen) ||
			(p.LastSeen.Equal(victim.LastSeen) && p.ID < victim.ID) {
			victim = p
		}
	}
	if victim == nil {
		return ""
	}
	delete(t.peers, victim.ID)
	return victim.ID
}

// MarkSent records that id has been sent our entries up to version.
func (t *PeerTable) MarkSent(id string, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok && version > p.SentVersion {
		p.SentVersion = version
	}
}

// Sweep marks peers offline when they have been silent longer than the
// staleness window and returns the ids that changed.
func (t *PeerTable) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var offline []string
	for id, p := range t.peers {
		if p.Online && now.Sub(p.LastSeen) > t.staleness {
			p.Online = false
			offline = append(offline, id)
		}
	}
	sort.Strings(offline)
	return offline
}

// Get returns the peer with id.
func (t *PeerTable) Get(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.Peer, true
}

// List returns every peer sorted by id.
func (t *PeerTable) List() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Behind returns online peers whose sent version is below version, sorted by id.
func (t *PeerTable) Behind(version uint64) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Peer
	for _, p := range t.peers {
		if p.Online && p.SentVersion < version {
			out = append(out, p.Peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the total and online peer counts.
func (t *PeerTable) Counts() (total, online int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p.Online {
			online++
		}
	}
	return len(t.peers), online
}
