package http

import "github.com/fyrsmithlabs/elexd/internal/gossip"

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	AgentID string            `json:"agent_id"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// PeersResponse is the response body for GET /peers.
type PeersResponse struct {
	AgentID string        `json:"agent_id"`
	Online  int           `json:"online"`
	Peers   []gossip.Peer `json:"peers"`
}

// SyncResponse is the response body for POST /api/v1/sync.
type SyncResponse struct {
	AgentID   string `json:"agent_id"`
	Triggered bool   `json:"triggered"`
}
