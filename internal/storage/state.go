package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
	"github.com/fyrsmithlabs/elexd/internal/trajectory"
	"go.uber.org/zap"
)

// Key layout: agent/<id>/<kind>.
const (
	kindQTable       = "qtable"
	kindTrajectories = "trajectories"
	kindDetector     = "detector"
)

func agentKey(agentID, kind string) string {
	return "agent/" + agentID + "/" + kind
}

func checkAgent(agentID string) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	return nil
}

type trajectoryBlob struct {
	SavedAt      time.Time           `json:"saved_at"`
	Trajectories []trajectory.Record `json:"trajectories"`
}

type detectorBlob struct {
	SavedAt time.Time   `json:"saved_at"`
	Weights [][]float64 `json:"weights"`
}

// SaveQTable stores a full table snapshot under its agent id.
func (s *Store) SaveQTable(ctx context.Context, snap qlearning.Snapshot) error {
	if err := checkAgent(snap.AgentID); err != nil {
		return err
	}
	if err := s.put(ctx, agentKey(snap.AgentID, kindQTable), snap); err != nil {
		return err
	}
	s.logger.Debug("q-table saved",
		zap.String("agent_id", snap.AgentID),
		zap.Int("entries", len(snap.Entries)),
		zap.Uint64("version", snap.Version))
	return nil
}

// LoadQTable returns the last saved snapshot or ErrNotFound.
func (s *Store) LoadQTable(ctx context.Context, agentID string) (qlearning.Snapshot, error) {
	var snap qlearning.Snapshot
	if err := checkAgent(agentID); err != nil {
		return snap, err
	}
	if err := s.get(ctx, agentKey(agentID, kindQTable), &snap); err != nil {
		return qlearning.Snapshot{}, err
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]qlearning.Entry)
	}
	return snap, nil
}

// SaveTrajectories replaces the stored trajectories for agentID.
func (s *Store) SaveTrajectories(ctx context.Context, agentID string, list []*trajectory.Trajectory) error {
	if err := checkAgent(agentID); err != nil {
		return err
	}
	blob := trajectoryBlob{
		SavedAt:      time.Now().UTC(),
		Trajectories: make([]trajectory.Record, 0, len(list)),
	}
	for _, t := range list {
		blob.Trajectories = append(blob.Trajectories, t.Record())
	}
	if err := s.put(ctx, agentKey(agentID, kindTrajectories), blob); err != nil {
		return err
	}
	s.logger.Debug("trajectories saved",
		zap.String("agent_id", agentID),
		zap.Int("count", len(list)))
	return nil
}

// LoadTrajectories returns the stored trajectories in saved order. Records
// that no longer validate are skipped and logged.
func (s *Store) LoadTrajectories(ctx context.Context, agentID string) ([]*trajectory.Trajectory, error) {
	if err := checkAgent(agentID); err != nil {
		return nil, err
	}
	var blob trajectoryBlob
	if err := s.get(ctx, agentKey(agentID, kindTrajectories), &blob); err != nil {
		return nil, err
	}
	out := make([]*trajectory.Trajectory, 0, len(blob.Trajectories))
	for _, rec := range blob.Trajectories {
		t, err := trajectory.FromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping stored trajectory",
				zap.String("agent_id", agentID),
				zap.String("trajectory_id", rec.ID),
				zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveDetectorWeights stores anomaly detector synapse weights.
func (s *Store) SaveDetectorWeights(ctx context.Context, agentID string, weights [][]float64) error {
	if err := checkAgent(agentID); err != nil {
		return err
	}
	return s.put(ctx, agentKey(agentID, kindDetector), detectorBlob{
		SavedAt: time.Now().UTC(),
		Weights: weights,
	})
}

// LoadDetectorWeights returns stored synapse weights or ErrNotFound.
func (s *Store) LoadDetectorWeights(ctx context.Context, agentID string) ([][]float64, error) {
	if err := checkAgent(agentID); err != nil {
		return nil, err
	}
	var blob detectorBlob
	if err := s.get(ctx, agentKey(agentID, kindDetector), &blob); err != nil {
		return nil, err
	}
	return blob.Weights, nil
}

// DeleteAgent removes every stored value for agentID.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := checkAgent(agentID); err != nil {
		return err
	}
	for _, kind := range []string{kindQTable, kindTrajectories, kindDetector} {
		if err := s.delete(ctx, agentKey(agentID, kind)); err != nil {
			return fmt.Errorf("deleting %s: %w", kind, err)
		}
	}
	return nil
}

// Agents lists agent ids with any stored state.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	keys, err := s.Keys(ctx, "agent/")
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, k := range keys {
		rest := k[len("agent/"):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				rest = rest[:i]
				break
			}
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, rest)
		}
	}
	return out, nil
}
