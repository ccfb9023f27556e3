package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
)

// EdgeStore is an in-process automation.EdgeGraph.
type EdgeStore struct {
	mu    sync.RWMutex
	edges map[string]automation.Edge
}

// NewEdgeStore returns an empty edge store.
func NewEdgeStore() *EdgeStore {
	return &EdgeStore{edges: make(map[string]automation.Edge)}
}

// CheckEdgeExists implements automation.EdgeGraph.
func (s *EdgeStore) CheckEdgeExists(_ context.Context, profileID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.edges[profileID]
	return ok, nil
}

// CreateEdge implements automation.EdgeGraph. The first edge for a profile wins.
func (s *EdgeStore) CreateEdge(_ context.Context, edge automation.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[edge.ProfileID]; !ok {
		s.edges[edge.ProfileID] = edge
	}
	return nil
}

// Edges returns all edges ordered by profile id.
func (s *EdgeStore) Edges() []automation.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]automation.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}
