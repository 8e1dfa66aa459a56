// Package memstore is a pure in-memory Backend used for both tiers
// when PERSISTENCE_ENABLED=false or ENVIRONMENT=Testing (spec §6). It
// follows the same RWMutex-guarded-maps shape as the teacher's
// pkg/storage/memory.go MemoryEngine, narrowed to the Backend
// contract.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
)

// Store is a Backend backed by plain Go maps. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	tag         string
	nodes       map[string]*graph.Node
	edges       map[string]*graph.Edge
	lastUpdated time.Time
	closed      bool
}

// New returns an empty Store tagged with tag (e.g. "memory-ice",
// "memory-water") for Stats reporting.
func New(tag string) *Store {
	return &Store{
		tag:   tag,
		nodes: make(map[string]*graph.Node),
		edges: make(map[string]*graph.Edge),
	}
}

func (s *Store) PutNode(_ context.Context, node *graph.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrUnavailable
	}
	s.nodes[node.ID] = node.Clone()
	s.lastUpdated = time.Now()
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrUnavailable
	}
	delete(s.nodes, id)
	s.lastUpdated = time.Now()
	return nil
}

func (s *Store) GetNode(_ context.Context, id string) (*graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *Store) ScanNodes(_ context.Context, filter backend.Filter) ([]*graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Node
	for _, n := range s.nodes {
		if filter.TypeID != "" && n.TypeID != filter.TypeID {
			continue
		}
		out = append(out, n.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PutEdge(_ context.Context, edge *graph.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrUnavailable
	}
	s.edges[edge.Identity().Key()] = edge.Clone()
	s.lastUpdated = time.Now()
	return nil
}

func (s *Store) DeleteEdge(_ context.Context, identity graph.EdgeIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrUnavailable
	}
	delete(s.edges, identity.Key())
	s.lastUpdated = time.Now()
	return nil
}

func (s *Store) GetEdge(_ context.Context, identity graph.EdgeIdentity) (*graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[identity.Key()]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) ScanEdges(_ context.Context, filter backend.Filter) ([]*graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Edge
	for _, e := range s.edges {
		if filter.FromID != "" && e.FromID != filter.FromID {
			continue
		}
		if filter.ToID != "" && e.ToID != filter.ToID {
			continue
		}
		if filter.Role != "" && e.Role != filter.Role {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) BatchPutNodes(ctx context.Context, nodes []*graph.Node) error {
	for _, n := range nodes {
		if err := s.PutNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BatchPutEdges(ctx context.Context, edges []*graph.Edge) error {
	for _, e := range edges {
		if err := s.PutEdge(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Stats(_ context.Context) (backend.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return backend.Stats{
		Count:       len(s.nodes) + len(s.edges),
		LastUpdated: s.lastUpdated,
		BackendTag:  s.tag,
	}, nil
}

func (s *Store) Available(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close marks the store unavailable. Contents are not released: a
// memstore's contents are expected to vanish only with the process.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Purge removes every entity. It is not part of the backend.Backend
// contract and is not called by the facade or the hydrator, whose
// startup purge (I5) scans and deletes through that contract.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*graph.Node)
	s.edges = make(map[string]*graph.Edge)
}
