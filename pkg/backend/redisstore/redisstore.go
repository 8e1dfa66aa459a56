// Package redisstore is an alternate volatile (Water) Backend selected
// when WATER_CONNECTION_STRING begins with "redis://" (spec §6).
// Grounded on the h3-spatial-cache reference scenario's redis-backed
// cache engine: a thin client wrapper storing JSON-encoded values with
// a TTL, scanned with SCAN rather than KEYS to avoid blocking the
// server.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
)

const (
	nodeKeyPrefix = "codex:node:"
	edgeKeyPrefix = "codex:edge:"
)

// Store is a backend.Backend backed by a Redis (or Redis-protocol)
// server. Every put carries ttl as its expiration; ttl <= 0 means no
// expiration.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New dials addr (host:port, no scheme) and returns a Store using ttl
// as the default TTL for new entries.
func New(addr string, ttl time.Duration) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// NewWithClient wraps an already-configured client, letting tests
// point a Store at a miniredis instance.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

type nodeRecord struct {
	Node *graph.Node `json:"node"`
}

type edgeRecord struct {
	Edge *graph.Edge `json:"edge"`
}

func (s *Store) PutNode(ctx context.Context, node *graph.Node) error {
	payload, err := json.Marshal(nodeRecord{Node: node})
	if err != nil {
		return fmt.Errorf("redisstore: marshal node: %w", err)
	}
	key := nodeKeyPrefix + strings.ToLower(node.ID)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: put node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, nodeKeyPrefix+strings.ToLower(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	raw, err := s.client.Get(ctx, nodeKeyPrefix+strings.ToLower(id)).Bytes()
	if err == redis.Nil {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get node: %v", backend.ErrUnavailable, err)
	}
	var rec nodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal node: %v", backend.ErrCorrupt, err)
	}
	return rec.Node, nil
}

func (s *Store) ScanNodes(ctx context.Context, filter backend.Filter) ([]*graph.Node, error) {
	var out []*graph.Node
	iter := s.client.Scan(ctx, 0, nodeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec nodeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if filter.TypeID != "" && rec.Node.TypeID != filter.TypeID {
			continue
		}
		out = append(out, rec.Node)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan nodes: %v", backend.ErrUnavailable, err)
	}
	return out, nil
}

func edgeKey(identity graph.EdgeIdentity) string {
	return edgeKeyPrefix + identity.Key()
}

func (s *Store) PutEdge(ctx context.Context, edge *graph.Edge) error {
	payload, err := json.Marshal(edgeRecord{Edge: edge})
	if err != nil {
		return fmt.Errorf("redisstore: marshal edge: %w", err)
	}
	if err := s.client.Set(ctx, edgeKey(edge.Identity()), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: put edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteEdge(ctx context.Context, identity graph.EdgeIdentity) error {
	if err := s.client.Del(ctx, edgeKey(identity)).Err(); err != nil {
		return fmt.Errorf("%w: delete edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetEdge(ctx context.Context, identity graph.EdgeIdentity) (*graph.Edge, error) {
	raw, err := s.client.Get(ctx, edgeKey(identity)).Bytes()
	if err == redis.Nil {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get edge: %v", backend.ErrUnavailable, err)
	}
	var rec edgeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal edge: %v", backend.ErrCorrupt, err)
	}
	return rec.Edge, nil
}

func (s *Store) ScanEdges(ctx context.Context, filter backend.Filter) ([]*graph.Edge, error) {
	var out []*graph.Edge
	iter := s.client.Scan(ctx, 0, edgeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec edgeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		e := rec.Edge
		if filter.FromID != "" && !strings.EqualFold(e.FromID, filter.FromID) {
			continue
		}
		if filter.ToID != "" && !strings.EqualFold(e.ToID, filter.ToID) {
			continue
		}
		if filter.Role != "" && !strings.EqualFold(e.Role, filter.Role) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan edges: %v", backend.ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) BatchPutNodes(ctx context.Context, nodes []*graph.Node) error {
	for _, n := range nodes {
		if err := s.PutNode(ctx, n); err != nil {
			continue
		}
	}
	return nil
}

func (s *Store) BatchPutEdges(ctx context.Context, edges []*graph.Edge) error {
	for _, e := range edges {
		if err := s.PutEdge(ctx, e); err != nil {
			continue
		}
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	nodeCount, err := countKeys(ctx, s.client, nodeKeyPrefix+"*")
	if err != nil {
		return backend.Stats{}, fmt.Errorf("%w: stats: %v", backend.ErrUnavailable, err)
	}
	edgeCount, err := countKeys(ctx, s.client, edgeKeyPrefix+"*")
	if err != nil {
		return backend.Stats{}, fmt.Errorf("%w: stats: %v", backend.ErrUnavailable, err)
	}
	return backend.Stats{
		Count:       nodeCount + edgeCount,
		LastUpdated: time.Now(),
		BackendTag:  "redis",
	}, nil
}

func countKeys(ctx context.Context, client *redis.Client, pattern string) (int, error) {
	count := 0
	iter := client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

func (s *Store) Available(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Purge deletes every codex-prefixed key. It is not part of the
// backend.Backend contract; the hydrator's startup purge (I5) scans
// and deletes through that contract and does not call Purge.
func (s *Store) Purge(ctx context.Context) error {
	for _, pattern := range []string{nodeKeyPrefix + "*", edgeKeyPrefix + "*"} {
		iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("%w: purge: %v", backend.ErrUnavailable, err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("%w: purge scan: %v", backend.ErrUnavailable, err)
		}
	}
	return nil
}
