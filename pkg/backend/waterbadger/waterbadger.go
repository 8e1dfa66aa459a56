// Package waterbadger is the default volatile (Water) Backend: an
// embedded dgraph-io/badger/v4 instance addressed via
// WATER_CONNECTION_STRING (a filesystem path), selected whenever that
// string does not begin with "redis://" (spec §6). Grounded on the
// teacher's pkg/storage/badger.go: single-byte key prefixes, tuned
// options for a small working set, and badger's native per-key TTL
// when Options.TTL is set. codex.Open opens it on disk with no TTL, so
// entries do not expire on their own; I5 is enforced at startup by
// the hydrator, which scans this tier and deletes what it finds.
// ENVIRONMENT=Testing and PERSISTENCE_ENABLED=false use memstore
// instead of this backend.
package waterbadger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
)

const (
	prefixNode = byte(0x01)
	prefixEdge = byte(0x02)
)

// Store implements backend.Backend on top of a badger.DB.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Options configures Open.
type Options struct {
	// DataDir is the directory badger stores files in. Ignored when
	// InMemory is true.
	DataDir string
	// InMemory runs badger with no on-disk footprint. This package's
	// tests use it; codex.Open never sets it.
	InMemory bool
	// TTL is applied to every put; zero means entries never expire on
	// their own (deletes/migrations still remove them).
	TTL time.Duration
}

// Open starts (or attaches to) a badger instance per opts.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithLogger(nil).
		WithInMemory(opts.InMemory)
	if !opts.InMemory {
		badgerOpts = badgerOpts.WithMemTableSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", backend.ErrUnavailable, err)
	}
	return &Store{db: db, ttl: opts.TTL}, nil
}

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, []byte(strings.ToLower(id))...)
}

func edgeKey(identity graph.EdgeIdentity) []byte {
	return append([]byte{prefixEdge}, []byte(identity.Key())...)
}

func (s *Store) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *Store) PutNode(_ context.Context, node *graph.Node) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("waterbadger: marshal node: %w", err)
	}
	if err := s.set(nodeKey(node.ID), payload); err != nil {
		return fmt.Errorf("%w: put node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return fmt.Errorf("%w: delete node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetNode(_ context.Context, id string) (*graph.Node, error) {
	var node graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return backend.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &node); err != nil {
				return fmt.Errorf("%w: unmarshal node: %v", backend.ErrCorrupt, err)
			}
			return nil
		})
	})
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get node: %v", backend.ErrUnavailable, err)
	}
	return &node, nil
}

func (s *Store) ScanNodes(_ context.Context, filter backend.Filter) ([]*graph.Node, error) {
	var out []*graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte{prefixNode}); it.Next() {
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
			var node graph.Node
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			})
			if err != nil {
				continue
			}
			if filter.TypeID != "" && node.TypeID != filter.TypeID {
				continue
			}
			out = append(out, &node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan nodes: %v", backend.ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) PutEdge(_ context.Context, edge *graph.Edge) error {
	payload, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("waterbadger: marshal edge: %w", err)
	}
	if err := s.set(edgeKey(edge.Identity()), payload); err != nil {
		return fmt.Errorf("%w: put edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteEdge(_ context.Context, identity graph.EdgeIdentity) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(edgeKey(identity))
	})
	if err != nil {
		return fmt.Errorf("%w: delete edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetEdge(_ context.Context, identity graph.EdgeIdentity) (*graph.Edge, error) {
	var edge graph.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(identity))
		if err == badger.ErrKeyNotFound {
			return backend.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &edge); err != nil {
				return fmt.Errorf("%w: unmarshal edge: %v", backend.ErrCorrupt, err)
			}
			return nil
		})
	})
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get edge: %v", backend.ErrUnavailable, err)
	}
	return &edge, nil
}

func (s *Store) ScanEdges(_ context.Context, filter backend.Filter) ([]*graph.Edge, error) {
	var out []*graph.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEdge}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte{prefixEdge}); it.Next() {
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
			var edge graph.Edge
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			})
			if err != nil {
				continue
			}
			if filter.FromID != "" && !strings.EqualFold(edge.FromID, filter.FromID) {
				continue
			}
			if filter.ToID != "" && !strings.EqualFold(edge.ToID, filter.ToID) {
				continue
			}
			if filter.Role != "" && !strings.EqualFold(edge.Role, filter.Role) {
				continue
			}
			out = append(out, &edge)
		}
		return nil
	})
	if err != nil {
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

func (s *Store) Stats(_ context.Context) (backend.Stats, error) {
	lsm, vlog := s.db.Size()
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return backend.Stats{}, fmt.Errorf("%w: stats: %v", backend.ErrUnavailable, err)
	}
	return backend.Stats{
		Count:       count,
		Bytes:       lsm + vlog,
		LastUpdated: time.Now(),
		BackendTag:  "badger",
	}, nil
}

func (s *Store) Available(_ context.Context) bool {
	return !s.db.IsClosed()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Purge drops every key this store holds. It is not part of the
// backend.Backend contract; the hydrator's startup purge (I5) scans
// and deletes through that contract and does not call Purge.
func (s *Store) Purge() error {
	return s.db.DropAll()
}
