// Package codex is the top-level facade (spec §6): it wires together
// the in-memory registry, the phase router, the async writer, the
// hydrator, and the content adapter registry into the single object a
// caller constructs to get a running Living Codex core.
//
// Grounded on the teacher's pkg/nornicdb facade and cmd/nornicdb/main.go
// startup/shutdown sequence: open backends, hydrate, start serving,
// drain on signal.
package codex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/living-codex/codex-core/pkg/adapter"
	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/backend/memstore"
	"github.com/living-codex/codex-core/pkg/backend/redisstore"
	"github.com/living-codex/codex-core/pkg/backend/sqlitestore"
	"github.com/living-codex/codex-core/pkg/backend/waterbadger"
	"github.com/living-codex/codex-core/pkg/config"
	"github.com/living-codex/codex-core/pkg/graph"
	"github.com/living-codex/codex-core/pkg/hydrate"
	"github.com/living-codex/codex-core/pkg/phase"
	"github.com/living-codex/codex-core/pkg/writer"
)

// Codex is the public entry point: construct with Open, use the
// INodeRegistry-equivalent methods below, shut down with Close.
type Codex struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *graph.Registry
	router   *phase.Router
	writer   *writer.Writer
	adapters *adapter.Registry
	durable  backend.Backend
	volatile backend.Backend
	sqliteDB *sqlitestore.DB

	hydration hydrate.Result
}

// Open constructs every layer, opens backends per cfg, hydrates the
// registry from durable storage, and attaches the phase router so
// subsequent mutations start routing (spec §4.5 step 6, §6
// InitializeAsync).
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Codex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Codex{cfg: cfg, logger: logger, registry: graph.New()}

	durable, volatile, sqliteDB, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("codex: open backends: %w", err)
	}
	c.durable, c.volatile, c.sqliteDB = durable, volatile, sqliteDB

	resolve := func(tier backend.Tier) backend.Backend {
		switch tier {
		case backend.TierDurable:
			return c.durable
		case backend.TierVolatile:
			return c.volatile
		default:
			return nil
		}
	}
	writerCfg := writer.DefaultConfig()
	writerCfg.Workers = cfg.WriterWorkers
	writerCfg.QueueHighWater = cfg.WriterQueueHighWater
	c.writer = writer.New(writerCfg, resolve, logger)

	c.router = phase.New(c.registry, c.writer, logger)
	c.adapters = adapter.NewRegistry(nil, logger)

	h := hydrate.New(c.registry, c.router, c.durable, c.volatileForHydration(), logger)
	result, err := h.Hydrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("codex: hydrate: %w", err)
	}
	c.hydration = result

	// Attach only after hydration seeded tier state, so loaded data
	// does not get re-submitted to the writer as if newly upserted
	// (spec §4.5 step 6).
	c.router.Attach()

	logger.Info("codex ready",
		"nodesLoaded", result.NodesLoaded,
		"edgesLoaded", result.EdgesLoaded,
		"rowsSkipped", result.RowsSkipped,
		"volatilePurged", result.VolatilePurged,
		"typesSeeded", result.TypesSeeded,
	)
	return c, nil
}

// volatileForHydration returns nil when the collapsed-in-memory case
// means durable and volatile are the same store — there is nothing
// meaningful to purge against itself.
func (c *Codex) volatileForHydration() backend.Backend {
	if c.durable == c.volatile {
		return nil
	}
	return c.volatile
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (durable, volatile backend.Backend, sqliteDB *sqlitestore.DB, err error) {
	if cfg.ForceInMemory() {
		shared := memstore.New("memory")
		return shared, shared, nil, nil
	}

	db, err := sqlitestore.Open(ctx, cfg.IceConnectionString)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite ice store: %w", err)
	}
	durable = sqlitestore.New(db)

	if cfg.UsesRedisWater() {
		volatile = redisstore.New(redisAddr(cfg.WaterConnectionString), 0)
	} else {
		store, err := waterbadger.Open(waterbadger.Options{DataDir: cfg.WaterConnectionString})
		if err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("open badger water store: %w", err)
		}
		volatile = store
	}
	return durable, volatile, db, nil
}

// redisAddr strips the redis:// scheme the WATER_CONNECTION_STRING
// carries, since go-redis wants a bare host:port.
func redisAddr(connStr string) string {
	const prefix = "redis://"
	if len(connStr) > len(prefix) && connStr[:len(prefix)] == prefix {
		return connStr[len(prefix):]
	}
	return connStr
}

// OnReady returns a channel closed once hydration has completed and
// the registry accepts reads consistent with durable state (spec §6).
func (c *Codex) OnReady() <-chan struct{} {
	return c.registry.OnReady()
}

// Upsert creates or replaces a node, running content materialization
// first (spec §4.1, §4.4) so the phase router sees the final content
// reference when it decides where to route the write.
func (c *Codex) Upsert(ctx context.Context, node *graph.Node) error {
	if node != nil && node.Content != nil {
		c.adapters.Materialize(ctx, node.Content)
	}
	return c.registry.Upsert(node)
}

// UpsertEdge creates or replaces an edge, recomputing its derived
// state from its endpoints (spec §4.3).
func (c *Codex) UpsertEdge(edge *graph.Edge) error {
	return c.registry.UpsertEdge(edge)
}

// Delete removes a node by ID. No-op if absent.
func (c *Codex) Delete(id string) {
	c.registry.Delete(id)
}

// DeleteEdge removes an edge by identity. No-op if absent.
func (c *Codex) DeleteEdge(from, role, to string) {
	c.registry.DeleteEdge(from, role, to)
}

// TryGet returns a deep copy of the node with id, if present.
func (c *Codex) TryGet(id string) (*graph.Node, bool) {
	return c.registry.TryGet(id)
}

// GetEdge returns a deep copy of the edge identified by from/role/to.
// An empty role matches any role between from and to.
func (c *Codex) GetEdge(from, to, role string) (*graph.Edge, bool) {
	return c.registry.GetEdge(from, to, role)
}

// GetNodesByType returns every node with the given typeId.
func (c *Codex) GetNodesByType(typeID string) []*graph.Node {
	return c.registry.GetByType(typeID)
}

// GetNodesByMeta returns up to limit nodes whose Meta[key] == value.
// limit <= 0 means unbounded.
func (c *Codex) GetNodesByMeta(key string, value any, limit int) []*graph.Node {
	return c.registry.GetByMeta(key, value, limit)
}

// EdgesFrom returns every edge with FromID == id.
func (c *Codex) EdgesFrom(id string) []*graph.Edge {
	return c.registry.EdgesFrom(id)
}

// EdgesTo returns every edge with ToID == id.
func (c *Codex) EdgesTo(id string) []*graph.Edge {
	return c.registry.EdgesTo(id)
}

// AllNodes returns every node currently in the registry.
func (c *Codex) AllNodes() []*graph.Node {
	return c.registry.AllNodes()
}

// AllEdges returns every edge currently in the registry.
func (c *Codex) AllEdges() []*graph.Edge {
	return c.registry.AllEdges()
}

// Stats is the snapshot StatsAsync returns (spec §6 SUPPLEMENTED
// FEATURES: byPhase breakdown).
type Stats struct {
	NodeCount int
	EdgeCount int
	ByPhase   map[graph.Phase]int
}

// StatsAsync returns a point-in-time snapshot of registry contents.
// It is synchronous in this implementation (the registry holds
// everything in memory already); the name and signature match spec §6
// so callers can treat it uniformly with the other async-sounding
// operations.
func (c *Codex) StatsAsync(_ context.Context) (Stats, error) {
	return Stats{
		NodeCount: c.registry.NodeCount(),
		EdgeCount: c.registry.EdgeCount(),
		ByPhase:   c.registry.PhaseCounts(),
	}, nil
}

// Close drains the async writer within cfg.ShutdownTimeout (or ctx's
// deadline, whichever is tighter), then closes backends. Grounded on
// the teacher's cmd/nornicdb/main.go signal-driven shutdown, adapted
// from an HTTP server Stop to draining the write-behind queue.
func (c *Codex) Close(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	if err := c.writer.Close(drainCtx); err != nil {
		c.logger.Warn("writer did not drain before shutdown timeout", "err", err)
	}

	var firstErr error
	if c.durable != nil {
		if err := c.durable.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("codex: close durable backend: %w", err)
		}
	}
	if c.volatile != nil && c.volatile != c.durable {
		if err := c.volatile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("codex: close volatile backend: %w", err)
		}
	}
	return firstErr
}

// Hydration returns the result of the startup hydration pass, for the
// `init` CLI command.
func (c *Codex) Hydration() hydrate.Result {
	return c.hydration
}
