// Package hydrate implements the hydrator (spec §4.5): on process
// start it reloads the durable snapshot into the registry, purges the
// volatile tier if it unexpectedly survived a restart (I5), seeds type
// meta-nodes (I6/P7), and marks the registry ready.
//
// Grounded on the teacher's pkg/storage/loader.go Neo4j-export
// load/save pair: a linear pass over nodes then edges, admitting edges
// with absent endpoints (soft referential integrity), generalized from
// a JSON-file format to the durable Backend contract.
package hydrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
	"github.com/living-codex/codex-core/pkg/phase"
)

// Router is the subset of *phase.Router the hydrator needs to seed
// tier state without enqueuing redundant writes for data it just
// loaded from durable storage.
type Router interface {
	SeedNodeTier(id string, tier backend.Tier)
	SeedEdgeTier(identity graph.EdgeIdentity, tier backend.Tier)
	SeedKnownType(typeID string)
}

var _ Router = (*phase.Router)(nil)

// Hydrator performs the one-shot startup reload.
type Hydrator struct {
	registry *graph.Registry
	router   Router
	durable  backend.Backend
	volatile backend.Backend
	logger   *slog.Logger
}

// New constructs a Hydrator. volatile may be nil when
// PERSISTENCE_ENABLED=false collapses both tiers into one in-memory
// store — there is then nothing to purge.
func New(registry *graph.Registry, router Router, durable, volatile backend.Backend, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{registry: registry, router: router, durable: durable, volatile: volatile, logger: logger}
}

// Result summarizes what hydration did, for startup logs and the CLI
// `init` command.
type Result struct {
	NodesLoaded     int
	EdgesLoaded     int
	RowsSkipped     int
	VolatilePurged  bool
	TypesSeeded     int
}

// Hydrate runs the full startup sequence (spec §4.5 steps 2-6). The
// registry must already be in Initializing state (the zero value from
// graph.New favors that); Hydrate marks it Ready on success.
func (h *Hydrator) Hydrate(ctx context.Context) (Result, error) {
	var result Result

	nodes, err := h.durable.ScanNodes(ctx, backend.Filter{})
	if err != nil {
		return result, fmt.Errorf("hydrate: scan durable nodes: %w", err)
	}
	for _, n := range nodes {
		if !n.State.Valid() {
			h.logger.Warn("skipping node with invalid state during hydration", "id", n.ID)
			result.RowsSkipped++
			continue
		}
		h.registry.HydrateNode(n)
		h.router.SeedNodeTier(n.ID, backend.TierDurable)
		result.NodesLoaded++
	}

	edges, err := h.durable.ScanEdges(ctx, backend.Filter{})
	if err != nil {
		return result, fmt.Errorf("hydrate: scan durable edges: %w", err)
	}
	for _, e := range edges {
		// Edges referencing absent endpoints are still admitted (soft
		// referential integrity, spec §4.5 step 3).
		h.registry.HydrateEdge(e)
		h.router.SeedEdgeTier(e.Identity(), backend.TierDurable)
		result.EdgesLoaded++
	}

	if h.volatile != nil {
		purged, err := h.purgeVolatileIfNonEmpty(ctx)
		if err != nil {
			return result, fmt.Errorf("hydrate: purge volatile tier: %w", err)
		}
		result.VolatilePurged = purged
	}

	result.TypesSeeded = h.seedTypeMetaNodes()

	h.registry.MarkReady()
	return result, nil
}

// purgeVolatileIfNonEmpty enforces I5: the volatile tier must be empty
// across restarts. It purges generically through the Backend contract
// (scan + delete) so any Backend implementation qualifies, not just
// ones exposing a bespoke Purge method.
func (h *Hydrator) purgeVolatileIfNonEmpty(ctx context.Context) (bool, error) {
	nodes, err := h.volatile.ScanNodes(ctx, backend.Filter{})
	if err != nil {
		return false, err
	}
	edges, err := h.volatile.ScanEdges(ctx, backend.Filter{})
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return false, nil
	}

	for _, n := range nodes {
		if err := h.volatile.DeleteNode(ctx, n.ID); err != nil {
			h.logger.Error("failed to purge volatile node", "id", n.ID, "err", err)
		}
	}
	for _, e := range edges {
		if err := h.volatile.DeleteEdge(ctx, e.Identity()); err != nil {
			h.logger.Error("failed to purge volatile edge", "key", e.Identity().Key(), "err", err)
		}
	}
	return true, nil
}

// seedTypeMetaNodes implements spec §4.5 step 5 / invariant I6: every
// typeId observed among loaded nodes gets a codex.meta/type node if it
// lacks one.
func (h *Hydrator) seedTypeMetaNodes() int {
	seeded := 0
	for _, typeID := range h.registry.KnownTypeIDs() {
		h.router.SeedKnownType(typeID)
		if typeID == graph.TypeMetaTypeID {
			continue
		}
		if h.registry.HasNode(typeID) {
			continue
		}
		h.registry.HydrateNode(graph.NewTypeMetaNode(typeID))
		seeded++
	}
	h.router.SeedKnownType(graph.TypeMetaTypeID)
	return seeded
}
