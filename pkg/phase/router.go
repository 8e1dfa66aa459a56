// Package phase implements the tri-phase persistence router (spec
// §4.2, §4.3): it observes registry mutations, decides each node's and
// edge's target backend from its phase, and enqueues the writes
// (through pkg/writer) needed to keep storage aligned with phase,
// including write-new-then-delete-old migrations on phase transitions.
//
// The "most-fluid-wins" edge derivation itself lives in
// pkg/graph.Registry (it needs the registry's locked view of both
// endpoints); this package only decides, from a derived state, which
// backend an edge belongs in and migrates it there.
package phase

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
	"github.com/living-codex/codex-core/pkg/writer"
)

// tierForPhase maps a phase to its target tier. Gas has no backend
// (spec §4.2 step 2, §4.3).
func tierForPhase(p graph.Phase) (backend.Tier, bool) {
	switch p {
	case graph.Ice:
		return backend.TierDurable, true
	case graph.Water:
		return backend.TierVolatile, true
	default:
		return "", false
	}
}

// Router observes a graph.Registry and drives a writer.Writer. It
// implements graph.MutationObserver.
type Router struct {
	registry *graph.Registry
	writer   *writer.Writer
	logger   *slog.Logger

	mu        sync.Mutex
	nodeTier  map[string]backend.Tier
	edgeTier  map[string]backend.Tier
	seenTypes map[string]bool
}

// New constructs a Router. Call Attach to start observing registry;
// separating construction from attachment lets the hydrator seed tier
// state first.
func New(registry *graph.Registry, w *writer.Writer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		writer:    w,
		logger:    logger,
		nodeTier:  make(map[string]backend.Tier),
		edgeTier:  make(map[string]backend.Tier),
		seenTypes: make(map[string]bool),
	}
}

// Attach registers the router as the registry's mutation observer.
// Call once, after any hydration-time SeedNodeTier/SeedEdgeTier calls.
func (r *Router) Attach() {
	r.registry.Observe(r)
}

// SeedNodeTier records the tier a node is already known to be durable
// in, without enqueuing a write. Used by the hydrator so the router
// does not redundantly re-persist data it just loaded (spec §4.5).
func (r *Router) SeedNodeTier(id string, tier backend.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeTier[strings.ToLower(id)] = tier
}

// SeedEdgeTier is SeedNodeTier's edge counterpart.
func (r *Router) SeedEdgeTier(identity graph.EdgeIdentity, tier backend.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edgeTier[identity.Key()] = tier
}

// SeedKnownType marks typeID as already having a meta-node, so the
// router does not re-seed it.
func (r *Router) SeedKnownType(typeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenTypes[typeID] = true
}

func (r *Router) nodeKey(id string) string { return strings.ToLower(id) }

// OnNodeUpsert implements graph.MutationObserver (spec §4.2).
func (r *Router) OnNodeUpsert(node *graph.Node, prevState graph.Phase, hadPrev bool) {
	key := r.nodeKey(node.ID)

	r.mu.Lock()
	oldTier, hadOldTier := r.nodeTier[key]
	r.mu.Unlock()

	newTier, hasNewTier := tierForPhase(node.State)

	switch {
	case hasNewTier:
		effect := &writer.Effect{
			Key: key, Op: writer.WriteNode, Tier: newTier,
			Node: node.Clone(), NodeID: node.ID,
		}
		if hadOldTier && oldTier != newTier {
			effect.Then = &writer.Effect{Key: key, Op: writer.DeleteNode, Tier: oldTier, NodeID: node.ID}
		}
		r.writer.Submit(effect)
		r.mu.Lock()
		r.nodeTier[key] = newTier
		r.mu.Unlock()

	case hadOldTier:
		// New phase is Gas: no write, but the node must leave whatever
		// backend it previously occupied (spec §4.2 step 3).
		r.writer.Submit(&writer.Effect{Key: key, Op: writer.DeleteNode, Tier: oldTier, NodeID: node.ID})
		r.mu.Lock()
		delete(r.nodeTier, key)
		r.mu.Unlock()
	}

	r.seedTypeMetaNode(node.TypeID)
	r.sweepIncidentEdges(node.ID)
}

// OnNodeDelete implements graph.MutationObserver.
func (r *Router) OnNodeDelete(id string, _ graph.Phase) {
	key := r.nodeKey(id)

	r.mu.Lock()
	tier, had := r.nodeTier[key]
	if had {
		delete(r.nodeTier, key)
	}
	r.mu.Unlock()

	if had {
		r.writer.Submit(&writer.Effect{Key: key, Op: writer.DeleteNode, Tier: tier, NodeID: id})
	}

	r.sweepIncidentEdges(id)
}

// OnEdgeUpsert implements graph.MutationObserver (spec §4.3).
func (r *Router) OnEdgeUpsert(edge *graph.Edge) {
	r.routeEdge(edge)
}

// OnEdgeDelete implements graph.MutationObserver.
func (r *Router) OnEdgeDelete(identity graph.EdgeIdentity) {
	key := identity.Key()

	r.mu.Lock()
	tier, had := r.edgeTier[key]
	if had {
		delete(r.edgeTier, key)
	}
	r.mu.Unlock()

	if had {
		r.writer.Submit(&writer.Effect{Key: key, Op: writer.DeleteEdge, Tier: tier, Edge2: identity})
	}
}

// sweepIncidentEdges recomputes derived state for every edge touching
// id and migrates any whose target backend changed.
func (r *Router) sweepIncidentEdges(id string) {
	for _, e := range r.registry.SweepIncidentEdges(id) {
		r.routeEdge(e)
	}
}

func (r *Router) routeEdge(edge *graph.Edge) {
	identity := edge.Identity()
	key := identity.Key()

	r.mu.Lock()
	oldTier, hadOldTier := r.edgeTier[key]
	r.mu.Unlock()

	newTier, hasNewTier := tierForPhase(edge.DerivedState)

	switch {
	case hasNewTier:
		effect := &writer.Effect{
			Key: key, Op: writer.WriteEdge, Tier: newTier, Edge: edge.Clone(),
		}
		if hadOldTier && oldTier != newTier {
			effect.Then = &writer.Effect{Key: key, Op: writer.DeleteEdge, Tier: oldTier, Edge2: identity}
		}
		r.writer.Submit(effect)
		r.mu.Lock()
		r.edgeTier[key] = newTier
		r.mu.Unlock()

	case hadOldTier:
		r.writer.Submit(&writer.Effect{Key: key, Op: writer.DeleteEdge, Tier: oldTier, Edge2: identity})
		r.mu.Lock()
		delete(r.edgeTier, key)
		r.mu.Unlock()
	}
}

// seedTypeMetaNode implements the "meta-node auto-seeding on every
// upsert of a previously unseen typeId" supplemented feature
// (SPEC_FULL). It calls back into the registry synchronously: the
// registry notifies observers with its lock released, so a reentrant
// Upsert from within this callback is safe. The recursive OnNodeUpsert
// this triggers seeds nothing further, since the meta-node's own
// typeId is graph.TypeMetaTypeID, which the first check below excludes.
func (r *Router) seedTypeMetaNode(typeID string) {
	if typeID == "" || typeID == graph.TypeMetaTypeID {
		return
	}

	r.mu.Lock()
	if r.seenTypes[typeID] {
		r.mu.Unlock()
		return
	}
	r.seenTypes[typeID] = true
	r.mu.Unlock()

	if r.registry.HasNode(typeID) {
		return
	}
	if err := r.registry.Upsert(graph.NewTypeMetaNode(typeID)); err != nil {
		r.logger.Error("failed to seed type meta-node", "typeId", typeID, "err", err)
	}
}
