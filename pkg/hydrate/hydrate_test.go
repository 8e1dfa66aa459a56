package hydrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/backend/memstore"
	"github.com/living-codex/codex-core/pkg/graph"
)

type fakeRouter struct {
	seededNodes map[string]backend.Tier
	seededEdges map[string]backend.Tier
	seededTypes map[string]bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		seededNodes: make(map[string]backend.Tier),
		seededEdges: make(map[string]backend.Tier),
		seededTypes: make(map[string]bool),
	}
}

func (f *fakeRouter) SeedNodeTier(id string, tier backend.Tier) { f.seededNodes[id] = tier }
func (f *fakeRouter) SeedEdgeTier(identity graph.EdgeIdentity, tier backend.Tier) {
	f.seededEdges[identity.Key()] = tier
}
func (f *fakeRouter) SeedKnownType(typeID string) { f.seededTypes[typeID] = true }

func TestHydrate_LoadsDurableNodesAndEdges(t *testing.T) {
	durable := memstore.New("durable")
	ctx := context.Background()
	require.NoError(t, durable.PutNode(ctx, &graph.Node{ID: "A", TypeID: "t", State: graph.Ice}))
	require.NoError(t, durable.PutEdge(ctx, &graph.Edge{FromID: "A", ToID: "A", Role: "self"}))

	registry := graph.New()
	router := newFakeRouter()
	h := New(registry, router, durable, nil, nil)

	result, err := h.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesLoaded)
	assert.Equal(t, 1, result.EdgesLoaded)

	_, ok := registry.TryGet("A")
	assert.True(t, ok)
	assert.Equal(t, backend.TierDurable, router.seededNodes["A"])
}

func TestHydrate_AdmitsEdgesWithAbsentEndpoints(t *testing.T) {
	durable := memstore.New("durable")
	ctx := context.Background()
	require.NoError(t, durable.PutEdge(ctx, &graph.Edge{FromID: "ghost1", ToID: "ghost2", Role: "relates"}))

	registry := graph.New()
	h := New(registry, newFakeRouter(), durable, nil, nil)

	_, err := h.Hydrate(ctx)
	require.NoError(t, err)

	e, ok := registry.GetEdge("ghost1", "ghost2", "relates")
	require.True(t, ok)
	assert.Equal(t, graph.Gas, e.DerivedState)
}

func TestHydrate_PurgesNonEmptyVolatile(t *testing.T) {
	durable := memstore.New("durable")
	volatile := memstore.New("volatile")
	ctx := context.Background()
	require.NoError(t, volatile.PutNode(ctx, &graph.Node{ID: "leftover", TypeID: "t", State: graph.Water}))

	registry := graph.New()
	h := New(registry, newFakeRouter(), durable, volatile, nil)

	result, err := h.Hydrate(ctx)
	require.NoError(t, err)
	assert.True(t, result.VolatilePurged)

	out, err := volatile.ScanNodes(ctx, backend.Filter{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHydrate_SkipsPurgeWhenVolatileEmpty(t *testing.T) {
	durable := memstore.New("durable")
	volatile := memstore.New("volatile")
	registry := graph.New()
	h := New(registry, newFakeRouter(), durable, volatile, nil)

	result, err := h.Hydrate(context.Background())
	require.NoError(t, err)
	assert.False(t, result.VolatilePurged)
}

func TestHydrate_SeedsTypeMetaNodes(t *testing.T) {
	durable := memstore.New("durable")
	ctx := context.Background()
	require.NoError(t, durable.PutNode(ctx, &graph.Node{ID: "A", TypeID: "codex.concept", State: graph.Ice}))

	registry := graph.New()
	h := New(registry, newFakeRouter(), durable, nil, nil)

	result, err := h.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TypesSeeded)

	meta, ok := registry.TryGet("codex.concept")
	require.True(t, ok)
	assert.Equal(t, graph.TypeMetaTypeID, meta.TypeID)
}

func TestHydrate_MarksRegistryReady(t *testing.T) {
	durable := memstore.New("durable")
	registry := graph.New()
	h := New(registry, newFakeRouter(), durable, nil, nil)

	assert.Equal(t, graph.Initializing, registry.State())
	_, err := h.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, registry.State())
}
