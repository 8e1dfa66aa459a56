package codex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/living-codex/codex-core/pkg/config"
	"github.com/living-codex/codex-core/pkg/graph"
)

func testConfig() *config.Config {
	return &config.Config{
		PersistenceEnabled:    false,
		IceStorageType:        config.IceStorageSQLite,
		Environment:           config.EnvironmentTesting,
		WaterConnectionString: "./unused",
		WriterWorkers:         4,
		WriterQueueHighWater:  100,
		ShutdownTimeout:       2 * time.Second,
	}
}

func TestOpen_InMemoryConfig_BecomesReadyImmediately(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	select {
	case <-c.OnReady():
	default:
		t.Fatal("expected registry ready after Open with no durable data")
	}
}

func TestUpsertAndTryGet_RoundTrips(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "n1", TypeID: "t", State: graph.Gas, Title: "hello"}))

	got, ok := c.TryGet("n1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Title)
}

func TestUpsert_MaterializesContentBeforeStoring(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	node := &graph.Node{
		ID:      "withcontent",
		TypeID:  "t",
		State:   graph.Gas,
		Content: &graph.ContentRef{InlineBytes: []byte("payload")},
	}
	require.NoError(t, c.Upsert(ctx, node))

	got, ok := c.TryGet("withcontent")
	require.True(t, ok)
	assert.NotEmpty(t, got.Content.CacheKey)
}

func TestUpsertEdge_DerivesStateFromEndpoints(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "a", TypeID: "t", State: graph.Ice}))
	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "b", TypeID: "t", State: graph.Water}))
	require.NoError(t, c.UpsertEdge(&graph.Edge{FromID: "a", ToID: "b", Role: "rel"}))

	e, ok := c.GetEdge("a", "b", "rel")
	require.True(t, ok)
	assert.Equal(t, graph.Water, e.DerivedState)
}

func TestDeleteAndDeleteEdge(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "a", TypeID: "t", State: graph.Gas}))
	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "b", TypeID: "t", State: graph.Gas}))
	require.NoError(t, c.UpsertEdge(&graph.Edge{FromID: "a", ToID: "b", Role: "rel"}))

	c.DeleteEdge("a", "rel", "b")
	_, ok := c.GetEdge("a", "b", "rel")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.TryGet("a")
	assert.False(t, ok)
}

func TestStatsAsync_ReportsByPhase(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "a", TypeID: "t", State: graph.Ice}))
	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "b", TypeID: "t", State: graph.Gas}))

	stats, err := c.StatsAsync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 1, stats.ByPhase[graph.Ice])
	assert.Equal(t, 1, stats.ByPhase[graph.Gas])
}

func TestGetNodesByTypeAndMeta(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "a", TypeID: "concept", State: graph.Gas, Meta: map[string]any{"tag": "x"}}))
	require.NoError(t, c.Upsert(ctx, &graph.Node{ID: "b", TypeID: "concept", State: graph.Gas, Meta: map[string]any{"tag": "y"}}))

	byType := c.GetNodesByType("concept")
	assert.Len(t, byType, 2)

	byMeta := c.GetNodesByMeta("tag", "x", 0)
	require.Len(t, byMeta, 1)
	assert.Equal(t, "a", byMeta[0].ID)
}

func TestClose_IsIdempotentAcrossRepeatedCalls(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx))
}

func TestOpen_RejectsUnsupportedStorageType(t *testing.T) {
	cfg := testConfig()
	cfg.IceStorageType = config.IceStoragePostgreSQL
	_, err := Open(context.Background(), cfg, nil)
	require.Error(t, err)
}
