package writer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/backend/memstore"
	"github.com/living-codex/codex-core/pkg/graph"
)

func testWriter(t *testing.T, durable, volatile *memstore.Store) *Writer {
	t.Helper()
	resolver := func(tier backend.Tier) backend.Backend {
		switch tier {
		case backend.TierDurable:
			return durable
		case backend.TierVolatile:
			return volatile
		default:
			return nil
		}
	}
	cfg := DefaultConfig()
	cfg.MaxElapsed = 2 * time.Second
	w := New(cfg, resolver, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Close(ctx)
	})
	return w
}

func waitForOutcome(t *testing.T, w *Writer, key string, want State) Outcome {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case o := <-w.Outcomes():
			if o.Effect.Key == key && o.State == want {
				return o
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v outcome on key %q", want, key)
		}
	}
}

func TestSubmit_WriteNodeCompletes(t *testing.T) {
	durable := memstore.New("durable")
	w := testWriter(t, durable, memstore.New("volatile"))

	node := &graph.Node{ID: "A", TypeID: "t", State: graph.Ice}
	w.Submit(&Effect{Key: "a", Op: WriteNode, Tier: backend.TierDurable, Node: node})

	waitForOutcome(t, w, "a", Completed)

	got, err := durable.GetNode(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "A", got.ID)
}

func TestSubmit_ThenChainsAfterSuccess(t *testing.T) {
	durable := memstore.New("durable")
	volatile := memstore.New("volatile")
	w := testWriter(t, durable, volatile)

	node := &graph.Node{ID: "D", TypeID: "t", State: graph.Water}
	migrate := &Effect{
		Key: "d", Op: DeleteNode, Tier: backend.TierDurable, NodeID: "D",
	}
	write := &Effect{
		Key: "d", Op: WriteNode, Tier: backend.TierVolatile, Node: node,
		Then: migrate,
	}

	require.NoError(t, durable.PutNode(context.Background(), &graph.Node{ID: "D", TypeID: "t", State: graph.Ice}))

	w.Submit(write)
	waitForOutcome(t, w, "d", Completed)
	waitForOutcome(t, w, "d", Completed)

	_, err := durable.GetNode(context.Background(), "D")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	got, err := volatile.GetNode(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, "D", got.ID)
}

func TestCoalesce_LastWriteWinsSameKeySameTier(t *testing.T) {
	first := &Effect{Key: "a", Op: WriteNode, Tier: backend.TierDurable, Node: &graph.Node{ID: "A", Title: "first"}}
	second := &Effect{Key: "a", Op: WriteNode, Tier: backend.TierDurable, Node: &graph.Node{ID: "A", Title: "second"}}

	items := coalesce(nil, first)
	items = coalesce(items, second)

	require.Len(t, items, 1)
	assert.Equal(t, "second", items[0].Node.Title)
}

func TestCoalesce_DeleteCancelsPrecedingWrites(t *testing.T) {
	write := &Effect{Key: "a", Op: WriteNode, Tier: backend.TierDurable}
	del := &Effect{Key: "a", Op: DeleteNode, Tier: backend.TierDurable}

	items := coalesce(nil, write)
	items = coalesce(items, del)

	require.Len(t, items, 1)
	assert.Equal(t, DeleteNode, items[0].Op)
}

func TestCoalesce_DifferentTierStaysIndependent(t *testing.T) {
	writeVolatile := &Effect{Key: "a", Op: WriteNode, Tier: backend.TierVolatile}
	deleteDurable := &Effect{Key: "a", Op: DeleteNode, Tier: backend.TierDurable}

	items := coalesce(nil, writeVolatile)
	items = coalesce(items, deleteDurable)

	require.Len(t, items, 2)
}

func TestSubmit_UnavailableBackendRetriesThenFails(t *testing.T) {
	resolver := func(tier backend.Tier) backend.Backend { return nil }
	cfg := DefaultConfig()
	cfg.MaxElapsed = 200 * time.Millisecond
	cfg.MaxRetries = 2
	w := New(cfg, resolver, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Close(ctx)
	}()

	w.Submit(&Effect{Key: "x", Op: WriteNode, Tier: backend.TierDurable, Node: &graph.Node{ID: "X"}})

	o := waitForOutcome(t, w, "x", Failed)
	assert.Error(t, o.Err)
}

func TestClose_DrainsInFlightEffects(t *testing.T) {
	durable := memstore.New("durable")
	w := testWriter(t, durable, memstore.New("volatile"))

	for i := 0; i < 20; i++ {
		id := string(rune('A' + i))
		w.Submit(&Effect{Key: id, Op: WriteNode, Tier: backend.TierDurable, Node: &graph.Node{ID: id, TypeID: "t", State: graph.Ice}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	out, err := durable.ScanNodes(context.Background(), backend.Filter{})
	require.NoError(t, err)
	assert.Len(t, out, 20)
}
