package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertNode_RejectsInvalidInput(t *testing.T) {
	r := New()
	err := r.Upsert(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = r.Upsert(&Node{TypeID: "t", State: Ice})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = r.Upsert(&Node{ID: "A", TypeID: "t", State: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpsertNode_ReplacesByID_CaseInsensitive(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Ice, Title: "first"}))
	require.NoError(t, r.Upsert(&Node{ID: "a", TypeID: "t", State: Ice, Title: "second"}))

	all := r.AllNodes()
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Title)
}

func TestTryGet_Miss(t *testing.T) {
	r := New()
	_, ok := r.TryGet("nope")
	assert.False(t, ok)
}

func TestTryGet_ReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Ice, Meta: map[string]any{"k": "v"}}))

	got, ok := r.TryGet("A")
	require.True(t, ok)
	got.Meta["k"] = "mutated"

	got2, _ := r.TryGet("A")
	assert.Equal(t, "v", got2.Meta["k"])
}

func TestGetByType(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t1", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "B", TypeID: "t1", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "C", TypeID: "t2", State: Gas}))

	assert.Len(t, r.GetByType("t1"), 2)
	assert.Len(t, r.GetByType("t2"), 1)
	assert.Empty(t, r.GetByType("t3"))
}

func TestGetByMeta(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Gas, Meta: map[string]any{"color": "red"}}))
	require.NoError(t, r.Upsert(&Node{ID: "B", TypeID: "t", State: Gas, Meta: map[string]any{"color": "blue"}}))
	require.NoError(t, r.Upsert(&Node{ID: "C", TypeID: "t", State: Gas, Meta: map[string]any{"color": "red"}}))

	reds := r.GetByMeta("color", "red", 0)
	assert.Len(t, reds, 2)

	limited := r.GetByMeta("color", "red", 1)
	assert.Len(t, limited, 1)
}

func TestDelete_RemovesNodeAndTypeIndex(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Gas}))
	r.Delete("A")

	_, ok := r.TryGet("A")
	assert.False(t, ok)
	assert.Empty(t, r.GetByType("t"))
}

func TestDelete_MissingIDIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Delete("ghost") })
}

func TestEdge_IdentityAndDefaultWeight(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Ice}))
	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Ice}))

	err := r.UpsertEdge(&Edge{FromID: "X", ToID: "Y", Role: "relates"})
	require.NoError(t, err)

	e, ok := r.GetEdge("X", "Y", "relates")
	require.True(t, ok)
	require.NotNil(t, e.Weight)
	assert.Equal(t, 1.0, *e.Weight)
	assert.Equal(t, Ice, e.DerivedState)
}

func TestEdge_ExplicitZeroWeightIsPreserved(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Ice}))
	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Ice}))

	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Y", Role: "relates", Weight: WeightOf(0)}))

	e, ok := r.GetEdge("X", "Y", "relates")
	require.True(t, ok)
	require.NotNil(t, e.Weight)
	assert.Equal(t, 0.0, *e.Weight)
}

func TestEdge_RejectsInvalidInput(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.UpsertEdge(nil), ErrInvalidInput)
	assert.ErrorIs(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Y"}), ErrInvalidInput)
}

func TestEdge_DerivedState_MostFluidWins(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Ice}))
	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Ice}))
	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Y", Role: "relates"}))

	e, _ := r.GetEdge("X", "Y", "relates")
	assert.Equal(t, Ice, e.DerivedState)

	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Water}))
	touched := r.SweepIncidentEdges("Y")
	require.Len(t, touched, 1)
	assert.Equal(t, Water, touched[0].DerivedState)

	e, _ = r.GetEdge("X", "Y", "relates")
	assert.Equal(t, Water, e.DerivedState)
}

func TestEdge_DerivedState_MissingEndpointIsGas(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Ice}))
	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "ghost", Role: "relates"}))

	e, ok := r.GetEdge("X", "ghost", "relates")
	require.True(t, ok)
	assert.Equal(t, Gas, e.DerivedState)
}

func TestDeleteEdge(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Gas}))
	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Y", Role: "relates"}))

	r.DeleteEdge("X", "relates", "Y")
	_, ok := r.GetEdge("X", "Y", "relates")
	assert.False(t, ok)
}

func TestEdgesFromAndTo(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "X", TypeID: "t", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "Y", TypeID: "t", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "Z", TypeID: "t", State: Gas}))
	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Y", Role: "relates"}))
	require.NoError(t, r.UpsertEdge(&Edge{FromID: "X", ToID: "Z", Role: "relates"}))

	assert.Len(t, r.EdgesFrom("X"), 2)
	assert.Len(t, r.EdgesTo("Y"), 1)
	assert.Empty(t, r.EdgesTo("X"))
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.Equal(t, Initializing, r.State())

	select {
	case <-r.OnReady():
		t.Fatal("should not be ready yet")
	default:
	}

	r.MarkReady()
	assert.Equal(t, Ready, r.State())

	select {
	case <-r.OnReady():
	default:
		t.Fatal("should be ready now")
	}

	assert.NotPanics(t, r.MarkReady)
}

func TestPhaseCounts(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Ice}))
	require.NoError(t, r.Upsert(&Node{ID: "B", TypeID: "t", State: Water}))
	require.NoError(t, r.Upsert(&Node{ID: "C", TypeID: "t", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "D", TypeID: "t", State: Gas}))

	counts := r.PhaseCounts()
	assert.Equal(t, 1, counts[Ice])
	assert.Equal(t, 1, counts[Water])
	assert.Equal(t, 2, counts[Gas])
}

type recordingObserver struct {
	upserts int
	deletes int
}

func (o *recordingObserver) OnNodeUpsert(*Node, Phase, bool) { o.upserts++ }
func (o *recordingObserver) OnNodeDelete(string, Phase)      { o.deletes++ }
func (o *recordingObserver) OnEdgeUpsert(*Edge)              {}
func (o *recordingObserver) OnEdgeDelete(EdgeIdentity)       {}

func TestObserversNotifiedOnMutation(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	r.Observe(obs)

	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t", State: Gas}))
	r.Delete("A")

	assert.Equal(t, 1, obs.upserts)
	assert.Equal(t, 1, obs.deletes)
}

func TestHydrateNode_BypassesObservers(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	r.Observe(obs)

	r.HydrateNode(&Node{ID: "A", TypeID: "t", State: Ice})
	assert.Equal(t, 0, obs.upserts)

	_, ok := r.TryGet("A")
	assert.True(t, ok)
}

func TestHydrateEdge_AdmitsDanglingEndpoints(t *testing.T) {
	r := New()
	r.HydrateEdge(&Edge{FromID: "ghost1", ToID: "ghost2", Role: "relates"})

	e, ok := r.GetEdge("ghost1", "ghost2", "relates")
	require.True(t, ok)
	assert.Equal(t, Gas, e.DerivedState)
}

func TestKnownTypeIDs(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(&Node{ID: "A", TypeID: "t1", State: Gas}))
	require.NoError(t, r.Upsert(&Node{ID: "B", TypeID: "t2", State: Gas}))

	types := r.KnownTypeIDs()
	assert.ElementsMatch(t, []string{"t1", "t2"}, types)
}
