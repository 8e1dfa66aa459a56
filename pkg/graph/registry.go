package graph

import (
	"strings"
	"sync"
)

// ReadyState describes whether the registry has finished hydration.
// Readers see Initializing before the hydrator fires OnReady and Ready
// after (spec §4.5, §5).
type ReadyState int32

const (
	Initializing ReadyState = iota
	Ready
)

// MutationObserver is notified of every accepted mutation, after the
// registry's own state has been updated and its lock released. The
// phase router (pkg/phase) registers itself as an observer to decide
// persistence effects; the registry itself has no notion of backends or
// durability. Because notification happens with the lock released,
// observers are free to call back into the Registry (e.g. to sweep
// incident edges, or to seed a new node) from within their callback.
type MutationObserver interface {
	OnNodeUpsert(node *Node, prevState Phase, hadPrev bool)
	OnNodeDelete(id string, prevState Phase)
	OnEdgeUpsert(edge *Edge)
	OnEdgeDelete(identity EdgeIdentity)
}

// Registry is the thread-safe, in-memory store of nodes and edges that
// is the single source of truth for readers at runtime (spec §4.1).
//
// A primary id->node map, a typeId->set<id> inverted index, and two
// edge adjacency maps keyed by fromId and toId are all maintained under
// one mutex, following the teacher's MemoryEngine convention of a
// single RWMutex guarding every index rather than per-bucket locks.
type Registry struct {
	mu sync.RWMutex

	nodes      map[string]*Node // key: lower(id)
	edges      map[string]*Edge // key: EdgeIdentity.Key()
	byType     map[string]map[string]struct{}
	edgesFrom  map[string]map[string]struct{} // lower(fromId) -> edge keys
	edgesTo    map[string]map[string]struct{} // lower(toId) -> edge keys

	observers []MutationObserver
	ready     ReadyState
	readyCh   chan struct{}
}

// New returns an empty Registry in the Initializing state.
func New() *Registry {
	return &Registry{
		nodes:     make(map[string]*Node),
		edges:     make(map[string]*Edge),
		byType:    make(map[string]map[string]struct{}),
		edgesFrom: make(map[string]map[string]struct{}),
		edgesTo:   make(map[string]map[string]struct{}),
		readyCh:   make(chan struct{}),
	}
}

// Observe registers an observer to be notified of future mutations.
// Not safe to call concurrently with mutations; call during wiring,
// before the registry is exposed to callers.
func (r *Registry) Observe(o MutationObserver) {
	r.observers = append(r.observers, o)
}

// State reports whether the registry has completed hydration.
func (r *Registry) State() ReadyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// MarkReady transitions the registry to Ready and closes the readiness
// channel exactly once. Safe to call more than once; only the first
// call has an effect.
func (r *Registry) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready == Ready {
		return
	}
	r.ready = Ready
	close(r.readyCh)
}

// OnReady returns a channel that is closed once hydration completes.
func (r *Registry) OnReady() <-chan struct{} {
	return r.readyCh
}

// Upsert installs or replaces a node by id (record-replace semantics,
// not field-patch). Returns ErrInvalidInput if node is nil, has an
// empty id, or has a State that is not Ice, Water or Gas; otherwise
// never fails (spec §4.1).
func (r *Registry) Upsert(node *Node) error {
	if node == nil || node.ID == "" {
		return ErrInvalidInput
	}
	if !node.State.Valid() {
		return ErrInvalidInput
	}

	stored := node.Clone()
	key := stored.key()

	r.mu.Lock()
	prev, hadPrev := r.nodes[key]
	var prevState Phase
	if hadPrev {
		prevState = prev.State
		r.removeFromTypeIndexLocked(prev.TypeID, key)
	}

	r.nodes[key] = stored
	r.addToTypeIndexLocked(stored.TypeID, key)
	observers := r.observers
	r.mu.Unlock()

	// Observers are notified with the lock released: the phase router's
	// OnNodeUpsert calls back into the registry (SweepIncidentEdges, and
	// occasionally Upsert itself to seed a type meta-node), and this
	// registry's own mutex is not reentrant.
	for _, o := range observers {
		o.OnNodeUpsert(stored, prevState, hadPrev)
	}
	return nil
}

// UpsertEdge installs or replaces an edge by identity and recomputes
// its derived state from the current phases of its endpoints (I3).
// Missing endpoints collapse the derived state to Gas.
func (r *Registry) UpsertEdge(edge *Edge) error {
	if edge == nil || edge.FromID == "" || edge.ToID == "" || edge.Role == "" {
		return ErrInvalidInput
	}
	if edge.Weight == nil {
		edge.Weight = WeightOf(1.0)
	}

	stored := edge.Clone()
	identity := stored.Identity()

	r.mu.Lock()
	stored.DerivedState = r.derivedStateLocked(identity)

	key := identity.Key()
	if _, exists := r.edges[key]; !exists {
		r.addEdgeIndexLocked(identity)
	}
	r.edges[key] = stored
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.OnEdgeUpsert(stored)
	}
	return nil
}

// derivedStateLocked computes max(state(from), state(to)); absence of
// either endpoint collapses the result to Gas (I3).
func (r *Registry) derivedStateLocked(identity EdgeIdentity) Phase {
	from, ok := r.nodes[identity.From]
	if !ok {
		return Gas
	}
	to, ok := r.nodes[identity.To]
	if !ok {
		return Gas
	}
	return MaxPhase(from.State, to.State)
}

// Delete removes a node by id and enqueues the delete effect via
// observers. Deleting an absent id is a no-op.
func (r *Registry) Delete(id string) {
	key := strings.ToLower(id)

	r.mu.Lock()
	node, ok := r.nodes[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.nodes, key)
	r.removeFromTypeIndexLocked(node.TypeID, key)
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.OnNodeDelete(key, node.State)
	}
}

// DeleteEdge removes an edge by identity. A miss is a no-op.
func (r *Registry) DeleteEdge(from, role, to string) {
	identity := EdgeIdentity{From: strings.ToLower(from), Role: strings.ToLower(role), To: strings.ToLower(to)}
	key := identity.Key()

	r.mu.Lock()
	if _, ok := r.edges[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.edges, key)
	r.removeEdgeIndexLocked(identity)
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.OnEdgeDelete(identity)
	}
}

// TryGet returns a copy of the node with the given id and true, or nil
// and false if no such node exists.
func (r *Registry) TryGet(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[strings.ToLower(id)]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// GetEdge returns the edge (from, to, role) if role is non-empty, or
// the first edge found between from and to of any role otherwise.
func (r *Registry) GetEdge(from, to, role string) (*Edge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lf, lt := strings.ToLower(from), strings.ToLower(to)
	if role != "" {
		e, ok := r.edges[(EdgeIdentity{From: lf, Role: strings.ToLower(role), To: lt}).Key()]
		if !ok {
			return nil, false
		}
		return e.Clone(), true
	}
	for key := range r.edgesFrom[lf] {
		e := r.edges[key]
		if e != nil && strings.ToLower(e.ToID) == lt {
			return e.Clone(), true
		}
	}
	return nil, false
}

// GetByType returns every node whose typeId equals typeID.
func (r *Registry) GetByType(typeID string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byType[typeID]
	out := make([]*Node, 0, len(ids))
	for id := range ids {
		out = append(out, r.nodes[id].Clone())
	}
	return out
}

// GetByMeta returns up to limit nodes whose Meta[key] equals value
// (compared with Go equality). limit <= 0 means unbounded.
func (r *Registry) GetByMeta(key string, value any, limit int) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, n := range r.nodes {
		if limit > 0 && len(out) >= limit {
			break
		}
		if n.Meta == nil {
			continue
		}
		if v, ok := n.Meta[key]; ok && v == value {
			out = append(out, n.Clone())
		}
	}
	return out
}

// EdgesFrom returns every edge whose FromID is id.
func (r *Registry) EdgesFrom(id string) []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.edgesFrom[strings.ToLower(id)])
}

// EdgesTo returns every edge whose ToID is id.
func (r *Registry) EdgesTo(id string) []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.edgesTo[strings.ToLower(id)])
}

func (r *Registry) collectLocked(keys map[string]struct{}) []*Edge {
	out := make([]*Edge, 0, len(keys))
	for key := range keys {
		out = append(out, r.edges[key].Clone())
	}
	return out
}

// AllNodes returns a snapshot of every node currently in the registry.
// Mutations made concurrently with or after the snapshot are not
// required to be reflected (spec §4.1).
func (r *Registry) AllNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// AllEdges returns a snapshot of every edge currently in the registry.
func (r *Registry) AllEdges() []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Edge, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e.Clone())
	}
	return out
}

// NodeCount and EdgeCount back StatsAsync (spec §6).
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) EdgeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}

// PhaseCounts returns how many nodes are in each phase, for the
// byPhase breakdown of StatsAsync.
func (r *Registry) PhaseCounts() map[Phase]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Phase]int{Ice: 0, Water: 0, Gas: 0}
	for _, n := range r.nodes {
		out[n.State]++
	}
	return out
}

// SweepIncidentEdges recomputes and returns every edge incident to id,
// with their derived state refreshed in place. Used by the phase
// router when a node's phase changes (spec §4.2 step 4).
func (r *Registry) SweepIncidentEdges(id string) []*Edge {
	lid := strings.ToLower(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var touched []*Edge
	for key := range r.edgesFrom[lid] {
		seen[key] = struct{}{}
	}
	for key := range r.edgesTo[lid] {
		seen[key] = struct{}{}
	}
	for key := range seen {
		e := r.edges[key]
		if e == nil {
			continue
		}
		e.DerivedState = r.derivedStateLocked(e.Identity())
		touched = append(touched, e.Clone())
	}
	return touched
}

func (r *Registry) addToTypeIndexLocked(typeID, key string) {
	if r.byType[typeID] == nil {
		r.byType[typeID] = make(map[string]struct{})
	}
	r.byType[typeID][key] = struct{}{}
}

func (r *Registry) removeFromTypeIndexLocked(typeID, key string) {
	if set := r.byType[typeID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.byType, typeID)
		}
	}
}

func (r *Registry) addEdgeIndexLocked(identity EdgeIdentity) {
	key := identity.Key()
	if r.edgesFrom[identity.From] == nil {
		r.edgesFrom[identity.From] = make(map[string]struct{})
	}
	r.edgesFrom[identity.From][key] = struct{}{}
	if r.edgesTo[identity.To] == nil {
		r.edgesTo[identity.To] = make(map[string]struct{})
	}
	r.edgesTo[identity.To][key] = struct{}{}
}

func (r *Registry) removeEdgeIndexLocked(identity EdgeIdentity) {
	key := identity.Key()
	if set := r.edgesFrom[identity.From]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.edgesFrom, identity.From)
		}
	}
	if set := r.edgesTo[identity.To]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.edgesTo, identity.To)
		}
	}
}

// HydrateNode installs a node without notifying observers. The
// hydrator uses this to repopulate the registry from durable storage
// without re-triggering persistence effects for data that is already
// durable (spec §4.5).
func (r *Registry) HydrateNode(node *Node) {
	stored := node.Clone()
	key := stored.key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.nodes[key]; ok {
		r.removeFromTypeIndexLocked(prev.TypeID, key)
	}
	r.nodes[key] = stored
	r.addToTypeIndexLocked(stored.TypeID, key)
}

// HydrateEdge installs an edge without notifying observers, admitting
// edges that reference absent endpoints (soft referential integrity,
// spec §3, §4.5).
func (r *Registry) HydrateEdge(edge *Edge) {
	stored := edge.Clone()
	identity := stored.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()
	stored.DerivedState = r.derivedStateLocked(identity)
	key := identity.Key()
	if _, exists := r.edges[key]; !exists {
		r.addEdgeIndexLocked(identity)
	}
	r.edges[key] = stored
}

// KnownTypeIDs returns every distinct typeId currently observed among
// stored nodes, used by the hydrator and router to seed type meta-nodes
// (I6/P7).
func (r *Registry) KnownTypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// HasNode reports whether a node with the given id is known, without
// allocating a clone.
func (r *Registry) HasNode(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[strings.ToLower(id)]
	return ok
}
