// Package backend defines the narrow storage contract shared by the
// durable (Ice) and volatile (Water) tiers (spec §4.7, §9
// "Polymorphism over backends"). Concrete implementations live in
// sibling packages: sqlitestore (durable), redisstore and waterbadger
// (volatile).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/living-codex/codex-core/pkg/graph"
)

// Sentinel errors forming the backend slice of the spec §7 taxonomy.
var (
	// ErrUnavailable marks a transient I/O failure; the async writer
	// retries on this.
	ErrUnavailable = errors.New("backend: unavailable")
	// ErrCorrupt marks a schema mismatch or undeserializable row
	// encountered during a scan; the offending row is skipped.
	ErrCorrupt = errors.New("backend: corrupt record")
	// ErrNotFound marks a lookup miss.
	ErrNotFound = errors.New("backend: not found")
)

// Filter narrows a scan. A zero-value Filter matches everything.
// TypeID restricts nodes to a single typeId; FromID/ToID/Role restrict
// edges to a partial identity match. Limit <= 0 means unbounded.
type Filter struct {
	TypeID string
	FromID string
	ToID   string
	Role   string
	Limit  int
}

// Stats is the snapshot returned by Backend.Stats (spec §4.7, §9(b)).
type Stats struct {
	Count       int
	Bytes       int64
	LastUpdated time.Time
	BackendTag  string
}

// Backend is the capability set both tiers implement. Every method
// takes a context so callers (the async writer) can honor cancellation
// on shutdown (spec §5).
type Backend interface {
	PutNode(ctx context.Context, node *graph.Node) error
	DeleteNode(ctx context.Context, id string) error
	GetNode(ctx context.Context, id string) (*graph.Node, error)
	ScanNodes(ctx context.Context, filter Filter) ([]*graph.Node, error)

	PutEdge(ctx context.Context, edge *graph.Edge) error
	DeleteEdge(ctx context.Context, identity graph.EdgeIdentity) error
	GetEdge(ctx context.Context, identity graph.EdgeIdentity) (*graph.Edge, error)
	ScanEdges(ctx context.Context, filter Filter) ([]*graph.Edge, error)

	BatchPutNodes(ctx context.Context, nodes []*graph.Node) error
	BatchPutEdges(ctx context.Context, edges []*graph.Edge) error

	Stats(ctx context.Context) (Stats, error)
	Available(ctx context.Context) bool

	// Close releases underlying resources (connections, file handles).
	Close() error
}

// Tier identifies which durability role a Backend plays. It is used by
// the router and writer to select the right Backend for a phase and by
// Stats reporting to tag results.
type Tier string

const (
	TierDurable  Tier = "durable"
	TierVolatile Tier = "volatile"
)
