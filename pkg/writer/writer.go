// Package writer implements the async writer (spec §4.6): a bounded,
// per-key-FIFO effect queue that decouples caller latency from backend
// I/O. Grounded on the teacher's pkg/storage/async_engine.go
// write-behind cache — same idea of a pending-effects map drained by a
// background worker — generalized from a single flush-interval ticker
// to a genuinely concurrent, per-key-ordered worker pool bounded by
// golang.org/x/sync/semaphore, with cenkalti/backoff/v5 retry on
// transient backend errors.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
)

// Op identifies the kind of backend mutation an Effect performs.
type Op int

const (
	WriteNode Op = iota
	DeleteNode
	WriteEdge
	DeleteEdge
)

func (o Op) String() string {
	switch o {
	case WriteNode:
		return "writeNode"
	case DeleteNode:
		return "deleteNode"
	case WriteEdge:
		return "writeEdge"
	case DeleteEdge:
		return "deleteEdge"
	default:
		return "unknown"
	}
}

// State is the per-effect state machine position (spec §4.6).
type State int

const (
	Queued State = iota
	Running
	Completed
	Retrying
	Failed
)

// Effect is one queued backend mutation. Key is the per-key FIFO
// ordering token: a node id or an edge identity's Key(). Then, if set,
// is enqueued automatically once this effect completes successfully —
// used by the phase router to implement "write new backend, then
// delete old backend" migrations (spec §4.2 step 3) without a second
// round trip through the caller.
type Effect struct {
	ID      uuid.UUID
	Key     string
	Op      Op
	Tier    backend.Tier
	Node    *graph.Node
	Edge    *graph.Edge
	Edge2   graph.EdgeIdentity // populated for DeleteEdge
	NodeID  string             // populated for DeleteNode
	Then    *Effect
}

// Outcome is reported on the outcomes channel when an effect starts
// running and again when it reaches a terminal state, successful or
// not (spec §4.6, §7 propagation policy: async faults are
// metrics/logs, never caller-visible errors).
type Outcome struct {
	Effect Effect
	State  State
	Err    error
	At     time.Time
}

// BackendResolver returns the Backend for a tier. The writer never
// constructs backends itself.
type BackendResolver func(tier backend.Tier) backend.Backend

// Config sizes the writer (spec SPEC_FULL CODEX_WRITER_* env vars).
type Config struct {
	// Workers bounds cross-key concurrency.
	Workers int
	// QueueHighWater logs a warning once the number of distinct
	// pending keys exceeds this; coalescing keeps memory bounded
	// regardless (spec §4.6: "producers continue to accept writes").
	QueueHighWater int
	// MaxRetries bounds per-effect attempts before a transient failure
	// becomes terminal (Failed).
	MaxRetries uint
	// MaxElapsed bounds total retry wall-clock per effect.
	MaxElapsed time.Duration
}

// DefaultConfig uses the same Workers and QueueHighWater values as the
// pkg/config defaults for CODEX_WRITER_WORKERS and
// CODEX_WRITER_QUEUE_HIGH_WATER.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		QueueHighWater: 1000,
		MaxRetries:     5,
		MaxElapsed:     30 * time.Second,
	}
}

type keyState struct {
	mu      sync.Mutex
	items   []*Effect
	running bool
}

// Writer is the async writer. Construct with New, Submit effects from
// the phase router, and Close to drain on shutdown.
type Writer struct {
	cfg      Config
	resolve  BackendResolver
	logger   *slog.Logger
	sem      *semaphore.Weighted
	outcomes chan Outcome

	mu     sync.Mutex
	keys   map[string]*keyState
	wg     sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
	closeOnce  sync.Once
}

// New constructs a Writer. resolve maps a Tier to the Backend it
// should write to; logger receives structured diagnostics for every
// terminal outcome.
func New(cfg Config, resolve BackendResolver, logger *slog.Logger) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Writer{
		cfg:        cfg,
		resolve:    resolve,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		outcomes:   make(chan Outcome, 256),
		keys:       make(map[string]*keyState),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Outcomes returns the channel every Running and terminal outcome is
// reported on. Callers (metrics, logs) should drain it; outcomes that
// find it full are dropped. The channel is never closed, not even by
// Close.
func (w *Writer) Outcomes() <-chan Outcome {
	return w.outcomes
}

// Submit enqueues an effect, coalescing it with any not-yet-running
// effect already queued for the same key (spec §4.6 backpressure).
func (w *Writer) Submit(effect *Effect) {
	if effect.ID == uuid.Nil {
		effect.ID = uuid.New()
	}

	w.mu.Lock()
	ks, ok := w.keys[effect.Key]
	if !ok {
		ks = &keyState{}
		w.keys[effect.Key] = ks
	}
	pendingKeys := len(w.keys)
	w.mu.Unlock()

	if pendingKeys > w.cfg.QueueHighWater {
		w.logger.Warn("writer queue depth exceeds high-water mark", "pendingKeys", pendingKeys, "highWater", w.cfg.QueueHighWater)
	}

	ks.mu.Lock()
	ks.items = coalesce(ks.items, effect)
	needsWorker := !ks.running
	if needsWorker {
		ks.running = true
	}
	ks.mu.Unlock()

	if needsWorker {
		w.wg.Add(1)
		go w.drainKey(effect.Key, ks)
	}
}

// coalesce applies spec §4.6: consecutive writes to the same key and
// tier replace each other (last-write-wins); a delete cancels
// preceding same-tier writes. Effects against a different tier (the
// "then" half of a migration) are independent and queue normally,
// preserving per-key FIFO across the migration's two steps.
func coalesce(items []*Effect, incoming *Effect) []*Effect {
	if len(items) == 0 {
		return []*Effect{incoming}
	}
	last := items[len(items)-1]
	if last.Tier != incoming.Tier {
		return append(items, incoming)
	}
	if isDelete(incoming.Op) {
		kept := items[:0]
		for _, it := range items {
			if it.Tier != incoming.Tier {
				kept = append(kept, it)
			}
		}
		return append(kept, incoming)
	}
	if !isDelete(last.Op) {
		items[len(items)-1] = incoming
		return items
	}
	return append(items, incoming)
}

func isDelete(op Op) bool {
	return op == DeleteNode || op == DeleteEdge
}

func (w *Writer) drainKey(key string, ks *keyState) {
	defer w.wg.Done()

	for {
		ks.mu.Lock()
		if len(ks.items) == 0 {
			ks.running = false
			ks.mu.Unlock()
			w.mu.Lock()
			delete(w.keys, key)
			w.mu.Unlock()
			return
		}
		effect := ks.items[0]
		ks.items = ks.items[1:]
		ks.mu.Unlock()

		if err := w.sem.Acquire(w.rootCtx, 1); err != nil {
			w.emit(*effect, Failed, err)
			continue
		}
		w.apply(effect)
		w.sem.Release(1)
	}
}

func (w *Writer) apply(effect *Effect) {
	w.emit(*effect, Running, nil)

	ctx, cancel := context.WithTimeout(w.rootCtx, w.effectiveElapsed())
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if opErr := w.execute(ctx, effect); opErr != nil {
			return struct{}{}, opErr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(w.cfg.MaxRetries))

	if err != nil {
		w.emit(*effect, Failed, err)
		return
	}
	w.emit(*effect, Completed, nil)

	if effect.Then != nil {
		w.Submit(effect.Then)
	}
}

func (w *Writer) effectiveElapsed() time.Duration {
	if w.cfg.MaxElapsed <= 0 {
		return DefaultConfig().MaxElapsed
	}
	return w.cfg.MaxElapsed
}

func (w *Writer) execute(ctx context.Context, effect *Effect) error {
	be := w.resolve(effect.Tier)
	if be == nil {
		return fmt.Errorf("%w: no backend configured for tier %q", backend.ErrUnavailable, effect.Tier)
	}

	switch effect.Op {
	case WriteNode:
		return be.PutNode(ctx, effect.Node)
	case DeleteNode:
		return be.DeleteNode(ctx, effect.NodeID)
	case WriteEdge:
		return be.PutEdge(ctx, effect.Edge)
	case DeleteEdge:
		return be.DeleteEdge(ctx, effect.Edge2)
	default:
		return fmt.Errorf("%w: unknown effect op %v", backend.ErrUnavailable, effect.Op)
	}
}

func (w *Writer) emit(effect Effect, state State, err error) {
	outcome := Outcome{Effect: effect, State: state, Err: err, At: time.Now()}
	select {
	case w.outcomes <- outcome:
	default:
		// Outcomes channel is an observability side-channel (spec §9
		// "error channels"); a slow consumer must never block writes.
	}

	switch state {
	case Failed:
		w.logger.Error("effect failed", "key", effect.Key, "op", effect.Op.String(), "err", err)
	case Completed:
		w.logger.Debug("effect completed", "key", effect.Key, "op", effect.Op.String())
	}
}

// Close waits for in-flight and queued effects to drain best-effort
// until ctx's deadline, then forcibly cancels any still-running
// operations (spec §5, 30s bound by default at the caller).
func (w *Writer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.closeOnce.Do(w.rootCancel)
		return nil
	case <-ctx.Done():
		w.closeOnce.Do(w.rootCancel)
		return ctx.Err()
	}
}
