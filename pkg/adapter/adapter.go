// Package adapter implements content reference resolution (spec
// §4.4): scheme-based resolvers that materialize an externalUri into
// inline bytes and compute its cache key. Built-in schemes are file
// and http(s); unknown schemes are left unresolved, never an error.
//
// Grounded on the h3-spatial-cache reference engine's httpclient
// package: adapters share one *http.Client rather than each dialing
// its own (spec §5 "shared resources").
package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/living-codex/codex-core/pkg/graph"
)

// ErrUnregisteredScheme is never returned to callers of Materialize —
// it exists so resolvers and tests can distinguish "no resolver" from
// an actual fetch failure.
var ErrUnregisteredScheme = errors.New("adapter: no resolver registered for scheme")

// Resolver fills in ref's payload from ref.ExternalURI. Implementations
// must be referentially transparent for a given URI within one process
// lifetime (spec §4.4).
type Resolver interface {
	Resolve(ctx context.Context, ref *graph.ContentRef) error
}

// Registry dispatches content resolution by URI scheme.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	logger    *slog.Logger
}

// NewRegistry builds a Registry with the built-in file/http/https
// schemes registered, sharing client for every outbound HTTP request.
func NewRegistry(client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = DefaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{resolvers: make(map[string]Resolver), logger: logger}
	r.Register("file", &fileResolver{})
	httpRes := &httpResolver{client: client}
	r.Register("http", httpRes)
	r.Register("https", httpRes)
	return r
}

// DefaultHTTPClient returns the timeout-bounded client every built-in
// HTTP-family adapter shares.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// Register installs or replaces the resolver for scheme.
func (r *Registry) Register(scheme string, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[scheme] = resolver
}

// Materialize resolves ref.ExternalURI in place if a resolver is
// registered for its scheme, then computes CacheKey (spec §4.4). A
// resolver failure (AdapterFailure) leaves the original external
// reference untouched and CacheKey unset rather than propagating an
// error to the caller.
func (r *Registry) Materialize(ctx context.Context, ref *graph.ContentRef) {
	if ref == nil || ref.Resolved() {
		if ref != nil && ref.CacheKey == "" {
			ref.CacheKey = computeCacheKey(ref)
		}
		return
	}
	if ref.ExternalURI == "" {
		return
	}

	u, err := url.Parse(ref.ExternalURI)
	if err != nil {
		r.logger.Warn("adapter: unparsable external uri", "uri", ref.ExternalURI, "err", err)
		return
	}

	r.mu.RLock()
	resolver, ok := r.resolvers[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		// Unknown scheme: no-op, node remains externally-referenced.
		return
	}

	if err := resolver.Resolve(ctx, ref); err != nil {
		r.logger.Warn("adapter: content resolution failed", "uri", ref.ExternalURI, "err", err)
		return
	}

	ref.CacheKey = computeCacheKey(ref)
}

// computeCacheKey hashes inline bytes, then inline JSON, then the
// external URI itself, in that priority order (spec §4.4 step 2).
func computeCacheKey(ref *graph.ContentRef) string {
	var payload []byte
	switch {
	case len(ref.InlineBytes) > 0:
		payload = ref.InlineBytes
	case len(ref.InlineJSON) > 0:
		payload = ref.InlineJSON
	case ref.ExternalURI != "":
		payload = []byte(ref.ExternalURI)
	default:
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type fileResolver struct{}

func (f *fileResolver) Resolve(_ context.Context, ref *graph.ContentRef) error {
	u, err := url.Parse(ref.ExternalURI)
	if err != nil {
		return fmt.Errorf("adapter: parse file uri: %w", err)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return fmt.Errorf("adapter: read file: %w", err)
	}
	ref.InlineBytes = data
	if ref.MediaType == "" {
		ref.MediaType = "application/octet-stream"
	}
	return nil
}

type httpResolver struct {
	client *http.Client
}

func (h *httpResolver) Resolve(ctx context.Context, ref *graph.ContentRef) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ExternalURI, nil)
	if err != nil {
		return fmt.Errorf("adapter: build request: %w", err)
	}
	for k, v := range ref.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("adapter: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("adapter: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("adapter: read body: %w", err)
	}

	ref.InlineBytes = body
	if ref.MediaType == "" {
		ref.MediaType = resp.Header.Get("Content-Type")
	}
	if ref.MediaType == "" {
		ref.MediaType = "application/octet-stream"
	}
	return nil
}
