package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/living-codex/codex-core/pkg/backend"
	"github.com/living-codex/codex-core/pkg/graph"
)

// Store implements backend.Backend against a *DB. It is the durable
// (Ice) tier; callers construct it via New(db).
type Store struct {
	db *DB
}

// New wraps an already-open DB as a backend.Backend.
func New(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) PutNode(ctx context.Context, node *graph.Node) error {
	content, err := json.Marshal(node.Content)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal content: %w", err)
	}
	meta, err := json.Marshal(node.Meta)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal meta: %w", err)
	}

	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO nodes (id, type_id, state, locale, title, description, content, meta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type_id = excluded.type_id,
			state = excluded.state,
			locale = excluded.locale,
			title = excluded.title,
			description = excluded.description,
			content = excluded.content,
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`, node.ID, node.TypeID, string(node.State), node.Locale, node.Title, node.Description, string(content), string(meta), time.Now())
	if err != nil {
		return fmt.Errorf("%w: put node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete node: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, type_id, state, locale, title, description, content, meta
		FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return node, err
}

func (s *Store) ScanNodes(ctx context.Context, filter backend.Filter) ([]*graph.Node, error) {
	query := `SELECT id, type_id, state, locale, title, description, content, meta FROM nodes`
	var args []any
	if filter.TypeID != "" {
		query += ` WHERE type_id = ?`
		args = append(args, filter.TypeID)
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan nodes: %v", backend.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*graph.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			// A single undeserializable row does not abort the scan
			// (spec §7 BackendCorrupt: skip and continue).
			continue
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*graph.Node, error) {
	var (
		n                        graph.Node
		state                    string
		locale, title, desc      sql.NullString
		contentJSON, metaJSON    sql.NullString
	)
	if err := row.Scan(&n.ID, &n.TypeID, &state, &locale, &title, &desc, &contentJSON, &metaJSON); err != nil {
		return nil, err
	}
	n.State = graph.Phase(state)
	n.Locale = locale.String
	n.Title = title.String
	n.Description = desc.String

	if contentJSON.Valid && contentJSON.String != "" && contentJSON.String != "null" {
		var c graph.ContentRef
		if err := json.Unmarshal([]byte(contentJSON.String), &c); err != nil {
			return nil, fmt.Errorf("%w: unmarshal content: %v", backend.ErrCorrupt, err)
		}
		n.Content = &c
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err != nil {
			return nil, fmt.Errorf("%w: unmarshal meta: %v", backend.ErrCorrupt, err)
		}
		n.Meta = m
	}
	return &n, nil
}

func (s *Store) PutEdge(ctx context.Context, edge *graph.Edge) error {
	meta, err := json.Marshal(edge.Meta)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal edge meta: %w", err)
	}
	weight := 1.0
	if edge.Weight != nil {
		weight = *edge.Weight
	}
	identity := edge.Identity()
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO edges (from_id, role, to_id, weight, meta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, role, to_id) DO UPDATE SET
			weight = excluded.weight,
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`, identity.From, identity.Role, identity.To, weight, string(meta), time.Now())
	if err != nil {
		return fmt.Errorf("%w: put edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteEdge(ctx context.Context, identity graph.EdgeIdentity) error {
	_, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM edges WHERE from_id = ? AND role = ? AND to_id = ?`,
		identity.From, identity.Role, identity.To)
	if err != nil {
		return fmt.Errorf("%w: delete edge: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetEdge(ctx context.Context, identity graph.EdgeIdentity) (*graph.Edge, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT from_id, role, to_id, weight, meta FROM edges
		WHERE from_id = ? AND role = ? AND to_id = ?`, identity.From, identity.Role, identity.To)
	edge, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return edge, err
}

func (s *Store) ScanEdges(ctx context.Context, filter backend.Filter) ([]*graph.Edge, error) {
	query := `SELECT from_id, role, to_id, weight, meta FROM edges`
	var clauses []string
	var args []any
	if filter.FromID != "" {
		clauses = append(clauses, "from_id = ?")
		args = append(args, strings.ToLower(filter.FromID))
	}
	if filter.ToID != "" {
		clauses = append(clauses, "to_id = ?")
		args = append(args, strings.ToLower(filter.ToID))
	}
	if filter.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, strings.ToLower(filter.Role))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan edges: %v", backend.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*graph.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			continue
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

func scanEdge(row rowScanner) (*graph.Edge, error) {
	var (
		e        graph.Edge
		weight   float64
		metaJSON sql.NullString
	)
	if err := row.Scan(&e.FromID, &e.Role, &e.ToID, &weight, &metaJSON); err != nil {
		return nil, err
	}
	e.Weight = &weight
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err != nil {
			return nil, fmt.Errorf("%w: unmarshal edge meta: %v", backend.ErrCorrupt, err)
		}
		e.Meta = m
	}
	return &e, nil
}

func (s *Store) BatchPutNodes(ctx context.Context, nodes []*graph.Node) error {
	for _, n := range nodes {
		if err := s.PutNode(ctx, n); err != nil {
			// Atomic only per-item (spec §4.7): a failure here does not
			// abort the rest of the batch.
			continue
		}
	}
	return nil
}

func (s *Store) BatchPutEdges(ctx context.Context, edges []*graph.Edge) error {
	for _, e := range edges {
		if err := s.PutEdge(ctx, e); err != nil {
			continue
		}
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	var nodeCount, edgeCount int
	if err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodeCount); err != nil {
		return backend.Stats{}, fmt.Errorf("%w: stats: %v", backend.ErrUnavailable, err)
	}
	if err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edgeCount); err != nil {
		return backend.Stats{}, fmt.Errorf("%w: stats: %v", backend.ErrUnavailable, err)
	}

	var lastUpdated sql.NullTime
	_ = s.db.DB().QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM (
			SELECT MAX(updated_at) AS updated_at FROM nodes
			UNION ALL
			SELECT MAX(updated_at) AS updated_at FROM edges
		)`).Scan(&lastUpdated)

	return backend.Stats{
		Count:       nodeCount + edgeCount,
		LastUpdated: lastUpdated.Time,
		BackendTag:  "sqlite",
	}, nil
}

func (s *Store) Available(ctx context.Context) bool {
	return s.db.DB().PingContext(ctx) == nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
