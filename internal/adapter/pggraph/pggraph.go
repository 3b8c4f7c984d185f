// Package pggraph implements the graph backend adapter: entity-seeded
// breadth-first traversal over a Postgres edge table.
package pggraph

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // postgres driver

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Config holds the Postgres connection string and traversal bounds.
// Expected schema: nodes(id, kb_id, name, doc_id), edges(kb_id,
// source_id, target_id, relation).
type Config struct {
	DSN      string
	MaxDepth int
	MaxSeeds int
}

// Adapter resolves queries to seed entities by name match and walks the
// edge table outward, scoring hits by hop distance.
type Adapter struct {
	db       *sql.DB
	maxDepth int
	maxSeeds int
}

// New opens the Postgres connection. The caller owns Close.
func New(cfg Config) (*Adapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.MaxSeeds <= 0 {
		cfg.MaxSeeds = 8
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	return &Adapter{db: db, maxDepth: cfg.MaxDepth, maxSeeds: cfg.MaxSeeds}, nil
}

func (a *Adapter) Engine() domain.Engine { return domain.EngineGraph }

// Ping checks connectivity.
func (a *Adapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Close releases the connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// Search seeds on entities whose name matches the query text and walks
// outgoing edges breadth-first. A hit at hop distance d scores 1/(1+d),
// so direct matches score 1.0 and neighbors decay per hop.
func (a *Adapter) Search(ctx context.Context, q adapter.Query) ([]domain.Candidate, error) {
	if q.Text == "" || q.TopK <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	const query = `
		WITH RECURSIVE seeds AS (
			SELECT id, 0 AS depth
			FROM nodes
			WHERE kb_id = $1 AND name ILIKE '%' || $2 || '%'
			ORDER BY name
			LIMIT $3
		), walk AS (
			SELECT id, depth FROM seeds
			UNION ALL
			SELECT e.target_id, w.depth + 1
			FROM edges e
			JOIN walk w ON e.source_id = w.id
			WHERE e.kb_id = $1 AND w.depth < $4
		)
		SELECT n.doc_id, n.name, MIN(w.depth) AS depth
		FROM walk w
		JOIN nodes n ON n.id = w.id AND n.kb_id = $1
		GROUP BY n.doc_id, n.name
		ORDER BY MIN(w.depth), n.doc_id
		LIMIT $5`

	rows, err := a.db.QueryContext(ctx, query,
		q.KBID, q.Text, a.maxSeeds, a.maxDepth, q.TopK)
	if err != nil {
		return nil, adapter.ClassifyError(domain.EngineGraph, q.KBID, err)
	}
	defer rows.Close()

	var cands []domain.Candidate
	for rows.Next() {
		var (
			docID string
			name  string
			depth int
		)
		if err := rows.Scan(&docID, &name, &depth); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}

		cands = append(cands, domain.Candidate{
			ID:       docID,
			KBID:     q.KBID,
			RawScore: hopScore(depth),
			Engine:   domain.EngineGraph,
			Rank:     len(cands) + 1,
			Metadata: map[string]string{"entity": name, "depth": fmt.Sprintf("%d", depth)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, adapter.ClassifyError(domain.EngineGraph, q.KBID, err)
	}
	return cands, nil
}

func hopScore(depth int) float64 {
	if depth < 0 {
		depth = 0
	}
	return 1.0 / float64(1+depth)
}
