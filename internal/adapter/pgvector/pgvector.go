// Package pgvector implements the vector backend adapter on Postgres
// with the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Config holds the Postgres connection string and the chunk table name.
type Config struct {
	DSN   string
	Table string
}

// Adapter searches a pgvector-indexed chunk table by cosine similarity.
// Expected schema: id text, kb_id text, embedding vector, metadata jsonb.
type Adapter struct {
	db    *sql.DB
	table string
}

// New opens the Postgres connection. The caller owns Close.
func New(cfg Config) (*Adapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "chunks"
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	return &Adapter{db: db, table: table}, nil
}

func (a *Adapter) Engine() domain.Engine { return domain.EngineVector }

// Ping checks connectivity.
func (a *Adapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Close releases the connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// Search returns the TopK nearest chunks with similarity at or above
// q.Threshold, best first. Cosine distance is converted to similarity
// in [0,1].
func (a *Adapter) Search(ctx context.Context, q adapter.Query) ([]domain.Candidate, error) {
	if len(q.Vector) == 0 || q.TopK <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	query := fmt.Sprintf(`
		SELECT id, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE kb_id = $2
		  AND 1 - (embedding <=> $1) >= $3`,
		pq.QuoteIdentifier(a.table))

	args := []any{pgv.NewVector(q.Vector), q.KBID, q.Threshold}
	if len(q.Filters) > 0 {
		fj, err := json.Marshal(q.Filters)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		args = append(args, fj)
		query += fmt.Sprintf("\n\t\t  AND metadata @> $%d::jsonb", len(args))
	}
	args = append(args, q.TopK)
	query += fmt.Sprintf("\n\t\tORDER BY embedding <=> $1\n\t\tLIMIT $%d", len(args))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, adapter.ClassifyError(domain.EngineVector, q.KBID, err)
	}
	defer rows.Close()

	var cands []domain.Candidate
	for rows.Next() {
		var (
			id    string
			meta  []byte
			score float64
		)
		if err := rows.Scan(&id, &meta, &score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}

		cands = append(cands, domain.Candidate{
			ID:       id,
			KBID:     q.KBID,
			RawScore: score,
			Engine:   domain.EngineVector,
			Rank:     len(cands) + 1,
			Metadata: decodeMetadata(meta),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, adapter.ClassifyError(domain.EngineVector, q.KBID, err)
	}
	return cands, nil
}

// decodeMetadata flattens a jsonb document into string key-values,
// skipping non-scalar entries.
func decodeMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	m := make(map[string]string, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case string:
			m[k] = t
		case float64:
			m[k] = fmt.Sprintf("%g", t)
		case bool:
			m[k] = fmt.Sprintf("%t", t)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
