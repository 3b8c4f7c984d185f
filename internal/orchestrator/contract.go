// Package orchestrator coordinates a query end to end: permission
// filtering, cache lookup, engine selection, bounded backend fan-out,
// per-KB fusion and the final cross-KB merge.
package orchestrator

import (
	"time"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// ConfigSource supplies immutable retrieval config snapshots.
type ConfigSource interface {
	Retrieval() config.RetrievalConfig
}

// AdapterSource resolves query modes to engines and engines to adapters.
type AdapterSource interface {
	Select(mode domain.Engine) ([]domain.Engine, error)
	Get(engine domain.Engine) (adapter.Adapter, error)
}

// Fuser merges per-engine candidate lists into a final per-KB ranking.
type Fuser interface {
	Fuse(vector, keyword []domain.Candidate, cfg config.HybridConfig) []domain.FusedResult
	FuseSingle(cands []domain.Candidate, cfg config.HybridConfig) []domain.FusedResult
}

// Cache stores fully-aggregated query results keyed by request fingerprint.
// Resize keeps the bound in step with the live config; implementations
// treat an unchanged size as a no-op.
type Cache interface {
	Get(key string, ttl time.Duration) ([]domain.FusedResult, bool)
	Put(key string, results []domain.FusedResult)
	Resize(size int)
}
