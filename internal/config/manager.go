package config

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Manager owns the single live configuration. Readers get value snapshots,
// never a handle into the live config; updates build a full candidate,
// validate it, and swap the pointer atomically — or reject it whole.
type Manager struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Config]
}

// NewManager creates a manager around an already-validated config.
// path is the file the manager reloads from on Watch events.
func NewManager(cfg Config, path string, logger *zap.Logger) *Manager {
	m := &Manager{path: path, logger: logger}
	m.current.Store(&cfg)
	return m
}

// Config returns a snapshot of the full configuration.
func (m *Manager) Config() Config { return *m.current.Load() }

// Retrieval returns a snapshot of the retrieval section.
func (m *Manager) Retrieval() RetrievalConfig { return m.current.Load().Retrieval }

// VectorConfig returns a snapshot of the vector search settings.
func (m *Manager) VectorConfig() VectorConfig { return m.current.Load().Retrieval.Vector }

// KeywordConfig returns a snapshot of the keyword search settings.
func (m *Manager) KeywordConfig() KeywordConfig { return m.current.Load().Retrieval.Keyword }

// HybridConfig returns a snapshot of the fusion settings.
func (m *Manager) HybridConfig() HybridConfig { return m.current.Load().Retrieval.Hybrid }

// StorageConfig returns a snapshot of the per-engine connection settings.
func (m *Manager) StorageConfig() StorageConfig { return m.current.Load().Retrieval.Storage }

// PerformanceConfig returns a snapshot of the caching and concurrency settings.
func (m *Manager) PerformanceConfig() PerformanceConfig {
	return m.current.Load().Retrieval.Performance
}

// PreferredEngine returns the configured engine selection strategy.
func (m *Manager) PreferredEngine() domain.Engine {
	return m.current.Load().Retrieval.PreferredEngine
}

// Update merges a partial update into a candidate config and validates it.
// On violations the live config is left untouched and the list is returned;
// on success the live pointer is swapped.
func (m *Manager) Update(p Partial) []string {
	cand := *m.current.Load()
	p.applyTo(&cand.Retrieval)
	cand.Retrieval.ClampResources()

	if violations := cand.Validate(); len(violations) > 0 {
		m.logger.Warn("config update rejected", zap.Strings("violations", violations))
		return violations
	}

	m.current.Store(&cand)
	m.logger.Info("config updated",
		zap.String("fusion_method", string(cand.Retrieval.Hybrid.FusionMethod)),
		zap.String("preferred_engine", string(cand.Retrieval.PreferredEngine)),
	)
	return nil
}

// Check validates a partial update against the live config without applying it.
func (m *Manager) Check(p Partial) []string {
	cand := *m.current.Load()
	p.applyTo(&cand.Retrieval)
	cand.Retrieval.ClampResources()
	return cand.Validate()
}

// Reload re-reads the config file and swaps it in if valid. Invalid files
// keep the previous config live.
func (m *Manager) Reload() error {
	cfg, warnings, err := Load(m.path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		m.logger.Warn("config override ignored", zap.String("warning", w))
	}
	m.current.Store(&cfg)
	m.logger.Info("config reloaded", zap.String("path", m.path))
	return nil
}

// Partial is a sparse retrieval config update. Nil fields keep their
// current values.
type Partial struct {
	VectorSimilarityThreshold *float64             `json:"vector_similarity_threshold,omitempty"`
	VectorTopK                *int                 `json:"vector_top_k,omitempty"`
	KeywordTopK               *int                 `json:"keyword_top_k,omitempty"`
	KeywordMinScore           *float64             `json:"keyword_min_score,omitempty"`
	VectorWeight              *float64             `json:"vector_weight,omitempty"`
	KeywordWeight             *float64             `json:"keyword_weight,omitempty"`
	FusionMethod              *domain.FusionMethod `json:"fusion_method,omitempty"`
	RRFK                      *int                 `json:"rrf_k,omitempty"`
	NormalizeScores           *bool                `json:"normalize_scores,omitempty"`
	MinFinalScore             *float64             `json:"min_final_score,omitempty"`
	EnableCache               *bool                `json:"enable_cache,omitempty"`
	CacheTTLSec               *int                 `json:"cache_ttl_sec,omitempty"`
	CacheSize                 *int                 `json:"cache_size,omitempty"`
	MaxConcurrentSearches     *int                 `json:"max_concurrent_searches,omitempty"`
	RequestTimeoutSec         *int                 `json:"request_timeout_sec,omitempty"`
	PreferredEngine           *domain.Engine       `json:"preferred_engine,omitempty"`
}

func (p Partial) applyTo(r *RetrievalConfig) {
	if p.VectorSimilarityThreshold != nil {
		r.Vector.SimilarityThreshold = *p.VectorSimilarityThreshold
	}
	if p.VectorTopK != nil {
		r.Vector.TopK = *p.VectorTopK
	}
	if p.KeywordTopK != nil {
		r.Keyword.TopK = *p.KeywordTopK
	}
	if p.KeywordMinScore != nil {
		r.Keyword.MinScore = *p.KeywordMinScore
	}
	if p.VectorWeight != nil {
		r.Hybrid.VectorWeight = *p.VectorWeight
	}
	if p.KeywordWeight != nil {
		r.Hybrid.KeywordWeight = *p.KeywordWeight
	}
	if p.FusionMethod != nil {
		r.Hybrid.FusionMethod = *p.FusionMethod
	}
	if p.RRFK != nil {
		r.Hybrid.RRFK = *p.RRFK
	}
	if p.NormalizeScores != nil {
		r.Hybrid.NormalizeScores = *p.NormalizeScores
	}
	if p.MinFinalScore != nil {
		r.Hybrid.MinFinalScore = *p.MinFinalScore
	}
	if p.EnableCache != nil {
		r.Performance.EnableCache = *p.EnableCache
	}
	if p.CacheTTLSec != nil {
		r.Performance.CacheTTLSec = *p.CacheTTLSec
	}
	if p.CacheSize != nil {
		r.Performance.CacheSize = *p.CacheSize
	}
	if p.MaxConcurrentSearches != nil {
		r.Performance.MaxConcurrentSearches = *p.MaxConcurrentSearches
	}
	if p.RequestTimeoutSec != nil {
		r.Performance.RequestTimeoutSec = *p.RequestTimeoutSec
	}
	if p.PreferredEngine != nil {
		r.PreferredEngine = *p.PreferredEngine
	}
}
