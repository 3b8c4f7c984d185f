package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/cache"
	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/query"
	"github.com/kailas-cloud/fusion/internal/fusion"
)

type stubConfig struct {
	rc config.RetrievalConfig
}

func (s *stubConfig) Retrieval() config.RetrievalConfig { return s.rc }

type fakeAdapter struct {
	engine  domain.Engine
	results map[string][]domain.Candidate
	err     error
	calls   atomic.Int32

	mu      sync.Mutex
	queries []adapter.Query
}

func (f *fakeAdapter) Engine() domain.Engine { return f.engine }

func (f *fakeAdapter) Search(_ context.Context, q adapter.Query) ([]domain.Candidate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[q.KBID], nil
}

func (f *fakeAdapter) lastQuery() adapter.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return adapter.Query{}
	}
	return f.queries[len(f.queries)-1]
}

type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.EmbeddingResult{}, f.err
	}
	return domain.EmbeddingResult{Embedding: []float32{0.1, 0.2}}, nil
}

func cands(eng domain.Engine, kbID string, pairs ...any) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domain.Candidate{
			ID:       pairs[i].(string),
			KBID:     kbID,
			RawScore: pairs[i+1].(float64),
			Engine:   eng,
			Rank:     len(out) + 1,
			Metadata: map[string]string{"source": "test"},
		})
	}
	return out
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		Vector:  config.VectorConfig{TopK: 10},
		Keyword: config.KeywordConfig{TopK: 10},
		Hybrid: config.HybridConfig{
			VectorWeight:    0.7,
			KeywordWeight:   0.3,
			FusionMethod:    domain.FusionWeightedSum,
			RRFK:            60,
			NormalizeScores: true,
		},
		Performance: config.PerformanceConfig{
			EnableCache:           true,
			CacheTTLSec:           300,
			CacheSize:             100,
			MaxConcurrentSearches: 4,
			RequestTimeoutSec:     10,
		},
		PreferredEngine: domain.EngineAuto,
	}
}

func registryWith(t *testing.T, adapters ...adapter.Adapter) *adapter.Registry {
	t.Helper()
	r := adapter.NewRegistry()
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return r
}

func newOrchestrator(t *testing.T, rc config.RetrievalConfig, reg *adapter.Registry, emb domain.Embedder) *Orchestrator {
	t.Helper()
	c, err := cache.New(rc.Performance.CacheSize)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return New(&stubConfig{rc: rc}, reg, fusion.New(), c, emb, zap.NewNop())
}

func mustRequest(t *testing.T, kbs []string, topK int, threshold float64, mode domain.Engine, includeMeta bool) query.Request {
	t.Helper()
	req, err := query.New("how does fusion work", kbs, topK, threshold, nil, mode, includeMeta)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}

func TestExecute_PermissionDeniedWithoutBackendCalls(t *testing.T) {
	vec := &fakeAdapter{engine: domain.EngineVector}
	kw := &fakeAdapter{engine: domain.EngineKeyword}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec, kw), &fakeEmbedder{})

	req := mustRequest(t, []string{"kb-1", "kb-2"}, 10, 0, "", true)
	_, _, err := o.Execute(context.Background(), req, []string{"kb-other"})

	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if vec.calls.Load() != 0 || kw.calls.Load() != 0 {
		t.Error("no backend may be called when every KB is denied")
	}
}

func TestExecute_PartialAccessFiltersSilently(t *testing.T) {
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1", "kb-2"}, 10, 0, "", true)
	results, diag, err := o.Execute(context.Background(), req, []string{"kb-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(diag.KBs) != 1 || diag.KBs[0] != "kb-1" {
		t.Errorf("expected only kb-1 searched, got %v", diag.KBs)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

func TestExecute_WildcardGrantsAll(t *testing.T) {
	kw := &fakeAdapter{
		engine: domain.EngineKeyword,
		results: map[string][]domain.Candidate{
			"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0),
			"kb-2": cands(domain.EngineKeyword, "kb-2", "B", 1.0),
		},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1", "kb-2"}, 10, 0, "", true)
	_, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(diag.KBs) != 2 {
		t.Errorf("expected both KBs searched under wildcard, got %v", diag.KBs)
	}
}

func TestExecute_EndToEndHybridRanking(t *testing.T) {
	// vector=[(A,0.9),(B,0.8)], keyword=[(B,0.95),(C,0.6)], weights 0.7/0.3,
	// threshold 0.7: B first, A second, C filtered out.
	vec := &fakeAdapter{
		engine:  domain.EngineVector,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineVector, "kb-1", "A", 0.9, "B", 0.8)},
	}
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "B", 0.95, "C", 0.6)},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec, kw), &fakeEmbedder{})

	req := mustRequest(t, []string{"kb-1"}, 5, 0.7, "", true)
	results, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(results))
	}
	if results[0].ID != "B" || results[1].ID != "A" {
		t.Errorf("expected order [B A], got [%s %s]", results[0].ID, results[1].ID)
	}
	if results[0].Rank != 1 || results[1].Rank != 2 {
		t.Errorf("ranks must be 1-based and sequential, got %d, %d", results[0].Rank, results[1].Rank)
	}
	if len(diag.Degraded) != 0 {
		t.Errorf("expected clean aggregation, got degraded %v", diag.Degraded)
	}
}

func TestExecute_CacheDispatchesBackendsOnce(t *testing.T) {
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)
	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", true)

	first, diag1, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if diag1.CacheHit {
		t.Error("first execution must miss the cache")
	}

	second, diag2, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !diag2.CacheHit {
		t.Error("second identical execution must hit the cache")
	}
	if kw.calls.Load() != 1 {
		t.Errorf("backend must be dispatched exactly once, got %d calls", kw.calls.Load())
	}
	if len(first) != len(second) || first[0].ID != second[0].ID {
		t.Error("cached results must match the original aggregation")
	}
}

func TestExecute_DifferentGrantsDoNotShareCache(t *testing.T) {
	kw := &fakeAdapter{
		engine: domain.EngineKeyword,
		results: map[string][]domain.Candidate{
			"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0),
			"kb-2": cands(domain.EngineKeyword, "kb-2", "B", 1.0),
		},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)
	req := mustRequest(t, []string{"kb-1", "kb-2"}, 10, 0, "", true)

	wide, _, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	narrow, diag, err := o.Execute(context.Background(), req, []string{"kb-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if diag.CacheHit {
		t.Error("a narrower grant must not reuse the wider grant's entry")
	}
	if len(narrow) >= len(wide) {
		t.Errorf("narrow grant should see fewer results: %d vs %d", len(narrow), len(wide))
	}
}

func TestExecute_BackendTimeoutDegradesNonFatally(t *testing.T) {
	vec := &fakeAdapter{
		engine:  domain.EngineVector,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineVector, "kb-1", "A", 0.9)},
	}
	kw := &fakeAdapter{engine: domain.EngineKeyword, err: context.DeadlineExceeded}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec, kw), &fakeEmbedder{})

	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", true)
	results, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("a timed-out engine must not fail the query: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected vector results to survive the keyword timeout")
	}
	if len(diag.Degraded) != 1 || diag.Degraded[0].Reason != "timeout" {
		t.Errorf("expected one degraded call with reason timeout, got %v", diag.Degraded)
	}
}

func TestExecute_DegradedResultsNotCached(t *testing.T) {
	vec := &fakeAdapter{
		engine:  domain.EngineVector,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineVector, "kb-1", "A", 0.9)},
	}
	kw := &fakeAdapter{engine: domain.EngineKeyword, err: errors.New("connection refused")}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec, kw), &fakeEmbedder{})
	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", true)

	if _, _, err := o.Execute(context.Background(), req, []string{"*"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if diag.CacheHit {
		t.Error("partial aggregations must never be served from cache")
	}
	if vec.calls.Load() != 2 {
		t.Errorf("expected backends re-dispatched after degraded run, got %d vector calls", vec.calls.Load())
	}
}

func TestExecute_RequestModeOverridesPreferredEngine(t *testing.T) {
	vec := &fakeAdapter{engine: domain.EngineVector}
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	rc := testConfig()
	rc.PreferredEngine = domain.EngineVector
	o := newOrchestrator(t, rc, registryWith(t, vec, kw), &fakeEmbedder{})

	req := mustRequest(t, []string{"kb-1"}, 10, 0, domain.EngineKeyword, true)
	_, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if vec.calls.Load() != 0 {
		t.Error("explicit keyword mode must not touch the vector engine")
	}
	if len(diag.Engines) != 1 || diag.Engines[0] != domain.EngineKeyword {
		t.Errorf("expected [keyword], got %v", diag.Engines)
	}
}

func TestExecute_ExplicitModeUnconfiguredFails(t *testing.T) {
	kw := &fakeAdapter{engine: domain.EngineKeyword}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1"}, 10, 0, domain.EngineGraph, true)
	_, _, err := o.Execute(context.Background(), req, []string{"*"})
	if !errors.Is(err, domain.ErrEngineNotConfigured) {
		t.Errorf("expected ErrEngineNotConfigured, got %v", err)
	}
}

func TestExecute_EmbedFailureDegradesHybridToKeyword(t *testing.T) {
	vec := &fakeAdapter{engine: domain.EngineVector}
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	emb := &fakeEmbedder{err: domain.ErrEmbeddingProviderError}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec, kw), emb)

	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", true)
	results, diag, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("hybrid must degrade on embed failure, got %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected keyword results, got %d", len(results))
	}
	if vec.calls.Load() != 0 {
		t.Error("vector engine must not be called without an embedding")
	}
	if len(diag.Degraded) == 0 {
		t.Error("embed failure must be visible in diagnostics")
	}
}

func TestExecute_EmbedFailureFatalForVectorOnly(t *testing.T) {
	vec := &fakeAdapter{engine: domain.EngineVector}
	emb := &fakeEmbedder{err: domain.ErrEmbeddingProviderError}
	o := newOrchestrator(t, testConfig(), registryWith(t, vec), emb)

	req := mustRequest(t, []string{"kb-1"}, 10, 0, domain.EngineVector, true)
	_, _, err := o.Execute(context.Background(), req, []string{"*"})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Errorf("expected ErrEmbeddingProviderError, got %v", err)
	}
}

func TestExecute_MetadataStrippedWhenNotRequested(t *testing.T) {
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", false)
	results, _, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, r := range results {
		if r.Metadata != nil {
			t.Errorf("metadata must be stripped, got %v for %s", r.Metadata, r.ID)
		}
	}
}

func TestExecute_CrossKBMergeAndTruncate(t *testing.T) {
	kw := &fakeAdapter{
		engine: domain.EngineKeyword,
		results: map[string][]domain.Candidate{
			"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 10.0, "B", 5.0),
			"kb-2": cands(domain.EngineKeyword, "kb-2", "C", 8.0, "D", 2.0),
		},
	}
	o := newOrchestrator(t, testConfig(), registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1", "kb-2"}, 3, 0, "", true)
	results, _, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected truncation to top_k=3, got %d", len(results))
	}
	// Normalization is per KB, so both list leaders score 1.0; the tie
	// breaks on ascending id.
	if results[0].ID != "A" || results[1].ID != "C" {
		t.Errorf("expected [A C ...], got [%s %s]", results[0].ID, results[1].ID)
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Errorf("rank at %d: expected %d, got %d", i, i+1, r.Rank)
		}
	}
}

func TestExecute_VectorThresholdTracksLiveConfig(t *testing.T) {
	vec := &fakeAdapter{
		engine:  domain.EngineVector,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineVector, "kb-1", "A", 0.9)},
	}
	rc := testConfig()
	rc.Performance.EnableCache = false
	rc.Vector.SimilarityThreshold = 0.5
	src := &stubConfig{rc: rc}
	c, err := cache.New(10)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	o := New(src, registryWith(t, vec), fusion.New(), c, &fakeEmbedder{}, zap.NewNop())

	req := mustRequest(t, []string{"kb-1"}, 10, 0, domain.EngineVector, true)
	if _, _, err := o.Execute(context.Background(), req, []string{"*"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := vec.lastQuery().Threshold; got != 0.5 {
		t.Errorf("expected threshold 0.5 from the snapshot, got %g", got)
	}

	// A raised threshold must reach the adapter on the next query.
	src.rc.Vector.SimilarityThreshold = 0.8
	if _, _, err := o.Execute(context.Background(), req, []string{"*"}); err != nil {
		t.Fatalf("execute after config change: %v", err)
	}
	if got := vec.lastQuery().Threshold; got != 0.8 {
		t.Errorf("expected updated threshold 0.8, got %g", got)
	}
}

func TestExecute_CacheBoundTracksLiveConfig(t *testing.T) {
	kw := &fakeAdapter{
		engine: domain.EngineKeyword,
		results: map[string][]domain.Candidate{
			"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0),
			"kb-2": cands(domain.EngineKeyword, "kb-2", "B", 1.0),
		},
	}
	rc := testConfig()
	rc.Performance.CacheSize = 1
	c, err := cache.New(100)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	o := New(&stubConfig{rc: rc}, registryWith(t, kw), fusion.New(), c, nil, zap.NewNop())

	for _, kb := range []string{"kb-1", "kb-2"} {
		req := mustRequest(t, []string{kb}, 10, 0, "", true)
		if _, _, err := o.Execute(context.Background(), req, []string{"*"}); err != nil {
			t.Fatalf("execute %s: %v", kb, err)
		}
	}
	if c.Len() != 1 {
		t.Errorf("cache must follow the config bound of 1, got %d entries", c.Len())
	}
}

func TestExecute_DroppedKBsLogged(t *testing.T) {
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 1.0)},
	}
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := cache.New(10)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	o := New(&stubConfig{rc: testConfig()}, registryWith(t, kw), fusion.New(), c, nil, zap.New(core))

	req := mustRequest(t, []string{"kb-1", "kb-2"}, 10, 0, "", true)
	if _, _, err := o.Execute(context.Background(), req, []string{"kb-1"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	entries := logs.FilterMessage("knowledge bases dropped by permission filter").All()
	if len(entries) != 1 {
		t.Fatalf("expected one dropped-KB log line, got %d", len(entries))
	}
	if got := fmt.Sprintf("%v", entries[0].ContextMap()["dropped"]); got != "[kb-2]" {
		t.Errorf("expected dropped=[kb-2], got %s", got)
	}
}

func TestExecute_KeywordMinScoreFilters(t *testing.T) {
	kw := &fakeAdapter{
		engine:  domain.EngineKeyword,
		results: map[string][]domain.Candidate{"kb-1": cands(domain.EngineKeyword, "kb-1", "A", 5.0, "B", 0.4)},
	}
	rc := testConfig()
	rc.Keyword.MinScore = 1.0
	o := newOrchestrator(t, rc, registryWith(t, kw), nil)

	req := mustRequest(t, []string{"kb-1"}, 10, 0, "", true)
	results, _, err := o.Execute(context.Background(), req, []string{"*"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].ID != "A" {
		t.Errorf("expected only A to pass keyword min_score, got %v", results)
	}
}
