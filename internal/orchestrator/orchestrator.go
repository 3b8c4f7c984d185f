package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/query"
	"github.com/kailas-cloud/fusion/internal/metrics"
)

// Orchestrator executes retrieval queries against the configured engines.
type Orchestrator struct {
	cfg      ConfigSource
	adapters AdapterSource
	fuser    Fuser
	cache    Cache
	embedder domain.Embedder
	logger   *zap.Logger
}

// New wires an orchestrator. cache and embedder may be nil; a nil
// embedder makes vector engines unusable.
func New(
	cfg ConfigSource,
	adapters AdapterSource,
	fuser Fuser,
	cache Cache,
	embedder domain.Embedder,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		adapters: adapters,
		fuser:    fuser,
		cache:    cache,
		embedder: embedder,
		logger:   logger,
	}
}

type backendTask struct {
	kbID   string
	engine domain.Engine
}

// Execute runs one query. accessibleKBs is the caller's permitted set
// ("*" grants everything). Backend failures degrade the result set and
// are reported in diagnostics; the only fatal conditions are a fully
// denied KB set, an unresolvable engine selection, and an embedding
// failure with no other engine to fall back to.
func (o *Orchestrator) Execute(
	ctx context.Context, req query.Request, accessibleKBs []string,
) ([]domain.FusedResult, *Diagnostics, error) {
	started := time.Now()
	diag := &Diagnostics{RequestID: uuid.NewString()}
	defer func() { diag.Total = time.Since(started) }()

	log := o.logger.With(zap.String("request_id", diag.RequestID))

	allowed, dropped := filterAccessible(req.KBIDs(), accessibleKBs)
	if len(dropped) > 0 {
		log.Debug("knowledge bases dropped by permission filter", zap.Strings("dropped", dropped))
	}
	if len(allowed) == 0 {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, diag, fmt.Errorf("no accessible knowledge bases: %w", domain.ErrPermissionDenied)
	}
	diag.KBs = allowed

	rc := o.cfg.Retrieval()

	mode := req.Mode()
	if mode == "" {
		mode = rc.PreferredEngine
	}
	engines, err := o.adapters.Select(mode)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, diag, err
	}
	diag.Engines = engines

	cacheKey := cacheKeyFor(req, allowed)
	cacheOn := rc.Performance.EnableCache && o.cache != nil
	if cacheOn {
		// Bound and TTL track the config snapshot so hot reloads apply.
		o.cache.Resize(rc.Performance.CacheSize)
		ttl := time.Duration(rc.Performance.CacheTTLSec) * time.Second
		if cached, ok := o.cache.Get(cacheKey, ttl); ok {
			metrics.ResultCacheTotal.WithLabelValues("hit").Inc()
			metrics.QueriesTotal.WithLabelValues("success").Inc()
			diag.CacheHit = true
			return shapeResponse(cached, req.IncludeMetadata()), diag, nil
		}
		metrics.ResultCacheTotal.WithLabelValues("miss").Inc()
	}

	tctx := ctx
	if rc.Performance.RequestTimeoutSec > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, time.Duration(rc.Performance.RequestTimeoutSec)*time.Second)
		defer cancel()
	}

	var embedding []float32
	if hasEngine(engines, domain.EngineVector) {
		embedStart := time.Now()
		vec, err := o.embedQuery(tctx, req.Text())
		diag.EmbedTime = time.Since(embedStart)
		if err != nil {
			if len(engines) == 1 {
				metrics.QueriesTotal.WithLabelValues("error").Inc()
				return nil, diag, err
			}
			// Hybrid degrades to keyword-only rather than failing.
			log.Warn("embedding failed, dropping vector engine", zap.Error(err))
			for _, kb := range allowed {
				diag.Degraded = append(diag.Degraded, DegradedCall{
					KBID: kb, Engine: domain.EngineVector, Reason: "unavailable",
				})
			}
			engines = removeEngine(engines, domain.EngineVector)
			diag.Engines = engines
		} else {
			embedding = vec
		}
	}

	tasks := make([]backendTask, 0, len(allowed)*len(engines))
	for _, kb := range allowed {
		for _, eng := range engines {
			tasks = append(tasks, backendTask{kbID: kb, engine: eng})
		}
	}

	searchStart := time.Now()
	candidates, callErrs := o.fanOut(tctx, req, rc, tasks, embedding)
	diag.SearchTime = time.Since(searchStart)

	for i, err := range callErrs {
		if err == nil {
			continue
		}
		log.Warn("backend call degraded",
			zap.String("kb_id", tasks[i].kbID),
			zap.String("engine", string(tasks[i].engine)),
			zap.Error(err),
		)
		diag.Degraded = append(diag.Degraded, DegradedCall{
			KBID:   tasks[i].kbID,
			Engine: tasks[i].engine,
			Reason: degradedReason(err),
		})
	}

	fuseStart := time.Now()
	fused := o.fusePerKB(allowed, engines, tasks, candidates, rc.Hybrid)
	diag.FuseTime = time.Since(fuseStart)
	metrics.FuseDuration.WithLabelValues(string(rc.Hybrid.FusionMethod)).Observe(diag.FuseTime.Seconds())

	final := mergeAcrossKBs(fused, req.TopK(), req.ScoreThreshold())

	// Partial aggregations are never cached: a degraded backend must not
	// pin its gap for the TTL window.
	if cacheOn && len(diag.Degraded) == 0 {
		o.cache.Put(cacheKey, final)
	}

	if len(diag.Degraded) > 0 {
		metrics.QueriesTotal.WithLabelValues("degraded").Inc()
	} else {
		metrics.QueriesTotal.WithLabelValues("success").Inc()
	}

	return shapeResponse(final, req.IncludeMetadata()), diag, nil
}

func (o *Orchestrator) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if o.embedder == nil {
		return nil, fmt.Errorf("vector engine without embedder: %w", domain.ErrEngineNotConfigured)
	}
	res, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return res.Embedding, nil
}

// fanOut dispatches every (kb, engine) pair concurrently under the
// configured semaphore bound. Failures are collected per task, never
// propagated; a failed call contributes an empty candidate list.
func (o *Orchestrator) fanOut(
	ctx context.Context,
	req query.Request,
	rc config.RetrievalConfig,
	tasks []backendTask,
	embedding []float32,
) ([][]domain.Candidate, []error) {
	out := make([][]domain.Candidate, len(tasks))
	errs := make([]error, len(tasks))

	maxConc := rc.Performance.MaxConcurrentSearches
	if maxConc < 1 {
		maxConc = 1
	}
	sem := semaphore.NewWeighted(int64(maxConc))

	var g errgroup.Group
	for i, tk := range tasks {
		i, tk := i, tk
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = adapter.ClassifyError(tk.engine, tk.kbID, err)
				return nil
			}
			defer sem.Release(1)

			out[i], errs[i] = o.searchOne(ctx, req, rc, tk, embedding)
			return nil
		})
	}
	_ = g.Wait()

	return out, errs
}

func (o *Orchestrator) searchOne(
	ctx context.Context,
	req query.Request,
	rc config.RetrievalConfig,
	tk backendTask,
	embedding []float32,
) ([]domain.Candidate, error) {
	ad, err := o.adapters.Get(tk.engine)
	if err != nil {
		return nil, adapter.ClassifyError(tk.engine, tk.kbID, err)
	}

	q := adapter.Query{
		Text:    req.Text(),
		KBID:    tk.kbID,
		TopK:    engineTopK(tk.engine, rc, req.TopK()),
		Filters: req.Filters(),
	}
	if tk.engine == domain.EngineVector {
		q.Vector = embedding
		q.Threshold = rc.Vector.SimilarityThreshold
	}

	metrics.InflightSearches.Inc()
	start := time.Now()
	cands, err := ad.Search(ctx, q)
	metrics.InflightSearches.Dec()
	metrics.SearchDuration.WithLabelValues(string(tk.engine)).Observe(time.Since(start).Seconds())

	if err != nil {
		err = ensureClassified(tk.engine, tk.kbID, err)
		metrics.SearchesTotal.WithLabelValues(string(tk.engine), degradedReason(err)).Inc()
		return nil, err
	}
	metrics.SearchesTotal.WithLabelValues(string(tk.engine), "success").Inc()

	if tk.engine == domain.EngineKeyword && rc.Keyword.MinScore > 0 {
		cands = filterMinScore(cands, rc.Keyword.MinScore)
	}
	return cands, nil
}

// fusePerKB runs the configured fusion per knowledge base. A hybrid
// selection fuses the vector and keyword lists; single-engine selections
// pass through normalization only.
func (o *Orchestrator) fusePerKB(
	allowed []string,
	engines []domain.Engine,
	tasks []backendTask,
	candidates [][]domain.Candidate,
	hybrid config.HybridConfig,
) []domain.FusedResult {
	byKB := make(map[string]map[domain.Engine][]domain.Candidate, len(allowed))
	for i, tk := range tasks {
		if byKB[tk.kbID] == nil {
			byKB[tk.kbID] = make(map[domain.Engine][]domain.Candidate, len(engines))
		}
		byKB[tk.kbID][tk.engine] = candidates[i]
	}

	isHybrid := hasEngine(engines, domain.EngineVector) && hasEngine(engines, domain.EngineKeyword)

	var all []domain.FusedResult
	for _, kb := range allowed {
		lists := byKB[kb]
		if isHybrid {
			all = append(all, o.fuser.Fuse(lists[domain.EngineVector], lists[domain.EngineKeyword], hybrid)...)
			continue
		}
		if len(engines) == 1 {
			all = append(all, o.fuser.FuseSingle(lists[engines[0]], hybrid)...)
		}
	}
	return all
}

// mergeAcrossKBs produces the final ranking: stable cross-KB order by
// score descending with id then kb as tie breaks, the request score
// threshold applied, truncated to topK, ranks assigned 1-based.
func mergeAcrossKBs(results []domain.FusedResult, topK int, threshold float64) []domain.FusedResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ID != results[j].ID {
			return results[i].ID < results[j].ID
		}
		return results[i].KBID < results[j].KBID
	})

	final := make([]domain.FusedResult, 0, min(topK, len(results)))
	for _, r := range results {
		if threshold > 0 && r.Score < threshold {
			continue
		}
		final = append(final, r)
		if len(final) == topK {
			break
		}
	}
	for i := range final {
		final[i].Rank = i + 1
	}
	return final
}

func shapeResponse(results []domain.FusedResult, includeMetadata bool) []domain.FusedResult {
	if includeMetadata {
		return results
	}
	out := make([]domain.FusedResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].Metadata = nil
	}
	return out
}

// filterAccessible intersects the requested KBs with the caller's
// permitted set, preserving request order. "*" permits everything.
// Dropped KBs are returned for logging, never surfaced to the caller.
func filterAccessible(requested, accessible []string) (allowed, dropped []string) {
	for _, a := range accessible {
		if a == "*" {
			return requested, nil
		}
	}
	permitted := make(map[string]struct{}, len(accessible))
	for _, a := range accessible {
		permitted[a] = struct{}{}
	}
	for _, kb := range requested {
		if _, ok := permitted[kb]; ok {
			allowed = append(allowed, kb)
		} else {
			dropped = append(dropped, kb)
		}
	}
	return allowed, dropped
}

// cacheKeyFor extends the request fingerprint with the permission-filtered
// KB set so callers with different grants never share entries.
func cacheKeyFor(req query.Request, allowed []string) string {
	ids := append([]string(nil), allowed...)
	sort.Strings(ids)
	return req.Fingerprint() + "|" + strings.Join(ids, ",")
}

func engineTopK(eng domain.Engine, rc config.RetrievalConfig, requestTopK int) int {
	switch eng {
	case domain.EngineVector:
		return rc.Vector.TopK
	case domain.EngineKeyword:
		return rc.Keyword.TopK
	default:
		return requestTopK
	}
}

func ensureClassified(eng domain.Engine, kbID string, err error) error {
	var be *domain.BackendError
	if errors.As(err, &be) {
		return err
	}
	return adapter.ClassifyError(eng, kbID, err)
}

func filterMinScore(cands []domain.Candidate, minScore float64) []domain.Candidate {
	kept := cands[:0]
	for _, c := range cands {
		if c.RawScore >= minScore {
			kept = append(kept, c)
		}
	}
	for i := range kept {
		kept[i].Rank = i + 1
	}
	return kept
}

func hasEngine(engines []domain.Engine, eng domain.Engine) bool {
	for _, e := range engines {
		if e == eng {
			return true
		}
	}
	return false
}

func removeEngine(engines []domain.Engine, eng domain.Engine) []domain.Engine {
	out := make([]domain.Engine, 0, len(engines))
	for _, e := range engines {
		if e != eng {
			out = append(out, e)
		}
	}
	return out
}
