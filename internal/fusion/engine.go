// Package fusion merges independently-ranked candidate lists from
// heterogeneous backends into one deterministic ranking per knowledge base.
package fusion

import (
	"sort"

	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Engine applies the configured fusion method to per-backend candidate
// lists. It is stateless; every call takes a config snapshot.
type Engine struct{}

// New creates a fusion engine.
func New() *Engine { return &Engine{} }

// Fuse merges vector and keyword candidate lists for a single knowledge
// base. Output is sorted by fused score descending with ties broken by
// ascending candidate id; results below min_final_score are dropped.
// Truncation to the request top_k is the caller's job.
func (e *Engine) Fuse(
	vector, keyword []domain.Candidate, cfg config.HybridConfig,
) []domain.FusedResult {
	if len(vector) == 0 && len(keyword) == 0 {
		return []domain.FusedResult{}
	}

	var merged map[string]*domain.FusedResult
	switch cfg.FusionMethod {
	case domain.FusionRank:
		merged = e.fuseRank(vector, keyword, cfg.RRFK)
	case domain.FusionCascade:
		merged = e.fuseCascade(vector, keyword, cfg)
	case domain.FusionMaxScore:
		merged = e.fuseMaxScore(vector, keyword, cfg)
	default:
		merged = e.fuseWeightedSum(vector, keyword, cfg)
	}

	return finalize(merged, cfg.MinFinalScore)
}

// FuseSingle converts one engine's candidate list into fused results
// without cross-engine weighting, for single-engine query modes.
func (e *Engine) FuseSingle(
	cands []domain.Candidate, cfg config.HybridConfig,
) []domain.FusedResult {
	if len(cands) == 0 {
		return []domain.FusedResult{}
	}

	scores := scoreMap(cands, cfg.NormalizeScores)
	merged := make(map[string]*domain.FusedResult, len(cands))
	for _, c := range cands {
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    scores[c.ID],
			Engines:  []domain.Engine{c.Engine},
			Metadata: c.Metadata,
		}
	}

	return finalize(merged, cfg.MinFinalScore)
}

// fuseWeightedSum scores by vector_weight·norm_vector + keyword_weight·norm_keyword,
// treating a missing engine contribution as 0.
func (e *Engine) fuseWeightedSum(
	vector, keyword []domain.Candidate, cfg config.HybridConfig,
) map[string]*domain.FusedResult {
	nv := scoreMap(vector, cfg.NormalizeScores)
	nk := scoreMap(keyword, cfg.NormalizeScores)

	merged := make(map[string]*domain.FusedResult, len(vector)+len(keyword))
	for _, c := range vector {
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    cfg.VectorWeight * nv[c.ID],
			Engines:  []domain.Engine{domain.EngineVector},
			Metadata: c.Metadata,
		}
	}
	for _, c := range keyword {
		if r, ok := merged[c.ID]; ok {
			r.Score += cfg.KeywordWeight * nk[c.ID]
			r.Engines = append(r.Engines, domain.EngineKeyword)
			continue
		}
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    cfg.KeywordWeight * nk[c.ID],
			Engines:  []domain.Engine{domain.EngineKeyword},
			Metadata: c.Metadata,
		}
	}
	return merged
}

// fuseRank applies Reciprocal Rank Fusion: score(d) = Σ 1/(k + rank_i(d))
// over every list in which d appears, ranks 1-based. Raw scores are
// ignored entirely — RRF compares positions, not scales.
func (e *Engine) fuseRank(
	vector, keyword []domain.Candidate, rrfK int,
) map[string]*domain.FusedResult {
	merged := make(map[string]*domain.FusedResult, len(vector)+len(keyword))

	for rank, c := range vector {
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    1.0 / float64(rrfK+rank+1),
			Engines:  []domain.Engine{domain.EngineVector},
			Metadata: c.Metadata,
		}
	}
	for rank, c := range keyword {
		s := 1.0 / float64(rrfK+rank+1)
		if r, ok := merged[c.ID]; ok {
			r.Score += s
			r.Engines = append(r.Engines, domain.EngineKeyword)
			continue
		}
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    s,
			Engines:  []domain.Engine{domain.EngineKeyword},
			Metadata: c.Metadata,
		}
	}
	return merged
}

// fuseCascade treats the keyword result set as a gate: only candidates the
// keyword engine matched survive, ordered by their normalized vector score.
// An empty keyword set yields zero survivors.
func (e *Engine) fuseCascade(
	vector, keyword []domain.Candidate, cfg config.HybridConfig,
) map[string]*domain.FusedResult {
	nv := scoreMap(vector, cfg.NormalizeScores)

	merged := make(map[string]*domain.FusedResult, len(keyword))
	for _, c := range keyword {
		engines := []domain.Engine{domain.EngineKeyword}
		score, inVector := nv[c.ID]
		if inVector {
			engines = []domain.Engine{domain.EngineVector, domain.EngineKeyword}
		}
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    score,
			Engines:  engines,
			Metadata: c.Metadata,
		}
	}
	return merged
}

// fuseMaxScore scores by the maximum normalized per-engine score.
func (e *Engine) fuseMaxScore(
	vector, keyword []domain.Candidate, cfg config.HybridConfig,
) map[string]*domain.FusedResult {
	nv := scoreMap(vector, cfg.NormalizeScores)
	nk := scoreMap(keyword, cfg.NormalizeScores)

	merged := make(map[string]*domain.FusedResult, len(vector)+len(keyword))
	for _, c := range vector {
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    nv[c.ID],
			Engines:  []domain.Engine{domain.EngineVector},
			Metadata: c.Metadata,
		}
	}
	for _, c := range keyword {
		if r, ok := merged[c.ID]; ok {
			if nk[c.ID] > r.Score {
				r.Score = nk[c.ID]
			}
			r.Engines = append(r.Engines, domain.EngineKeyword)
			continue
		}
		merged[c.ID] = &domain.FusedResult{
			ID:       c.ID,
			KBID:     c.KBID,
			Score:    nk[c.ID],
			Engines:  []domain.Engine{domain.EngineKeyword},
			Metadata: c.Metadata,
		}
	}
	return merged
}

func scoreMap(cands []domain.Candidate, normalizeScores bool) map[string]float64 {
	if normalizeScores {
		return normalize(cands)
	}
	return rawScoreMap(cands)
}

// finalize drops sub-threshold results and orders the rest by score
// descending, ties by ascending candidate id for reproducible output.
func finalize(merged map[string]*domain.FusedResult, minFinalScore float64) []domain.FusedResult {
	results := make([]domain.FusedResult, 0, len(merged))
	for _, r := range merged {
		if r.Score < minFinalScore {
			continue
		}
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	return results
}
