package fusion

import "github.com/kailas-cloud/fusion/internal/domain"

// normalize linearly rescales one result set's raw scores to [0,1].
// Non-negative lists are scaled against their maximum so that relative
// distances between scores survive (a strict observed-min rescale would
// zero out the weakest hit and erase its engine's contribution entirely).
// Lists containing negative scores (inner-product metrics) are shifted
// by their minimum first. A constant list maps to 1.0.
func normalize(cands []domain.Candidate) map[string]float64 {
	scores := make(map[string]float64, len(cands))
	if len(cands) == 0 {
		return scores
	}

	minScore, maxScore := cands[0].RawScore, cands[0].RawScore
	for _, c := range cands[1:] {
		if c.RawScore < minScore {
			minScore = c.RawScore
		}
		if c.RawScore > maxScore {
			maxScore = c.RawScore
		}
	}

	switch {
	case maxScore == minScore:
		for _, c := range cands {
			if maxScore > 0 {
				scores[c.ID] = 1.0
			} else {
				scores[c.ID] = 0.0
			}
		}
	case minScore >= 0:
		for _, c := range cands {
			scores[c.ID] = c.RawScore / maxScore
		}
	default:
		span := maxScore - minScore
		for _, c := range cands {
			scores[c.ID] = (c.RawScore - minScore) / span
		}
	}

	return scores
}

// rawScoreMap returns raw scores keyed by candidate id, for the
// normalize_scores=false path where cross-engine skew is accepted.
func rawScoreMap(cands []domain.Candidate) map[string]float64 {
	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		scores[c.ID] = c.RawScore
	}
	return scores
}
