package domain

// FusionMethod selects how per-engine candidate lists are merged into one ranking.
type FusionMethod string

// Fusion method constants.
const (
	// FusionWeightedSum scores by a weighted sum of normalized per-engine scores.
	FusionWeightedSum FusionMethod = "weighted_sum"
	// FusionRank scores by Reciprocal Rank Fusion over every contributing list.
	FusionRank FusionMethod = "rank_fusion"
	// FusionCascade keeps only keyword-matched candidates, ordered by vector score.
	FusionCascade FusionMethod = "cascade"
	// FusionMaxScore scores by the maximum normalized per-engine score.
	FusionMaxScore FusionMethod = "max_score"
)

// IsValid checks if the method is one of the supported values.
func (m FusionMethod) IsValid() bool {
	switch m {
	case FusionWeightedSum, FusionRank, FusionCascade, FusionMaxScore:
		return true
	}
	return false
}
