package domain

// Candidate is a raw engine-scored hit for one knowledge base.
// RawScore is in the engine's native scale and is not comparable across
// engines until normalized. Candidates are ephemeral: they exist only
// between adapter return and fusion.
type Candidate struct {
	ID       string
	KBID     string
	RawScore float64
	Engine   Engine
	// Rank is the 1-based position in the source engine's result list.
	Rank     int
	Metadata map[string]string
}

// FusedResult is a merged, final-scored hit. Immutable once produced.
type FusedResult struct {
	ID    string
	KBID  string
	Score float64
	// Rank is the 1-based position in the final cross-KB ranking.
	Rank     int
	Engines  []Engine
	Metadata map[string]string
}
