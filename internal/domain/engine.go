package domain

// Engine identifies a backend engine family or a selection strategy.
type Engine string

// Engine constants.
const (
	EngineVector  Engine = "vector"
	EngineKeyword Engine = "keyword"
	EngineGraph   Engine = "graph"
	// EngineHybrid dispatches vector and keyword together and fuses the results.
	EngineHybrid Engine = "hybrid"
	// EngineAuto picks among configured engines heuristically.
	EngineAuto Engine = "auto"
)

// IsValid checks if the engine is one of the supported values.
func (e Engine) IsValid() bool {
	switch e {
	case EngineVector, EngineKeyword, EngineGraph, EngineHybrid, EngineAuto:
		return true
	}
	return false
}

// IsConcrete reports whether the engine names a single adapter family
// rather than a selection strategy.
func (e Engine) IsConcrete() bool {
	return e == EngineVector || e == EngineKeyword || e == EngineGraph
}
