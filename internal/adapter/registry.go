package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Registry holds the configured backend adapters keyed by engine.
// Adapters are registered once at startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Engine]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Engine]Adapter)}
}

// Register installs an adapter for its engine, replacing any previous one.
func (r *Registry) Register(a Adapter) error {
	eng := a.Engine()
	if !eng.IsConcrete() {
		return fmt.Errorf("register %q: %w", eng, domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[eng] = a
	return nil
}

// Get returns the adapter for a concrete engine.
func (r *Registry) Get(eng domain.Engine) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[eng]
	if !ok {
		return nil, fmt.Errorf("%q: %w", eng, domain.ErrEngineNotConfigured)
	}
	return a, nil
}

// Configured lists the registered engines in stable order.
func (r *Registry) Configured() []domain.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engines := make([]domain.Engine, 0, len(r.adapters))
	for eng := range r.adapters {
		engines = append(engines, eng)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })
	return engines
}

// Select resolves a query mode into the concrete engines to dispatch.
// Explicit modes fail with ErrEngineNotConfigured when an adapter is
// missing. Auto picks hybrid when both vector and keyword are available,
// otherwise whichever of the two is; graph participates only when named
// explicitly, so auto with nothing but a graph adapter returns
// ErrNoEnginesConfigured.
func (r *Registry) Select(mode domain.Engine) ([]domain.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	has := func(e domain.Engine) bool {
		_, ok := r.adapters[e]
		return ok
	}

	switch mode {
	case domain.EngineVector, domain.EngineKeyword, domain.EngineGraph:
		if !has(mode) {
			return nil, fmt.Errorf("%q: %w", mode, domain.ErrEngineNotConfigured)
		}
		return []domain.Engine{mode}, nil

	case domain.EngineHybrid:
		if !has(domain.EngineVector) || !has(domain.EngineKeyword) {
			return nil, fmt.Errorf("hybrid requires vector and keyword: %w", domain.ErrEngineNotConfigured)
		}
		return []domain.Engine{domain.EngineVector, domain.EngineKeyword}, nil

	case domain.EngineAuto, "":
		switch {
		case has(domain.EngineVector) && has(domain.EngineKeyword):
			return []domain.Engine{domain.EngineVector, domain.EngineKeyword}, nil
		case has(domain.EngineVector):
			return []domain.Engine{domain.EngineVector}, nil
		case has(domain.EngineKeyword):
			return []domain.Engine{domain.EngineKeyword}, nil
		default:
			return nil, domain.ErrNoEnginesConfigured
		}

	default:
		return nil, fmt.Errorf("%q: %w", mode, domain.ErrInvalidRequest)
	}
}
