// Package adapter defines the backend contract shared by every search
// engine integration and the registry that routes queries to them.
package adapter

import (
	"context"
	"errors"
	"net"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Query is the engine-agnostic search input for one knowledge base.
// Vector and Threshold are populated only for vector lookups; keyword
// engines search on Text directly. Both come from the caller's config
// snapshot per call, so a hot-reloaded threshold applies immediately.
type Query struct {
	Text      string
	Vector    []float32
	KBID      string
	TopK      int
	Threshold float64
	Filters   map[string]string
}

// Adapter is one search backend. Search returns candidates in the
// engine's native score scale, best first, with 1-based ranks set.
type Adapter interface {
	Engine() domain.Engine
	Search(ctx context.Context, q Query) ([]domain.Candidate, error)
}

// Pinger is implemented by adapters that can report backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClassifyError wraps a raw backend failure into a BackendError carrying
// the originating engine and knowledge base. Deadline overruns map to
// ErrBackendTimeout, connection failures to ErrBackendUnavailable; both
// are non-fatal to the overall query.
func ClassifyError(engine domain.Engine, kbID string, err error) error {
	if err == nil {
		return nil
	}

	kind := domain.ErrBackendUnavailable
	if isTimeout(err) {
		kind = domain.ErrBackendTimeout
	}
	return domain.NewBackendError(engine, kbID, errors.Join(kind, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
