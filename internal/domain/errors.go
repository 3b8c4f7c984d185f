package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest signals a malformed query request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPermissionDenied signals that none of the requested knowledge bases is accessible.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineNotConfigured signals that the requested engine has no configured adapter.
	ErrEngineNotConfigured = errors.New("engine not configured")
	// ErrNoEnginesConfigured signals that no backend engine is configured at all.
	ErrNoEnginesConfigured = errors.New("no engines configured")
	// ErrBackendTimeout signals a backend call that exceeded the request deadline.
	// Non-fatal: the engine contributes an empty candidate list.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrBackendUnavailable signals an unreachable backend engine. Non-fatal.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
)

// BackendError wraps a non-fatal backend failure with the engine and
// knowledge base it originated from.
type BackendError struct {
	Engine Engine
	KBID   string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s on kb %s: %v", e.Engine, e.KBID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError creates a backend error for diagnostics recording.
func NewBackendError(engine Engine, kbID string, err error) *BackendError {
	return &BackendError{Engine: engine, KBID: kbID, Err: err}
}
