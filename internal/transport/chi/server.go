// Package chi exposes the query and config-admin HTTP API.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/query"
	"github.com/kailas-cloud/fusion/internal/orchestrator"
	"github.com/kailas-cloud/fusion/internal/version"
)

// QueryExecutor runs a validated query for the caller's KB grants.
type QueryExecutor interface {
	Execute(ctx context.Context, req query.Request, accessibleKBs []string) ([]domain.FusedResult, *orchestrator.Diagnostics, error)
}

// ConfigAdmin exposes the live retrieval config for reads and guarded updates.
type ConfigAdmin interface {
	Retrieval() config.RetrievalConfig
	Update(p config.Partial) []string
	Check(p config.Partial) []string
}

// HealthCheck is one named dependency liveness probe run by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type errorCode string

const (
	codeBadRequest          errorCode = "bad_request"
	codeValidationFailed    errorCode = "validation_failed"
	codePermissionDenied    errorCode = "permission_denied"
	codeEngineNotConfigured errorCode = "engine_not_configured"
	codeNoEngines           errorCode = "no_engines_configured"
	codeEmbeddingProvider   errorCode = "embedding_provider_error"
	codeBackendUnavailable  errorCode = "backend_unavailable"
	codeInternal            errorCode = "internal_error"
)

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server handles the query and config endpoints.
type Server struct {
	executor      QueryExecutor
	admin         ConfigAdmin
	logger        *zap.Logger
	checks        []HealthCheck
	errorHandlers []errorHandler
}

// NewServer creates the HTTP API server. checks are probed by /healthz.
func NewServer(executor QueryExecutor, admin ConfigAdmin, logger *zap.Logger, checks ...HealthCheck) *Server {
	s := &Server{
		executor: executor,
		admin:    admin,
		logger:   logger,
		checks:   checks,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(domain.ErrPermissionDenied, http.StatusForbidden, codePermissionDenied),
		sentinelHandler(domain.ErrEngineNotConfigured, http.StatusBadRequest, codeEngineNotConfigured),
		sentinelHandler(domain.ErrNoEnginesConfigured, http.StatusServiceUnavailable, codeNoEngines),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeEmbeddingProvider),
		sentinelHandler(domain.ErrBackendUnavailable, http.StatusBadGateway, codeBackendUnavailable),
	}
	return s
}

// RegisterRoutes mounts the API endpoints on the router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/v1/query", s.Query)
	r.Get("/v1/config", s.GetConfig)
	r.Patch("/v1/config", s.UpdateConfig)
	r.Post("/v1/config/validate", s.ValidateConfig)
	r.Get("/healthz", s.Health)
}

type queryRequest struct {
	Query           string            `json:"query"`
	KBIDs           []string          `json:"kb_ids"`
	TopK            int               `json:"top_k,omitempty"`
	ScoreThreshold  float64           `json:"score_threshold,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	IncludeMetadata bool              `json:"include_metadata,omitempty"`
}

type resultItem struct {
	ID       string            `json:"id"`
	KBID     string            `json:"kb_id"`
	Score    float64           `json:"score"`
	Rank     int               `json:"rank"`
	Engines  []domain.Engine   `json:"engines"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type queryResponse struct {
	Results     []resultItem              `json:"results"`
	Diagnostics *orchestrator.Diagnostics `json:"diagnostics"`
}

// Query handles POST /v1/query.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := query.New(
		body.Query,
		body.KBIDs,
		body.TopK,
		body.ScoreThreshold,
		body.Filters,
		domain.Engine(body.Mode),
		body.IncludeMetadata,
	)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	results, diag, err := s.executor.Execute(r.Context(), req, AccessibleKBs(r.Context()))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]resultItem, len(results))
	for i, res := range results {
		items[i] = resultItem{
			ID:       res.ID,
			KBID:     res.KBID,
			Score:    res.Score,
			Rank:     res.Rank,
			Engines:  res.Engines,
			Metadata: res.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, queryResponse{Results: items, Diagnostics: diag})
}

// GetConfig handles GET /v1/config.
func (s *Server) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Retrieval())
}

type validateResponse struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// UpdateConfig handles PATCH /v1/config. A rejected update returns 422
// with the full violation list and leaves the live config untouched.
func (s *Server) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var p config.Partial
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}

	if violations := s.admin.Update(p); len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validateResponse{Valid: false, Violations: violations})
		return
	}
	writeJSON(w, http.StatusOK, s.admin.Retrieval())
}

// ValidateConfig handles POST /v1/config/validate: a dry run of the same
// checks PATCH applies.
func (s *Server) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	var p config.Partial
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}

	violations := s.admin.Check(p)
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:      len(violations) == 0,
		Violations: violations,
	})
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /healthz: pings every registered dependency and
// reports 503 when any probe fails.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Version}
	status := http.StatusOK

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.checks))
		for _, c := range s.checks {
			if err := c.Check(ctx); err != nil {
				s.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
				resp.Checks[c.Name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := err.Error()
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

func sentinelHandler(sentinel error, status int, code errorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
