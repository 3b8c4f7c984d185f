package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/query"
	"github.com/kailas-cloud/fusion/internal/orchestrator"
)

type stubExecutor struct {
	results []domain.FusedResult
	err     error

	gotKBs []string
}

func (s *stubExecutor) Execute(
	_ context.Context, _ query.Request, accessibleKBs []string,
) ([]domain.FusedResult, *orchestrator.Diagnostics, error) {
	s.gotKBs = accessibleKBs
	if s.err != nil {
		return nil, &orchestrator.Diagnostics{}, s.err
	}
	return s.results, &orchestrator.Diagnostics{RequestID: "req-1"}, nil
}

type stubAdmin struct {
	rc          config.RetrievalConfig
	violations  []string
	updateCalls int
	checkCalls  int
}

func (s *stubAdmin) Retrieval() config.RetrievalConfig { return s.rc }

func (s *stubAdmin) Update(_ config.Partial) []string {
	s.updateCalls++
	return s.violations
}

func (s *stubAdmin) Check(_ config.Partial) []string {
	s.checkCalls++
	return s.violations
}

func newTestServer(exec QueryExecutor, admin ConfigAdmin) http.Handler {
	r := chi.NewRouter()
	NewServer(exec, admin, zap.NewNop()).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestQuery_OK(t *testing.T) {
	exec := &stubExecutor{results: []domain.FusedResult{
		{ID: "doc-1", KBID: "kb-1", Score: 0.92, Rank: 1, Engines: []domain.Engine{domain.EngineVector, domain.EngineKeyword}},
	}}
	h := newTestServer(exec, &stubAdmin{})

	rr := doJSON(t, h, "POST", "/v1/query", `{"query":"test","kb_ids":["kb-1"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp queryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "doc-1" || resp.Results[0].Rank != 1 {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if resp.Diagnostics == nil || resp.Diagnostics.RequestID == "" {
		t.Error("expected diagnostics with request id")
	}
}

func TestQuery_InvalidBody(t *testing.T) {
	h := newTestServer(&stubExecutor{}, &stubAdmin{})
	rr := doJSON(t, h, "POST", "/v1/query", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestQuery_ValidationFailure(t *testing.T) {
	h := newTestServer(&stubExecutor{}, &stubAdmin{})
	rr := doJSON(t, h, "POST", "/v1/query", `{"query":"","kb_ids":["kb-1"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != codeValidationFailed {
		t.Errorf("expected %s, got %s", codeValidationFailed, resp.Code)
	}
}

func TestQuery_PermissionDenied(t *testing.T) {
	exec := &stubExecutor{err: domain.ErrPermissionDenied}
	h := newTestServer(exec, &stubAdmin{})

	rr := doJSON(t, h, "POST", "/v1/query", `{"query":"test","kb_ids":["kb-1"]}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestQuery_EmbeddingProviderMapsToBadGateway(t *testing.T) {
	exec := &stubExecutor{err: domain.ErrEmbeddingProviderError}
	h := newTestServer(exec, &stubAdmin{})

	rr := doJSON(t, h, "POST", "/v1/query", `{"query":"test","kb_ids":["kb-1"]}`)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rr.Code)
	}
}

func TestGetConfig(t *testing.T) {
	admin := &stubAdmin{rc: config.RetrievalConfig{
		Hybrid: config.HybridConfig{VectorWeight: 0.7, KeywordWeight: 0.3},
	}}
	h := newTestServer(&stubExecutor{}, admin)

	req := httptest.NewRequest("GET", "/v1/config", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var rc config.RetrievalConfig
	if err := json.Unmarshal(rr.Body.Bytes(), &rc); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if rc.Hybrid.VectorWeight != 0.7 {
		t.Errorf("expected vector weight 0.7, got %g", rc.Hybrid.VectorWeight)
	}
}

func TestUpdateConfig_RejectedReturns422(t *testing.T) {
	admin := &stubAdmin{violations: []string{"hybrid_search: vector_weight + keyword_weight must sum to 1.0"}}
	h := newTestServer(&stubExecutor{}, admin)

	rr := doJSON(t, h, "PATCH", "/v1/config", `{"vector_weight":0.9}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	var resp validateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid || len(resp.Violations) != 1 {
		t.Errorf("expected invalid with 1 violation, got %+v", resp)
	}
}

func TestUpdateConfig_Applied(t *testing.T) {
	admin := &stubAdmin{}
	h := newTestServer(&stubExecutor{}, admin)

	rr := doJSON(t, h, "PATCH", "/v1/config", `{"vector_weight":0.6,"keyword_weight":0.4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if admin.updateCalls != 1 {
		t.Errorf("expected one update call, got %d", admin.updateCalls)
	}
}

func TestValidateConfig_DryRun(t *testing.T) {
	admin := &stubAdmin{violations: []string{"rrf_k must be positive"}}
	h := newTestServer(&stubExecutor{}, admin)

	rr := doJSON(t, h, "POST", "/v1/config/validate", `{"rrf_k":0}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for a dry run, got %d", rr.Code)
	}
	if admin.updateCalls != 0 {
		t.Error("validate must not apply anything")
	}
	if admin.checkCalls != 1 {
		t.Errorf("expected one check call, got %d", admin.checkCalls)
	}

	var resp validateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Error("expected valid=false")
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubExecutor{}, &stubAdmin{})

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestHealth_ProbesRegisteredChecks(t *testing.T) {
	probed := 0
	r := chi.NewRouter()
	NewServer(&stubExecutor{}, &stubAdmin{}, zap.NewNop(),
		HealthCheck{Name: "redis", Check: func(context.Context) error { probed++; return nil }},
	).RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if probed != 1 {
		t.Errorf("expected the check to run once, got %d", probed)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["redis"] != "ok" {
		t.Errorf("unexpected health payload: %+v", resp)
	}
}

func TestHealth_FailingCheckReturns503(t *testing.T) {
	r := chi.NewRouter()
	NewServer(&stubExecutor{}, &stubAdmin{}, zap.NewNop(),
		HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
	).RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %q", resp.Status)
	}
	if resp.Checks["redis"] != "ok" || !strings.Contains(resp.Checks["postgres"], "connection refused") {
		t.Errorf("unexpected checks: %v", resp.Checks)
	}
}
