package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/adapter/pggraph"
	"github.com/kailas-cloud/fusion/internal/adapter/pgvector"
	"github.com/kailas-cloud/fusion/internal/adapter/redisearch"
	"github.com/kailas-cloud/fusion/internal/cache"
	"github.com/kailas-cloud/fusion/internal/config"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/fusion"
	logpkg "github.com/kailas-cloud/fusion/internal/logger"
	"github.com/kailas-cloud/fusion/internal/metrics"
	"github.com/kailas-cloud/fusion/internal/orchestrator"
	chiTransport "github.com/kailas-cloud/fusion/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/fusion/internal/transport/openai"
	"github.com/kailas-cloud/fusion/internal/version"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the config file")
	flag.Parse()

	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range warnings {
		logger.Warn("config override ignored", zap.String("warning", w))
	}

	logger.Info("Starting fusion API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("fusion_method", string(cfg.Retrieval.Hybrid.FusionMethod)),
		zap.String("preferred_engine", string(cfg.Retrieval.PreferredEngine)),
	)

	manager := config.NewManager(cfg, *configPath, logger)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := manager.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			logger.Error("config watcher stopped", zap.Error(err))
		}
	}()

	// Register metrics explicitly (no init())
	metrics.RegisterRetrievalMetrics()
	metrics.RegisterEmbeddingMetrics()

	var embedder domain.Embedder
	if cfg.Embedding.APIKey != "" {
		embedder = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Logger:     logger,
		})
		logger.Info("Embedder created", zap.String("model", cfg.Embedding.Model))
	}

	registry := buildRegistry(cfg, embedder, logger)
	engines := registry.Configured()
	if len(engines) == 0 {
		logger.Fatal("No backend engines configured")
	}
	logger.Info("Backend adapters registered", zap.Any("engines", engines))

	resultCache, err := cache.New(cfg.Retrieval.Performance.CacheSize)
	if err != nil {
		logger.Fatal("Failed to create result cache", zap.Error(err))
	}

	orch := orchestrator.New(manager, registry, fusion.New(), resultCache, embedder, logger)
	server := chiTransport.NewServer(orch, manager, logger, healthChecks(registry, engines, embedder)...)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildRegistry wires one adapter per engine from the storage config.
// pgvector takes priority for the vector engine; a Redis vector index is
// the fallback when only Redis is configured.
func buildRegistry(cfg config.Config, embedder domain.Embedder, logger *zap.Logger) *adapter.Registry {
	registry := adapter.NewRegistry()
	storage := cfg.Retrieval.Storage

	var redisClient *redisearch.Client
	if storage.Redis != nil {
		var err error
		redisClient, err = redisearch.NewClient(redisearch.Config{
			Addrs:       storage.Redis.Addrs,
			Password:    storage.Redis.Password,
			IndexPrefix: storage.Redis.IndexPrefix,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		if err := registry.Register(redisearch.NewKeyword(redisClient)); err != nil {
			logger.Fatal("Failed to register keyword adapter", zap.Error(err))
		}
	}

	if embedder == nil {
		logger.Warn("No embedding provider configured, vector engine disabled")
	} else {
		switch {
		case storage.PGVector != nil:
			vec, err := pgvector.New(pgvector.Config{
				DSN:   storage.PGVector.DSN,
				Table: storage.PGVector.Table,
			})
			if err != nil {
				logger.Fatal("Failed to connect to pgvector", zap.Error(err))
			}
			if err := registry.Register(vec); err != nil {
				logger.Fatal("Failed to register vector adapter", zap.Error(err))
			}
		case redisClient != nil:
			if err := registry.Register(redisearch.NewVector(redisClient)); err != nil {
				logger.Fatal("Failed to register vector adapter", zap.Error(err))
			}
		}
	}

	if storage.PGVector != nil {
		graph, err := pggraph.New(pggraph.Config{DSN: storage.PGVector.DSN})
		if err != nil {
			logger.Fatal("Failed to connect graph store", zap.Error(err))
		}
		if err := registry.Register(graph); err != nil {
			logger.Fatal("Failed to register graph adapter", zap.Error(err))
		}
	}

	if storage.Elasticsearch != nil {
		logger.Warn("Elasticsearch storage configured but no built-in adapter is available, section ignored")
	}
	if storage.Milvus != nil {
		logger.Warn("Milvus storage configured but no built-in adapter is available, section ignored")
	}

	return registry
}

// healthChecks collects liveness probes for /healthz: every registered
// adapter that can ping its backend, plus the embedding provider.
func healthChecks(registry *adapter.Registry, engines []domain.Engine, embedder domain.Embedder) []chiTransport.HealthCheck {
	var checks []chiTransport.HealthCheck
	for _, eng := range engines {
		ad, err := registry.Get(eng)
		if err != nil {
			continue
		}
		if p, ok := ad.(adapter.Pinger); ok {
			checks = append(checks, chiTransport.HealthCheck{Name: string(eng), Check: p.Ping})
		}
	}
	if hc, ok := embedder.(domain.HealthChecker); ok {
		checks = append(checks, chiTransport.HealthCheck{Name: "embedding", Check: hc.HealthCheck})
	}
	return checks
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a
// plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and
// propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
