package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// WeightSumTolerance is the allowed deviation of vector_weight+keyword_weight from 1.0.
const WeightSumTolerance = 0.01

// Config holds the fusion API configuration.
type Config struct {
	Retrieval RetrievalConfig `yaml:"retrieval"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RetrievalConfig is the hot-reloadable retrieval section consulted by
// every component. Other components hold only read snapshots of it.
type RetrievalConfig struct {
	Vector          VectorConfig      `yaml:"vector_search"`
	Keyword         KeywordConfig     `yaml:"keyword_search"`
	Hybrid          HybridConfig      `yaml:"hybrid_search"`
	Storage         StorageConfig     `yaml:"storage_engines"`
	Performance     PerformanceConfig `yaml:"performance"`
	PreferredEngine domain.Engine     `yaml:"preferred_engine"`
}

// VectorConfig holds vector similarity search settings.
type VectorConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // [0,1]
	TopK                int     `yaml:"top_k"`                // [1,1000]
	Metric              string  `yaml:"metric"`               // cosine, l2, ip
	IndexType           string  `yaml:"index_type"`
}

// KeywordConfig holds keyword/full-text search settings.
type KeywordConfig struct {
	TopK        int                `yaml:"top_k"` // [1,1000]
	FieldBoosts map[string]float64 `yaml:"field_boosts"`
	MinScore    float64            `yaml:"min_score"`
}

// HybridConfig holds fusion settings.
type HybridConfig struct {
	VectorWeight    float64             `yaml:"vector_weight"`
	KeywordWeight   float64             `yaml:"keyword_weight"`
	FusionMethod    domain.FusionMethod `yaml:"fusion_method"`
	RRFK            int                 `yaml:"rrf_k"`
	NormalizeScores bool                `yaml:"normalize_scores"`
	MinFinalScore   float64             `yaml:"min_final_score"`
}

// StorageConfig holds per-engine connection settings. A nil block means the
// engine is not configured. Engines without a built-in client (elasticsearch,
// milvus) are validated here and served by caller-registered adapters.
type StorageConfig struct {
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch"`
	Milvus        *MilvusConfig        `yaml:"milvus"`
	PGVector      *PGVectorConfig      `yaml:"pgvector"`
	Redis         *RedisConfig         `yaml:"redis"`
}

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Index    string   `yaml:"index"`
}

// MilvusConfig holds Milvus connection settings.
type MilvusConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// PGVectorConfig holds pgvector (Postgres) connection settings.
type PGVectorConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RedisConfig holds RediSearch connection settings for keyword search.
type RedisConfig struct {
	Addrs       []string `yaml:"addrs"`
	Password    string   `yaml:"password"`
	IndexPrefix string   `yaml:"index_prefix"`
}

// PerformanceConfig holds caching and concurrency settings.
type PerformanceConfig struct {
	EnableCache           bool `yaml:"enable_cache"`
	CacheTTLSec           int  `yaml:"cache_ttl_sec"`
	CacheSize             int  `yaml:"cache_size"`
	MaxConcurrentSearches int  `yaml:"max_concurrent_searches"`
	RequestTimeoutSec     int  `yaml:"request_timeout_sec"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// AuthConfig maps API keys to their accessible knowledge bases.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig grants one bearer token access to a set of knowledge bases.
// KBIDs ["*"] grants access to every knowledge base.
type APIKeyConfig struct {
	Key   string   `yaml:"key"`
	KBIDs []string `yaml:"kb_ids"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ValidationError carries the full list of violations found in a config.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Violations, "; "))
}

// Load reads, expands, defaults, and validates a YAML config file.
// The returned warnings describe non-fatal problems (ignored env overrides).
// A validation failure returns a *ValidationError listing every violation.
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute env variables of the form ${VAR} / ${VAR:-default}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}

	warnings := cfg.Retrieval.applyEnvOverrides()
	cfg.ApplyDefaults()

	if violations := cfg.Validate(); len(violations) > 0 {
		return Config{}, warnings, &ValidationError{Violations: violations}
	}

	return cfg, warnings, nil
}

// DefaultPath returns the config path for the current ENV (config/<env>.yaml).
func DefaultPath() string {
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}
	return filepath.Join("config", env+".yaml")
}

// ApplyDefaults fills empty fields and clamps out-of-range resource values.
// Negative cache/concurrency values are clamped, never rejected.
func (c *Config) ApplyDefaults() {
	c.Retrieval.ApplyDefaults()

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
}

// ApplyDefaults fills empty retrieval fields and clamps resource values.
func (r *RetrievalConfig) ApplyDefaults() {
	if r.Vector.TopK == 0 {
		r.Vector.TopK = 10
	}
	if r.Vector.Metric == "" {
		r.Vector.Metric = "cosine"
	}
	if r.Vector.IndexType == "" {
		r.Vector.IndexType = "hnsw"
	}
	if r.Keyword.TopK == 0 {
		r.Keyword.TopK = 10
	}
	if r.Hybrid.VectorWeight == 0 && r.Hybrid.KeywordWeight == 0 {
		r.Hybrid.VectorWeight = 0.7
		r.Hybrid.KeywordWeight = 0.3
	}
	if r.Hybrid.FusionMethod == "" {
		r.Hybrid.FusionMethod = domain.FusionWeightedSum
	}
	if r.Hybrid.RRFK == 0 {
		r.Hybrid.RRFK = 60
	}
	if r.PreferredEngine == "" {
		r.PreferredEngine = domain.EngineAuto
	}

	if r.Performance.CacheTTLSec == 0 {
		r.Performance.CacheTTLSec = 300
	}
	if r.Performance.CacheSize == 0 {
		r.Performance.CacheSize = 1000
	}
	if r.Performance.MaxConcurrentSearches == 0 {
		r.Performance.MaxConcurrentSearches = 8
	}
	if r.Performance.RequestTimeoutSec == 0 {
		r.Performance.RequestTimeoutSec = 10
	}

	r.ClampResources()
}

// ClampResources clamps negative cache and concurrency values to their
// minimums instead of rejecting them. Applied on load and on every update.
func (r *RetrievalConfig) ClampResources() {
	if r.Performance.CacheTTLSec < 0 {
		r.Performance.CacheTTLSec = 0
	}
	if r.Performance.CacheSize < 1 {
		r.Performance.CacheSize = 1
	}
	if r.Performance.MaxConcurrentSearches < 1 {
		r.Performance.MaxConcurrentSearches = 1
	}
}

// Validate checks the whole configuration, returning zero or more violations.
func (c *Config) Validate() []string {
	violations := c.Retrieval.Validate()
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		violations = append(violations,
			fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}
	return violations
}

// Validate is a pure check of the retrieval section. It never mutates the
// config and returns a description of every violation it finds.
func (r *RetrievalConfig) Validate() []string {
	var v []string

	if r.Vector.SimilarityThreshold < 0 || r.Vector.SimilarityThreshold > 1 {
		v = append(v, fmt.Sprintf(
			"vector_search.similarity_threshold must be in [0,1], got %g", r.Vector.SimilarityThreshold))
	}
	if r.Vector.TopK < 1 || r.Vector.TopK > 1000 {
		v = append(v, fmt.Sprintf("vector_search.top_k must be in [1,1000], got %d", r.Vector.TopK))
	}
	if r.Keyword.TopK < 1 || r.Keyword.TopK > 1000 {
		v = append(v, fmt.Sprintf("keyword_search.top_k must be in [1,1000], got %d", r.Keyword.TopK))
	}
	if r.Keyword.MinScore < 0 {
		v = append(v, fmt.Sprintf("keyword_search.min_score must be >= 0, got %g", r.Keyword.MinScore))
	}

	if r.Hybrid.VectorWeight < 0 || r.Hybrid.KeywordWeight < 0 {
		v = append(v, fmt.Sprintf("hybrid_search weights must be >= 0, got vector=%g keyword=%g",
			r.Hybrid.VectorWeight, r.Hybrid.KeywordWeight))
	}
	if sum := r.Hybrid.VectorWeight + r.Hybrid.KeywordWeight; math.Abs(sum-1.0) > WeightSumTolerance {
		v = append(v, fmt.Sprintf(
			"hybrid_search.vector_weight + keyword_weight must equal 1.0 (±%g), got %g",
			WeightSumTolerance, sum))
	}
	if !r.Hybrid.FusionMethod.IsValid() {
		v = append(v, fmt.Sprintf("hybrid_search.fusion_method %q is not one of weighted_sum, rank_fusion, cascade, max_score",
			r.Hybrid.FusionMethod))
	}
	if r.Hybrid.RRFK <= 0 {
		v = append(v, fmt.Sprintf("hybrid_search.rrf_k must be > 0, got %d", r.Hybrid.RRFK))
	}
	if r.Hybrid.MinFinalScore < 0 {
		v = append(v, fmt.Sprintf("hybrid_search.min_final_score must be >= 0, got %g", r.Hybrid.MinFinalScore))
	}

	if !r.PreferredEngine.IsValid() {
		v = append(v, fmt.Sprintf("preferred_engine %q is not one of vector, keyword, graph, hybrid, auto",
			r.PreferredEngine))
	}
	if r.Performance.RequestTimeoutSec <= 0 {
		v = append(v, fmt.Sprintf("performance.request_timeout_sec must be > 0, got %d",
			r.Performance.RequestTimeoutSec))
	}

	return v
}

// applyEnvOverrides applies the dedicated override variables on top of file
// values. An unparsable value is reported as a warning and ignored.
func (r *RetrievalConfig) applyEnvOverrides() []string {
	var warnings []string

	if raw, ok := os.LookupEnv("VECTOR_SIMILARITY_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			r.Vector.SimilarityThreshold = f
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring VECTOR_SIMILARITY_THRESHOLD=%q: %v", raw, err))
		}
	}
	if raw, ok := os.LookupEnv("VECTOR_TOP_K"); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			r.Vector.TopK = n
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring VECTOR_TOP_K=%q: %v", raw, err))
		}
	}
	if raw, ok := os.LookupEnv("HYBRID_VECTOR_WEIGHT"); ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			r.Hybrid.VectorWeight = f
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring HYBRID_VECTOR_WEIGHT=%q: %v", raw, err))
		}
	}
	if raw, ok := os.LookupEnv("HYBRID_KEYWORD_WEIGHT"); ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			r.Hybrid.KeywordWeight = f
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring HYBRID_KEYWORD_WEIGHT=%q: %v", raw, err))
		}
	}
	if raw, ok := os.LookupEnv("PREFERRED_SEARCH_ENGINE"); ok {
		if e := domain.Engine(raw); e.IsValid() {
			r.PreferredEngine = e
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring PREFERRED_SEARCH_ENGINE=%q: unknown engine", raw))
		}
	}

	return warnings
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
