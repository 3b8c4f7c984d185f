// Package redisearch implements keyword (BM25) and vector (KNN) backend
// adapters on Redis 8+ via FT.SEARCH.
package redisearch

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/fusion/internal/adapter"
	"github.com/kailas-cloud/fusion/internal/domain"
)

// Config holds connection parameters and the per-KB index naming scheme.
// The index for knowledge base "kb" is "<IndexPrefix>kb".
type Config struct {
	Addrs       []string
	Username    string
	Password    string
	DB          int
	IndexPrefix string
}

// Client wraps a rueidis connection shared by the keyword and vector
// adapters.
type Client struct {
	rdb    rueidis.Client
	prefix string
}

// NewClient connects to Redis.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	rdb, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		AlwaysRESP2:  true, // FT.SEARCH result parsing expects RESP2 array format
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.IndexPrefix}, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	cmd := c.rdb.B().Ping().Build()
	if err := c.rdb.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the connection.
func (c *Client) Close() { c.rdb.Close() }

func (c *Client) index(kbID string) string { return c.prefix + kbID }

// KeywordAdapter runs BM25 full-text search.
type KeywordAdapter struct {
	client *Client
}

// NewKeyword creates the keyword adapter on a shared client.
func NewKeyword(client *Client) *KeywordAdapter {
	return &KeywordAdapter{client: client}
}

func (a *KeywordAdapter) Engine() domain.Engine { return domain.EngineKeyword }

// Ping reports backend liveness.
func (a *KeywordAdapter) Ping(ctx context.Context) error { return a.client.Ping(ctx) }

// Search runs FT.SEARCH with BM25 scoring against the KB's index.
func (a *KeywordAdapter) Search(ctx context.Context, q adapter.Query) ([]domain.Candidate, error) {
	if q.Text == "" || q.TopK <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	queryStr := fmt.Sprintf("@content:(%s)", escapeQuery(q.Text))
	if f := buildTagFilters(q.Filters); f != "" {
		queryStr = f + " " + queryStr
	}

	args := []string{
		a.client.index(q.KBID), queryStr,
		"WITHSCORES",
		"LIMIT", "0", strconv.Itoa(q.TopK),
		"DIALECT", "2",
	}

	cmd := a.client.rdb.B().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := a.client.rdb.Do(ctx, cmd).ToArray()
	if err != nil {
		return nil, adapter.ClassifyError(domain.EngineKeyword, q.KBID, err)
	}

	return parseScored(raw, q.KBID, domain.EngineKeyword)
}

// VectorAdapter runs KNN similarity search over HNSW indexes.
type VectorAdapter struct {
	client *Client
}

// NewVector creates the vector adapter on a shared client.
func NewVector(client *Client) *VectorAdapter {
	return &VectorAdapter{client: client}
}

func (a *VectorAdapter) Engine() domain.Engine { return domain.EngineVector }

// Ping reports backend liveness.
func (a *VectorAdapter) Ping(ctx context.Context) error { return a.client.Ping(ctx) }

// Search runs an FT.SEARCH KNN query. Scores are cosine similarity in
// [0,1], distance converted on parse; hits below q.Threshold are dropped.
func (a *VectorAdapter) Search(ctx context.Context, q adapter.Query) ([]domain.Candidate, error) {
	if len(q.Vector) == 0 || q.TopK <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	knn := fmt.Sprintf("[KNN %d @embedding $BLOB]", q.TopK)
	queryStr := "*=>" + knn
	if f := buildTagFilters(q.Filters); f != "" {
		queryStr = fmt.Sprintf("(%s)=>%s", f, knn)
	}

	args := []string{
		a.client.index(q.KBID), queryStr,
		"PARAMS", "2", "BLOB", vectorToBytes(q.Vector),
		"DIALECT", "2",
	}

	cmd := a.client.rdb.B().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := a.client.rdb.Do(ctx, cmd).ToArray()
	if err != nil {
		return nil, adapter.ClassifyError(domain.EngineVector, q.KBID, err)
	}

	cands, err := parseKNN(raw, q.KBID)
	if err != nil {
		return nil, err
	}

	filtered := cands[:0]
	for _, c := range cands {
		if c.RawScore >= q.Threshold {
			filtered = append(filtered, c)
		}
	}
	for i := range filtered {
		filtered[i].Rank = i + 1
	}
	return filtered, nil
}

// --- Result parsing ---

// parseScored handles the WITHSCORES reply layout:
// [total, key1, score1, fields1, key2, score2, fields2, ...]
func parseScored(raw []rueidis.RedisMessage, kbID string, eng domain.Engine) ([]domain.Candidate, error) {
	if len(raw) == 0 {
		return []domain.Candidate{}, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return []domain.Candidate{}, nil
	}

	cands := make([]domain.Candidate, 0, total)
	for i := 1; i+2 < len(raw); i += 3 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		scoreStr, err := raw[i+1].ToString()
		if err != nil {
			continue
		}
		score, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			continue
		}
		fields, err := raw[i+2].ToArray()
		if err != nil {
			continue
		}

		meta := parseFieldPairs(fields)
		cands = append(cands, domain.Candidate{
			ID:       docID(key, meta),
			KBID:     kbID,
			RawScore: score,
			Engine:   eng,
			Rank:     len(cands) + 1,
			Metadata: meta,
		})
	}
	return cands, nil
}

// parseKNN handles the plain reply layout:
// [total, key1, fields1, key2, fields2, ...] with the distance in
// the __embedding_score field.
func parseKNN(raw []rueidis.RedisMessage, kbID string) ([]domain.Candidate, error) {
	if len(raw) == 0 {
		return []domain.Candidate{}, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return []domain.Candidate{}, nil
	}

	cands := make([]domain.Candidate, 0, total)
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}

		meta := parseFieldPairs(fields)
		var score float64
		if distStr, ok := meta["__embedding_score"]; ok {
			if d, err := strconv.ParseFloat(distStr, 64); err == nil {
				score = max(0, 1.0-d) // cosine distance → similarity
			}
			delete(meta, "__embedding_score")
		}

		cands = append(cands, domain.Candidate{
			ID:       docID(key, meta),
			KBID:     kbID,
			RawScore: score,
			Engine:   domain.EngineVector,
			Rank:     len(cands) + 1,
			Metadata: meta,
		})
	}

	// KNN replies are not guaranteed to arrive distance-ordered.
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].RawScore > cands[j].RawScore })
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return cands, nil
}

func parseFieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}

// docID prefers the stored id field over the Redis key, which carries
// the keyspace prefix.
func docID(key string, fields map[string]string) string {
	if id, ok := fields["id"]; ok && id != "" {
		return id
	}
	if idx := strings.LastIndexByte(key, ':'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// --- Query helpers ---

func buildTagFilters(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("@%s:{%s}", k, tagEscaper.Replace(filters[k])))
	}
	return strings.Join(parts, " ")
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"<", "\\<",
	">", "\\>",
	"{", "\\{",
	"}", "\\}",
	"\"", "\\\"",
	"'", "\\'",
	":", "\\:",
	";", "\\;",
	"!", "\\!",
	"@", "\\@",
	"#", "\\#",
	"$", "\\$",
	"%", "\\%",
	"^", "\\^",
	"&", "\\&",
	"*", "\\*",
	"(", "\\(",
	")", "\\)",
	"-", "\\-",
	"+", "\\+",
	"=", "\\=",
	"~", "\\~",
	" ", "\\ ",
)

func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}

var queryEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	`@`, `\@`,
	`{`, `\{`,
	`}`, `\}`,
	`(`, `\(`,
	`)`, `\)`,
	`|`, `\|`,
	`-`, `\-`,
	`~`, `\~`,
	`*`, `\*`,
	`[`, `\[`,
	`]`, `\]`,
	`!`, `\!`,
	`%`, `\%`,
	`^`, `\^`,
	`$`, `\$`,
	`<`, `\<`,
	`>`, `\>`,
	`=`, `\=`,
	`;`, `\;`,
	`+`, `\+`,
)

func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}
