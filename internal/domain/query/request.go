package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Query parameter limits.
const (
	// MaxQueryLength is the maximum allowed query text length.
	MaxQueryLength = 4096
	DefaultTopK    = 10
	MaxTopK        = 500
)

// Request is a validated retrieval query against one or more knowledge bases.
type Request struct {
	text            string
	kbIDs           []string
	topK            int
	scoreThreshold  float64
	filters         map[string]string
	mode            domain.Engine
	includeMetadata bool
}

// New validates and normalizes query parameters.
// Defaults: topK=10 (capped at 500), mode empty (use the configured
// preferred engine). An explicit mode must be a valid engine name.
func New(
	text string,
	kbIDs []string,
	topK int,
	scoreThreshold float64,
	filters map[string]string,
	mode domain.Engine,
	includeMetadata bool,
) (Request, error) {
	if text == "" {
		return Request{}, fmt.Errorf("%w: query text is required", domain.ErrInvalidRequest)
	}
	if len(text) > MaxQueryLength {
		return Request{}, fmt.Errorf("%w: query too long (max %d chars)", domain.ErrInvalidRequest, MaxQueryLength)
	}

	ids := make([]string, 0, len(kbIDs))
	for _, id := range kbIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Request{}, fmt.Errorf("%w: at least one kb_id is required", domain.ErrInvalidRequest)
	}

	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	if scoreThreshold < 0 || scoreThreshold > 1 {
		return Request{}, fmt.Errorf("%w: score_threshold must be between 0 and 1", domain.ErrInvalidRequest)
	}
	if mode != "" && !mode.IsValid() {
		return Request{}, fmt.Errorf("%w: unknown query mode %q", domain.ErrInvalidRequest, mode)
	}

	return Request{
		text:            text,
		kbIDs:           ids,
		topK:            topK,
		scoreThreshold:  scoreThreshold,
		filters:         filters,
		mode:            mode,
		includeMetadata: includeMetadata,
	}, nil
}

// Text returns the query text.
func (r *Request) Text() string { return r.text }

// KBIDs returns the requested knowledge base identifiers.
func (r *Request) KBIDs() []string { return r.kbIDs }

// TopK returns the number of final results to return.
func (r *Request) TopK() int { return r.topK }

// ScoreThreshold returns the minimum fused score for the final list.
func (r *Request) ScoreThreshold() float64 { return r.scoreThreshold }

// Filters returns the metadata pre-filters.
func (r *Request) Filters() map[string]string { return r.filters }

// Mode returns the per-request engine override, empty when the configured
// preferred engine should decide.
func (r *Request) Mode() domain.Engine { return r.mode }

// IncludeMetadata reports whether candidate metadata is returned to the caller.
func (r *Request) IncludeMetadata() bool { return r.includeMetadata }

// Fingerprint returns a deterministic cache key for the request.
// KB ids and filter keys are sorted so equivalent requests share a key.
// include_metadata is excluded: it shapes the response, not the result set.
func (r *Request) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.text)
	b.WriteByte('\x00')

	ids := append([]string(nil), r.kbIDs...)
	sort.Strings(ids)
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte('\x00')

	fmt.Fprintf(&b, "%d\x00%.6f\x00%s\x00", r.topK, r.scoreThreshold, r.mode)

	keys := make([]string, 0, len(r.filters))
	for k := range r.filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.filters[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
