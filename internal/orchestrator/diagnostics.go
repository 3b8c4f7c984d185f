package orchestrator

import (
	"errors"
	"time"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// DegradedCall records one backend call that contributed nothing.
type DegradedCall struct {
	KBID   string        `json:"kb_id"`
	Engine domain.Engine `json:"engine"`
	Reason string        `json:"reason"` // "timeout" or "unavailable"
}

// Diagnostics describes how a query was executed. It is advisory output;
// results are valid regardless of its content.
type Diagnostics struct {
	RequestID  string          `json:"request_id"`
	Engines    []domain.Engine `json:"engines"`
	KBs        []string        `json:"kbs_searched"`
	CacheHit   bool            `json:"cache_hit"`
	Degraded   []DegradedCall  `json:"degraded,omitempty"`
	EmbedTime  time.Duration   `json:"embed_time_ns"`
	SearchTime time.Duration   `json:"search_time_ns"`
	FuseTime   time.Duration   `json:"fuse_time_ns"`
	Total      time.Duration   `json:"total_time_ns"`
}

func degradedReason(err error) string {
	if errors.Is(err, domain.ErrBackendTimeout) {
		return "timeout"
	}
	return "unavailable"
}
