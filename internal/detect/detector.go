// Package detect holds the per-request threat detectors and the sliding
// window state they share. Detectors are pure verdict producers; persistence
// of alerts and scoring policy live in the engine.
package detect

import (
	"context"
	"time"
)

// Record is one ingested request after persistence, as seen by detectors.
type Record struct {
	LogID       int64
	APIID       int64
	Timestamp   float64 // seconds since epoch
	Method      string
	Endpoint    string
	ClientIP    string
	StatusCode  *int
	LatencyMS   *float64
	BodySize    *int64
	UserAgent   string
	HeadersJSON string // serialized request headers, opaque
}

// EventTime converts the epoch-seconds timestamp to wall-clock time.
func (r *Record) EventTime() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Detection is a single detector's verdict for a single request.
type Detection struct {
	Detector string                 `json:"detector"`
	Score    float64                `json:"score"`
	Reason   string                 `json:"reason"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Detector analyses one request. An empty result means nothing suspicious.
// Most detectors emit at most one detection; the signature scanner emits one
// per matched pattern family. Errors are isolated by the caller; a failing
// detector never affects others.
type Detector interface {
	Name() string
	Detect(ctx context.Context, rec *Record) ([]Detection, error)
}

// capScore clamps a score to the [0, 10] risk scale.
func capScore(score float64) float64 {
	if score > 10 {
		return 10
	}
	if score < 0 {
		return 0
	}
	return score
}
