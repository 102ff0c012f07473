package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/apiwatch/backend/internal/config"
)

// RateLimitDetector flags clients whose request count inside the sliding
// window exceeds the configured threshold. It observes only; admission
// control is explicitly not its job.
type RateLimitDetector struct {
	windows   *WindowStore
	threshold float64
	weight    float64
	window    time.Duration
}

func NewRateLimitDetector(windows *WindowStore, s config.DetectorSettings) *RateLimitDetector {
	d := &RateLimitDetector{
		windows:   windows,
		threshold: s.Threshold,
		weight:    s.Weight,
		window:    time.Duration(s.WindowSeconds) * time.Second,
	}
	if d.threshold <= 0 {
		d.threshold = 100
	}
	if d.weight <= 0 {
		d.weight = 7
	}
	if d.window <= 0 {
		d.window = time.Minute
	}
	return d
}

func (d *RateLimitDetector) Name() string { return config.DetectorRateLimit }

func (d *RateLimitDetector) Detect(ctx context.Context, rec *Record) ([]Detection, error) {
	count := d.windows.Add(rec.APIID, rec.ClientIP, rec.Timestamp, d.window)
	if float64(count) <= d.threshold {
		return nil, nil
	}

	return []Detection{{
		Detector: d.Name(),
		Score:    capScore(d.weight * float64(count) / d.threshold),
		Reason: fmt.Sprintf("High request rate: %d requests in %ds from %s (threshold %d)",
			count, int(d.window.Seconds()), rec.ClientIP, int(d.threshold)),
		Metadata: map[string]interface{}{
			"request_count":  count,
			"window_seconds": int(d.window.Seconds()),
			"client_ip":      rec.ClientIP,
		},
	}}, nil
}
