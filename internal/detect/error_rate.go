package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/apiwatch/backend/internal/config"
)

// ErrorStatsSource counts total and error requests for an API since an
// epoch-seconds timestamp.
type ErrorStatsSource interface {
	RequestErrorCounts(ctx context.Context, apiID int64, since float64) (total, errors int, err error)
}

// minErrorRateSamples guards the ratio against tiny denominators.
const minErrorRateSamples = 10

// ErrorRateDetector flags APIs whose recent error ratio exceeds the
// threshold. It only runs for requests that themselves failed, so healthy
// traffic never pays the counting query.
type ErrorRateDetector struct {
	source    ErrorStatsSource
	threshold float64
	weight    float64
	window    time.Duration
}

func NewErrorRateDetector(source ErrorStatsSource, s config.DetectorSettings) *ErrorRateDetector {
	d := &ErrorRateDetector{
		source:    source,
		threshold: s.Threshold,
		weight:    s.Weight,
		window:    time.Duration(s.WindowSeconds) * time.Second,
	}
	if d.threshold <= 0 {
		d.threshold = 0.5
	}
	if d.weight <= 0 {
		d.weight = 6
	}
	if d.window <= 0 {
		d.window = 5 * time.Minute
	}
	return d
}

func (d *ErrorRateDetector) Name() string { return config.DetectorErrorRate }

func (d *ErrorRateDetector) Detect(ctx context.Context, rec *Record) ([]Detection, error) {
	if rec.StatusCode == nil || *rec.StatusCode < 400 {
		return nil, nil
	}

	since := rec.Timestamp - d.window.Seconds()
	total, errCount, err := d.source.RequestErrorCounts(ctx, rec.APIID, since)
	if err != nil {
		return nil, fmt.Errorf("error rate counts: %w", err)
	}
	if total <= minErrorRateSamples {
		return nil, nil
	}

	ratio := float64(errCount) / float64(total)
	if ratio <= d.threshold {
		return nil, nil
	}

	return []Detection{{
		Detector: d.Name(),
		Score:    capScore(d.weight * ratio / d.threshold),
		Reason: fmt.Sprintf("High error rate: %.0f%% of %d requests in last %ds failed",
			ratio*100, total, int(d.window.Seconds())),
		Metadata: map[string]interface{}{
			"error_rate":     ratio,
			"total_requests": total,
			"error_requests": errCount,
			"window_seconds": int(d.window.Seconds()),
		},
	}}, nil
}
