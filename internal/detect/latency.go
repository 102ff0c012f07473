package detect

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/apiwatch/backend/internal/config"
)

// LatencySource returns up to limit most recent non-null latencies for an
// API, excluding the given log row (the request under analysis).
type LatencySource interface {
	RecentLatencies(ctx context.Context, apiID, beforeLogID int64, limit int) ([]float64, error)
}

const (
	latencyHistorySize = 100
	latencyMinSamples  = 30
)

// LatencyDetector flags requests whose latency deviates from the API's
// recent baseline by more than the configured z-score.
type LatencyDetector struct {
	source     LatencySource
	zThreshold float64
	weight     float64
}

func NewLatencyDetector(source LatencySource, s config.DetectorSettings) *LatencyDetector {
	d := &LatencyDetector{source: source, zThreshold: s.Threshold, weight: s.Weight}
	if d.zThreshold <= 0 {
		d.zThreshold = 3.0
	}
	if d.weight <= 0 {
		d.weight = 5
	}
	return d
}

func (d *LatencyDetector) Name() string { return config.DetectorLatencySpike }

func (d *LatencyDetector) Detect(ctx context.Context, rec *Record) ([]Detection, error) {
	if rec.LatencyMS == nil {
		return nil, nil
	}

	history, err := d.source.RecentLatencies(ctx, rec.APIID, rec.LogID, latencyHistorySize)
	if err != nil {
		return nil, fmt.Errorf("latency history: %w", err)
	}
	if len(history) < latencyMinSamples {
		return nil, nil
	}

	mean := stat.Mean(history, nil)
	sigma := stat.PopStdDev(history, nil)
	if sigma == 0 {
		return nil, nil
	}

	z := math.Abs(*rec.LatencyMS-mean) / sigma
	if z <= d.zThreshold {
		return nil, nil
	}

	return []Detection{{
		Detector: d.Name(),
		Score:    capScore(d.weight * z / d.zThreshold),
		Reason: fmt.Sprintf("Latency spike: %.0fms against a %.1fms baseline (z=%.1f)",
			*rec.LatencyMS, mean, z),
		Metadata: map[string]interface{}{
			"latency_ms": *rec.LatencyMS,
			"mean_ms":    mean,
			"stddev_ms":  sigma,
			"z_score":    z,
		},
	}}, nil
}
