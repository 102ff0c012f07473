// Package ml implements the per-API Isolation Forest anomaly detector:
// feature extraction, standardisation, asynchronous coalesced training, and
// an in-memory model cache hot-swapped on retrain.
package ml

import (
	"time"

	"github.com/apiwatch/backend/internal/detect"
)

// FeatureCount is the fixed width of the feature vector.
const FeatureCount = 6

// Features extracts the model input for one request. Order is fixed; the
// scaler and forest are only valid for vectors built by this function.
// Missing latency and body size are treated as zero.
func Features(rec *detect.Record, now time.Time) []float64 {
	var latency, bodySize, isError float64
	if rec.LatencyMS != nil {
		latency = *rec.LatencyMS
	}
	if rec.BodySize != nil {
		bodySize = float64(*rec.BodySize)
	}
	if rec.StatusCode != nil && *rec.StatusCode >= 400 {
		isError = 1
	}

	return []float64{
		latency,
		bodySize,
		isError,
		float64(len(rec.Endpoint)),
		float64(now.Hour()),
		float64(now.Weekday()),
	}
}

// FeatureMatrix builds the training matrix for a set of records.
func FeatureMatrix(recs []detect.Record, now time.Time) [][]float64 {
	matrix := make([][]float64, 0, len(recs))
	for i := range recs {
		matrix = append(matrix, Features(&recs[i], now))
	}
	return matrix
}
