package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwatch/backend/internal/config"
)

type fakeLatencySource struct {
	history     []float64
	err         error
	calls       int
	apiID       int64
	beforeLogID int64
	limit       int
}

func (f *fakeLatencySource) RecentLatencies(ctx context.Context, apiID, beforeLogID int64, limit int) ([]float64, error) {
	f.calls++
	f.apiID = apiID
	f.beforeLogID = beforeLogID
	f.limit = limit
	return f.history, f.err
}

func latencySettings() config.DetectorSettings {
	return config.DetectorSettings{Enabled: true, Threshold: 3.0, Weight: 5}
}

// alternating builds a baseline with mean 100 and population stddev 5.
func alternating(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 95
		} else {
			out[i] = 105
		}
	}
	return out
}

func TestLatencySkipsRequestsWithoutLatency(t *testing.T) {
	source := &fakeLatencySource{history: alternating(50)}
	d := NewLatencyDetector(source, latencySettings())

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10})
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Zero(t, source.calls)
}

func TestLatencyNeedsBaseline(t *testing.T) {
	source := &fakeLatencySource{history: alternating(29)}
	d := NewLatencyDetector(source, latencySettings())

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10, LatencyMS: floatPtr(1000)})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestLatencyIgnoresFlatBaseline(t *testing.T) {
	history := make([]float64, 40)
	for i := range history {
		history[i] = 100
	}
	source := &fakeLatencySource{history: history}
	d := NewLatencyDetector(source, latencySettings())

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10, LatencyMS: floatPtr(100)})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestLatencyWithinThreshold(t *testing.T) {
	source := &fakeLatencySource{history: alternating(30)}
	d := NewLatencyDetector(source, latencySettings())

	// z is 2.8 here, below the 3.0 threshold.
	dets, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10, LatencyMS: floatPtr(114)})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestLatencySpikeTrips(t *testing.T) {
	source := &fakeLatencySource{history: alternating(50)}
	d := NewLatencyDetector(source, latencySettings())

	dets, err := d.Detect(context.Background(), &Record{APIID: 7, LogID: 351, LatencyMS: floatPtr(1000)})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.Equal(t, "latency_spike", det.Detector)
	assert.Equal(t, 10.0, det.Score)
	assert.Contains(t, det.Reason, "1000ms")
	assert.InDelta(t, 180.0, det.Metadata["z_score"].(float64), 1e-9)

	// The row under analysis must be excluded from its own baseline.
	assert.Equal(t, int64(7), source.apiID)
	assert.Equal(t, int64(351), source.beforeLogID)
	assert.Equal(t, 100, source.limit)
}

func TestLatencyModerateSpikeScoresProportionally(t *testing.T) {
	source := &fakeLatencySource{history: alternating(30)}
	d := NewLatencyDetector(source, latencySettings())

	// z = 3.2 against threshold 3.0 with weight 5.
	dets, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10, LatencyMS: floatPtr(116)})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 5.0*3.2/3.0, dets[0].Score, 1e-9)
}

func TestLatencyPropagatesStoreErrors(t *testing.T) {
	source := &fakeLatencySource{err: errors.New("db down")}
	d := NewLatencyDetector(source, latencySettings())

	_, err := d.Detect(context.Background(), &Record{APIID: 1, LogID: 10, LatencyMS: floatPtr(100)})
	assert.Error(t, err)
}
