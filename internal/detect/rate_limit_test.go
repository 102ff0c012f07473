package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwatch/backend/internal/config"
)

func rateLimitSettings() config.DetectorSettings {
	return config.DetectorSettings{Enabled: true, Threshold: 100, Weight: 7, WindowSeconds: 60}
}

func TestRateLimitBelowThresholdStaysQuiet(t *testing.T) {
	d := NewRateLimitDetector(NewWindowStore(), rateLimitSettings())
	base := float64(1700000000)

	for i := 0; i < 100; i++ {
		rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + float64(i)*0.1}
		dets, err := d.Detect(context.Background(), rec)
		require.NoError(t, err)
		assert.Empty(t, dets, "request %d should not trip the detector", i+1)
	}
}

func TestRateLimit101stRequestTrips(t *testing.T) {
	d := NewRateLimitDetector(NewWindowStore(), rateLimitSettings())
	base := float64(1700000000)

	// 100 requests inside 10 seconds stay quiet.
	for i := 0; i < 100; i++ {
		rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + float64(i)*0.1}
		_, err := d.Detect(context.Background(), rec)
		require.NoError(t, err)
	}

	// The 101st trips it.
	rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + 10}
	dets, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.Equal(t, "rate_limit", det.Detector)
	assert.GreaterOrEqual(t, det.Score, 7.0)
	assert.LessOrEqual(t, det.Score, 10.0)
	assert.Contains(t, det.Reason, "101 requests")
	assert.Equal(t, 101, det.Metadata["request_count"])
}

func TestRateLimitIsolatesClients(t *testing.T) {
	d := NewRateLimitDetector(NewWindowStore(), rateLimitSettings())
	base := float64(1700000000)

	for i := 0; i < 150; i++ {
		rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + float64(i)*0.01}
		_, err := d.Detect(context.Background(), rec)
		require.NoError(t, err)
	}

	// A different client on the same API is unaffected.
	rec := &Record{APIID: 1, ClientIP: "10.0.0.2", Timestamp: base + 2}
	dets, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestRateLimitWindowSlides(t *testing.T) {
	d := NewRateLimitDetector(NewWindowStore(), rateLimitSettings())
	base := float64(1700000000)

	for i := 0; i < 150; i++ {
		rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + float64(i)*0.01}
		_, err := d.Detect(context.Background(), rec)
		require.NoError(t, err)
	}

	// After the window passes, the same client is clean again.
	rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + 120}
	dets, err := d.Detect(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestRateLimitScoreScalesWithVolume(t *testing.T) {
	d := NewRateLimitDetector(NewWindowStore(), rateLimitSettings())
	base := float64(1700000000)

	var last []Detection
	for i := 0; i < 200; i++ {
		rec := &Record{APIID: 1, ClientIP: "10.0.0.1", Timestamp: base + float64(i)*0.01}
		dets, err := d.Detect(context.Background(), rec)
		require.NoError(t, err)
		if len(dets) > 0 {
			last = dets
		}
	}

	require.Len(t, last, 1)
	// 200/100 * weight 7 = 14, capped at 10.
	assert.Equal(t, 10.0, last[0].Score)
}
