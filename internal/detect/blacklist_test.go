package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwatch/backend/internal/config"
)

type fakeBlacklist struct {
	entries map[string]string
	err     error
}

func (f *fakeBlacklist) BlacklistReason(ctx context.Context, ip string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	reason, ok := f.entries[ip]
	return reason, ok, nil
}

func TestBlacklistHit(t *testing.T) {
	source := &fakeBlacklist{entries: map[string]string{"203.0.113.9": "credential stuffing"}}
	d := NewBlacklistDetector(source, config.DetectorSettings{Enabled: true, Weight: 10})

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.Equal(t, "ip_blacklist", det.Detector)
	assert.Equal(t, 10.0, det.Score)
	assert.Contains(t, det.Reason, "203.0.113.9")
	assert.Contains(t, det.Reason, "credential stuffing")
}

func TestBlacklistMiss(t *testing.T) {
	source := &fakeBlacklist{entries: map[string]string{"203.0.113.9": "abuse"}}
	d := NewBlacklistDetector(source, config.DetectorSettings{Enabled: true, Weight: 10})

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, ClientIP: "198.51.100.4"})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestBlacklistEmptyReasonFallsBack(t *testing.T) {
	source := &fakeBlacklist{entries: map[string]string{"203.0.113.9": ""}}
	d := NewBlacklistDetector(source, config.DetectorSettings{Enabled: true, Weight: 10})

	dets, err := d.Detect(context.Background(), &Record{APIID: 1, ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Contains(t, dets[0].Reason, "manually blacklisted")
}

func TestBlacklistPropagatesStoreErrors(t *testing.T) {
	source := &fakeBlacklist{err: errors.New("db down")}
	d := NewBlacklistDetector(source, config.DetectorSettings{Enabled: true, Weight: 10})

	_, err := d.Detect(context.Background(), &Record{APIID: 1, ClientIP: "203.0.113.9"})
	assert.Error(t, err)
}
