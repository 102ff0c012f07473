package detect

import (
	"context"
	"fmt"

	"github.com/apiwatch/backend/internal/config"
)

// BlacklistSource answers whether an IP is currently blacklisted. Expired
// entries must be reported as absent.
type BlacklistSource interface {
	BlacklistReason(ctx context.Context, ip string) (reason string, found bool, err error)
}

// BlacklistDetector emits a fixed-weight detection for requests from
// blacklisted client IPs.
type BlacklistDetector struct {
	source BlacklistSource
	weight float64
}

func NewBlacklistDetector(source BlacklistSource, s config.DetectorSettings) *BlacklistDetector {
	d := &BlacklistDetector{source: source, weight: s.Weight}
	if d.weight <= 0 {
		d.weight = 10
	}
	return d
}

func (d *BlacklistDetector) Name() string { return config.DetectorIPBlacklist }

func (d *BlacklistDetector) Detect(ctx context.Context, rec *Record) ([]Detection, error) {
	reason, found, err := d.source.BlacklistReason(ctx, rec.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if !found {
		return nil, nil
	}
	if reason == "" {
		reason = "manually blacklisted"
	}

	return []Detection{{
		Detector: d.Name(),
		Score:    capScore(d.weight),
		Reason:   fmt.Sprintf("Client IP %s is blacklisted: %s", rec.ClientIP, reason),
		Metadata: map[string]interface{}{
			"client_ip": rec.ClientIP,
			"reason":    reason,
		},
	}}, nil
}
