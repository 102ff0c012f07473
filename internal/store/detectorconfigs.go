package store

import (
	"context"
	"fmt"
	"time"

	"github.com/apiwatch/backend/internal/config"
)

type DetectorConfigRow struct {
	Detector      string    `db:"detector" json:"detector"`
	Enabled       bool      `db:"enabled" json:"enabled"`
	Threshold     float64   `db:"threshold" json:"threshold"`
	Weight        float64   `db:"weight" json:"weight"`
	WindowSeconds int       `db:"window_seconds" json:"window_seconds"`
	MinSamples    int       `db:"min_samples" json:"min_samples"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Settings converts a persisted row into the config shape the engine consumes.
func (r DetectorConfigRow) Settings() config.DetectorSettings {
	return config.DetectorSettings{
		Enabled:       r.Enabled,
		Threshold:     r.Threshold,
		Weight:        r.Weight,
		WindowSeconds: r.WindowSeconds,
		MinSamples:    r.MinSamples,
	}
}

// SeedDetectorConfigs inserts the configured defaults for detectors that have
// no persisted row yet. Admin-tuned rows win over config defaults.
func (s *Store) SeedDetectorConfigs(ctx context.Context, detectors map[string]config.DetectorSettings) error {
	for name, d := range detectors {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO detector_configs (detector, enabled, threshold, weight, window_seconds, min_samples)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (detector) DO NOTHING`,
			name, d.Enabled, d.Threshold, d.Weight, d.WindowSeconds, d.MinSamples)
		if err != nil {
			return fmt.Errorf("seed detector config %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) ListDetectorConfigs(ctx context.Context) ([]DetectorConfigRow, error) {
	rows := []DetectorConfigRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT detector, enabled, threshold, weight, window_seconds, min_samples, updated_at
		FROM detector_configs ORDER BY detector`)
	if err != nil {
		return nil, fmt.Errorf("list detector configs: %w", err)
	}
	return rows, nil
}

func (s *Store) DetectorConfig(ctx context.Context, detector string) (*DetectorConfigRow, error) {
	var row DetectorConfigRow
	err := s.db.GetContext(ctx, &row, `
		SELECT detector, enabled, threshold, weight, window_seconds, min_samples, updated_at
		FROM detector_configs WHERE detector = $1`, detector)
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// UpsertDetectorConfig persists an admin-tuned detector configuration.
func (s *Store) UpsertDetectorConfig(ctx context.Context, row DetectorConfigRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detector_configs (detector, enabled, threshold, weight, window_seconds, min_samples, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (detector) DO UPDATE SET
			enabled        = EXCLUDED.enabled,
			threshold      = EXCLUDED.threshold,
			weight         = EXCLUDED.weight,
			window_seconds = EXCLUDED.window_seconds,
			min_samples    = EXCLUDED.min_samples,
			updated_at     = NOW()`,
		row.Detector, row.Enabled, row.Threshold, row.Weight, row.WindowSeconds, row.MinSamples)
	if err != nil {
		return fmt.Errorf("upsert detector config: %w", err)
	}
	return nil
}
