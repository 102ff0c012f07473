package store

import (
	"context"
	"fmt"

	"github.com/apiwatch/backend/internal/config"
)

// schemaDDL bootstraps every table the service owns. Statements are
// idempotent so startup can run them unconditionally.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS apis (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		api_key          TEXT NOT NULL UNIQUE,
		encrypted_secret TEXT,
		base_url         TEXT,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id            BIGSERIAL PRIMARY KEY,
		api_id        BIGINT NOT NULL REFERENCES apis(id) ON DELETE CASCADE,
		ts            DOUBLE PRECISION NOT NULL,
		method        TEXT NOT NULL,
		endpoint      TEXT NOT NULL,
		client_ip     TEXT NOT NULL,
		status_code   INTEGER,
		latency_ms    DOUBLE PRECISION,
		headers       JSONB,
		body_size     BIGINT,
		user_agent    TEXT,
		is_suspicious BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_api_ts ON request_logs (api_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_api_id_desc ON request_logs (api_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_api_ip_ts ON request_logs (api_id, client_ip, ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id                BIGSERIAL PRIMARY KEY,
		api_id            BIGINT NOT NULL REFERENCES apis(id) ON DELETE CASCADE,
		log_id            BIGINT REFERENCES request_logs(id) ON DELETE SET NULL,
		alert_type        TEXT NOT NULL,
		severity          TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		risk_score        DOUBLE PRECISION NOT NULL,
		title             TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		detection_details JSONB,
		acknowledged      BOOLEAN NOT NULL DEFAULT FALSE,
		muted             BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by   TEXT,
		acknowledged_at   TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_api_created ON alerts (api_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_notifications (
		id            BIGSERIAL PRIMARY KEY,
		alert_id      BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		channel       TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('sent','failed')),
		error_message TEXT,
		sent_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ml_models (
		id               BIGSERIAL PRIMARY KEY,
		api_id           BIGINT NOT NULL UNIQUE REFERENCES apis(id) ON DELETE CASCADE,
		model_type       TEXT NOT NULL DEFAULT 'isolation_forest',
		model_blob       BYTEA NOT NULL,
		training_samples INTEGER NOT NULL,
		trained_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_active        BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS ip_blacklist (
		id         BIGSERIAL PRIMARY KEY,
		ip         TEXT NOT NULL UNIQUE,
		reason     TEXT,
		added_by   TEXT,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ip_whitelist (
		id         BIGSERIAL PRIMARY KEY,
		ip         TEXT NOT NULL UNIQUE,
		reason     TEXT,
		added_by   TEXT,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS detector_configs (
		detector       TEXT PRIMARY KEY,
		enabled        BOOLEAN NOT NULL DEFAULT TRUE,
		threshold      DOUBLE PRECISION NOT NULL DEFAULT 0,
		weight         DOUBLE PRECISION NOT NULL DEFAULT 0,
		window_seconds INTEGER NOT NULL DEFAULT 0,
		min_samples    INTEGER NOT NULL DEFAULT 0,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT REFERENCES users(id) ON DELETE SET NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL,
		detail     JSONB,
		client_ip  TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates missing tables and indices and seeds detector_configs
// with the configured defaults. Existing rows are left untouched.
func (s *Store) EnsureSchema(ctx context.Context, detectors map[string]config.DetectorSettings) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return s.SeedDetectorConfigs(ctx, detectors)
}
