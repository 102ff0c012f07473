package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Alert severities. The engine writes only medium and critical; low and high
// are reserved and accepted by all readers.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert notification channels and outcomes.
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"

	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

type Alert struct {
	ID               int64           `db:"id" json:"id"`
	APIID            int64           `db:"api_id" json:"api_id"`
	LogID            *int64          `db:"log_id" json:"log_id,omitempty"`
	AlertType        string          `db:"alert_type" json:"alert_type"`
	Severity         string          `db:"severity" json:"severity"`
	RiskScore        float64         `db:"risk_score" json:"risk_score"`
	Title            string          `db:"title" json:"title"`
	Description      string          `db:"description" json:"description"`
	DetectionDetails json.RawMessage `db:"detection_details" json:"detection_details,omitempty"`
	Acknowledged     bool            `db:"acknowledged" json:"acknowledged"`
	Muted            bool            `db:"muted" json:"muted"`
	AcknowledgedBy   *string         `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time      `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

const alertColumns = `id, api_id, log_id, alert_type, severity, risk_score, title, description, detection_details, acknowledged, muted, acknowledged_by, acknowledged_at, created_at`

// InsertAlert persists an engine verdict and fills in the generated id and
// creation time.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	details := a.DetectionDetails
	if len(details) == 0 {
		details = nil
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO alerts (api_id, log_id, alert_type, severity, risk_score, title, description, detection_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		a.APIID, a.LogID, a.AlertType, a.Severity, a.RiskScore, a.Title, a.Description, details,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) AlertByID(ctx context.Context, id int64) (*Alert, error) {
	var a Alert
	err := s.db.GetContext(ctx, &a, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// AlertFilter narrows ListAlerts. APIIDs is mandatory and carries the
// caller's ownership scope.
type AlertFilter struct {
	APIIDs       []int64
	Severity     string
	Acknowledged *bool
	Limit        int
	Offset       int
}

func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	if len(f.APIIDs) == 0 {
		return []Alert{}, nil
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	q := `SELECT ` + alertColumns + ` FROM alerts WHERE api_id = ANY($1)`
	args := []interface{}{pq.Array(f.APIIDs)}
	n := 2
	if f.Severity != "" {
		q += fmt.Sprintf(` AND severity = $%d`, n)
		args = append(args, f.Severity)
		n++
	}
	if f.Acknowledged != nil {
		q += fmt.Sprintf(` AND acknowledged = $%d`, n)
		args = append(args, *f.Acknowledged)
		n++
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, n, n+1)
	args = append(args, f.Limit, f.Offset)

	alerts := []Alert{}
	if err := s.db.SelectContext(ctx, &alerts, q, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert is monotonic: an already acknowledged alert keeps its
// original acknowledger and time.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, by string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = $1 AND acknowledged = FALSE`, id, by)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already acknowledged; distinguish for the caller.
		if _, err := s.AlertByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetAlertMuted(ctx context.Context, id int64, muted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET muted = $2 WHERE id = $1`, id, muted)
	if err != nil {
		return fmt.Errorf("set alert muted: %w", err)
	}
	return requireRows(res)
}

// AlertSeverityCounts returns per-severity alert counts for an API since a
// point in time, for the metrics summary.
func (s *Store) AlertSeverityCounts(ctx context.Context, apiID int64, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT severity, COUNT(*) FROM alerts
		WHERE api_id = $1 AND created_at >= $2
		GROUP BY severity`, apiID, since)
	if err != nil {
		return nil, fmt.Errorf("alert severity counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

type AlertNotification struct {
	ID           int64     `db:"id" json:"id"`
	AlertID      int64     `db:"alert_id" json:"alert_id"`
	Channel      string    `db:"channel" json:"channel"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	SentAt       time.Time `db:"sent_at" json:"sent_at"`
}

// InsertAlertNotification records one delivery outcome. sent_at is the
// dispatch time, also for failures.
func (s *Store) InsertAlertNotification(ctx context.Context, alertID int64, channel, status string, errorMessage *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_notifications (alert_id, channel, status, error_message, sent_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		alertID, channel, status, errorMessage)
	if err != nil {
		return fmt.Errorf("insert alert notification: %w", err)
	}
	return nil
}

func (s *Store) NotificationsByAlert(ctx context.Context, alertID int64) ([]AlertNotification, error) {
	out := []AlertNotification{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, alert_id, channel, status, error_message, sent_at
		FROM alert_notifications WHERE alert_id = $1 ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}
