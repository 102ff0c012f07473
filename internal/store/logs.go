package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apiwatch/backend/internal/detect"
)

type RequestLog struct {
	ID           int64           `db:"id" json:"id"`
	APIID        int64           `db:"api_id" json:"api_id"`
	Timestamp    float64         `db:"ts" json:"timestamp"`
	Method       string          `db:"method" json:"method"`
	Endpoint     string          `db:"endpoint" json:"endpoint"`
	ClientIP     string          `db:"client_ip" json:"client_ip"`
	StatusCode   *int            `db:"status_code" json:"status_code,omitempty"`
	LatencyMS    *float64        `db:"latency_ms" json:"latency_ms,omitempty"`
	Headers      json.RawMessage `db:"headers" json:"headers,omitempty"`
	BodySize     *int64          `db:"body_size" json:"body_size,omitempty"`
	UserAgent    *string         `db:"user_agent" json:"user_agent,omitempty"`
	IsSuspicious bool            `db:"is_suspicious" json:"is_suspicious"`
}

// InsertRequestLog appends one telemetry record and returns its id.
func (s *Store) InsertRequestLog(ctx context.Context, l *RequestLog) (int64, error) {
	var id int64
	headers := l.Headers
	if len(headers) == 0 {
		headers = nil
	}
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO request_logs (api_id, ts, method, endpoint, client_ip, status_code, latency_ms, headers, body_size, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		l.APIID, l.Timestamp, l.Method, l.Endpoint, l.ClientIP,
		l.StatusCode, l.LatencyMS, headers, l.BodySize, l.UserAgent)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return id, nil
}

// MarkSuspicious sets the one-shot suspicious flag on a log row.
func (s *Store) MarkSuspicious(ctx context.Context, logID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE request_logs SET is_suspicious = TRUE WHERE id = $1`, logID)
	if err != nil {
		return fmt.Errorf("mark suspicious: %w", err)
	}
	return nil
}

// RequestErrorCounts returns total and error (status >= 400) request counts
// for an API since the given epoch-seconds timestamp.
func (s *Store) RequestErrorCounts(ctx context.Context, apiID int64, since float64) (total, errors int, err error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status_code >= 400)
		FROM request_logs
		WHERE api_id = $1 AND ts >= $2`, apiID, since)
	if err := row.Scan(&total, &errors); err != nil {
		return 0, 0, fmt.Errorf("count errors: %w", err)
	}
	return total, errors, nil
}

// RecentLatencies returns up to limit most recent non-null latencies for an
// API, newest first, excluding rows at or after beforeLogID. The exclusion
// keeps the request under analysis out of its own baseline.
func (s *Store) RecentLatencies(ctx context.Context, apiID, beforeLogID int64, limit int) ([]float64, error) {
	latencies := []float64{}
	err := s.db.SelectContext(ctx, &latencies, `
		SELECT latency_ms FROM request_logs
		WHERE api_id = $1 AND id < $2 AND latency_ms IS NOT NULL
		ORDER BY id DESC
		LIMIT $3`, apiID, beforeLogID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent latencies: %w", err)
	}
	return latencies, nil
}

// RecentCleanRecords returns up to limit most recent non-suspicious rows for
// ML training, newest first.
func (s *Store) RecentCleanRecords(ctx context.Context, apiID int64, limit int) ([]detect.Record, error) {
	rows := []RequestLog{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, api_id, ts, method, endpoint, client_ip, status_code, latency_ms, headers, body_size, user_agent, is_suspicious
		FROM request_logs
		WHERE api_id = $1 AND is_suspicious = FALSE
		ORDER BY id DESC
		LIMIT $2`, apiID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent clean records: %w", err)
	}

	recs := make([]detect.Record, 0, len(rows))
	for i := range rows {
		recs = append(recs, rows[i].toRecord())
	}
	return recs, nil
}

// RecentLogs serves the metrics read surface.
func (s *Store) RecentLogs(ctx context.Context, apiID int64, limit int, suspiciousOnly bool) ([]RequestLog, error) {
	logs := []RequestLog{}
	q := `
		SELECT id, api_id, ts, method, endpoint, client_ip, status_code, latency_ms, headers, body_size, user_agent, is_suspicious
		FROM request_logs
		WHERE api_id = $1`
	if suspiciousOnly {
		q += ` AND is_suspicious = TRUE`
	}
	q += ` ORDER BY id DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &logs, q, apiID, limit); err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	return logs, nil
}

// TrafficSummary aggregates an API's traffic since a timestamp.
type TrafficSummary struct {
	TotalRequests   int      `db:"total_requests" json:"total_requests"`
	ErrorRequests   int      `db:"error_requests" json:"error_requests"`
	SuspiciousCount int      `db:"suspicious_count" json:"suspicious_count"`
	AvgLatencyMS    *float64 `db:"avg_latency_ms" json:"avg_latency_ms,omitempty"`
	UniqueIPs       int      `db:"unique_ips" json:"unique_ips"`
}

func (s *Store) Summary(ctx context.Context, apiID int64, since float64) (*TrafficSummary, error) {
	var sum TrafficSummary
	err := s.db.GetContext(ctx, &sum, `
		SELECT COUNT(*)                                          AS total_requests,
		       COUNT(*) FILTER (WHERE status_code >= 400)        AS error_requests,
		       COUNT(*) FILTER (WHERE is_suspicious)             AS suspicious_count,
		       AVG(latency_ms)                                   AS avg_latency_ms,
		       COUNT(DISTINCT client_ip)                         AS unique_ips
		FROM request_logs
		WHERE api_id = $1 AND ts >= $2`, apiID, since)
	if err != nil {
		return nil, fmt.Errorf("traffic summary: %w", err)
	}
	return &sum, nil
}

func (l *RequestLog) toRecord() detect.Record {
	rec := detect.Record{
		LogID:      l.ID,
		APIID:      l.APIID,
		Timestamp:  l.Timestamp,
		Method:     l.Method,
		Endpoint:   l.Endpoint,
		ClientIP:   l.ClientIP,
		StatusCode: l.StatusCode,
		LatencyMS:  l.LatencyMS,
		BodySize:   l.BodySize,
	}
	if l.UserAgent != nil {
		rec.UserAgent = *l.UserAgent
	}
	if len(l.Headers) > 0 {
		rec.HeadersJSON = string(l.Headers)
	}
	return rec
}

// EventTime converts the log's epoch-seconds timestamp.
func (l *RequestLog) EventTime() time.Time {
	sec := int64(l.Timestamp)
	nsec := int64((l.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
