package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type AuditEntry struct {
	ID        int64           `db:"id" json:"id"`
	UserID    *int64          `db:"user_id" json:"user_id,omitempty"`
	Action    string          `db:"action" json:"action"`
	Resource  string          `db:"resource" json:"resource"`
	Detail    json.RawMessage `db:"detail" json:"detail,omitempty"`
	ClientIP  *string         `db:"client_ip" json:"client_ip,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// AppendAudit records a control-plane mutation. Failures are logged by the
// caller and never fail the mutation itself.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	detail := e.Detail
	if len(detail) == 0 {
		detail = nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, resource, detail, client_ip)
		VALUES ($1, $2, $3, $4, $5)`,
		e.UserID, e.Action, e.Resource, detail, e.ClientIP)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries := []AuditEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, action, resource, detail, client_ip, created_at
		FROM audit_logs ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}
