package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type IPListEntry struct {
	ID        int64      `db:"id" json:"id"`
	IP        string     `db:"ip" json:"ip"`
	Reason    *string    `db:"reason" json:"reason,omitempty"`
	AddedBy   *string    `db:"added_by" json:"added_by,omitempty"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

const ipListColumns = `id, ip, reason, added_by, expires_at, created_at`

// listTable guards against interpolating anything but the two fixed names.
func listTable(blacklist bool) string {
	if blacklist {
		return "ip_blacklist"
	}
	return "ip_whitelist"
}

// BlacklistReason reports whether ip is actively blacklisted and why. It is
// the lookup the blacklist detector consumes.
func (s *Store) BlacklistReason(ctx context.Context, ip string) (string, bool, error) {
	e, err := s.ActiveBlacklistEntry(ctx, ip)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	reason := ""
	if e.Reason != nil {
		reason = *e.Reason
	}
	return reason, true, nil
}

// ActiveBlacklistEntry returns the blacklist row for ip if present and not
// expired; expired entries are logically absent.
func (s *Store) ActiveBlacklistEntry(ctx context.Context, ip string) (*IPListEntry, error) {
	var e IPListEntry
	err := s.db.GetContext(ctx, &e, `
		SELECT `+ipListColumns+` FROM ip_blacklist
		WHERE ip = $1 AND (expires_at IS NULL OR expires_at > NOW())`, ip)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *Store) AddIPListEntry(ctx context.Context, blacklist bool, ip string, reason, addedBy *string, expiresAt *time.Time) (*IPListEntry, error) {
	var e IPListEntry
	err := s.db.GetContext(ctx, &e, `
		INSERT INTO `+listTable(blacklist)+` (ip, reason, added_by, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+ipListColumns,
		ip, reason, addedBy, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("add ip entry: %w", err)
	}
	return &e, nil
}

func (s *Store) RemoveIPListEntry(ctx context.Context, blacklist bool, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+listTable(blacklist)+` WHERE ip = $1`, ip)
	if err != nil {
		return fmt.Errorf("remove ip entry: %w", err)
	}
	return requireRows(res)
}

func (s *Store) ListIPEntries(ctx context.Context, blacklist bool) ([]IPListEntry, error) {
	entries := []IPListEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+ipListColumns+` FROM `+listTable(blacklist)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list ip entries: %w", err)
	}
	return entries, nil
}
