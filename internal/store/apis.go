package store

import (
	"context"
	"fmt"
	"time"
)

type API struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	Name            string    `db:"name" json:"name"`
	APIKey          string    `db:"api_key" json:"-"`
	EncryptedSecret *string   `db:"encrypted_secret" json:"-"`
	BaseURL         *string   `db:"base_url" json:"base_url,omitempty"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

const apiColumns = `id, user_id, name, api_key, encrypted_secret, base_url, is_active, created_at`

// CreateAPI registers a monitored API. The ingest key is generated by the
// caller and immutable afterwards.
func (s *Store) CreateAPI(ctx context.Context, userID int64, name, apiKey string, encryptedSecret, baseURL *string) (*API, error) {
	var a API
	err := s.db.GetContext(ctx, &a, `
		INSERT INTO apis (user_id, name, api_key, encrypted_secret, base_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+apiColumns,
		userID, name, apiKey, encryptedSecret, baseURL)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create api: %w", err)
	}
	return &a, nil
}

// APIByKey resolves an ingest key. This sits on the ingest hot path.
func (s *Store) APIByKey(ctx context.Context, apiKey string) (*API, error) {
	var a API
	err := s.db.GetContext(ctx, &a, `SELECT `+apiColumns+` FROM apis WHERE api_key = $1`, apiKey)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) APIByID(ctx context.Context, id int64) (*API, error) {
	var a API
	err := s.db.GetContext(ctx, &a, `SELECT `+apiColumns+` FROM apis WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) APIsByUser(ctx context.Context, userID int64) ([]API, error) {
	apis := []API{}
	err := s.db.SelectContext(ctx, &apis, `
		SELECT `+apiColumns+` FROM apis WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list apis: %w", err)
	}
	return apis, nil
}

func (s *Store) ListAPIs(ctx context.Context) ([]API, error) {
	apis := []API{}
	err := s.db.SelectContext(ctx, &apis, `SELECT `+apiColumns+` FROM apis ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list apis: %w", err)
	}
	return apis, nil
}

// APIIDs lists ids of all registered APIs, for the retrain loop.
func (s *Store) APIIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM apis ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list api ids: %w", err)
	}
	return ids, nil
}

// APIUpdate carries the mutable API registration fields; nil means keep.
type APIUpdate struct {
	Name     *string
	BaseURL  *string
	IsActive *bool
}

func (s *Store) UpdateAPI(ctx context.Context, id int64, upd APIUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE apis SET
			name      = COALESCE($2, name),
			base_url  = COALESCE($3, base_url),
			is_active = COALESCE($4, is_active)
		WHERE id = $1`,
		id, upd.Name, upd.BaseURL, upd.IsActive)
	if err != nil {
		return fmt.Errorf("update api: %w", err)
	}
	return requireRows(res)
}

// DeleteAPI removes the registration; logs, alerts and models cascade.
func (s *Store) DeleteAPI(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api: %w", err)
	}
	return requireRows(res)
}
