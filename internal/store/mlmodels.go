package store

import (
	"context"
	"fmt"
	"time"
)

type MLModel struct {
	ID              int64     `db:"id" json:"id"`
	APIID           int64     `db:"api_id" json:"api_id"`
	ModelType       string    `db:"model_type" json:"model_type"`
	ModelBlob       []byte    `db:"model_blob" json:"-"`
	TrainingSamples int       `db:"training_samples" json:"training_samples"`
	TrainedAt       time.Time `db:"trained_at" json:"trained_at"`
	IsActive        bool      `db:"is_active" json:"is_active"`
}

// UpsertMLModel persists a trained model blob, replacing any previous model
// for the same API.
func (s *Store) UpsertMLModel(ctx context.Context, apiID int64, modelType string, blob []byte, samples int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ml_models (api_id, model_type, model_blob, training_samples, trained_at, is_active)
		VALUES ($1, $2, $3, $4, NOW(), TRUE)
		ON CONFLICT (api_id) DO UPDATE SET
			model_type       = EXCLUDED.model_type,
			model_blob       = EXCLUDED.model_blob,
			training_samples = EXCLUDED.training_samples,
			trained_at       = EXCLUDED.trained_at,
			is_active        = TRUE`,
		apiID, modelType, blob, samples)
	if err != nil {
		return fmt.Errorf("upsert ml model: %w", err)
	}
	return nil
}

func (s *Store) MLModelByAPI(ctx context.Context, apiID int64) (*MLModel, error) {
	var m MLModel
	err := s.db.GetContext(ctx, &m, `
		SELECT id, api_id, model_type, model_blob, training_samples, trained_at, is_active
		FROM ml_models WHERE api_id = $1 AND is_active = TRUE`, apiID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ActiveMLModels loads every active model blob, for cache warm-up at startup.
func (s *Store) ActiveMLModels(ctx context.Context) ([]MLModel, error) {
	models := []MLModel{}
	err := s.db.SelectContext(ctx, &models, `
		SELECT id, api_id, model_type, model_blob, training_samples, trained_at, is_active
		FROM ml_models WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("load ml models: %w", err)
	}
	return models, nil
}
