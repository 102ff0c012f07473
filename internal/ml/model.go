package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/e-XpertSolutions/go-iforest/v2/iforest"

	"github.com/apiwatch/backend/internal/detect"
)

// ModelType is the persisted tag for the only model kind the service trains.
const ModelType = "isolation_forest"

// Forest hyperparameters. The contamination ratio comes from config; tree
// count and subsample size are fixed.
const (
	forestTrees     = 100
	forestSubsample = 256
)

// Model is an immutable trained pair: the forest and the scaler it was fitted
// with. Instances are shared read-only between scorers; a retrain builds a
// new Model and swaps the cache pointer.
type Model struct {
	Forest  *iforest.Forest
	Scaler  *Scaler
	Samples int
}

// TrainModel fits a scaler and an Isolation Forest on the feature matrix and
// calibrates the anomaly bound against the same matrix.
func TrainModel(matrix [][]float64, contamination float64) (*Model, error) {
	if contamination <= 0 || contamination >= 1 {
		contamination = 0.1
	}

	scaler, err := FitScaler(matrix)
	if err != nil {
		return nil, err
	}
	scaled := scaler.TransformMatrix(matrix)

	subsample := forestSubsample
	if len(scaled) < subsample {
		subsample = len(scaled)
	}

	forest := iforest.NewForest(forestTrees, subsample, contamination)
	forest.Train(scaled)
	if err := forest.Test(scaled); err != nil {
		return nil, fmt.Errorf("calibrate forest: %w", err)
	}

	return &Model{Forest: forest, Scaler: scaler, Samples: len(matrix)}, nil
}

// Score classifies one record. It returns whether the record is anomalous
// and the raw anomaly score.
func (m *Model) Score(rec *detect.Record, now time.Time) (bool, float64, error) {
	scaled := m.Scaler.Transform(Features(rec, now))
	labels, scores, err := m.Forest.Predict([][]float64{scaled})
	if err != nil {
		return false, 0, fmt.Errorf("forest predict: %w", err)
	}
	if len(labels) == 0 || len(scores) == 0 {
		return false, 0, fmt.Errorf("forest predict: empty result")
	}
	return labels[0] == 1, scores[0], nil
}

// Encode serialises the model pair for ml_models storage.
func (m *Model) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeModel restores a pair persisted by Encode.
func DecodeModel(blob []byte) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if m.Forest == nil || m.Scaler == nil {
		return nil, fmt.Errorf("decode model: incomplete pair")
	}
	return &m, nil
}
