package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/detect"
)

// trainLimit caps how many recent clean rows feed one training run.
const trainLimit = 1000

// ErrInsufficientData marks a training attempt on an API with too little
// clean history. Callers treat it as a normal, retryable condition.
var ErrInsufficientData = errors.New("ml: not enough training samples")

// TrainingSource is the slice of the store the detector needs: clean history
// in, model blobs out.
type TrainingSource interface {
	RecentCleanRecords(ctx context.Context, apiID int64, limit int) ([]detect.Record, error)
	UpsertMLModel(ctx context.Context, apiID int64, modelType string, blob []byte, samples int) error
}

// TrainFunc observes training outcomes, for metrics. Optional.
type TrainFunc func(apiID int64, duration time.Duration, err error)

// Detector scores requests against per-API Isolation Forest models. Scoring
// is read-mostly against an in-memory cache; a cache miss triggers one
// asynchronous training run per API, concurrent triggers coalesce.
type Detector struct {
	source TrainingSource
	log    *zap.Logger

	settingsMu    sync.RWMutex
	weight        float64
	contamination float64
	minSamples    int

	cacheMu sync.RWMutex
	models  map[int64]*Model

	trainMu  sync.Mutex
	training map[int64]struct{}

	// OnTrained, when set, is called after every training attempt.
	OnTrained TrainFunc
}

func NewDetector(source TrainingSource, s config.DetectorSettings, log *zap.Logger) *Detector {
	d := &Detector{
		source:        source,
		log:           log.Named("ml"),
		weight:        s.Weight,
		contamination: s.Threshold,
		minSamples:    s.MinSamples,
		models:        make(map[int64]*Model),
		training:      make(map[int64]struct{}),
	}
	if d.weight <= 0 {
		d.weight = 8
	}
	if d.contamination <= 0 || d.contamination >= 1 {
		d.contamination = 0.1
	}
	if d.minSamples <= 0 {
		d.minSamples = 100
	}
	return d
}

func (d *Detector) Name() string { return config.DetectorMLAnomaly }

// Reconfigure applies updated settings. Cached models are kept; the new
// contamination ratio takes effect at the next training run.
func (d *Detector) Reconfigure(s config.DetectorSettings) {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	if s.Weight > 0 {
		d.weight = s.Weight
	}
	if s.Threshold > 0 && s.Threshold < 1 {
		d.contamination = s.Threshold
	}
	if s.MinSamples > 0 {
		d.minSamples = s.MinSamples
	}
}

func (d *Detector) snapshotSettings() (weight, contamination float64, minSamples int) {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.weight, d.contamination, d.minSamples
}

// Detect scores the record against the cached model for its API. Without a
// model it kicks off training in the background and reports nothing; the
// first requests after a cold start are unanalysed by design.
func (d *Detector) Detect(ctx context.Context, rec *detect.Record) ([]detect.Detection, error) {
	model := d.Model(rec.APIID)
	if model == nil {
		d.triggerTraining(rec.APIID)
		return nil, nil
	}

	anomalous, rawScore, err := model.Score(rec, time.Now())
	if err != nil {
		return nil, err
	}
	if !anomalous {
		return nil, nil
	}

	weight, _, _ := d.snapshotSettings()
	return []detect.Detection{{
		Detector: d.Name(),
		Score:    weight,
		Reason:   "Request pattern deviates from the API's learned baseline",
		Metadata: map[string]interface{}{
			"anomaly_score":    rawScore,
			"training_samples": model.Samples,
		},
	}}, nil
}

// Model returns the cached pair for an API, nil if none.
func (d *Detector) Model(apiID int64) *Model {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	return d.models[apiID]
}

// SetModel replaces the cached pair atomically.
func (d *Detector) SetModel(apiID int64, m *Model) {
	d.cacheMu.Lock()
	d.models[apiID] = m
	d.cacheMu.Unlock()
}

// DropModel evicts a cached pair, e.g. after API deletion.
func (d *Detector) DropModel(apiID int64) {
	d.cacheMu.Lock()
	delete(d.models, apiID)
	d.cacheMu.Unlock()
}

// LoadBlob decodes a persisted blob into the cache. Used for warm-up at
// startup; a corrupt blob is skipped, the API simply retrains.
func (d *Detector) LoadBlob(apiID int64, blob []byte) error {
	m, err := DecodeModel(blob)
	if err != nil {
		return err
	}
	d.SetModel(apiID, m)
	return nil
}

// triggerTraining starts one background training run for the API unless one
// is already in flight.
func (d *Detector) triggerTraining(apiID int64) {
	d.trainMu.Lock()
	if _, inflight := d.training[apiID]; inflight {
		d.trainMu.Unlock()
		return
	}
	d.training[apiID] = struct{}{}
	d.trainMu.Unlock()

	go func() {
		defer func() {
			d.trainMu.Lock()
			delete(d.training, apiID)
			d.trainMu.Unlock()
		}()

		// Detached from the request context: training outlives the
		// request that triggered it.
		if err := d.Train(context.Background(), apiID); err != nil {
			if errors.Is(err, ErrInsufficientData) {
				d.log.Debug("training deferred", zap.Int64("api_id", apiID), zap.Error(err))
			} else {
				d.log.Warn("training failed", zap.Int64("api_id", apiID), zap.Error(err))
			}
		}
	}()
}

// Train fits, persists and caches a fresh model for one API.
func (d *Detector) Train(ctx context.Context, apiID int64) error {
	start := time.Now()
	err := d.train(ctx, apiID)
	if d.OnTrained != nil {
		d.OnTrained(apiID, time.Since(start), err)
	}
	return err
}

func (d *Detector) train(ctx context.Context, apiID int64) error {
	_, contamination, minSamples := d.snapshotSettings()

	recs, err := d.source.RecentCleanRecords(ctx, apiID, trainLimit)
	if err != nil {
		return fmt.Errorf("load training rows: %w", err)
	}
	if len(recs) < minSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(recs), minSamples)
	}

	model, err := TrainModel(FeatureMatrix(recs, time.Now()), contamination)
	if err != nil {
		return err
	}

	blob, err := model.Encode()
	if err != nil {
		return err
	}
	if err := d.source.UpsertMLModel(ctx, apiID, ModelType, blob, model.Samples); err != nil {
		return err
	}

	d.SetModel(apiID, model)
	d.log.Info("model trained",
		zap.Int64("api_id", apiID),
		zap.Int("samples", model.Samples))
	return nil
}

// RetrainAll trains every given API sequentially. Per-API failures are
// logged and do not stop the sweep.
func (d *Detector) RetrainAll(ctx context.Context, apiIDs []int64) {
	for _, id := range apiIDs {
		if ctx.Err() != nil {
			return
		}
		if err := d.Train(ctx, id); err != nil && !errors.Is(err, ErrInsufficientData) {
			d.log.Warn("retrain failed", zap.Int64("api_id", id), zap.Error(err))
		}
	}
}
