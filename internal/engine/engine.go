// Package engine orchestrates the detector pipeline: it runs every enabled
// detector for a request, aggregates the risk score, persists alerts, and
// feeds the notification and broadcast side channels. It also owns the two
// background loops: the ML retrainer and the sliding-window sweeper.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/alerts"
	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/detect"
	"github.com/apiwatch/backend/internal/fabric"
	"github.com/apiwatch/backend/internal/ml"
	"github.com/apiwatch/backend/internal/monitoring"
	"github.com/apiwatch/backend/internal/store"
)

const sweepInterval = 5 * time.Minute

// Store is the persistence slice the engine needs: alert writes, the API
// roster for retraining, and the lookups the data-backed detectors consume.
type Store interface {
	InsertAlert(ctx context.Context, a *store.Alert) error
	APIIDs(ctx context.Context) ([]int64, error)
	detect.BlacklistSource
	detect.ErrorStatsSource
	detect.LatencySource
}

// Dispatcher hands alerts to the notification service. Satisfied by
// *alerts.Service.
type Dispatcher interface {
	Dispatch(alert *store.Alert)
}

var _ Dispatcher = (*alerts.Service)(nil)

// Result is the engine's verdict for one request.
type Result struct {
	RiskScore  float64
	Suspicious bool
	Detections []detect.Detection
	Alert      *store.Alert
}

// Engine runs the pipeline. The detector set is swapped atomically on
// reconfiguration; in-flight requests finish against the set they started
// with.
type Engine struct {
	store     Store
	windows   *detect.WindowStore
	mlDet     *ml.Detector
	alerts    Dispatcher
	bus       *fabric.Bus
	metrics   *monitoring.Metrics
	log       *zap.Logger
	detectors atomic.Value // []detect.Detector

	medium          float64
	high            float64
	retrainInterval time.Duration
	sweepWindow     time.Duration
}

// New wires the engine. The alert service is created first and injected
// here, which keeps the engine/alert-service relationship acyclic.
func New(
	st Store,
	windows *detect.WindowStore,
	mlDet *ml.Detector,
	dispatcher Dispatcher,
	bus *fabric.Bus,
	metrics *monitoring.Metrics,
	cfg config.DetectionConfig,
	log *zap.Logger,
) *Engine {
	e := &Engine{
		store:           st,
		windows:         windows,
		mlDet:           mlDet,
		alerts:          dispatcher,
		bus:             bus,
		metrics:         metrics,
		log:             log.Named("engine"),
		medium:          cfg.MediumThreshold,
		high:            cfg.HighThreshold,
		retrainInterval: time.Duration(cfg.RetrainIntervalHours) * time.Hour,
		sweepWindow:     time.Duration(cfg.Detector(config.DetectorRateLimit).WindowSeconds) * time.Second,
	}
	if e.medium <= 0 {
		e.medium = 5.0
	}
	if e.high <= 0 {
		e.high = 8.0
	}
	if e.retrainInterval <= 0 {
		e.retrainInterval = 24 * time.Hour
	}
	if e.sweepWindow <= 0 {
		e.sweepWindow = time.Minute
	}

	if mlDet != nil {
		mlDet.OnTrained = func(apiID int64, duration time.Duration, err error) {
			switch {
			case err == nil:
				metrics.RecordTraining("trained", duration)
			case errors.Is(err, ml.ErrInsufficientData):
				metrics.RecordTraining("insufficient_data", duration)
			default:
				metrics.RecordTraining("error", duration)
			}
		}
	}

	e.Reconfigure(cfg.Detectors)
	return e
}

// Reconfigure rebuilds the detector set from settings. The ML detector
// instance is reused so its model cache survives; everything else is
// stateless apart from the shared window store.
func (e *Engine) Reconfigure(settings map[string]config.DetectorSettings) {
	var set []detect.Detector

	if s := settings[config.DetectorRateLimit]; s.Enabled {
		set = append(set, detect.NewRateLimitDetector(e.windows, s))
	}
	if s := settings[config.DetectorIPBlacklist]; s.Enabled {
		set = append(set, detect.NewBlacklistDetector(e.store, s))
	}
	if s := settings[config.DetectorAttackSignature]; s.Enabled {
		set = append(set, detect.NewSignatureDetector(s))
	}
	if s := settings[config.DetectorErrorRate]; s.Enabled {
		set = append(set, detect.NewErrorRateDetector(e.store, s))
	}
	if s := settings[config.DetectorLatencySpike]; s.Enabled {
		set = append(set, detect.NewLatencyDetector(e.store, s))
	}
	if s := settings[config.DetectorMLAnomaly]; s.Enabled && e.mlDet != nil {
		e.mlDet.Reconfigure(s)
		set = append(set, e.mlDet)
	}

	e.detectors.Store(set)
	e.log.Info("detector set configured", zap.Int("detectors", len(set)))
}

// DropModel evicts the cached ML model for an API, typically after deletion.
func (e *Engine) DropModel(apiID int64) {
	if e.mlDet != nil {
		e.mlDet.DropModel(apiID)
	}
}

// Analyze runs every detector against the record and applies the alert
// policy. It never returns an error: detector failures are contained
// per-detector, and an alert-insert failure degrades to an alertless verdict.
func (e *Engine) Analyze(ctx context.Context, rec *detect.Record) Result {
	detectors, _ := e.detectors.Load().([]detect.Detector)

	var detections []detect.Detection
	for _, d := range detectors {
		dets, err := e.runDetector(ctx, d, rec)
		if err != nil {
			e.metrics.DetectorFailures.WithLabelValues(d.Name()).Inc()
			e.log.Warn("detector failed",
				zap.String("detector", d.Name()),
				zap.Int64("log_id", rec.LogID),
				zap.Error(err))
			continue
		}
		for _, det := range dets {
			e.metrics.DetectionsTotal.WithLabelValues(det.Detector).Inc()
		}
		detections = append(detections, dets...)
	}

	risk := 0.0
	for _, det := range detections {
		risk += det.Score
	}
	if risk > 10 {
		risk = 10
	}

	res := Result{
		RiskScore:  risk,
		Suspicious: risk >= e.medium,
		Detections: detections,
	}
	if risk >= e.medium {
		res.Alert = e.createAlert(ctx, rec, detections, risk)
	}
	return res
}

// runDetector isolates one detector call, converting panics into errors.
func (e *Engine) runDetector(ctx context.Context, d detect.Detector, rec *detect.Record) (dets []detect.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(ctx, rec)
}

// createAlert persists one alert at the highest qualifying band, then hands
// it to the notification service and the live bus. A failed insert is logged
// and produces neither notification nor broadcast.
func (e *Engine) createAlert(ctx context.Context, rec *detect.Record, detections []detect.Detection, risk float64) *store.Alert {
	severity := store.SeverityMedium
	if risk >= e.high {
		severity = store.SeverityCritical
	}

	kind := "multi_threat"
	if len(detections) == 1 {
		kind = detections[0].Detector
	}

	reasons := make([]string, 0, len(detections))
	for _, det := range detections {
		reasons = append(reasons, det.Reason)
	}

	details, err := json.Marshal(detections)
	if err != nil {
		details = nil
	}

	logID := rec.LogID
	alert := &store.Alert{
		APIID:            rec.APIID,
		LogID:            &logID,
		AlertType:        kind,
		Severity:         severity,
		RiskScore:        risk,
		Title:            fmt.Sprintf("%s: %d threats detected", strings.ToUpper(severity), len(detections)),
		Description:      strings.Join(reasons, "; "),
		DetectionDetails: details,
	}

	if err := e.store.InsertAlert(ctx, alert); err != nil {
		e.log.Error("insert alert failed",
			zap.Int64("api_id", rec.APIID),
			zap.Int64("log_id", rec.LogID),
			zap.Error(err))
		return nil
	}

	e.metrics.AlertsTotal.WithLabelValues(severity).Inc()
	e.alerts.Dispatch(alert)
	e.broadcastAlert(alert)
	return alert
}

func (e *Engine) broadcastAlert(alert *store.Alert) {
	ev, err := fabric.NewEvent(fabric.EventAlert, map[string]interface{}{
		"id":         alert.ID,
		"api_id":     alert.APIID,
		"alert_type": alert.AlertType,
		"severity":   alert.Severity,
		"risk_score": alert.RiskScore,
		"title":      alert.Title,
		"created_at": alert.CreatedAt,
	})
	if err != nil {
		e.log.Error("marshal alert event", zap.Error(err))
		return
	}
	e.bus.Publish(ev)
}

// StartBackground launches the retrain and sweep loops. Both survive
// individual iteration failures and stop with the context.
func (e *Engine) StartBackground(ctx context.Context) {
	go e.retrainLoop(ctx)
	go e.sweepLoop(ctx)
}

func (e *Engine) retrainLoop(ctx context.Context) {
	if e.mlDet == nil {
		return
	}
	ticker := time.NewTicker(e.retrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.retrainAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) retrainAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("retrain loop panic", zap.Any("panic", r))
		}
	}()

	ids, err := e.store.APIIDs(ctx)
	if err != nil {
		e.log.Warn("retrain: list apis", zap.Error(err))
		return
	}
	e.log.Info("retraining models", zap.Int("apis", len(ids)))
	e.mlDet.RetrainAll(ctx, ids)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := e.windows.Sweep(time.Now(), e.sweepWindow)
			e.metrics.WindowKeys.Set(float64(e.windows.Keys()))
			if removed > 0 {
				e.log.Debug("window sweep", zap.Int("removed_keys", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
