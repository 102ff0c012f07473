// Package alerts dispatches out-of-band notifications for engine alerts.
// Dispatch is fire-and-forget behind a bounded worker pool; a per-(api, kind)
// throttle suppresses repeats. Channel outcomes land in alert_notifications,
// failures are never retried in-band.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/store"
)

const (
	queueSize      = 256
	defaultWorkers = 4
)

// NotificationStore records channel delivery outcomes.
type NotificationStore interface {
	InsertAlertNotification(ctx context.Context, alertID int64, channel, status string, errorMessage *string) error
}

// Channel delivers one alert over one medium.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *store.Alert) error
}

// Service fans alerts out to the configured channels.
type Service struct {
	store    NotificationStore
	channels []Channel
	log      *zap.Logger
	throttle time.Duration

	queue chan *store.Alert
	wg    sync.WaitGroup

	mu           sync.Mutex
	lastDispatch map[throttleKey]time.Time

	// now is swappable for tests.
	now func() time.Time

	// OnOutcome and OnThrottled observe dispatch results, for metrics.
	OnOutcome   func(channel, status string)
	OnThrottled func()
}

type throttleKey struct {
	apiID int64
	kind  string
}

// NewService starts the worker pool. Channels may be empty; throttling and
// outcome recording still apply to whatever is configured.
func NewService(st NotificationStore, channels []Channel, throttle time.Duration, log *zap.Logger) *Service {
	if throttle <= 0 {
		throttle = 300 * time.Second
	}
	s := &Service{
		store:        st,
		channels:     channels,
		log:          log.Named("alerts"),
		throttle:     throttle,
		queue:        make(chan *store.Alert, queueSize),
		lastDispatch: make(map[throttleKey]time.Time),
		now:          time.Now,
	}

	for i := 0; i < defaultWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Dispatch enqueues an alert for notification. It never blocks the caller;
// on queue overflow the alert is dropped with a log line, the persisted alert
// row is unaffected.
func (s *Service) Dispatch(alert *store.Alert) {
	select {
	case s.queue <- alert:
	default:
		s.log.Warn("notification queue full, dropping",
			zap.Int64("alert_id", alert.ID),
			zap.String("alert_type", alert.AlertType))
	}
}

// Close drains the queue and stops the workers.
func (s *Service) Close() {
	close(s.queue)
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()
	for alert := range s.queue {
		s.deliver(alert)
	}
}

// deliver applies the throttle and fans out to every channel.
func (s *Service) deliver(alert *store.Alert) {
	if !s.claimDispatch(alert.APIID, alert.AlertType) {
		if s.OnThrottled != nil {
			s.OnThrottled()
		}
		s.log.Debug("notification throttled",
			zap.Int64("api_id", alert.APIID),
			zap.String("alert_type", alert.AlertType))
		return
	}

	for _, ch := range s.channels {
		status := store.NotificationSent
		var errMsg *string

		if err := ch.Send(context.Background(), alert); err != nil {
			status = store.NotificationFailed
			msg := err.Error()
			errMsg = &msg
			s.log.Warn("notification failed",
				zap.String("channel", ch.Name()),
				zap.Int64("alert_id", alert.ID),
				zap.Error(err))
		} else {
			s.log.Info("notification sent",
				zap.String("channel", ch.Name()),
				zap.Int64("alert_id", alert.ID))
		}

		if s.OnOutcome != nil {
			s.OnOutcome(ch.Name(), status)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.InsertAlertNotification(ctx, alert.ID, ch.Name(), status, errMsg); err != nil {
			s.log.Error("record notification outcome", zap.Error(err))
		}
		cancel()
	}
}

// claimDispatch reports whether this (api, kind) pair is clear to notify and,
// if so, records the dispatch time. Check and record are one critical
// section so two workers cannot both pass for the same pair.
func (s *Service) claimDispatch(apiID int64, kind string) bool {
	key := throttleKey{apiID: apiID, kind: kind}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastDispatch[key]; ok && now.Sub(last) < s.throttle {
		return false
	}
	s.lastDispatch[key] = now
	return true
}

// severityColor is the shared accent colour for email and webhook payloads.
func severityColor(severity string) string {
	if severity == store.SeverityCritical {
		return "#dc3545"
	}
	return "#ffc107"
}

func alertSubject(alert *store.Alert) string {
	return fmt.Sprintf("[%s] API Monitor Alert: %s", strings.ToUpper(alert.Severity), alert.Title)
}
