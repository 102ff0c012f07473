// Command server runs the API-traffic monitoring service: the ingest
// endpoint, the detection engine with its background loops, the alert
// notification pool, the live WebSocket feed, and the control-plane REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apiwatch/backend/internal/alerts"
	"github.com/apiwatch/backend/internal/api"
	"github.com/apiwatch/backend/internal/auth"
	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/detect"
	"github.com/apiwatch/backend/internal/engine"
	"github.com/apiwatch/backend/internal/fabric"
	"github.com/apiwatch/backend/internal/ml"
	"github.com/apiwatch/backend/internal/monitoring"
	"github.com/apiwatch/backend/internal/store"
)

func main() {
	// .env is a developer convenience; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	st := store.New(db, log)
	defer st.Close()

	if err := st.EnsureSchema(ctx, cfg.Detection.Detectors); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	// Admin-tuned detector rows win over the configured defaults.
	detection := cfg.Detection
	detection.Detectors = make(map[string]config.DetectorSettings, len(cfg.Detection.Detectors))
	for name, d := range cfg.Detection.Detectors {
		detection.Detectors[name] = d
	}
	rows, err := st.ListDetectorConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load detector configs: %w", err)
	}
	for _, row := range rows {
		detection.Detectors[row.Detector] = row.Settings()
	}

	issuer := auth.NewTokenIssuer(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpiryMinutes)*time.Minute)
	box, err := auth.NewSecretBox(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	bus := fabric.NewBus()
	hub := fabric.NewHub(bus, log)
	hub.OnClientCount = func(n int) { metrics.LiveClients.Set(float64(n)) }
	hub.OnClientDropped = func() { metrics.DroppedSubscribers.Inc() }
	go hub.Run(ctx)

	if cfg.Redis.Enabled {
		bridge := fabric.NewRedisBridge(bus, cfg.Redis, log)
		if err := bridge.Start(ctx); err != nil {
			// The live feed still works locally; cross-instance fan-out is lost.
			log.Warn("redis bridge unavailable", zap.Error(err))
		} else {
			defer bridge.Close()
		}
	}

	var channels []alerts.Channel
	if ch := alerts.NewEmailChannel(cfg.SMTP); ch != nil {
		channels = append(channels, ch)
	}
	if ch := alerts.NewWebhookChannel(cfg.Webhook.URL); ch != nil {
		channels = append(channels, ch)
	}
	notifier := alerts.NewService(st, channels, time.Duration(detection.ThrottleSeconds)*time.Second, log)
	notifier.OnOutcome = func(channel, status string) {
		metrics.NotificationsTotal.WithLabelValues(channel, status).Inc()
	}
	notifier.OnThrottled = func() { metrics.NotificationsThrottled.Inc() }
	defer notifier.Close()

	mlDet := ml.NewDetector(st, detection.Detector(config.DetectorMLAnomaly), log)
	warmModelCache(ctx, st, mlDet, log)

	eng := engine.New(st, detect.NewWindowStore(), mlDet, notifier, bus, metrics, detection, log)
	eng.StartBackground(ctx)

	srv := api.NewServer(api.Options{
		Store:    st,
		Issuer:   issuer,
		Box:      box,
		Engine:   eng,
		Hub:      hub,
		Bus:      bus,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		Config:   cfg,
		Log:      log,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// warmModelCache loads persisted ML models so scoring works from the first
// request. A corrupt blob is skipped; that API simply retrains.
func warmModelCache(ctx context.Context, st *store.Store, det *ml.Detector, log *zap.Logger) {
	models, err := st.ActiveMLModels(ctx)
	if err != nil {
		log.Warn("ml cache warm-up failed", zap.Error(err))
		return
	}
	loaded := 0
	for _, m := range models {
		if err := det.LoadBlob(m.APIID, m.ModelBlob); err != nil {
			log.Warn("skipping corrupt model blob", zap.Int64("api_id", m.APIID), zap.Error(err))
			continue
		}
		loaded++
	}
	if loaded > 0 {
		log.Info("ml models loaded", zap.Int("models", loaded))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
