// Package api is the HTTP surface: the telemetry ingest endpoint, the
// authenticated control plane, the live WebSocket feed, and the operational
// endpoints (/health, /metrics).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/auth"
	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/detect"
	"github.com/apiwatch/backend/internal/engine"
	"github.com/apiwatch/backend/internal/fabric"
	"github.com/apiwatch/backend/internal/middleware"
	"github.com/apiwatch/backend/internal/monitoring"
	"github.com/apiwatch/backend/internal/store"
)

// Analyzer is the detection pipeline as the handlers see it. Satisfied by
// *engine.Engine; faked in tests.
type Analyzer interface {
	Analyze(ctx context.Context, rec *detect.Record) engine.Result
	Reconfigure(settings map[string]config.DetectorSettings)
	DropModel(apiID int64)
}

var _ Analyzer = (*engine.Engine)(nil)

// Options carries the server's collaborators.
type Options struct {
	Store    *store.Store
	Issuer   *auth.TokenIssuer
	Box      *auth.SecretBox
	Engine   Analyzer
	Hub      *fabric.Hub
	Bus      *fabric.Bus
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Config   *config.Config
	Log      *zap.Logger
}

// Server owns the router and all HTTP handlers.
type Server struct {
	store    *store.Store
	issuer   *auth.TokenIssuer
	box      *auth.SecretBox
	engine   Analyzer
	hub      *fabric.Hub
	bus      *fabric.Bus
	metrics  *monitoring.Metrics
	gatherer prometheus.Gatherer
	cfg      *config.Config
	log      *zap.Logger
}

func NewServer(opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		store:    opts.Store,
		issuer:   opts.Issuer,
		box:      opts.Box,
		engine:   opts.Engine,
		hub:      opts.Hub,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		cfg:      opts.Config,
		log:      opts.Log.Named("api"),
	}
}

// Router builds the full route table. Registration order matters: the open
// endpoints are mounted before the authenticated /api subrouter so they are
// matched first.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(
		middleware.Recover(s.log),
		middleware.Logging(s.log),
		middleware.CORS(s.cfg.Server.CORSOrigins),
	)

	// Open surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws/live", s.hub.ServeWS)
	r.HandleFunc("/api/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	// Authenticated control plane.
	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(middleware.Authenticate(s.issuer))

	protected.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	protected.HandleFunc("/apis", s.handleCreateAPI).Methods(http.MethodPost)
	protected.HandleFunc("/apis", s.handleListAPIs).Methods(http.MethodGet)
	protected.HandleFunc("/apis/{id:[0-9]+}", s.handleGetAPI).Methods(http.MethodGet)
	protected.HandleFunc("/apis/{id:[0-9]+}", s.handleUpdateAPI).Methods(http.MethodPut)
	protected.HandleFunc("/apis/{id:[0-9]+}", s.handleDeleteAPI).Methods(http.MethodDelete)

	protected.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	protected.HandleFunc("/alerts/{id:[0-9]+}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	protected.HandleFunc("/alerts/{id:[0-9]+}/mute", s.handleMuteAlert).Methods(http.MethodPost)
	protected.HandleFunc("/alerts/{id:[0-9]+}/unmute", s.handleUnmuteAlert).Methods(http.MethodPost)

	protected.HandleFunc("/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)
	protected.HandleFunc("/metrics/logs", s.handleMetricsLogs).Methods(http.MethodGet)

	protected.HandleFunc("/profile", s.handleGetProfile).Methods(http.MethodGet)
	protected.HandleFunc("/profile", s.handleUpdateProfile).Methods(http.MethodPut)
	protected.HandleFunc("/profile/password", s.handleChangePassword).Methods(http.MethodPost)

	admin := protected.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)

	admin.HandleFunc("/blacklist", s.handleListBlacklist).Methods(http.MethodGet)
	admin.HandleFunc("/blacklist", s.handleAddBlacklist).Methods(http.MethodPost)
	admin.HandleFunc("/blacklist/{ip}", s.handleRemoveBlacklist).Methods(http.MethodDelete)
	admin.HandleFunc("/whitelist", s.handleListWhitelist).Methods(http.MethodGet)
	admin.HandleFunc("/whitelist", s.handleAddWhitelist).Methods(http.MethodPost)
	admin.HandleFunc("/whitelist/{ip}", s.handleRemoveWhitelist).Methods(http.MethodDelete)
	admin.HandleFunc("/detectors", s.handleListDetectors).Methods(http.MethodGet)
	admin.HandleFunc("/detectors/{name}", s.handleUpdateDetector).Methods(http.MethodPut)
	admin.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check: database unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
