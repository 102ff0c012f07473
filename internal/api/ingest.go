package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/detect"
	"github.com/apiwatch/backend/internal/fabric"
	"github.com/apiwatch/backend/internal/store"
)

type ingestRequest struct {
	APIKey     string          `json:"api_key"`
	Timestamp  *float64        `json:"timestamp"`
	Method     string          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	ClientIP   string          `json:"client_ip"`
	StatusCode *int            `json:"status_code"`
	LatencyMS  *float64        `json:"latency_ms"`
	Headers    json.RawMessage `json:"headers"`
	BodySize   *int64          `json:"body_size"`
	UserAgent  *string         `json:"user_agent"`
}

// handleIngest is the telemetry hot path: resolve the key, persist the log,
// run detection, flag suspicion, broadcast, respond. Detection never blocks
// or fails this path; a rate-limit verdict becomes an alert, not a 429.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordIngest("invalid", time.Since(start))
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Method == "" || req.Endpoint == "" || req.ClientIP == "" {
		s.metrics.RecordIngest("invalid", time.Since(start))
		writeDetail(w, http.StatusBadRequest, "method, endpoint and client_ip are required")
		return
	}

	api, err := s.store.APIByKey(r.Context(), req.APIKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordIngest("unauthorized", time.Since(start))
			writeDetail(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		s.log.Error("resolve api key", zap.Error(err))
		s.metrics.RecordIngest("storage_error", time.Since(start))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !api.IsActive {
		s.metrics.RecordIngest("inactive", time.Since(start))
		writeDetail(w, http.StatusForbidden, "API monitoring is disabled")
		return
	}

	ts := float64(time.Now().UnixNano()) / 1e9
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	logRow := &store.RequestLog{
		APIID:      api.ID,
		Timestamp:  ts,
		Method:     req.Method,
		Endpoint:   req.Endpoint,
		ClientIP:   req.ClientIP,
		StatusCode: req.StatusCode,
		LatencyMS:  req.LatencyMS,
		Headers:    req.Headers,
		BodySize:   req.BodySize,
		UserAgent:  req.UserAgent,
	}
	logID, err := s.store.InsertRequestLog(r.Context(), logRow)
	if err != nil {
		s.log.Error("persist request log", zap.Int64("api_id", api.ID), zap.Error(err))
		s.metrics.RecordIngest("storage_error", time.Since(start))
		writeDetail(w, http.StatusInternalServerError, "Failed to store request log")
		return
	}

	rec := &detect.Record{
		LogID:      logID,
		APIID:      api.ID,
		Timestamp:  ts,
		Method:     req.Method,
		Endpoint:   req.Endpoint,
		ClientIP:   req.ClientIP,
		StatusCode: req.StatusCode,
		LatencyMS:  req.LatencyMS,
		BodySize:   req.BodySize,
	}
	if req.UserAgent != nil {
		rec.UserAgent = *req.UserAgent
	}
	if len(req.Headers) > 0 {
		rec.HeadersJSON = string(req.Headers)
	}

	res := s.engine.Analyze(r.Context(), rec)

	if res.Suspicious {
		if err := s.store.MarkSuspicious(r.Context(), logID); err != nil {
			s.log.Warn("mark suspicious", zap.Int64("log_id", logID), zap.Error(err))
		}
	}

	s.broadcastRequestLog(logID, rec, res.Suspicious, res.RiskScore)

	s.metrics.RecordIngest("success", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"log_id":        logID,
		"is_suspicious": res.Suspicious,
		"risk_score":    res.RiskScore,
	})
}

func (s *Server) broadcastRequestLog(logID int64, rec *detect.Record, suspicious bool, risk float64) {
	ev, err := fabric.NewEvent(fabric.EventRequestLog, map[string]interface{}{
		"id":            logID,
		"api_id":        rec.APIID,
		"timestamp":     rec.Timestamp,
		"method":        rec.Method,
		"endpoint":      rec.Endpoint,
		"client_ip":     rec.ClientIP,
		"status_code":   rec.StatusCode,
		"is_suspicious": suspicious,
		"risk_score":    risk,
	})
	if err != nil {
		s.log.Error("marshal request_log event", zap.Error(err))
		return
	}
	s.bus.Publish(ev)
}
