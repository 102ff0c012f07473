package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ownsAPI reports whether the caller may read data for apiID.
func (s *Server) ownsAPI(r *http.Request, apiID int64) (bool, error) {
	owned, err := s.ownedAPIIDs(r)
	if err != nil {
		return false, err
	}
	for _, id := range owned {
		if id == apiID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	apiID := int64(queryInt(r, "api_id", 0))
	if apiID <= 0 {
		writeDetail(w, http.StatusBadRequest, "api_id is required")
		return
	}

	ok, err := s.ownsAPI(r, apiID)
	if err != nil {
		s.log.Error("check api ownership", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "API not found")
		return
	}

	hours := queryInt(r, "hours", 24)
	if hours <= 0 {
		hours = 24
	}
	sinceTime := time.Now().Add(-time.Duration(hours) * time.Hour)
	since := float64(sinceTime.UnixNano()) / 1e9

	summary, err := s.store.Summary(r.Context(), apiID, since)
	if err != nil {
		s.log.Error("traffic summary", zap.Int64("api_id", apiID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	alertCounts, err := s.store.AlertSeverityCounts(r.Context(), apiID, sinceTime)
	if err != nil {
		s.log.Error("alert severity counts", zap.Int64("api_id", apiID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	errorRate := 0.0
	if summary.TotalRequests > 0 {
		errorRate = float64(summary.ErrorRequests) / float64(summary.TotalRequests)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_id":           apiID,
		"hours":            hours,
		"total_requests":   summary.TotalRequests,
		"error_requests":   summary.ErrorRequests,
		"error_rate":       errorRate,
		"avg_latency_ms":   summary.AvgLatencyMS,
		"suspicious_count": summary.SuspiciousCount,
		"unique_ips":       summary.UniqueIPs,
		"alerts":           alertCounts,
	})
}

func (s *Server) handleMetricsLogs(w http.ResponseWriter, r *http.Request) {
	apiID := int64(queryInt(r, "api_id", 0))
	if apiID <= 0 {
		writeDetail(w, http.StatusBadRequest, "api_id is required")
		return
	}

	ok, err := s.ownsAPI(r, apiID)
	if err != nil {
		s.log.Error("check api ownership", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "API not found")
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	suspiciousOnly := false
	if b := queryBool(r, "suspicious_only"); b != nil {
		suspiciousOnly = *b
	}

	logs, err := s.store.RecentLogs(r.Context(), apiID, limit, suspiciousOnly)
	if err != nil {
		s.log.Error("recent logs", zap.Int64("api_id", apiID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
