package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/store"
)

type ipListRequest struct {
	IP        string     `json:"ip"`
	Reason    *string    `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	s.listIPEntries(w, r, true)
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	s.addIPEntry(w, r, true)
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	s.removeIPEntry(w, r, true)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	s.listIPEntries(w, r, false)
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	s.addIPEntry(w, r, false)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	s.removeIPEntry(w, r, false)
}

func listName(blacklist bool) string {
	if blacklist {
		return "blacklist"
	}
	return "whitelist"
}

func (s *Server) listIPEntries(w http.ResponseWriter, r *http.Request, blacklist bool) {
	entries, err := s.store.ListIPEntries(r.Context(), blacklist)
	if err != nil {
		s.log.Error("list ip entries", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) addIPEntry(w http.ResponseWriter, r *http.Request, blacklist bool) {
	var req ipListRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if net.ParseIP(req.IP) == nil {
		writeDetail(w, http.StatusBadRequest, "Invalid IP address")
		return
	}

	claims := s.claims(r)
	entry, err := s.store.AddIPListEntry(r.Context(), blacklist, req.IP, req.Reason, &claims.Username, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeDetail(w, http.StatusConflict, "IP is already listed")
			return
		}
		s.log.Error("add ip entry", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, listName(blacklist)+".add", "ip_"+listName(blacklist), map[string]interface{}{"ip": req.IP})
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) removeIPEntry(w http.ResponseWriter, r *http.Request, blacklist bool) {
	ip := mux.Vars(r)["ip"]
	if err := s.store.RemoveIPListEntry(r.Context(), blacklist, ip); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "IP not found")
			return
		}
		s.log.Error("remove ip entry", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, listName(blacklist)+".remove", "ip_"+listName(blacklist), map[string]interface{}{"ip": ip})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListDetectors(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListDetectorConfigs(r.Context())
	if err != nil {
		s.log.Error("list detector configs", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type detectorUpdateRequest struct {
	Enabled       *bool    `json:"enabled"`
	Threshold     *float64 `json:"threshold"`
	Weight        *float64 `json:"weight"`
	WindowSeconds *int     `json:"window_seconds"`
	MinSamples    *int     `json:"min_samples"`
}

var knownDetectors = map[string]bool{
	config.DetectorRateLimit:       true,
	config.DetectorIPBlacklist:     true,
	config.DetectorAttackSignature: true,
	config.DetectorErrorRate:       true,
	config.DetectorLatencySpike:    true,
	config.DetectorMLAnomaly:       true,
}

// handleUpdateDetector persists the tuned configuration and hot-applies it to
// the running engine.
func (s *Server) handleUpdateDetector(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !knownDetectors[name] {
		writeDetail(w, http.StatusNotFound, "Unknown detector")
		return
	}

	var req detectorUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	row, err := s.store.DetectorConfig(r.Context(), name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("load detector config", zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		// Not yet persisted; start from the configured defaults.
		d := s.cfg.Detection.Detector(name)
		row = &store.DetectorConfigRow{
			Detector:      name,
			Enabled:       d.Enabled,
			Threshold:     d.Threshold,
			Weight:        d.Weight,
			WindowSeconds: d.WindowSeconds,
			MinSamples:    d.MinSamples,
		}
	}

	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}
	if req.Threshold != nil {
		row.Threshold = *req.Threshold
	}
	if req.Weight != nil {
		row.Weight = *req.Weight
	}
	if req.WindowSeconds != nil {
		row.WindowSeconds = *req.WindowSeconds
	}
	if req.MinSamples != nil {
		row.MinSamples = *req.MinSamples
	}

	if err := s.store.UpsertDetectorConfig(r.Context(), *row); err != nil {
		s.log.Error("upsert detector config", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	settings, err := s.effectiveDetectorSettings(r)
	if err != nil {
		s.log.Error("load detector settings", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.engine.Reconfigure(settings)

	s.audit(r, "detector.update", "detector_configs", map[string]interface{}{
		"detector": name,
		"enabled":  row.Enabled,
	})
	writeJSON(w, http.StatusOK, row)
}

// effectiveDetectorSettings merges the persisted detector rows over the
// configured defaults.
func (s *Server) effectiveDetectorSettings(r *http.Request) (map[string]config.DetectorSettings, error) {
	settings := make(map[string]config.DetectorSettings, len(s.cfg.Detection.Detectors))
	for name, d := range s.cfg.Detection.Detectors {
		settings[name] = d
	}

	rows, err := s.store.ListDetectorConfigs(r.Context())
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		settings[row.Detector] = row.Settings()
	}
	return settings, nil
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.log.Error("list audit", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
