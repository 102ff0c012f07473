package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/store"
)

// ownedAPIIDs returns the IDs the caller may see alerts for. Admins see
// everything.
func (s *Server) ownedAPIIDs(r *http.Request) ([]int64, error) {
	claims := s.claims(r)
	if claims.IsAdmin {
		return s.store.APIIDs(r.Context())
	}

	apis, err := s.store.APIsByUser(r.Context(), claims.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(apis))
	for _, a := range apis {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	owned, err := s.ownedAPIIDs(r)
	if err != nil {
		s.log.Error("list owned apis", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	filter := store.AlertFilter{
		APIIDs:       owned,
		Severity:     r.URL.Query().Get("severity"),
		Acknowledged: queryBool(r, "acknowledged"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}

	if apiID := queryInt(r, "api_id", 0); apiID > 0 {
		found := false
		for _, id := range owned {
			if id == int64(apiID) {
				found = true
				break
			}
		}
		if !found {
			writeDetail(w, http.StatusNotFound, "API not found")
			return
		}
		filter.APIIDs = []int64{int64(apiID)}
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.log.Error("list alerts", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// ownedAlert loads an alert and enforces ownership via its API.
func (s *Server) ownedAlert(w http.ResponseWriter, r *http.Request) (*store.Alert, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Alert not found")
		return nil, false
	}

	alert, err := s.store.AlertByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Alert not found")
			return nil, false
		}
		s.log.Error("load alert", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}

	claims := s.claims(r)
	if !claims.IsAdmin {
		api, err := s.store.APIByID(r.Context(), alert.APIID)
		if err != nil || api.UserID != claims.UserID {
			writeDetail(w, http.StatusNotFound, "Alert not found")
			return nil, false
		}
	}
	return alert, true
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.ownedAlert(w, r)
	if !ok {
		return
	}

	claims := s.claims(r)
	if err := s.store.AcknowledgeAlert(r.Context(), alert.ID, claims.Username); err != nil {
		s.log.Error("acknowledge alert", zap.Int64("alert_id", alert.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	updated, err := s.store.AlertByID(r.Context(), alert.ID)
	if err != nil {
		s.log.Error("reload alert", zap.Int64("alert_id", alert.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, "alert.acknowledge", "alerts", map[string]interface{}{"alert_id": alert.ID})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMuteAlert(w http.ResponseWriter, r *http.Request) {
	s.setAlertMuted(w, r, true)
}

func (s *Server) handleUnmuteAlert(w http.ResponseWriter, r *http.Request) {
	s.setAlertMuted(w, r, false)
}

func (s *Server) setAlertMuted(w http.ResponseWriter, r *http.Request, muted bool) {
	alert, ok := s.ownedAlert(w, r)
	if !ok {
		return
	}

	if err := s.store.SetAlertMuted(r.Context(), alert.ID, muted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Alert not found")
			return
		}
		s.log.Error("set alert muted", zap.Int64("alert_id", alert.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	updated, err := s.store.AlertByID(r.Context(), alert.ID)
	if err != nil {
		s.log.Error("reload alert", zap.Int64("alert_id", alert.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	action := "alert.mute"
	if !muted {
		action = "alert.unmute"
	}
	s.audit(r, action, "alerts", map[string]interface{}{"alert_id": alert.ID})
	writeJSON(w, http.StatusOK, updated)
}
