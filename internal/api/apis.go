package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/store"
)

type createAPIRequest struct {
	Name    string  `json:"name"`
	BaseURL *string `json:"base_url"`
	Secret  *string `json:"secret"`
}

type updateAPIRequest struct {
	Name     *string `json:"name"`
	BaseURL  *string `json:"base_url"`
	IsActive *bool   `json:"is_active"`
}

// apiResponse adds the one-time plaintext ingest key to the stored record.
// Only the create handler uses it; the key is never returned again.
type apiResponse struct {
	store.API
	APIKey string `json:"api_key"`
}

func (s *Server) handleCreateAPI(w http.ResponseWriter, r *http.Request) {
	var req createAPIRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeDetail(w, http.StatusBadRequest, "Name is required")
		return
	}

	var encrypted *string
	if req.Secret != nil && *req.Secret != "" {
		sealed, err := s.box.Seal(*req.Secret)
		if err != nil {
			s.log.Error("seal api secret", zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		encrypted = &sealed
	}

	claims := s.claims(r)
	apiKey := uuid.NewString()
	api, err := s.store.CreateAPI(r.Context(), claims.UserID, req.Name, apiKey, encrypted, req.BaseURL)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeDetail(w, http.StatusConflict, "An API with this name already exists")
			return
		}
		s.log.Error("create api", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, "api.create", "apis", map[string]interface{}{
		"api_id": api.ID,
		"name":   api.Name,
	})
	writeJSON(w, http.StatusCreated, apiResponse{API: *api, APIKey: api.APIKey})
}

func (s *Server) handleListAPIs(w http.ResponseWriter, r *http.Request) {
	claims := s.claims(r)

	var (
		apis []store.API
		err  error
	)
	if claims.IsAdmin {
		apis, err = s.store.ListAPIs(r.Context())
	} else {
		apis, err = s.store.APIsByUser(r.Context(), claims.UserID)
	}
	if err != nil {
		s.log.Error("list apis", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, apis)
}

// ownedAPI loads an API and enforces ownership. Foreign-owned registrations
// are indistinguishable from missing ones.
func (s *Server) ownedAPI(w http.ResponseWriter, r *http.Request) (*store.API, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "API not found")
		return nil, false
	}

	api, err := s.store.APIByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "API not found")
			return nil, false
		}
		s.log.Error("load api", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}

	claims := s.claims(r)
	if api.UserID != claims.UserID && !claims.IsAdmin {
		writeDetail(w, http.StatusNotFound, "API not found")
		return nil, false
	}
	return api, true
}

func (s *Server) handleGetAPI(w http.ResponseWriter, r *http.Request) {
	api, ok := s.ownedAPI(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api)
}

func (s *Server) handleUpdateAPI(w http.ResponseWriter, r *http.Request) {
	api, ok := s.ownedAPI(w, r)
	if !ok {
		return
	}

	var req updateAPIRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	upd := store.APIUpdate{Name: req.Name, BaseURL: req.BaseURL, IsActive: req.IsActive}
	if err := s.store.UpdateAPI(r.Context(), api.ID, upd); err != nil {
		s.log.Error("update api", zap.Int64("api_id", api.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	updated, err := s.store.APIByID(r.Context(), api.ID)
	if err != nil {
		s.log.Error("reload api", zap.Int64("api_id", api.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, "api.update", "apis", map[string]interface{}{"api_id": api.ID})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAPI(w http.ResponseWriter, r *http.Request) {
	api, ok := s.ownedAPI(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteAPI(r.Context(), api.ID); err != nil {
		s.log.Error("delete api", zap.Int64("api_id", api.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.engine.DropModel(api.ID)

	s.audit(r, "api.delete", "apis", map[string]interface{}{
		"api_id": api.ID,
		"name":   api.Name,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
