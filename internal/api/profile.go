package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/auth"
	"github.com/apiwatch/backend/internal/store"
)

type updateProfileRequest struct {
	Email *string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.handleMe(w, r)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	claims := s.claims(r)
	if req.Email != nil && *req.Email != "" {
		if err := s.store.UpdateUserEmail(r.Context(), claims.UserID, *req.Email); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				writeDetail(w, http.StatusConflict, "Email already in use")
				return
			}
			s.log.Error("update email", zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		s.audit(r, "profile.update", "users", map[string]interface{}{"email": *req.Email})
	}

	user, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error("load user", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		writeDetail(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	claims := s.claims(r)
	user, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error("load user", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		writeDetail(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.log.Error("hash password", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := s.store.UpdateUserPassword(r.Context(), user.ID, hash); err != nil {
		s.log.Error("update password", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.audit(r, "profile.password", "users", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}
