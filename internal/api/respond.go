package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/auth"
	"github.com/apiwatch/backend/internal/middleware"
	"github.com/apiwatch/backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail emits the uniform error shape every endpoint uses.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeJSON parses the request body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// claims returns the authenticated claims; the Authenticate middleware
// guarantees presence on protected routes.
func (s *Server) claims(r *http.Request) *auth.Claims {
	c, _ := middleware.ClaimsFrom(r.Context())
	return c
}

// pathID parses the numeric {id} route variable.
func pathID(r *http.Request, name string) (int64, bool) {
	v, ok := mux.Vars(r)[name]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// clientIP extracts the caller's address, honouring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// audit appends a control-plane audit row. Failures are logged and never fail
// the mutation that triggered them.
func (s *Server) audit(r *http.Request, action, resource string, detail interface{}) {
	entry := &store.AuditEntry{
		Action:   action,
		Resource: resource,
	}
	if c, ok := middleware.ClaimsFrom(r.Context()); ok {
		uid := c.UserID
		entry.UserID = &uid
	}
	ip := clientIP(r)
	if ip != "" {
		entry.ClientIP = &ip
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			entry.Detail = raw
		}
	}

	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.log.Warn("audit append failed",
			zap.String("action", action),
			zap.Error(err))
	}
}
