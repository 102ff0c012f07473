package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/auth"
	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/detect"
	"github.com/apiwatch/backend/internal/engine"
	"github.com/apiwatch/backend/internal/fabric"
	"github.com/apiwatch/backend/internal/monitoring"
	"github.com/apiwatch/backend/internal/store"
)

// fakeAnalyzer stands in for the detection engine.
type fakeAnalyzer struct {
	mu           sync.Mutex
	result       engine.Result
	analyzed     []*detect.Record
	reconfigured []map[string]config.DetectorSettings
	dropped      []int64
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, rec *detect.Record) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed = append(f.analyzed, rec)
	return f.result
}

func (f *fakeAnalyzer) Reconfigure(settings map[string]config.DetectorSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigured = append(f.reconfigured, settings)
}

func (f *fakeAnalyzer) DropModel(apiID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, apiID)
}

func (f *fakeAnalyzer) analyzeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.analyzed)
}

type testServer struct {
	srv      *Server
	router   http.Handler
	mock     sqlmock.Sqlmock
	analyzer *fakeAnalyzer
	issuer   *auth.TokenIssuer
	bus      *fabric.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	log := zap.NewNop()
	st := store.New(db, log)

	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	box, err := auth.NewSecretBox("")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Database.URL = "postgres://test"
	cfg.JWT.Secret = "test-secret"

	bus := fabric.NewBus()
	hub := fabric.NewHub(bus, log)
	analyzer := &fakeAnalyzer{}
	reg := prometheus.NewRegistry()

	srv := NewServer(Options{
		Store:    st,
		Issuer:   issuer,
		Box:      box,
		Engine:   analyzer,
		Hub:      hub,
		Bus:      bus,
		Metrics:  monitoring.NewMetrics(reg),
		Gatherer: reg,
		Config:   cfg,
		Log:      log,
	})

	return &testServer{
		srv:      srv,
		router:   srv.Router(),
		mock:     mock,
		analyzer: analyzer,
		issuer:   issuer,
		bus:      bus,
	}
}

func (ts *testServer) token(t *testing.T, userID int64, username string, admin bool) string {
	t.Helper()
	token, err := ts.issuer.Issue(userID, username, admin)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst))
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "is_admin", "created_at"})
}

func apiRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "name", "api_key", "encrypted_secret", "base_url", "is_active", "created_at"})
}

func alertRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "api_id", "log_id", "alert_type", "severity", "risk_score", "title", "description",
		"detection_details", "acknowledged", "muted", "acknowledged_by", "acknowledged_at", "created_at",
	})
}

func expectAudit(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_logs`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestRegisterIssuesToken(t *testing.T) {
	ts := newTestServer(t)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnRows(userRows().AddRow(int64(1), "alice", "a@example.com", "hash", false, time.Now()))
	expectAudit(ts.mock)

	rr := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "a@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp tokenResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "bearer", resp.TokenType)

	claims, err := ts.issuer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "a@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterDuplicate(t *testing.T) {
	ts := newTestServer(t)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(errUnique{})

	rr := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "a@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	var resp map[string]string
	decodeBody(t, rr, &resp)
	assert.Equal(t, "Username or email already registered", resp["detail"])
}

// errUnique mimics the driver's unique-violation error.
type errUnique struct{}

func (errUnique) Error() string    { return "duplicate key value" }
func (errUnique) SQLState() string { return "23505" }

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)

	// Wrong password.
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE username = $1`)).
		WithArgs("alice").
		WillReturnRows(userRows().AddRow(int64(1), "alice", "a@example.com", hash, false, time.Now()))
	rr := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Right password.
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE username = $1`)).
		WithArgs("alice").
		WillReturnRows(userRows().AddRow(int64(1), "alice", "a@example.com", hash, true, time.Now()))
	rr = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp tokenResponse
	decodeBody(t, rr, &resp)
	claims, err := ts.issuer.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/apis", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/apis", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateAPIReturnsOneTimeKey(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO apis`)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "key-one-time", nil, nil, true, time.Now()))
	expectAudit(ts.mock)

	rr := ts.do(t, http.MethodPost, "/api/apis", token, map[string]string{
		"name":   "payments",
		"secret": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp map[string]interface{}
	decodeBody(t, rr, &resp)
	assert.Equal(t, "key-one-time", resp["api_key"])
	assert.Equal(t, "payments", resp["name"])
	// The encrypted secret never leaves the server.
	assert.NotContains(t, resp, "encrypted_secret")
}

func TestGetForeignAPIIs404(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(99), "theirs", "k", nil, nil, true, time.Now()))

	rr := ts.do(t, http.MethodGet, "/api/apis/7", token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteAPIDropsModel(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "k", nil, nil, true, time.Now()))
	ts.mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM apis WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(ts.mock)

	rr := ts.do(t, http.MethodDelete, "/api/apis/7", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []int64{7}, ts.analyzer.dropped)
}

func TestListAlertsScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "k", nil, nil, true, time.Now()))
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM alerts WHERE api_id = ANY($1)`)).
		WillReturnRows(alertRows().AddRow(
			int64(5), int64(7), nil, "rate_limit", "medium", 7.0, "t", "d", nil,
			false, false, nil, nil, time.Now()))

	rr := ts.do(t, http.MethodGet, "/api/alerts", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var alerts []store.Alert
	decodeBody(t, rr, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(7), alerts[0].APIID)

	// Asking for an API the caller does not own is a 404, not a filter.
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "k", nil, nil, true, time.Now()))
	rr = ts.do(t, http.MethodGet, "/api/alerts?api_id=9", token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAcknowledgeAlert(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM alerts WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(alertRows().AddRow(
			int64(5), int64(7), nil, "rate_limit", "medium", 7.0, "t", "d", nil,
			false, false, nil, nil, time.Now()))
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "k", nil, nil, true, time.Now()))
	ts.mock.ExpectExec(regexp.QuoteMeta(`UPDATE alerts`)).
		WithArgs(int64(5), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	now := time.Now()
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM alerts WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(alertRows().AddRow(
			int64(5), int64(7), nil, "rate_limit", "medium", 7.0, "t", "d", nil,
			true, false, "alice", now, now))
	expectAudit(ts.mock)

	rr := ts.do(t, http.MethodPost, "/api/alerts/5/acknowledge", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var alert store.Alert
	decodeBody(t, rr, &alert)
	assert.True(t, alert.Acknowledged)
	require.NotNil(t, alert.AcknowledgedBy)
	assert.Equal(t, "alice", *alert.AcknowledgedBy)
}

func TestAdminGate(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	rr := ts.do(t, http.MethodGet, "/api/admin/blacklist", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAddBlacklistEntry(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "root", true)

	rr := ts.do(t, http.MethodPost, "/api/admin/blacklist", token, map[string]string{
		"ip": "not-an-ip",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO ip_blacklist`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ip", "reason", "added_by", "expires_at", "created_at"}).
			AddRow(int64(1), "1.2.3.4", "abuse", "root", nil, time.Now()))
	expectAudit(ts.mock)

	rr = ts.do(t, http.MethodPost, "/api/admin/blacklist", token, map[string]string{
		"ip":     "1.2.3.4",
		"reason": "abuse",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var entry store.IPListEntry
	decodeBody(t, rr, &entry)
	assert.Equal(t, "1.2.3.4", entry.IP)
}

func TestUpdateDetectorHotApplies(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "root", true)

	detectorCols := []string{"detector", "enabled", "threshold", "weight", "window_seconds", "min_samples", "updated_at"}
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM detector_configs WHERE detector = $1`)).
		WithArgs("rate_limit").
		WillReturnRows(sqlmock.NewRows(detectorCols).
			AddRow("rate_limit", true, 100.0, 7.0, 60, 0, time.Now()))
	ts.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO detector_configs`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM detector_configs ORDER BY detector`)).
		WillReturnRows(sqlmock.NewRows(detectorCols).
			AddRow("rate_limit", true, 250.0, 7.0, 60, 0, time.Now()))
	expectAudit(ts.mock)

	rr := ts.do(t, http.MethodPut, "/api/admin/detectors/rate_limit", token, map[string]interface{}{
		"threshold": 250.0,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, ts.analyzer.reconfigured, 1)
	applied := ts.analyzer.reconfigured[0]
	assert.Equal(t, 250.0, applied[config.DetectorRateLimit].Threshold)
	// Detectors without a persisted row keep their configured defaults.
	assert.True(t, applied[config.DetectorAttackSignature].Enabled)

	rr = ts.do(t, http.MethodPut, "/api/admin/detectors/bogus", token, map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsSummary(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM apis WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(apiRows().AddRow(int64(7), int64(1), "payments", "k", nil, nil, true, time.Now()))
	ts.mock.ExpectQuery(`total_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"total_requests", "error_requests", "suspicious_count", "avg_latency_ms", "unique_ips"}).
			AddRow(200, 50, 3, 120.5, 12))
	ts.mock.ExpectQuery(regexp.QuoteMeta(`SELECT severity, COUNT(*) FROM alerts`)).
		WillReturnRows(sqlmock.NewRows([]string{"severity", "count"}).
			AddRow("medium", 2).AddRow("critical", 1))

	rr := ts.do(t, http.MethodGet, "/api/metrics/summary?api_id=7&hours=6", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]interface{}
	decodeBody(t, rr, &resp)
	assert.Equal(t, 200.0, resp["total_requests"])
	assert.Equal(t, 0.25, resp["error_rate"])
	alerts := resp["alerts"].(map[string]interface{})
	assert.Equal(t, 1.0, alerts["critical"])
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, 1, "alice", false)

	hash, err := auth.HashPassword("actual-password")
	require.NoError(t, err)
	ts.mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(userRows().AddRow(int64(1), "alice", "a@example.com", hash, false, time.Now()))

	rr := ts.do(t, http.MethodPost, "/api/profile/password", token, map[string]string{
		"current_password": "wrong",
		"new_password":     "new-password-1",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	decodeBody(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
}
