package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/store"
)

type recordedOutcome struct {
	alertID int64
	channel string
	status  string
	errMsg  *string
}

type fakeNotificationStore struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (f *fakeNotificationStore) InsertAlertNotification(ctx context.Context, alertID int64, channel, status string, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, recordedOutcome{alertID: alertID, channel: channel, status: status, errMsg: errorMessage})
	return nil
}

func (f *fakeNotificationStore) snapshot() []recordedOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedOutcome(nil), f.outcomes...)
}

type fakeChannel struct {
	name string
	err  error

	mu    sync.Mutex
	sends []int64
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, alert *store.Alert) error {
	f.mu.Lock()
	f.sends = append(f.sends, alert.ID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) sent() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sends...)
}

func testAlert(id, apiID int64, kind string) *store.Alert {
	return &store.Alert{
		ID:          id,
		APIID:       apiID,
		AlertType:   kind,
		Severity:    store.SeverityCritical,
		RiskScore:   9.5,
		Title:       "CRITICAL: 2 threats detected",
		Description: "Attack signature detected: sql_injection; High request rate",
		CreatedAt:   time.Now(),
	}
}

func waitOutcomes(t *testing.T, st *fakeNotificationStore, n int) []recordedOutcome {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(st.snapshot()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return st.snapshot()
}

func TestDispatchFansOutAndRecordsOutcomes(t *testing.T) {
	st := &fakeNotificationStore{}
	email := &fakeChannel{name: store.ChannelEmail}
	webhook := &fakeChannel{name: store.ChannelWebhook, err: errors.New("boom")}

	svc := NewService(st, []Channel{email, webhook}, time.Minute, zap.NewNop())
	defer svc.Close()

	svc.Dispatch(testAlert(1, 10, "multi_threat"))

	outcomes := waitOutcomes(t, st, 2)
	byChannel := map[string]recordedOutcome{}
	for _, o := range outcomes {
		byChannel[o.channel] = o
	}

	require.Contains(t, byChannel, store.ChannelEmail)
	assert.Equal(t, store.NotificationSent, byChannel[store.ChannelEmail].status)
	assert.Nil(t, byChannel[store.ChannelEmail].errMsg)

	require.Contains(t, byChannel, store.ChannelWebhook)
	assert.Equal(t, store.NotificationFailed, byChannel[store.ChannelWebhook].status)
	require.NotNil(t, byChannel[store.ChannelWebhook].errMsg)
	assert.Contains(t, *byChannel[store.ChannelWebhook].errMsg, "boom")
}

func TestThrottleSuppressesRepeatsPerKind(t *testing.T) {
	st := &fakeNotificationStore{}
	ch := &fakeChannel{name: store.ChannelWebhook}

	svc := NewService(st, []Channel{ch}, 300*time.Second, zap.NewNop())
	defer svc.Close()

	var throttled int
	var mu sync.Mutex
	svc.OnThrottled = func() {
		mu.Lock()
		throttled++
		mu.Unlock()
	}

	// Two alerts, same (api, kind), inside the window: one notification.
	svc.Dispatch(testAlert(1, 10, "rate_limit"))
	svc.Dispatch(testAlert(2, 10, "rate_limit"))
	// Different kind and different api are independent.
	svc.Dispatch(testAlert(3, 10, "sql_injection"))
	svc.Dispatch(testAlert(4, 11, "rate_limit"))

	waitOutcomes(t, st, 3)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return throttled == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []int64{1, 3, 4}, ch.sent())
}

func TestThrottleExpires(t *testing.T) {
	st := &fakeNotificationStore{}
	ch := &fakeChannel{name: store.ChannelWebhook}

	svc := NewService(st, []Channel{ch}, 300*time.Second, zap.NewNop())
	defer svc.Close()

	current := time.Unix(1700000000, 0)
	var nowMu sync.Mutex
	svc.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return current
	}

	svc.Dispatch(testAlert(1, 10, "rate_limit"))
	waitOutcomes(t, st, 1)

	nowMu.Lock()
	current = current.Add(301 * time.Second)
	nowMu.Unlock()

	svc.Dispatch(testAlert(2, 10, "rate_limit"))
	waitOutcomes(t, st, 2)

	assert.Equal(t, []int64{1, 2}, ch.sent())
}

func TestWebhookChannelPostsSlackPayload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	require.NotNil(t, ch)
	require.NoError(t, ch.Send(context.Background(), testAlert(42, 7, "multi_threat")))

	var payload struct {
		Attachments []struct {
			Color  string `json:"color"`
			Title  string `json:"title"`
			Text   string `json:"text"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
				Short bool   `json:"short"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Len(t, payload.Attachments, 1)

	att := payload.Attachments[0]
	assert.Equal(t, "#dc3545", att.Color)
	assert.Equal(t, "CRITICAL: 2 threats detected", att.Title)
	assert.Contains(t, att.Text, "sql_injection")
	require.Len(t, att.Fields, 4)
	assert.Equal(t, "Severity", att.Fields[0].Title)
	assert.Equal(t, "critical", att.Fields[0].Value)
	assert.True(t, att.Fields[0].Short)
	assert.Equal(t, "Alert ID", att.Fields[2].Title)
	assert.Equal(t, "42", att.Fields[2].Value)
}

func TestWebhookChannelTreatsHTTPErrorAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), testAlert(1, 1, "rate_limit"))
	assert.Error(t, err)
}

func TestWebhookChannelNilWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhookChannel(""))
}

func TestEmailChannelDisabledConfigurations(t *testing.T) {
	assert.Nil(t, NewEmailChannel(config.SMTPConfig{Enabled: false, Host: "smtp.example.com", From: "a@b", To: "c@d"}))
	assert.Nil(t, NewEmailChannel(config.SMTPConfig{Enabled: true, From: "a@b", To: "c@d"}))
	assert.NotNil(t, NewEmailChannel(config.SMTPConfig{Enabled: true, Host: "smtp.example.com", Port: 587, From: "a@b", To: "c@d"}))
}

func TestEmailBodyUsesSeverityColour(t *testing.T) {
	critical := testAlert(1, 1, "rate_limit")
	assert.Contains(t, emailBody(critical), "#dc3545")

	medium := testAlert(2, 1, "rate_limit")
	medium.Severity = store.SeverityMedium
	assert.Contains(t, emailBody(medium), "#ffc107")
}

func TestQueueOverflowDropsInsteadOfBlocking(t *testing.T) {
	st := &fakeNotificationStore{}
	blocked := make(chan struct{})
	slow := &slowChannel{gate: blocked}

	svc := NewService(st, []Channel{slow}, time.Minute, zap.NewNop())

	// Saturate workers plus queue; extra dispatches must return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+defaultWorkers+50; i++ {
			svc.Dispatch(testAlert(int64(i+1), int64(i+1), "rate_limit"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(blocked)
	svc.Close()
}

type slowChannel struct {
	gate chan struct{}
}

func (s *slowChannel) Name() string { return "slow" }

func (s *slowChannel) Send(ctx context.Context, alert *store.Alert) error {
	<-s.gate
	return nil
}
