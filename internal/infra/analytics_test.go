package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

type capturedRequest struct {
	method string
	query  string
	auth   string
	body   map[string]any
}

func newAnalyticsServer(t *testing.T, status int) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, analyticsPath, r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		requests <- capturedRequest{
			method: r.Method,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func startReplicator(t *testing.T, cfg AnalyticsConfig) *AnalyticsReplicator {
	t.Helper()
	r := NewAnalyticsReplicator(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func receive(t *testing.T, ch <-chan capturedRequest) capturedRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return capturedRequest{}
	}
}

func TestAnalyticsReplicator_SessionStartAndEnd(t *testing.T) {
	srv, requests := newAnalyticsServer(t, http.StatusCreated)
	r := startReplicator(t, AnalyticsConfig{BaseURL: srv.URL + "/", APIKey: "secret", VenueID: "venue-7"})

	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	r.SessionStarted(domain.SessionRecord{ID: "s1", GameID: "1", StartTime: start, DurationSeconds: 600, RFIDTag: "A1"})

	req := receive(t, requests)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "Bearer secret", req.auth)
	assert.Equal(t, "s1", req.body["session_id"])
	assert.Equal(t, "venue-7", req.body["venue_id"])
	assert.Equal(t, 150.0, req.body["amount_paid"])
	assert.Equal(t, "2026-03-01T14:00:00Z", req.body["start_time"])
	assert.Equal(t, "active", req.body["status"])

	end := start.Add(7 * time.Minute)
	rating := 5
	r.SessionEnded(domain.SessionRecord{ID: "s1", GameID: "1", EndTime: &end, ActualSeconds: 420, Rating: &rating})

	req = receive(t, requests)
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Equal(t, "session_id=eq.s1", req.query)
	assert.Equal(t, 420.0, req.body["duration_seconds"])
	assert.Equal(t, 5.0, req.body["rating"])
	assert.Equal(t, "completed", req.body["status"])
}

func TestAnalyticsReplicator_SendReportsHTTPErrors(t *testing.T) {
	srv, _ := newAnalyticsServer(t, http.StatusUnauthorized)
	r := NewAnalyticsReplicator(AnalyticsConfig{BaseURL: srv.URL}, zap.NewNop())

	err := r.send(context.Background(), analyticsJob{method: http.MethodPost, body: map[string]string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestAnalyticsReplicator_DropsWhenQueueFull(t *testing.T) {
	r := NewAnalyticsReplicator(AnalyticsConfig{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	for i := 0; i < analyticsQueueSize+5; i++ {
		r.SessionStarted(domain.SessionRecord{ID: "s"})
	}
	assert.Len(t, r.queue, analyticsQueueSize)
}

func TestSessionPrice(t *testing.T) {
	tests := []struct {
		seconds int
		want    float64
	}{
		{seconds: 60, want: 100},
		{seconds: 300, want: 100},
		{seconds: 301, want: 150},
		{seconds: 900, want: 200},
		{seconds: 1200, want: 220},
		{seconds: 3600, want: 250},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SessionPrice(tt.seconds), "duration %d", tt.seconds)
	}
}

func TestAnalyticsConfig_Enabled(t *testing.T) {
	assert.False(t, AnalyticsConfig{}.Enabled())
	assert.True(t, AnalyticsConfig{BaseURL: "https://example.test"}.Enabled())
}
