package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

const (
	analyticsPath      = "/rest/v1/session_tracking"
	analyticsTimeout   = 10 * time.Second
	analyticsQueueSize = 64
)

// AnalyticsConfig configures remote session replication.
type AnalyticsConfig struct {
	BaseURL string
	APIKey  string
	VenueID string
}

// Enabled reports whether a remote endpoint is configured.
func (c AnalyticsConfig) Enabled() bool {
	return c.BaseURL != ""
}

type sessionStartPayload struct {
	SessionID     string  `json:"session_id"`
	GameID        string  `json:"game_id"`
	VenueID       string  `json:"venue_id,omitempty"`
	PaymentMethod string  `json:"payment_method"`
	AmountPaid    float64 `json:"amount_paid"`
	RFIDTag       string  `json:"rfid_tag,omitempty"`
	StartTime     string  `json:"start_time"`
	Status        string  `json:"status"`
}

type sessionEndPayload struct {
	EndTime         string `json:"end_time"`
	DurationSeconds int    `json:"duration_seconds"`
	Status          string `json:"status"`
	Rating          *int   `json:"rating,omitempty"`
}

type analyticsJob struct {
	method string
	query  url.Values
	body   any
	sessID string
}

// AnalyticsReplicator pushes session starts and ends to a remote REST endpoint.
// Delivery is one-way and best effort: a full queue or a failed request is logged and dropped.
type AnalyticsReplicator struct {
	config AnalyticsConfig
	client *http.Client
	queue  chan analyticsJob
	logger *zap.Logger
}

// NewAnalyticsReplicator creates a replicator. Call Run to start delivery.
func NewAnalyticsReplicator(config AnalyticsConfig, logger *zap.Logger) *AnalyticsReplicator {
	return &AnalyticsReplicator{
		config: config,
		client: &http.Client{Timeout: analyticsTimeout},
		queue:  make(chan analyticsJob, analyticsQueueSize),
		logger: logger,
	}
}

// SessionPrice maps a session length to the venue's price tier.
func SessionPrice(durationSeconds int) float64 {
	switch {
	case durationSeconds <= 300:
		return 100
	case durationSeconds <= 600:
		return 150
	case durationSeconds <= 900:
		return 200
	case durationSeconds <= 1200:
		return 220
	default:
		return 250
	}
}

// SessionStarted queues a POST of the new session.
func (r *AnalyticsReplicator) SessionStarted(rec domain.SessionRecord) {
	r.enqueue(analyticsJob{
		method: http.MethodPost,
		sessID: rec.ID,
		body: sessionStartPayload{
			SessionID:     rec.ID,
			GameID:        rec.GameID,
			VenueID:       r.config.VenueID,
			PaymentMethod: "rfid",
			AmountPaid:    SessionPrice(rec.DurationSeconds),
			RFIDTag:       rec.RFIDTag,
			StartTime:     rec.StartTime.UTC().Format(time.RFC3339),
			Status:        domain.SessionStatusActive,
		},
	})
}

// SessionEnded queues a PATCH completing the session.
func (r *AnalyticsReplicator) SessionEnded(rec domain.SessionRecord) {
	end := time.Now()
	if rec.EndTime != nil {
		end = *rec.EndTime
	}
	r.enqueue(analyticsJob{
		method: http.MethodPatch,
		sessID: rec.ID,
		query:  url.Values{"session_id": []string{"eq." + rec.ID}},
		body: sessionEndPayload{
			EndTime:         end.UTC().Format(time.RFC3339),
			DurationSeconds: rec.ActualSeconds,
			Status:          domain.SessionStatusCompleted,
			Rating:          rec.Rating,
		},
	})
}

func (r *AnalyticsReplicator) enqueue(job analyticsJob) {
	select {
	case r.queue <- job:
	default:
		r.logger.Warn("analytics queue full, dropping update",
			zap.String("session_id", job.sessID),
			zap.String("method", job.method))
	}
}

// Run delivers queued updates until ctx is canceled.
func (r *AnalyticsReplicator) Run(ctx context.Context) error {
	r.logger.Info("analytics replication started", zap.String("url", r.config.BaseURL))
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.queue:
			if err := r.send(ctx, job); err != nil {
				r.logger.Error("analytics replication failed",
					zap.String("session_id", job.sessID),
					zap.String("method", job.method),
					zap.Error(err))
			}
		}
	}
}

func (r *AnalyticsReplicator) send(ctx context.Context, job analyticsJob) error {
	payload, err := json.Marshal(job.body)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	endpoint := strings.TrimRight(r.config.BaseURL, "/") + analyticsPath
	if len(job.query) > 0 {
		endpoint += "?" + job.query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, analyticsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, job.method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vrkiosk")
	if r.config.APIKey != "" {
		req.Header.Set("apikey", r.config.APIKey)
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	r.logger.Debug("session replicated", zap.String("session_id", job.sessID), zap.String("method", job.method))
	return nil
}

// NopAnalytics discards replication when no endpoint is configured.
type NopAnalytics struct{}

func (NopAnalytics) SessionStarted(domain.SessionRecord) {}
func (NopAnalytics) SessionEnded(domain.SessionRecord)   {}

var (
	_ domain.AnalyticsSink = (*AnalyticsReplicator)(nil)
	_ domain.AnalyticsSink = NopAnalytics{}
)
