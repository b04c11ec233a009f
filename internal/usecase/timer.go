package usecase

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// WarningThresholds are the remaining-seconds marks announced to clients.
// Each fires at most once per session; 0 is the expiry itself.
var WarningThresholds = []int{300, 180, 60, 30, 0}

// DefaultTickInterval is the countdown resolution.
const DefaultTickInterval = time.Second

// TimerState is a consistent read of the session timer.
type TimerState struct {
	Active          bool
	SessionID       string
	GameID          string
	RFIDTag         string
	DurationSeconds int
	Remaining       int
	Elapsed         float64
	Paused          bool
	StartedAt       time.Time
}

// SessionTimer counts down one session at a time.
// Remaining time is always derived from the clock, never decremented, so
// pause/resume cycles cannot accumulate drift.
type SessionTimer struct {
	clock        clockwork.Clock
	events       chan<- domain.Event
	tickInterval time.Duration
	logger       *zap.Logger

	mu               sync.Mutex
	active           bool
	sessionID        string
	gameID           string
	rfidTag          string
	duration         int
	startedAt        time.Time
	pausedAt         *time.Time
	accumulatedPause time.Duration
	fired            map[int]bool
	cancel           context.CancelFunc
	onExpire         func(sessionID string)

	wg sync.WaitGroup
}

// NewSessionTimer creates an idle timer. events may be nil.
func NewSessionTimer(clock clockwork.Clock, events chan<- domain.Event, logger *zap.Logger) *SessionTimer {
	return &SessionTimer{
		clock:        clock,
		events:       events,
		tickInterval: DefaultTickInterval,
		logger:       logger,
	}
}

// SetExpiryHandler registers the callback run when a session reaches zero.
// It is invoked from the tick goroutine without the timer lock held.
func (t *SessionTimer) SetExpiryHandler(fn func(sessionID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Start begins a countdown, replacing any running one.
func (t *SessionTimer) Start(sessionID, gameID, rfidTag string, durationSeconds int) {
	t.Stop()

	t.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	t.active = true
	t.sessionID = sessionID
	t.gameID = gameID
	t.rfidTag = rfidTag
	t.duration = durationSeconds
	t.startedAt = t.clock.Now()
	t.pausedAt = nil
	t.accumulatedPause = 0
	t.cancel = cancel
	t.fired = make(map[int]bool, len(WarningThresholds))
	for _, mark := range WarningThresholds {
		// A session that starts at or below a mark never crosses it.
		if mark > 0 && mark >= durationSeconds {
			t.fired[mark] = true
		}
	}
	t.mu.Unlock()

	t.logger.Info("session timer started",
		zap.String("session_id", sessionID),
		zap.String("game_id", gameID),
		zap.Int("duration", durationSeconds))

	t.wg.Add(1)
	go t.loop(ctx, sessionID)
}

// Stop cancels the countdown and clears all fields. No-op when idle.
// It does not wait for the tick goroutine, so it is safe to call from the expiry path.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.clearLocked()
}

// Close stops the timer and waits for the tick goroutine to exit.
func (t *SessionTimer) Close() {
	t.Stop()
	t.wg.Wait()
}

// Pause freezes the countdown. Fails if idle or already paused.
func (t *SessionTimer) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.pausedAt != nil {
		return false
	}
	now := t.clock.Now()
	t.pausedAt = &now
	return true
}

// Resume continues a paused countdown. Fails if idle or not paused.
func (t *SessionTimer) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.pausedAt == nil {
		return false
	}
	t.accumulatedPause += t.clock.Now().Sub(*t.pausedAt)
	t.pausedAt = nil
	return true
}

// Remaining returns whole seconds left, never negative.
func (t *SessionTimer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return 0
	}
	return t.remainingLocked(t.clock.Now())
}

// Elapsed returns played seconds, excluding time spent paused.
func (t *SessionTimer) Elapsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return 0
	}
	return t.elapsedLocked(t.clock.Now())
}

// IsPaused reports whether the active session is paused.
func (t *SessionTimer) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.pausedAt != nil
}

// Active reports whether a countdown is running or paused.
func (t *SessionTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// State returns all timer fields read under one lock.
func (t *SessionTimer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return TimerState{}
	}
	now := t.clock.Now()
	return TimerState{
		Active:          true,
		SessionID:       t.sessionID,
		GameID:          t.gameID,
		RFIDTag:         t.rfidTag,
		DurationSeconds: t.duration,
		Remaining:       t.remainingLocked(now),
		Elapsed:         t.elapsedLocked(now),
		Paused:          t.pausedAt != nil,
		StartedAt:       t.startedAt,
	}
}

func (t *SessionTimer) elapsedLocked(now time.Time) float64 {
	elapsed := now.Sub(t.startedAt) - t.accumulatedPause
	if t.pausedAt != nil {
		elapsed -= now.Sub(*t.pausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed.Seconds()
}

func (t *SessionTimer) remainingLocked(now time.Time) int {
	left := float64(t.duration) - t.elapsedLocked(now)
	if left <= 0 {
		return 0
	}
	// Round up so a fresh session reports its full duration.
	return int(math.Ceil(left))
}

func (t *SessionTimer) clearLocked() {
	if t.cancel != nil {
		t.cancel()
	}
	t.active = false
	t.sessionID = ""
	t.gameID = ""
	t.rfidTag = ""
	t.duration = 0
	t.startedAt = time.Time{}
	t.pausedAt = nil
	t.accumulatedPause = 0
	t.fired = nil
	t.cancel = nil
}

func (t *SessionTimer) loop(ctx context.Context, sessionID string) {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if t.tick(ctx, sessionID) {
				return
			}
		}
	}
}

// tick recomputes the countdown and reports whether the loop should exit.
func (t *SessionTimer) tick(ctx context.Context, sessionID string) bool {
	t.mu.Lock()
	if ctx.Err() != nil || !t.active || t.sessionID != sessionID {
		t.mu.Unlock()
		return true
	}
	if t.pausedAt != nil {
		t.mu.Unlock()
		return false
	}

	now := t.clock.Now()
	remaining := t.remainingLocked(now)
	var crossed []int
	for _, mark := range WarningThresholds {
		if !t.fired[mark] && remaining <= mark {
			t.fired[mark] = true
			crossed = append(crossed, mark)
		}
	}
	gameID := t.gameID
	expired := remaining == 0
	if expired {
		t.clearLocked()
	}
	onExpire := t.onExpire
	t.mu.Unlock()

	for _, mark := range crossed {
		if mark == 0 {
			continue
		}
		t.logger.Info("session threshold reached",
			zap.String("session_id", sessionID),
			zap.Int("remaining", remaining),
			zap.Int("threshold", mark))
		t.emit(domain.Event{Kind: domain.EventThreshold, SessionID: sessionID, GameID: gameID, Remaining: mark, At: now})
	}

	if !expired {
		return false
	}

	t.logger.Info("session expired", zap.String("session_id", sessionID), zap.String("game_id", gameID))
	t.emit(domain.Event{Kind: domain.EventExpired, SessionID: sessionID, GameID: gameID, At: now})
	if onExpire != nil {
		onExpire(sessionID)
	}
	return true
}

func (t *SessionTimer) emit(ev domain.Event) {
	if t.events == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event channel full, dropping timer event", zap.String("kind", string(ev.Kind)))
	}
}
