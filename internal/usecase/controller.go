package usecase

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// Messages returned for state conflicts.
const (
	MsgNoActiveSession = "No active game session"
	MsgAlreadyPaused   = "Session is already paused"
	MsgNotPaused       = "Session is not paused"
)

// End reasons, logged and kept for diagnostics.
const (
	EndReasonClient     = "client"
	EndReasonExpired    = "expired"
	EndReasonSuperseded = "superseded"
	EndReasonShutdown   = "shutdown"
)

// LaunchRequest is a validated launchGame command.
type LaunchRequest struct {
	GameID          string
	DurationSeconds int
	RFIDTag         string
}

// LaunchResult describes the session that was started.
type LaunchResult struct {
	SessionID         string
	GameID            string
	GameTitle         string
	DurationSeconds   int
	RequestedDuration int
	Clamped           bool
	DemoMode          bool
}

// EndResult describes the session that was ended.
type EndResult struct {
	SessionID   string
	GameID      string
	SessionTime int
}

// RatingResult describes a rating submission.
type RatingResult struct {
	SessionFound bool
	SessionID    string
	AvgRating    float64
}

// KioskState is a consistent read of the game handle and session timer.
type KioskState struct {
	Handle    domain.GameProcessHandle
	Timer     TimerState
	GameTitle string
}

type activeSession struct {
	id        string
	gameID    string
	title     string
	rfidTag   string
	duration  int
	startedAt time.Time
}

// Controller owns the combined game + session state. Every mutation goes
// through its lock so an explicit end and a timer expiry can never interleave.
type Controller struct {
	games      domain.GameStore
	sessions   domain.SessionStore
	supervisor *Supervisor
	timer      *SessionTimer
	access     *AccessValidator
	analytics  domain.AnalyticsSink
	events     chan<- domain.Event
	clock      clockwork.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	current *activeSession
	last    *activeSession
}

// NewController wires the controller and registers itself as the timer's expiry handler.
func NewController(
	games domain.GameStore,
	sessions domain.SessionStore,
	supervisor *Supervisor,
	timer *SessionTimer,
	access *AccessValidator,
	analytics domain.AnalyticsSink,
	events chan<- domain.Event,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Controller {
	c := &Controller{
		games:      games,
		sessions:   sessions,
		supervisor: supervisor,
		timer:      timer,
		access:     access,
		analytics:  analytics,
		events:     events,
		clock:      clock,
		logger:     logger,
	}
	timer.SetExpiryHandler(c.handleExpiry)
	return c
}

// LaunchAndStart launches a game and starts its session timer as one step.
// Any active session is ended first. Nothing changes if validation fails.
func (c *Controller) LaunchAndStart(req LaunchRequest) (*LaunchResult, error) {
	if req.GameID == "" {
		return nil, domain.NewValidationError("Missing gameId parameter")
	}
	if req.DurationSeconds <= 0 {
		return nil, domain.NewValidationError("Session duration must be a positive number of seconds")
	}

	game, err := c.games.GetGame(req.GameID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("Game", req.GameID)
	}
	if err != nil {
		return nil, domain.NewCollaboratorError("load game", err)
	}

	duration, clamped := game.ClampDuration(req.DurationSeconds)
	if clamped {
		c.logger.Warn("session duration out of bounds, clamping",
			zap.String("game_id", game.ID),
			zap.Int("requested", req.DurationSeconds),
			zap.Int("effective", duration),
			zap.Int("min", game.MinDurationSeconds),
			zap.Int("max", game.MaxDurationSeconds))
	}

	if req.RFIDTag != "" {
		res := c.access.CheckGamePermission(req.RFIDTag, game.ID, domain.AccessActionLaunch)
		switch res.Decision {
		case DecisionAuthorized:
		case DecisionDenied:
			if res.Reason == ReasonUnknownTag {
				return nil, domain.NewNotFoundError("RFID tag", req.RFIDTag)
			}
			return nil, domain.NewValidationError("Access denied: %s", res.Reason)
		default:
			return nil, domain.NewCollaboratorError("check access", res.Err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.logger.Info("launch supersedes active session",
			zap.String("session_id", c.current.id),
			zap.String("game_id", c.current.gameID))
		if _, err := c.endLocked(nil, EndReasonSuperseded); err != nil {
			c.logger.Error("failed to record superseded session end", zap.Error(err))
		}
	}

	outcome, err := c.supervisor.Launch(domain.LaunchSpec{
		GameID:         game.ID,
		ExecutablePath: game.ExecutablePath,
		WorkingDir:     game.WorkingDirectory,
		Args:           game.Arguments,
	})
	if err != nil {
		return nil, domain.NewCollaboratorError("launch game", err)
	}

	sessionID, err := c.sessions.StartSession(game.ID, duration, req.RFIDTag)
	if err != nil {
		// A game without a recorded session would play unbilled.
		c.supervisor.Terminate()
		return nil, domain.NewCollaboratorError("record session start", err)
	}

	now := c.clock.Now()
	c.timer.Start(sessionID, game.ID, req.RFIDTag, duration)
	c.current = &activeSession{
		id:        sessionID,
		gameID:    game.ID,
		title:     game.Title,
		rfidTag:   req.RFIDTag,
		duration:  duration,
		startedAt: now,
	}

	c.analytics.SessionStarted(domain.SessionRecord{
		ID:              sessionID,
		GameID:          game.ID,
		StartTime:       now,
		DurationSeconds: duration,
		RFIDTag:         req.RFIDTag,
		Status:          domain.SessionStatusActive,
	})
	c.emit(domain.Event{Kind: domain.EventSessionStarted, SessionID: sessionID, GameID: game.ID, At: now})

	c.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("game_id", game.ID),
		zap.Int("duration", duration),
		zap.Bool("demo_mode", outcome.DemoMode),
		zap.Bool("rfid", req.RFIDTag != ""))

	return &LaunchResult{
		SessionID:         sessionID,
		GameID:            game.ID,
		GameTitle:         game.Title,
		DurationSeconds:   duration,
		RequestedDuration: req.DurationSeconds,
		Clamped:           clamped,
		DemoMode:          outcome.DemoMode,
	}, nil
}

// EndAndStop ends the game and the session timer as one step.
// The state is cleared even when persisting the end fails.
func (c *Controller) EndAndStop(rating *int) (*EndResult, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, domain.NewValidationError("Rating must be between 1 and 5")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, domain.NewStateConflictError(MsgNoActiveSession)
	}
	return c.endLocked(rating, EndReasonClient)
}

func (c *Controller) endLocked(rating *int, reason string) (*EndResult, error) {
	s := c.current

	played := s.duration
	if c.timer.Active() {
		played = int(math.Round(c.timer.Elapsed()))
	}
	c.timer.Stop()
	c.supervisor.Terminate()
	c.current = nil
	c.last = s

	now := c.clock.Now()
	result := &EndResult{SessionID: s.id, GameID: s.gameID, SessionTime: played}

	c.analytics.SessionEnded(domain.SessionRecord{
		ID:              s.id,
		GameID:          s.gameID,
		StartTime:       s.startedAt,
		EndTime:         &now,
		DurationSeconds: s.duration,
		ActualSeconds:   played,
		RFIDTag:         s.rfidTag,
		Rating:          rating,
		Status:          domain.SessionStatusCompleted,
	})
	c.emit(domain.Event{Kind: domain.EventSessionEnded, SessionID: s.id, GameID: s.gameID, At: now})

	c.logger.Info("session ended",
		zap.String("session_id", s.id),
		zap.String("game_id", s.gameID),
		zap.String("reason", reason),
		zap.Int("played_seconds", played))

	if _, err := c.sessions.EndSession(s.id, played, rating); err != nil {
		c.logger.Error("failed to record session end", zap.String("session_id", s.id), zap.Error(err))
		return result, domain.NewCollaboratorError("record session end", err)
	}
	return result, nil
}

// handleExpiry is called by the timer when a session reaches zero.
// It is a no-op if that session was already ended or replaced.
func (c *Controller) handleExpiry(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.id != sessionID {
		return
	}
	if _, err := c.endLocked(nil, EndReasonExpired); err != nil {
		c.logger.Error("failed to end expired session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Pause freezes the active session. Returns the remaining seconds.
func (c *Controller) Pause() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.timer.Active() {
		return 0, domain.NewStateConflictError(MsgNoActiveSession)
	}
	if !c.timer.Pause() {
		return 0, domain.NewStateConflictError(MsgAlreadyPaused)
	}
	remaining := c.timer.Remaining()
	c.logger.Info("session paused", zap.String("session_id", c.current.id), zap.Int("remaining", remaining))
	c.emit(domain.Event{Kind: domain.EventSessionPaused, SessionID: c.current.id, GameID: c.current.gameID, Remaining: remaining, At: c.clock.Now()})
	return remaining, nil
}

// Resume continues a paused session. Returns the remaining seconds.
func (c *Controller) Resume() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.timer.Active() {
		return 0, domain.NewStateConflictError(MsgNoActiveSession)
	}
	if !c.timer.Resume() {
		return 0, domain.NewStateConflictError(MsgNotPaused)
	}
	remaining := c.timer.Remaining()
	c.logger.Info("session resumed", zap.String("session_id", c.current.id), zap.Int("remaining", remaining))
	c.emit(domain.Event{Kind: domain.EventSessionResumed, SessionID: c.current.id, GameID: c.current.gameID, Remaining: remaining, At: c.clock.Now()})
	return remaining, nil
}

// RateSession stores a rating for the active session of gameID, or for the
// most recently ended one. Ratings often arrive just after the session ends.
func (c *Controller) RateSession(gameID string, rating int) (*RatingResult, error) {
	if rating < 1 || rating > 5 {
		return nil, domain.NewValidationError("Rating must be between 1 and 5")
	}

	c.mu.Lock()
	var target *activeSession
	switch {
	case c.current != nil && c.current.gameID == gameID:
		target = c.current
	case c.current == nil && c.last != nil && c.last.gameID == gameID:
		target = c.last
	}
	c.mu.Unlock()

	if target == nil {
		c.logger.Info("rating without matching session", zap.String("game_id", gameID), zap.Int("rating", rating))
		return &RatingResult{SessionFound: false}, nil
	}

	if _, err := c.sessions.RateSession(target.id, rating); err != nil {
		return nil, domain.NewCollaboratorError("record rating", err)
	}
	avg, err := c.sessions.AverageRating(gameID)
	if err != nil {
		c.logger.Warn("failed to compute average rating", zap.String("game_id", gameID), zap.Error(err))
	}
	c.logger.Info("session rated", zap.String("session_id", target.id), zap.Int("rating", rating))
	return &RatingResult{SessionFound: true, SessionID: target.id, AvgRating: avg}, nil
}

// State returns the game handle and timer read under the controller lock.
func (c *Controller) State() KioskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := KioskState{
		Handle: c.supervisor.Handle(),
		Timer:  c.timer.State(),
	}
	if c.current != nil {
		st.GameTitle = c.current.title
	}
	return st
}

// Shutdown ends any active session and makes sure no game process is left behind.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.current != nil {
		if _, err := c.endLocked(nil, EndReasonShutdown); err != nil {
			c.logger.Error("failed to record session end at shutdown", zap.Error(err))
		}
	}
	c.supervisor.Terminate()
	c.mu.Unlock()

	c.timer.Close()
}

func (c *Controller) emit(ev domain.Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
