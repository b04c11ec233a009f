package usecase

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/protocol"
)

// DefaultStatusInterval is the periodic broadcast cadence.
const DefaultStatusInterval = 5 * time.Second

// maxSnapshotAlerts bounds the alerts carried in a snapshot.
const maxSnapshotAlerts = 10

// ClientHub delivers messages to connected clients.
// Implementation: transport.Hub (gorilla/websocket).
type ClientHub interface {
	// Broadcast queues data for every client without blocking. Returns the number of recipients.
	Broadcast(data []byte) int

	// ClientCount returns the number of registered clients.
	ClientCount() int
}

// Broadcaster pushes status snapshots to all clients, periodically and on events.
type Broadcaster struct {
	controller *Controller
	monitor    domain.HostMonitor
	alerts     domain.AlertSink
	hub        ClientHub
	events     <-chan domain.Event
	interval   time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
}

// NewBroadcaster creates a broadcaster. hub may be set later with SetHub.
func NewBroadcaster(
	controller *Controller,
	monitor domain.HostMonitor,
	alerts domain.AlertSink,
	events <-chan domain.Event,
	interval time.Duration,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Broadcaster {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	return &Broadcaster{
		controller: controller,
		monitor:    monitor,
		alerts:     alerts,
		events:     events,
		interval:   interval,
		clock:      clock,
		logger:     logger,
	}
}

// SetHub attaches the client hub. Must be called before Run.
func (b *Broadcaster) SetHub(hub ClientHub) {
	b.hub = hub
}

// Snapshot builds the current status from a single consistent read of the
// controller state.
func (b *Broadcaster) Snapshot() domain.StatusSnapshot {
	state := b.controller.State()
	now := b.clock.Now()

	snap := domain.StatusSnapshot{
		Connected:       true,
		LaunchStatus:    state.Handle.Status,
		GameRunning:     state.Handle.Status == domain.LaunchRunning,
		DemoMode:        state.Handle.DemoMode,
		SessionID:       state.Timer.SessionID,
		IsPaused:        state.Timer.Paused,
		TimeRemaining:   state.Timer.Remaining,
		SessionDuration: state.Timer.DurationSeconds,
		ElapsedSeconds:  int(math.Round(state.Timer.Elapsed)),
		Alerts:          []domain.Alert{},
		Timestamp:       now.UnixMilli(),
	}
	// The session outlives a game that exits on its own, so report the session's game.
	switch {
	case state.Timer.Active:
		snap.ActiveGame = state.Timer.GameID
		snap.ActiveGameTitle = state.GameTitle
	case state.Handle.GameID != "":
		snap.ActiveGame = state.Handle.GameID
	}

	if b.monitor != nil {
		stats := b.monitor.Stats()
		snap.CPUUsage = stats.CPUPercent
		snap.MemoryUsage = stats.MemoryPercent
		snap.DiskSpace = stats.DiskFreeMB
	}
	if b.alerts != nil {
		if recent := b.alerts.Recent(maxSnapshotAlerts); recent != nil {
			snap.Alerts = recent
		}
	}
	if b.hub != nil {
		snap.ConnectedClients = b.hub.ClientCount()
	}
	return snap
}

// StatusMessage wraps a snapshot in the broadcast envelope.
func (b *Broadcaster) StatusMessage() protocol.Response {
	resp := protocol.Success(protocol.NewID(), map[string]any{"status": b.Snapshot()}, b.clock.Now())
	resp.Type = protocol.TypeStatus
	return resp
}

// BroadcastNow pushes a snapshot to every client immediately.
func (b *Broadcaster) BroadcastNow() {
	if b.hub == nil || b.hub.ClientCount() == 0 {
		return
	}
	data, err := protocol.Encode(b.StatusMessage())
	if err != nil {
		b.logger.Error("failed to encode status broadcast", zap.Error(err))
		return
	}
	n := b.hub.Broadcast(data)
	b.logger.Debug("status broadcast", zap.Int("clients", n))
}

// Run broadcasts on the interval and on every event until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("status broadcaster started", zap.Duration("interval", b.interval))

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("status broadcaster stopping")
			return nil
		case <-ticker.Chan():
			b.BroadcastNow()
		case ev, ok := <-b.events:
			if !ok {
				return nil
			}
			b.logger.Debug("state change event",
				zap.String("kind", string(ev.Kind)),
				zap.String("session_id", ev.SessionID),
				zap.String("game_id", ev.GameID))
			b.BroadcastNow()
		}
	}
}
