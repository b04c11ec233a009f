package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// ExitCodeVRRuntimeUnavailable is returned by SteamVR titles when the VR runtime is not running.
const ExitCodeVRRuntimeUnavailable = 53

// SupervisorConfig holds process supervision timing.
type SupervisorConfig struct {
	PollInterval    time.Duration // How often to check the tracked process for exit
	GracefulTimeout time.Duration // Wait after the graceful stop signal
	KillTimeout     time.Duration // Wait after the forced kill
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		PollInterval:    500 * time.Millisecond,
		GracefulTimeout: 5 * time.Second,
		KillTimeout:     2 * time.Second,
	}
}

// LaunchOutcome describes a successful launch.
type LaunchOutcome struct {
	GameID   string
	PID      int
	DemoMode bool
}

// Supervisor owns the lifecycle of the single external game process.
type Supervisor struct {
	config SupervisorConfig
	pm     domain.ProcessManager
	fs     domain.FileSystemManager
	alerts domain.AlertSink
	events chan<- domain.Event
	clock  clockwork.Clock
	logger *zap.Logger

	mu     sync.Mutex
	handle domain.GameProcessHandle
	proc   domain.Process
}

// NewSupervisor creates a supervisor with no tracked process. alerts and events may be nil.
func NewSupervisor(
	config SupervisorConfig,
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	alerts domain.AlertSink,
	events chan<- domain.Event,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config: config,
		pm:     pm,
		fs:     fs,
		alerts: alerts,
		events: events,
		clock:  clock,
		logger: logger,
		handle: domain.GameProcessHandle{Status: domain.LaunchIdle},
	}
}

// Launch starts a game, terminating any tracked process first.
// A missing executable is a demo-mode success with no process spawned.
func (s *Supervisor) Launch(spec domain.LaunchSpec) (LaunchOutcome, error) {
	s.Terminate()

	path := s.fs.ExpandHome(spec.ExecutablePath)
	if !s.fs.Exists(path) {
		s.mu.Lock()
		s.handle = domain.GameProcessHandle{
			GameID:    spec.GameID,
			Status:    domain.LaunchRunning,
			DemoMode:  true,
			StartedAt: s.clock.Now(),
		}
		s.mu.Unlock()
		s.logger.Warn("game executable not found, running in demo mode",
			zap.String("game_id", spec.GameID),
			zap.String("path", path))
		return LaunchOutcome{GameID: spec.GameID, DemoMode: true}, nil
	}

	s.mu.Lock()
	s.handle = domain.GameProcessHandle{GameID: spec.GameID, Status: domain.LaunchLaunching}
	s.mu.Unlock()

	spec.ExecutablePath = path
	spec.WorkingDir = s.fs.ExpandHome(spec.WorkingDir)
	proc, err := s.pm.Start(spec)
	if err != nil {
		s.mu.Lock()
		s.handle = domain.GameProcessHandle{Status: domain.LaunchFailed}
		s.mu.Unlock()
		s.logger.Error("failed to launch game",
			zap.String("game_id", spec.GameID),
			zap.String("path", path),
			zap.Error(err))
		return LaunchOutcome{}, fmt.Errorf("launch %s: %w", spec.GameID, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.handle = domain.GameProcessHandle{
		GameID:    spec.GameID,
		Status:    domain.LaunchRunning,
		PID:       proc.PID(),
		StartedAt: s.clock.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("game process started",
		zap.String("game_id", spec.GameID),
		zap.Int("pid", proc.PID()),
		zap.Strings("args", spec.Args))
	return LaunchOutcome{GameID: spec.GameID, PID: proc.PID()}, nil
}

// Terminate stops the tracked process: graceful signal, then kill.
// Tracked state is cleared before waiting, whatever the OS outcome.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	proc := s.proc
	gameID := s.handle.GameID
	s.proc = nil
	s.handle = domain.GameProcessHandle{Status: domain.LaunchIdle}
	s.mu.Unlock()

	if proc == nil {
		return
	}
	s.stop(proc, gameID)
}

func (s *Supervisor) stop(proc domain.Process, gameID string) {
	log := s.logger.With(zap.String("game_id", gameID), zap.Int("pid", proc.PID()))

	if exited, code := proc.Exited(); exited {
		log.Info("game process already exited", zap.Int("exit_code", code))
		return
	}

	if err := proc.Terminate(); err != nil {
		log.Warn("graceful stop failed", zap.Error(err))
	}
	if proc.Wait(s.config.GracefulTimeout) {
		log.Info("game process terminated")
		return
	}

	log.Warn("game process did not exit gracefully, killing",
		zap.Duration("waited", s.config.GracefulTimeout))
	if err := proc.Kill(); err != nil {
		log.Error("failed to kill game process", zap.Error(err))
	}
	if !proc.Wait(s.config.KillTimeout) {
		log.Error("game process still alive after kill")
		return
	}
	log.Info("game process killed")
}

// ProcessState is the result of a non-blocking poll.
type ProcessState struct {
	Tracked  bool
	Running  bool
	ExitCode int
}

// Poll reports the tracked process state without blocking or changing state.
func (s *Supervisor) Poll() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ProcessState{Tracked: s.handle.Status == domain.LaunchRunning, Running: s.handle.Status == domain.LaunchRunning}
	}
	exited, code := s.proc.Exited()
	return ProcessState{Tracked: true, Running: !exited, ExitCode: code}
}

// Handle returns a copy of the tracked handle.
func (s *Supervisor) Handle() domain.GameProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Usage samples the tracked process. Returns false when nothing is running.
func (s *Supervisor) Usage() (cpuPercent float64, rssBytes uint64, ok bool) {
	pid := s.Handle().PID
	if pid == 0 {
		return 0, 0, false
	}
	cpu, rss, err := s.pm.Usage(pid)
	if err != nil {
		s.logger.Debug("failed to sample game process", zap.Int("pid", pid), zap.Error(err))
		return 0, 0, false
	}
	return cpu, rss, true
}

// Run polls the tracked process until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("process supervisor started", zap.Duration("poll_interval", s.config.PollInterval))

	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("process supervisor stopping")
			return nil
		case <-ticker.Chan():
			s.checkExit()
		}
	}
}

// checkExit clears tracked state if the process exited on its own.
func (s *Supervisor) checkExit() {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		return
	}
	exited, code := proc.Exited()
	if !exited {
		s.mu.Unlock()
		return
	}
	gameID := s.handle.GameID
	s.proc = nil
	s.handle = domain.GameProcessHandle{Status: domain.LaunchIdle}
	s.mu.Unlock()

	now := s.clock.Now()
	switch {
	case code == ExitCodeVRRuntimeUnavailable:
		s.logger.Error("game exited: VR runtime unavailable",
			zap.String("game_id", gameID),
			zap.Int("exit_code", code))
		s.raise(domain.AlertCritical, "VR runtime unavailable (SteamVR not running?)", now)
	case code != 0:
		s.logger.Warn("game exited with error", zap.String("game_id", gameID), zap.Int("exit_code", code))
		s.raise(domain.AlertWarning, fmt.Sprintf("Game %s exited with code %d", gameID, code), now)
	default:
		s.logger.Info("game exited", zap.String("game_id", gameID))
	}

	if s.events != nil {
		select {
		case s.events <- domain.Event{Kind: domain.EventGameExited, GameID: gameID, ExitCode: code, At: now}:
		default:
			s.logger.Warn("event channel full, dropping game exit event")
		}
	}
}

func (s *Supervisor) raise(level, message string, at time.Time) {
	if s.alerts == nil {
		return
	}
	s.alerts.Raise(domain.Alert{Level: level, Source: "game", Message: message, Timestamp: at})
}
