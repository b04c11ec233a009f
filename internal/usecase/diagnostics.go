package usecase

import (
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// CountsReader reports storage record counts.
type CountsReader interface {
	Counts() (domain.StoreCounts, error)
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Diagnostics is the getDiagnostics payload.
type Diagnostics struct {
	Host             *domain.HostInfo    `json:"host,omitempty"`
	HostStats        domain.HostStats    `json:"hostStats"`
	Runtime          RuntimeInfo         `json:"runtime"`
	Game             GameDiagnostics     `json:"game"`
	CatalogSize      int                 `json:"catalogSize"`
	Storage          *domain.StoreCounts `json:"storage,omitempty"`
	ConnectedClients int                 `json:"connectedClients"`
	UptimeSeconds    int64               `json:"uptimeSeconds"`
	Build            BuildInfo           `json:"build"`
	Errors           []string            `json:"errors,omitempty"`
}

// RuntimeInfo describes the Go runtime.
type RuntimeInfo struct {
	GoVersion  string `json:"goVersion"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Goroutines int    `json:"goroutines"`
}

// GameDiagnostics describes the tracked game process.
type GameDiagnostics struct {
	GameID       string              `json:"gameId,omitempty"`
	Status       domain.LaunchStatus `json:"launchStatus"`
	PID          int                 `json:"pid,omitempty"`
	DemoMode     bool                `json:"demoMode"`
	CPUPercent   float64             `json:"cpuPercent,omitempty"`
	MemoryBytes  uint64              `json:"memoryBytes,omitempty"`
	RunningSince *time.Time          `json:"runningSince,omitempty"`
}

// DiagnosticsCollector gathers a point-in-time diagnostic report.
// Partial failures are reported in Errors rather than failing the whole report.
type DiagnosticsCollector struct {
	supervisor *Supervisor
	monitor    domain.HostMonitor
	games      domain.GameStore
	counts     CountsReader
	hub        ClientHub
	build      BuildInfo
	startedAt  time.Time
	clock      clockwork.Clock
	logger     *zap.Logger
}

// NewDiagnosticsCollector creates a collector. counts and hub may be nil.
func NewDiagnosticsCollector(
	supervisor *Supervisor,
	monitor domain.HostMonitor,
	games domain.GameStore,
	counts CountsReader,
	build BuildInfo,
	clock clockwork.Clock,
	logger *zap.Logger,
) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		supervisor: supervisor,
		monitor:    monitor,
		games:      games,
		counts:     counts,
		build:      build,
		startedAt:  clock.Now(),
		clock:      clock,
		logger:     logger,
	}
}

// SetHub attaches the client hub.
func (d *DiagnosticsCollector) SetHub(hub ClientHub) {
	d.hub = hub
}

// Collect builds the report.
func (d *DiagnosticsCollector) Collect() Diagnostics {
	diag := Diagnostics{
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			Goroutines: runtime.NumGoroutine(),
		},
		UptimeSeconds: int64(d.clock.Since(d.startedAt).Seconds()),
		Build:         d.build,
	}

	if d.monitor != nil {
		diag.HostStats = d.monitor.Stats()
		info, err := d.monitor.Info()
		if err != nil {
			d.logger.Warn("failed to read host info", zap.Error(err))
			diag.Errors = append(diag.Errors, "host info unavailable")
		} else {
			diag.Host = &info
		}
	}

	handle := d.supervisor.Handle()
	diag.Game = GameDiagnostics{
		GameID:   handle.GameID,
		Status:   handle.Status,
		PID:      handle.PID,
		DemoMode: handle.DemoMode,
	}
	if !handle.StartedAt.IsZero() {
		started := handle.StartedAt
		diag.Game.RunningSince = &started
	}
	if cpu, rss, ok := d.supervisor.Usage(); ok {
		diag.Game.CPUPercent = cpu
		diag.Game.MemoryBytes = rss
	}

	games, err := d.games.GetGames()
	if err != nil {
		d.logger.Warn("failed to read catalog", zap.Error(err))
		diag.Errors = append(diag.Errors, "catalog unavailable")
	}
	diag.CatalogSize = len(games)

	if d.counts != nil {
		counts, err := d.counts.Counts()
		if err != nil {
			d.logger.Warn("failed to read storage counts", zap.Error(err))
			diag.Errors = append(diag.Errors, "storage counts unavailable")
		} else {
			diag.Storage = &counts
		}
	}

	if d.hub != nil {
		diag.ConnectedClients = d.hub.ClientCount()
	}
	return diag
}
