// Package domain contains core business entities and interfaces.
// This layer has no external dependencies.
package domain

import "time"

// LaunchStatus is the lifecycle state of the tracked game process.
type LaunchStatus string

const (
	LaunchIdle      LaunchStatus = "idle"
	LaunchLaunching LaunchStatus = "launching"
	LaunchRunning   LaunchStatus = "running"
	LaunchFailed    LaunchStatus = "failed"
)

// Game is a catalog entry the kiosk can launch.
type Game struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	ExecutablePath     string   `json:"executablePath"`
	WorkingDirectory   string   `json:"workingDirectory,omitempty"`
	Arguments          []string `json:"arguments,omitempty"`
	Description        string   `json:"description,omitempty"`
	ImageURL           string   `json:"imageUrl,omitempty"`
	MinDurationSeconds int      `json:"minDurationSeconds"`
	MaxDurationSeconds int      `json:"maxDurationSeconds"`
	Active             bool     `json:"active"`
}

// ClampDuration bounds seconds to the game's configured [min,max].
// A zero bound is treated as unbounded on that side.
// Returns the effective duration and whether it differs from the request.
func (g Game) ClampDuration(seconds int) (int, bool) {
	effective := seconds
	if g.MinDurationSeconds > 0 && effective < g.MinDurationSeconds {
		effective = g.MinDurationSeconds
	}
	if g.MaxDurationSeconds > 0 && effective > g.MaxDurationSeconds {
		effective = g.MaxDurationSeconds
	}
	return effective, effective != seconds
}

// LaunchSpec describes how to start a game's executable.
type LaunchSpec struct {
	GameID         string
	ExecutablePath string
	WorkingDir     string
	Args           []string
}

// GameProcessHandle is the zero-or-one externally running game.
// GameID is empty unless Status is Launching or Running.
type GameProcessHandle struct {
	GameID    string       `json:"gameId,omitempty"`
	Status    LaunchStatus `json:"launchStatus"`
	PID       int          `json:"pid,omitempty"`
	DemoMode  bool         `json:"demoMode"`
	StartedAt time.Time    `json:"startedAt,omitempty"`
}

// TagStatus is the lifecycle state of an access tag.
type TagStatus string

const (
	TagActive   TagStatus = "active"
	TagInactive TagStatus = "inactive"
)

// AccessTag is a physical credential (RFID card) known to the kiosk.
type AccessTag struct {
	TagID           string     `json:"tagId"`
	Name            string     `json:"name"`
	Status          TagStatus  `json:"status"`
	PermissionLevel string     `json:"permissionLevel"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// Access log actions.
const (
	AccessActionValidate = "validate"
	AccessActionScan     = "scan"
	AccessActionLaunch   = "launch"
)

// AccessLogEntry is one audit record of an access-control decision.
type AccessLogEntry struct {
	TagID     string    `json:"tagId"`
	GameID    string    `json:"gameId,omitempty"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session record statuses.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
)

// SessionRecord is a persisted play session.
type SessionRecord struct {
	ID              string     `json:"id"`
	GameID          string     `json:"gameId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	ActualSeconds   int        `json:"actualSeconds,omitempty"`
	RFIDTag         string     `json:"rfidTag,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	Status          string     `json:"status"`
}

// Alert levels.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is a recent operational condition shown to operators.
type Alert struct {
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HostStats are read-only resource gauges of the kiosk machine.
type HostStats struct {
	CPUPercent    float64   `json:"cpuUsage"`
	MemoryPercent float64   `json:"memoryUsage"`
	DiskFreeMB    float64   `json:"diskSpace"`
	SampledAt     time.Time `json:"sampledAt"`
}

// HostInfo is static information about the kiosk machine.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	UptimeSeconds   uint64 `json:"uptimeSeconds"`
}

// StoreCounts summarizes the persisted records.
type StoreCounts struct {
	Games          int `json:"games"`
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"activeSessions"`
	Tags           int `json:"tags"`
	AccessEntries  int `json:"accessEntries"`
	Admins         int `json:"admins"`
}

// StatusSnapshot is the point-in-time aggregate pushed to clients.
// It is recomputed on demand and never persisted.
type StatusSnapshot struct {
	Connected        bool         `json:"connected"`
	ActiveGame       string       `json:"activeGame,omitempty"`
	ActiveGameTitle  string       `json:"activeGameTitle,omitempty"`
	LaunchStatus     LaunchStatus `json:"launchStatus"`
	GameRunning      bool         `json:"gameRunning"`
	DemoMode         bool         `json:"demoMode"`
	SessionID        string       `json:"sessionId,omitempty"`
	IsPaused         bool         `json:"isPaused"`
	TimeRemaining    int          `json:"timeRemaining"`
	SessionDuration  int          `json:"sessionDuration"`
	ElapsedSeconds   int          `json:"elapsed"`
	CPUUsage         float64      `json:"cpuUsage"`
	MemoryUsage      float64      `json:"memoryUsage"`
	DiskSpace        float64      `json:"diskSpace"`
	ConnectedClients int          `json:"connectedClients"`
	Alerts           []Alert      `json:"alerts"`
	Timestamp        int64        `json:"timestamp"`
}
