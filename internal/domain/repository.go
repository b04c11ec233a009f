package domain

import "time"

// EventKind names a state change that should reach connected clients.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionEnded   EventKind = "session_ended"
	EventSessionPaused  EventKind = "session_paused"
	EventSessionResumed EventKind = "session_resumed"
	EventThreshold      EventKind = "threshold"
	EventExpired        EventKind = "expired"
	EventGameExited     EventKind = "game_exited"
	EventCatalogChanged EventKind = "catalog_changed"
)

// Event is a notification raised by a background task or a command.
type Event struct {
	Kind      EventKind
	SessionID string
	GameID    string
	Remaining int
	ExitCode  int
	At        time.Time
}

// Process is one spawned game process.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Exited reports without blocking whether the process has exited, and its exit code.
	Exited() (bool, int)

	// Wait blocks up to timeout for the process to exit.
	Wait(timeout time.Duration) bool

	// Terminate asks the process to stop gracefully.
	Terminate() error

	// Kill forcibly stops the process.
	Kill() error
}

// ProcessManager spawns game processes and samples their usage.
// Implementation: infra.ProcessManagerImpl (gopsutil).
type ProcessManager interface {
	// Start spawns the executable detached from the caller's session.
	Start(spec LaunchSpec) (Process, error)

	// Usage returns CPU percent and resident memory of a running process.
	Usage(pid int) (cpuPercent float64, rssBytes uint64, err error)
}

// FileSystemManager resolves executable paths.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// ExpandHome expands ~ to home directory.
	ExpandHome(path string) string
}

// GameStore reads and writes the game catalog.
type GameStore interface {
	GetGame(id string) (*Game, error)
	GetGames() ([]Game, error)
	UpsertGames(games []Game) error
}

// SessionStore persists play sessions.
type SessionStore interface {
	// StartSession records a new active session and returns its id.
	StartSession(gameID string, durationSeconds int, rfidTag string) (string, error)

	// EndSession marks a session completed with the seconds actually played,
	// paused time excluded. Returns false if no active session had that id.
	EndSession(sessionID string, actualSeconds int, rating *int) (bool, error)

	// RateSession stores a rating on an existing session.
	RateSession(sessionID string, rating int) (bool, error)

	// AverageRating returns the mean rating of a game's sessions, 0 if none.
	AverageRating(gameID string) (float64, error)
}

// TagStore is the access-control reference data and its audit log.
type TagStore interface {
	// ValidateTag returns the tag only if it exists and is active.
	ValidateTag(tagID string) (*AccessTag, error)

	// GetTag returns a tag of any status, or ErrNotFound.
	GetTag(tagID string) (*AccessTag, error)

	// TouchTag records the tag as used now.
	TouchTag(tagID string) error

	// GetGamePermission returns an explicit per-game override if one exists.
	GetGamePermission(tagID, gameID string) (allowed bool, found bool, err error)

	// RecordAccess appends an access-log entry.
	RecordAccess(entry AccessLogEntry) error
}

// AdminStore holds the administration operations. Settings are also read by
// the server at startup for the kiosk identity.
type AdminStore interface {
	RegisterTag(tag AccessTag) error
	DeactivateTag(tagID string) (bool, error)
	ListTags() ([]AccessTag, error)
	TagHistory(tagID string, limit int) ([]AccessLogEntry, error)
	SetGamePermission(tagID, gameID string, allowed bool) error
	CreateAdmin(username, passwordHash string) error
	GetAdminHash(username string) (string, error)
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	Counts() (StoreCounts, error)
}

// Store is the kiosk's persistent storage.
// Implementation: infra.EncryptedStore (sqlcipher).
type Store interface {
	GameStore
	SessionStore
	TagStore
	AdminStore
	Close() error
}

// HostMonitor exposes host resource gauges.
// Implementation: infra.HostMonitor (gopsutil).
type HostMonitor interface {
	Stats() HostStats
	Info() (HostInfo, error)
}

// AlertSink records operational alerts.
type AlertSink interface {
	Raise(alert Alert)
	Recent(limit int) []Alert
}

// AnalyticsSink receives one-way session replication.
// Implementation: infra.AnalyticsReplicator (HTTP).
type AnalyticsSink interface {
	SessionStarted(record SessionRecord)
	SessionEnded(record SessionRecord)
}

// StorageKeySource supplies the key of the encrypted kiosk database.
// Implementations: infra.KeyFile, infra.EnvKey.
type StorageKeySource interface {
	// LoadKey returns the key, or an error wrapping ErrNotFound if none was provisioned.
	LoadKey() ([]byte, error)

	// SaveKey provisions a freshly generated key.
	SaveKey(key []byte) error
}
