package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

const (
	storeDBName = "kiosk.db"
)

// EncryptedStore implements domain.Store using a SQLCipher encrypted SQLite database.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedStore opens (or creates) the encrypted kiosk database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer; the command path, timer expiry and access logging share it.
	db.SetMaxOpenConns(1)

	// Verify the key by touching the schema
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		executable_path TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		arguments TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		min_duration_seconds INTEGER NOT NULL DEFAULT 0,
		max_duration_seconds INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		game_id TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration_seconds INTEGER NOT NULL,
		actual_seconds INTEGER,
		rfid_tag TEXT NOT NULL DEFAULT '',
		rating INTEGER,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_game ON sessions(game_id);

	CREATE TABLE IF NOT EXISTS rfid_cards (
		tag_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		permission_level TEXT NOT NULL DEFAULT 'standard',
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS game_permissions (
		tag_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		PRIMARY KEY (tag_id, game_id)
	);

	CREATE TABLE IF NOT EXISTS access_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id TEXT NOT NULL,
		game_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		success INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_log_tag ON access_log(tag_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admin_users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// --- domain.GameStore implementation ---

const gameColumns = `id, title, executable_path, working_directory, arguments, description,
	image_url, min_duration_seconds, max_duration_seconds, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*domain.Game, error) {
	var g domain.Game
	var args string
	var active int
	if err := row.Scan(&g.ID, &g.Title, &g.ExecutablePath, &g.WorkingDirectory, &args,
		&g.Description, &g.ImageURL, &g.MinDurationSeconds, &g.MaxDurationSeconds, &active); err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &g.Arguments); err != nil {
			return nil, fmt.Errorf("failed to decode arguments of game %s: %w", g.ID, err)
		}
	}
	g.Active = active != 0
	return &g, nil
}

// GetGame returns an active game by id.
func (s *EncryptedStore) GetGame(id string) (*domain.Game, error) {
	row := s.db.QueryRow(`SELECT `+gameColumns+` FROM games WHERE id = ? AND is_active = 1`, id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGames returns all active games ordered by id.
func (s *EncryptedStore) GetGames() ([]domain.Game, error) {
	rows, err := s.db.Query(`SELECT ` + gameColumns + ` FROM games WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

// UpsertGames replaces the catalog in one transaction.
// Games missing from the input are deactivated, not deleted, so session history keeps its references.
func (s *EncryptedStore) UpsertGames(games []domain.Game) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().Unix()
	if _, err := tx.Exec(`UPDATE games SET is_active = 0, updated_at = ?`, now); err != nil {
		return err
	}
	for _, g := range games {
		args, err := json.Marshal(g.Arguments)
		if err != nil {
			return fmt.Errorf("failed to encode arguments of game %s: %w", g.ID, err)
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO games (`+gameColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.Title, g.ExecutablePath, g.WorkingDirectory, string(args), g.Description,
			g.ImageURL, g.MinDurationSeconds, g.MaxDurationSeconds, boolToInt(g.Active), now,
		)
		if err != nil {
			return fmt.Errorf("failed to save game %s: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// --- domain.SessionStore implementation ---

// StartSession records a new active session and updates the tag's last use.
func (s *EncryptedStore) StartSession(gameID string, durationSeconds int, rfidTag string) (string, error) {
	id := uuid.NewString()
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, game_id, start_time, duration_seconds, rfid_tag, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, gameID, now, durationSeconds, rfidTag, domain.SessionStatusActive,
	)
	if err != nil {
		return "", err
	}
	if rfidTag != "" {
		if _, err := s.db.Exec(`UPDATE rfid_cards SET last_used_at = ? WHERE tag_id = ?`, now, rfidTag); err != nil {
			return "", err
		}
	}
	return id, nil
}

// EndSession completes an active session with the play time measured by the
// session timer. Wall-clock time since start is not used since it includes pauses.
func (s *EncryptedStore) EndSession(sessionID string, actualSeconds int, rating *int) (bool, error) {
	if actualSeconds < 0 {
		actualSeconds = 0
	}
	var ratingArg any
	if rating != nil {
		ratingArg = *rating
	}
	result, err := s.db.Exec(`
		UPDATE sessions
		SET end_time = ?, actual_seconds = ?, status = ?, rating = COALESCE(?, rating)
		WHERE id = ? AND status = ?`,
		s.now().Unix(), actualSeconds, domain.SessionStatusCompleted, ratingArg,
		sessionID, domain.SessionStatusActive,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RateSession stores a rating on a session of any status.
func (s *EncryptedStore) RateSession(sessionID string, rating int) (bool, error) {
	result, err := s.db.Exec(`UPDATE sessions SET rating = ? WHERE id = ?`, rating, sessionID)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// AverageRating returns the mean rating of a game's rated sessions.
func (s *EncryptedStore) AverageRating(gameID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(`SELECT AVG(rating) FROM sessions WHERE game_id = ? AND rating IS NOT NULL`,
		gameID).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// GetSession returns a session by id.
func (s *EncryptedStore) GetSession(sessionID string) (*domain.SessionRecord, error) {
	var (
		rec    domain.SessionRecord
		start  int64
		end    sql.NullInt64
		actual sql.NullInt64
		rating sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT id, game_id, start_time, end_time, duration_seconds, actual_seconds, rfid_tag, rating, status
		FROM sessions WHERE id = ?`, sessionID).Scan(
		&rec.ID, &rec.GameID, &start, &end, &rec.DurationSeconds, &actual, &rec.RFIDTag, &rating, &rec.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.StartTime = time.Unix(start, 0)
	if end.Valid {
		t := time.Unix(end.Int64, 0)
		rec.EndTime = &t
	}
	rec.ActualSeconds = int(actual.Int64)
	if rating.Valid {
		r := int(rating.Int64)
		rec.Rating = &r
	}
	return &rec, nil
}

// --- domain.TagStore implementation ---

func scanTag(row rowScanner) (*domain.AccessTag, error) {
	var (
		tag      domain.AccessTag
		status   string
		created  int64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&tag.TagID, &tag.Name, &status, &tag.PermissionLevel, &created, &lastUsed); err != nil {
		return nil, err
	}
	tag.Status = domain.TagStatus(status)
	tag.CreatedAt = time.Unix(created, 0)
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		tag.LastUsedAt = &t
	}
	return &tag, nil
}

const tagColumns = `tag_id, name, status, permission_level, created_at, last_used_at`

// GetTag returns a tag of any status.
func (s *EncryptedStore) GetTag(tagID string) (*domain.AccessTag, error) {
	tag, err := scanTag(s.db.QueryRow(`SELECT `+tagColumns+` FROM rfid_cards WHERE tag_id = ?`, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %q: %w", tagID, domain.ErrNotFound)
	}
	return tag, err
}

// ValidateTag returns the tag if it is active, nil otherwise.
func (s *EncryptedStore) ValidateTag(tagID string) (*domain.AccessTag, error) {
	tag, err := s.GetTag(tagID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tag.Status != domain.TagActive {
		return nil, nil
	}
	return tag, nil
}

// TouchTag sets the tag's last-used time to now.
func (s *EncryptedStore) TouchTag(tagID string) error {
	_, err := s.db.Exec(`UPDATE rfid_cards SET last_used_at = ? WHERE tag_id = ?`, s.now().Unix(), tagID)
	return err
}

// GetGamePermission returns an explicit per-game override.
func (s *EncryptedStore) GetGamePermission(tagID, gameID string) (bool, bool, error) {
	var allowed int
	err := s.db.QueryRow(`SELECT allowed FROM game_permissions WHERE tag_id = ? AND game_id = ?`,
		tagID, gameID).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return allowed != 0, true, nil
}

// RecordAccess appends an access-log entry.
func (s *EncryptedStore) RecordAccess(entry domain.AccessLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO access_log (tag_id, game_id, action, success, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TagID, entry.GameID, entry.Action, boolToInt(entry.Success), entry.Reason, ts.Unix(),
	)
	return err
}

// --- domain.AdminStore implementation ---

// RegisterTag creates or re-activates a tag.
func (s *EncryptedStore) RegisterTag(tag domain.AccessTag) error {
	if tag.Status == "" {
		tag.Status = domain.TagActive
	}
	if tag.PermissionLevel == "" {
		tag.PermissionLevel = "standard"
	}
	_, err := s.db.Exec(`
		INSERT INTO rfid_cards (tag_id, name, status, permission_level, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tag_id) DO UPDATE SET name = excluded.name, status = excluded.status,
			permission_level = excluded.permission_level`,
		tag.TagID, tag.Name, string(tag.Status), tag.PermissionLevel, s.now().Unix(),
	)
	return err
}

// DeactivateTag marks a tag inactive. Returns false if it does not exist.
func (s *EncryptedStore) DeactivateTag(tagID string) (bool, error) {
	result, err := s.db.Exec(`UPDATE rfid_cards SET status = ? WHERE tag_id = ?`,
		string(domain.TagInactive), tagID)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListTags returns all tags ordered by id.
func (s *EncryptedStore) ListTags() ([]domain.AccessTag, error) {
	rows, err := s.db.Query(`SELECT ` + tagColumns + ` FROM rfid_cards ORDER BY tag_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []domain.AccessTag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, *tag)
	}
	return tags, rows.Err()
}

// TagHistory returns the newest access-log entries of a tag.
func (s *EncryptedStore) TagHistory(tagID string, limit int) ([]domain.AccessLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT tag_id, game_id, action, success, reason, created_at
		FROM access_log WHERE tag_id = ? ORDER BY id DESC LIMIT ?`, tagID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AccessLogEntry
	for rows.Next() {
		var e domain.AccessLogEntry
		var success int
		var created int64
		if err := rows.Scan(&e.TagID, &e.GameID, &e.Action, &success, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.Success = success != 0
		e.Timestamp = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetGamePermission writes a per-game allow/deny override.
func (s *EncryptedStore) SetGamePermission(tagID, gameID string, allowed bool) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO game_permissions (tag_id, game_id, allowed) VALUES (?, ?, ?)`,
		tagID, gameID, boolToInt(allowed))
	return err
}

// CreateAdmin stores an admin credential. The caller hashes the password.
func (s *EncryptedStore) CreateAdmin(username, passwordHash string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO admin_users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, s.now().Unix())
	return err
}

// GetAdminHash returns the stored password hash of an admin.
func (s *EncryptedStore) GetAdminHash(username string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT password_hash FROM admin_users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("admin %q: %w", username, domain.ErrNotFound)
	}
	return hash, err
}

// GetSetting retrieves a setting by key.
func (s *EncryptedStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting stores a setting.
func (s *EncryptedStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Counts returns row counts for the stats command and diagnostics.
func (s *EncryptedStore) Counts() (domain.StoreCounts, error) {
	var c domain.StoreCounts
	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM games WHERE is_active = 1`, &c.Games},
		{`SELECT COUNT(*) FROM sessions`, &c.Sessions},
		{`SELECT COUNT(*) FROM sessions WHERE status = 'active'`, &c.ActiveSessions},
		{`SELECT COUNT(*) FROM rfid_cards`, &c.Tags},
		{`SELECT COUNT(*) FROM access_log`, &c.AccessEntries},
		{`SELECT COUNT(*) FROM admin_users`, &c.Admins},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql).Scan(q.dest); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure EncryptedStore implements domain.Store.
var _ domain.Store = (*EncryptedStore)(nil)

// CloseStaleSessions completes sessions left active by an unclean shutdown.
// Only one session is live per process, so anything active at startup is stale.
func (s *EncryptedStore) CloseStaleSessions() (int, error) {
	now := s.now().Unix()
	result, err := s.db.Exec(`
		UPDATE sessions SET end_time = ?, actual_seconds = MIN(? - start_time, duration_seconds), status = ?
		WHERE status = ?`,
		now, now, domain.SessionStatusCompleted, domain.SessionStatusActive)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
