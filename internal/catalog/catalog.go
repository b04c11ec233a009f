// Package catalog loads the kiosk's game catalog from JSON or YAML files
// and keeps the storage copy in sync with the file.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/infra"
)

// File is the on-disk catalog layout: {"games": [...]}.
type File struct {
	Games []Entry `json:"games" yaml:"games"`
}

// Entry is one game as written by operators. Arguments is a single
// space-separated string, matching how launchers are usually configured.
type Entry struct {
	ID                 string `json:"id" yaml:"id"`
	Title              string `json:"title" yaml:"title"`
	ExecutablePath     string `json:"executable_path" yaml:"executable_path"`
	WorkingDirectory   string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Arguments          string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	ImageURL           string `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	MinDurationSeconds int    `json:"min_duration_seconds" yaml:"min_duration_seconds"`
	MaxDurationSeconds int    `json:"max_duration_seconds" yaml:"max_duration_seconds"`
	Disabled           bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ToGame converts a file entry into a domain game.
func (e Entry) ToGame() domain.Game {
	args := strings.Fields(e.Arguments)
	if len(args) == 0 {
		args = nil
	}
	return domain.Game{
		ID:                 e.ID,
		Title:              e.Title,
		ExecutablePath:     e.ExecutablePath,
		WorkingDirectory:   e.WorkingDirectory,
		Arguments:          args,
		Description:        e.Description,
		ImageURL:           e.ImageURL,
		MinDurationSeconds: e.MinDurationSeconds,
		MaxDurationSeconds: e.MaxDurationSeconds,
		Active:             !e.Disabled,
	}
}

// FromGame converts a domain game into a file entry.
func FromGame(g domain.Game) Entry {
	return Entry{
		ID:                 g.ID,
		Title:              g.Title,
		ExecutablePath:     g.ExecutablePath,
		WorkingDirectory:   g.WorkingDirectory,
		Arguments:          strings.Join(g.Arguments, " "),
		Description:        g.Description,
		ImageURL:           g.ImageURL,
		MinDurationSeconds: g.MinDurationSeconds,
		MaxDurationSeconds: g.MaxDurationSeconds,
		Disabled:           !g.Active,
	}
}

// Validate checks an entry for fields the kiosk cannot run without.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("game without id")
	}
	if e.Title == "" {
		return fmt.Errorf("game %s: missing title", e.ID)
	}
	if e.MinDurationSeconds < 0 || e.MaxDurationSeconds < 0 {
		return fmt.Errorf("game %s: negative duration bound", e.ID)
	}
	if e.MaxDurationSeconds > 0 && e.MinDurationSeconds > e.MaxDurationSeconds {
		return fmt.Errorf("game %s: min duration %d exceeds max %d", e.ID, e.MinDurationSeconds, e.MaxDurationSeconds)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a catalog file into a registry. The format follows the file extension.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file File
	if isYAML(path) {
		err = yaml.Unmarshal(data, &file)
	} else {
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	reg := NewRegistryWithGames()
	for _, entry := range file.Games {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
		}
		if _, dup := reg.Get(entry.ID); dup {
			return nil, fmt.Errorf("invalid catalog %s: duplicate game id %s", path, entry.ID)
		}
		reg.Register(entry.ToGame())
	}
	return reg, nil
}

// Save writes games to path atomically. The format follows the file extension.
func Save(path string, games []domain.Game) error {
	file := File{Games: make([]Entry, 0, len(games))}
	for _, g := range games {
		file.Games = append(file.Games, FromGame(g))
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(file)
	} else {
		data, err = json.MarshalIndent(file, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	return infra.AtomicWriteFile(path, data, 0644)
}

// LoadOrCreate loads the catalog, writing the default catalog first if the file is missing.
// Returns whether a default file was created.
func LoadOrCreate(path string) (*Registry, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		defaults := NewRegistry()
		if err := Save(path, defaults.GetAll()); err != nil {
			return nil, false, err
		}
		return defaults, true, nil
	}
	reg, err := Load(path)
	return reg, false, err
}

// Import loads the catalog file and replaces the stored catalog with it.
func Import(path string, store domain.GameStore) (int, error) {
	reg, err := Load(path)
	if err != nil {
		return 0, err
	}
	games := reg.GetAll()
	if err := store.UpsertGames(games); err != nil {
		return 0, fmt.Errorf("failed to store catalog: %w", err)
	}
	return len(games), nil
}

// Export writes the stored catalog to path.
func Export(path string, store domain.GameStore) (int, error) {
	games, err := store.GetGames()
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog: %w", err)
	}
	if err := Save(path, games); err != nil {
		return 0, err
	}
	return len(games), nil
}
