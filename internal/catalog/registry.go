package catalog

import (
	"sort"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// Registry holds a set of games keyed by id.
type Registry struct {
	games map[string]domain.Game
}

// NewRegistry creates a registry with the default catalog.
func NewRegistry() *Registry {
	return NewRegistryWithGames(DefaultGames()...)
}

// NewRegistryWithGames creates a registry with custom games (for testing and loading).
func NewRegistryWithGames(games ...domain.Game) *Registry {
	r := &Registry{
		games: make(map[string]domain.Game),
	}
	for _, g := range games {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a game.
func (r *Registry) Register(g domain.Game) {
	r.games[g.ID] = g
}

// Get returns a game by id.
func (r *Registry) Get(id string) (domain.Game, bool) {
	g, ok := r.games[id]
	return g, ok
}

// GetAll returns all games ordered by id.
func (r *Registry) GetAll() []domain.Game {
	result := make([]domain.Game, 0, len(r.games))
	for _, g := range r.games {
		result = append(result, g)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// List returns all game ids, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.games))
	for id := range r.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of games.
func (r *Registry) Len() int {
	return len(r.games)
}
