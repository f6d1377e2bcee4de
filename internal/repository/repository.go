package repository

import (
	"github.com/jaakkos/mcpfleet/internal/app"
	"github.com/jaakkos/mcpfleet/internal/repository/sqlite"
)

// NewEventRepository returns an EventRepository backed by SQLite at the given path.
// The path is typically from policy.EventsFile() (default ~/.config/mcpfleet/events.sqlite).
func NewEventRepository(path string) (app.EventRepository, error) {
	return sqlite.New(path)
}
