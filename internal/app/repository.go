// Package app implements the fleet supervisor: workers, their JSON-RPC sessions, reconciliation,
// lifecycle events and the ports the outer layers plug into.
package app

import (
	"github.com/jaakkos/mcpfleet/internal/domain"
)

// EventRepository is the append-only lifecycle journal.
// Implementation: internal/repository/sqlite.
type EventRepository interface {
	Append(ev domain.Event) error
	// Recent returns up to limit events, newest first. An empty server returns events for all servers.
	Recent(server string, limit int) ([]domain.Event, error)
	// Prune keeps the newest keep events and returns how many were deleted.
	Prune(keep int) (int, error)
	Close() error
}
