package app

import (
	"context"
	"log"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// pruneEvery is how many appends pass between retention passes.
const pruneEvery = 100

// EventJournal writes lifecycle events to an EventRepository. It is an audit trail only;
// nothing reads it back to rebuild the registry.
type EventJournal struct {
	repo   EventRepository
	keep   int
	logger *log.Logger
}

// NewEventJournal creates a journal that keeps the newest keep events (keep <= 0 disables pruning).
func NewEventJournal(repo EventRepository, keep int, logger *log.Logger) *EventJournal {
	return &EventJournal{repo: repo, keep: keep, logger: logger}
}

// Run appends events until the channel closes or ctx ends.
func (j *EventJournal) Run(ctx context.Context, events <-chan domain.Event) {
	j.prune()
	appended := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := j.repo.Append(ev); err != nil {
				j.logger.Printf("EventJournal: append %s/%s: %v", ev.Server, ev.Type, err)
				continue
			}
			appended++
			if appended%pruneEvery == 0 {
				j.prune()
			}
		}
	}
}

// Recent returns the newest events for server (all servers when empty).
func (j *EventJournal) Recent(server string, limit int) ([]domain.Event, error) {
	return j.repo.Recent(server, limit)
}

func (j *EventJournal) prune() {
	if j.keep <= 0 {
		return
	}
	n, err := j.repo.Prune(j.keep)
	if err != nil {
		j.logger.Printf("EventJournal: prune: %v", err)
		return
	}
	if n > 0 {
		j.logger.Printf("EventJournal: pruned %d old event(s)", n)
	}
}
