package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// Supervisor owns the registry of named workers. It is constructed once by the command's
// top-level control flow and torn down with StopAll.
type Supervisor struct {
	logger *log.Logger
	opts   WorkerOptions
	bus    *EventBus

	mu       sync.Mutex
	workers  map[string]*Worker
	starting map[string]*inflightStart
}

// inflightStart marks a name whose worker is between registration and the end of its handshake.
type inflightStart struct {
	worker *Worker
	cancel context.CancelFunc
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithWorkerOptions sets the timeouts and client version used for every worker.
// The Publish hook is always replaced by the supervisor's event bus.
func WithWorkerOptions(o WorkerOptions) SupervisorOption {
	return func(s *Supervisor) { s.opts = o }
}

// WithEventBus makes the supervisor publish lifecycle events to bus.
func WithEventBus(bus *EventBus) SupervisorOption {
	return func(s *Supervisor) { s.bus = bus }
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *log.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:   logger,
		workers:  make(map[string]*Worker),
		starting: make(map[string]*inflightStart),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus(0)
	}
	s.opts.Publish = s.bus.Publish
	return s
}

// StartServer registers and starts a worker for name. A start for a name that is already
// starting is ignored. A running worker yields ErrAlreadyRunning.
func (s *Supervisor) StartServer(ctx context.Context, name string, cfg domain.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	s.mu.Lock()
	if _, ok := s.starting[name]; ok {
		s.mu.Unlock()
		s.logger.Printf("Supervisor: %s is already starting, ignoring duplicate start", name)
		return nil
	}
	if existing, ok := s.workers[name]; ok {
		switch st := existing.State(); st {
		case domain.StateRunning:
			s.mu.Unlock()
			return fmt.Errorf("start %s: %w", name, domain.ErrAlreadyRunning)
		case domain.StateStarting, domain.StateStopping:
			s.mu.Unlock()
			return fmt.Errorf("start %s (%s): %w", name, st, domain.ErrServerBusy)
		}
	}
	w := NewWorker(name, cfg, s.opts, s.logger)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	inflight := &inflightStart{worker: w, cancel: cancel}
	s.workers[name] = w
	s.starting[name] = inflight
	s.mu.Unlock()

	err := w.Start(sctx)

	s.mu.Lock()
	if s.starting[name] == inflight {
		delete(s.starting, name)
	}
	if err != nil && s.workers[name] == w {
		// A worker that never got a process is not kept; a failed handshake stays visible.
		if errors.Is(err, domain.ErrSpawnFailed) || w.State() == domain.StateStopped {
			delete(s.workers, name)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("Supervisor: start %s failed: %v", name, err)
		return err
	}
	s.logger.Printf("Supervisor: started %s", name)
	return nil
}

// StopServer stops the named worker and removes it from the registry. An in-flight start is aborted.
func (s *Supervisor) StopServer(name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if inflight, starting := s.starting[name]; starting {
		inflight.cancel()
		delete(s.starting, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", name, domain.ErrServerNotFound)
	}

	w.Stop()

	s.mu.Lock()
	if s.workers[name] == w {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	s.logger.Printf("Supervisor: stopped %s", name)
	return nil
}

// RestartServer stops the registered worker, if any, and starts name with cfg.
// An empty cfg.Command reuses the registered worker's configuration.
func (s *Supervisor) RestartServer(ctx context.Context, name string, cfg domain.ServerConfig) error {
	s.mu.Lock()
	w, registered := s.workers[name]
	s.mu.Unlock()

	if cfg.Command == "" {
		if !registered {
			return fmt.Errorf("restart %s: %w", name, domain.ErrServerNotFound)
		}
		cfg = w.Config()
	}
	if registered {
		if err := s.StopServer(name); err != nil && !errors.Is(err, domain.ErrServerNotFound) {
			s.logger.Printf("Supervisor: restart %s: stop: %v", name, err)
		}
	}
	return s.StartServer(ctx, name, cfg)
}

// CallTool invokes tool on the named running worker and returns the raw tools/call result.
func (s *Supervisor) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	w, ok := s.workers[server]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("call %s/%s: %w", server, tool, domain.ErrServerNotFound)
	}
	if st := w.State(); st != domain.StateRunning {
		return nil, fmt.Errorf("call %s/%s (%s): %w", server, tool, st, domain.ErrServerNotRunning)
	}
	return w.CallTool(ctx, tool, args)
}

// Status returns the snapshot of one registered worker.
func (s *Supervisor) Status(name string) (domain.ServerStatus, bool) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return domain.ServerStatus{}, false
	}
	return w.Status(), true
}

// Statuses returns snapshots of every registered worker, sorted by name.
func (s *Supervisor) Statuses() []domain.ServerStatus {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	out := make([]domain.ServerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events subscribes to lifecycle events until ctx ends.
func (s *Supervisor) Events(ctx context.Context) <-chan domain.Event {
	return s.bus.Subscribe(ctx)
}

// StopAll aborts in-flight starts, stops every worker concurrently and clears the registry.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for name, inflight := range s.starting {
		inflight.cancel()
		delete(s.starting, name)
	}
	workers := make(map[string]*Worker, len(s.workers))
	for name, w := range s.workers {
		workers[name] = w
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	s.mu.Lock()
	for name, w := range workers {
		if s.workers[name] == w {
			delete(s.workers, name)
		}
	}
	s.mu.Unlock()
	if len(workers) > 0 {
		s.logger.Printf("Supervisor: stopped %d server(s)", len(workers))
	}
}

// Reconcile converges the registry onto desired. Each stop, start and restart runs on its own
// goroutine; failures are logged per name and never abort the others.
func (s *Supervisor) Reconcile(ctx context.Context, desired map[string]domain.ServerConfig) {
	plan := PlanReconcile(s.observe(), desired)
	if plan.Empty() {
		s.logger.Printf("Supervisor: reconcile: fleet already converged (%d servers)", len(plan.Keep))
		return
	}
	s.logger.Printf("Supervisor: reconcile: stop=%v start=%v restart=%v keep=%v invalid=%v",
		plan.Stop, plan.Start, plan.Restart, plan.Keep, plan.Invalid)

	var wg sync.WaitGroup
	run := func(action, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				s.logger.Printf("Supervisor: reconcile %s %s: %v", action, name, err)
			}
		}()
	}
	for _, name := range plan.Stop {
		run("stop", name, func() error { return s.StopServer(name) })
	}
	for _, name := range plan.Start {
		cfg := desired[name]
		run("start", name, func() error { return s.StartServer(ctx, name, cfg) })
	}
	for _, name := range plan.Restart {
		cfg := desired[name]
		run("restart", name, func() error { return s.RestartServer(ctx, name, cfg) })
	}
	wg.Wait()
}

// observe snapshots the registry for planning. In-flight starts are registered and count as present.
func (s *Supervisor) observe() map[string]ObservedServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ObservedServer, len(s.workers))
	for name, w := range s.workers {
		out[name] = ObservedServer{Config: w.Config(), State: w.State()}
	}
	return out
}
