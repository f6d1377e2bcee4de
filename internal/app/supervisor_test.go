package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

func newTestSupervisor(t *testing.T, opts WorkerOptions) *Supervisor {
	t.Helper()
	s := NewSupervisor(testLogger(), WithWorkerOptions(opts))
	t.Cleanup(s.StopAll)
	return s
}

func mustStart(t *testing.T, s *Supervisor, name string, cfg domain.ServerConfig) int {
	t.Helper()
	if err := s.StartServer(context.Background(), name, cfg); err != nil {
		t.Fatalf("StartServer(%s): %v", name, err)
	}
	st, ok := s.Status(name)
	if !ok || st.PID == 0 {
		t.Fatalf("StartServer(%s): no live pid: %+v", name, st)
	}
	return st.PID
}

func TestSupervisor_StartReportsRunning(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})

	if err := s.StartServer(context.Background(), "alpha", fakeConfig("mcp")); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	st, ok := s.Status("alpha")
	if !ok {
		t.Fatal("alpha not registered")
	}
	if st.State != domain.StateRunning || st.PID == 0 || !st.Alive {
		t.Errorf("status = %+v, want running with pid", st)
	}
}

func TestSupervisor_ConcurrentDuplicateStartSpawnsOnce(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	cfg := fakeConfig("mcp")
	cfg.Env[spawnLogEnv] = spawnLog

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.StartServer(context.Background(), "dup", cfg)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
			t.Errorf("start %d: %v", i, err)
		}
	}
	data, err := os.ReadFile(spawnLog)
	if err != nil {
		t.Fatalf("read spawn log: %v", err)
	}
	if n := len(strings.Fields(string(data))); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
	statuses := s.Statuses()
	if len(statuses) != 1 || statuses[0].State != domain.StateRunning {
		t.Errorf("statuses = %+v, want one running entry", statuses)
	}
}

func TestSupervisor_StartWhileRunning(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	mustStart(t, s, "alpha", fakeConfig("mcp"))

	err := s.StartServer(context.Background(), "alpha", fakeConfig("mcp"))
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSupervisor_StartInvalidConfig(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	if err := s.StartServer(context.Background(), "bad", domain.ServerConfig{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, ok := s.Status("bad"); ok {
		t.Error("invalid config must not be registered")
	}
}

func TestSupervisor_SpawnFailureDeregisters(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	err := s.StartServer(context.Background(), "ghost", domain.ServerConfig{Command: "/nonexistent/mcp-server"})
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if _, ok := s.Status("ghost"); ok {
		t.Error("worker that never spawned must be deregistered")
	}
}

func TestSupervisor_HandshakeFailureStaysQueryable(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	if err := s.StartServer(context.Background(), "crash", fakeConfig("exit-on-init")); err == nil {
		t.Fatal("expected start failure")
	}
	st, ok := s.Status("crash")
	if !ok {
		t.Fatal("failed worker should stay registered")
	}
	if st.State != domain.StateFailed || st.LastError == "" {
		t.Errorf("status = %+v, want failed with error", st)
	}

	_, err := s.CallTool(context.Background(), "crash", "echo", nil)
	if !errors.Is(err, domain.ErrServerNotRunning) {
		t.Errorf("expected ErrServerNotRunning, got %v", err)
	}

	// A fresh start replaces the failed entry.
	if err := s.StartServer(context.Background(), "crash", fakeConfig("mcp")); err != nil {
		t.Fatalf("start over failed entry: %v", err)
	}
	if st, _ := s.Status("crash"); st.State != domain.StateRunning {
		t.Errorf("state = %s, want running", st.State)
	}
}

func TestSupervisor_StopForceKillsWorkerIgnoringSIGTERM(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{StopGrace: 300 * time.Millisecond})
	pid := mustStart(t, s, "stubborn", fakeConfig("trap-term"))

	if err := s.StopServer("stubborn"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if _, ok := s.Status("stubborn"); ok {
		t.Error("stopped worker must be deregistered")
	}
	if !processGone(pid) {
		t.Errorf("pid %d still alive", pid)
	}
}

func TestSupervisor_StopUnknown(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	if err := s.StopServer("nope"); !errors.Is(err, domain.ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestSupervisor_CallToolUnknownServer(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	_, err := s.CallTool(context.Background(), "never", "echo", nil)
	if !errors.Is(err, domain.ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
	if len(s.Statuses()) != 0 {
		t.Error("CallTool must not register or spawn anything")
	}
}

func TestSupervisor_CallTool(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	mustStart(t, s, "alpha", fakeConfig("mcp"))

	raw, err := s.CallTool(context.Background(), "alpha", "echo", map[string]any{"text": "via supervisor"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := toolText(t, raw); got != "via supervisor" {
		t.Errorf("result = %q", got)
	}
}

func TestSupervisor_RestartReusesConfig(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	cfg := fakeConfig("mcp", "--variant=1")
	before := mustStart(t, s, "alpha", cfg)

	if err := s.RestartServer(context.Background(), "alpha", domain.ServerConfig{}); err != nil {
		t.Fatalf("RestartServer: %v", err)
	}
	st, ok := s.Status("alpha")
	if !ok || st.State != domain.StateRunning {
		t.Fatalf("status after restart = %+v", st)
	}
	if st.PID == before {
		t.Error("restart must spawn a new process")
	}
	if !strings.Contains(st.Command, "--variant=1") {
		t.Errorf("restart dropped the original args: %q", st.Command)
	}
	if !processGone(before) {
		t.Errorf("old pid %d still alive", before)
	}

	if err := s.RestartServer(context.Background(), "missing", domain.ServerConfig{}); !errors.Is(err, domain.ErrServerNotFound) {
		t.Errorf("restart of unknown name without config: %v", err)
	}
}

func TestSupervisor_ReconcileEmptyStopsAll(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	var pids []int
	for _, name := range []string{"a", "b", "c"} {
		pids = append(pids, mustStart(t, s, name, fakeConfig("mcp")))
	}

	s.Reconcile(context.Background(), map[string]domain.ServerConfig{})

	if got := s.Statuses(); len(got) != 0 {
		t.Errorf("registry not empty after reconcile: %+v", got)
	}
	for _, pid := range pids {
		if !processGone(pid) {
			t.Errorf("pid %d still alive", pid)
		}
	}
}

func TestSupervisor_ReconcileKeepsRestartsAndStarts(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	samePID := mustStart(t, s, "same", fakeConfig("mcp", "--variant=1"))
	changedPID := mustStart(t, s, "changed", fakeConfig("mcp", "--variant=1"))

	s.Reconcile(context.Background(), map[string]domain.ServerConfig{
		"same":    fakeConfig("mcp", "--variant=1"),
		"changed": fakeConfig("mcp", "--variant=2"),
		"new":     fakeConfig("mcp"),
	})

	st, ok := s.Status("same")
	if !ok || st.PID != samePID {
		t.Errorf("unchanged worker restarted: before %d, now %+v", samePID, st)
	}
	st, ok = s.Status("changed")
	if !ok || st.State != domain.StateRunning || st.PID == changedPID || st.PID == 0 {
		t.Errorf("changed worker not restarted: before %d, now %+v", changedPID, st)
	}
	if !strings.Contains(st.Command, "--variant=2") {
		t.Errorf("changed worker runs old config: %q", st.Command)
	}
	st, ok = s.Status("new")
	if !ok || st.State != domain.StateRunning || st.PID == 0 {
		t.Errorf("new worker not started: %+v", st)
	}
}

func TestSupervisor_ReconcileIsolatesFailures(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})

	s.Reconcile(context.Background(), map[string]domain.ServerConfig{
		"good":  fakeConfig("mcp"),
		"crash": fakeConfig("exit-on-init"),
		"ghost": {Command: "/nonexistent/mcp-server"},
	})

	if st, ok := s.Status("good"); !ok || st.State != domain.StateRunning {
		t.Errorf("good = %+v, want running", st)
	}
	if st, ok := s.Status("crash"); !ok || st.State != domain.StateFailed {
		t.Errorf("crash = %+v, want failed", st)
	}
	if _, ok := s.Status("ghost"); ok {
		t.Error("ghost never spawned and must not be registered")
	}

	// An unchanged config leaves the failed worker alone; a changed launch brings it back.
	s.Reconcile(context.Background(), map[string]domain.ServerConfig{
		"good":  fakeConfig("mcp"),
		"crash": fakeConfig("exit-on-init"),
	})
	if st, ok := s.Status("crash"); !ok || st.State != domain.StateFailed {
		t.Errorf("crash with same config = %+v, want failed", st)
	}
	s.Reconcile(context.Background(), map[string]domain.ServerConfig{
		"good":  fakeConfig("mcp"),
		"crash": fakeConfig("mcp", "--fixed"),
	})
	if st, ok := s.Status("crash"); !ok || st.State != domain.StateRunning {
		t.Errorf("crash after fix = %+v, want running", st)
	}
}

func TestSupervisor_ReconcileLeavesExitedWorkerStopped(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	cfg := fakeConfig("mcp")
	pid := mustStart(t, s, "crashy", cfg)

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, 5*time.Second, "crashy to stop", func() bool {
		st, _ := s.Status("crashy")
		return st.State == domain.StateStopped
	})

	s.Reconcile(context.Background(), map[string]domain.ServerConfig{"crashy": cfg})

	st, ok := s.Status("crashy")
	if !ok {
		t.Fatal("crashy must stay registered")
	}
	if st.State != domain.StateStopped || st.PID != 0 {
		t.Errorf("after reconcile with identical config: %+v, want stopped without a process", st)
	}
}

func TestSupervisor_ReconcileAbortsInflightStart(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{InitTimeout: 20 * time.Second})

	errc := make(chan error, 1)
	go func() {
		errc <- s.StartServer(context.Background(), "slow", fakeConfig("silent"))
	}()
	waitFor(t, 5*time.Second, "slow to be spawned", func() bool {
		st, ok := s.Status("slow")
		return ok && st.State == domain.StateStarting && st.PID != 0
	})
	st, _ := s.Status("slow")

	start := time.Now()
	s.Reconcile(context.Background(), map[string]domain.ServerConfig{})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("reconcile waited %s for the handshake", elapsed)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Error("aborted start should report an error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight start did not return")
	}
	if _, ok := s.Status("slow"); ok {
		t.Error("aborted start must not stay registered")
	}
	if !processGone(st.PID) {
		t.Errorf("pid %d still alive", st.PID)
	}
}

func TestSupervisor_StopAll(t *testing.T) {
	s := NewSupervisor(testLogger())
	a := mustStart(t, s, "a", fakeConfig("mcp"))
	b := mustStart(t, s, "b", fakeConfig("mcp"))

	s.StopAll()

	if len(s.Statuses()) != 0 {
		t.Errorf("registry not cleared: %+v", s.Statuses())
	}
	if !processGone(a) || !processGone(b) {
		t.Error("StopAll left processes running")
	}
}

func TestSupervisor_StatusesSorted(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		mustStart(t, s, name, fakeConfig("mcp"))
	}
	got := s.Statuses()
	if len(got) != 3 || got[0].Name != "alpha" || got[1].Name != "mid" || got[2].Name != "zeta" {
		t.Errorf("statuses not sorted: %v", []string{got[0].Name, got[1].Name, got[2].Name})
	}
}

func TestSupervisor_Events(t *testing.T) {
	s := newTestSupervisor(t, WorkerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Events(ctx)

	mustStart(t, s, "alpha", fakeConfig("mcp"))

	ev := waitEvent(t, events, 5*time.Second, func(ev domain.Event) bool {
		return ev.Type == domain.EventStateChanged && ev.State == domain.StateRunning
	})
	if ev.Server != "alpha" || ev.SessionID == "" {
		t.Errorf("unexpected event: %+v", ev)
	}
}
