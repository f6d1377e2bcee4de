// Package dashboard provides a web dashboard and JSON API for monitoring
// and controlling the supervised MCP server fleet.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// FleetSnapshot is the JSON response from /api/servers.
type FleetSnapshot struct {
	Timestamp string           `json:"timestamp"`
	Running   int              `json:"running"`
	Servers   []ServerSnapshot `json:"servers"`
}

// ServerSnapshot is a per-server summary.
type ServerSnapshot struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Alive     bool     `json:"alive"`
	PID       int      `json:"pid,omitempty"`
	Command   string   `json:"command"`
	SessionID string   `json:"session_id,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	Started   string   `json:"started,omitempty"`
	Uptime    string   `json:"uptime,omitempty"`
	ToolCount int      `json:"tool_count"`
	Tools     []string `json:"tools"`
}

// EventSnapshot is one journal entry.
type EventSnapshot struct {
	Type      string `json:"type"`
	Server    string `json:"server"`
	State     string `json:"state,omitempty"`
	PID       int    `json:"pid,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Error     string `json:"error,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Timestamp string `json:"timestamp"`
	Age       string `json:"age"`
}

// Controller is implemented by app.Supervisor.
type Controller interface {
	Status(name string) (domain.ServerStatus, bool)
	Statuses() []domain.ServerStatus
	StopServer(name string) error
	RestartServer(ctx context.Context, name string, cfg domain.ServerConfig) error
}

// EventSource is implemented by app.EventJournal.
type EventSource interface {
	Recent(server string, limit int) ([]domain.Event, error)
}

// Reloader is implemented by app.ConfigWatcher.
type Reloader interface {
	Reload() error
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	fleet    Controller
	events   EventSource // optional; nil when the journal is disabled
	reloader Reloader    // optional; nil when no config file is watched
}

// NewHandler creates a dashboard handler.
func NewHandler(fleet Controller, opts ...HandlerOption) *Handler {
	h := &Handler{fleet: fleet}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithEventSource enables /api/events.
func WithEventSource(src EventSource) HandlerOption {
	return func(h *Handler) { h.events = src }
}

// WithReloader enables /api/reload.
func WithReloader(r Reloader) HandlerOption {
	return func(h *Handler) { h.reloader = r }
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/servers", h.handleAPIServers)
	mux.HandleFunc("/api/servers/{name}", h.handleAPIServer)
	mux.HandleFunc("/api/servers/{name}/restart", h.handleAPIRestart)
	mux.HandleFunc("/api/servers/{name}/stop", h.handleAPIStop)
	mux.HandleFunc("/api/reload", h.handleAPIReload)
	mux.HandleFunc("/api/events", h.handleAPIEvents)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

func (h *Handler) handleAPIServers(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	w.Header().Set("Cache-Control", "no-cache")

	now := time.Now()
	snap := FleetSnapshot{Timestamp: now.Format(time.RFC3339), Servers: []ServerSnapshot{}}
	for _, st := range h.fleet.Statuses() {
		if st.State == domain.StateRunning {
			snap.Running++
		}
		snap.Servers = append(snap.Servers, serverSnapshot(st, now))
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAPIServer(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	st, ok := h.fleet.Status(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrServerNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, serverSnapshot(st, time.Now()))
}

func (h *Handler) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	name := r.PathValue("name")
	// The start outlives the request; a disconnecting browser must not abort the handshake.
	ctx := context.WithoutCancel(r.Context())
	if err := h.fleet.RestartServer(ctx, name, domain.ServerConfig{}); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	st, _ := h.fleet.Status(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Server restarted",
		"server":  serverSnapshot(st, time.Now()),
	})
}

func (h *Handler) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	name := r.PathValue("name")
	if err := h.fleet.StopServer(name); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "Server " + name + " stopped"})
}

func (h *Handler) handleAPIReload(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	if h.reloader == nil {
		writeError(w, http.StatusNotFound, "no config file is watched by this server")
		return
	}
	if err := h.reloader.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "Configuration reloaded"})
}

func (h *Handler) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event journal is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := h.events.Recent(r.URL.Query().Get("server"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	out := make([]EventSnapshot, 0, len(evs))
	for _, ev := range evs {
		out = append(out, EventSnapshot{
			Type:      string(ev.Type),
			Server:    ev.Server,
			State:     string(ev.State),
			PID:       ev.PID,
			ExitCode:  ev.ExitCode,
			Signal:    ev.Signal,
			Error:     truncate(ev.Error, 300),
			Tool:      ev.Tool,
			Timestamp: ev.Timestamp.Format(time.RFC3339),
			Age:       relTime(ev.Timestamp, now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	statuses := h.fleet.Statuses()
	running := 0
	for _, st := range statuses {
		if st.State == domain.StateRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "servers": len(statuses), "running": running})
}

func serverSnapshot(st domain.ServerStatus, now time.Time) ServerSnapshot {
	s := ServerSnapshot{
		Name:      st.Name,
		State:     string(st.State),
		Alive:     st.Alive,
		PID:       st.PID,
		Command:   st.Command,
		SessionID: st.SessionID,
		LastError: truncate(st.LastError, 300),
		ToolCount: len(st.Tools),
		Tools:     make([]string, 0, len(st.Tools)),
	}
	for _, t := range st.Tools {
		s.Tools = append(s.Tools, t.Name)
	}
	if !st.StartedAt.IsZero() {
		s.Started = relTime(st.StartedAt, now)
		if st.Alive {
			s.Uptime = now.Sub(st.StartedAt).Truncate(time.Second).String()
		}
	}
	return s
}

// errorStatus maps supervisor errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrServerBusy), errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func setJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// requirePOST answers CORS preflight and rejects other methods. It reports whether to continue.
func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	setJSONHeaders(w)
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
