// Package domain holds fleet entities: server launch configs, lifecycle states, tools and events.
// It has no dependencies on other packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrServerNotFound   = errors.New("server not found")
	ErrServerNotRunning = errors.New("server not running")
	ErrAlreadyRunning   = errors.New("server already running")
	ErrServerBusy       = errors.New("server is starting or stopping")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrWorkerStopped    = errors.New("worker stopped")
	ErrProcessExited    = errors.New("worker process exited")
	ErrSessionClosed    = errors.New("session closed")
	ErrHandshakeTimeout = errors.New("initialization timed out")
	ErrInvalidConfig    = errors.New("invalid server config")
	ErrSpawnFailed      = errors.New("spawn failed")
)

// ServerConfig is the launch descriptor of one worker. Values are compared, never shared.
type ServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	// InheritEnv lists glob patterns of ambient variable names passed to the worker.
	// Empty inherits everything; ["none"] starts from a clean environment.
	InheritEnv []string `yaml:"inherit_env,omitempty" json:"inherit_env,omitempty"`
}

// Validate reports whether the config can be launched.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.InheritEnv != nil {
		out.InheritEnv = append([]string(nil), c.InheritEnv...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// SameLaunch reports whether two configs launch the same process: command, ordered args and work dir.
// Environment differences do not count.
func (c ServerConfig) SameLaunch(o ServerConfig) bool {
	if c.Command != o.Command || c.WorkDir != o.WorkDir {
		return false
	}
	if len(c.Args) != len(o.Args) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

// CommandLine renders the command and args for display.
func (c ServerConfig) CommandLine() string {
	if len(c.Args) == 0 {
		return c.Command
	}
	return c.Command + " " + strings.Join(c.Args, " ")
}

// ServerState is a worker's lifecycle state.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopping ServerState = "stopping"
	StateFailed   ServerState = "failed"
)

// CanStart reports whether a fresh start may be issued from s.
func (s ServerState) CanStart() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions lists the lifecycle edges a worker may take.
var validTransitions = map[ServerState][]ServerState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateFailed, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
	StateFailed:   {StateStarting, StateStopped},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to ServerState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ToolSchema is the JSON-Schema-shaped input description of a tool.
type ToolSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// Tool is a tool advertised by a worker via tools/list.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema ToolSchema `json:"input_schema"`
}

// ServerStatus is a read-only snapshot of one worker.
type ServerStatus struct {
	Name      string      `json:"name"`
	State     ServerState `json:"state"`
	Alive     bool        `json:"alive"`
	PID       int         `json:"pid,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Tools     []Tool      `json:"tools"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Command   string      `json:"command"`
}

// EventType classifies lifecycle events.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventProcessExited EventType = "process_exited"
	EventToolsChanged  EventType = "tools_changed"
	EventToolCalled    EventType = "tool_called"
)

// Event is an observable lifecycle notification from a worker.
type Event struct {
	Type      EventType   `json:"type"`
	Server    string      `json:"server"`
	SessionID string      `json:"session_id,omitempty"`
	State     ServerState `json:"state,omitempty"`
	PID       int         `json:"pid,omitempty"`
	ExitCode  int         `json:"exit_code,omitempty"`
	Signal    string      `json:"signal,omitempty"`
	Error     string      `json:"error,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
