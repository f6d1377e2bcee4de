// Package fleet exposes the supervisor to an MCP client as tools: inspect, start, stop and
// restart workers, call a worker's tool and reload the fleet config.
package fleet

import (
	"context"
	"encoding/json"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// Controller is implemented by app.Supervisor.
type Controller interface {
	StartServer(ctx context.Context, name string, cfg domain.ServerConfig) error
	StopServer(name string) error
	RestartServer(ctx context.Context, name string, cfg domain.ServerConfig) error
	CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
	Status(name string) (domain.ServerStatus, bool)
	Statuses() []domain.ServerStatus
}

// Reloader is implemented by app.ConfigWatcher.
type Reloader interface {
	Reload() error
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	reloader Reloader
	desired  func() map[string]domain.ServerConfig
	enabled  func(name string) bool
}

// WithReloader enables the reload_config tool.
func WithReloader(r Reloader) RegisterOption {
	return func(o *registerOpts) { o.reloader = r }
}

// WithDesiredServers lets start_server launch a configured server by name alone.
func WithDesiredServers(fn func() map[string]domain.ServerConfig) RegisterOption {
	return func(o *registerOpts) { o.desired = fn }
}

// WithToolFilter registers only the tools for which enabled returns true.
func WithToolFilter(enabled func(name string) bool) RegisterOption {
	return func(o *registerOpts) { o.enabled = enabled }
}

// Register registers the fleet tools with the mcp-go server.
func Register(s *server.MCPServer, fleet Controller, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}

	add := func(tool mcp.Tool, handler server.ToolHandlerFunc) {
		if o.enabled != nil && !o.enabled(tool.Name) {
			logger.Printf("fleet: tool %s disabled by config", tool.Name)
			return
		}
		s.AddTool(tool, handler)
	}

	// Inspection (2)
	add(listServersTool(), listServersHandler(fleet))
	add(serverStatusTool(), serverStatusHandler(fleet))

	// Lifecycle (3)
	add(startServerTool(), startServerHandler(fleet, o.desired, logger))
	add(stopServerTool(), stopServerHandler(fleet, logger))
	add(restartServerTool(), restartServerHandler(fleet, logger))

	// Proxy (1)
	add(callServerToolTool(), callServerToolHandler(fleet, logger))

	// Config (1, optional)
	if o.reloader != nil {
		add(reloadConfigTool(), reloadConfigHandler(o.reloader, logger))
	}
}
