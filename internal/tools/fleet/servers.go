package fleet

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

func listServersTool() mcp.Tool {
	return mcp.NewTool("list_servers",
		mcp.WithDescription("List every supervised MCP server with its lifecycle state, pid and tool count."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func listServersHandler(fleet Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses := fleet.Statuses()
		if len(statuses) == 0 {
			return mcp.NewToolResultStructured(map[string]any{"servers": []domain.ServerStatus{}}, "No servers are registered."), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d server(s):\n", len(statuses))
		for _, st := range statuses {
			b.WriteString(summaryLine(st))
			b.WriteByte('\n')
		}
		return mcp.NewToolResultStructured(map[string]any{"servers": statuses}, b.String()), nil
	}
}

func serverStatusTool() mcp.Tool {
	return mcp.NewTool("server_status",
		mcp.WithDescription("Show one server's state, process, session and the tools it advertises."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func serverStatusHandler(fleet Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		st, ok := fleet.Status(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, name)
		}

		var b strings.Builder
		b.WriteString(summaryLine(st))
		b.WriteByte('\n')
		fmt.Fprintf(&b, "command: %s\n", st.Command)
		if st.SessionID != "" {
			fmt.Fprintf(&b, "session: %s\n", st.SessionID)
		}
		if !st.StartedAt.IsZero() {
			fmt.Fprintf(&b, "started: %s\n", st.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if st.LastError != "" {
			fmt.Fprintf(&b, "last error: %s\n", st.LastError)
		}
		if len(st.Tools) > 0 {
			b.WriteString("tools:\n")
			for _, t := range st.Tools {
				if t.Description != "" {
					fmt.Fprintf(&b, "  - %s: %s\n", t.Name, t.Description)
				} else {
					fmt.Fprintf(&b, "  - %s\n", t.Name)
				}
			}
		}
		return mcp.NewToolResultStructured(st, b.String()), nil
	}
}

func startServerTool() mcp.Tool {
	return mcp.NewTool("start_server",
		mcp.WithDescription("Start a server. With only a name, the configured launch settings are used; pass command to launch an ad-hoc server."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
		mcp.WithString("command", mcp.Description("Executable to launch (optional when the name is configured)")),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Command arguments")),
		mcp.WithString("cwd", mcp.Description("Working directory")),
		mcp.WithObject("env", mcp.Description("Extra environment variables; values may reference ${VAR}")),
	)
}

func startServerHandler(fleet Controller, desired func() map[string]domain.ServerConfig, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		cfg, err := launchConfig(req, name, desired)
		if err != nil {
			return nil, err
		}
		if err := fleet.StartServer(ctx, name, cfg); err != nil {
			return nil, err
		}
		st, _ := fleet.Status(name)
		logger.Printf("start_server: %s started (pid %d, %d tools)", name, st.PID, len(st.Tools))
		return mcp.NewToolResultStructured(st, "Started "+summaryLine(st)), nil
	}
}

// launchConfig builds the config from explicit arguments or falls back to the configured entry.
func launchConfig(req mcp.CallToolRequest, name string, desired func() map[string]domain.ServerConfig) (domain.ServerConfig, error) {
	command := req.GetString("command", "")
	if command == "" {
		if desired != nil {
			if cfg, ok := desired()[name]; ok {
				return cfg, nil
			}
		}
		return domain.ServerConfig{}, fmt.Errorf("server %q is not configured; command is required", name)
	}
	env, err := stringMap(req.GetArguments(), "env")
	if err != nil {
		return domain.ServerConfig{}, err
	}
	return domain.ServerConfig{
		Command: command,
		Args:    req.GetStringSlice("args", nil),
		WorkDir: req.GetString("cwd", ""),
		Env:     env,
	}, nil
}

func stopServerTool() mcp.Tool {
	return mcp.NewTool("stop_server",
		mcp.WithDescription("Stop a server and remove it from the fleet. Pending calls to it fail."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
		mcp.WithDestructiveHintAnnotation(true),
	)
}

func stopServerHandler(fleet Controller, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		if err := fleet.StopServer(name); err != nil {
			return nil, err
		}
		logger.Printf("stop_server: %s stopped", name)
		return mcp.NewToolResultText(fmt.Sprintf("Server %s stopped", name)), nil
	}
}

func restartServerTool() mcp.Tool {
	return mcp.NewTool("restart_server",
		mcp.WithDescription("Stop and start a server with its current launch settings. The new process gets a new session."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
	)
}

func restartServerHandler(fleet Controller, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		if err := fleet.RestartServer(ctx, name, domain.ServerConfig{}); err != nil {
			return nil, err
		}
		st, _ := fleet.Status(name)
		logger.Printf("restart_server: %s restarted (pid %d)", name, st.PID)
		return mcp.NewToolResultStructured(st, "Restarted "+summaryLine(st)), nil
	}
}

func reloadConfigTool() mcp.Tool {
	return mcp.NewTool("reload_config",
		mcp.WithDescription("Re-read the fleet config file and converge the running servers onto it."),
	)
}

func reloadConfigHandler(r Reloader, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.Reload(); err != nil {
			return nil, err
		}
		logger.Printf("reload_config: configuration reloaded")
		return mcp.NewToolResultText("Configuration reloaded"), nil
	}
}

func summaryLine(st domain.ServerStatus) string {
	line := fmt.Sprintf("%s [%s]", st.Name, st.State)
	if st.PID > 0 {
		line += fmt.Sprintf(" pid=%d", st.PID)
	}
	line += fmt.Sprintf(" tools=%d", len(st.Tools))
	if st.LastError != "" {
		line += " error=" + st.LastError
	}
	return line
}
