package fleet

import (
	"context"
	"errors"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

func callServerToolTool() mcp.Tool {
	return mcp.NewTool("call_server_tool",
		mcp.WithDescription("Invoke a tool on a running server and return that tool's result unchanged."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Server name")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool name as advertised by the server")),
		mcp.WithObject("arguments", mcp.Description("Tool arguments")),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

func callServerToolHandler(fleet Controller, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverName, err := req.RequireString("server")
		if err != nil {
			return nil, err
		}
		tool, err := req.RequireString("tool")
		if err != nil {
			return nil, err
		}
		args, err := objectArg(req.GetArguments(), "arguments")
		if err != nil {
			return nil, err
		}

		raw, err := fleet.CallTool(ctx, serverName, tool, args)
		if err != nil {
			if errors.Is(err, domain.ErrServerNotFound) || errors.Is(err, domain.ErrServerNotRunning) {
				return nil, err
			}
			logger.Printf("call_server_tool: %s/%s failed: %v", serverName, tool, err)
			return mcp.NewToolResultErrorFromErr("call "+serverName+"/"+tool+" failed", err), nil
		}

		result, err := mcp.ParseCallToolResult(&raw)
		if err != nil {
			// Non-conforming result: hand the raw payload back as text.
			return mcp.NewToolResultText(string(raw)), nil
		}
		return result, nil
	}
}
