package fleet

// InstructionsText is sent to MCP clients in the initialize response.
func InstructionsText() string {
	return `mcpfleet supervises a set of MCP servers running as child processes.

Use list_servers to see the fleet and server_status for one server's tools.
Use call_server_tool to invoke a tool on a running server; its result is returned unchanged.
start_server, stop_server and restart_server manage individual servers.
reload_config re-reads the fleet config file and converges the running servers onto it.

A server in state "failed" did not finish its handshake; see last_error and restart it after fixing the cause.`
}
