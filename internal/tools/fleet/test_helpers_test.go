package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// mockFleet is an in-memory Controller.
type mockFleet struct {
	mu       sync.Mutex
	servers  map[string]domain.ServerStatus
	configs  map[string]domain.ServerConfig
	nextPID  int
	callRaw  json.RawMessage
	callErr  error
	lastCall struct {
		server, tool string
		args         map[string]any
	}
}

func newMockFleet() *mockFleet {
	return &mockFleet{
		servers: make(map[string]domain.ServerStatus),
		configs: make(map[string]domain.ServerConfig),
		nextPID: 1000,
	}
}

func (m *mockFleet) StartServer(ctx context.Context, name string, cfg domain.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if st, ok := m.servers[name]; ok && st.State == domain.StateRunning {
		return fmt.Errorf("start %s: %w", name, domain.ErrAlreadyRunning)
	}
	m.nextPID++
	m.configs[name] = cfg
	m.servers[name] = domain.ServerStatus{
		Name: name, State: domain.StateRunning, Alive: true, PID: m.nextPID,
		Command: cfg.CommandLine(), Tools: []domain.Tool{{Name: "echo", Description: "Echo input"}},
	}
	return nil
}

func (m *mockFleet) StopServer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[name]; !ok {
		return fmt.Errorf("stop %s: %w", name, domain.ErrServerNotFound)
	}
	delete(m.servers, name)
	return nil
}

func (m *mockFleet) RestartServer(ctx context.Context, name string, cfg domain.ServerConfig) error {
	m.mu.Lock()
	st, ok := m.servers[name]
	prev := m.configs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("restart %s: %w", name, domain.ErrServerNotFound)
	}
	if cfg.Command == "" {
		cfg = prev
	}
	m.mu.Lock()
	st.State = domain.StateStopped
	m.servers[name] = st
	m.mu.Unlock()
	return m.StartServer(ctx, name, cfg)
}

func (m *mockFleet) CallTool(ctx context.Context, srv, tool string, args map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[srv]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", srv, domain.ErrServerNotFound)
	}
	if st.State != domain.StateRunning {
		return nil, fmt.Errorf("call %s: %w", srv, domain.ErrServerNotRunning)
	}
	m.lastCall.server, m.lastCall.tool, m.lastCall.args = srv, tool, args
	return m.callRaw, m.callErr
}

func (m *mockFleet) Status(name string) (domain.ServerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[name]
	return st, ok
}

func (m *mockFleet) Statuses() []domain.ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ServerStatus, 0, len(m.servers))
	for _, st := range m.servers {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type mockReloader struct {
	calls int
	err   error
}

func (r *mockReloader) Reload() error {
	r.calls++
	return r.err
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// testServer creates a MCPServer with the fleet tools registered.
func testServer(fleet Controller, opts ...RegisterOption) *server.MCPServer {
	s := server.NewMCPServer("test", "1.0.0")
	Register(s, fleet, testLogger(), opts...)
	return s
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	result, err := mcp.ParseCallToolResult(&resp.Result)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	return result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// listedTools returns the tool names the server advertises.
func listedTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out struct {
		Result mcp.ListToolsResult `json:"result"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal tools/list: %v", err)
	}
	names := make([]string, 0, len(out.Result.Tools))
	for _, tool := range out.Result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}
