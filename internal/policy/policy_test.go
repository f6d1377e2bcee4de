package policy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPPort != DefaultHTTPPort {
		t.Errorf("expected http port %d, got %d", DefaultHTTPPort, cfg.HTTPPort)
	}

	if cfg.EventRetentionMax != 5000 {
		t.Errorf("expected event retention max 5000, got %d", cfg.EventRetentionMax)
	}

	if len(cfg.EnabledTools) != 1 || cfg.EnabledTools[0] != "*" {
		t.Errorf("expected enabled_tools [*], got %v", cfg.EnabledTools)
	}

	if len(cfg.Servers) != 0 {
		t.Errorf("expected no servers by default, got %v", cfg.Servers)
	}
}

func TestIsToolEnabled(t *testing.T) {
	tests := []struct {
		name         string
		enabledTools []string
		toolName     string
		want         bool
	}{
		{name: "wildcard", enabledTools: []string{"*"}, toolName: "start_server", want: true},
		{name: "explicit match", enabledTools: []string{"list_servers", "server_status"}, toolName: "server_status", want: true},
		{name: "not listed", enabledTools: []string{"list_servers"}, toolName: "stop_server", want: false},
		{name: "empty list", enabledTools: []string{}, toolName: "any_tool", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := New(&Config{EnabledTools: tt.enabledTools})
			if got := pol.IsToolEnabled(tt.toolName); got != tt.want {
				t.Errorf("IsToolEnabled(%q) = %v, want %v", tt.toolName, got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
http_port: 0
request_timeout_seconds: 10
servers:
  files:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    cwd: /tmp
  github:
    command: github-mcp
    env:
      GITHUB_TOKEN: ${GH_TOKEN}
    inherit_env: ["PATH", "HOME"]
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.HTTPPort != 0 {
		t.Errorf("expected http port 0, got %d", cfg.HTTPPort)
	}
	if cfg.InitTimeoutSeconds != 60 {
		t.Errorf("unset init timeout should keep default 60, got %d", cfg.InitTimeoutSeconds)
	}

	want := map[string]domain.ServerConfig{
		"files": {
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
			WorkDir: "/tmp",
		},
		"github": {
			Command:    "github-mcp",
			Env:        map[string]string{"GITHUB_TOKEN": "${GH_TOKEN}"},
			InheritEnv: []string{"PATH", "HOME"},
		},
	}
	if !reflect.DeepEqual(cfg.Servers, want) {
		t.Errorf("servers = %+v\nwant %+v", cfg.Servers, want)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := ParseServers([]byte("servers: [not, a, map]")); err == nil {
		t.Error("expected error for malformed servers")
	}
}

func TestParseServers_Empty(t *testing.T) {
	servers, err := ParseServers([]byte("http_port: 9000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if servers == nil || len(servers) != 0 {
		t.Errorf("expected empty non-nil map, got %v", servers)
	}
}

func TestTimeouts(t *testing.T) {
	pol := New(&Config{InitTimeoutSeconds: 5, RequestTimeoutSeconds: 0, StopGraceSeconds: -1})
	if pol.InitTimeout() != 5*time.Second {
		t.Errorf("InitTimeout = %v", pol.InitTimeout())
	}
	if pol.RequestTimeout() != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want default 30s", pol.RequestTimeout())
	}
	if pol.StopGrace() != 5*time.Second {
		t.Errorf("StopGrace = %v, want default 5s", pol.StopGrace())
	}
}

func TestDesiredServers_IsCopy(t *testing.T) {
	pol := New(&Config{Servers: map[string]domain.ServerConfig{
		"a": {Command: "a", Args: []string{"x"}},
	}})
	got := pol.DesiredServers()
	got["a"].Args[0] = "mutated"
	delete(got, "a")

	again := pol.DesiredServers()
	if again["a"].Args[0] != "x" {
		t.Errorf("policy servers mutated through copy: %v", again)
	}

	pol.SetServers(map[string]domain.ServerConfig{"b": {Command: "b"}})
	if _, ok := pol.DesiredServers()["b"]; !ok {
		t.Error("SetServers not applied")
	}
}

func TestPaths(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	pol := New(DefaultConfig())
	if got := pol.LogFile(); got != "/home/tester/.config/mcpfleet/mcpfleet.log" {
		t.Errorf("LogFile = %s", got)
	}
	if got := pol.EventsFile(); got != "/home/tester/.config/mcpfleet/events.sqlite" {
		t.Errorf("EventsFile = %s", got)
	}
	if !pol.JournalEnabled() {
		t.Error("journal should be enabled by default")
	}

	off := New(&Config{EventsFile: "off", LogFile: "/var/log/fleet.log"})
	if off.JournalEnabled() {
		t.Error("events_file: off should disable the journal")
	}
	if off.LogFile() != "/var/log/fleet.log" {
		t.Errorf("LogFile = %s", off.LogFile())
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv(EnvConfigPath, "")

	if got := ConfigPath("/etc/fleet.yaml"); got != "/etc/fleet.yaml" {
		t.Errorf("explicit path: got %s", got)
	}
	if got := ConfigPath(""); got != "/home/tester/.config/mcpfleet/config.yaml" {
		t.Errorf("default path: got %s", got)
	}
	t.Setenv(EnvConfigPath, "/srv/fleet.yaml")
	if got := ConfigPath(""); got != "/srv/fleet.yaml" {
		t.Errorf("env path: got %s", got)
	}
}
