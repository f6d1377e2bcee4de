// Package policy loads the fleet configuration and exposes it with defaults applied.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "MCPFLEET_CONFIG"

// DefaultHTTPPort is the dashboard port when none is configured. 0 picks a free port.
const DefaultHTTPPort = 8944

// GlobalStateDir returns the default state directory (~/.config/mcpfleet).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "mcpfleet")
}

// ConfigPath resolves the config file: an explicit path wins, then MCPFLEET_CONFIG,
// then ~/.config/mcpfleet/config.yaml.
func ConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(GlobalStateDir(), "config.yaml")
}

// Config holds the fleet configuration.
type Config struct {
	LogFile      string   `yaml:"log_file"`
	HTTPPort     int      `yaml:"http_port"`
	EventsFile   string   `yaml:"events_file"`
	EnabledTools []string `yaml:"enabled_tools"`

	EventRetentionMax     int `yaml:"event_retention_max"`
	InitTimeoutSeconds    int `yaml:"init_timeout_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	StopGraceSeconds      int `yaml:"stop_grace_seconds"`

	Servers map[string]domain.ServerConfig `yaml:"servers"`
}

// DefaultConfig returns sensible defaults with an empty fleet.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:              DefaultHTTPPort,
		EnabledTools:          []string{"*"},
		EventRetentionMax:     5000,
		InitTimeoutSeconds:    60,
		RequestTimeoutSeconds: 30,
		StopGraceSeconds:      5,
	}
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]domain.ServerConfig)
	}
	return cfg, nil
}

// ParseServers decodes only the desired server set. It is the config watcher's parser.
func ParseServers(data []byte) (map[string]domain.ServerConfig, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg.Servers, nil
}

// Policy exposes a Config with defaults resolved.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects config.Servers across reloads
}

// New creates a policy for cfg.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// SetServers replaces the desired server set after a reload.
func (p *Policy) SetServers(servers map[string]domain.ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Servers = servers
}

// DesiredServers returns a deep copy of the desired server set.
func (p *Policy) DesiredServers() map[string]domain.ServerConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.ServerConfig, len(p.config.Servers))
	for name, sc := range p.config.Servers {
		out[name] = sc.Clone()
	}
	return out
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/mcpfleet/mcpfleet.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "mcpfleet.log")
	}
	return p.config.LogFile
}

// EventsFile returns the event journal path.
// If unset, defaults to ~/.config/mcpfleet/events.sqlite. "none" or "off" disables the journal.
func (p *Policy) EventsFile() string {
	if p.config.EventsFile == "" {
		return filepath.Join(GlobalStateDir(), "events.sqlite")
	}
	return p.config.EventsFile
}

// JournalEnabled reports whether lifecycle events are persisted.
func (p *Policy) JournalEnabled() bool {
	lower := strings.ToLower(p.config.EventsFile)
	return lower != "none" && lower != "off"
}

// HTTPPort returns the dashboard port. A negative value disables HTTP.
func (p *Policy) HTTPPort() int {
	return p.config.HTTPPort
}

// IsToolEnabled checks if a fleet tool is enabled
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// EventRetentionMax returns how many journal events to keep (0 keeps all).
func (p *Policy) EventRetentionMax() int {
	return p.config.EventRetentionMax
}

// InitTimeout bounds spawn plus handshake.
func (p *Policy) InitTimeout() time.Duration {
	return seconds(p.config.InitTimeoutSeconds, 60)
}

// RequestTimeout bounds each request after the handshake.
func (p *Policy) RequestTimeout() time.Duration {
	return seconds(p.config.RequestTimeoutSeconds, 30)
}

// StopGrace is the wait between SIGTERM and SIGKILL.
func (p *Policy) StopGrace() time.Duration {
	return seconds(p.config.StopGraceSeconds, 5)
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
