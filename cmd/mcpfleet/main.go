// mcpfleet supervises MCP servers running as child processes.
// Stdio for the controlling MCP client, HTTP for the dashboard and remote clients.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jaakkos/mcpfleet/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpfleet",
	Short: "Supervise a fleet of MCP servers",
	Long: `mcpfleet launches the MCP servers listed in its config file as child processes,
keeps their JSON-RPC sessions, and exposes them over MCP (stdio and HTTP) and a web dashboard.

Without a subcommand it runs "serve".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "mcpfleet "+Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: $"+policy.EnvConfigPath+" or ~/.config/mcpfleet/config.yaml)")
	addServeFlags(rootCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file yields defaults (an empty fleet);
// a malformed one is an error.
func loadConfig(logger *log.Logger) (*policy.Config, string, error) {
	path := policy.ConfigPath(cfgFile)
	cfg, err := policy.LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Printf("No config at %s, starting with an empty fleet", path)
			return policy.DefaultConfig(), path, nil
		}
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the file.
// When stderr is redirected, logs go only to the file.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[mcpfleet] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[mcpfleet] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// Always keep at least one output.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[mcpfleet] ", log.LstdFlags|log.Lshortfile)
}
