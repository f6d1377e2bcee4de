package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/mcpfleet/internal/dashboard"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the fleet of a running mcpfleet instance",
	Long: `Query the HTTP API of a running "mcpfleet serve" and print one line per server.

Example:
  mcpfleet status
  mcpfleet status --addr http://localhost:9000`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "base URL of the running instance (default: http://localhost:<http_port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, _, err := loadConfig(log.New(io.Discard, "", 0))
		if err != nil {
			return err
		}
		if cfg.HTTPPort <= 0 {
			return fmt.Errorf("http_port is %d in the config; pass --addr", cfg.HTTPPort)
		}
		addr = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
	}

	snap, err := fetchFleet(strings.TrimRight(addr, "/"))
	if err != nil {
		return err
	}
	return printFleet(cmd.OutOrStdout(), snap)
}

func fetchFleet(baseURL string) (*dashboard.FleetSnapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/api/servers")
	if err != nil {
		return nil, fmt.Errorf("is mcpfleet running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s/api/servers: %s", baseURL, resp.Status)
	}
	var snap dashboard.FleetSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode fleet: %w", err)
	}
	return &snap, nil
}

func printFleet(w io.Writer, snap *dashboard.FleetSnapshot) error {
	if len(snap.Servers) == 0 {
		_, err := fmt.Fprintln(w, "no servers")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tTOOLS\tUPTIME\tCOMMAND")
	for _, s := range snap.Servers {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		uptime := s.Uptime
		if uptime == "" {
			uptime = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.State, pid, s.ToolCount, uptime, s.Command)
		if s.LastError != "" {
			fmt.Fprintf(tw, "\t  error: %s\t\t\t\t\n", s.LastError)
		}
	}
	fmt.Fprintf(tw, "\n%d of %d running\n", snap.Running, len(snap.Servers))
	return tw.Flush()
}
