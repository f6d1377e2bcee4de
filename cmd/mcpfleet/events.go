package main

import (
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/mcpfleet/internal/domain"
	"github.com/jaakkos/mcpfleet/internal/policy"
	"github.com/jaakkos/mcpfleet/internal/repository"
)

var eventsCmd = &cobra.Command{
	Use:   "events [server]",
	Short: "Print recent lifecycle events from the journal",
	Long: `Read the lifecycle journal (events_file in the config) and print the newest events first.

Example:
  mcpfleet events
  mcpfleet events github --limit 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvents,
}

var eventsLimit int

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(log.New(io.Discard, "", 0))
	if err != nil {
		return err
	}
	pol := policy.New(cfg)
	if !pol.JournalEnabled() {
		return fmt.Errorf("the event journal is disabled (events_file: %s)", cfg.EventsFile)
	}

	repo, err := repository.NewEventRepository(pol.EventsFile())
	if err != nil {
		return err
	}
	defer repo.Close()

	server := ""
	if len(args) == 1 {
		server = args[0]
	}
	evs, err := repo.Recent(server, eventsLimit)
	if err != nil {
		return err
	}
	return printEvents(cmd.OutOrStdout(), evs)
}

func printEvents(w io.Writer, evs []domain.Event) error {
	if len(evs) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSERVER\tEVENT\tDETAIL")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Server, ev.Type, eventDetail(ev))
	}
	return tw.Flush()
}

func eventDetail(ev domain.Event) string {
	var d string
	switch ev.Type {
	case domain.EventStateChanged:
		d = string(ev.State)
	case domain.EventProcessExited:
		if ev.Signal != "" {
			d = "signal " + ev.Signal
		} else {
			d = fmt.Sprintf("exit code %d", ev.ExitCode)
		}
	case domain.EventToolCalled:
		d = ev.Tool
	case domain.EventToolsChanged:
		d = "tool list refreshed"
	}
	if ev.PID > 0 {
		d += fmt.Sprintf(" (pid %d)", ev.PID)
	}
	if ev.Error != "" {
		d += ": " + ev.Error
	}
	return d
}
