package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jaakkos/mcpfleet/internal/app"
	"github.com/jaakkos/mcpfleet/internal/dashboard"
	"github.com/jaakkos/mcpfleet/internal/domain"
	"github.com/jaakkos/mcpfleet/internal/policy"
	"github.com/jaakkos/mcpfleet/internal/repository"
	"github.com/jaakkos/mcpfleet/internal/tools/fleet"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor (stdio MCP, HTTP dashboard, config watcher)",
	Long: `Start every server in the config file, keep the fleet converged on that file as it changes,
and serve the fleet tools over stdio and HTTP.

Example:
  mcpfleet serve                       # stdio + dashboard on the configured port
  mcpfleet serve --http-port 0         # pick a free port
  mcpfleet serve --no-stdio            # headless, HTTP only`,
	RunE: runServe,
}

var (
	httpPortFlag int
	noStdio      bool
)

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&httpPortFlag, "http-port", -2, "HTTP port (overrides config; 0 picks a free port, -1 disables HTTP)")
	cmd.Flags().BoolVar(&noStdio, "no-stdio", false, "do not serve MCP on stdio; run until SIGINT/SIGTERM")
}

func runServe(cmd *cobra.Command, _ []string) error {
	tmpLogger := log.New(os.Stderr, "[mcpfleet] ", log.LstdFlags|log.Lshortfile)
	cfg, configPath, err := loadConfig(tmpLogger)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("http-port") {
		cfg.HTTPPort = httpPortFlag
	}
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Printf("Starting mcpfleet %s...", Version)
	logger.Printf("Config file: %s (%d server(s))", configPath, len(cfg.Servers))
	logger.Printf("Log file: %s", pol.LogFile())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when the controlling terminal goes away.
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	bus := app.NewEventBus(256)
	sup := app.NewSupervisor(logger,
		app.WithEventBus(bus),
		app.WithWorkerOptions(app.WorkerOptions{
			InitTimeout:    pol.InitTimeout(),
			RequestTimeout: pol.RequestTimeout(),
			StopGrace:      pol.StopGrace(),
			ClientVersion:  Version,
		}),
	)

	// Lifecycle journal (optional). It outlives ctx so shutdown events are recorded,
	// and ends when the bus closes.
	var journal *app.EventJournal
	var eventRepo app.EventRepository
	journalDone := make(chan struct{})
	if pol.JournalEnabled() {
		eventRepo, err = repository.NewEventRepository(pol.EventsFile())
		if err != nil {
			logger.Printf("Warning: event journal disabled: %v", err)
		} else {
			journal = app.NewEventJournal(eventRepo, pol.EventRetentionMax(), logger)
			events := sup.Events(context.Background())
			go func() {
				defer close(journalDone)
				journal.Run(context.Background(), events)
			}()
			logger.Printf("Event journal: %s (keep %d)", pol.EventsFile(), pol.EventRetentionMax())
		}
	}
	if journal == nil {
		close(journalDone)
	}

	// Config watcher (only when the file exists; otherwise the fleet is managed by tools alone)
	var watcher *app.ConfigWatcher
	if _, statErr := os.Stat(configPath); statErr == nil {
		parse := func(data []byte) (map[string]domain.ServerConfig, error) {
			servers, err := policy.ParseServers(data)
			if err != nil {
				return nil, err
			}
			pol.SetServers(servers)
			return servers, nil
		}
		watcher = app.NewConfigWatcher(configPath, parse, sup, logger)
		go watcher.Start(ctx)
	}

	// Initial convergence runs in the background so stdio is ready immediately.
	go func() {
		if watcher != nil {
			if err := watcher.CheckOnce(); err != nil {
				logger.Printf("Initial config load: %v", err)
			}
			return
		}
		sup.Reconcile(ctx, pol.DesiredServers())
	}()

	mcpServer := newMCPServer(sup, pol, watcher, logger)

	var httpShutdown func()
	if port := pol.HTTPPort(); port >= 0 {
		dashOpts := []dashboard.HandlerOption{}
		if journal != nil {
			dashOpts = append(dashOpts, dashboard.WithEventSource(journal))
		}
		if watcher != nil {
			dashOpts = append(dashOpts, dashboard.WithReloader(watcher))
		}
		httpShutdown, err = startHTTPServer(mcpServer, dashboard.NewHandler(sup, dashOpts...), port, logger)
		if err != nil {
			logger.Printf("Warning: dashboard disabled: %v", err)
		}
	}

	if noStdio {
		logger.Println("Running headless (no stdio)")
		<-ctx.Done()
	} else {
		logger.Println("Stdio ready")
		stdioSrv := server.NewStdioServer(mcpServer)
		stdioSrv.SetErrorLogger(logger)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			logger.Printf("Stdio server stopped: %v", err)
		}
	}

	// Client disconnected or signal received: shut everything down.
	cancel()
	if httpShutdown != nil {
		httpShutdown()
	}
	if watcher != nil {
		watcher.Stop()
	}
	sup.StopAll()
	bus.Close()
	<-journalDone
	if eventRepo != nil {
		if err := eventRepo.Close(); err != nil {
			logger.Printf("Warning: close event journal: %v", err)
		}
	}

	logger.Println("mcpfleet stopped")
	return nil
}

// newMCPServer builds the front-end server with the fleet tools registered.
func newMCPServer(sup *app.Supervisor, pol *policy.Policy, watcher *app.ConfigWatcher, logger *log.Logger) *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if message != nil {
			ci := message.Params.ClientInfo
			logger.Printf("Client: %s %s, Protocol: %s", ci.Name, ci.Version, message.Params.ProtocolVersion)
		}
	})
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"mcpfleet",
		Version,
		server.WithInstructions(fleet.InstructionsText()),
		server.WithHooks(hooks),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	opts := []fleet.RegisterOption{
		fleet.WithDesiredServers(pol.DesiredServers),
		fleet.WithToolFilter(pol.IsToolEnabled),
	}
	if watcher != nil {
		opts = append(opts, fleet.WithReloader(watcher))
	}
	fleet.Register(mcpServer, sup, logger, opts...)
	return mcpServer
}

// startHTTPServer serves the dashboard and the MCP endpoints (/mcp streamable HTTP, /sse legacy)
// in the background and returns a shutdown function. Port 0 picks a free port.
func startHTTPServer(mcpServer *server.MCPServer, dash *dashboard.Handler, port int, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("HTTP listen: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  MCP clients connect at:  %s/mcp", baseURL)
	logger.Printf("  Dashboard:               %s/dashboard", baseURL)

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)
	dash.RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}, nil
}
