package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	kyberrt "github.com/cyph3rasi/kyber/cli/runtime"
)

var (
	servePort      int
	serveHost      string
	serveMockAgent bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon in the foreground",
	Long: `Run the orchestrator daemon: the task runner, the dispatcher, the cron
scheduler and the status/control API.

Examples:
  kyber serve                      # use ./kyber.yaml, listen on 127.0.0.1:8787
  kyber serve --port 9000          # custom port
  kyber serve --mock-agent         # local echo agent, no endpoint needed`,
	RunE: serveRun,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "API port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (overrides server.host; use 0.0.0.0 for containers)")
	serveCmd.Flags().BoolVar(&serveMockAgent, "mock-agent", false, "use the built-in echo agent instead of agent.endpoint")
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAndValidateConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if serveMockAgent {
		cfg.Agent.Mock = true
	}

	logger, err := kyberrt.NewZapLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := kyberrt.NewDaemon(ctx, cfg, logger, kyberrt.Options{})
	if err != nil {
		return fmt.Errorf("starting kyber: %w", err)
	}
	defer func() {
		if cErr := d.Close(); cErr != nil {
			logger.Warn("closing daemon", map[string]any{"error": cErr.Error()})
		}
	}()

	go func() {
		select {
		case <-d.Server.Ready():
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "kyber listening on http://%s:%d\n", cfg.Server.Host, d.Server.Port())
		case <-ctx.Done():
		}
	}()

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
