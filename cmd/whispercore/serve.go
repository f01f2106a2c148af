package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/whispercore/internal/config"
	httpserver "github.com/fyrsmithlabs/whispercore/internal/http"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API on server.host:server.http_port.

Examples:
  # Serve with defaults (localhost:9090, Ollama on localhost:11434)
  whispercore serve

  # Point at another model endpoint
  WHISPERCORE_LLM_BASE_URL=http://gpu-box:11434 whispercore serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logCfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(logCfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()
		return runServe(cmd.Context(), cfg, logger)
	},
}

// runServe starts the HTTP server and blocks until ctx is cancelled, then
// shuts down within the configured timeout.
func runServe(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info(ctx, "starting whispercore",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	p, err := initPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	srv, err := httpserver.NewServer(p.service, p.submitter, p.client, logger.Underlying().Named("http"),
		&httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
