package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agentd HTTP API",
	Long: `Serve the agentd HTTP API.

Thread runs and resumes stream server-sent events; agent configurations
are managed under /v1/agents.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	server, err := httpapi.NewServer(app.runner, app.agents, app.logger.Named("http"), &httpapi.Config{
		Host: app.cfg.Server.Host,
		Port: app.cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	app.logger.Info("agentd started",
		zap.String("version", version),
		zap.String("host", app.cfg.Server.Host),
		zap.Int("port", app.cfg.Server.Port),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
