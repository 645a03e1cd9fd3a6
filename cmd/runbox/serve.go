package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/quota"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/workspace"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox HTTP server",
	Long: `Start the runbox HTTP server with JSON and WebSocket run endpoints.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, logger, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if p := a.Pinger(); p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("sandbox engine not reachable, runs will fail until it is")
		}
		cancel()
	}

	maxBody, err := a.Config.MaxBodyBytes()
	if err != nil {
		return err
	}

	if portFlag > 0 {
		a.Config.Server.Port = portFlag
	}

	srv := server.New(a.Service, server.Options{
		MaxBodyBytes:    maxBody,
		CORSOrigins:     a.Config.Server.CORSOrigins,
		Pinger:          a.Pinger(),
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		Logger:          logger,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if every := a.Config.Workspace.SweepAfter; every > 0 {
		go sweepLoop(ctx, a.Workspaces, every, func(n int, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("sweeping stale workspaces")
			} else if n > 0 {
				logger.Info().Int("removed", n).Msg("removed stale workspaces")
			}
		})
	}

	if p := a.QuotaPruner(); p != nil {
		go quota.Maintain(ctx, p, a.Config.Quota.Window, func(n int, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("pruning quota state")
			} else if n > 0 {
				logger.Debug().Int("removed", n).Msg("pruned quota state")
			}
		})
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		stop()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	if err := srv.Start(a.Config.Addr()); err != nil {
		stop()
		return fmt.Errorf("serving: %w", err)
	}
	<-done
	return nil
}

func sweepLoop(ctx context.Context, ws *workspace.Manager, age time.Duration, report func(int, error)) {
	ticker := time.NewTicker(age)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(ws.Sweep(age))
		}
	}
}
