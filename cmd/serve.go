package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgefleet/conductor/internal/api"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/orchestration/tracing"
	"github.com/forgefleet/conductor/internal/supervisor"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server and the PM orchestrator supervisor",
	Long: `serve starts the Task/Worker/PM HTTP API (internal/api) backed by a
live supervisor.Supervisor. Projects are started on demand via the
PM API's start operation; serve itself only brings up the shared
repository, broker, and registry.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides config api.listen_addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	tracingProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("building tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logx.ErrorErr(logx.CatAPI, "tracing provider shutdown", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	repo := taskrepo.New(db)
	brk, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("building broker: %w", err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}
	sm := buildStateMachine(cfg, repo, brk)
	sup := supervisor.New(repo, reg, sm, brk)

	addr := serveAddr
	if addr == "" {
		addr = cfg.API.ListenAddr
	}

	server := api.NewServer(repo, reg, sm, sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, addr)
	}()

	logx.Info(logx.CatAPI, "conductor serve started", "addr", addr)

	select {
	case sig := <-sigCh:
		logx.Info(logx.CatAPI, "received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	}

	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		logx.Warn(logx.CatAPI, "supervisor shutdown timed out")
	}

	return nil
}
