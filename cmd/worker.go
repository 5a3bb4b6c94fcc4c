package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/executor"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/orchestration/tracing"
	"github.com/forgefleet/conductor/internal/workeragent"
)

var (
	workerName         string
	workerPlatform     string
	workerCapabilities []string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent: register, consume task/QA assignments, execute them",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerName, "name", "", "worker name (default: a generated id)")
	workerCmd.Flags().StringVar(&workerPlatform, "platform", "linux", "worker platform label")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "capability=true entries, e.g. --capability=go=true")
}

func runWorker(_ *cobra.Command, _ []string) error {
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
			logx.ErrorErr(logx.CatWorker, "tracing provider shutdown", err)
		}
	}()

	brk, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("building broker: %w", err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	name := workerName
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}

	caps := parseCapabilities(workerCapabilities)
	registration, err := reg.Register(context.Background(), name, workerPlatform, cfg.Executor.Executable, caps)
	if err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	exec := executor.NewClaudeCodeExecutor(cfg.Executor.WorkspaceDir)
	if cfg.Executor.Executable != "" {
		exec.Executable = cfg.Executor.Executable
	}
	if cfg.Executor.Timeout > 0 {
		exec.Timeout = cfg.Executor.Timeout
	}

	signer := envelope.NewSigner(cfg.Envelope.Secret)
	agent := workeragent.New(registration.Worker.ID, reg, brk, exec, signer)
	agent.WorkDir = cfg.Executor.WorkspaceDir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Info(logx.CatWorker, "received shutdown signal", "signal", sig.String())
		agent.Stop()
		cancel()
	}()

	logx.Info(logx.CatWorker, "worker agent started", "worker_id", registration.Worker.ID, "name", name)
	agent.Run(ctx)
	<-agent.Done()
	logx.Info(logx.CatWorker, "worker agent stopped", "worker_id", registration.Worker.ID)
	return nil
}

// parseCapabilities turns "key=value" entries into a capability map,
// treating any value other than "false" as true.
func parseCapabilities(entries []string) map[string]bool {
	caps := make(map[string]bool, len(entries))
	for _, entry := range entries {
		key, value := entry, "true"
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				key, value = entry[:i], entry[i+1:]
				break
			}
		}
		caps[key] = value != "false"
	}
	return caps
}
