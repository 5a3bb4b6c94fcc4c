// Package cmd implements the conductor CLI: a set of service
// subcommands (serve, worker, migrate) that all share one config
// file, following the same cobra + viper wiring as the teacher's
// root command.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/forgefleet/conductor/internal/config"
	"github.com/forgefleet/conductor/internal/logx"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:     "conductor",
	Short:   "Orchestrates fleets of remote AI-code-execution workers",
	Long:    `conductor runs the task-execution pipeline: the PM orchestrator, the worker agents, and the HTTP API that fronts them.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/conductor/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().String("envelope-secret", "", "HMAC secret for signed prompt envelopes (overrides config)")

	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("envelope.secret", rootCmd.PersistentFlags().Lookup("envelope-secret"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("api.listen_addr", defaults.API.ListenAddr)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("broker.kind", defaults.Broker.Kind)
	viper.SetDefault("broker.addr", defaults.Broker.Addr)
	viper.SetDefault("registry.kind", defaults.Registry.Kind)
	viper.SetDefault("registry.addr", defaults.Registry.Addr)
	viper.SetDefault("registry.heartbeat_ttl", defaults.Registry.HeartbeatTTL)
	viper.SetDefault("executor.executable", defaults.Executor.Executable)
	viper.SetDefault("executor.workspace_dir", defaults.Executor.WorkspaceDir)
	viper.SetDefault("executor.timeout", defaults.Executor.Timeout)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("orchestration.scheduling_interval", defaults.Orchestration.SchedulingInterval)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if path := config.DefaultConfigPath(); path != "" {
		viper.AddConfigPath(filepath.Dir(path))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	} else {
		logx.Info(logx.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unmarshaling config: %v\n", err)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
