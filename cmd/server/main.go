package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/alarmvault/internal/app"
	"github.com/good-yellow-bee/alarmvault/pkg/config"
)

var (
	configFile  string
	httpAddr    string
	metricsAddr string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "alarmvault-server",
	Short: "AlarmVault Server - secure alarm storage service",
	Long: `AlarmVault Server stores alarm records encrypted and signed, verifies
their integrity on a schedule, keeps redundant backups and watches the
security event stream for threats.

Secrets are read from the environment:
  ALARMVAULT_MASTER_KEY      master key for record and backup encryption (required)
  ALARMVAULT_JWT_SECRET      token signing secret (derived from the master key if unset)
  ALARMVAULT_ADMIN_PASSWORD  password of the first admin account (generated if unset)`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("alarmvault-server %s\n", config.Version)
		fmt.Printf("  commit: %s\n", config.Commit)
		fmt.Printf("  built:  %s\n", config.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP API listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-address", "", "Prometheus listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Override with CLI flags
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddress = metricsAddr
	}
	cfg.Verbose = verbose

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.EnsureAdmin(ctx); err != nil {
		return err
	}

	log.Printf("starting alarmvault-server %s", config.Version)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run server: %w", err)
	}

	log.Printf("server stopped")
	return nil
}
