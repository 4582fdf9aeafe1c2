// Package cmd contains the CLI commands for vaultctl.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/alarmvault/internal/app"
	"github.com/good-yellow-bee/alarmvault/pkg/config"
)

var (
	// Used for flags
	configFile string
	dbPath     string
	verbose    bool
	output     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "AlarmVault administration tool",
	Long: `vaultctl manages an AlarmVault installation directly through its
database file. Run it on the server host with the same configuration and
ALARMVAULT_MASTER_KEY as the server.

Examples:
  # Create an operator account
  vaultctl user create --username ops --role admin

  # Run a backup now and show location health
  vaultctl backup run
  vaultctl backup status

  # Verify every record and recover tampered ones
  vaultctl integrity check

  # Forensic report for the last 6 hours
  vaultctl report --since 6h -o json`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
	// Run when no subcommand is specified
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to SQLite database file (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
}

// openApp loads configuration and wires the components without starting
// any listener or scheduler.
func openApp() (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	cfg.Server.MetricsAddress = ""
	cfg.Verbose = verbose

	if _, err := os.Stat(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("database file not found: %s", cfg.Database.Path)
	}
	return app.New(cfg)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool {
	return output == "json"
}
