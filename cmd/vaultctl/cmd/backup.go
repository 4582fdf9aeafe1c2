package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/alarmvault/internal/security"
)

var (
	backupRecordID string
	backupOut      string
	backupIn       string
)

// minPassphraseLength bounds export passphrases.
const minPassphraseLength = 12

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup management commands",
	Long: `Commands for creating, inspecting and exporting record backups.

Examples:
  # Snapshot every live record to all locations
  vaultctl backup run

  # List and verify the snapshots of one record
  vaultctl backup list --record 3f0c...
  vaultctl backup verify --record 3f0c...

  # Export all recoverable records to a passphrase-encrypted file
  vaultctl backup export --out /secure/alarms.json`,
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a backup of every live record now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, runErr := a.Backups.CreateBackup(context.Background())
		byLocation := make(map[string]int)
		for _, s := range snaps {
			byLocation[s.Location]++
		}
		if jsonOutput() {
			if err := printJSON(cmd.OutOrStdout(), map[string]any{"snapshots": len(snaps), "by_location": byLocation}); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Created %d snapshot(s)\n", len(snaps))
			for name, n := range byLocation {
				fmt.Fprintf(w, "  %-10s %d\n", name, n)
			}
		}
		if runErr != nil {
			return fmt.Errorf("backup incomplete: %w", runErr)
		}
		return nil
	},
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup locations and the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.Backups.Status(context.Background())
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), st)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "\n%-5s  %-12s  %-9s  %-7s  %s\n", "INDEX", "LOCATION", "SNAPSHOTS", "HEALTHY", "ERROR")
		fmt.Fprintln(w, strings.Repeat("-", 60))
		for _, loc := range st.Locations {
			fmt.Fprintf(w, "%-5d  %-12s  %-9d  %-7t  %s\n", loc.Index, loc.Name, loc.Snapshots, loc.Healthy, loc.Error)
		}
		if st.LastRun != nil {
			fmt.Fprintf(w, "\nLast run: %s (%d snapshots, %d failures)\n",
				st.LastRun.StartedAt.Format("2006-01-02 15:04:05"), st.LastRun.Snapshots, st.LastRun.Failures)
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the snapshots of a record",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.Backups.Snapshots(context.Background(), backupRecordID)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), snaps)
		}

		w := cmd.OutOrStdout()
		if len(snaps) == 0 {
			fmt.Fprintln(w, "No snapshots found.")
			return nil
		}
		fmt.Fprintf(w, "\n%-36s  %-10s  %-10s  %s\n", "ID", "LOCATION", "STATUS", "CREATED")
		fmt.Fprintln(w, strings.Repeat("-", 90))
		for _, s := range snaps {
			fmt.Fprintf(w, "%-36s  %-10s  %-10s  %s\n", s.ID, s.Location, s.Status, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every snapshot of a record",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		snaps, err := a.Backups.Snapshots(ctx, backupRecordID)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return fmt.Errorf("no snapshots for record %s", backupRecordID)
		}

		w := cmd.OutOrStdout()
		var failed int
		for _, s := range snaps {
			ok, err := a.Backups.VerifyBackupIntegrity(ctx, s)
			if err != nil {
				return fmt.Errorf("verify %s: %w", s.ID, err)
			}
			result := "ok"
			if !ok {
				result = "FAILED"
				failed++
			}
			fmt.Fprintf(w, "%-36s  %-10s  %s\n", s.ID, s.Location, result)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d snapshot(s) failed verification", failed, len(snaps))
		}
		return nil
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recoverable records to an encrypted file",
	Long: `Recover every live record from its backups and write them as one
passphrase-encrypted JSON file. The passphrase is prompted twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := bufio.NewReader(cmd.InOrStdin())
		passphrase, err := promptPassword(cmd, in, "Export passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		if len(passphrase) < minPassphraseLength {
			return fmt.Errorf("passphrase must be at least %d characters", minPassphraseLength)
		}
		again, err := promptPassword(cmd, in, "Confirm passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase confirmation: %w", err)
		}
		if passphrase != again {
			return errors.New("passphrases do not match")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		path, n, err := a.Backups.Export(context.Background(), backupOut, []byte(passphrase))
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d record(s) to %s\n", n, path)
		return nil
	},
}

var backupDecryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt an export file",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassword(cmd, bufio.NewReader(cmd.InOrStdin()), "Export passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		data, err := security.ReadEncryptedFile(backupIn, []byte(passphrase))
		if err != nil {
			return err
		}
		defer security.Zero(data)

		if backupOut == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(backupOut, data, 0o600)
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupRunCmd, backupStatusCmd, backupListCmd, backupVerifyCmd, backupExportCmd, backupDecryptCmd)

	for _, c := range []*cobra.Command{backupListCmd, backupVerifyCmd} {
		c.Flags().StringVar(&backupRecordID, "record", "", "record id (required)")
		c.MarkFlagRequired("record")
	}

	backupExportCmd.Flags().StringVar(&backupOut, "out", "", "output path; .enc is appended (required)")
	backupExportCmd.MarkFlagRequired("out")

	backupDecryptCmd.Flags().StringVar(&backupIn, "in", "", "encrypted export file (required)")
	backupDecryptCmd.Flags().StringVar(&backupOut, "out", "", "plaintext output path (default: stdout)")
	backupDecryptCmd.MarkFlagRequired("in")
}
