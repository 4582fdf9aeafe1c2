package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/monitoring"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

var (
	reportSince       time.Duration
	reportUntil       string
	reportUser        string
	reportRecord      string
	reportComponent   string
	reportMinSeverity string
	reportTypes       []string
	reportSamples     int

	alertsStatus string
	alertsUser   string
	alertsLimit  int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a forensic report from the event log",
	Long: `Aggregate security events over a time range.

Examples:
  # Everything in the last 24 hours
  vaultctl report

  # Authentication failures of one user in the last week
  vaultctl report --since 168h --user 9b1d... --types auth_failed -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		end := time.Now().UTC()
		if reportUntil != "" {
			t, err := time.Parse(time.RFC3339, reportUntil)
			if err != nil {
				return fmt.Errorf("--until must be RFC3339: %w", err)
			}
			end = t.UTC()
		}
		tr := monitoring.TimeRange{Start: end.Add(-reportSince), End: end}
		filter := monitoring.ReportFilter{
			UserID:     reportUser,
			RecordID:   reportRecord,
			Component:  models.Component(reportComponent),
			SampleSize: reportSamples,
		}
		if reportMinSeverity != "" {
			filter.MinSeverity = models.ParseSeverity(reportMinSeverity)
		}
		for _, t := range reportTypes {
			filter.Types = append(filter.Types, models.EventType(t))
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Monitor.GenerateForensicReport(context.Background(), tr, filter)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), report)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "\nForensic report %s .. %s\n", tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Total events: %d\n", report.TotalEvents)
		printCounts(cmd, "By severity", report.BySeverity)
		printCounts(cmd, "By type", report.ByType)
		printCounts(cmd, "By component", report.ByComponent)
		if len(report.TopUsers) > 0 {
			fmt.Fprintf(w, "\nTop users:\n")
			for _, u := range report.TopUsers {
				fmt.Fprintf(w, "  %-36s %d\n", u.UserID, u.Count)
			}
		}
		if len(report.Alerts) > 0 {
			fmt.Fprintf(w, "\nAlerts: %d\n", len(report.Alerts))
			for _, al := range report.Alerts {
				fmt.Fprintf(w, "  [%s] %s %s\n", al.Severity, al.Signature, al.Message)
			}
		}
		return nil
	},
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %d\n", k, counts[k])
	}
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List security alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		alerts, err := a.Monitor.Alerts(context.Background(), storage.AlertFilter{
			Status: models.AlertStatus(alertsStatus),
			UserID: alertsUser,
			Limit:  alertsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), alerts)
		}

		w := cmd.OutOrStdout()
		if len(alerts) == 0 {
			fmt.Fprintln(w, "No alerts found.")
			return nil
		}
		fmt.Fprintf(w, "\n%-36s  %-8s  %-12s  %-24s  %s\n", "ID", "SEVERITY", "STATUS", "SIGNATURE", "CREATED")
		fmt.Fprintln(w, strings.Repeat("-", 110))
		for _, al := range alerts {
			fmt.Fprintf(w, "%-36s  %-8s  %-12s  %-24s  %s\n",
				al.ID, al.Severity, al.Status, al.Signature, al.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd, alertsCmd)

	reportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "length of the range ending at --until")
	reportCmd.Flags().StringVar(&reportUntil, "until", "", "end of the range, RFC3339 (default: now)")
	reportCmd.Flags().StringVar(&reportUser, "user", "", "only events of this user id")
	reportCmd.Flags().StringVar(&reportRecord, "record", "", "only events of this record id")
	reportCmd.Flags().StringVar(&reportComponent, "component", "", "only events from this component")
	reportCmd.Flags().StringVar(&reportMinSeverity, "min-severity", "", "low, medium, high or critical")
	reportCmd.Flags().StringSliceVar(&reportTypes, "types", nil, "comma-separated event types")
	reportCmd.Flags().IntVar(&reportSamples, "samples", 0, "number of sample events (default: 20)")

	alertsCmd.Flags().StringVar(&alertsStatus, "status", "", "open, acknowledged, resolved or expired")
	alertsCmd.Flags().StringVar(&alertsUser, "user", "", "only alerts of this user id")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 100, "maximum alerts to list")
}
