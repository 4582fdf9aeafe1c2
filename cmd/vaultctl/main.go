// Package main is the entry point for the AlarmVault administration CLI.
package main

import (
	"os"

	"github.com/good-yellow-bee/alarmvault/cmd/vaultctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
