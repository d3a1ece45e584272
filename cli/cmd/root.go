// Package cmd implements the kyber command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	apiAddr  string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:   "kyber",
	Short: "Background task and schedule orchestrator",
	Long: `kyber runs agent work as tracked background tasks and fires scheduled
jobs on interval, cron and one-shot schedules.

Start the daemon with "kyber serve", then use the other commands to talk to it.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "path to kyber.yaml (default ./kyber.yaml)")
	pf.StringVar(&apiAddr, "addr", "", "daemon address (default $KYBER_ADDR or server.host:server.port from config)")
	pf.StringVar(&apiToken, "token", "", "API token (default $KYBER_TOKEN or server.token from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(statusCmd)
}
