package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "Plan tasks into steps and carry them out with tools",
	Long: `Stepwise turns a task description into a numbered plan, routes every
step to a capability handler (web, schedule, research, code, file, shell or
general) and runs the resulting tool actions in order, recording every step,
tool call and log line in SQLite.

Run 'stepwise serve' for the HTTP API, chat gateway and scheduler, or
'stepwise run "<task>"' to execute a single task in the foreground.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to a YAML or JSON config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)
}
