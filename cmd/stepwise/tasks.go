package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tasksLimit int

var tasksCmd = &cobra.Command{
	Use:   "tasks [id]",
	Short: "List recent tasks, or show one task with its steps",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			return printTask(cmd, a.store, args[0])
		}

		tasks, err := a.store.ListTasks(cmd.Context(), tasksLimit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks yet. Run 'stepwise run <task>' to start one.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Title)
		}
		return w.Flush()
	},
}

func init() {
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 20, "Number of tasks to list")
}
