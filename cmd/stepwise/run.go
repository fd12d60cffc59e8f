package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rahul/stepwise/internal/store"
)

var runDescription string

var runCmd = &cobra.Command{
	Use:   "run <title>",
	Short: "Plan and execute one task in the foreground",
	Long: `Create a task, execute it to completion and print each step.

Interrupting the command cancels the task at its next step boundary.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "Longer task description")
}

func runTask(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task := &store.Task{Title: strings.Join(args, " "), Description: runDescription}
	if err := a.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			if err := a.executor.Cancel(context.Background(), task.ID); err == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "cancelling...")
			}
		}
	}()

	runErr := a.executor.ExecuteTask(context.WithoutCancel(ctx), task.ID)
	if err := printTask(cmd, a.store, task.ID); err != nil {
		return err
	}
	return runErr
}

func printTask(cmd *cobra.Command, st *store.SQLiteStore, id string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	task, err := st.GetTask(ctx, id)
	if err != nil {
		return err
	}
	steps, err := st.ListSteps(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  [%s]\n", task.ID, task.Title, task.Status)
	for _, s := range steps {
		fmt.Fprintf(out, "  %d. [%s] %s\n", s.StepNumber, s.Status, s.Description)
		if s.Error != "" {
			fmt.Fprintf(out, "     error: %s\n", s.Error)
		}
	}
	if res, err := st.GetResult(ctx, id); err == nil && res.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", res.Summary)
	}
	return nil
}
