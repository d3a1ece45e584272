package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cyph3rasi/kyber/cli/internal/tui"
)

var (
	taskListLimit     int
	taskWatchInterval time.Duration
	taskWatchLimit    int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control background tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active tasks and recent history",
	Args:  cobra.NoArgs,
	RunE:  taskListRun,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <reference>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newClient().GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTask(cmd.OutOrStdout(), t)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <reference>",
	Short: "Request cancellation of a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		if !resp.OK {
			return fmt.Errorf("task %s was not cancelled", args[0])
		}
		return nil
	},
}

var taskRedeliverCmd = &cobra.Command{
	Use:   "redeliver <reference>",
	Short: "Send a finished task's result to its origin again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Redeliver(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Result of %s redelivered.\n", args[0])
		return nil
	},
}

var taskProgressCmd = &cobra.Command{
	Use:       "progress <reference> on|off",
	Short:     "Turn periodic progress updates for a task on or off",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		if err := newClient().SetProgressUpdates(cmd.Context(), args[0], enabled); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Progress updates for %s: %s\n", args[0], onOff(enabled))
		return nil
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of tasks (q to quit, c to cancel the selected task)",
	Args:  cobra.NoArgs,
	RunE:  taskWatchRun,
}

func init() {
	taskListCmd.Flags().IntVarP(&taskListLimit, "limit", "n", 20, "number of finished tasks to show")
	taskWatchCmd.Flags().DurationVar(&taskWatchInterval, "interval", 2*time.Second, "refresh interval")
	taskWatchCmd.Flags().IntVarP(&taskWatchLimit, "limit", "n", 10, "number of finished tasks to show")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskRedeliverCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskWatchCmd)
}

func taskListRun(cmd *cobra.Command, _ []string) error {
	resp, err := newClient().ListTasks(cmd.Context(), taskListLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(resp.Active) == 0 && len(resp.History) == 0 {
		_, _ = fmt.Fprintln(w, "No tasks.")
		return nil
	}
	if len(resp.Active) > 0 {
		_, _ = fmt.Fprintf(w, "Active (%d):\n", len(resp.Active))
		if err := printTasks(w, resp.Active); err != nil {
			return err
		}
	}
	if len(resp.History) > 0 {
		if len(resp.Active) > 0 {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = fmt.Fprintf(w, "Recent (%d):\n", len(resp.History))
		return printTasks(w, resp.History)
	}
	return nil
}

func taskWatchRun(cmd *cobra.Command, _ []string) error {
	c := newClient()
	if !isTerminal() {
		return watchPlain(cmd.Context(), cmd.OutOrStdout(), c, taskWatchInterval, taskWatchLimit)
	}
	m := tui.NewWatchModel(tui.DefaultStyles(), c, taskWatchInterval, taskWatchLimit)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}

// watchPlain prints a snapshot every interval for pipes and logs.
func watchPlain(ctx context.Context, w io.Writer, src tui.TaskSource, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := src.ListTasks(ctx, limit)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "--- %s\n", time.Now().Format("15:04:05"))
		if err := printTasks(w, append(resp.Active, resp.History...)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
