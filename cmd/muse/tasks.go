package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/poller"
)

var tasksLimit int

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List background jobs",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

var taskCmd = &cobra.Command{
	Use:   "task [task-id]",
	Short: "Show one background job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 20, "number of tasks to show")
	rootCmd.AddCommand(tasksCmd, taskCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	tasks, err := app.Deps().Store.ListTasks(tasksLimit)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		return nil
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		detail := t.Result
		if t.Error != "" {
			detail = t.Error
		}
		rows = append(rows, []string{
			t.ID,
			string(t.Kind),
			colorize(out, taskStateColor(t.State), string(t.State)),
			model.Truncate(detail, 50),
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "KIND", "STATE", "RESULT", "UPDATED"}, rows, nil))
	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	t, err := app.Deps().Store.GetTask(args[0])
	if err != nil {
		return fmt.Errorf("loading task %s: %w", args[0], err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:     %s\n", t.ID)
	fmt.Fprintf(out, "Kind:     %s\n", t.Kind)
	fmt.Fprintf(out, "State:    %s\n", colorize(out, taskStateColor(t.State), string(t.State)))
	fmt.Fprintf(out, "Created:  %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:  %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.Result != "" {
		fmt.Fprintf(out, "Result:   %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", t.Error)
	}
	return nil
}

// followTask waits for handle and reports its outcome. Interrupting the
// wait cancels the job.
func followTask(ctx context.Context, out io.Writer, handle *poller.Handle, noWait bool) error {
	fmt.Fprintf(out, "Task %s submitted\n", handle.TaskID())
	if noWait {
		return nil
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		handle.Cancel()
		res = handle.Result()
		if res.State == "" {
			fmt.Fprintln(out, colorize(out, ansiYellow, "Cancelled."))
			return nil
		}
	}

	switch res.State {
	case model.TaskSuccess:
		fmt.Fprintln(out, colorize(out, ansiGreen, "✓ "+res.Message))
		return nil
	case model.TaskRevoked:
		fmt.Fprintln(out, colorize(out, ansiYellow, res.Message))
		return nil
	default:
		return errors.New(res.Message)
	}
}
