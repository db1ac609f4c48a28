package cmd

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/loadtest"
	"github.com/fireflyhq/firefly/internal/model"
)

func loadTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Starts, rescales and stops load test executions",
	}
	cmd.AddCommand(
		loadTestStartCmd(),
		loadTestRescaleCmd(),
		loadTestStopCmd(),
		loadTestStatusCmd(),
	)
	return cmd
}

func loadTestStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <load test id>",
		Short: "Starts an execution, hosts its supervisor and workers and streams its updates until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  startLoadTest,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder the load test belongs to")
	cmd.Flags().String("env", "", "Name of the environment to run against")
	cmd.Flags().String("user", "cli", "User recorded against the execution")
	cmd.Flags().Int("tasks", 0, "Number of concurrent tasks")
	cmd.Flags().Int("per-worker", 0, "Concurrent tasks per worker, defaults to the load test's own value")
	cmd.Flags().StringToString("param", nil, "Parameter overrides, k=v")
	cmd.Flags().StringToString("setting", nil, "Environment setting overrides, k=v")
	for _, name := range []string{"env", "tasks"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func startLoadTest(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	request := loadtest.StartRequest{LoadTestID: args[0]}
	var err error
	if request.RootFolder, err = flags.GetString("root-folder"); err != nil {
		return errors.WithStack(err)
	}
	if request.Env, err = flags.GetString("env"); err != nil {
		return errors.WithStack(err)
	}
	if request.User, err = flags.GetString("user"); err != nil {
		return errors.WithStack(err)
	}
	if request.NumberOfTasks, err = flags.GetInt("tasks"); err != nil {
		return errors.WithStack(err)
	}
	if request.PerWorker, err = flags.GetInt("per-worker"); err != nil {
		return errors.WithStack(err)
	}
	if request.Params, err = keyValues(flags, "param"); err != nil {
		return err
	}
	if request.SettingOverride, err = keyValues(flags, "setting"); err != nil {
		return err
	}

	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		execution, err := a.LoadTests.Start(ctx, request)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started execution %s of %s with %d tasks\n", execution.ID, execution.LoadTestID, execution.NumberOfTasks)

		err = follow(ctx, cmd.OutOrStdout(), a.Channel, loadtest.PublicChannelKey(execution.ID))
		if ctx.Err() != nil {
			stopCtx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), a.Config.LoadTest.TeardownTimeout)
			defer cancel()
			if stopErr := a.LoadTests.Stop(stopCtx, execution.LoadTestID); stopErr != nil {
				stopCtx.Errorf("Error stopping execution %s: %s", execution.ID, stopErr)
			}
		}
		a.Drain(a.Config.LoadTest.TeardownTimeout)
		return err
	})
}

func loadTestRescaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescale <load test id>",
		Short: "Changes the number of tasks of a running execution and hosts any workers it adds",
		Args:  cobra.ExactArgs(1),
		RunE:  rescaleLoadTest,
	}
	cmd.Flags().String("execution", "", "Execution to rescale, defaults to the current execution of the load test")
	cmd.Flags().Int("tasks", 0, "New number of concurrent tasks")
	cmd.Flags().Int("per-worker", 0, "Concurrent tasks per worker, defaults to the execution's value")
	if err := cmd.MarkFlagRequired("tasks"); err != nil {
		panic(err)
	}
	return cmd
}

func rescaleLoadTest(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	executionID, err := flags.GetString("execution")
	if err != nil {
		return errors.WithStack(err)
	}
	tasks, err := flags.GetInt("tasks")
	if err != nil {
		return errors.WithStack(err)
	}
	perWorker, err := flags.GetInt("per-worker")
	if err != nil {
		return errors.WithStack(err)
	}

	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		if executionID == "" {
			current, err := a.LoadTests.Current(ctx, args[0])
			if err != nil {
				return err
			}
			executionID = current.ID
		}
		if err := a.LoadTests.Rescale(ctx, args[0], executionID, tasks, perWorker); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rescaled execution %s to %d tasks\n", executionID, tasks)

		// Workers added by the rescale run in this process until the execution finishes.
		jobs, err := a.Pool.Jobs(executionID)
		if err != nil || len(jobs) == 0 {
			return err
		}
		err = follow(ctx, cmd.OutOrStdout(), a.Channel, loadtest.PublicChannelKey(executionID))
		a.Drain(a.Config.LoadTest.TeardownTimeout)
		return err
	})
}

func loadTestStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <load test id>",
		Short: "Stops the current execution of a load test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.CreateContextWithShutdown()
			return withApp(ctx, func(a *firefly.App) error {
				return a.LoadTests.Stop(ctx, args[0])
			})
		},
	}
}

func loadTestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <load test id>",
		Short: "Shows the current execution of a load test and its latest task snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  loadTestStatus,
	}
}

func loadTestStatus(cmd *cobra.Command, args []string) error {
	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		execution, err := a.LoadTests.Current(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Execution %s is %s with %d tasks (%d per worker), started %s\n",
			execution.ID, execution.Status, execution.NumberOfTasks, execution.PerWorker, execution.StartTime.Format(time.RFC3339))

		history, err := a.LoadTests.StatusHistory(ctx, execution.LoadTestID, execution.ID)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return nil
		}
		times := maps.Keys(history)
		slices.Sort(times)
		latest := history[times[len(times)-1]]
		t := newTable(out, "task status", "tasks")
		for _, status := range model.TaskStatuses {
			t.AppendRow([]interface{}{status, latest[status]})
		}
		t.AppendFooter([]interface{}{"snapshot", times[len(times)-1]})
		t.Render()
		return nil
	})
}
