package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Queries and clears the history of finished runs",
	}
	cmd.AddCommand(
		historyClearCmd(),
		historyStatsCmd(),
		historyRunsCmd(),
	)
	return cmd
}

func historyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Removes every run and unit outcome from the history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := app.CreateContextWithShutdown()
			return withApp(ctx, func(a *firefly.App) error {
				return a.History.ClearHistory(ctx)
			})
		},
	}
}

func historyStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Counts the outcomes of every unit of a root folder in an environment",
		RunE:  historyStats,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder of the units")
	cmd.Flags().String("env", "", "Environment the runs were executed in")
	if err := cmd.MarkFlagRequired("env"); err != nil {
		panic(err)
	}
	return cmd
}

func historyStats(cmd *cobra.Command, _ []string) error {
	rootFolder, err := cmd.Flags().GetString("root-folder")
	if err != nil {
		return errors.WithStack(err)
	}
	env, err := cmd.Flags().GetString("env")
	if err != nil {
		return errors.WithStack(err)
	}
	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		stats, err := a.History.QueryStats(ctx, rootFolder, env)
		if err != nil {
			return err
		}
		t := newTable(cmd.OutOrStdout(), "unit", "success", "fail", "pending")
		ids := maps.Keys(stats)
		slices.Sort(ids)
		for _, id := range ids {
			t.AppendRow([]interface{}{id, stats[id].Success, stats[id].Fail, stats[id].Pending})
		}
		t.Render()
		return nil
	})
}

func historyRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Lists the most recent runs of a root folder in an environment",
		RunE:  historyRuns,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder of the runs")
	cmd.Flags().String("env", "", "Environment the runs were executed in")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	if err := cmd.MarkFlagRequired("env"); err != nil {
		panic(err)
	}
	return cmd
}

func historyRuns(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	rootFolder, err := flags.GetString("root-folder")
	if err != nil {
		return errors.WithStack(err)
	}
	env, err := flags.GetString("env")
	if err != nil {
		return errors.WithStack(err)
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		return errors.WithStack(err)
	}
	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		runs, err := a.History.ListRuns(ctx, rootFolder, env, limit)
		if err != nil {
			return err
		}
		t := newTable(cmd.OutOrStdout(), "run", "status", "success", "fail", "user", "started", "duration")
		for _, run := range runs {
			t.AppendRow([]interface{}{
				run.ID,
				run.Status,
				run.ResultByStatus.Success,
				run.ResultByStatus.Fail,
				run.User,
				run.StartTime.Format(time.RFC3339),
				run.EndTime.Sub(run.StartTime).Round(time.Millisecond),
			})
		}
		t.Render()
		return nil
	})
}
