package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/testrun"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Triggers a test run, executes it and streams its updates",
		RunE:  runTests,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder the units belong to")
	cmd.Flags().String("env", "", "Name of the environment to run against")
	cmd.Flags().String("user", "cli", "User recorded against the run")
	cmd.Flags().StringSlice("tag", []string{}, "Select units carrying this tag (repeatable)")
	cmd.Flags().StringSlice("unit", []string{}, "Select a unit by id (repeatable)")
	cmd.Flags().StringToString("run-config", nil, "Run config values, k=v")
	cmd.Flags().StringToString("setting", nil, "Environment setting overrides, k=v")
	if err := cmd.MarkFlagRequired("env"); err != nil {
		panic(err)
	}
	return cmd
}

func runTests(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	request := testrun.TriggerRequest{}
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
	if request.Tags, err = flags.GetStringSlice("tag"); err != nil {
		return errors.WithStack(err)
	}
	if request.UnitIDs, err = flags.GetStringSlice("unit"); err != nil {
		return errors.WithStack(err)
	}
	if request.RunConfig, err = keyValues(flags, "run-config"); err != nil {
		return err
	}
	if request.SettingOverride, err = keyValues(flags, "setting"); err != nil {
		return err
	}

	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		run, err := a.Coordinator.Trigger(ctx, request)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Triggered run %s with %d units\n", run.ID, len(run.UnitIDs))

		followed := make(chan error, 1)
		go func() {
			followed <- follow(ctx, out, a.Channel, aggregator.RunChannelKey(run.ID))
		}()
		var result *multierror.Error
		if err := a.Coordinator.Execute(ctx, run.ID); err != nil {
			result = multierror.Append(result, err)
		}
		if err := <-followed; err != nil {
			result = multierror.Append(result, err)
		}

		tree, err := a.Aggregator.GetRunTree(ctx, run.ID)
		if err != nil {
			return multierror.Append(result, err)
		}
		t := newTable(out, "unit", "status")
		ids := maps.Keys(tree.Items)
		slices.Sort(ids)
		for _, id := range ids {
			t.AppendRow([]interface{}{tree.Items[id].Name, tree.Items[id].Status})
		}
		t.Render()
		stored, err := a.Aggregator.GetRun(ctx, run.ID)
		if err != nil {
			return multierror.Append(result, err)
		}
		fmt.Fprintf(out, "Run %s finished with status %s\n", run.ID, stored.Status)
		return result.ErrorOrNil()
	})
}
