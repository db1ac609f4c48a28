package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/scriptrun"
)

func scriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Runs operational scripts and shows their history",
	}
	cmd.AddCommand(
		scriptRunCmd(),
		scriptLastCmd(),
		scriptHistoryCmd(),
	)
	return cmd
}

func scriptRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script id>",
		Short: "Starts an execution of a script, runs it and streams its updates",
		Args:  cobra.ExactArgs(1),
		RunE:  runScript,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder the script belongs to")
	cmd.Flags().String("env", "", "Name of the environment to run against")
	cmd.Flags().String("user", "cli", "User recorded against the execution")
	cmd.Flags().StringToString("param", nil, "Parameter values, k=v")
	cmd.Flags().StringToString("setting", nil, "Environment setting overrides, k=v")
	if err := cmd.MarkFlagRequired("env"); err != nil {
		panic(err)
	}
	return cmd
}

func runScript(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	request := scriptrun.StartRequest{ScriptID: args[0]}
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
	if request.Params, err = keyValues(flags, "param"); err != nil {
		return err
	}
	if request.SettingOverride, err = keyValues(flags, "setting"); err != nil {
		return err
	}

	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		execution, err := a.Scripts.Start(ctx, request)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Started execution %s of %s\n", execution.ID, execution.ScriptID)

		followed := make(chan error, 1)
		go func() {
			followed <- follow(ctx, out, a.Channel, scriptrun.ChannelKey(execution.ID))
		}()
		var result *multierror.Error
		if err := a.Scripts.Execute(ctx, execution.ScriptID, execution.ID); err != nil {
			result = multierror.Append(result, err)
		}
		if err := <-followed; err != nil {
			result = multierror.Append(result, err)
		}

		h, err := a.Scripts.History(ctx, execution.ScriptID, execution.ID)
		if err != nil {
			return multierror.Append(result, err)
		}
		printScriptHistory(out, h)
		return result.ErrorOrNil()
	})
}

func scriptLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last <script id>",
		Short: "Shows the most recent execution of a script with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.CreateContextWithShutdown()
			return withApp(ctx, func(a *firefly.App) error {
				h, err := a.Scripts.Last(ctx, args[0])
				if err != nil {
					return err
				}
				printScriptHistory(cmd.OutOrStdout(), h)
				return nil
			})
		},
	}
}

func scriptHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <script id>",
		Short: "Lists the most recent finished executions of a script",
		Args:  cobra.ExactArgs(1),
		RunE:  scriptHistory,
	}
	cmd.Flags().Int("limit", 20, "Maximum number of executions to list")
	return cmd
}

func scriptHistory(cmd *cobra.Command, args []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return errors.WithStack(err)
	}
	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		records, err := a.Scripts.Records(ctx, args[0], limit)
		if err != nil {
			return err
		}
		t := newTable(cmd.OutOrStdout(), "execution", "status", "env", "user", "errors", "log lines", "started", "duration")
		for _, record := range records {
			t.AppendRow([]interface{}{
				record.ID,
				record.Status,
				record.Env,
				record.User,
				len(record.Errors),
				len(record.Log),
				record.StartTime.Format(time.RFC3339),
				record.EndTime.Sub(record.StartTime).Round(time.Millisecond),
			})
		}
		t.Render()
		return nil
	})
}

func printScriptHistory(out io.Writer, h scriptrun.History) {
	fmt.Fprintf(out, "Execution %s of %s is %s, started %s\n", h.ID, h.ScriptID, h.Status, h.StartTime.Format(time.RFC3339))
	if h.Result != nil {
		fmt.Fprintf(out, "Result (%s): %s\n", h.Result.Type, string(h.Result.Object))
	}
	if len(h.Errors) > 0 {
		t := newTable(out, "error", "message")
		for _, e := range h.Errors {
			t.AppendRow([]interface{}{e.Name, e.Message})
		}
		t.Render()
	}
	for i, line := range h.Log {
		fmt.Fprintf(out, "%4d %s\n", i, line)
	}
}
