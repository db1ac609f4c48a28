package cmd

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly"
)

func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Discovers the units, load tests and scripts of a root folder and caches their metadata",
		RunE:  collect,
	}
	cmd.Flags().String("root-folder", examples.RootFolder, "Root folder to collect")
	return cmd
}

func collect(cmd *cobra.Command, _ []string) error {
	rootFolder, err := cmd.Flags().GetString("root-folder")
	if err != nil {
		return errors.WithStack(err)
	}
	ctx := app.CreateContextWithShutdown()
	return withApp(ctx, func(a *firefly.App) error {
		units, err := a.Units.Collect(ctx, rootFolder)
		if err != nil {
			return err
		}
		loadTests, err := a.LoadTestUnits.Collect(ctx, rootFolder)
		if err != nil {
			return err
		}
		scripts, err := a.ScriptUnits.Collect(ctx, rootFolder)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout(), "kind", "id", "path", "name", "tags")
		for _, unit := range units {
			t.AppendRow([]interface{}{"test", unit.ID, unit.Path, unit.Name, strings.Join(unit.Tags, ",")})
		}
		for _, def := range loadTests {
			t.AppendRow([]interface{}{"load test", def.ID, def.Path, def.Name, strings.Join(def.Tags, ",")})
		}
		for _, def := range scripts {
			t.AppendRow([]interface{}{"script", def.ID, def.Path, def.Name, strings.Join(def.Tags, ",")})
		}
		t.Render()
		return nil
	})
}
