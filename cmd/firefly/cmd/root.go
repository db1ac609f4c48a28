package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/fireflyhq/firefly/internal/common/config"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/firefly"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "firefly",
		SilenceUsage: true,
		Short:        "firefly runs test suites and load tests against a shared redis",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		collectCmd(),
		runCmd(),
		loadTestCmd(),
		scriptCmd(),
		historyCmd(),
		subscribeCmd(),
		serveMetricsCmd(),
	)
	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}

// withApp loads the configuration, builds the app and runs action with it.
func withApp(ctx *fireflycontext.Context, action func(app *firefly.App) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.ConfigureApplicationLogging(config.Logging); err != nil {
		return err
	}
	app, err := firefly.New(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()
	return action(app)
}

// keyValues reads a k=v flag, returning an empty map when it was not given.
func keyValues(flags *pflag.FlagSet, name string) (map[string]string, error) {
	values, err := flags.GetStringToString(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

// follow prints every message of a channel until it is closed or ctx is cancelled.
func follow(ctx *fireflycontext.Context, out io.Writer, channel *eventchannel.Channel, key string) error {
	err := channel.Listen(ctx, key, func(payload []byte) error {
		_, err := fmt.Fprintln(out, string(payload))
		return errors.WithStack(err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newTable(out io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}
