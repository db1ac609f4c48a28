package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
)

func serveMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serves prometheus metrics and a health endpoint until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := app.CreateContextWithShutdown()
			return withApp(ctx, func(a *firefly.App) error {
				if err := logging.AddPrometheusHook(); err != nil {
					return err
				}
				shutdown := metrics.ServeMetrics(a.Config.MetricsPort, a.HealthChecker())
				defer shutdown()
				<-ctx.Done()
				return nil
			})
		},
	}
}
