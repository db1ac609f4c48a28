// Package firefly wires the components of the engine together from a Configuration.
package firefly

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/health"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/examples"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/loadtest"
	"github.com/fireflyhq/firefly/internal/scriptrun"
	"github.com/fireflyhq/firefly/internal/testrun"
)

// App holds every long-lived component of one firefly process.
type App struct {
	Config        configuration.Configuration
	DB            redis.UniversalClient
	Channel       *eventchannel.Channel
	Aggregator    *aggregator.Aggregator
	History       *history.SQLStore
	Units         *catalog.Collector[*testrun.Executable]
	LoadTestUnits *catalog.Collector[*loadtest.Definition]
	Coordinator   *testrun.Coordinator
	LoadTests     *loadtest.Manager
	Pool          *loadtest.LocalPool
	ScriptUnits   *catalog.Collector[*scriptrun.Script]
	Scripts       *scriptrun.Manager

	cancelPool context.CancelFunc
}

// New connects to the shared store and the history database and registers the bundled suites, load
// tests and scripts. Jobs dispatched to the local pool outlive ctx until Drain gives up on them.
func New(ctx *fireflycontext.Context, config configuration.Configuration) (*App, error) {
	db := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	if err := db.Ping(ctx).Err(); err != nil {
		util.CloseResource("redis", db)
		return nil, errors.Wrapf(err, "error connecting to redis at %v", config.Redis.Addrs)
	}

	store, err := history.Open(config.History)
	if err != nil {
		util.CloseResource("redis", db)
		return nil, err
	}
	if err := store.Setup(ctx); err != nil {
		util.CloseResource("redis", db)
		util.CloseResource("history", store)
		return nil, err
	}

	suites := catalog.NewRegistry[*testrun.Executable]()
	definitions := catalog.NewRegistry[*loadtest.Definition]()
	scripts := catalog.NewRegistry[*scriptrun.Script]()
	if err := examples.Register(suites, definitions); err != nil {
		return nil, err
	}
	if err := examples.RegisterScripts(scripts); err != nil {
		return nil, err
	}
	units, err := catalog.NewCollector[*testrun.Executable](db, "test", suites, config.Leases, config.Catalog)
	if err != nil {
		return nil, err
	}
	loadTestUnits, err := catalog.NewCollector[*loadtest.Definition](db, "load_test", definitions, config.Leases, config.Catalog)
	if err != nil {
		return nil, err
	}
	scriptUnits, err := catalog.NewCollector[*scriptrun.Script](db, "script", scripts, config.Leases, config.Catalog)
	if err != nil {
		return nil, err
	}

	channel := eventchannel.NewChannel(db, config.Events)
	agg := aggregator.NewAggregator(db, channel, config.Coordinator.Retention)
	coordinator := testrun.NewCoordinator(testrun.Dependencies{
		Aggregator:   agg,
		Collector:    units,
		Reporter:     testrun.NewReporter(agg, store, config.Coordinator.ExportBatchSize, &util.DefaultClock{}),
		Config:       config.Coordinator,
		DB:           db,
		Leases:       config.Leases,
		Environments: config.Environments,
		Secrets:      config.Secrets,
		Version:      config.Version,
	})

	deps := loadtest.Dependencies{
		DB:           db,
		Channel:      channel,
		Collector:    loadTestUnits,
		Config:       config.LoadTest,
		Leases:       config.Leases,
		Environments: config.Environments,
	}
	poolCtx, cancelPool := fireflycontext.WithCancel(fireflycontext.New(context.Background(), ctx.FieldLogger))
	pool, err := loadtest.NewLocalPool(poolCtx, config.LoadTest.PoolCapacity, loadtest.NewRunner(deps).Run)
	if err != nil {
		cancelPool()
		return nil, err
	}

	scriptManager := scriptrun.NewManager(scriptrun.Dependencies{
		DB:           db,
		Channel:      channel,
		Collector:    scriptUnits,
		Store:        store,
		Config:       config.Scripts,
		Leases:       config.Leases,
		Environments: config.Environments,
		Secrets:      config.Secrets,
	})

	return &App{
		Config:        config,
		DB:            db,
		Channel:       channel,
		Aggregator:    agg,
		History:       store,
		Units:         units,
		LoadTestUnits: loadTestUnits,
		Coordinator:   coordinator,
		LoadTests:     loadtest.NewManager(deps, pool),
		Pool:          pool,
		ScriptUnits:   scriptUnits,
		Scripts:       scriptManager,
		cancelPool:    cancelPool,
	}, nil
}

// Drain waits for the jobs of the local pool to return. Jobs still running after timeout are cancelled
// and given the teardown timeout to record that they finished.
func (a *App) Drain(timeout time.Duration) {
	if !a.Pool.Wait(timeout) {
		return
	}
	log.Warnf("Load test jobs still running after %s, cancelling them", timeout)
	a.cancelPool()
	if a.Pool.Wait(a.Config.LoadTest.TeardownTimeout) {
		log.Error("Load test jobs did not return after being cancelled")
	}
}

// HealthChecker reports the process unhealthy while the shared store is unreachable.
func (a *App) HealthChecker() health.Checker {
	return health.NewMultiChecker(health.CheckerFunc(func(ctx context.Context) error {
		return errors.WithMessage(a.DB.Ping(ctx).Err(), "redis")
	}))
}

func (a *App) Close() {
	a.cancelPool()
	util.CloseResource("history", a.History)
	util.CloseResource("redis", a.DB)
}
