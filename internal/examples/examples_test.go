package examples

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/loadtest"
	"github.com/fireflyhq/firefly/internal/model"
	"github.com/fireflyhq/firefly/internal/scriptrun"
	"github.com/fireflyhq/firefly/internal/testrun"
)

var environments = map[string]map[string]string{
	"local": {"host": "http://localhost:8080", "user": "firefly", "password": "changeme"},
}

func TestRegister(t *testing.T) {
	suites := catalog.NewRegistry[*testrun.Executable]()
	loadTests := catalog.NewRegistry[*loadtest.Definition]()
	require.NoError(t, Register(suites, loadTests))
	ctx := fireflycontext.Background()

	units, err := suites.ListUnits(ctx, catalog.Filter{RootFolder: RootFolder})
	require.NoError(t, err)
	assert.Len(t, units, 6)
	smoke, err := suites.ListUnits(ctx, catalog.Filter{RootFolder: RootFolder, Tags: []string{"smoke"}})
	require.NoError(t, err)
	assert.Len(t, smoke, 3)

	defs, err := loadTests.ListUnits(ctx, catalog.Filter{RootFolder: RootFolder})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "think_time", defs[0].ID)
	assert.Equal(t, "http_ping", defs[1].ID)
	assert.Equal(t, map[string]string{"url": "env:host"}, defs[1].Params)

	// Registering twice is rejected.
	assert.Error(t, Register(suites, loadTests))
}

func TestSuitesPassAgainstLocalEnvironment(t *testing.T) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })
	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 20*time.Second)
	defer cancel()

	suites := catalog.NewRegistry[*testrun.Executable]()
	require.NoError(t, Register(suites, catalog.NewRegistry[*loadtest.Definition]()))
	leases := configuration.LeaseConfig{Timeout: time.Second, Expiry: 10 * time.Second, PollInterval: 10 * time.Millisecond}
	collector, err := catalog.NewCollector[*testrun.Executable](
		db,
		"test",
		suites,
		leases,
		configuration.CatalogConfig{RetryAttempts: 1, MemoTTL: time.Minute, LoadedCacheSize: 100},
	)
	require.NoError(t, err)
	store, err := history.Open(configuration.HistoryConfig{
		Driver: history.DriverSqlite,
		Dsn:    filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Setup(context.Background()))

	channel := eventchannel.NewChannel(db, configuration.EventsConfig{
		DeletionGrace: time.Minute,
		ExistenceWait: time.Second,
		PollInterval:  10 * time.Millisecond,
		BlockDuration: 50 * time.Millisecond,
	})
	agg := aggregator.NewAggregator(db, channel, time.Hour)
	coordinatorConfig := configuration.CoordinatorConfig{
		PhaseTimeout:    5 * time.Second,
		StageTimeout:    2 * time.Second,
		Retention:       time.Hour,
		ExportBatchSize: 5,
	}
	coordinator := testrun.NewCoordinator(testrun.Dependencies{
		Aggregator:   agg,
		Collector:    collector,
		Reporter:     testrun.NewReporter(agg, store, coordinatorConfig.ExportBatchSize, &util.DefaultClock{}),
		Config:       coordinatorConfig,
		DB:           db,
		Leases:       leases,
		Environments: environments,
		Secrets:      []string{"password"},
		Version:      "test",
	})

	run, err := coordinator.Trigger(ctx, testrun.TriggerRequest{
		RootFolder: RootFolder,
		Env:        "local",
		Tags:       []string{"smoke", "shop"},
	})
	require.NoError(t, err)
	require.NoError(t, coordinator.Execute(ctx, run.ID))

	stored, err := agg.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, stored.Status)
	stats, err := store.QueryStats(context.Background(), RootFolder, "local")
	require.NoError(t, err)
	assert.Len(t, stats, 6)
}

func TestScriptsRunAgainstLocalEnvironment(t *testing.T) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })
	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 20*time.Second)
	defer cancel()

	scripts := catalog.NewRegistry[*scriptrun.Script]()
	require.NoError(t, RegisterScripts(scripts))
	leases := configuration.LeaseConfig{Timeout: time.Second, Expiry: 10 * time.Second, PollInterval: 10 * time.Millisecond}
	collector, err := catalog.NewCollector[*scriptrun.Script](
		db,
		"script",
		scripts,
		leases,
		configuration.CatalogConfig{RetryAttempts: 1, MemoTTL: time.Minute, LoadedCacheSize: 100},
	)
	require.NoError(t, err)
	channel := eventchannel.NewChannel(db, configuration.EventsConfig{
		DeletionGrace: time.Minute,
		ExistenceWait: time.Second,
		PollInterval:  10 * time.Millisecond,
		BlockDuration: 50 * time.Millisecond,
	})
	manager := scriptrun.NewManager(scriptrun.Dependencies{
		DB:           db,
		Channel:      channel,
		Collector:    collector,
		Config:       configuration.ScriptConfig{PhaseTimeout: 5 * time.Second, Retention: time.Hour},
		Leases:       leases,
		Environments: environments,
		Secrets:      []string{"password"},
	})

	run := func(scriptID string, params map[string]string) scriptrun.History {
		execution, err := manager.Start(ctx, scriptrun.StartRequest{ScriptID: scriptID, RootFolder: RootFolder, Env: "local", Params: params})
		require.NoError(t, err)
		require.NoError(t, manager.Execute(ctx, scriptID, execution.ID))
		h, err := manager.History(ctx, scriptID, execution.ID)
		require.NoError(t, err)
		return h
	}

	report := run("env_report", nil)
	assert.Equal(t, model.ScriptSuccess, report.Status)
	assert.JSONEq(t, `{"scheme": "http", "host": "localhost:8080", "user": "firefly"}`, string(report.Result.Object))
	assert.Equal(t, map[string]string{"user": "firefly", "password": "******"}, report.EnvUsed)
	assert.Equal(t, []string{"Environment points at localhost:8080"}, report.Log)

	seeded := run("seed_accounts", map[string]string{"count": "3", "fail": "2"})
	assert.Equal(t, model.ScriptPartialSuccess, seeded.Status)
	require.Len(t, seeded.Errors, 1)
	assert.Equal(t, "account 2 is locked", seeded.Errors[0].Message)
}
