package testrun

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/model"
)

const (
	rootFolder = "web"
	envName    = "local"
)

var (
	testConfig = configuration.CoordinatorConfig{
		PhaseTimeout:    5 * time.Second,
		StageTimeout:    2 * time.Second,
		Retention:       time.Hour,
		ExportBatchSize: 5,
	}
	eventsConfig = configuration.EventsConfig{
		DeletionGrace: time.Minute,
		ExistenceWait: time.Second,
		PollInterval:  10 * time.Millisecond,
		BlockDuration: 50 * time.Millisecond,
	}
	leaseConfig = configuration.LeaseConfig{
		Timeout:      time.Second,
		Expiry:       10 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	catalogConfig = configuration.CatalogConfig{
		RetryAttempts:   1,
		MemoTTL:         time.Minute,
		LoadedCacheSize: 100,
	}
	environments = map[string]map[string]string{
		envName: {"base_url": "http://localhost:8080", "password": "hunter2"},
	}
)

type fixture struct {
	coordinator *Coordinator
	aggregator  *aggregator.Aggregator
	channel     *eventchannel.Channel
	store       *history.SQLStore
}

func newFixture(t *testing.T, config configuration.CoordinatorConfig, suites ...*Suite) *fixture {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })
	return newFixtureOn(t, db, config, suites...)
}

// newFixtureOn builds a coordinator on db, so several fixtures can share one store.
func newFixtureOn(t *testing.T, db redis.UniversalClient, config configuration.CoordinatorConfig, suites ...*Suite) *fixture {
	registry := catalog.NewRegistry[*Executable]()
	for _, suite := range suites {
		require.NoError(t, suite.Register(registry, rootFolder))
	}
	collector, err := catalog.NewCollector[*Executable](db, "test", registry, leaseConfig, catalogConfig)
	require.NoError(t, err)

	store, err := history.Open(configuration.HistoryConfig{
		Driver: history.DriverSqlite,
		Dsn:    filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Setup(context.Background()))

	channel := eventchannel.NewChannel(db, eventsConfig)
	agg := aggregator.NewAggregator(db, channel, config.Retention)
	coordinator := NewCoordinator(Dependencies{
		Aggregator:   agg,
		Collector:    collector,
		Reporter:     NewReporter(agg, store, config.ExportBatchSize, &util.DefaultClock{}),
		Config:       config,
		DB:           db,
		Leases:       leaseConfig,
		Environments: environments,
		Secrets:      []string{"password"},
		Version:      "test",
	})
	return &fixture{coordinator: coordinator, aggregator: agg, channel: channel, store: store}
}

func testContext(t *testing.T) *fireflycontext.Context {
	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func unitID(suite *Suite, caseName, iteration string) string {
	return util.StableID(rootFolder, suite.Path(), suite.Name(), caseName, iteration)
}

// execute triggers a run for the given units, executes it and returns the stored run.
func (f *fixture) execute(t *testing.T, ctx *fireflycontext.Context, unitIDs ...string) model.Run {
	run, err := f.coordinator.Trigger(ctx, TriggerRequest{RootFolder: rootFolder, Env: envName, UnitIDs: unitIDs})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Execute(ctx, run.ID))
	stored, err := f.aggregator.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) unit(t *testing.T, ctx *fireflycontext.Context, runID, unitID string) model.Unit {
	unit, err := f.aggregator.GetUnit(ctx, runID, unitID)
	require.NoError(t, err)
	return unit
}

func succeed(*StageContext) error {
	return nil
}

func TestExecute_FailedUnitDoesNotFailRun(t *testing.T) {
	suiteA := NewSuite("CheckoutSuite", "web.a").Case("test_pay", func(*StageContext) error {
		return errors.New("boom")
	})
	suiteB := NewSuite("LoginSuite", "web.b").Case("test_login", succeed)
	f := newFixture(t, testConfig, suiteA, suiteB)
	ctx := testContext(t)
	unitA := unitID(suiteA, "test_pay", "test_pay")
	unitB := unitID(suiteB, "test_login", "test_login")

	run := f.execute(t, ctx, unitA, unitB)

	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, model.ResultByStatus{Success: 1, Fail: 1}, run.ResultByStatus)
	assert.Nil(t, run.Error)

	a := f.unit(t, ctx, run.ID, unitA)
	assert.Equal(t, model.StatusFail, a.Status)
	assert.Equal(t, model.StatusSuccess, a.Stages[model.StageSetup].Status)
	assert.Equal(t, model.StatusFail, a.Stages[model.StageCall].Status)
	require.Len(t, a.Stages[model.StageCall].Errors, 1)
	assert.Equal(t, "Error", a.Stages[model.StageCall].Errors[0].Name)
	assert.Equal(t, "boom", a.Stages[model.StageCall].Errors[0].Message)
	assert.Equal(t, model.StatusSuccess, a.Stages[model.StageTeardown].Status)
	assert.Equal(t, model.StatusSuccess, a.Stages[model.StageGroupTeardown].Status)
	assert.Len(t, a.Errors[model.StageCall], 1)

	b := f.unit(t, ctx, run.ID, unitB)
	assert.Equal(t, model.StatusSuccess, b.Status)
	for _, stage := range model.Stages {
		assert.Equal(t, model.StatusSuccess, b.Stages[stage].Status, "stage %s", stage)
	}

	groups, err := f.aggregator.GetGroups(ctx, run.ID, []string{"web", "web.a", "web.b.LoginSuite"})
	require.NoError(t, err)
	assert.Equal(t, model.ResultByStatus{Success: 1, Fail: 1}, groups["web"].ResultByStatus)
	assert.Equal(t, model.ResultByStatus{Fail: 1}, groups["web.a"].ResultByStatus)
	assert.Equal(t, model.ResultByStatus{Success: 1}, groups["web.b.LoginSuite"].ResultByStatus)
	assert.True(t, groups["web"].Root)
}

func TestExecute_GroupTeardownWaitsForEveryTeardown(t *testing.T) {
	var mutex sync.Mutex
	var teardownEnds []time.Time
	var groupTeardownStart time.Time

	suite := NewSuite("CartSuite", "web.cart").
		Teardown(func(ctx *StageContext) error {
			if delay, ok := ctx.Params["delay"]; ok {
				d, err := time.ParseDuration(delay)
				if err != nil {
					return err
				}
				time.Sleep(d)
			}
			mutex.Lock()
			defer mutex.Unlock()
			teardownEnds = append(teardownEnds, time.Now())
			return nil
		}).
		GroupTeardown(func(ctx *StageContext) error {
			mutex.Lock()
			defer mutex.Unlock()
			groupTeardownStart = time.Now()
			return nil
		}).
		Case("test_add", succeed, WithIterations(
			Iteration{Name: "one"},
			Iteration{Name: "two"},
			Iteration{Name: "three", Params: map[string]string{"delay": "500ms"}},
		))
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)

	started := time.Now()
	run := f.execute(t, ctx,
		unitID(suite, "test_add", "one"),
		unitID(suite, "test_add", "two"),
		unitID(suite, "test_add", "three"),
	)

	assert.Equal(t, model.ResultByStatus{Success: 3}, run.ResultByStatus)
	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, teardownEnds, 3)
	require.False(t, groupTeardownStart.IsZero())
	for _, end := range teardownEnds {
		assert.False(t, groupTeardownStart.Before(end), "group teardown started before a unit teardown finished")
	}
	assert.GreaterOrEqual(t, groupTeardownStart.Sub(started), 500*time.Millisecond)
}

func TestExecute_GroupSetupFailureSkipsUnitStages(t *testing.T) {
	var mutex sync.Mutex
	calls := map[model.Stage]int{}
	count := func(stage model.Stage) {
		mutex.Lock()
		defer mutex.Unlock()
		calls[stage]++
	}
	suite := NewSuite("SearchSuite", "web.search").
		GroupSetup(func(*StageContext) error { return errors.New("no browser") }).
		Setup(func(*StageContext) error { count(model.StageSetup); return nil }).
		Teardown(func(*StageContext) error { count(model.StageTeardown); return nil }).
		GroupTeardown(func(*StageContext) error { count(model.StageGroupTeardown); return nil }).
		Case("test_query", func(*StageContext) error { count(model.StageCall); return nil }).
		Case("test_filter", func(*StageContext) error { count(model.StageCall); return nil })
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)
	unitIDs := []string{unitID(suite, "test_query", "test_query"), unitID(suite, "test_filter", "test_filter")}

	run := f.execute(t, ctx, unitIDs...)

	assert.Equal(t, model.RunSuccess, run.Status)
	assert.Equal(t, model.ResultByStatus{Fail: 2}, run.ResultByStatus)
	for _, id := range unitIDs {
		unit := f.unit(t, ctx, run.ID, id)
		assert.Equal(t, model.StatusFail, unit.Status)
		assert.Equal(t, "no browser", unit.Stages[model.StageGroupSetup].Errors[0].Message)
		for _, stage := range []model.Stage{model.StageSetup, model.StageCall, model.StageTeardown} {
			result := unit.Stages[stage]
			assert.Equal(t, model.StatusFail, result.Status, "stage %s", stage)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, model.StructuredError{Name: "Canceled", Message: "Cancel due to group setup failed"}, result.Errors[0])
		}
		assert.Equal(t, model.StatusSuccess, unit.Stages[model.StageGroupTeardown].Status)
	}
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, map[model.Stage]int{model.StageGroupTeardown: 1}, calls)
}

func TestExecute_SetupFailureSkipsCallOnly(t *testing.T) {
	var mutex sync.Mutex
	var called, tornDown bool
	suite := NewSuite("ProfileSuite", "web.profile").
		Setup(func(*StageContext) error { return errors.New("no account") }).
		Teardown(func(*StageContext) error {
			mutex.Lock()
			defer mutex.Unlock()
			tornDown = true
			return nil
		}).
		Case("test_edit", func(*StageContext) error {
			mutex.Lock()
			defer mutex.Unlock()
			called = true
			return nil
		})
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)
	id := unitID(suite, "test_edit", "test_edit")

	run := f.execute(t, ctx, id)

	unit := f.unit(t, ctx, run.ID, id)
	assert.Equal(t, model.StatusFail, unit.Status)
	assert.Equal(t, "Cancel due to setup failed", unit.Stages[model.StageCall].Errors[0].Message)
	assert.Equal(t, model.StatusSuccess, unit.Stages[model.StageTeardown].Status)
	mutex.Lock()
	defer mutex.Unlock()
	assert.False(t, called)
	assert.True(t, tornDown)
}

func TestExecute_StageOutcomes(t *testing.T) {
	config := testConfig
	config.StageTimeout = 100 * time.Millisecond
	suite := NewSuite("OutcomeSuite", "api").
		Case("test_cancelled", func(*StageContext) error {
			return errors.Wrap(context.Canceled, "worker stopped")
		}).
		Case("test_panics", func(*StageContext) error {
			panic("unexpected state")
		}).
		Case("test_times_out", func(ctx *StageContext) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		Case("test_many_errors", func(*StageContext) error {
			return multierror.Append(errors.New("first"), &fireflyerrors.ErrNotFound{Type: "order", Value: "42"})
		}).
		Case("test_isolated", succeed, Isolated())
	f := newFixture(t, config, suite)
	ctx := testContext(t)
	ids := map[string]string{}
	for _, name := range []string{"test_cancelled", "test_panics", "test_times_out", "test_many_errors", "test_isolated"} {
		ids[name] = unitID(suite, name, name)
	}

	run := f.execute(t, ctx,
		ids["test_cancelled"], ids["test_panics"], ids["test_times_out"], ids["test_many_errors"], ids["test_isolated"])

	assert.Equal(t, model.ResultByStatus{Success: 2, Fail: 3}, run.ResultByStatus)

	cancelled := f.unit(t, ctx, run.ID, ids["test_cancelled"])
	assert.Equal(t, model.StatusSuccess, cancelled.Status)
	assert.Empty(t, cancelled.Stages[model.StageCall].Errors)

	panicked := f.unit(t, ctx, run.ID, ids["test_panics"]).Stages[model.StageCall]
	assert.Equal(t, "Panic", panicked.Errors[0].Name)
	assert.Equal(t, "panic: unexpected state", panicked.Errors[0].Message)

	timedOut := f.unit(t, ctx, run.ID, ids["test_times_out"]).Stages[model.StageCall]
	assert.Equal(t, "Timeout", timedOut.Errors[0].Name)

	many := f.unit(t, ctx, run.ID, ids["test_many_errors"]).Stages[model.StageCall]
	require.Len(t, many.Errors, 2)
	assert.Equal(t, "Error", many.Errors[0].Name)
	assert.Equal(t, "ErrNotFound", many.Errors[1].Name)

	assert.Equal(t, model.StatusSuccess, f.unit(t, ctx, run.ID, ids["test_isolated"]).Status)
}

func TestExecute_RecordsSideData(t *testing.T) {
	suite := NewSuite("AccountSuite", "api.accounts").
		RunConfig("browser", "chrome").
		Setup(func(ctx *StageContext) error {
			if _, err := ctx.Env("password"); err != nil {
				return err
			}
			ctx.Warn("slow login")
			return nil
		}).
		Case("test_create", func(ctx *StageContext) error {
			assert.Equal(t, "http://localhost:8080", ctx.Params["url"])
			assert.Equal(t, "firefox", ctx.RunConfig["browser"])
			baseURL, err := ctx.Env("base_url")
			if err != nil {
				return err
			}
			ctx.Generate("account", "acc-1")
			ctx.Asset("screenshot", "image", "/tmp/screenshot.png")
			return ctx.Step("create account", func() error {
				_ = ctx.Step("open form", func() error { return nil })
				_ = ctx.Step("submit "+baseURL, func() error { return errors.New("retry") })
				return nil
			})
		}, WithIterations(Iteration{Name: "default", Params: map[string]string{"url": "env:base_url"}}))
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)
	id := unitID(suite, "test_create", "default")

	run, err := f.coordinator.Trigger(ctx, TriggerRequest{
		RootFolder: rootFolder,
		Env:        envName,
		UnitIDs:    []string{id},
		RunConfig:  map[string]string{"browser": "firefox", "unknown": "ignored"},
	})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Execute(ctx, run.ID))

	unit := f.unit(t, ctx, run.ID, id)
	assert.Equal(t, model.StatusSuccess, unit.Status)
	assert.Equal(t, map[string]string{"password": "******", "base_url": "http://localhost:8080"}, unit.EnvUsed)
	assert.Equal(t, []string{"slow login"}, unit.Warnings)
	assert.Equal(t, map[string]string{"account": "acc-1"}, unit.Generated)
	assert.Equal(t, model.Asset{Name: "screenshot", Type: "image", Path: "/tmp/screenshot.png"}, unit.Assets["screenshot"])
	assert.Equal(t, map[string]string{"browser": "firefox"}, unit.RunConfig)
	assert.Equal(t, map[string]string{"url": "http://localhost:8080"}, unit.Params)

	steps := unit.Stages[model.StageCall].Steps
	require.Len(t, steps, 1)
	assert.Equal(t, "create account", steps[0].Name)
	assert.Equal(t, model.StatusSuccess, steps[0].Status)
	require.Len(t, steps[0].Inner, 2)
	assert.Equal(t, model.StatusSuccess, steps[0].Inner[0].Status)
	assert.Equal(t, "submit http://localhost:8080", steps[0].Inner[1].Name)
	assert.Equal(t, model.StatusFail, steps[0].Inner[1].Status)
	assert.Empty(t, unit.Stages[model.StageSetup].Steps)
}

func TestExecute_AbandonedHookDoesNotLeakIntoLaterStages(t *testing.T) {
	config := testConfig
	config.StageTimeout = 100 * time.Millisecond
	late := make(chan struct{})
	written := make(chan struct{})
	suite := NewSuite("SlowSuite", "api.slow").
		Teardown(func(ctx *StageContext) error {
			close(late)
			select {
			case <-written:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}).
		Case("test_hangs", func(ctx *StageContext) error {
			ctx.Warn("before timeout")
			<-ctx.Done()
			// Only returns once the teardown stage is running.
			<-late
			ctx.Warn("after timeout")
			ctx.Generate("account", "acc-late")
			_ = ctx.Step("late step", func() error { return nil })
			close(written)
			return nil
		})
	f := newFixture(t, config, suite)
	ctx := testContext(t)
	id := unitID(suite, "test_hangs", "test_hangs")

	run := f.execute(t, ctx, id)

	unit := f.unit(t, ctx, run.ID, id)
	assert.Equal(t, model.StatusFail, unit.Status)
	assert.Equal(t, "Timeout", unit.Stages[model.StageCall].Errors[0].Name)
	assert.Equal(t, model.StatusSuccess, unit.Stages[model.StageTeardown].Status)
	assert.Equal(t, []string{"before timeout"}, unit.Warnings)
	assert.Empty(t, unit.Generated)
	assert.Empty(t, unit.Stages[model.StageTeardown].Steps)
}

func TestStageContext_WithSemaphoreBoundsUnitsAcrossCoordinators(t *testing.T) {
	var mutex sync.Mutex
	active, peak, calls := 0, 0, 0
	exclusive := func(ctx *StageContext) error {
		return ctx.WithSemaphore("payments-sandbox", 1, func() error {
			mutex.Lock()
			active++
			calls++
			if active > peak {
				peak = active
			}
			mutex.Unlock()
			time.Sleep(20 * time.Millisecond)
			mutex.Lock()
			active--
			mutex.Unlock()
			return nil
		})
	}
	suite := NewSuite("PaymentSuite", "api.payments").
		Case("test_refund", exclusive).
		Case("test_charge", exclusive)
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })
	fixtures := []*fixture{newFixtureOn(t, db, testConfig, suite), newFixtureOn(t, db, testConfig, suite)}
	ctx := testContext(t)
	ids := []string{unitID(suite, "test_refund", "test_refund"), unitID(suite, "test_charge", "test_charge")}

	runIDs := make([]string, len(fixtures))
	for i, f := range fixtures {
		run, err := f.coordinator.Trigger(ctx, TriggerRequest{RootFolder: rootFolder, Env: envName, UnitIDs: ids})
		require.NoError(t, err)
		runIDs[i] = run.ID
	}
	g, gctx := fireflycontext.ErrGroup(ctx)
	for i, f := range fixtures {
		i, f := i, f
		g.Go(func() error {
			return f.coordinator.Execute(gctx, runIDs[i])
		})
	}
	require.NoError(t, g.Wait())

	for i, f := range fixtures {
		run, err := f.aggregator.GetRun(ctx, runIDs[i])
		require.NoError(t, err)
		assert.Equal(t, model.ResultByStatus{Success: 2}, run.ResultByStatus)
	}
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, peak)
}

func TestExecute_ExtendedSuiteHookOrder(t *testing.T) {
	var mutex sync.Mutex
	var order []string
	record := func(name string) HookFunc {
		return func(*StageContext) error {
			mutex.Lock()
			defer mutex.Unlock()
			order = append(order, name)
			return nil
		}
	}
	base := NewSuite("BaseSuite", "web").
		GroupSetup(record("base group setup")).
		Setup(record("base setup")).
		Teardown(record("base teardown")).
		GroupTeardown(record("base group teardown"))
	derived := NewSuite("DerivedSuite", "web.derived").
		Extend(base).
		GroupSetup(record("derived group setup")).
		Setup(record("derived setup")).
		Teardown(record("derived teardown")).
		GroupTeardown(record("derived group teardown")).
		Case("test_it", record("call"))
	f := newFixture(t, testConfig, derived)
	ctx := testContext(t)

	f.execute(t, ctx, unitID(derived, "test_it", "test_it"))

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{
		"base group setup",
		"derived group setup",
		"base setup",
		"derived setup",
		"call",
		"derived teardown",
		"base teardown",
		"derived group teardown",
		"base group teardown",
	}, order)
}

func TestExecute_PhaseFailureFinishesRun(t *testing.T) {
	suite := NewSuite("ConfigSuite", "web.config").
		Case("test_missing", succeed, WithIterations(Iteration{Name: "default", Params: map[string]string{"token": "env:api_token"}}))
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)

	run, err := f.coordinator.Trigger(ctx, TriggerRequest{
		RootFolder: rootFolder,
		Env:        envName,
		UnitIDs:    []string{unitID(suite, "test_missing", "default")},
	})
	require.NoError(t, err)
	err = f.coordinator.Execute(ctx, run.ID)
	require.Error(t, err)
	var notFound *fireflyerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))

	stored, err := f.aggregator.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFail, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "ErrNotFound during Unit priming with env and config phase. Test Run finished.", stored.Error.Name)
	assert.Contains(t, stored.Error.Message, "api_token")

	pending, err := f.aggregator.ListPending(ctx, rootFolder, envName)
	require.NoError(t, err)
	assert.Empty(t, pending)

	runs, err := f.store.ListRuns(ctx, rootFolder, envName, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFail, runs[0].Status)
}

func TestExecute_PublishesStatusesAndExports(t *testing.T) {
	suite := NewSuite("HomeSuite", "web.home").Case("test_load", succeed)
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)
	id := unitID(suite, "test_load", "test_load")

	run := f.execute(t, ctx, id)

	var statuses []model.RunStatus
	err := f.channel.Listen(ctx, aggregator.RunChannelKey(run.ID), func(payload []byte) error {
		message, err := eventchannel.UnmarshalMessage(payload)
		if err != nil {
			return err
		}
		var data struct {
			Status model.RunStatus `json:"status"`
		}
		if err := message.DecodeData(&data); err != nil {
			return err
		}
		statuses = append(statuses, data.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.RunStatus{model.RunPending, model.RunPrimed, model.RunRunning, model.RunSuccess}, statuses)

	pending, err := f.aggregator.ListPending(ctx, rootFolder, envName)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := f.store.QueryStats(ctx, rootFolder, envName)
	require.NoError(t, err)
	assert.Equal(t, model.ResultByStatus{Success: 1}, stats[id])

	tree, err := f.aggregator.GetRunTree(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TreeFinished, tree.Status)
	assert.Equal(t, []string{"web"}, tree.FirstLevel)
}

func TestTrigger(t *testing.T) {
	smoke := NewSuite("SmokeSuite", "web.smoke").
		Tags("smoke").
		Case("test_one", succeed).
		Case("test_two", succeed, WithTags("slow"))
	other := NewSuite("OtherSuite", "web.other").Case("test_other", succeed, WithTags("slow"))
	f := newFixture(t, testConfig, smoke, other)
	ctx := testContext(t)

	run, err := f.coordinator.Trigger(ctx, TriggerRequest{
		RootFolder: rootFolder,
		Env:        envName,
		UnitIDs:    []string{unitID(other, "test_other", "test_other")},
		Tags:       []string{"smoke"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunIdle, run.Status)
	assert.Equal(t, []string{
		unitID(other, "test_other", "test_other"),
		unitID(smoke, "test_one", "test_one"),
		unitID(smoke, "test_two", "test_two"),
	}, run.UnitIDs)

	pending, err := f.aggregator.ListPending(ctx, rootFolder, envName)
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, pending)

	_, err = f.coordinator.Trigger(ctx, TriggerRequest{RootFolder: rootFolder, Env: "mars", UnitIDs: run.UnitIDs})
	assert.Equal(t, 400, fireflyerrors.HTTPStatusFromError(err))

	_, err = f.coordinator.Trigger(ctx, TriggerRequest{RootFolder: rootFolder, Env: envName, Tags: []string{"nightly"}})
	var invalid *fireflyerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestExecute_RejectsRunsThatAreNotIdle(t *testing.T) {
	suite := NewSuite("HomeSuite", "web.home").Case("test_load", succeed)
	f := newFixture(t, testConfig, suite)
	ctx := testContext(t)

	run := f.execute(t, ctx, unitID(suite, "test_load", "test_load"))

	err := f.coordinator.Execute(ctx, run.ID)
	var invalid *fireflyerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))

	err = f.coordinator.Execute(ctx, "missing")
	var notFound *fireflyerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}
