package scriptrun

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	rootFolder = "ops"
	envName    = "local"
)

var (
	testConfig = configuration.ScriptConfig{
		PhaseTimeout: 5 * time.Second,
		Retention:    time.Hour,
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
		envName: {"host": "http://localhost:8080", "password": "s3cret"},
	}
	startTime = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	manager *Manager
	channel *ScriptChannel
	store   *history.SQLStore
	clock   *util.DummyClock
}

func newFixture(t *testing.T, scripts ...*Script) *fixture {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })

	registry := catalog.NewRegistry[*Script]()
	for _, script := range scripts {
		require.NoError(t, script.Register(registry, rootFolder))
	}
	collector, err := catalog.NewCollector[*Script](db, "script", registry, leaseConfig, catalogConfig)
	require.NoError(t, err)

	store, err := history.Open(configuration.HistoryConfig{
		Driver: history.DriverSqlite,
		Dsn:    filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Setup(context.Background()))

	channel := eventchannel.NewChannel(db, eventsConfig)
	clock := util.NewDummyClock(startTime)
	manager := NewManager(Dependencies{
		DB:           db,
		Channel:      channel,
		Collector:    collector,
		Store:        store,
		Config:       testConfig,
		Leases:       leaseConfig,
		Environments: environments,
		Secrets:      []string{"password"},
		Clock:        clock,
	})
	return &fixture{manager: manager, channel: NewScriptChannel(channel), store: store, clock: clock}
}

func testContext(t *testing.T) *fireflycontext.Context {
	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// run starts and executes a script and returns its history.
func (f *fixture) run(t *testing.T, ctx *fireflycontext.Context, scriptID string, params map[string]string) History {
	execution, err := f.manager.Start(ctx, StartRequest{ScriptID: scriptID, RootFolder: rootFolder, Env: envName, User: "tester", Params: params})
	require.NoError(t, err)
	require.NoError(t, f.manager.Execute(ctx, scriptID, execution.ID))
	h, err := f.manager.History(ctx, scriptID, execution.ID)
	require.NoError(t, err)
	return h
}

func (f *fixture) events(t *testing.T, ctx *fireflycontext.Context, executionID string) []Event {
	var events []Event
	require.NoError(t, f.channel.Listen(ctx, executionID, func(event Event) error {
		events = append(events, event)
		return nil
	}))
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func TestExecute_RecordsResultLogAndArchive(t *testing.T) {
	report := NewScript("env_report", "ops.env").
		Param("region", "eu").
		Run(func(sc *ScriptContext) (interface{}, error) {
			host, err := sc.Env("host")
			if err != nil {
				return nil, err
			}
			if _, err := sc.Env("password"); err != nil {
				return nil, err
			}
			sc.Log("checking %s", host)
			sc.Log("region %s", sc.Params["region"])
			return map[string]interface{}{"host": host, "region": sc.Params["region"]}, nil
		})
	f := newFixture(t, report)
	ctx := testContext(t)

	h := f.run(t, ctx, "env_report", map[string]string{"region": "us"})

	assert.Equal(t, model.ScriptSuccess, h.Status)
	require.NotNil(t, h.Result)
	assert.Equal(t, model.ResultObject, h.Result.Type)
	assert.JSONEq(t, `{"host": "http://localhost:8080", "region": "us"}`, string(h.Result.Object))
	assert.Equal(t, map[string]string{"host": "http://localhost:8080", "password": redacted}, h.EnvUsed)
	assert.Equal(t, map[string]string{"region": "us"}, h.Params)
	assert.Empty(t, h.Errors)
	assert.Equal(t, []string{"checking http://localhost:8080", "region us"}, h.Log)
	require.NotNil(t, h.EndTime)
	assert.Equal(t, startTime, *h.EndTime)

	events := f.events(t, ctx, h.ID)
	assert.Equal(t, []EventType{LogEvent, LogEvent, ResultEvent, EnvUsedEvent, StatusEvent}, eventTypes(events))
	var line LogLine
	require.NoError(t, json.Unmarshal(events[1].Message, &line))
	assert.Equal(t, LogLine{Index: 1, Line: "region us"}, line)
	assert.Equal(t, "env_report", events[4].ScriptID)
	assert.JSONEq(t, `"success"`, string(events[4].Message))

	last, err := f.manager.Last(ctx, "env_report")
	require.NoError(t, err)
	assert.Equal(t, h, last)

	records, err := f.manager.Records(ctx, "env_report", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, h.ID, records[0].ID)
	assert.Equal(t, model.ScriptSuccess, records[0].Status)
	assert.Equal(t, h.Result, records[0].Result)
	assert.Equal(t, h.Log, records[0].Log)
}

func TestExecute_StreamsYieldedResults(t *testing.T) {
	seed := NewScript("seed_accounts", "ops.accounts").
		Run(func(sc *ScriptContext) (interface{}, error) {
			if err := sc.Yield("created account 1"); err != nil {
				return nil, err
			}
			if err := sc.Yield([]interface{}{
				map[string]interface{}{"id": 2, "name": "b"},
				errors.New("account 3 is locked"),
			}); err != nil {
				return nil, err
			}
			return nil, nil
		})
	f := newFixture(t, seed)
	ctx := testContext(t)

	h := f.run(t, ctx, "seed_accounts", nil)

	assert.Equal(t, model.ScriptPartialSuccess, h.Status)
	require.NotNil(t, h.Result)
	assert.Equal(t, model.ResultMulti, h.Result.Type)
	var parts map[int]model.ScriptResult
	require.NoError(t, json.Unmarshal(h.Result.Object, &parts))
	require.Len(t, parts, 2)
	assert.Equal(t, model.ResultString, parts[0].Type)
	assert.JSONEq(t, `"created account 1"`, string(parts[0].Object))
	assert.Equal(t, model.ResultTable, parts[1].Type)
	assert.JSONEq(t, `[{"id": 2, "name": "b"}]`, string(parts[1].Object))
	require.Len(t, h.Errors, 1)
	assert.Equal(t, "account 3 is locked", h.Errors[0].Message)

	events := f.events(t, ctx, h.ID)
	assert.Equal(t, []EventType{
		IntermediateResultEvent,
		IntermediateResultEvent,
		IntermediateErrorsEvent,
		ResultEvent,
		ErrorsEvent,
		EnvUsedEvent,
		StatusEvent,
	}, eventTypes(events))
	var second map[int]model.ScriptResult
	require.NoError(t, json.Unmarshal(events[1].Message, &second))
	assert.Equal(t, parts[1], second[1])
}

func TestExecute_OnlyErrorsFails(t *testing.T) {
	broken := NewScript("broken", "ops").
		Run(func(*ScriptContext) (interface{}, error) {
			return []interface{}{errors.New("first"), errors.New("second")}, nil
		})
	f := newFixture(t, broken)

	h := f.run(t, testContext(t), "broken", nil)

	assert.Equal(t, model.ScriptFail, h.Status)
	require.Len(t, h.Errors, 2)
	assert.Equal(t, "first", h.Errors[0].Message)
	assert.Equal(t, "second", h.Errors[1].Message)
}

func TestExecute_PanicRunsTeardown(t *testing.T) {
	var tornDown atomic.Bool
	panicking := NewScript("panicking", "ops").
		Run(func(*ScriptContext) (interface{}, error) {
			var m map[string]int
			m["boom"] = 1
			return nil, nil
		}).
		Teardown(func(*ScriptContext) error {
			tornDown.Store(true)
			return nil
		})
	f := newFixture(t, panicking)

	h := f.run(t, testContext(t), "panicking", nil)

	assert.True(t, tornDown.Load())
	assert.Equal(t, model.ScriptFail, h.Status)
	require.Len(t, h.Errors, 1)
	assert.Equal(t, "Panic", h.Errors[0].Name)
	assert.Nil(t, h.Result)
}

func TestExecute_TeardownFailureFailsExecution(t *testing.T) {
	script := NewScript("cleanup", "ops").
		Run(func(*ScriptContext) (interface{}, error) {
			return "done", nil
		}).
		Teardown(func(*ScriptContext) error {
			return errors.New("could not delete temp files")
		})
	f := newFixture(t, script)

	h := f.run(t, testContext(t), "cleanup", nil)

	assert.Equal(t, model.ScriptFail, h.Status)
	require.Len(t, h.Errors, 1)
	assert.Equal(t, "teardown: could not delete temp files", h.Errors[0].Message)
}

func TestExecute_PhaseFailureFinishesExecution(t *testing.T) {
	tests := map[string]struct {
		script  *Script
		params  map[string]string
		phase   string
		errName string
	}{
		"missing environment value": {
			script: NewScript("needs_token", "ops").Param("token", "env:token").Run(func(*ScriptContext) (interface{}, error) {
				return "unreachable", nil
			}),
			phase:   phaseParams,
			errName: "ErrNotFound",
		},
		"unknown param": {
			script: NewScript("no_params", "ops").Run(func(*ScriptContext) (interface{}, error) {
				return "unreachable", nil
			}),
			params:  map[string]string{"region": "eu"},
			phase:   phaseParams,
			errName: "ErrInvalidArgument",
		},
		"required param missing": {
			script: NewScript("needs_account", "ops").RequiredParam("account").Run(func(*ScriptContext) (interface{}, error) {
				return "unreachable", nil
			}),
			phase:   phaseParams,
			errName: "ErrInvalidArgument",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.script)
			ctx := testContext(t)
			execution, err := f.manager.Start(ctx, StartRequest{
				ScriptID:   tc.script.ID(),
				RootFolder: rootFolder,
				Env:        envName,
				Params:     tc.params,
			})
			require.NoError(t, err)

			err = f.manager.Execute(ctx, tc.script.ID(), execution.ID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.phase)

			h, err := f.manager.History(ctx, tc.script.ID(), execution.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ScriptFail, h.Status)
			require.Len(t, h.Errors, 1)
			assert.Equal(t, tc.errName+" during "+tc.phase+" phase. Script execution finished.", h.Errors[0].Name)
			assert.Nil(t, h.Result)
			assert.Equal(t, []EventType{ErrorsEvent, EnvUsedEvent, StatusEvent}, eventTypes(f.events(t, ctx, execution.ID)))

			records, err := f.manager.Records(ctx, tc.script.ID(), 10)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, model.ScriptFail, records[0].Status)
		})
	}
}

func TestExecute_OnlyPendingExecutions(t *testing.T) {
	script := NewScript("once", "ops").Run(func(*ScriptContext) (interface{}, error) {
		return "done", nil
	})
	f := newFixture(t, script)
	ctx := testContext(t)
	h := f.run(t, ctx, "once", nil)

	err := f.manager.Execute(ctx, "once", h.ID)
	var invalid *fireflyerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)

	err = f.manager.Execute(ctx, "once", "missing")
	var notFound *fireflyerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStart_Validation(t *testing.T) {
	script := NewScript("once", "ops").Run(func(*ScriptContext) (interface{}, error) {
		return "done", nil
	})
	f := newFixture(t, script)
	ctx := testContext(t)

	_, err := f.manager.Start(ctx, StartRequest{ScriptID: "once", RootFolder: rootFolder, Env: "staging"})
	var invalid *fireflyerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)

	_, err = f.manager.Start(ctx, StartRequest{ScriptID: "missing", RootFolder: rootFolder, Env: envName})
	var notFound *fireflyerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = f.manager.Last(ctx, "once")
	assert.ErrorAs(t, err, &notFound)

	execution, err := f.manager.Start(ctx, StartRequest{ScriptID: "once", RootFolder: rootFolder, Env: envName})
	require.NoError(t, err)
	last, err := f.manager.Last(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, execution.ID, last.ID)
	assert.Equal(t, model.ScriptPending, last.Status)
	assert.Empty(t, last.Log)
}

func TestScriptContext_WithSemaphore(t *testing.T) {
	var inside atomic.Int32
	var peak atomic.Int32
	script := NewScript("exclusive", "ops").Run(func(sc *ScriptContext) (interface{}, error) {
		err := sc.WithSemaphore("billing-export", 1, func() error {
			if n := inside.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			return nil
		})
		return "exported", err
	})
	f := newFixture(t, script)
	ctx := testContext(t)

	var executions []model.ScriptExecution
	for i := 0; i < 3; i++ {
		execution, err := f.manager.Start(ctx, StartRequest{ScriptID: "exclusive", RootFolder: rootFolder, Env: envName})
		require.NoError(t, err)
		executions = append(executions, execution)
	}
	g, gctx := fireflycontext.ErrGroup(ctx)
	for _, execution := range executions {
		executionID := execution.ID
		g.Go(func() error {
			return f.manager.Execute(gctx, "exclusive", executionID)
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), peak.Load())
	for _, execution := range executions {
		h, err := f.manager.History(ctx, "exclusive", execution.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScriptSuccess, h.Status)
	}
}
