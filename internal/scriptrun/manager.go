package scriptrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/lease"
	"github.com/fireflyhq/firefly/internal/model"
	"github.com/fireflyhq/firefly/internal/testrun"
)

const (
	phaseCollection = "Script collection"
	phasePriming    = "Prime environment context"
	phaseParams     = "Validate input script parameters"
)

type StartRequest struct {
	ScriptID        string
	RootFolder      string
	Env             string
	User            string
	Params          map[string]string
	SettingOverride map[string]string
}

type Dependencies struct {
	DB        redis.UniversalClient
	Channel   *eventchannel.Channel
	Collector *catalog.Collector[*Script]
	Store     history.Store
	Config    configuration.ScriptConfig
	// Settings of the semaphores scripts share through DB.
	Leases       configuration.LeaseConfig
	Environments map[string]map[string]string
	Secrets      []string
	Clock        util.Clock
}

// Manager starts script executions, drives them to completion and serves their history.
type Manager struct {
	executions   *ExecutionRepository
	reporter     *Reporter
	collector    *catalog.Collector[*Script]
	store        history.Store
	semaphores   *lease.Semaphores
	config       configuration.ScriptConfig
	environments map[string]map[string]string
	secrets      []string
	clock        util.Clock
}

func NewManager(deps Dependencies) *Manager {
	clock := deps.Clock
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	executions := NewExecutionRepository(deps.DB, deps.Config.Retention)
	return &Manager{
		executions:   executions,
		reporter:     NewReporter(executions, NewScriptChannel(deps.Channel), deps.Store, clock),
		collector:    deps.Collector,
		store:        deps.Store,
		semaphores:   lease.NewSemaphores(deps.DB, deps.Leases),
		config:       deps.Config,
		environments: deps.Environments,
		secrets:      deps.Secrets,
		clock:        clock,
	}
}

// History is an execution together with its log.
type History struct {
	model.ScriptExecution
	Log []string
}

// ArchivedExecution is a finished execution read from the history store together with its log, which is
// empty once the shared store has expired it.
type ArchivedExecution struct {
	history.ScriptRecord
	Log []string
}

// Start creates a pending execution of a script and makes it the last execution of that script. The
// execution is left pending until Execute is called.
func (m *Manager) Start(ctx *fireflycontext.Context, request StartRequest) (model.ScriptExecution, error) {
	ctx = fireflycontext.WithLogField(ctx, "scriptId", request.ScriptID)
	if request.RootFolder == "" {
		return model.ScriptExecution{}, &fireflyerrors.ErrInvalidArgument{Name: "root_folder", Value: "", Message: "root folder is required"}
	}
	if _, ok := m.environments[request.Env]; !ok {
		return model.ScriptExecution{}, &fireflyerrors.ErrInvalidArgument{Name: "env_name", Value: request.Env, Message: "unknown environment"}
	}
	if _, err := m.collector.Collect(ctx, request.RootFolder); err != nil {
		return model.ScriptExecution{}, err
	}
	if _, err := m.collector.UnitsByIDs(ctx, request.RootFolder, []string{request.ScriptID}); err != nil {
		return model.ScriptExecution{}, err
	}

	execution := model.ScriptExecution{
		ID:              util.NewULID(),
		ScriptID:        request.ScriptID,
		Status:          model.ScriptPending,
		RootFolder:      request.RootFolder,
		Env:             request.Env,
		User:            request.User,
		Params:          request.Params,
		SettingOverride: request.SettingOverride,
		EnvUsed:         map[string]string{},
		Errors:          []model.StructuredError{},
		StartTime:       m.clock.Now().UTC(),
	}
	if err := m.reporter.start(ctx, execution); err != nil {
		return model.ScriptExecution{}, err
	}
	metrics.ScriptsStarted.Inc()
	ctx.Infof("Started script execution %s", execution.ID)
	return execution, nil
}

// execution is the state built up by the phases of one script execution.
type execution struct {
	record model.ScriptExecution
	script *Script
	def    catalog.UnitDef
	env    map[string]string
	sc     *ScriptContext
}

type phase struct {
	name    string
	timeout time.Duration
	fn      func(ctx *fireflycontext.Context, e *execution) error
}

// Execute prepares a pending execution through guarded phases and runs the script. A phase that fails
// or times out finishes the execution as failed and its error is returned. Failures of the script itself
// are recorded against the execution and not returned.
func (m *Manager) Execute(ctx *fireflycontext.Context, scriptID, executionID string) error {
	ctx = fireflycontext.WithLogFields(ctx, map[string]interface{}{"scriptId": scriptID, "executionId": executionID})
	record, err := m.executions.Get(ctx, scriptID, executionID)
	if err != nil {
		return err
	}
	if record.Status != model.ScriptPending {
		return &fireflyerrors.ErrInvalidArgument{Name: "status", Value: record.Status, Message: "only pending executions can be executed"}
	}

	e := &execution{record: record}
	phases := []phase{
		{name: phaseCollection, timeout: m.config.PhaseTimeout, fn: m.collect},
		{name: phasePriming, timeout: m.config.PhaseTimeout, fn: m.prime},
		{name: phaseParams, timeout: m.config.PhaseTimeout, fn: m.validateParams},
	}
	for _, p := range phases {
		if err := m.guard(ctx, e, p); err != nil {
			return err
		}
	}
	return m.run(ctx, e)
}

func (m *Manager) guard(ctx *fireflycontext.Context, e *execution, p phase) error {
	phaseCtx := fireflycontext.WithLogField(ctx, "phase", p.name)
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		phaseCtx, cancel = fireflycontext.WithTimeout(phaseCtx, p.timeout)
	}
	err := p.fn(phaseCtx, e)
	cancel()
	if err == nil {
		return nil
	}

	logging.WithStacktrace(ctx, err).Errorf("%s phase failed", p.name)
	phaseErrors := describe(err)
	for i := range phaseErrors {
		phaseErrors[i].Name = fmt.Sprintf("%s during %s phase. Script execution finished.", phaseErrors[i].Name, p.name)
	}
	finishCtx, cancelFinish := m.detached(ctx)
	defer cancelFinish()
	if finishErr := m.reporter.finish(finishCtx, e.record, completion{
		status:  model.ScriptFail,
		errors:  phaseErrors,
		envUsed: e.usedEnv(),
	}); finishErr != nil {
		logging.WithStacktrace(ctx, finishErr).Error("Error finishing failed script execution")
	}
	return errors.WithMessagef(err, "%s phase of script execution %s", p.name, e.record.ID)
}

// detached returns a context that survives the cancellation of ctx, bounded by the phase timeout.
func (m *Manager) detached(ctx *fireflycontext.Context) (*fireflycontext.Context, context.CancelFunc) {
	return fireflycontext.WithTimeout(fireflycontext.New(context.Background(), ctx.FieldLogger), m.config.PhaseTimeout)
}

func (e *execution) usedEnv() map[string]string {
	if e.sc == nil {
		return map[string]string{}
	}
	return e.sc.usedEnv()
}

func (m *Manager) collect(ctx *fireflycontext.Context, e *execution) error {
	if _, err := m.collector.Collect(ctx, e.record.RootFolder); err != nil {
		return err
	}
	defs, err := m.collector.UnitsByIDs(ctx, e.record.RootFolder, []string{e.record.ScriptID})
	if err != nil {
		return err
	}
	script, err := m.collector.Load(ctx, e.record.ScriptID)
	if err != nil {
		return err
	}
	e.def = defs[0]
	e.script = script
	return nil
}

func (m *Manager) prime(_ *fireflycontext.Context, e *execution) error {
	base, ok := m.environments[e.record.Env]
	if !ok {
		return &fireflyerrors.ErrNotFound{Type: "environment", Value: e.record.Env}
	}
	e.env = util.MergeMaps(base, e.record.SettingOverride)
	return nil
}

// validateParams overlays the requested params on the declared defaults and resolves environment
// references. The params are recorded against the execution with secret values redacted.
func (m *Manager) validateParams(ctx *fireflycontext.Context, e *execution) error {
	for name := range e.record.Params {
		if _, ok := e.def.Params[name]; !ok {
			return &fireflyerrors.ErrInvalidArgument{Name: name, Value: e.record.Params[name], Message: "the script has no such param"}
		}
	}
	params := util.MergeMaps(e.def.Params, e.record.Params)
	recorded := make(map[string]string, len(params))
	for name, value := range params {
		recorded[name] = value
		if !strings.HasPrefix(value, testrun.EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(value, testrun.EnvPrefix)
		envValue, ok := e.env[key]
		if !ok {
			return &fireflyerrors.ErrNotFound{
				Type:    "environment value",
				Value:   key,
				Message: fmt.Sprintf("required by param %s of script %s", name, e.record.ScriptID),
			}
		}
		params[name] = envValue
		recorded[name] = envValue
		if slices.Contains(m.secrets, key) {
			recorded[name] = redacted
		}
	}
	for _, name := range e.script.required {
		if params[name] == "" {
			return &fireflyerrors.ErrInvalidArgument{Name: name, Value: "", Message: "param is required"}
		}
	}
	if err := m.executions.Update(ctx, e.record.ScriptID, e.record.ID, map[string]interface{}{"params": recorded}); err != nil {
		return err
	}
	e.record.Params = recorded
	e.sc = &ScriptContext{
		Context:     ctx,
		ScriptID:    e.record.ScriptID,
		ExecutionID: e.record.ID,
		Params:      params,
		env:         e.env,
		secrets:     m.secrets,
		semaphores:  m.semaphores,
		reporter:    m.reporter,
		envUsed:     map[string]string{},
	}
	return nil
}

// run calls the body and the teardown of the script and records the outcome. Errors found in the result
// make the execution a partial success, or a failure when nothing but errors was returned.
func (m *Manager) run(ctx *fireflycontext.Context, e *execution) error {
	sc := e.sc
	sc.Context = ctx
	value, err := call(sc, e.script)

	finishCtx, cancel := m.detached(ctx)
	defer cancel()
	if err != nil {
		logging.WithStacktrace(ctx, err).Errorf("Script %s failed", e.record.ScriptID)
		return m.reporter.finish(finishCtx, e.record, completion{
			status:  model.ScriptFail,
			errors:  describe(err),
			envUsed: sc.usedEnv(),
		})
	}
	if yielded := sc.yielded(); len(yielded) > 0 {
		if value != nil {
			yielded = append(yielded, value)
		}
		value = yielded
	}
	f, err := format(value)
	if err != nil {
		return m.reporter.finish(finishCtx, e.record, completion{
			status:  model.ScriptFail,
			errors:  describe(err),
			envUsed: sc.usedEnv(),
		})
	}
	status := model.ScriptSuccess
	if len(f.errs) > 0 {
		status = model.ScriptPartialSuccess
		if f.empty {
			status = model.ScriptFail
		}
	}
	ctx.Infof("Script %s finished with status %s", e.record.ScriptID, status)
	return m.reporter.finish(finishCtx, e.record, completion{
		status:  status,
		result:  &f.result,
		errors:  describe(f.errs...),
		envUsed: sc.usedEnv(),
	})
}

// call runs the body of the script, then its teardown. Panics are reported as errors.
func call(sc *ScriptContext, script *Script) (interface{}, error) {
	value, err := protect(func() (interface{}, error) {
		return script.run(sc)
	})
	if script.teardown == nil {
		return value, err
	}
	_, teardownErr := protect(func() (interface{}, error) {
		return nil, script.teardown(sc)
	})
	if teardownErr == nil {
		return value, err
	}
	teardownErr = errors.WithMessage(teardownErr, "teardown")
	if err == nil {
		return nil, teardownErr
	}
	return nil, multierror.Append(err, teardownErr)
}

func protect(fn func() (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, testrun.Recovered(r)
		}
	}()
	return fn()
}

// History returns an execution with its log.
func (m *Manager) History(ctx *fireflycontext.Context, scriptID, executionID string) (History, error) {
	execution, err := m.executions.Get(ctx, scriptID, executionID)
	if err != nil {
		return History{}, err
	}
	log, err := m.executions.Log(ctx, scriptID, executionID)
	if err != nil {
		return History{}, err
	}
	return History{ScriptExecution: execution, Log: log}, nil
}

// Last returns the most recently started execution of a script with its log.
func (m *Manager) Last(ctx *fireflycontext.Context, scriptID string) (History, error) {
	executionID, ok, err := m.executions.Last(ctx, scriptID)
	if err != nil {
		return History{}, err
	}
	if !ok {
		return History{}, &fireflyerrors.ErrNotFound{Type: "script execution", Value: scriptID, Message: "the script has never been started"}
	}
	return m.History(ctx, scriptID, executionID)
}

// Records returns the last limit finished executions of a script from the history store, most recent
// first.
func (m *Manager) Records(ctx *fireflycontext.Context, scriptID string, limit int) ([]ArchivedExecution, error) {
	if m.store == nil {
		return nil, errors.New("no history store configured")
	}
	records, err := m.store.ListScriptRuns(ctx, scriptID, limit)
	if err != nil {
		return nil, err
	}
	archived := make([]ArchivedExecution, len(records))
	for i, record := range records {
		log, err := m.executions.Log(ctx, scriptID, record.ID)
		if err != nil {
			return nil, err
		}
		archived[i] = ArchivedExecution{ScriptRecord: record, Log: log}
	}
	return archived, nil
}

