// Package testrun drives a batch of test units through their lifecycle stages. Units of the same suite
// share group setup and group teardown through a barrier, and every stage result is rolled up by the
// aggregator as soon as it is known.
package testrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
	"github.com/fireflyhq/firefly/internal/lease"
	"github.com/fireflyhq/firefly/internal/model"
)

// Params whose value starts with EnvPrefix are replaced with the named environment value when a run is primed.
const EnvPrefix = "env:"

const (
	phasePending    = "Status change to pending"
	phaseContext    = "Context preparation"
	phaseCollection = "Unit collection"
	phasePriming    = "Unit priming with env and config"
	phaseReport     = "Update report"
	phasePrepare    = "Prepare tasks and barriers"
	phaseRunning    = "Status change to running"
	phaseRunAll     = "Run units"
	phaseSingletons = "Clear run singletons"
	phaseFinish     = "Finish test run report"
)

const (
	skipGroupSetupFailed = "Cancel due to group setup failed"
	skipSetupFailed      = "Cancel due to setup failed"
)

type TriggerRequest struct {
	RootFolder      string
	Env             string
	User            string
	UnitIDs         []string
	Tags            []string
	RunConfig       map[string]string
	SettingOverride map[string]string
}

type Dependencies struct {
	Aggregator *aggregator.Aggregator
	Collector  *catalog.Collector[*Executable]
	Reporter   *Reporter
	Limiters   *lease.Registry
	Isolated   IsolatedExecutor
	Config     configuration.CoordinatorConfig
	// Store and settings of the semaphores units share across processes. Without a store
	// StageContext.WithSemaphore fails.
	DB     redis.UniversalClient
	Leases configuration.LeaseConfig
	// Named environments a run can select. Setting overrides of the run are applied on top.
	Environments map[string]map[string]string
	Secrets      []string
	Version      string
	Clock        util.Clock
}

type Coordinator struct {
	aggregator   *aggregator.Aggregator
	collector    *catalog.Collector[*Executable]
	reporter     *Reporter
	limiters     *lease.Registry
	semaphores   *lease.Semaphores
	isolated     IsolatedExecutor
	config       configuration.CoordinatorConfig
	environments map[string]map[string]string
	secrets      []string
	version      string
	clock        util.Clock
}

func NewCoordinator(deps Dependencies) *Coordinator {
	c := &Coordinator{
		aggregator:   deps.Aggregator,
		collector:    deps.Collector,
		reporter:     deps.Reporter,
		limiters:     deps.Limiters,
		isolated:     deps.Isolated,
		config:       deps.Config,
		environments: deps.Environments,
		secrets:      deps.Secrets,
		version:      deps.Version,
		clock:        deps.Clock,
	}
	if c.limiters == nil {
		c.limiters = lease.NewRegistry()
	}
	if deps.DB != nil {
		c.semaphores = lease.NewSemaphores(deps.DB, deps.Leases)
	}
	if c.isolated == nil {
		c.isolated = GoroutineExecutor{}
	}
	if c.clock == nil {
		c.clock = &util.DefaultClock{}
	}
	return c
}

type unitRun struct {
	def        catalog.UnitDef
	executable *Executable
	params     map[string]string
	recorded   map[string]string
	runConfig  map[string]string
}

type suiteRun struct {
	key        string
	executable *Executable
	units      []*unitRun
	barrier    *Barrier
}

func (s *suiteRun) unitIDs() []string {
	ids := make([]string, len(s.units))
	for i, u := range s.units {
		ids[i] = u.def.ID
	}
	return ids
}

// execution is the state built up by the phases of one run.
type execution struct {
	run    model.Run
	env    map[string]string
	units  []*unitRun
	suites []*suiteRun
}

type phase struct {
	name    string
	timeout time.Duration
	fn      func(ctx *fireflycontext.Context, e *execution) error
}

// Trigger creates a run for the selected units. Units can be selected by id and by tag. The run is left
// idle until Execute is called.
func (c *Coordinator) Trigger(ctx *fireflycontext.Context, request TriggerRequest) (model.Run, error) {
	if request.RootFolder == "" {
		return model.Run{}, &fireflyerrors.ErrInvalidArgument{Name: "root_folder", Value: "", Message: "root folder is required"}
	}
	if _, ok := c.environments[request.Env]; !ok {
		return model.Run{}, &fireflyerrors.ErrInvalidArgument{Name: "env_name", Value: request.Env, Message: "unknown environment"}
	}
	unitIDs := make([]string, 0, len(request.UnitIDs))
	for _, id := range request.UnitIDs {
		if !slices.Contains(unitIDs, id) {
			unitIDs = append(unitIDs, id)
		}
	}
	if len(request.Tags) > 0 {
		if _, err := c.collector.Collect(ctx, request.RootFolder); err != nil {
			return model.Run{}, err
		}
		tagged, err := c.collector.UnitsByTags(ctx, request.RootFolder, request.Tags)
		if err != nil {
			return model.Run{}, err
		}
		for _, def := range tagged {
			if !slices.Contains(unitIDs, def.ID) {
				unitIDs = append(unitIDs, def.ID)
			}
		}
	}
	if len(unitIDs) == 0 {
		return model.Run{}, &fireflyerrors.ErrInvalidArgument{Name: "test_ids", Value: "", Message: "no units selected"}
	}

	run := model.Run{
		ID:              util.NewULID(),
		Status:          model.RunIdle,
		RootFolder:      request.RootFolder,
		Env:             request.Env,
		User:            request.User,
		Version:         c.version,
		UnitIDs:         unitIDs,
		Tags:            request.Tags,
		GroupIDs:        []string{},
		RunConfig:       request.RunConfig,
		SettingOverride: request.SettingOverride,
		StartTime:       c.clock.Now().UTC(),
	}
	if err := c.aggregator.CreateRun(ctx, run); err != nil {
		return model.Run{}, err
	}
	if err := c.aggregator.AddPending(ctx, run.RootFolder, run.Env, run.ID); err != nil {
		return model.Run{}, err
	}
	metrics.RunsStarted.Inc()
	ctx.Infof("Triggered run %s with %d units", run.ID, len(unitIDs))
	return run, nil
}

// Execute drives an idle run to completion. Each phase is guarded: a phase that fails or times out
// finishes the run as failed and its error is returned. Failures of individual units do not fail the run.
func (c *Coordinator) Execute(ctx *fireflycontext.Context, runID string) error {
	ctx = fireflycontext.WithLogField(ctx, "runId", runID)
	run, err := c.aggregator.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunIdle {
		return &fireflyerrors.ErrInvalidArgument{Name: "status", Value: run.Status, Message: "only idle runs can be executed"}
	}

	phases := []phase{
		{name: phasePending, timeout: c.config.PhaseTimeout, fn: c.markPending},
		{name: phaseContext, timeout: c.config.PhaseTimeout, fn: c.prepareContext},
		{name: phaseCollection, timeout: c.config.PhaseTimeout, fn: c.collect},
		{name: phasePriming, timeout: c.config.PhaseTimeout, fn: c.prime},
		{name: phaseReport, timeout: c.config.PhaseTimeout, fn: c.initialiseReport},
		{name: phasePrepare, timeout: c.config.PhaseTimeout, fn: c.prepareBarriers},
		{name: phaseRunning, timeout: c.config.PhaseTimeout, fn: c.markRunning},
		{name: phaseRunAll, fn: c.runAll},
		{name: phaseSingletons, timeout: c.config.PhaseTimeout, fn: c.clearSingletons},
		{name: phaseFinish, timeout: c.config.PhaseTimeout, fn: c.finish},
	}
	e := &execution{run: run}
	for _, p := range phases {
		if err := c.guard(ctx, e, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) guard(ctx *fireflycontext.Context, e *execution, p phase) error {
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
	runErr := model.StructuredError{
		Name:    fmt.Sprintf("%s during %s phase. Test Run finished.", ErrorName(err), p.name),
		Message: err.Error(),
		Trace:   fmt.Sprintf("%+v", err),
	}
	c.limiters.Teardown(e.run.ID)
	finishCtx, cancelFinish := fireflycontext.WithTimeout(fireflycontext.New(context.Background(), ctx.FieldLogger), c.config.PhaseTimeout)
	defer cancelFinish()
	if failErr := c.reporter.Fail(finishCtx, e.run.ID, runErr); failErr != nil {
		logging.WithStacktrace(ctx, failErr).Error("Error finishing failed run")
	}
	return errors.WithMessagef(err, "%s phase of run %s", p.name, e.run.ID)
}

func (c *Coordinator) markPending(ctx *fireflycontext.Context, e *execution) error {
	return c.aggregator.UpdateRunStatus(ctx, e.run.ID, model.RunPending)
}

func (c *Coordinator) prepareContext(ctx *fireflycontext.Context, e *execution) error {
	run, err := c.aggregator.GetRun(ctx, e.run.ID)
	if err != nil {
		return err
	}
	base, ok := c.environments[run.Env]
	if !ok {
		return &fireflyerrors.ErrNotFound{Type: "environment", Value: run.Env}
	}
	e.run = run
	e.env = util.MergeMaps(base, run.SettingOverride)
	return nil
}

func (c *Coordinator) collect(ctx *fireflycontext.Context, e *execution) error {
	if _, err := c.collector.Collect(ctx, e.run.RootFolder); err != nil {
		return err
	}
	defs, err := c.collector.UnitsByIDs(ctx, e.run.RootFolder, e.run.UnitIDs)
	if err != nil {
		return err
	}
	e.units = make([]*unitRun, 0, len(defs))
	for _, def := range defs {
		executable, err := c.collector.Load(ctx, def.ID)
		if err != nil {
			return err
		}
		e.units = append(e.units, &unitRun{def: def, executable: executable})
	}
	return nil
}

func (c *Coordinator) prime(_ *fireflycontext.Context, e *execution) error {
	for _, u := range e.units {
		u.params = make(map[string]string, len(u.def.Params))
		u.recorded = make(map[string]string, len(u.def.Params))
		for name, value := range u.def.Params {
			recorded := value
			if strings.HasPrefix(value, EnvPrefix) {
				key := strings.TrimPrefix(value, EnvPrefix)
				envValue, ok := e.env[key]
				if !ok {
					return &fireflyerrors.ErrNotFound{
						Type:    "environment value",
						Value:   key,
						Message: fmt.Sprintf("required by param %s of unit %s", name, u.def.ID),
					}
				}
				value = envValue
				recorded = envValue
				if slices.Contains(c.secrets, key) {
					recorded = redacted
				}
			}
			u.params[name] = value
			u.recorded[name] = recorded
		}
		u.runConfig = u.executable.RunConfig(e.run.RunConfig)
	}
	return nil
}

func (c *Coordinator) initialiseReport(ctx *fireflycontext.Context, e *execution) error {
	defs := make([]catalog.UnitDef, len(e.units))
	for i, u := range e.units {
		defs[i] = u.def
	}
	groups, chains := buildGroups(defs)
	if err := c.aggregator.CreateGroups(ctx, e.run.ID, groups); err != nil {
		return err
	}
	unitIDs := make([]string, len(e.units))
	for i, u := range e.units {
		unitIDs[i] = u.def.ID
		err := c.aggregator.CreateUnit(ctx, model.Unit{
			ID:          u.def.ID,
			RunID:       e.run.ID,
			Name:        u.def.Name,
			Case:        u.def.Case,
			Suite:       u.def.Suite,
			Description: u.def.Description,
			Params:      u.recorded,
			RunConfig:   u.runConfig,
			Groups:      chains[u.def.ID],
		})
		if err != nil {
			return err
		}
	}
	groupIDs := make([]string, len(groups))
	for i, group := range groups {
		groupIDs[i] = group.ID
	}
	if err := c.aggregator.SetRunUnits(ctx, e.run.ID, unitIDs, groupIDs); err != nil {
		return err
	}
	e.run.UnitIDs = unitIDs
	e.run.GroupIDs = groupIDs
	return c.aggregator.UpdateRunStatus(ctx, e.run.ID, model.RunPrimed)
}

func (c *Coordinator) prepareBarriers(_ *fireflycontext.Context, e *execution) error {
	bySuite := map[string]*suiteRun{}
	e.suites = nil
	for _, u := range e.units {
		key := u.executable.BarrierKey()
		s, ok := bySuite[key]
		if !ok {
			s = &suiteRun{key: key, executable: u.executable}
			bySuite[key] = s
			e.suites = append(e.suites, s)
		}
		s.units = append(s.units, u)
	}
	for _, s := range e.suites {
		s.barrier = NewBarrier(len(s.units))
	}
	return nil
}

func (c *Coordinator) markRunning(ctx *fireflycontext.Context, e *execution) error {
	return c.aggregator.UpdateRunStatus(ctx, e.run.ID, model.RunRunning)
}

// runAll schedules every group setup, unit chain and group teardown at once and lets the barriers order
// them. Only infrastructure errors are returned. Stage failures are recorded against their units.
func (c *Coordinator) runAll(ctx *fireflycontext.Context, e *execution) error {
	g, gctx := fireflycontext.ErrGroup(ctx)
	for _, s := range e.suites {
		s := s
		g.Go(func() error {
			return c.runGroupSetup(gctx, e, s)
		})
		for _, u := range s.units {
			u := u
			g.Go(func() error {
				return c.runUnit(gctx, e, s, u)
			})
		}
		g.Go(func() error {
			return c.runGroupTeardown(gctx, e, s)
		})
	}
	return g.Wait()
}

func (c *Coordinator) clearSingletons(_ *fireflycontext.Context, e *execution) error {
	c.limiters.Teardown(e.run.ID)
	return nil
}

func (c *Coordinator) finish(ctx *fireflycontext.Context, e *execution) error {
	return c.reporter.Finish(ctx, e.run.ID)
}

func (c *Coordinator) groupContext(ctx *fireflycontext.Context, e *execution, s *suiteRun) *StageContext {
	return &StageContext{
		Context:    fireflycontext.WithLogField(ctx, "suite", s.key),
		RunID:      e.run.ID,
		Params:     map[string]string{},
		RunConfig:  s.executable.RunConfig(e.run.RunConfig),
		env:        e.env,
		secrets:    c.secrets,
		limiters:   c.limiters,
		semaphores: c.semaphores,
		side:       newAccumulator(),
	}
}

func (c *Coordinator) runGroupSetup(ctx *fireflycontext.Context, e *execution, s *suiteRun) error {
	defer s.barrier.SetupDone()
	sc := c.groupContext(ctx, e, s)
	result, side := c.executeStage(sc.Context, model.StageGroupSetup, sc, s.executable.Hooks(model.StageGroupSetup), "")
	return c.record(ctx, e.run.ID, s.unitIDs(), model.StageGroupSetup, result, side)
}

func (c *Coordinator) runGroupTeardown(ctx *fireflycontext.Context, e *execution, s *suiteRun) error {
	if err := s.barrier.WaitTeardown(ctx); err != nil {
		return err
	}
	sc := c.groupContext(ctx, e, s)
	result, side := c.executeStage(sc.Context, model.StageGroupTeardown, sc, s.executable.Hooks(model.StageGroupTeardown), "")
	return c.record(ctx, e.run.ID, s.unitIDs(), model.StageGroupTeardown, result, side)
}

func (c *Coordinator) runUnit(ctx *fireflycontext.Context, e *execution, s *suiteRun, u *unitRun) error {
	defer s.barrier.UnitDone()
	if err := s.barrier.WaitSetup(ctx); err != nil {
		return err
	}
	unitCtx := fireflycontext.WithLogField(ctx, "unitId", u.def.ID)
	if u.def.Isolated {
		return c.isolated.RunIsolated(unitCtx, u.def.ID, func(ctx *fireflycontext.Context) error {
			return c.runUnitStages(ctx, e, u)
		})
	}
	return c.runUnitStages(unitCtx, e, u)
}

func (c *Coordinator) runUnitStages(ctx *fireflycontext.Context, e *execution, u *unitRun) error {
	sc := &StageContext{
		Context:    ctx,
		RunID:      e.run.ID,
		UnitID:     u.def.ID,
		Params:     u.params,
		RunConfig:  u.runConfig,
		env:        e.env,
		secrets:    c.secrets,
		limiters:   c.limiters,
		semaphores: c.semaphores,
		side:       newAccumulator(),
	}
	for _, stage := range []model.Stage{model.StageSetup, model.StageCall, model.StageTeardown} {
		skip, err := c.skipReason(ctx, e.run.ID, u.def.ID, stage)
		if err != nil {
			return err
		}
		result, side := c.executeStage(ctx, stage, sc, u.executable.Hooks(stage), skip)
		if err := c.record(ctx, e.run.ID, []string{u.def.ID}, stage, result, side); err != nil {
			return err
		}
	}
	return nil
}

// skipReason decides from the stored stage results whether stage must be skipped.
func (c *Coordinator) skipReason(ctx *fireflycontext.Context, runID, unitID string, stage model.Stage) (string, error) {
	stages, err := c.aggregator.GetStages(ctx, runID, unitID)
	if err != nil {
		return "", err
	}
	if stages[model.StageGroupSetup].Status == model.StatusFail {
		return skipGroupSetupFailed, nil
	}
	if stage == model.StageCall && stages[model.StageSetup].Status == model.StatusFail {
		return skipSetupFailed, nil
	}
	return "", nil
}

// executeStage runs the hooks of a stage, or skips them, and returns the stage result together with the
// side data the hooks accumulated.
func (c *Coordinator) executeStage(
	ctx *fireflycontext.Context,
	stage model.Stage,
	sc *StageContext,
	hooks []HookFunc,
	skip string,
) (model.StageResult, model.SideData) {
	started := time.Now()
	stageCtx := fireflycontext.WithLogField(ctx, "stage", stage)
	var outcome Outcome
	if skip != "" {
		outcome = Skip(skip)
	} else {
		outcome = Classify(c.runHooks(stageCtx, stage, sc, hooks))
	}
	steps, side := sc.side.finishStage()
	result := outcome.StageResult(steps)
	switch outcome.Kind {
	case Failed:
		stageCtx.WithError(outcome.Err).Warnf("Stage %s failed", stage)
	case Skipped:
		stageCtx.Infof("Stage %s skipped: %s", stage, outcome.Reason)
	}
	metrics.ObserveStage(string(stage), string(result.Status), started)
	return result, side
}

// runHooks calls hooks in order under the stage timeout. A hook that panics fails the stage. A hook that
// does not return once the timeout expires is abandoned. The hooks write their side data to an accumulator
// of their own, merged into sc when runHooks returns, so an abandoned hook cannot add to later stages.
func (c *Coordinator) runHooks(ctx *fireflycontext.Context, stage model.Stage, sc *StageContext, hooks []HookFunc) error {
	if len(hooks) == 0 {
		return nil
	}
	hookCtx, cancel := fireflycontext.WithTimeout(ctx, c.config.StageTimeout)
	defer cancel()
	bound := sc.withContext(hookCtx)
	bound.side = newAccumulator()
	defer sc.side.merge(bound.side)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Recovered(r)
			}
		}()
		for _, hook := range hooks {
			if err := hook(bound); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &fireflyerrors.ErrTimeout{Operation: fmt.Sprintf("stage %s", stage), Timeout: c.config.StageTimeout}
	}
}

func (c *Coordinator) record(
	ctx *fireflycontext.Context,
	runID string,
	unitIDs []string,
	stage model.Stage,
	result model.StageResult,
	side model.SideData,
) error {
	for _, unitID := range unitIDs {
		change, err := c.aggregator.RecordStage(ctx, runID, unitID, stage, result, side)
		if err != nil {
			return err
		}
		if change.Changed {
			ctx.WithField("unitId", unitID).Infof("Unit is %s after %s", change.To, stage)
		}
	}
	return nil
}
