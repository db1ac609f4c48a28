package loadtest

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
	"github.com/fireflyhq/firefly/internal/model"
)

type StartRequest struct {
	LoadTestID      string
	RootFolder      string
	Env             string
	User            string
	Params          map[string]string
	SettingOverride map[string]string
	NumberOfTasks   int
	// Concurrent tasks per worker. Zero means the definition default.
	PerWorker int
}

// RequiredWorkers returns the number of workers needed to run tasks concurrent tasks.
func RequiredWorkers(tasks, perWorker int) int {
	return (tasks + perWorker - 1) / perWorker
}

// Manager starts, rescales and stops load test executions. The work itself runs in the worker pool.
type Manager struct {
	*services
	pool WorkerPool
}

func NewManager(deps Dependencies, pool WorkerPool) *Manager {
	return &Manager{services: newServices(deps), pool: pool}
}

// checkCapacity fails when the free slots of the pool cannot take the given number of new workers on top of
// the slots reserved for other jobs.
func (m *Manager) checkCapacity(ctx *fireflycontext.Context, workers, reserved int) error {
	free, err := m.pool.Capacity(ctx)
	if err != nil {
		return err
	}
	available := free - reserved
	if available < 0 {
		available = 0
	}
	if workers > available {
		metrics.CapacityRejections.Inc()
		return &fireflyerrors.ErrCapacityExceeded{Requested: workers, Available: available}
	}
	return nil
}

func (m *Manager) Start(ctx *fireflycontext.Context, request StartRequest) (model.Execution, error) {
	ctx = fireflycontext.WithLogField(ctx, "loadTestId", request.LoadTestID)
	if request.NumberOfTasks <= 0 {
		return model.Execution{}, &fireflyerrors.ErrInvalidArgument{
			Name:    "number_of_tasks",
			Value:   request.NumberOfTasks,
			Message: "must be positive",
		}
	}
	if _, ok := m.environments[request.Env]; !ok {
		return model.Execution{}, &fireflyerrors.ErrInvalidArgument{Name: "env_name", Value: request.Env, Message: "unknown environment"}
	}
	def, err := m.definition(ctx, request.RootFolder, request.LoadTestID)
	if err != nil {
		return model.Execution{}, err
	}
	perWorker := request.PerWorker
	if perWorker <= 0 {
		perWorker = def.PerWorker()
	}
	workers := RequiredWorkers(request.NumberOfTasks, perWorker)
	if workers > def.MaxWorkers() {
		return model.Execution{}, &fireflyerrors.ErrInvalidArgument{
			Name:    "number_of_tasks",
			Value:   request.NumberOfTasks,
			Message: "requires more workers than the load test allows",
		}
	}
	// One slot goes to the supervisor.
	if err := m.checkCapacity(ctx, workers, 1); err != nil {
		return model.Execution{}, err
	}
	if current, ok, err := m.executions.Current(ctx, request.LoadTestID); err != nil {
		return model.Execution{}, err
	} else if ok {
		return model.Execution{}, &fireflyerrors.ErrAlreadyExists{
			Type:    "execution",
			Value:   current,
			Message: "the load test is already running",
		}
	}

	execution := model.Execution{
		ID:              util.NewULID(),
		LoadTestID:      request.LoadTestID,
		Status:          model.ExecutionPending,
		RootFolder:      request.RootFolder,
		Env:             request.Env,
		User:            request.User,
		Params:          request.Params,
		SettingOverride: request.SettingOverride,
		NumberOfTasks:   request.NumberOfTasks,
		PerWorker:       perWorker,
		StartTime:       m.clock.Now().UTC(),
	}
	if err := m.executions.Create(ctx, execution); err != nil {
		return model.Execution{}, err
	}
	if err := m.launch(ctx, execution, workers); err != nil {
		m.abort(ctx, execution)
		return model.Execution{}, err
	}
	ctx.Infof("Started execution %s with %d workers of %d tasks", execution.ID, workers, perWorker)
	return execution, nil
}

// launch makes the execution current and dispatches its supervisor and workers.
func (m *Manager) launch(ctx *fireflycontext.Context, execution model.Execution, workers int) error {
	if err := m.executions.SetCurrent(ctx, execution.LoadTestID, execution.ID); err != nil {
		return err
	}
	ids := make([]int, workers)
	for i := range ids {
		ids[i] = i
	}
	// Worker records go first: they create the internal channel the supervisor listens to.
	if err := m.workers.Create(ctx, execution.LoadTestID, execution.ID, ids); err != nil {
		return err
	}
	if err := m.pool.Dispatch(ctx, supervisorJob(execution.LoadTestID, execution.ID)); err != nil {
		return errors.WithMessage(err, "error dispatching supervisor")
	}
	return m.dispatchWorkers(ctx, execution, ids)
}

// abort undoes a launch that failed part way. Workers already dispatched are told to stop, and closing the
// internal channel ends a supervisor that is already listening.
func (m *Manager) abort(ctx *fireflycontext.Context, execution model.Execution) {
	ctx, cancel := m.detached(ctx)
	defer cancel()
	var result *multierror.Error
	if err := m.executions.RemoveCurrent(ctx, execution.LoadTestID, execution.ID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.executions.Finish(ctx, execution.LoadTestID, execution.ID, m.clock.Now().UTC()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.public.Execution(ctx, execution.LoadTestID, execution.ID, model.ExecutionFinished); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.internal.StopAll(ctx, execution.ID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.internal.Close(ctx, execution.ID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.public.Close(ctx, execution.ID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		ctx.WithError(err).Warnf("Error rolling back execution %s", execution.ID)
		return
	}
	ctx.Infof("Rolled back execution %s", execution.ID)
}

func (m *Manager) definition(ctx *fireflycontext.Context, rootFolder, loadTestID string) (*Definition, error) {
	if _, err := m.collector.Collect(ctx, rootFolder); err != nil {
		return nil, err
	}
	defs, err := m.collector.UnitsByIDs(ctx, rootFolder, []string{loadTestID})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &fireflyerrors.ErrNotFound{Type: "load test", Value: loadTestID, Message: "in root folder " + rootFolder}
	}
	return m.collector.Load(ctx, loadTestID)
}

func (m *Manager) dispatchWorkers(ctx *fireflycontext.Context, execution model.Execution, ids []int) error {
	for _, id := range ids {
		if err := m.pool.Dispatch(ctx, workerJob(execution.LoadTestID, execution.ID, id)); err != nil {
			return errors.WithMessagef(err, "error dispatching worker %d", id)
		}
		metrics.WorkersDispatched.Inc()
	}
	return nil
}

// Rescale changes the number of workers of a running execution. New workers get ids above every id used
// so far. When scaling down, the active workers with the highest ids are stopped.
func (m *Manager) Rescale(ctx *fireflycontext.Context, loadTestID, executionID string, tasks, perWorker int) error {
	ctx = fireflycontext.WithLogField(ctx, "executionId", executionID)
	execution, err := m.executions.Get(ctx, loadTestID, executionID)
	if err != nil {
		return err
	}
	if execution.Status == model.ExecutionFinished {
		return &fireflyerrors.ErrInvalidArgument{Name: "execution", Value: executionID, Message: "execution has finished"}
	}
	if tasks <= 0 {
		return &fireflyerrors.ErrInvalidArgument{Name: "number_of_tasks", Value: tasks, Message: "must be positive"}
	}
	if perWorker <= 0 {
		perWorker = execution.PerWorker
	}
	desired := RequiredWorkers(tasks, perWorker)
	workers, err := m.workers.GetAll(ctx, loadTestID, executionID)
	if err != nil {
		return err
	}
	active := ActiveWorkers(workers)
	// Active workers already hold their slots.
	if desired > len(active) {
		if err := m.checkCapacity(ctx, desired-len(active), 0); err != nil {
			return err
		}
	}
	if err := m.executions.SetTasks(ctx, loadTestID, executionID, tasks, perWorker); err != nil {
		return err
	}

	switch {
	case desired > len(active):
		next := 0
		for id := range workers {
			if id >= next {
				next = id + 1
			}
		}
		ids := make([]int, desired-len(active))
		for i := range ids {
			ids[i] = next + i
		}
		if err := m.workers.Create(ctx, loadTestID, executionID, ids); err != nil {
			return err
		}
		ctx.Infof("Scaling up from %d to %d workers", len(active), desired)
		return m.dispatchWorkers(ctx, execution, ids)
	case desired < len(active):
		stopping := active[desired:]
		ctx.Infof("Scaling down from %d to %d workers, stopping %v", len(active), desired, stopping)
		for _, id := range stopping {
			if err := m.internal.StopWorker(ctx, executionID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop asks every worker of the current execution of a load test to stop.
func (m *Manager) Stop(ctx *fireflycontext.Context, loadTestID string) error {
	executionID, ok, err := m.executions.Current(ctx, loadTestID)
	if err != nil {
		return err
	}
	if !ok {
		return &fireflyerrors.ErrNotFound{Type: "running execution", Value: loadTestID}
	}
	ctx.Infof("Stopping execution %s of %s", executionID, loadTestID)
	return m.internal.StopAll(ctx, executionID)
}

// Current returns the running execution of a load test.
func (m *Manager) Current(ctx *fireflycontext.Context, loadTestID string) (model.Execution, error) {
	executionID, ok, err := m.executions.Current(ctx, loadTestID)
	if err != nil {
		return model.Execution{}, err
	}
	if !ok {
		return model.Execution{}, &fireflyerrors.ErrNotFound{Type: "running execution", Value: loadTestID}
	}
	return m.executions.Get(ctx, loadTestID, executionID)
}

func (m *Manager) StatusHistory(ctx *fireflycontext.Context, loadTestID, executionID string) (map[string]model.TaskStatusHistory, error) {
	return m.tasks.GetStatusHistory(ctx, loadTestID, executionID)
}

func (m *Manager) ChartData(ctx *fireflycontext.Context, loadTestID, executionID, name string) (map[string]Box, error) {
	return ChartData(ctx, m.db, loadTestID, executionID, name)
}
