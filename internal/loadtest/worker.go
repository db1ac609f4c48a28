package loadtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/model"
)

type taskState struct {
	tc           *TaskContext
	reachedSetup bool
	teardowns    []TaskFunc
	tornDown     bool
}

// Worker runs the tasks of one worker of an execution until they complete or a stop command for it
// arrives. Every task that reached setup is torn down exactly once before the worker reports finished.
type Worker struct {
	*services
	loadTestID  string
	executionID string
	id          int

	mutex  sync.Mutex
	states map[string]*taskState
}

func (r *Runner) Worker(loadTestID, executionID string, id int) *Worker {
	return &Worker{
		services:    r.services,
		loadTestID:  loadTestID,
		executionID: executionID,
		id:          id,
		states:      map[string]*taskState{},
	}
}

func (w *Worker) Run(ctx *fireflycontext.Context) error {
	ctx = fireflycontext.WithLogFields(ctx, logrus.Fields{"executionId": w.executionID, "workerId": w.id})
	runErr := w.run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	finishCtx, cancel := w.detached(ctx)
	defer cancel()
	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := w.teardown(finishCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.workers.UpdateStatus(finishCtx, w.loadTestID, w.executionID, w.id, model.WorkerFinished); err != nil {
		result = multierror.Append(result, err)
	}
	ctx.Infof("Worker %d finished", w.id)
	return result.ErrorOrNil()
}

func (w *Worker) run(ctx *fireflycontext.Context) error {
	execution, err := w.executions.Get(ctx, w.loadTestID, w.executionID)
	if err != nil {
		return err
	}
	def, err := w.collector.Load(ctx, w.loadTestID)
	if err != nil {
		return err
	}
	base, ok := w.environments[execution.Env]
	if !ok {
		return &fireflyerrors.ErrNotFound{Type: "environment", Value: execution.Env}
	}
	env := util.MergeMaps(base, execution.SettingOverride)
	params, err := primeParams(def.defaultParams(), execution.Params, env)
	if err != nil {
		return err
	}

	runCtx, cancel := fireflycontext.WithCancel(ctx)
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		w.listenForStop(runCtx, cancel)
	}()
	defer func() {
		cancel()
		<-listening
	}()

	if err := w.workers.UpdateStatus(ctx, w.loadTestID, w.executionID, w.id, model.WorkerWorking); err != nil {
		return err
	}
	taskIDs := make([]string, execution.PerWorker)
	charts := make(map[string]*BoxPlot)
	for _, name := range def.chartNames() {
		charts[name] = w.chart(w.loadTestID, w.executionID, name)
	}
	states := make(map[string]*taskState, len(taskIDs))
	for i := range taskIDs {
		taskIDs[i] = fmt.Sprintf("%d:%d", w.id, i)
		states[taskIDs[i]] = &taskState{tc: &TaskContext{
			LoadTestID:  w.loadTestID,
			ExecutionID: w.executionID,
			WorkerID:    w.id,
			TaskID:      taskIDs[i],
			Params:      params,
			env:         env,
			charts:      charts,
			semaphores:  w.semaphores,
		}}
	}
	if err := w.tasks.Create(ctx, w.loadTestID, w.executionID, taskIDs); err != nil {
		return err
	}
	w.mutex.Lock()
	w.states = states
	w.mutex.Unlock()

	var limiter *rate.Limiter
	if def.ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(def.ratePerSecond), 1)
	}
	g, groupCtx := fireflycontext.ErrGroup(runCtx)
	for _, taskID := range taskIDs {
		state := states[taskID]
		g.Go(func() error {
			return w.runTask(groupCtx, def, state, limiter)
		})
	}
	return g.Wait()
}

// listenForStop cancels the worker when a stop command for it arrives.
func (w *Worker) listenForStop(ctx *fireflycontext.Context, cancel context.CancelFunc) {
	err := w.internal.Listen(ctx, w.executionID, func(event InternalEvent) error {
		switch {
		case event.Type == StopAllWorkers:
		case event.Type == StopSpecificWorker && event.WorkerID == w.id:
		default:
			return nil
		}
		ctx.Infof("Received %s", event.Type)
		cancel()
		return context.Canceled
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		ctx.WithError(err).Warn("Stopped listening for stop commands")
	}
}

func (w *Worker) runTask(ctx *fireflycontext.Context, def *Definition, state *taskState, limiter *rate.Limiter) error {
	tc := state.tc.withContext(fireflycontext.WithLogField(ctx, "taskId", state.tc.TaskID))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := w.tasks.UpdateStatus(ctx, w.loadTestID, w.executionID, tc.TaskID, model.TaskSetup); err != nil {
		return err
	}
	w.mutex.Lock()
	state.reachedSetup = true
	w.mutex.Unlock()
	for _, level := range def.lineage() {
		if level.setup != nil {
			if err := call(level.setup, tc); err != nil {
				return errors.WithMessagef(err, "setup of task %s", tc.TaskID)
			}
		}
		if level.teardown != nil {
			w.mutex.Lock()
			state.teardowns = append(state.teardowns, level.teardown)
			w.mutex.Unlock()
		}
	}

	if err := w.tasks.UpdateStatus(ctx, w.loadTestID, w.executionID, tc.TaskID, model.TaskWorking); err != nil {
		return err
	}
	work := def.workFunc()
	for i := 0; def.iterations == 0 || i < def.iterations; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.WithStack(err)
			}
		}
		if err := call(work, tc); err != nil {
			return errors.WithMessagef(err, "task %s", tc.TaskID)
		}
	}
	return nil
}

// teardown runs the teardown hooks of every task that reached setup, most derived first, and moves every
// task to finished. A task is only ever torn down once.
func (w *Worker) teardown(ctx *fireflycontext.Context) error {
	w.mutex.Lock()
	var pending []*taskState
	for _, state := range w.states {
		if !state.tornDown {
			state.tornDown = true
			pending = append(pending, state)
		}
	}
	w.mutex.Unlock()

	var wg sync.WaitGroup
	var resultMutex sync.Mutex
	var result *multierror.Error
	for _, state := range pending {
		state := state
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.teardownTask(ctx, state); err != nil {
				resultMutex.Lock()
				result = multierror.Append(result, err)
				resultMutex.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (w *Worker) teardownTask(ctx *fireflycontext.Context, state *taskState) error {
	w.mutex.Lock()
	reachedSetup := state.reachedSetup
	teardowns := state.teardowns
	w.mutex.Unlock()
	taskID := state.tc.TaskID

	var result *multierror.Error
	if reachedSetup {
		if err := w.tasks.UpdateStatus(ctx, w.loadTestID, w.executionID, taskID, model.TaskTeardown); err != nil {
			return err
		}
		tc := state.tc.withContext(fireflycontext.WithLogField(ctx, "taskId", taskID))
		for i := len(teardowns) - 1; i >= 0; i-- {
			if err := call(teardowns[i], tc); err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "teardown of task %s", taskID))
			}
		}
	}
	if err := w.tasks.UpdateStatus(ctx, w.loadTestID, w.executionID, taskID, model.TaskFinished); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
