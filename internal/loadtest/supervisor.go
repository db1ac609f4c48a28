package loadtest

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/common/task"
	"github.com/fireflyhq/firefly/internal/model"
)

// Supervisor follows the workers of an execution. It publishes their status changes, snapshots the
// task status counts at a fixed interval and finishes the execution once every worker has finished.
type Supervisor struct {
	*services
	loadTestID  string
	executionID string

	mutex            sync.Mutex
	status           model.ExecutionStatus
	workers          map[int]model.WorkerStatus
	snapshotsStarted bool
	finished         chan struct{}
	finishOnce       sync.Once
}

func (r *Runner) Supervisor(loadTestID, executionID string) *Supervisor {
	return &Supervisor{
		services:    r.services,
		loadTestID:  loadTestID,
		executionID: executionID,
		status:      model.ExecutionPending,
		workers:     map[int]model.WorkerStatus{},
		finished:    make(chan struct{}),
	}
}

func (s *Supervisor) Run(ctx *fireflycontext.Context) error {
	ctx = fireflycontext.WithLogFields(ctx, logrus.Fields{"loadTestId": s.loadTestID, "executionId": s.executionID})
	listenCtx, cancel := fireflycontext.WithCancel(ctx)
	defer cancel()
	snapshots := task.NewBackgroundTaskManager(listenCtx, "firefly_load_test_")

	listenDone := make(chan error, 1)
	go func() {
		listenDone <- s.internal.Listen(listenCtx, s.executionID, func(event InternalEvent) error {
			return s.handle(listenCtx, snapshots, event)
		})
	}()
	var listenErr error
	select {
	case <-s.finished:
		cancel()
		listenErr = <-listenDone
	case listenErr = <-listenDone:
		cancel()
	}
	if snapshots.StopAll(s.config.StatusInterval) {
		ctx.Warn("Timed out waiting for the status snapshots to stop")
	}
	if errors.Is(listenErr, context.Canceled) {
		listenErr = nil
	}

	finishCtx, cancelFinish := s.detached(ctx)
	defer cancelFinish()
	var result *multierror.Error
	if listenErr != nil {
		result = multierror.Append(result, listenErr)
	}
	if err := s.finish(finishCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Supervisor) handle(ctx *fireflycontext.Context, snapshots *task.BackgroundTaskManager, event InternalEvent) error {
	switch event.Type {
	case WorkerStatusUpdate:
		return s.workerStatus(ctx, event.WorkerID, event.Status)
	case StartTaskUpdates:
		if !s.snapshotsStarted {
			s.snapshotsStarted = true
			snapshots.Register(s.snapshot, s.config.StatusInterval, "task_status_snapshot")
		}
	}
	return nil
}

func (s *Supervisor) workerStatus(ctx *fireflycontext.Context, workerID int, status model.WorkerStatus) error {
	if err := s.public.Worker(ctx, s.loadTestID, s.executionID, workerID, status); err != nil {
		return err
	}
	s.mutex.Lock()
	s.workers[workerID] = status
	start := s.status == model.ExecutionPending && status == model.WorkerWorking
	if start {
		s.status = model.ExecutionRunning
	}
	done := s.allFinished()
	s.mutex.Unlock()

	if start {
		ctx.Info("Execution is running")
		if err := s.executions.UpdateStatus(ctx, s.loadTestID, s.executionID, model.ExecutionRunning); err != nil {
			return err
		}
		if err := s.public.Execution(ctx, s.loadTestID, s.executionID, model.ExecutionRunning); err != nil {
			return err
		}
	}
	if done {
		s.finishOnce.Do(func() { close(s.finished) })
	}
	return nil
}

// allFinished must be called with the mutex held.
func (s *Supervisor) allFinished() bool {
	if len(s.workers) == 0 {
		return false
	}
	for _, status := range s.workers {
		if status != model.WorkerFinished {
			return false
		}
	}
	return true
}

func (s *Supervisor) snapshot(ctx *fireflycontext.Context) {
	if err := s.takeSnapshot(ctx); err != nil {
		logging.WithStacktrace(ctx, err).Warn("Error taking task status snapshot")
	}
	s.mutex.Lock()
	done := s.allFinished()
	s.mutex.Unlock()
	if done {
		s.finishOnce.Do(func() { close(s.finished) })
	}
}

func (s *Supervisor) takeSnapshot(ctx *fireflycontext.Context) error {
	counts, err := s.tasks.StatusMap(ctx, s.loadTestID, s.executionID)
	if err != nil {
		return err
	}
	at := s.clock.Now().UTC().Format(HistoryLayout)
	if err := s.tasks.AddStatusHistory(ctx, s.loadTestID, s.executionID, at, counts); err != nil {
		return err
	}
	return s.public.TaskHistory(ctx, s.loadTestID, s.executionID, at, counts)
}

// finish records a final snapshot, marks the execution finished and closes its channels.
func (s *Supervisor) finish(ctx *fireflycontext.Context) error {
	var result *multierror.Error
	if err := s.takeSnapshot(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.executions.Finish(ctx, s.loadTestID, s.executionID, s.clock.Now().UTC()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.public.Execution(ctx, s.loadTestID, s.executionID, model.ExecutionFinished); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.executions.RemoveCurrent(ctx, s.loadTestID, s.executionID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.internal.Close(ctx, s.executionID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.public.Close(ctx, s.executionID); err != nil {
		result = multierror.Append(result, err)
	}
	ctx.Info("Execution finished")
	return result.ErrorOrNil()
}
