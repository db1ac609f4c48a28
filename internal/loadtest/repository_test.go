package loadtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/model"
)

func TestTaskRepository_MovesKeepCountsConsistent(t *testing.T) {
	s := newServices(newDependencies(t))
	ctx := testContext(t)
	require.NoError(t, s.tasks.Create(ctx, "checkout", "exec-1", []string{"0:0", "0:1", "0:2"}))

	require.NoError(t, s.tasks.UpdateStatus(ctx, "checkout", "exec-1", "0:0", model.TaskSetup))
	require.NoError(t, s.tasks.UpdateStatus(ctx, "checkout", "exec-1", "0:1", model.TaskSetup))
	require.NoError(t, s.tasks.UpdateStatus(ctx, "checkout", "exec-1", "0:1", model.TaskWorking))
	// Moving to the current status changes nothing.
	require.NoError(t, s.tasks.UpdateStatus(ctx, "checkout", "exec-1", "0:1", model.TaskWorking))

	counts, err := s.tasks.StatusMap(ctx, "checkout", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusHistory{
		model.TaskPending:  1,
		model.TaskSetup:    1,
		model.TaskWorking:  1,
		model.TaskTeardown: 0,
		model.TaskFinished: 0,
	}, counts)
	statuses, err := s.tasks.Statuses(ctx, "checkout", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]model.TaskStatus{
		"0:0": model.TaskSetup,
		"0:1": model.TaskWorking,
		"0:2": model.TaskPending,
	}, statuses)

	assert.Error(t, s.tasks.UpdateStatus(ctx, "checkout", "exec-1", "9:9", model.TaskSetup))
}

func TestTaskRepository_StatusHistory(t *testing.T) {
	s := newServices(newDependencies(t))
	ctx := testContext(t)
	first := model.TaskStatusHistory{model.TaskPending: 2}
	second := model.TaskStatusHistory{model.TaskWorking: 2}

	require.NoError(t, s.tasks.AddStatusHistory(ctx, "checkout", "exec-1", "2024-03-01 10:15:00", first))
	require.NoError(t, s.tasks.AddStatusHistory(ctx, "checkout", "exec-1", "2024-03-01 10:15:03", second))

	history, err := s.tasks.GetStatusHistory(ctx, "checkout", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]model.TaskStatusHistory{
		"2024-03-01 10:15:00": first,
		"2024-03-01 10:15:03": second,
	}, history)
}

func TestExecutionRepository_CreateAndFinish(t *testing.T) {
	s := newServices(newDependencies(t))
	ctx := testContext(t)
	execution := model.Execution{
		ID:              "exec-1",
		LoadTestID:      "checkout",
		Status:          model.ExecutionPending,
		RootFolder:      rootFolder,
		Env:             envName,
		User:            "tester",
		Params:          map[string]string{"url": "http://localhost:8080"},
		SettingOverride: map[string]string{"token": "override"},
		NumberOfTasks:   40,
		PerWorker:       20,
		StartTime:       time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
	}
	require.NoError(t, s.executions.Create(ctx, execution))

	stored, err := s.executions.Get(ctx, "checkout", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution, stored)

	end := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)
	require.NoError(t, s.executions.Finish(ctx, "checkout", "exec-1", end))
	stored, err = s.executions.Get(ctx, "checkout", "exec-1")
	require.NoError(t, err)
	execution.Status = model.ExecutionFinished
	execution.EndTime = &end
	assert.Equal(t, execution, stored)

	_, err = s.executions.Get(ctx, "checkout", "exec-2")
	assert.IsType(t, &fireflyerrors.ErrNotFound{}, err)
}

func TestExecutionRepository_RemoveCurrentOnlyRemovesOwnEntry(t *testing.T) {
	s := newServices(newDependencies(t))
	ctx := testContext(t)
	require.NoError(t, s.executions.SetCurrent(ctx, "checkout", "exec-2"))

	require.NoError(t, s.executions.RemoveCurrent(ctx, "checkout", "exec-1"))
	current, ok, err := s.executions.Current(ctx, "checkout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "exec-2", current)

	require.NoError(t, s.executions.RemoveCurrent(ctx, "checkout", "exec-2"))
	_, ok, err = s.executions.Current(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerRepository_PublishesStatusChanges(t *testing.T) {
	s := newServices(newDependencies(t))
	ctx := testContext(t)
	require.NoError(t, s.workers.Create(ctx, "checkout", "exec-1", []int{0, 1}))
	require.NoError(t, s.workers.UpdateStatus(ctx, "checkout", "exec-1", 1, model.WorkerWorking))
	require.NoError(t, s.internal.Close(ctx, "exec-1"))

	var events []InternalEvent
	require.NoError(t, s.internal.Listen(ctx, "exec-1", func(event InternalEvent) error {
		events = append(events, event)
		return nil
	}))
	assert.Equal(t, []InternalEvent{
		{Type: WorkerStatusUpdate, WorkerID: 0, Status: model.WorkerPending},
		{Type: WorkerStatusUpdate, WorkerID: 1, Status: model.WorkerPending},
		{Type: WorkerStatusUpdate, WorkerID: 1, Status: model.WorkerWorking},
	}, events)
}

func TestActiveWorkers(t *testing.T) {
	active := ActiveWorkers(map[int]model.WorkerStatus{
		4: model.WorkerWorking,
		0: model.WorkerFinished,
		2: model.WorkerPending,
		1: model.WorkerWorking,
	})
	assert.Equal(t, []int{1, 2, 4}, active)
}
