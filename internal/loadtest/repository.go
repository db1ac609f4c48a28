package loadtest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/model"
)

const currentExecutionsKey = "load_test:current"

// HistoryLayout is the layout of the keys of the task status history.
const HistoryLayout = "2006-01-02 15:04:05"

func executionKey(loadTestID, executionID string) string {
	return fmt.Sprintf("load_test:%s:%s:data", loadTestID, executionID)
}

func workersKey(loadTestID, executionID string) string {
	return fmt.Sprintf("load_test:%s:%s:workers", loadTestID, executionID)
}

func tasksKey(loadTestID, executionID, suffix string) string {
	return fmt.Sprintf("load_test:%s:%s:tasks:%s", loadTestID, executionID, suffix)
}

// ExecutionRepository stores execution records and the index of the current execution of every load test.
type ExecutionRepository struct {
	db        redis.UniversalClient
	retention time.Duration
}

func NewExecutionRepository(db redis.UniversalClient, retention time.Duration) *ExecutionRepository {
	return &ExecutionRepository{db: db, retention: retention}
}

func (r *ExecutionRepository) Create(ctx *fireflycontext.Context, execution model.Execution) error {
	fields, err := rediscodec.Encode(execution)
	if err != nil {
		return err
	}
	key := executionKey(execution.LoadTestID, execution.ID)
	_, err = r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	})
	return errors.Wrapf(err, "error creating execution %s", execution.ID)
}

func (r *ExecutionRepository) Get(ctx *fireflycontext.Context, loadTestID, executionID string) (model.Execution, error) {
	values, err := r.db.HGetAll(ctx, executionKey(loadTestID, executionID)).Result()
	if err != nil {
		return model.Execution{}, errors.Wrapf(err, "error reading execution %s", executionID)
	}
	if len(values) == 0 {
		return model.Execution{}, &fireflyerrors.ErrNotFound{Type: "execution", Value: executionID}
	}
	var execution model.Execution
	if err := rediscodec.Decode(values, &execution); err != nil {
		return model.Execution{}, errors.WithMessagef(err, "execution %s", executionID)
	}
	return execution, nil
}

func (r *ExecutionRepository) UpdateStatus(ctx *fireflycontext.Context, loadTestID, executionID string, status model.ExecutionStatus) error {
	return r.set(ctx, loadTestID, executionID, map[string]interface{}{"status": status})
}

// Finish marks the execution finished at the given time.
func (r *ExecutionRepository) Finish(ctx *fireflycontext.Context, loadTestID, executionID string, at time.Time) error {
	return r.set(ctx, loadTestID, executionID, map[string]interface{}{
		"status":   model.ExecutionFinished,
		"end_time": at,
	})
}

// SetTasks records the task counts requested by a rescale.
func (r *ExecutionRepository) SetTasks(ctx *fireflycontext.Context, loadTestID, executionID string, tasks, perWorker int) error {
	return r.set(ctx, loadTestID, executionID, map[string]interface{}{
		"number_of_tasks":                    tasks,
		"concurrency_within_a_single_worker": perWorker,
	})
}

func (r *ExecutionRepository) set(ctx *fireflycontext.Context, loadTestID, executionID string, values map[string]interface{}) error {
	fields := make(map[string]interface{}, len(values))
	for name, value := range values {
		encoded, err := rediscodec.EncodeField(value)
		if err != nil {
			return err
		}
		fields[name] = encoded
	}
	if err := r.db.HSet(ctx, executionKey(loadTestID, executionID), fields).Err(); err != nil {
		return errors.Wrapf(err, "error updating execution %s", executionID)
	}
	return nil
}

func (r *ExecutionRepository) SetCurrent(ctx *fireflycontext.Context, loadTestID, executionID string) error {
	return errors.WithStack(r.db.HSet(ctx, currentExecutionsKey, loadTestID, executionID).Err())
}

// Current returns the id of the running execution of a load test, if there is one.
func (r *ExecutionRepository) Current(ctx *fireflycontext.Context, loadTestID string) (string, bool, error) {
	executionID, err := r.db.HGet(ctx, currentExecutionsKey, loadTestID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "error reading current execution of %s", loadTestID)
	}
	return executionID, true, nil
}

const removeCurrentScript = `
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`

// RemoveCurrent clears the current execution of a load test unless a newer execution replaced it.
func (r *ExecutionRepository) RemoveCurrent(ctx *fireflycontext.Context, loadTestID, executionID string) error {
	err := r.db.Eval(ctx, removeCurrentScript, []string{currentExecutionsKey}, loadTestID, executionID).Err()
	return errors.Wrapf(err, "error clearing current execution of %s", loadTestID)
}

// WorkerRepository stores the status of every worker of an execution. Every change is also announced on
// the internal channel so the supervisor can follow it.
type WorkerRepository struct {
	db        redis.UniversalClient
	internal  *InternalChannel
	retention time.Duration
}

func NewWorkerRepository(db redis.UniversalClient, internal *InternalChannel, retention time.Duration) *WorkerRepository {
	return &WorkerRepository{db: db, internal: internal, retention: retention}
}

// Create stores the given workers as pending.
func (r *WorkerRepository) Create(ctx *fireflycontext.Context, loadTestID, executionID string, workerIDs []int) error {
	if len(workerIDs) == 0 {
		return nil
	}
	key := workersKey(loadTestID, executionID)
	fields := make(map[string]interface{}, len(workerIDs))
	for _, id := range workerIDs {
		fields[strconv.Itoa(id)] = string(model.WorkerPending)
	}
	if _, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "error creating workers of execution %s", executionID)
	}
	for _, id := range workerIDs {
		if err := r.internal.WorkerStatus(ctx, executionID, id, model.WorkerPending); err != nil {
			return err
		}
	}
	return nil
}

func (r *WorkerRepository) UpdateStatus(ctx *fireflycontext.Context, loadTestID, executionID string, workerID int, status model.WorkerStatus) error {
	err := r.db.HSet(ctx, workersKey(loadTestID, executionID), strconv.Itoa(workerID), string(status)).Err()
	if err != nil {
		return errors.Wrapf(err, "error updating worker %d of execution %s", workerID, executionID)
	}
	return r.internal.WorkerStatus(ctx, executionID, workerID, status)
}

func (r *WorkerRepository) GetAll(ctx *fireflycontext.Context, loadTestID, executionID string) (map[int]model.WorkerStatus, error) {
	values, err := r.db.HGetAll(ctx, workersKey(loadTestID, executionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading workers of execution %s", executionID)
	}
	workers := make(map[int]model.WorkerStatus, len(values))
	for field, status := range values {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid worker id %q", field)
		}
		workers[id] = model.WorkerStatus(status)
	}
	return workers, nil
}

// ActiveWorkers returns the ids of the workers that have not finished, in ascending order.
func ActiveWorkers(workers map[int]model.WorkerStatus) []int {
	active := make([]int, 0, len(workers))
	for id, status := range workers {
		if status != model.WorkerFinished {
			active = append(active, id)
		}
	}
	slices.Sort(active)
	return active
}

// KEYS[1] holds the status of every task, KEYS[2] the number of tasks per status.
// ARGV[1] is the task id and ARGV[2] its new status. Returns the previous status.
const moveTaskScript = `
local old = redis.call('HGET', KEYS[1], ARGV[1])
if not old then
	return redis.error_reply('unknown task ' .. ARGV[1])
end
if old ~= ARGV[2] then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	redis.call('HINCRBY', KEYS[2], old, -1)
	redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
return old
`

// TaskRepository stores the status of every task of an execution, the number of tasks per status and the
// periodic snapshots of those numbers.
type TaskRepository struct {
	db        redis.UniversalClient
	internal  *InternalChannel
	retention time.Duration
}

func NewTaskRepository(db redis.UniversalClient, internal *InternalChannel, retention time.Duration) *TaskRepository {
	return &TaskRepository{db: db, internal: internal, retention: retention}
}

// Create stores the given tasks as pending and asks the supervisor to start taking snapshots.
func (r *TaskRepository) Create(ctx *fireflycontext.Context, loadTestID, executionID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	current := tasksKey(loadTestID, executionID, "current")
	statusMap := tasksKey(loadTestID, executionID, "status_map")
	fields := make(map[string]interface{}, len(taskIDs))
	for _, id := range taskIDs {
		fields[id] = string(model.TaskPending)
	}
	if _, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, current, fields)
		pipe.HIncrBy(ctx, statusMap, string(model.TaskPending), int64(len(taskIDs)))
		pipe.PExpire(ctx, current, r.retention)
		pipe.PExpire(ctx, statusMap, r.retention)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "error creating tasks of execution %s", executionID)
	}
	return r.internal.StartTaskUpdates(ctx, executionID)
}

// UpdateStatus moves a task to status, keeping the per-status counts consistent.
func (r *TaskRepository) UpdateStatus(ctx *fireflycontext.Context, loadTestID, executionID, taskID string, status model.TaskStatus) error {
	keys := []string{tasksKey(loadTestID, executionID, "current"), tasksKey(loadTestID, executionID, "status_map")}
	if err := r.db.Eval(ctx, moveTaskScript, keys, taskID, string(status)).Err(); err != nil {
		return errors.Wrapf(err, "error moving task %s to %s", taskID, status)
	}
	return nil
}

func (r *TaskRepository) Statuses(ctx *fireflycontext.Context, loadTestID, executionID string) (map[string]model.TaskStatus, error) {
	values, err := r.db.HGetAll(ctx, tasksKey(loadTestID, executionID, "current")).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading tasks of execution %s", executionID)
	}
	statuses := make(map[string]model.TaskStatus, len(values))
	for id, status := range values {
		statuses[id] = model.TaskStatus(status)
	}
	return statuses, nil
}

// StatusMap returns the number of tasks in each status. Every status is present.
func (r *TaskRepository) StatusMap(ctx *fireflycontext.Context, loadTestID, executionID string) (model.TaskStatusHistory, error) {
	values, err := r.db.HGetAll(ctx, tasksKey(loadTestID, executionID, "status_map")).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading task counts of execution %s", executionID)
	}
	counts := make(model.TaskStatusHistory, len(model.TaskStatuses))
	for _, status := range model.TaskStatuses {
		counts[status] = 0
	}
	for status, value := range values {
		count, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid count for task status %s", status)
		}
		counts[model.TaskStatus(status)] = count
	}
	return counts, nil
}

func (r *TaskRepository) AddStatusHistory(
	ctx *fireflycontext.Context,
	loadTestID, executionID, at string,
	snapshot model.TaskStatusHistory,
) error {
	encoded, err := rediscodec.EncodeField(snapshot)
	if err != nil {
		return err
	}
	key := tasksKey(loadTestID, executionID, "status_map_history")
	_, err = r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, at, encoded)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	})
	return errors.Wrapf(err, "error storing task status snapshot of execution %s", executionID)
}

// GetStatusHistory returns every snapshot keyed by the time it was taken, see HistoryLayout.
func (r *TaskRepository) GetStatusHistory(ctx *fireflycontext.Context, loadTestID, executionID string) (map[string]model.TaskStatusHistory, error) {
	values, err := r.db.HGetAll(ctx, tasksKey(loadTestID, executionID, "status_map_history")).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading task status history of execution %s", executionID)
	}
	history := make(map[string]model.TaskStatusHistory, len(values))
	for _, at := range maps.Keys(values) {
		var snapshot model.TaskStatusHistory
		if err := rediscodec.DecodeField(values[at], &snapshot); err != nil {
			return nil, errors.WithMessagef(err, "snapshot %s", at)
		}
		history[at] = snapshot
	}
	return history, nil
}
