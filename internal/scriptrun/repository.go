package scriptrun

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/model"
)

const lastExecutionsKey = "script:last"

func executionKey(scriptID, executionID string) string {
	return fmt.Sprintf("script:%s:%s:data", scriptID, executionID)
}

func logKey(scriptID, executionID string) string {
	return fmt.Sprintf("script:%s:%s:log", scriptID, executionID)
}

// ExecutionRepository stores execution records, their log lines and the last execution of every script.
type ExecutionRepository struct {
	db        redis.UniversalClient
	retention time.Duration
}

func NewExecutionRepository(db redis.UniversalClient, retention time.Duration) *ExecutionRepository {
	return &ExecutionRepository{db: db, retention: retention}
}

func (r *ExecutionRepository) Create(ctx *fireflycontext.Context, execution model.ScriptExecution) error {
	fields, err := rediscodec.Encode(execution)
	if err != nil {
		return err
	}
	key := executionKey(execution.ScriptID, execution.ID)
	_, err = r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	})
	return errors.Wrapf(err, "error creating script execution %s", execution.ID)
}

func (r *ExecutionRepository) Get(ctx *fireflycontext.Context, scriptID, executionID string) (model.ScriptExecution, error) {
	values, err := r.db.HGetAll(ctx, executionKey(scriptID, executionID)).Result()
	if err != nil {
		return model.ScriptExecution{}, errors.Wrapf(err, "error reading script execution %s", executionID)
	}
	if len(values) == 0 {
		return model.ScriptExecution{}, &fireflyerrors.ErrNotFound{Type: "script execution", Value: executionID}
	}
	var execution model.ScriptExecution
	if err := rediscodec.Decode(values, &execution); err != nil {
		return model.ScriptExecution{}, errors.WithMessagef(err, "script execution %s", executionID)
	}
	return execution, nil
}

// Update overwrites the given fields of an execution. Field names are the json names of
// model.ScriptExecution.
func (r *ExecutionRepository) Update(ctx *fireflycontext.Context, scriptID, executionID string, values map[string]interface{}) error {
	fields := make(map[string]interface{}, len(values))
	for name, value := range values {
		encoded, err := rediscodec.EncodeField(value)
		if err != nil {
			return err
		}
		fields[name] = encoded
	}
	if err := r.db.HSet(ctx, executionKey(scriptID, executionID), fields).Err(); err != nil {
		return errors.Wrapf(err, "error updating script execution %s", executionID)
	}
	return nil
}

// AppendLog adds a line to the log of an execution and returns its index.
func (r *ExecutionRepository) AppendLog(ctx *fireflycontext.Context, scriptID, executionID, line string) (int, error) {
	key := logKey(scriptID, executionID)
	var length *redis.IntCmd
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, key, line)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "error appending to the log of script execution %s", executionID)
	}
	return int(length.Val()) - 1, nil
}

// Log returns the log lines of an execution in the order they were written. Expired logs are empty.
func (r *ExecutionRepository) Log(ctx *fireflycontext.Context, scriptID, executionID string) ([]string, error) {
	lines, err := r.db.LRange(ctx, logKey(scriptID, executionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading the log of script execution %s", executionID)
	}
	return lines, nil
}

func (r *ExecutionRepository) SetLast(ctx *fireflycontext.Context, scriptID, executionID string) error {
	return errors.WithStack(r.db.HSet(ctx, lastExecutionsKey, scriptID, executionID).Err())
}

// Last returns the id of the most recently started execution of a script, if there is one.
func (r *ExecutionRepository) Last(ctx *fireflycontext.Context, scriptID string) (string, bool, error) {
	executionID, err := r.db.HGet(ctx, lastExecutionsKey, scriptID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "error reading last execution of script %s", scriptID)
	}
	return executionID, true, nil
}
