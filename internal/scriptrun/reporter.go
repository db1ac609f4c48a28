package scriptrun

import (
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/model"
	"github.com/fireflyhq/firefly/internal/testrun"
)

// Reporter records the progress of executions in the shared store and publishes it on their channel.
// Finished executions are archived in the history store.
type Reporter struct {
	executions *ExecutionRepository
	channel    *ScriptChannel
	store      history.Store
	clock      util.Clock
}

func NewReporter(executions *ExecutionRepository, channel *ScriptChannel, store history.Store, clock util.Clock) *Reporter {
	return &Reporter{executions: executions, channel: channel, store: store, clock: clock}
}

func (r *Reporter) start(ctx *fireflycontext.Context, execution model.ScriptExecution) error {
	if err := r.executions.Create(ctx, execution); err != nil {
		return err
	}
	return r.executions.SetLast(ctx, execution.ScriptID, execution.ID)
}

func (r *Reporter) addLog(ctx *fireflycontext.Context, scriptID, executionID, line string) error {
	index, err := r.executions.AppendLog(ctx, scriptID, executionID, line)
	if err != nil {
		return err
	}
	return r.channel.Log(ctx, scriptID, executionID, LogLine{Index: index, Line: line})
}

// intermediate stores a yielded value as part position of the multi result of the execution.
func (r *Reporter) intermediate(ctx *fireflycontext.Context, scriptID, executionID string, position int, value interface{}) error {
	part, err := format(value)
	if err != nil {
		return err
	}
	execution, err := r.executions.Get(ctx, scriptID, executionID)
	if err != nil {
		return err
	}
	parts := map[int]model.ScriptResult{}
	if execution.Result != nil && execution.Result.Type == model.ResultMulti {
		if err := json.Unmarshal(execution.Result.Object, &parts); err != nil {
			return errors.Wrapf(err, "script execution %s has a malformed result", executionID)
		}
	}
	parts[position] = part.result
	result, err := newResult(model.ResultMulti, parts)
	if err != nil {
		return err
	}
	partErrors := describe(part.errs...)
	if err := r.executions.Update(ctx, scriptID, executionID, map[string]interface{}{
		"result": result,
		"errors": append(nonNil(execution.Errors), partErrors...),
	}); err != nil {
		return err
	}
	if err := r.channel.IntermediateResult(ctx, scriptID, executionID, position, part.result); err != nil {
		return err
	}
	if len(partErrors) > 0 {
		return r.channel.IntermediateErrors(ctx, scriptID, executionID, partErrors)
	}
	return nil
}

type completion struct {
	status  model.ScriptStatus
	result  *model.ScriptResult
	errors  []model.StructuredError
	envUsed map[string]string
}

// finish moves the execution to its terminal status, publishes the outcome and closes the channel.
// Archive failures are logged and do not fail the execution.
func (r *Reporter) finish(ctx *fireflycontext.Context, execution model.ScriptExecution, c completion) error {
	end := r.clock.Now().UTC()
	execution.Status = c.status
	execution.Errors = nonNil(c.errors)
	execution.EnvUsed = c.envUsed
	if execution.EnvUsed == nil {
		execution.EnvUsed = map[string]string{}
	}
	execution.EndTime = &end
	update := map[string]interface{}{
		"status":   execution.Status,
		"errors":   execution.Errors,
		"env_used": execution.EnvUsed,
		"end_time": end,
	}
	if c.result != nil {
		execution.Result = c.result
		update["result"] = c.result
	}
	if err := r.executions.Update(ctx, execution.ScriptID, execution.ID, update); err != nil {
		return err
	}
	metrics.ScriptsFinished.WithLabelValues(string(c.status)).Inc()

	var result *multierror.Error
	if c.result != nil {
		if err := r.channel.Result(ctx, execution.ScriptID, execution.ID, *c.result); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(execution.Errors) > 0 {
		if err := r.channel.Errors(ctx, execution.ScriptID, execution.ID, execution.Errors); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.channel.EnvUsed(ctx, execution.ScriptID, execution.ID, execution.EnvUsed); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.channel.Status(ctx, execution.ScriptID, execution.ID, execution.Status); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.channel.Close(ctx, execution.ID); err != nil {
		result = multierror.Append(result, err)
	}
	if r.store != nil {
		if err := r.store.CreateScriptRun(ctx, scriptRecord(execution)); err != nil {
			logging.WithStacktrace(ctx, err).Errorf("Error archiving script execution %s", execution.ID)
		} else {
			ctx.Infof("Archived script execution %s with status %s", execution.ID, execution.Status)
		}
	}
	return result.ErrorOrNil()
}

func scriptRecord(execution model.ScriptExecution) history.ScriptRecord {
	return history.ScriptRecord{
		ID:         execution.ID,
		ScriptID:   execution.ScriptID,
		RootFolder: execution.RootFolder,
		Env:        execution.Env,
		User:       execution.User,
		Status:     execution.Status,
		Params:     execution.Params,
		EnvUsed:    execution.EnvUsed,
		Result:     execution.Result,
		Errors:     execution.Errors,
		StartTime:  execution.StartTime,
		EndTime:    *execution.EndTime,
	}
}

// describe converts errors into stored errors. The errors wrapped by a multierror are reported one by one.
func describe(errs ...error) []model.StructuredError {
	described := []model.StructuredError{}
	for _, err := range errs {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			described = append(described, describe(merr.Errors...)...)
			continue
		}
		described = append(described, testrun.DescribeError(err))
	}
	return described
}

func nonNil(errs []model.StructuredError) []model.StructuredError {
	if errs == nil {
		return []model.StructuredError{}
	}
	return errs
}
