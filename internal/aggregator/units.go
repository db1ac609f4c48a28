package aggregator

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/model"
)

const maxWatchAttempts = 10

// KEYS[1] is the unit, the remaining keys are the counters of its ancestor groups and of the run.
// ARGV[1] is the stage and ARGV[2] the stage status. Statuses are stored JSON encoded.
// A unit only ever leaves pending once: to fail on the first failed stage, or to success when teardown
// succeeds. Returns the new status, or an empty string if nothing changed.
const transitionScript = `
local current = redis.call('HGET', KEYS[1], 'status')
if current ~= '"pending"' then
	return ''
end
local new = ''
if ARGV[2] == 'fail' then
	new = 'fail'
elseif ARGV[1] == 'teardown' and ARGV[2] == 'success' then
	new = 'success'
end
if new == '' then
	return ''
end
redis.call('HSET', KEYS[1], 'status', '"' .. new .. '"')
for i = 2, #KEYS do
	redis.call('HINCRBY', KEYS[i], 'pending', -1)
	redis.call('HINCRBY', KEYS[i], new, 1)
end
return new
`

// sideRecord holds the unit fields that stages add to.
type sideRecord struct {
	EnvUsed   map[string]string                       `json:"env_used"`
	Warnings  []string                                `json:"warnings"`
	Assets    map[string]model.Asset                  `json:"assets_path"`
	Generated map[string]string                       `json:"generated_params"`
	Errors    map[model.Stage][]model.StructuredError `json:"errors"`
}

// CreateUnit stores a unit with every stage pending and counts it as pending at each of its groups and
// at the run.
func (a *Aggregator) CreateUnit(ctx *fireflycontext.Context, unit model.Unit) error {
	unit.Status = model.StatusPending
	unit.Stages = nil
	if unit.Errors == nil {
		unit.Errors = map[model.Stage][]model.StructuredError{}
	}
	fields, err := rediscodec.Encode(unit)
	if err != nil {
		return err
	}
	stages := make(map[string]interface{}, len(model.Stages))
	for _, stage := range model.Stages {
		encoded, err := rediscodec.EncodeField(model.PendingStage())
		if err != nil {
			return err
		}
		stages[string(stage)] = encoded
	}

	pipe := a.db.TxPipeline()
	pipe.HSet(ctx, unitKey(unit.RunID, unit.ID), fields)
	pipe.HSet(ctx, stagesKey(unit.RunID, unit.ID), stages)
	pipe.Expire(ctx, unitKey(unit.RunID, unit.ID), a.retention)
	pipe.Expire(ctx, stagesKey(unit.RunID, unit.ID), a.retention)
	for _, key := range a.counterKeys(unit.RunID, unit.Groups) {
		pipe.HIncrBy(ctx, key, string(model.StatusPending), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "error creating unit %s", unit.ID)
	}
	return nil
}

func (a *Aggregator) counterKeys(runID string, groupIDs []string) []string {
	keys := make([]string, 0, len(groupIDs)+1)
	for _, groupID := range groupIDs {
		keys = append(keys, groupResultKey(runID, groupID))
	}
	return append(keys, runResultKey(runID))
}

// GetUnit returns the unit record including its stage results.
func (a *Aggregator) GetUnit(ctx *fireflycontext.Context, runID, unitID string) (model.Unit, error) {
	values, err := a.db.HGetAll(ctx, unitKey(runID, unitID)).Result()
	if err != nil {
		return model.Unit{}, errors.Wrapf(err, "error reading unit %s", unitID)
	}
	if len(values) == 0 {
		return model.Unit{}, &fireflyerrors.ErrNotFound{Type: "unit", Value: unitID}
	}
	var unit model.Unit
	if err := rediscodec.Decode(values, &unit); err != nil {
		return model.Unit{}, errors.WithMessagef(err, "unit %s", unitID)
	}
	stages, err := a.GetStages(ctx, runID, unitID)
	if err != nil {
		return model.Unit{}, err
	}
	unit.Stages = stages
	return unit, nil
}

func (a *Aggregator) GetStage(ctx *fireflycontext.Context, runID, unitID string, stage model.Stage) (model.StageResult, error) {
	value, err := a.db.HGet(ctx, stagesKey(runID, unitID), string(stage)).Result()
	if err == redis.Nil {
		return model.StageResult{}, &fireflyerrors.ErrNotFound{Type: "stage", Value: string(stage), Message: "unit " + unitID}
	}
	if err != nil {
		return model.StageResult{}, errors.Wrapf(err, "error reading stage %s of unit %s", stage, unitID)
	}
	var result model.StageResult
	if err := rediscodec.DecodeField(value, &result); err != nil {
		return model.StageResult{}, err
	}
	return result, nil
}

func (a *Aggregator) GetStages(ctx *fireflycontext.Context, runID, unitID string) (map[model.Stage]model.StageResult, error) {
	values, err := a.db.HGetAll(ctx, stagesKey(runID, unitID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading stages of unit %s", unitID)
	}
	stages := make(map[model.Stage]model.StageResult, len(values))
	for name, value := range values {
		var result model.StageResult
		if err := rediscodec.DecodeField(value, &result); err != nil {
			return nil, errors.WithMessagef(err, "stage %s of unit %s", name, unitID)
		}
		stages[model.Stage(name)] = result
	}
	return stages, nil
}

// RecordStage stores a stage result, merges the side data the stage accumulated into the unit record and
// applies the status change the result implies, if any.
func (a *Aggregator) RecordStage(
	ctx *fireflycontext.Context,
	runID, unitID string,
	stage model.Stage,
	result model.StageResult,
	side model.SideData,
) (model.StatusChange, error) {
	groups, err := a.unitGroups(ctx, runID, unitID)
	if err != nil {
		return model.StatusChange{}, err
	}
	if err := a.mergeStage(ctx, runID, unitID, stage, result, side); err != nil {
		return model.StatusChange{}, err
	}

	newStatus, err := a.db.Eval(ctx, transitionScript, a.transitionKeys(runID, unitID, groups),
		string(stage), string(result.Status)).Text()
	if err != nil {
		return model.StatusChange{}, errors.Wrapf(err, "error updating status of unit %s", unitID)
	}
	if newStatus == "" {
		return model.StatusChange{}, nil
	}
	ctx.Debugf("Unit %s is %s after %s", unitID, newStatus, stage)
	return model.StatusChange{Changed: true, From: model.StatusPending, To: model.Status(newStatus)}, nil
}

func (a *Aggregator) transitionKeys(runID, unitID string, groups []string) []string {
	return append([]string{unitKey(runID, unitID)}, a.counterKeys(runID, groups)...)
}

func (a *Aggregator) unitGroups(ctx *fireflycontext.Context, runID, unitID string) ([]string, error) {
	value, err := a.db.HGet(ctx, unitKey(runID, unitID), "groups").Result()
	if err == redis.Nil {
		return nil, &fireflyerrors.ErrNotFound{Type: "unit", Value: unitID}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading groups of unit %s", unitID)
	}
	var groups []string
	if err := rediscodec.DecodeField(value, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (a *Aggregator) mergeStage(
	ctx *fireflycontext.Context,
	runID, unitID string,
	stage model.Stage,
	result model.StageResult,
	side model.SideData,
) error {
	key := unitKey(runID, unitID)
	stageValue, err := rediscodec.EncodeField(result)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		values, err := tx.HMGet(ctx, key, "env_used", "warnings", "assets_path", "generated_params", "errors").Result()
		if err != nil {
			return err
		}
		var record sideRecord
		targets := []interface{}{&record.EnvUsed, &record.Warnings, &record.Assets, &record.Generated, &record.Errors}
		for i, value := range values {
			if s, ok := value.(string); ok {
				if err := rediscodec.DecodeField(s, targets[i]); err != nil {
					return err
				}
			}
		}
		record.merge(stage, result, side)
		fields, err := rediscodec.Encode(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.HSet(ctx, stagesKey(runID, unitID), string(stage), stageValue)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchAttempts; i++ {
		err := a.db.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "error recording %s of unit %s", stage, unitID)
		}
		return nil
	}
	return errors.Errorf("error recording %s of unit %s: too many concurrent updates", stage, unitID)
}

func (r *sideRecord) merge(stage model.Stage, result model.StageResult, side model.SideData) {
	r.EnvUsed = util.MergeMaps(r.EnvUsed, side.EnvUsed)
	r.Warnings = append(r.Warnings, side.Warnings...)
	r.Assets = util.MergeMaps(r.Assets, side.Assets)
	r.Generated = util.MergeMaps(r.Generated, side.Generated)
	if r.Errors == nil {
		r.Errors = map[model.Stage][]model.StructuredError{}
	}
	if len(result.Errors) > 0 {
		r.Errors[stage] = append(r.Errors[stage], result.Errors...)
	}
}
