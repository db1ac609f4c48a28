// Package aggregator keeps per run, per group and per unit results in redis and rolls unit outcomes up
// the group tree. Every change of a unit's overall status moves one count between statuses at all of the
// unit's ancestor groups and at the run in a single script, so counters are never observed mid-transition.
package aggregator

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/model"
)

const (
	runChannelName    = "test_run"
	runUpdateEvent    = "update"
	runCurrentEvent   = "current"
	pendingRunsPrefix = "auto_test_pending_runs_"
)

func runKey(runID string) string {
	return runID + ":info"
}

func runResultKey(runID string) string {
	return runID + ":info:result"
}

func unitKey(runID, unitID string) string {
	return runID + ":autotest:" + unitID
}

func stagesKey(runID, unitID string) string {
	return unitKey(runID, unitID) + ":stages"
}

func groupKey(runID, groupID string) string {
	return runID + ":groups:" + groupID
}

func groupResultKey(runID, groupID string) string {
	return groupKey(runID, groupID) + ":result"
}

// RunChannelKey is the channel on which run status changes are published.
func RunChannelKey(runID string) string {
	return runID + ":channel"
}

func pendingRunsKey(rootFolder, env string) string {
	return fmt.Sprintf("%s%s_%s", pendingRunsPrefix, rootFolder, env)
}

type Aggregator struct {
	db        redis.UniversalClient
	channel   *eventchannel.Channel
	retention time.Duration
}

func NewAggregator(db redis.UniversalClient, channel *eventchannel.Channel, retention time.Duration) *Aggregator {
	return &Aggregator{db: db, channel: channel, retention: retention}
}

type runStatusData struct {
	Status model.RunStatus `json:"status"`
}

// CreateRun stores a new run record with all counters at zero.
func (a *Aggregator) CreateRun(ctx *fireflycontext.Context, run model.Run) error {
	exists, err := a.db.Exists(ctx, runKey(run.ID)).Result()
	if err != nil {
		return errors.Wrapf(err, "error checking run %s", run.ID)
	}
	if exists > 0 {
		return &fireflyerrors.ErrAlreadyExists{Type: "run", Value: run.ID}
	}
	fields, err := rediscodec.Encode(run)
	if err != nil {
		return err
	}
	pipe := a.db.TxPipeline()
	pipe.HSet(ctx, runKey(run.ID), fields)
	pipe.HSet(ctx, runResultKey(run.ID), counterFields(model.ResultByStatus{}))
	pipe.Expire(ctx, runKey(run.ID), a.retention)
	pipe.Expire(ctx, runResultKey(run.ID), a.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "error creating run %s", run.ID)
	}
	return nil
}

func (a *Aggregator) GetRun(ctx *fireflycontext.Context, runID string) (model.Run, error) {
	pipe := a.db.Pipeline()
	info := pipe.HGetAll(ctx, runKey(runID))
	result := pipe.HGetAll(ctx, runResultKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.Run{}, errors.Wrapf(err, "error reading run %s", runID)
	}
	if len(info.Val()) == 0 {
		return model.Run{}, &fireflyerrors.ErrNotFound{Type: "run", Value: runID}
	}
	var run model.Run
	if err := rediscodec.Decode(info.Val(), &run); err != nil {
		return model.Run{}, errors.WithMessagef(err, "run %s", runID)
	}
	counters, err := decodeCounters(result.Val())
	if err != nil {
		return model.Run{}, err
	}
	run.ResultByStatus = counters
	return run, nil
}

// UpdateRunStatus changes the run status and publishes the change on the run channel.
func (a *Aggregator) UpdateRunStatus(ctx *fireflycontext.Context, runID string, status model.RunStatus) error {
	if err := a.setRunField(ctx, runID, "status", status); err != nil {
		return err
	}
	ctx.Infof("Run %s is %s", runID, status)
	return a.channel.Publish(ctx, RunChannelKey(runID), runChannelName, runUpdateEvent, runStatusData{Status: status})
}

// PublishCurrent publishes the current run status for observers that subscribed late.
func (a *Aggregator) PublishCurrent(ctx *fireflycontext.Context, runID string) error {
	run, err := a.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return a.channel.Publish(ctx, RunChannelKey(runID), runChannelName, runCurrentEvent, runStatusData{Status: run.Status})
}

// CloseRunChannel closes the run channel. Observers see the closure once every earlier update.
func (a *Aggregator) CloseRunChannel(ctx *fireflycontext.Context, runID string) error {
	return a.channel.Close(ctx, RunChannelKey(runID))
}

func (a *Aggregator) SetRunError(ctx *fireflycontext.Context, runID string, runErr model.StructuredError) error {
	return a.setRunField(ctx, runID, "error", runErr)
}

// SetRunUnits records the units and groups selected for a run.
func (a *Aggregator) SetRunUnits(ctx *fireflycontext.Context, runID string, unitIDs []string, groupIDs []string) error {
	units, err := rediscodec.EncodeField(unitIDs)
	if err != nil {
		return err
	}
	groups, err := rediscodec.EncodeField(groupIDs)
	if err != nil {
		return err
	}
	if err := a.db.HSet(ctx, runKey(runID), "test_ids", units, "group_ids", groups).Err(); err != nil {
		return errors.Wrapf(err, "error storing units of run %s", runID)
	}
	return nil
}

func (a *Aggregator) setRunField(ctx *fireflycontext.Context, runID string, field string, value interface{}) error {
	encoded, err := rediscodec.EncodeField(value)
	if err != nil {
		return err
	}
	if err := a.db.HSet(ctx, runKey(runID), field, encoded).Err(); err != nil {
		return errors.Wrapf(err, "error updating %s of run %s", field, runID)
	}
	return nil
}

// IncrementRunCounter adds delta to the run level count of status.
func (a *Aggregator) IncrementRunCounter(ctx *fireflycontext.Context, runID string, status model.Status, delta int) error {
	if err := a.db.HIncrBy(ctx, runResultKey(runID), string(status), int64(delta)).Err(); err != nil {
		return errors.Wrapf(err, "error incrementing %s counter of run %s", status, runID)
	}
	return nil
}

// IncrementGroupCounter adds delta to the count of status at a single group.
func (a *Aggregator) IncrementGroupCounter(ctx *fireflycontext.Context, runID string, groupID string, status model.Status, delta int) error {
	if err := a.db.HIncrBy(ctx, groupResultKey(runID, groupID), string(status), int64(delta)).Err(); err != nil {
		return errors.Wrapf(err, "error incrementing %s counter of group %s", status, groupID)
	}
	return nil
}

// AddPending records a run as started and not yet exported.
func (a *Aggregator) AddPending(ctx *fireflycontext.Context, rootFolder, env, runID string) error {
	return errors.Wrap(a.db.LPush(ctx, pendingRunsKey(rootFolder, env), runID).Err(), "error adding pending run")
}

func (a *Aggregator) RemovePending(ctx *fireflycontext.Context, rootFolder, env, runID string) error {
	return errors.Wrap(a.db.LRem(ctx, pendingRunsKey(rootFolder, env), 0, runID).Err(), "error removing pending run")
}

// ListPending returns pending run ids, most recent first.
func (a *Aggregator) ListPending(ctx *fireflycontext.Context, rootFolder, env string) ([]string, error) {
	ids, err := a.db.LRange(ctx, pendingRunsKey(rootFolder, env), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error listing pending runs")
	}
	return ids, nil
}

func counterFields(r model.ResultByStatus) map[string]interface{} {
	return map[string]interface{}{
		string(model.StatusPending): r.Pending,
		string(model.StatusSuccess): r.Success,
		string(model.StatusFail):    r.Fail,
	}
}

func decodeCounters(values map[string]string) (model.ResultByStatus, error) {
	var result model.ResultByStatus
	for _, status := range model.Statuses {
		raw, ok := values[string(status)]
		if !ok {
			continue
		}
		var n int
		if err := rediscodec.DecodeField(raw, &n); err != nil {
			return model.ResultByStatus{}, errors.WithMessagef(err, "counter %s", status)
		}
		result.Add(status, n)
	}
	return result, nil
}
