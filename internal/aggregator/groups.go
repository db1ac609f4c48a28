package aggregator

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/model"
)

const resultByStatusField = "result_by_status"

// CreateGroups stores group records with zero counters. Counters grow as units are created.
func (a *Aggregator) CreateGroups(ctx *fireflycontext.Context, runID string, groups []*model.Group) error {
	pipe := a.db.TxPipeline()
	for _, group := range groups {
		fields, err := rediscodec.Encode(group)
		if err != nil {
			return err
		}
		delete(fields, resultByStatusField)
		pipe.HSet(ctx, groupKey(runID, group.ID), fields)
		pipe.HSet(ctx, groupResultKey(runID, group.ID), counterFields(model.ResultByStatus{}))
		pipe.Expire(ctx, groupKey(runID, group.ID), a.retention)
		pipe.Expire(ctx, groupResultKey(runID, group.ID), a.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "error creating groups of run %s", runID)
	}
	return nil
}

// GetGroups returns the requested groups with their counters. Groups that do not exist are omitted.
func (a *Aggregator) GetGroups(ctx *fireflycontext.Context, runID string, groupIDs []string) (map[string]*model.Group, error) {
	pipe := a.db.Pipeline()
	infos := make([]*redis.MapStringStringCmd, len(groupIDs))
	results := make([]*redis.MapStringStringCmd, len(groupIDs))
	for i, groupID := range groupIDs {
		infos[i] = pipe.HGetAll(ctx, groupKey(runID, groupID))
		results[i] = pipe.HGetAll(ctx, groupResultKey(runID, groupID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "error reading groups of run %s", runID)
	}

	groups := make(map[string]*model.Group, len(groupIDs))
	for i, groupID := range groupIDs {
		if len(infos[i].Val()) == 0 {
			continue
		}
		group := &model.Group{}
		if err := rediscodec.Decode(infos[i].Val(), group); err != nil {
			return nil, errors.WithMessagef(err, "group %s", groupID)
		}
		counters, err := decodeCounters(results[i].Val())
		if err != nil {
			return nil, err
		}
		group.ResultByStatus = counters
		groups[groupID] = group
	}
	return groups, nil
}

// GetRunTree returns the hierarchical view of a run.
func (a *Aggregator) GetRunTree(ctx *fireflycontext.Context, runID string) (model.ResultTree, error) {
	run, err := a.GetRun(ctx, runID)
	if err != nil {
		return model.ResultTree{}, err
	}
	switch run.Status {
	case model.RunIdle, model.RunPending:
		return model.ResultTree{Status: model.TreeIdle}, nil
	case model.RunFail:
		return model.ResultTree{Status: model.TreeFailed}, nil
	}

	groups, err := a.GetGroups(ctx, runID, run.GroupIDs)
	if err != nil {
		return model.ResultTree{}, err
	}
	var firstLevel []string
	for id, group := range groups {
		if group.Root {
			firstLevel = append(firstLevel, id)
		}
	}
	slices.Sort(firstLevel)

	items, err := a.treeItems(ctx, runID, run.UnitIDs)
	if err != nil {
		return model.ResultTree{}, err
	}

	status := model.TreePending
	if run.Status == model.RunSuccess {
		status = model.TreeFinished
	}
	return model.ResultTree{
		Status:     status,
		FirstLevel: firstLevel,
		Groups:     groups,
		Items:      items,
	}, nil
}

func (a *Aggregator) treeItems(ctx *fireflycontext.Context, runID string, unitIDs []string) (map[string]model.TreeItem, error) {
	pipe := a.db.Pipeline()
	cmds := make([]*redis.SliceCmd, len(unitIDs))
	for i, unitID := range unitIDs {
		cmds[i] = pipe.HMGet(ctx, unitKey(runID, unitID), "iteration_name", "status")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "error reading units of run %s", runID)
	}

	items := make(map[string]model.TreeItem, len(unitIDs))
	for i, unitID := range unitIDs {
		var item model.TreeItem
		targets := []interface{}{&item.Name, &item.Status}
		for j, value := range cmds[i].Val() {
			if s, ok := value.(string); ok {
				if err := rediscodec.DecodeField(s, targets[j]); err != nil {
					return nil, err
				}
			}
		}
		items[unitID] = item
	}
	return items, nil
}
