package testrun

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/aggregator"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/logging"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
	"github.com/fireflyhq/firefly/internal/history"
	"github.com/fireflyhq/firefly/internal/model"
)

// Reporter finalises runs: it moves them to a terminal status, exports them to the history store and
// closes their channel.
type Reporter struct {
	aggregator *aggregator.Aggregator
	store      history.Store
	batchSize  int
	clock      util.Clock
}

func NewReporter(aggregator *aggregator.Aggregator, store history.Store, batchSize int, clock util.Clock) *Reporter {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Reporter{aggregator: aggregator, store: store, batchSize: batchSize, clock: clock}
}

// Finish marks a run as successful and exports it. Export failures are logged and do not fail the run.
func (r *Reporter) Finish(ctx *fireflycontext.Context, runID string) error {
	if err := r.aggregator.UpdateRunStatus(ctx, runID, model.RunSuccess); err != nil {
		return err
	}
	return r.finalise(ctx, runID)
}

// Fail marks a run as failed with runErr.
func (r *Reporter) Fail(ctx *fireflycontext.Context, runID string, runErr model.StructuredError) error {
	var result *multierror.Error
	if err := r.aggregator.SetRunError(ctx, runID, runErr); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.aggregator.UpdateRunStatus(ctx, runID, model.RunFail); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.finalise(ctx, runID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (r *Reporter) finalise(ctx *fireflycontext.Context, runID string) error {
	run, err := r.aggregator.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	if r.store != nil {
		if err := r.export(ctx, run); err != nil {
			logging.WithStacktrace(ctx, err).Errorf("Error exporting run %s to the history store", runID)
		}
	}
	if err := r.aggregator.RemovePending(ctx, run.RootFolder, run.Env, runID); err != nil {
		return err
	}
	return r.aggregator.CloseRunChannel(ctx, runID)
}

func (r *Reporter) export(ctx *fireflycontext.Context, run model.Run) error {
	if err := r.store.CreateRun(ctx, history.RunRecord{
		ID:             run.ID,
		RootFolder:     run.RootFolder,
		Env:            run.Env,
		User:           run.User,
		Version:        run.Version,
		Status:         run.Status,
		ResultByStatus: run.ResultByStatus,
		Error:          run.Error,
		StartTime:      run.StartTime,
		EndTime:        r.clock.Now(),
	}); err != nil {
		return errors.WithMessagef(err, "run %s", run.ID)
	}
	for _, batch := range util.Batch(run.UnitIDs, r.batchSize) {
		records := make([]history.UnitRecord, 0, len(batch))
		for _, unitID := range batch {
			unit, err := r.aggregator.GetUnit(ctx, run.ID, unitID)
			if err != nil {
				return err
			}
			records = append(records, unitRecord(run, unit))
		}
		if err := r.store.CreateUnitHistory(ctx, records); err != nil {
			return errors.WithMessagef(err, "units of run %s", run.ID)
		}
	}
	ctx.Infof("Exported run %s with %d units", run.ID, len(run.UnitIDs))
	return nil
}

func unitRecord(run model.Run, unit model.Unit) history.UnitRecord {
	var unitErrors []model.StructuredError
	for _, stage := range model.Stages {
		unitErrors = append(unitErrors, unit.Errors[stage]...)
	}
	return history.UnitRecord{
		RunID:      run.ID,
		UnitID:     unit.ID,
		Name:       unit.Name,
		Suite:      unit.Suite,
		Case:       unit.Case,
		RootFolder: run.RootFolder,
		Env:        run.Env,
		Status:     unit.Status,
		Errors:     unitErrors,
		StartTime:  run.StartTime,
	}
}
