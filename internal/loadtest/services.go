package loadtest

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
	"github.com/fireflyhq/firefly/internal/lease"
)

type Dependencies struct {
	DB        redis.UniversalClient
	Channel   *eventchannel.Channel
	Collector *catalog.Collector[*Definition]
	Config    configuration.LoadTestConfig
	// Settings of the semaphores tasks share through DB.
	Leases       configuration.LeaseConfig
	Environments map[string]map[string]string
	Clock        util.Clock
}

// services is what the manager, the supervisor and the workers share.
type services struct {
	db           redis.UniversalClient
	collector    *catalog.Collector[*Definition]
	config       configuration.LoadTestConfig
	environments map[string]map[string]string
	clock        util.Clock
	semaphores   *lease.Semaphores
	executions   *ExecutionRepository
	workers      *WorkerRepository
	tasks        *TaskRepository
	internal     *InternalChannel
	public       *PublicChannel
}

func newServices(deps Dependencies) *services {
	clock := deps.Clock
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	internal := NewInternalChannel(deps.Channel)
	return &services{
		db:           deps.DB,
		collector:    deps.Collector,
		config:       deps.Config,
		environments: deps.Environments,
		clock:        clock,
		semaphores:   lease.NewSemaphores(deps.DB, deps.Leases),
		executions:   NewExecutionRepository(deps.DB, deps.Config.Retention),
		workers:      NewWorkerRepository(deps.DB, internal, deps.Config.Retention),
		tasks:        NewTaskRepository(deps.DB, internal, deps.Config.Retention),
		internal:     internal,
		public:       NewPublicChannel(deps.Channel),
	}
}

// detached returns a context that outlives ctx, for bookkeeping that must happen after ctx is cancelled.
func (s *services) detached(ctx *fireflycontext.Context) (*fireflycontext.Context, context.CancelFunc) {
	return fireflycontext.WithTimeout(fireflycontext.New(context.Background(), ctx.FieldLogger), s.config.TeardownTimeout)
}

func (s *services) chart(loadTestID, executionID, name string) *BoxPlot {
	return &BoxPlot{
		db:          s.db,
		public:      s.public,
		clock:       s.clock,
		retention:   s.config.Retention,
		loadTestID:  loadTestID,
		executionID: executionID,
		name:        name,
	}
}

// Runner runs the jobs the manager dispatches. It is what a worker pool calls.
type Runner struct {
	*services
}

func NewRunner(deps Dependencies) *Runner {
	return &Runner{services: newServices(deps)}
}

func (r *Runner) Run(ctx *fireflycontext.Context, job Job) error {
	switch job.Kind {
	case SupervisorJob:
		return r.Supervisor(job.LoadTestID, job.ExecutionID).Run(ctx)
	case WorkerJob:
		return r.Worker(job.LoadTestID, job.ExecutionID, job.WorkerID).Run(ctx)
	}
	return &fireflyerrors.ErrInvalidArgument{Name: "kind", Value: job.Kind, Message: "unknown job kind"}
}
