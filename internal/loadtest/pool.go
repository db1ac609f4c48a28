package loadtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/logging"
)

type JobKind string

const (
	SupervisorJob JobKind = "supervisor"
	WorkerJob     JobKind = "worker"
)

// Job is a unit of work handed to the worker pool.
type Job struct {
	ID          string
	Kind        JobKind
	LoadTestID  string
	ExecutionID string
	WorkerID    int
	Dispatched  time.Time
}

func supervisorJob(loadTestID, executionID string) Job {
	return Job{
		ID:          fmt.Sprintf("%s:supervisor", executionID),
		Kind:        SupervisorJob,
		LoadTestID:  loadTestID,
		ExecutionID: executionID,
	}
}

func workerJob(loadTestID, executionID string, workerID int) Job {
	return Job{
		ID:          fmt.Sprintf("%s:worker:%d", executionID, workerID),
		Kind:        WorkerJob,
		LoadTestID:  loadTestID,
		ExecutionID: executionID,
		WorkerID:    workerID,
	}
}

// WorkerPool runs supervisor and worker jobs. Implementations may run them in other processes.
type WorkerPool interface {
	// Capacity returns the number of further jobs the pool can accept right now.
	Capacity(ctx *fireflycontext.Context) (int, error)
	Dispatch(ctx *fireflycontext.Context, job Job) error
}

type JobRunnerFunc func(ctx *fireflycontext.Context, job Job) error

const (
	jobsTable      = "jobs"
	idIndex        = "id"
	executionIndex = "execution"
)

func jobsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					executionIndex: {
						Name:    executionIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"},
					},
				},
			},
		},
	}
}

// LocalPool runs jobs on goroutines of the current process, at most capacity at a time. Running jobs are
// tracked in an in-memory table.
type LocalPool struct {
	ctx      *fireflycontext.Context
	capacity int
	run      JobRunnerFunc
	db       *memdb.MemDB
	// Serialises the free slot check with the insert.
	mutex sync.Mutex
	wg    sync.WaitGroup
}

// NewLocalPool returns a pool whose jobs run with contexts derived from ctx, so cancelling ctx stops them.
func NewLocalPool(ctx *fireflycontext.Context, capacity int, run JobRunnerFunc) (*LocalPool, error) {
	db, err := memdb.NewMemDB(jobsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LocalPool{ctx: ctx, capacity: capacity, run: run, db: db}, nil
}

// Capacity returns the free slots: the pool size less the jobs still running.
func (p *LocalPool) Capacity(_ *fireflycontext.Context) (int, error) {
	running, err := p.Running()
	if err != nil {
		return 0, err
	}
	if free := p.capacity - len(running); free > 0 {
		return free, nil
	}
	return 0, nil
}

func (p *LocalPool) Dispatch(ctx *fireflycontext.Context, job Job) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	running, err := p.Running()
	if err != nil {
		return err
	}
	if len(running) >= p.capacity {
		return &fireflyerrors.ErrCapacityExceeded{Requested: 1, Available: 0}
	}
	job.Dispatched = time.Now()
	txn := p.db.Txn(true)
	if err := txn.Insert(jobsTable, &job); err != nil {
		txn.Abort()
		return errors.WithStack(err)
	}
	txn.Commit()

	ctx.Infof("Dispatching %s job %s", job.Kind, job.ID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(job)
		jobCtx := fireflycontext.WithLogFields(p.ctx, logrus.Fields{"jobId": job.ID, "jobKind": job.Kind})
		if err := p.run(jobCtx, job); err != nil {
			logging.WithStacktrace(jobCtx, err).Errorf("Job %s failed", job.ID)
		}
	}()
	return nil
}

func (p *LocalPool) remove(job Job) {
	txn := p.db.Txn(true)
	defer txn.Commit()
	if err := txn.Delete(jobsTable, &job); err != nil {
		p.ctx.WithError(err).Warnf("Error removing job %s", job.ID)
	}
}

// Running returns the jobs that have not returned yet.
func (p *LocalPool) Running() ([]Job, error) {
	txn := p.db.Txn(false)
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collectJobs(iter), nil
}

// Jobs returns the running jobs of an execution.
func (p *LocalPool) Jobs(executionID string) ([]Job, error) {
	txn := p.db.Txn(false)
	iter, err := txn.Get(jobsTable, executionIndex, executionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collectJobs(iter), nil
}

func collectJobs(iter memdb.ResultIterator) []Job {
	jobs := make([]Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		jobs = append(jobs, *obj.(*Job))
	}
	return jobs
}

// Wait blocks until every dispatched job has returned. Returns true if it timed out.
func (p *LocalPool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
