// Package lease provides cross-process mutual exclusion and bounded concurrency on top of redis, plus a
// registry of in-process primitives scoped to a single run.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
)

const keyPrefix = "lease:"

// Upper bound on releasing a lease once the holder's own context has ended.
const releaseTimeout = 5 * time.Second

// Tokens are members of a sorted set scored by the time at which they expire. Expired tokens are purged
// before the holder count is compared against capacity, so a holder that died without releasing only
// blocks others until its lease expires.
const acquireScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
end
return 0
`

// Semaphore admits at most capacity concurrent holders across all processes sharing the redis instance.
type Semaphore struct {
	db       redis.UniversalClient
	name     string
	capacity int
	config   configuration.LeaseConfig
	clock    util.Clock
}

func NewSemaphore(db redis.UniversalClient, name string, capacity int, config configuration.LeaseConfig) *Semaphore {
	return &Semaphore{
		db:       db,
		name:     name,
		capacity: capacity,
		config:   config,
		clock:    &util.DefaultClock{},
	}
}

func (s *Semaphore) Name() string {
	return s.name
}

func (s *Semaphore) key() string {
	return keyPrefix + s.name
}

// Acquire blocks until a slot is free or the configured timeout passes, in which case it returns
// *fireflyerrors.ErrTimeout.
func (s *Semaphore) Acquire(ctx *fireflycontext.Context) (*Lease, error) {
	if s.capacity < 1 {
		return nil, &fireflyerrors.ErrInvalidArgument{Name: "capacity", Value: s.capacity, Message: "must be at least 1"}
	}
	token := util.NewULID()
	deadline := time.Now().Add(s.config.Timeout)
	for {
		acquired, err := s.tryAcquire(ctx, token)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lease{semaphore: s, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, &fireflyerrors.ErrTimeout{
				Operation: fmt.Sprintf("acquiring lease %q", s.name),
				Timeout:   s.config.Timeout,
			}
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(s.config.PollInterval):
		}
	}
}

func (s *Semaphore) tryAcquire(ctx *fireflycontext.Context, token string) (bool, error) {
	now := s.clock.Now()
	result, err := s.db.Eval(ctx, acquireScript, []string{s.key()},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(s.config.Expiry).UnixMilli(), 10),
		strconv.FormatInt(s.config.Expiry.Milliseconds(), 10),
		s.capacity,
		token,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "error acquiring lease %s", s.name)
	}
	return result == 1, nil
}

// WithSemaphore runs fn while holding a lease. The lease is released whatever fn returns, including when
// ctx was cancelled or timed out while fn ran.
func (s *Semaphore) WithSemaphore(ctx *fireflycontext.Context, fn func() error) error {
	lease, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := fireflycontext.WithTimeout(fireflycontext.New(context.Background(), ctx.FieldLogger), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			ctx.WithError(err).Warnf("Failed to release lease %s", s.name)
		}
	}()
	return fn()
}

// Lease is a slot held in a Semaphore.
type Lease struct {
	semaphore *Semaphore
	token     string
	mutex     sync.Mutex
	released  bool
}

// Release frees the slot. Releasing a lease more than once is safe.
func (l *Lease) Release(ctx *fireflycontext.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.released {
		return nil
	}
	if err := l.semaphore.db.ZRem(ctx, l.semaphore.key(), l.token).Err(); err != nil {
		return errors.Wrapf(err, "error releasing lease %s", l.semaphore.name)
	}
	l.released = true
	return nil
}

// Prefix of the semaphores handed out by Semaphores, keeping them apart from the engine's own locks.
const sharedPrefix = "shared:"

// Semaphores hands out named semaphores on a shared redis instance. Units and load test tasks use them to
// bound work across every process of a deployment.
type Semaphores struct {
	db     redis.UniversalClient
	config configuration.LeaseConfig
}

func NewSemaphores(db redis.UniversalClient, config configuration.LeaseConfig) *Semaphores {
	return &Semaphores{db: db, config: config}
}

// WithSemaphore runs fn while holding one of capacity slots of the semaphore called name. Every caller of the
// same name shares the slots. Each call checks its own capacity against the current holders. A nil
// Semaphores has no store to coordinate through and fails.
func (s *Semaphores) WithSemaphore(ctx *fireflycontext.Context, name string, capacity int, fn func() error) error {
	if s == nil || s.db == nil {
		return errors.Errorf("no shared store configured for semaphore %s", name)
	}
	return NewSemaphore(s.db, sharedPrefix+name, capacity, s.config).WithSemaphore(ctx, fn)
}
