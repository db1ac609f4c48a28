package lease

import (
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
)

// Lock is a semaphore with a single slot.
type Lock struct {
	*Semaphore
}

func NewLock(db redis.UniversalClient, name string, config configuration.LeaseConfig) *Lock {
	return &Lock{Semaphore: NewSemaphore(db, name, 1, config)}
}

// WithLock runs fn while holding the lock.
func (l *Lock) WithLock(ctx *fireflycontext.Context, fn func() error) error {
	return l.WithSemaphore(ctx, fn)
}
