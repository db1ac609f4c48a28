package testrun

import (
	"sync"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

// Barrier synchronises the units of one suite with its group stages. Units wait for group setup to finish
// before they start, and group teardown waits until every unit has finished its teardown.
type Barrier struct {
	setupOnce     sync.Once
	setupDone     chan struct{}
	mutex         sync.Mutex
	remaining     int
	teardownReady chan struct{}
}

func NewBarrier(members int) *Barrier {
	b := &Barrier{
		setupDone:     make(chan struct{}),
		remaining:     members,
		teardownReady: make(chan struct{}),
	}
	if members <= 0 {
		b.remaining = 0
		close(b.teardownReady)
	}
	return b
}

// SetupDone releases every unit waiting in WaitSetup. Calling it again has no effect.
func (b *Barrier) SetupDone() {
	b.setupOnce.Do(func() {
		close(b.setupDone)
	})
}

func (b *Barrier) WaitSetup(ctx *fireflycontext.Context) error {
	select {
	case <-b.setupDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnitDone counts one member as finished. The decrement and the check against zero happen under the same
// lock, so teardownReady is closed exactly once.
func (b *Barrier) UnitDone() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.remaining == 0 {
		return
	}
	b.remaining--
	if b.remaining == 0 {
		close(b.teardownReady)
	}
}

func (b *Barrier) WaitTeardown(ctx *fireflycontext.Context) error {
	select {
	case <-b.teardownReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) Remaining() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.remaining
}
