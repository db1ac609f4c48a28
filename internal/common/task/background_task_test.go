package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

func TestBackgroundTaskManager_RunsPeriodically(t *testing.T) {
	m := NewBackgroundTaskManager(fireflycontext.Background(), "test_")
	var calls int32
	m.Register(func(ctx *fireflycontext.Context) {
		atomic.AddInt32(&calls, 1)
	}, 10*time.Millisecond, "periodic")

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, time.Second, 5*time.Millisecond)

	timedOut := m.StopAll(time.Second)
	assert.False(t, timedOut)

	stopped := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&calls))
}

func TestBackgroundTaskManager_StopsWithContext(t *testing.T) {
	ctx, cancel := fireflycontext.WithCancel(fireflycontext.Background())
	m := NewBackgroundTaskManager(ctx, "test_")
	m.Register(func(ctx *fireflycontext.Context) {}, time.Hour, "cancelled")
	m.Register(func(ctx *fireflycontext.Context) {}, time.Hour, "cancelled")

	cancel()
	assert.False(t, m.waitForShutdownCompletion(time.Second))
}
