package testrun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

func TestBarrier_TeardownReleasedAfterLastUnit(t *testing.T) {
	barrier := NewBarrier(50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			barrier.UnitDone()
			barrier.UnitDone()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, barrier.Remaining())
	require.NoError(t, barrier.WaitTeardown(fireflycontext.Background()))
}

func TestBarrier_TeardownWaitsForUnits(t *testing.T) {
	barrier := NewBarrier(2)
	barrier.UnitDone()

	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 50*time.Millisecond)
	defer cancel()
	err := barrier.WaitTeardown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, barrier.Remaining())
}

func TestBarrier_NoMembers(t *testing.T) {
	barrier := NewBarrier(0)
	barrier.UnitDone()
	assert.NoError(t, barrier.WaitTeardown(fireflycontext.Background()))
}

func TestBarrier_SetupDoneReleasesWaiters(t *testing.T) {
	barrier := NewBarrier(3)
	released := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			released <- barrier.WaitSetup(fireflycontext.Background())
		}()
	}
	barrier.SetupDone()
	barrier.SetupDone()
	for i := 0; i < 3; i++ {
		select {
		case err := <-released:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
	}
}

func TestBarrier_WaitSetupHonoursCancellation(t *testing.T) {
	barrier := NewBarrier(1)
	ctx, cancel := fireflycontext.WithCancel(fireflycontext.Background())
	cancel()
	assert.ErrorIs(t, barrier.WaitSetup(ctx), context.Canceled)
}
