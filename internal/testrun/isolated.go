package testrun

import (
	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

// IsolatedExecutor runs the stages of a unit that must not share an execution context with the rest of
// the run, e.g. units driving a heavyweight client.
type IsolatedExecutor interface {
	RunIsolated(ctx *fireflycontext.Context, unitID string, run func(ctx *fireflycontext.Context) error) error
}

// GoroutineExecutor runs every isolated unit on a dedicated goroutine with its own cancellable context
// derived from the run context.
type GoroutineExecutor struct{}

func (GoroutineExecutor) RunIsolated(
	ctx *fireflycontext.Context,
	unitID string,
	run func(ctx *fireflycontext.Context) error,
) error {
	isolatedCtx, cancel := fireflycontext.WithCancel(fireflycontext.WithLogField(ctx, "isolated", true))
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Recovered(r)
			}
		}()
		done <- run(isolatedCtx)
	}()
	err := <-done
	if err != nil {
		isolatedCtx.WithError(err).Errorf("Isolated unit %s failed", unitID)
	}
	return err
}
