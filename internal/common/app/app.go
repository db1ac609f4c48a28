package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

// CreateContextWithShutdown returns a context cancelled by the first SIGINT or SIGTERM. A second signal
// is left to the default handler so that a stuck teardown can still be interrupted.
func CreateContextWithShutdown() *fireflycontext.Context {
	ctx, cancel := fireflycontext.WithCancel(fireflycontext.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			ctx.WithField("signal", s.String()).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
