package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fireflyhq/firefly/internal/common/app"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/firefly"
	"github.com/fireflyhq/firefly/internal/loadtest"
)

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Reads subscribe messages from stdin, one JSON object per line, and writes the followed load test channel to stdout",
		Long: `Each line selects the execution to follow, e.g. {"execution_id": "01h...", "load_test_id": "http_ping"}.
A line with a null execution_id stops following. Following continues after stdin is closed until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := app.CreateContextWithShutdown()
			return withApp(ctx, func(a *firefly.App) error {
				conn := newLineConn(cmd.InOrStdin(), cmd.OutOrStdout())
				return eventchannel.NewSubscriptionManager(a.Channel).Serve(ctx, conn, func(msg eventchannel.SubscribeMessage) string {
					return loadtest.PublicChannelKey(*msg.ExecutionID)
				})
			})
		},
	}
}

// lineConn is an eventchannel.Conn over newline separated messages.
type lineConn struct {
	lines <-chan []byte
	mutex sync.Mutex
	out   io.Writer
}

func newLineConn(in io.Reader, out io.Writer) *lineConn {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) > 0 {
				lines <- line
			}
		}
	}()
	return &lineConn{lines: lines, out: out}
}

func (c *lineConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-c.lines:
		if ok {
			return line, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *lineConn) WriteMessage(_ context.Context, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, err := fmt.Fprintln(c.out, string(data))
	return errors.WithStack(err)
}
