package eventchannel

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/firefly/metrics"
)

const successfulSubscribe = "successful_subscribe"

// Conn is the subscriber side of a transport connection, typically a websocket.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
}

// SubscribeMessage is sent by a subscriber to select the execution it wants to follow.
// A null execution id stops the current subscription.
type SubscribeMessage struct {
	ExecutionID *string `json:"execution_id"`
	LoadTestID  string  `json:"load_test_id,omitempty"`
}

type subscribeAck struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	LoadTestID  string `json:"load_test_id,omitempty"`
}

// SubscriptionManager proxies channel events to subscribers. Each connection follows at most one
// channel at a time.
type SubscriptionManager struct {
	channel *Channel
}

func NewSubscriptionManager(channel *Channel) *SubscriptionManager {
	return &SubscriptionManager{channel: channel}
}

type proxy struct {
	executionID string
	cancel      context.CancelFunc
	done        chan struct{}
}

func (p *proxy) stop() {
	p.cancel()
	<-p.done
}

// syncConn serialises writes from the proxy goroutine and acknowledgements from the read loop.
type syncConn struct {
	Conn
	mutex sync.Mutex
}

func (c *syncConn) WriteMessage(ctx context.Context, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.Conn.WriteMessage(ctx, data)
}

// Serve reads subscribe messages from conn until it is closed or ctx is cancelled. keyFor maps a
// subscribe message to the channel key that should be proxied.
func (m *SubscriptionManager) Serve(ctx *fireflycontext.Context, conn Conn, keyFor func(SubscribeMessage) string) error {
	sc := &syncConn{Conn: conn}
	var current *proxy
	defer func() {
		if current != nil {
			current.stop()
		}
	}()

	for {
		data, err := sc.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "error reading subscribe message")
		}

		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ctx.WithError(err).Warn("Ignoring malformed subscribe message")
			continue
		}

		if msg.ExecutionID == nil {
			if current != nil {
				ctx.Infof("Unsubscribing from execution %s", current.executionID)
				current.stop()
				current = nil
			}
			continue
		}

		executionID := *msg.ExecutionID
		if current != nil && current.executionID == executionID && !current.finished() {
			if err := m.ack(ctx, sc, msg); err != nil {
				return err
			}
			continue
		}
		if current != nil {
			current.stop()
			current = nil
		}
		if err := m.ack(ctx, sc, msg); err != nil {
			return err
		}
		current = m.startProxy(ctx, sc, executionID, keyFor(msg))
	}
}

func (m *SubscriptionManager) ack(ctx *fireflycontext.Context, conn Conn, msg SubscribeMessage) error {
	data, err := json.Marshal(subscribeAck{
		Type:        successfulSubscribe,
		ExecutionID: *msg.ExecutionID,
		LoadTestID:  msg.LoadTestID,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(conn.WriteMessage(ctx, data), "error acknowledging subscription")
}

func (m *SubscriptionManager) startProxy(ctx *fireflycontext.Context, conn Conn, executionID string, key string) *proxy {
	proxyCtx, cancel := fireflycontext.WithCancel(fireflycontext.WithLogField(ctx, "executionId", executionID))
	p := &proxy{executionID: executionID, cancel: cancel, done: make(chan struct{})}

	metrics.ActiveSubscriptions.Inc()
	go func() {
		defer close(p.done)
		defer metrics.ActiveSubscriptions.Dec()
		err := m.channel.Listen(proxyCtx, key, func(payload []byte) error {
			return conn.WriteMessage(proxyCtx, payload)
		})
		if err != nil && proxyCtx.Err() == nil {
			proxyCtx.WithError(err).Warnf("Proxy for channel %s stopped", key)
		}
	}()
	return p
}

func (p *proxy) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
