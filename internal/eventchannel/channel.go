// Package eventchannel implements an ordered, resumable notification log on top of redis streams. Any
// number of writers append to a channel and any number of readers follow it, each with its own cursor.
package eventchannel

import (
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
)

const (
	dataKey = "data"
	// Sentinel is appended when a channel is closed. It is not valid JSON so it can never collide with a payload.
	Sentinel      = "SHUTDOWN"
	readBatchSize = 100
)

// Position identifies an entry in a channel. Start reads a channel from its first entry.
type Position string

const Start Position = "0"

// Event is a single payload read from a channel.
type Event struct {
	Key      string
	Position Position
	Payload  []byte
}

type Channel struct {
	db     redis.UniversalClient
	config configuration.EventsConfig
}

func NewChannel(db redis.UniversalClient, config configuration.EventsConfig) *Channel {
	return &Channel{db: db, config: config}
}

// Write appends payload to the channel stored at key and returns its position.
func (c *Channel) Write(ctx *fireflycontext.Context, key string, payload []byte) (Position, error) {
	if string(payload) == Sentinel {
		return "", &fireflyerrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   Sentinel,
			Message: "the close sentinel cannot be written as a payload",
		}
	}
	id, err := c.db.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{dataKey: payload},
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "error writing to channel %s", key)
	}
	return Position(id), nil
}

// Close appends the sentinel and schedules the key for deletion once the grace period has passed, so that
// subscribers arriving late still observe the closure. Closing an already closed channel does nothing.
func (c *Channel) Close(ctx *fireflycontext.Context, key string) error {
	last, err := c.db.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return errors.Wrapf(err, "error reading last entry of channel %s", key)
	}
	if len(last) == 1 && isSentinel(last[0]) {
		ctx.Debugf("Channel %s is already closed", key)
		return nil
	}

	pipe := c.db.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{dataKey: Sentinel},
	})
	pipe.PExpire(ctx, key, c.config.DeletionGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "error closing channel %s", key)
	}
	return nil
}

// Reader returns a reader that follows the channel at key from the entry after from.
func (c *Channel) Reader(key string, from Position) *Reader {
	if from == "" {
		from = Start
	}
	return &Reader{channel: c, key: key, cursor: from}
}

// Listen calls fn for every payload of the channel at key, in write order, until the channel is closed.
// It returns nil when the channel closes or never appears, and the first error returned by fn otherwise.
func (c *Channel) Listen(ctx *fireflycontext.Context, key string, fn func(payload []byte) error) error {
	reader := c.Reader(key, Start)
	for {
		event, err := reader.Next(ctx)
		if err != nil {
			if IsClosed(err) {
				return nil
			}
			return err
		}
		if err := fn(event.Payload); err != nil {
			return err
		}
	}
}

func (c *Channel) exists(ctx *fireflycontext.Context, key string) (bool, error) {
	n, err := c.db.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "error checking existence of channel %s", key)
	}
	return n > 0, nil
}

// waitForKey polls for key until it exists or the existence wait runs out.
func (c *Channel) waitForKey(ctx *fireflycontext.Context, key string) (bool, error) {
	deadline := time.Now().Add(c.config.ExistenceWait)
	for {
		exists, err := c.exists(ctx, key)
		if err != nil || exists {
			return exists, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.config.PollInterval):
		}
	}
}

func isSentinel(message redis.XMessage) bool {
	value, ok := message.Values[dataKey].(string)
	return ok && value == Sentinel
}
