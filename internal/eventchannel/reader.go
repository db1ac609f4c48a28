package eventchannel

import (
	"io"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

// Reader follows a single channel. A Reader is not safe for concurrent use; every consumer creates its own.
type Reader struct {
	channel *Channel
	key     string
	cursor  Position
	started bool
	closed  bool
	buffer  []redis.XMessage
}

// Position returns the position of the last event delivered by Next.
func (r *Reader) Position() Position {
	return r.cursor
}

// Next blocks until the next event is available. It returns io.EOF once the channel has been closed, or if
// the channel does not appear within the configured existence wait. The sentinel itself is never returned.
func (r *Reader) Next(ctx *fireflycontext.Context) (Event, error) {
	for {
		if r.closed {
			return Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		if len(r.buffer) > 0 {
			message := r.buffer[0]
			r.buffer = r.buffer[1:]
			if isSentinel(message) {
				r.finish()
				return Event{}, io.EOF
			}
			r.cursor = Position(message.ID)
			return Event{Key: r.key, Position: r.cursor, Payload: payloadOf(message)}, nil
		}

		if !r.started {
			exists, err := r.channel.waitForKey(ctx, r.key)
			if err != nil {
				return Event{}, err
			}
			if !exists {
				ctx.Debugf("Channel %s did not appear within %s", r.key, r.channel.config.ExistenceWait)
				r.finish()
				return Event{}, io.EOF
			}
			r.started = true
		}

		streams, err := r.channel.db.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.key, string(r.cursor)},
			Count:   readBatchSize,
			Block:   r.channel.config.BlockDuration,
		}).Result()
		if err == redis.Nil {
			// Nothing new. Make sure the key hasn't expired underneath us before blocking again.
			exists, err := r.channel.waitForKey(ctx, r.key)
			if err != nil {
				return Event{}, err
			}
			if !exists {
				r.finish()
				return Event{}, io.EOF
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, errors.Wrapf(err, "error reading from channel %s", r.key)
		}
		for _, stream := range streams {
			r.buffer = append(r.buffer, stream.Messages...)
		}
	}
}

func (r *Reader) finish() {
	r.closed = true
	r.buffer = nil
	r.cursor = ""
}

// IsClosed reports whether err signals the end of a channel.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF)
}

func payloadOf(message redis.XMessage) []byte {
	switch value := message.Values[dataKey].(type) {
	case string:
		return []byte(value)
	case []byte:
		return value
	default:
		return nil
	}
}
