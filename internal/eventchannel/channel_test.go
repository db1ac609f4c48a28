package eventchannel

import (
	"go/format"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/firefly/configuration"
)

var testConfig = configuration.EventsConfig{
	DeletionGrace: 5 * time.Minute,
	ExistenceWait: time.Second,
	PollInterval:  20 * time.Millisecond,
	BlockDuration: 50 * time.Millisecond,
}

func withChannel(t *testing.T, config configuration.EventsConfig, action func(c *Channel, mr *miniredis.Miniredis)) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()
	action(NewChannel(db, config), mr)
}

func testContext(t *testing.T) *fireflycontext.Context {
	ctx, cancel := fireflycontext.WithTimeout(fireflycontext.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLateSubscriberSeesPayloadThenClosure(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		_, err := c.Write(ctx, "exec-1", []byte(`{"channel":"c","type":"A","data":{}}`))
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx, "exec-1"))

		reader := c.Reader("exec-1", Start)
		event, err := reader.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, `{"channel":"c","type":"A","data":{}}`, string(event.Payload))
		assert.Equal(t, "exec-1", event.Key)

		_, err = reader.Next(ctx)
		assert.Equal(t, io.EOF, err)
		_, err = reader.Next(ctx)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, Position(""), reader.Position())
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		_, err := c.Write(ctx, "exec-1", []byte(`{}`))
		require.NoError(t, err)

		require.NoError(t, c.Close(ctx, "exec-1"))
		require.NoError(t, c.Close(ctx, "exec-1"))

		entries, err := c.db.XRange(ctx, "exec-1", "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.True(t, isSentinel(entries[1]))
		assert.Equal(t, 5*time.Minute, mr.TTL("exec-1"))
	})
}

func TestClosedChannelExpiresAfterGrace(t *testing.T) {
	config := testConfig
	config.ExistenceWait = 100 * time.Millisecond
	withChannel(t, config, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		require.NoError(t, c.Close(ctx, "exec-1"))
		assert.True(t, mr.Exists("exec-1"))

		mr.FastForward(5*time.Minute + time.Second)
		assert.False(t, mr.Exists("exec-1"))

		_, err := c.Reader("exec-1", Start).Next(ctx)
		assert.Equal(t, io.EOF, err)
	})
}

func TestReaderWaitsForChannelCreation(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		received := make(chan []byte, 1)
		go func() {
			event, err := c.Reader("exec-1", Start).Next(ctx)
			if err == nil {
				received <- event.Payload
			}
			close(received)
		}()

		time.Sleep(100 * time.Millisecond)
		_, err := c.Write(ctx, "exec-1", []byte(`"late"`))
		require.NoError(t, err)

		select {
		case payload := <-received:
			assert.Equal(t, `"late"`, string(payload))
		case <-time.After(5 * time.Second):
			t.Fatal("reader did not receive the payload")
		}
	})
}

func TestReaderGivesUpOnMissingChannel(t *testing.T) {
	config := testConfig
	config.ExistenceWait = 100 * time.Millisecond
	withChannel(t, config, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		start := time.Now()
		_, err := c.Reader("missing", Start).Next(ctx)
		assert.Equal(t, io.EOF, err)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestReadersAreIndependent(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		for _, p := range []string{`1`, `2`, `3`} {
			_, err := c.Write(ctx, "exec-1", []byte(p))
			require.NoError(t, err)
		}
		require.NoError(t, c.Close(ctx, "exec-1"))

		first := c.Reader("exec-1", Start)
		event, err := first.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1", string(event.Payload))

		// A second reader resuming from the first reader's position sees the rest only.
		second := c.Reader("exec-1", first.Position())
		event, err = second.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2", string(event.Payload))

		event, err = first.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2", string(event.Payload))
	})
}

func TestListenDeliversInOrder(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		done := make(chan []string, 1)
		go func() {
			var payloads []string
			err := c.Listen(ctx, "exec-1", func(payload []byte) error {
				payloads = append(payloads, string(payload))
				return nil
			})
			assert.NoError(t, err)
			done <- payloads
		}()

		for i := 0; i < 5; i++ {
			_, err := c.Write(ctx, "exec-1", []byte{byte('a' + i)})
			require.NoError(t, err)
		}
		require.NoError(t, c.Close(ctx, "exec-1"))

		select {
		case payloads := <-done:
			assert.Equal(t, []string{"a", "b", "c", "d", "e"}, payloads)
		case <-time.After(5 * time.Second):
			t.Fatal("listen did not return after close")
		}
	})
}

func TestWriteRejectsSentinel(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		_, err := c.Write(testContext(t), "exec-1", []byte(Sentinel))
		var invalid *fireflyerrors.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestPublishWritesMessage(t *testing.T) {
	withChannel(t, testConfig, func(c *Channel, mr *miniredis.Miniredis) {
		ctx := testContext(t)
		require.NoError(t, c.Publish(ctx, "exec-1", "load_test", "worker", map[string]string{"id": "0"}))

		event, err := c.Reader("exec-1", Start).Next(ctx)
		require.NoError(t, err)
		message, err := UnmarshalMessage(event.Payload)
		require.NoError(t, err)
		assert.Equal(t, "load_test", message.Channel)
		assert.Equal(t, "worker", message.Type)

		var data map[string]string
		require.NoError(t, message.DecodeData(&data))
		assert.Equal(t, map[string]string{"id": "0"}, data)
	})
}

func TestChannelSourceIsFormatted(t *testing.T) {
	src, err := os.ReadFile("channel.go")
	require.NoError(t, err)
	formatted, err := format.Source(src)
	require.NoError(t, err)
	assert.Equal(t, string(formatted), string(src))
}
