package eventchannel

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

// Message is the payload shape written to every channel.
type Message struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

func NewMessage(channel string, messageType string, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, errors.Wrapf(err, "error marshalling %s data for channel %s", messageType, channel)
	}
	return Message{Channel: channel, Type: messageType, Data: raw}, nil
}

func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	return data, errors.WithStack(err)
}

// DecodeData unmarshals the data field into v.
func (m Message) DecodeData(v interface{}) error {
	return errors.WithStack(json.Unmarshal(m.Data, v))
}

func UnmarshalMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, errors.Wrap(err, "payload is not a channel message")
	}
	return m, nil
}

// Publish encodes data as a Message and writes it to key.
func (c *Channel) Publish(ctx *fireflycontext.Context, key string, channel string, messageType string, data interface{}) error {
	message, err := NewMessage(channel, messageType, data)
	if err != nil {
		return err
	}
	payload, err := message.Marshal()
	if err != nil {
		return err
	}
	_, err = c.Write(ctx, key, payload)
	return err
}
