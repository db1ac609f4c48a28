package scriptrun

import (
	"encoding/json"
	"fmt"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/model"
)

type EventType string

const (
	StatusEvent             EventType = "status"
	LogEvent                EventType = "log"
	ResultEvent             EventType = "result"
	IntermediateResultEvent EventType = "intermediate_result"
	ErrorsEvent             EventType = "errors"
	IntermediateErrorsEvent EventType = "intermediate_errors"
	EnvUsedEvent            EventType = "env_used"
)

const channelName = "script"

// ChannelKey is the channel observers of an execution subscribe to.
func ChannelKey(executionID string) string {
	return fmt.Sprintf("script:%s:channel", executionID)
}

type eventData struct {
	ScriptID string      `json:"script_id"`
	Message  interface{} `json:"message"`
}

type LogLine struct {
	Index int    `json:"index"`
	Line  string `json:"line"`
}

// Event is one update published for an execution. Message holds the status, log line, result, errors or
// environment values the event carries.
type Event struct {
	Type     EventType
	ScriptID string
	Message  json.RawMessage
}

// ScriptChannel publishes the progress of script executions to observers.
type ScriptChannel struct {
	channel *eventchannel.Channel
}

func NewScriptChannel(channel *eventchannel.Channel) *ScriptChannel {
	return &ScriptChannel{channel: channel}
}

func (c *ScriptChannel) Status(ctx *fireflycontext.Context, scriptID, executionID string, status model.ScriptStatus) error {
	return c.publish(ctx, scriptID, executionID, StatusEvent, status)
}

func (c *ScriptChannel) Log(ctx *fireflycontext.Context, scriptID, executionID string, line LogLine) error {
	return c.publish(ctx, scriptID, executionID, LogEvent, line)
}

func (c *ScriptChannel) Result(ctx *fireflycontext.Context, scriptID, executionID string, result model.ScriptResult) error {
	return c.publish(ctx, scriptID, executionID, ResultEvent, result)
}

// IntermediateResult publishes one yielded result keyed by its position.
func (c *ScriptChannel) IntermediateResult(ctx *fireflycontext.Context, scriptID, executionID string, position int, result model.ScriptResult) error {
	return c.publish(ctx, scriptID, executionID, IntermediateResultEvent, map[int]model.ScriptResult{position: result})
}

func (c *ScriptChannel) Errors(ctx *fireflycontext.Context, scriptID, executionID string, errs []model.StructuredError) error {
	return c.publish(ctx, scriptID, executionID, ErrorsEvent, errs)
}

func (c *ScriptChannel) IntermediateErrors(ctx *fireflycontext.Context, scriptID, executionID string, errs []model.StructuredError) error {
	return c.publish(ctx, scriptID, executionID, IntermediateErrorsEvent, errs)
}

func (c *ScriptChannel) EnvUsed(ctx *fireflycontext.Context, scriptID, executionID string, envUsed map[string]string) error {
	return c.publish(ctx, scriptID, executionID, EnvUsedEvent, envUsed)
}

func (c *ScriptChannel) publish(ctx *fireflycontext.Context, scriptID, executionID string, eventType EventType, message interface{}) error {
	return c.channel.Publish(ctx, ChannelKey(executionID), channelName, string(eventType), eventData{
		ScriptID: scriptID,
		Message:  message,
	})
}

func (c *ScriptChannel) Close(ctx *fireflycontext.Context, executionID string) error {
	return c.channel.Close(ctx, ChannelKey(executionID))
}

// Listen calls fn for every event of the execution from the start of the channel until it is closed or
// ctx is cancelled.
func (c *ScriptChannel) Listen(ctx *fireflycontext.Context, executionID string, fn func(Event) error) error {
	return c.channel.Listen(ctx, ChannelKey(executionID), func(payload []byte) error {
		message, err := eventchannel.UnmarshalMessage(payload)
		if err != nil {
			return err
		}
		var data struct {
			ScriptID string          `json:"script_id"`
			Message  json.RawMessage `json:"message"`
		}
		if err := message.DecodeData(&data); err != nil {
			return err
		}
		return fn(Event{Type: EventType(message.Type), ScriptID: data.ScriptID, Message: data.Message})
	})
}
