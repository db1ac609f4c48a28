package loadtest

import (
	"fmt"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/eventchannel"
	"github.com/fireflyhq/firefly/internal/model"
)

type InternalEventType string

const (
	StopAllWorkers     InternalEventType = "stop_all_workers"
	StopSpecificWorker InternalEventType = "stop_specific_worker"
	WorkerStatusUpdate InternalEventType = "worker_status_update"
	StartTaskUpdates   InternalEventType = "start_task_updates"
)

const (
	internalChannelName = "load_test_internal"
	publicChannelName   = "load_test"

	publicExecutionEvent = "execution"
	publicWorkerEvent    = "worker"
	publicTaskEvent      = "task"
	publicChartEvent     = "chart"
)

func internalChannelKey(executionID string) string {
	return fmt.Sprintf("load_test:%s:internal_channel", executionID)
}

// PublicChannelKey is the channel observers of an execution subscribe to.
func PublicChannelKey(executionID string) string {
	return fmt.Sprintf("load_test:%s:channel", executionID)
}

type workerStatusData struct {
	WorkerID int                `json:"worker_id"`
	Status   model.WorkerStatus `json:"status"`
}

// InternalEvent is a command or status update exchanged between the manager, the supervisor and the
// workers of one execution.
type InternalEvent struct {
	Type     InternalEventType
	WorkerID int
	Status   model.WorkerStatus
}

// InternalChannel carries commands and worker status updates. It is never exposed to observers.
type InternalChannel struct {
	channel *eventchannel.Channel
}

func NewInternalChannel(channel *eventchannel.Channel) *InternalChannel {
	return &InternalChannel{channel: channel}
}

func (c *InternalChannel) StopAll(ctx *fireflycontext.Context, executionID string) error {
	return c.publish(ctx, executionID, StopAllWorkers, nil)
}

func (c *InternalChannel) StopWorker(ctx *fireflycontext.Context, executionID string, workerID int) error {
	return c.publish(ctx, executionID, StopSpecificWorker, workerID)
}

func (c *InternalChannel) WorkerStatus(ctx *fireflycontext.Context, executionID string, workerID int, status model.WorkerStatus) error {
	return c.publish(ctx, executionID, WorkerStatusUpdate, workerStatusData{WorkerID: workerID, Status: status})
}

func (c *InternalChannel) StartTaskUpdates(ctx *fireflycontext.Context, executionID string) error {
	return c.publish(ctx, executionID, StartTaskUpdates, nil)
}

func (c *InternalChannel) publish(ctx *fireflycontext.Context, executionID string, eventType InternalEventType, data interface{}) error {
	return c.channel.Publish(ctx, internalChannelKey(executionID), internalChannelName, string(eventType), data)
}

// Listen calls fn for every event of the execution from the start of the channel until it is closed or ctx
// is cancelled. Events of unknown types are skipped.
func (c *InternalChannel) Listen(ctx *fireflycontext.Context, executionID string, fn func(InternalEvent) error) error {
	return c.channel.Listen(ctx, internalChannelKey(executionID), func(payload []byte) error {
		message, err := eventchannel.UnmarshalMessage(payload)
		if err != nil {
			return err
		}
		event := InternalEvent{Type: InternalEventType(message.Type)}
		switch event.Type {
		case StopSpecificWorker:
			if err := message.DecodeData(&event.WorkerID); err != nil {
				return err
			}
		case WorkerStatusUpdate:
			var data workerStatusData
			if err := message.DecodeData(&data); err != nil {
				return err
			}
			event.WorkerID = data.WorkerID
			event.Status = data.Status
		case StopAllWorkers, StartTaskUpdates:
		default:
			ctx.Debugf("Ignoring internal event of type %s", message.Type)
			return nil
		}
		return fn(event)
	})
}

func (c *InternalChannel) Close(ctx *fireflycontext.Context, executionID string) error {
	return c.channel.Close(ctx, internalChannelKey(executionID))
}

type executionUpdate struct {
	Status model.ExecutionStatus `json:"status"`
}

type executionMessage struct {
	LoadTestID string          `json:"load_test_id"`
	Update     executionUpdate `json:"update"`
}

type workerMessage struct {
	LoadTestID string             `json:"load_test_id"`
	WorkerID   int                `json:"worker_id"`
	Status     model.WorkerStatus `json:"status"`
}

type taskHistoryMessage struct {
	LoadTestID string                  `json:"load_test_id"`
	At         string                  `json:"now_string"`
	Data       model.TaskStatusHistory `json:"data"`
}

type chartMessage struct {
	LoadTestID string        `json:"load_test_id"`
	ChartName  string        `json:"chart_name"`
	Data       []interface{} `json:"data"`
}

// PublicChannel publishes the progress of an execution to observers.
type PublicChannel struct {
	channel *eventchannel.Channel
}

func NewPublicChannel(channel *eventchannel.Channel) *PublicChannel {
	return &PublicChannel{channel: channel}
}

func (c *PublicChannel) Execution(ctx *fireflycontext.Context, loadTestID, executionID string, status model.ExecutionStatus) error {
	return c.publish(ctx, executionID, publicExecutionEvent, executionMessage{
		LoadTestID: loadTestID,
		Update:     executionUpdate{Status: status},
	})
}

func (c *PublicChannel) Worker(ctx *fireflycontext.Context, loadTestID, executionID string, workerID int, status model.WorkerStatus) error {
	return c.publish(ctx, executionID, publicWorkerEvent, workerMessage{
		LoadTestID: loadTestID,
		WorkerID:   workerID,
		Status:     status,
	})
}

func (c *PublicChannel) TaskHistory(
	ctx *fireflycontext.Context,
	loadTestID, executionID, at string,
	snapshot model.TaskStatusHistory,
) error {
	return c.publish(ctx, executionID, publicTaskEvent, taskHistoryMessage{
		LoadTestID: loadTestID,
		At:         at,
		Data:       snapshot,
	})
}

func (c *PublicChannel) Chart(ctx *fireflycontext.Context, loadTestID, executionID, chartName string, data []interface{}) error {
	return c.publish(ctx, executionID, publicChartEvent, chartMessage{
		LoadTestID: loadTestID,
		ChartName:  chartName,
		Data:       data,
	})
}

func (c *PublicChannel) publish(ctx *fireflycontext.Context, executionID string, eventType string, data interface{}) error {
	return c.channel.Publish(ctx, PublicChannelKey(executionID), publicChannelName, eventType, data)
}

func (c *PublicChannel) Close(ctx *fireflycontext.Context, executionID string) error {
	return c.channel.Close(ctx, PublicChannelKey(executionID))
}
