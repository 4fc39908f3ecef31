package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/ids"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	"github.com/fly-cli/flybridge/internal/runtime/metadata"
)

// ProgressTopic is the bus topic carrying progress events from handlers to
// the transport forwarder.
const ProgressTopic = "fly.progress"

// ProgressEvent is one progress beat reported by a running operation.
type ProgressEvent struct {
	RequestID  string            `json:"requestId"`
	Operation  string            `json:"operation"`
	Message    string            `json:"message,omitempty"`
	Percent    float64           `json:"percent,omitempty"`
	Step       int               `json:"step,omitempty"`
	TotalSteps int               `json:"totalSteps,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	At         time.Time         `json:"at"`
}

// Emitter delivers progress events for in-flight requests.
type Emitter interface {
	Emit(ctx context.Context, event ProgressEvent) error
}

// NopEmitter discards every event. Used for invocations nobody is tracking.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, ProgressEvent) error { return nil }

// NewProgressMessage converts the event into a Watermill message carrying the
// standard correlation metadata.
func NewProgressMessage(event ProgressEvent, md metadata.Metadata) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress event: %w", err)
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	return msg, nil
}

// PublishProgress marshals the event and publishes it to the provided topic.
func PublishProgress(ctx context.Context, publisher message.Publisher, topic string, event ProgressEvent, md metadata.Metadata) error {
	if publisher == nil {
		return rterrors.ErrPublisherRequired
	}
	if topic == "" {
		return rterrors.ErrTopicRequired
	}

	msg, err := NewProgressMessage(event, md)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// BusEmitter publishes progress events onto a Watermill topic. The server
// subscribes to the same topic and forwards each event to the client as a
// notification.
type BusEmitter struct {
	publisher message.Publisher
	topic     string
}

// NewBusEmitter returns an emitter publishing to topic, defaulting to
// ProgressTopic when topic is empty.
func NewBusEmitter(publisher message.Publisher, topic string) *BusEmitter {
	if topic == "" {
		topic = ProgressTopic
	}
	return &BusEmitter{publisher: publisher, topic: topic}
}

func (e *BusEmitter) Emit(ctx context.Context, event ProgressEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	md := metadata.New(
		metadata.KeyRequestID, event.RequestID,
		metadata.KeyOperation, event.Operation,
		metadata.KeyEmittedAt, event.At.Format(time.RFC3339Nano),
	)
	if correlation, ok := event.Meta[metadata.KeyCorrelationID]; ok {
		md = md.With(metadata.KeyCorrelationID, correlation)
	}

	return PublishProgress(ctx, e.publisher, e.topic, event, md)
}

// boundEmitter stamps the owning request onto every event before delegating,
// so a handler cannot report progress for another request.
type boundEmitter struct {
	inner         Emitter
	requestID     string
	operation     string
	correlationID string
}

// BindEmitter wraps inner so every emitted event carries the given request
// identity regardless of what the handler filled in.
func BindEmitter(inner Emitter, requestID, operation, correlationID string) Emitter {
	if inner == nil {
		inner = NopEmitter{}
	}
	return &boundEmitter{
		inner:         inner,
		requestID:     requestID,
		operation:     operation,
		correlationID: correlationID,
	}
}

func (e *boundEmitter) Emit(ctx context.Context, event ProgressEvent) error {
	event.RequestID = e.requestID
	event.Operation = e.operation
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if e.correlationID != "" {
		meta := make(map[string]string, len(event.Meta)+1)
		for k, v := range event.Meta {
			meta[k] = v
		}
		meta[metadata.KeyCorrelationID] = e.correlationID
		event.Meta = meta
	}
	return e.inner.Emit(ctx, event)
}
