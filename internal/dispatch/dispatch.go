// Package dispatch hands normalized webhook events to the conversational
// flow router. The webhook HTTP response never waits on any of this.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/sqs"
	"github.com/teguhsant/pasarwa/internal/webhook"
)

// SQSDispatcher forwards each event to the flow router's queue,
// once per event.
type SQSDispatcher struct {
	publisher *sqs.Publisher
	logger    *zap.Logger
}

// NewSQSDispatcher creates the queue-backed dispatcher.
func NewSQSDispatcher(publisher *sqs.Publisher, logger *zap.Logger) *SQSDispatcher {
	return &SQSDispatcher{publisher: publisher, logger: logger}
}

// Dispatch publishes one event.
func (d *SQSDispatcher) Dispatch(ctx context.Context, event webhook.Event) error {
	msgID, err := d.publisher.PublishEvent(ctx, event)
	if err != nil {
		return err
	}

	d.logger.Debug("event dispatched to flow router",
		zap.String("sqs_message_id", msgID),
	)
	return nil
}

// LogDispatcher is the fallback when no flow-router queue is configured:
// events are logged and dropped. Used in development.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates the logging dispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event.
func (d *LogDispatcher) Dispatch(ctx context.Context, event webhook.Event) error {
	switch {
	case event.Message != nil:
		d.logger.Info("inbound message",
			zap.String("from", event.Message.From),
			zap.String("message_id", event.Message.ID),
			zap.String("type", event.Message.Type),
		)
	case event.Status != nil:
		d.logger.Info("delivery status",
			zap.String("message_id", event.Status.MessageID),
			zap.String("status", event.Status.Status),
		)
	}
	return nil
}
