// Package sqs hands normalized inbound events to the conversational flow
// router's queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/webhook"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Envelope is the message shape the flow router consumes.
type Envelope struct {
	Event      webhook.Event `json:"event"`
	ReceivedAt int64         `json:"received_at"`
}

// Publisher sends inbound events to the flow-router queue.
type Publisher struct {
	client   *awssqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates an SQS publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg)

	logger.Info("sqs publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishEvent forwards one normalized event. Returns the SQS message ID.
func (p *Publisher) PublishEvent(ctx context.Context, event webhook.Event) (string, error) {
	body, err := json.Marshal(Envelope{
		Event:      event,
		ReceivedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}
