// Package queue is the transport layer: it receives dispatch requests
// from the primary SQS queue one at a time and publishes terminally
// failed messages to the failed queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds queue settings.
type Config struct {
	Region         string
	QueueURL       string
	FailedQueueURL string
}

// DispatchRequest is the inbound message schema.
type DispatchRequest struct {
	RequestID    string         `json:"request_id,omitempty"`
	UserID       string         `json:"user_id"`
	TemplateCode string         `json:"template_code"`
	Variables    map[string]any `json:"variables"`
	Language     string         `json:"language,omitempty"`
	Category     string         `json:"notification_type,omitempty"`
}

// Delivery is one received message: the parsed request, the raw body
// (preserved for the dead-letter envelope), and the transport handle
// used for acknowledgment.
type Delivery struct {
	Request DispatchRequest
	Body    json.RawMessage
	Handle  string
}

// ParseDelivery decodes a queue message body and applies schema
// defaults: a generated request id when absent, language "en", and
// category "email".
func ParseDelivery(body []byte, handle string) (*Delivery, error) {
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if req.Category == "" {
		req.Category = "email"
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)

	return &Delivery{
		Request: req,
		Body:    raw,
		Handle:  handle,
	}, nil
}

// receiver is the slice of the SQS API the consumer uses.
type receiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Consumer reads dispatch requests from the primary queue. It requests
// at most one message per receive, so a worker never holds more than one
// unacknowledged delivery (prefetch = 1).
type Consumer struct {
	client   receiver
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a queue consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("queue consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive retrieves one message with long polling. Returns (nil, nil)
// when the wait times out with no message.
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("queue receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]

	delivery, err := ParseDelivery([]byte(aws.ToString(msg.Body)), aws.ToString(msg.ReceiptHandle))
	if err != nil {
		// An unparseable body can never succeed; leaving it invisible
		// would only redeliver it forever, so drop it here.
		c.logger.Error("failed to parse queue message, dropping", zap.Error(err))
		if ackErr := c.Ack(ctx, aws.ToString(msg.ReceiptHandle)); ackErr != nil {
			c.logger.Error("failed to drop malformed message", zap.Error(ackErr))
		}
		return nil, nil
	}

	return delivery, nil
}

// Ack removes a message from the queue after terminal processing.
func (c *Consumer) Ack(ctx context.Context, handle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("queue ack failed: %w", err)
	}

	return nil
}

// Requeue makes a message immediately visible again for redelivery
// (negative acknowledgment).
func (c *Consumer) Requeue(ctx context.Context, handle string) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("queue requeue failed: %w", err)
	}

	return nil
}
