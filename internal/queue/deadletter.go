package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/metrics"
)

const serviceName = "email_service"

// Envelope wraps a terminally failed message for offline inspection.
type Envelope struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	FailedAt        string          `json:"failed_at"`
	Service         string          `json:"service"`
}

// publisher is the slice of the SQS API the router uses.
type publisher interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetterRouter publishes classified terminal failures to the durable
// failed queue. This is the application-level path; broker-level
// dead-lettering on the primary queue remains as a backstop.
type DeadLetterRouter struct {
	client   publisher
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeadLetterRouter creates a router targeting the failed queue.
func NewDeadLetterRouter(ctx context.Context, cfg Config, logger *zap.Logger) (*DeadLetterRouter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}

	return &DeadLetterRouter{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.FailedQueueURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Route publishes the dead-letter envelope. Publish failures are logged
// and swallowed: routing must never block acknowledgment of the
// original message.
func (r *DeadLetterRouter) Route(ctx context.Context, original json.RawMessage, errDescription string) {
	envelope := Envelope{
		OriginalMessage: original,
		Error:           errDescription,
		FailedAt:        r.now().UTC().Format(time.RFC3339),
		Service:         serviceName,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("failed to marshal dead-letter envelope", zap.Error(err))
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := r.client.SendMessage(ctx, input); err != nil {
		r.logger.Error("failed to publish dead letter",
			zap.Error(err),
			zap.String("reason", errDescription),
		)
		return
	}

	metrics.RecordDeadLetter()
	r.logger.Info("message routed to dead-letter queue",
		zap.String("reason", errDescription),
	)
}
