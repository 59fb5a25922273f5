// Package events publishes terminal delivery dispositions to an SNS
// topic for downstream subscribers (analytics, audit mirrors). The
// fanout is best-effort and optional; the status collaborator remains
// the authoritative report path.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// DeliveryEvent describes one terminal disposition.
type DeliveryEvent struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Publisher sends delivery events to an SNS topic.
type Publisher struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates a publisher for the given topic.
func NewPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// PublishDelivery publishes one terminal delivery event.
func (p *Publisher) PublishDelivery(ctx context.Context, requestID, userID, status, errorMsg string) error {
	payload, err := json.Marshal(DeliveryEvent{
		RequestID: requestID,
		UserID:    userID,
		Status:    status,
		Error:     errorMsg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(status),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish delivery event: %w", err)
	}

	return nil
}
