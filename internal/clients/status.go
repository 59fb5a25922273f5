package clients

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Status reports terminal delivery dispositions back to the gateway.
// Updates are best-effort: a delivery outcome is already decided by the
// time this is called, so failures are logged and swallowed.
type Status struct {
	client  *serviceClient
	baseURL string
	logger  *zap.Logger
}

// NewStatus creates a status update client.
func NewStatus(baseURL string, cfg Config, logger *zap.Logger) *Status {
	return &Status{
		client:  newServiceClient(cfg, logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

type statusUpdate struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Update posts the final status for a request id.
func (s *Status) Update(ctx context.Context, requestID, status, errorMsg string) {
	url := fmt.Sprintf("%s/api/v1/internal/email/status", s.baseURL)

	err := s.client.do(ctx, "POST", url, statusUpdate{
		NotificationID: requestID,
		Status:         status,
		Error:          errorMsg,
	}, nil)
	if err != nil {
		s.logger.Warn("status update failed",
			zap.String("request_id", requestID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
