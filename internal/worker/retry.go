package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/metrics"
)

// Mailer performs exactly one network send.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SupervisorConfig bounds the retry loop around a single send.
type SupervisorConfig struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // first backoff delay, doubles per attempt; default 1s
}

// SendSupervisor retries a send with exponential backoff. The backoff
// sleeps run in the calling goroutine, so they delay only the in-flight
// message, never the intake of other workers.
type SendSupervisor struct {
	mailer Mailer
	config SupervisorConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSendSupervisor wraps a mailer with bounded retries.
func NewSendSupervisor(mailer Mailer, cfg SupervisorConfig, logger *zap.Logger) *SendSupervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &SendSupervisor{
		mailer: mailer,
		config: cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// SendWithRetry attempts the send up to MaxAttempts times, sleeping
// 1, 2, 4, ... base units between attempts, and returns the last
// observed error after exhaustion.
func (s *SendSupervisor) SendWithRetry(ctx context.Context, to, subject, body string) error {
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		lastErr = s.mailer.Send(ctx, to, subject, body)
		if lastErr == nil {
			metrics.RecordSendAttempt("success")
			return nil
		}
		metrics.RecordSendAttempt("failure")

		if attempt == s.config.MaxAttempts {
			break
		}

		delay := s.backoff(attempt)
		s.logger.Info("send attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// backoff returns the delay after the given attempt number: base,
// 2*base, 4*base, ...
func (s *SendSupervisor) backoff(attempt int) time.Duration {
	return s.config.BaseDelay << (attempt - 1)
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
