// Package worker contains the dispatch pipeline: the per-message state
// machine that takes one queued request through rate limiting,
// availability checks, validation, personalization, and supervised
// sending, and decides its terminal disposition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/clients"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/fault"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
)

// Outcome is the worker's decision for one delivery.
type Outcome int

const (
	// OutcomeAcknowledge removes the message: processing reached a
	// terminal state (delivered or terminally failed).
	OutcomeAcknowledge Outcome = iota
	// OutcomeRequeue returns the message for another delivery attempt.
	OutcomeRequeue
	// OutcomeDeadLetter acknowledges the message after routing it to
	// the failed queue.
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledge:
		return "acknowledge"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// AuditStore persists delivery records.
type AuditStore interface {
	UpsertPending(ctx context.Context, rec *db.DeliveryRecord) error
	MarkDelivered(ctx context.Context, requestID, recipient, subject, body string) error
	MarkFailed(ctx context.Context, requestID, errorMsg string) error
}

// UserDirectory resolves user profiles.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (*clients.UserProfile, error)
}

// TemplateRenderer renders message content.
type TemplateRenderer interface {
	Render(ctx context.Context, code, language string, variables map[string]any) (*clients.RenderedTemplate, error)
}

// StatusNotifier reports terminal dispositions (best-effort).
type StatusNotifier interface {
	Update(ctx context.Context, requestID, status, errorMsg string)
}

// Limiter enforces the per-user, per-category budget.
type Limiter interface {
	CheckAndConsume(ctx context.Context, userID, category string) (bool, error)
}

// Breaker guards the mail-sending dependency. Every admitted call must
// be resolved: RecordSuccess or RecordFailure after the dependency was
// exercised, ReleaseProbe when the caller exited before reaching it.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	ReleaseProbe()
}

// Redeliveries tracks failed delivery attempts per request id.
type Redeliveries interface {
	Bump(ctx context.Context, requestID string) (int, error)
	Clear(ctx context.Context, requestID string) error
}

// Sender performs the supervised send.
type Sender interface {
	SendWithRetry(ctx context.Context, to, subject, body string) error
}

// DeadLetterSink routes terminal failures to the failed queue.
type DeadLetterSink interface {
	Route(ctx context.Context, original json.RawMessage, errDescription string)
}

// EventPublisher fans out terminal delivery events (optional).
type EventPublisher interface {
	PublishDelivery(ctx context.Context, requestID, userID, status, errorMsg string) error
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Audit        AuditStore
	Users        UserDirectory
	Templates    TemplateRenderer
	Status       StatusNotifier
	Limiter      Limiter
	Breaker      Breaker
	Redeliveries Redeliveries
	Sender       Sender
	DeadLetters  DeadLetterSink
	Events       EventPublisher // nil disables fanout
}

// Config holds dispatch policy knobs.
type Config struct {
	MaxRedeliveries int
}

// Dispatcher drives one message at a time through the pipeline.
type Dispatcher struct {
	deps   Deps
	config Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 3
	}
	return &Dispatcher{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
}

// Handle processes one delivery and returns its disposition. Every path
// terminates: permanent failures and exhausted transients acknowledge,
// transients below the redelivery bound requeue.
func (d *Dispatcher) Handle(ctx context.Context, delivery *queue.Delivery) Outcome {
	start := time.Now()
	metrics.RecordMessageConsumed()

	req := delivery.Request
	d.logger.Info("processing dispatch request",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("template_code", req.TemplateCode),
	)

	err := d.process(ctx, delivery)
	outcome := d.conclude(ctx, delivery, err)

	metrics.RecordOutcome(outcome.String(), string(fault.ReasonOf(err)))
	metrics.ObserveProcessing(time.Since(start).Seconds())

	return outcome
}

// process runs the pipeline stages. A nil return means the mail was
// delivered and all success bookkeeping is done.
func (d *Dispatcher) process(ctx context.Context, delivery *queue.Delivery) error {
	req := delivery.Request

	// Rate check: rejection is permanent for this message instance.
	allowed, err := d.deps.Limiter.CheckAndConsume(ctx, req.UserID, req.Category)
	if err != nil {
		return fault.Transient(fault.ReasonRateLimited, err)
	}
	if !allowed {
		metrics.RecordRateLimitRejection(req.Category)
		return fault.Permanent(fault.ReasonRateLimited, "rate limit exceeded for user")
	}

	// Availability check. The admission may be the single half-open
	// probe; if this message terminates before the send stage the probe
	// must be handed back, or the breaker would wait on it forever.
	if !d.deps.Breaker.Allow() {
		return fault.Permanent(fault.ReasonUnavailable, "mail service unavailable")
	}
	sendReached := false
	defer func() {
		if !sendReached {
			d.deps.Breaker.ReleaseProbe()
		}
	}()

	// Field validation.
	if req.UserID == "" {
		return fault.Permanent(fault.ReasonInvalidRequest, "missing required field: user_id")
	}
	if req.TemplateCode == "" {
		return fault.Permanent(fault.ReasonInvalidRequest, "missing required field: template_code")
	}
	if req.Variables == nil {
		return fault.Permanent(fault.ReasonInvalidRequest, "missing required field: variables")
	}

	// Audit record: a duplicate request id is a redelivery, so the
	// create is an upsert, never a uniqueness failure.
	rec := &db.DeliveryRecord{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		TemplateCode: req.TemplateCode,
		Status:       db.StatusPending,
	}
	if err := d.deps.Audit.UpsertPending(ctx, rec); err != nil {
		return fault.Transient(fault.ReasonAuditFailed, err)
	}

	// User resolution: an unknown user cannot be fixed by resending.
	profile, err := d.deps.Users.Get(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return fault.Permanent(fault.ReasonUserNotFound, "user not found")
		}
		return &fault.Fault{
			Reason:    fault.ReasonUserNotFound,
			Permanent: true,
			Message:   "failed to get user data",
			Cause:     err,
		}
	}

	// Preference check: intentional non-delivery, not an error.
	if !profile.NotificationsEnabled() {
		return fault.Permanent(fault.ReasonOptedOut, "user disabled email notifications")
	}

	// Recipient resolution.
	if profile.Email == "" {
		return fault.Permanent(fault.ReasonNoRecipient, "user has no email address")
	}

	// Template render.
	rendered, err := d.deps.Templates.Render(ctx, req.TemplateCode, req.Language, req.Variables)
	if err != nil {
		return &fault.Fault{
			Reason:    fault.ReasonRenderFailed,
			Permanent: true,
			Message:   "failed to render email template",
			Cause:     err,
		}
	}

	// Supervised send; the breaker observes only this dependency.
	sendReached = true
	if err := d.deps.Sender.SendWithRetry(ctx, profile.Email, rendered.Subject, rendered.Body); err != nil {
		d.deps.Breaker.RecordFailure()
		return fault.Transient(fault.ReasonSendFailed, err)
	}
	d.deps.Breaker.RecordSuccess()

	d.finalizeSuccess(ctx, req, profile.Email, rendered)
	return nil
}

// conclude maps a pipeline result onto a transport outcome.
func (d *Dispatcher) conclude(ctx context.Context, delivery *queue.Delivery, err error) Outcome {
	if err == nil {
		return OutcomeAcknowledge
	}

	req := delivery.Request

	if fault.IsPermanent(err) {
		d.finalizeFailure(ctx, req, err)
		if deadLetterReason(fault.ReasonOf(err)) {
			d.deps.DeadLetters.Route(ctx, delivery.Body, err.Error())
			return OutcomeDeadLetter
		}
		return OutcomeAcknowledge
	}

	// Transient (including unclassified): bounded redelivery.
	attempts, terr := d.deps.Redeliveries.Bump(ctx, req.RequestID)
	if terr != nil {
		// Counter store unreachable: treat the bound as spent so the
		// message still reaches a terminal disposition.
		d.logger.Error("redelivery tracker unavailable, forcing terminal failure",
			zap.String("request_id", req.RequestID),
			zap.Error(terr),
		)
		attempts = d.config.MaxRedeliveries
	}

	if attempts < d.config.MaxRedeliveries {
		d.logger.Warn("transient failure, requeueing",
			zap.String("request_id", req.RequestID),
			zap.Int("attempt", attempts),
			zap.Int("max_redeliveries", d.config.MaxRedeliveries),
			zap.Error(err),
		)
		return OutcomeRequeue
	}

	d.logger.Error("redelivery bound exhausted, dead-lettering",
		zap.String("request_id", req.RequestID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	d.finalizeFailure(ctx, req, err)
	d.deps.DeadLetters.Route(ctx, delivery.Body, err.Error())
	return OutcomeDeadLetter
}

// deadLetterReason decides which permanent failures get an
// application-level dead letter. Opted-out users are intentional
// non-deliveries and never dead-letter; a missing address means the
// message can never be delivered as addressed and goes to the failed
// queue for inspection.
func deadLetterReason(reason fault.Reason) bool {
	return reason == fault.ReasonNoRecipient
}

func (d *Dispatcher) finalizeSuccess(ctx context.Context, req queue.DispatchRequest, recipient string, rendered *clients.RenderedTemplate) {
	if err := d.deps.Audit.MarkDelivered(ctx, req.RequestID, recipient, rendered.Subject, rendered.Body); err != nil {
		// The mail went out; resending to fix the audit trail would
		// duplicate delivery, so log and proceed to acknowledge.
		d.logger.Error("failed to mark delivery record delivered",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}

	d.deps.Status.Update(ctx, req.RequestID, db.StatusDelivered, "")
	d.publishEvent(ctx, req, db.StatusDelivered, "")

	if err := d.deps.Redeliveries.Clear(ctx, req.RequestID); err != nil {
		d.logger.Warn("failed to clear redelivery counter",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}

	d.logger.Info("email delivered",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
	)
}

// finalizeFailure performs the one-time terminal bookkeeping: audit
// update, status notification, event fanout.
func (d *Dispatcher) finalizeFailure(ctx context.Context, req queue.DispatchRequest, failure error) {
	msg := failure.Error()

	if err := d.deps.Audit.MarkFailed(ctx, req.RequestID, msg); err != nil {
		d.logger.Error("failed to mark delivery record failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}

	d.deps.Status.Update(ctx, req.RequestID, db.StatusFailed, msg)
	d.publishEvent(ctx, req, db.StatusFailed, msg)

	d.logger.Error("dispatch failed",
		zap.String("request_id", req.RequestID),
		zap.String("reason", string(fault.ReasonOf(failure))),
		zap.String("error", msg),
	)
}

func (d *Dispatcher) publishEvent(ctx context.Context, req queue.DispatchRequest, status, errorMsg string) {
	if d.deps.Events == nil {
		return
	}
	if err := d.deps.Events.PublishDelivery(ctx, req.RequestID, req.UserID, status, errorMsg); err != nil {
		d.logger.Warn("failed to publish delivery event",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

// Queue is the transport surface the run loop needs.
type Queue interface {
	Receive(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, handle string) error
	Requeue(ctx context.Context, handle string) error
}

// Run consumes messages until the context is cancelled. One message is
// in flight at a time; the next receive does not happen until the
// current delivery is acknowledged or requeued.
func (d *Dispatcher) Run(ctx context.Context, q Queue) {
	d.logger.Info("dispatch worker started")

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatch worker stopping")
			return
		}

		delivery, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("dispatch worker stopping")
				return
			}
			d.logger.Error("queue receive failed", zap.Error(err))
			if serr := sleepContext(ctx, time.Second); serr != nil {
				return
			}
			continue
		}
		if delivery == nil {
			continue
		}

		outcome := d.Handle(ctx, delivery)

		switch outcome {
		case OutcomeRequeue:
			if err := q.Requeue(ctx, delivery.Handle); err != nil {
				d.logger.Error("failed to requeue message",
					zap.String("request_id", delivery.Request.RequestID),
					zap.Error(err),
				)
			}
		default:
			// Acknowledge and DeadLetter both remove the message; the
			// dead-letter copy is already published.
			if err := q.Ack(ctx, delivery.Handle); err != nil {
				d.logger.Error("failed to acknowledge message",
					zap.String("request_id", delivery.Request.RequestID),
					zap.Error(err),
				)
			}
		}
	}
}
