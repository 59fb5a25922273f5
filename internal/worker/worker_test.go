package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/breaker"
	"github.com/courierhq/courier/internal/clients"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/queue"
)

type fakeAudit struct {
	upserts   []db.DeliveryRecord
	delivered []string
	failed    map[string]string
	upsertErr error
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{failed: make(map[string]string)}
}

func (a *fakeAudit) UpsertPending(_ context.Context, rec *db.DeliveryRecord) error {
	if a.upsertErr != nil {
		return a.upsertErr
	}
	a.upserts = append(a.upserts, *rec)
	return nil
}

func (a *fakeAudit) MarkDelivered(_ context.Context, requestID, _, _, _ string) error {
	a.delivered = append(a.delivered, requestID)
	return nil
}

func (a *fakeAudit) MarkFailed(_ context.Context, requestID, errorMsg string) error {
	a.failed[requestID] = errorMsg
	return nil
}

type fakeUsers struct {
	profile *clients.UserProfile
	err     error
}

func (u *fakeUsers) Get(_ context.Context, _ string) (*clients.UserProfile, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.profile, nil
}

type fakeTemplates struct {
	rendered *clients.RenderedTemplate
	err      error
}

func (t *fakeTemplates) Render(_ context.Context, _, _ string, _ map[string]any) (*clients.RenderedTemplate, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.rendered, nil
}

type statusCall struct {
	requestID string
	status    string
	errorMsg  string
}

type fakeStatus struct {
	updates []statusCall
}

func (s *fakeStatus) Update(_ context.Context, requestID, status, errorMsg string) {
	s.updates = append(s.updates, statusCall{requestID, status, errorMsg})
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (l *fakeLimiter) CheckAndConsume(_ context.Context, _, _ string) (bool, error) {
	return l.allowed, l.err
}

type fakeBreaker struct {
	allow     bool
	successes int
	failures  int
	released  int
}

func (b *fakeBreaker) Allow() bool { return b.allow }

func (b *fakeBreaker) RecordSuccess() { b.successes++ }

func (b *fakeBreaker) RecordFailure() { b.failures++ }

func (b *fakeBreaker) ReleaseProbe() { b.released++ }

type fakeTracker struct {
	counts  map[string]int
	cleared []string
	err     error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{counts: make(map[string]int)}
}

func (t *fakeTracker) Bump(_ context.Context, requestID string) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	t.counts[requestID]++
	return t.counts[requestID], nil
}

func (t *fakeTracker) Clear(_ context.Context, requestID string) error {
	t.cleared = append(t.cleared, requestID)
	delete(t.counts, requestID)
	return nil
}

type sendCall struct {
	to, subject, body string
}

type fakeSender struct {
	calls []sendCall
	err   error
}

func (s *fakeSender) SendWithRetry(_ context.Context, to, subject, body string) error {
	s.calls = append(s.calls, sendCall{to, subject, body})
	return s.err
}

type dlqCall struct {
	original string
	errMsg   string
}

type fakeDLQ struct {
	routed []dlqCall
}

func (d *fakeDLQ) Route(_ context.Context, original json.RawMessage, errDescription string) {
	d.routed = append(d.routed, dlqCall{string(original), errDescription})
}

type harness struct {
	dispatcher *Dispatcher
	audit      *fakeAudit
	users      *fakeUsers
	templates  *fakeTemplates
	status     *fakeStatus
	limiter    *fakeLimiter
	breaker    *fakeBreaker
	tracker    *fakeTracker
	sender     *fakeSender
	dlq        *fakeDLQ
}

func boolPtr(b bool) *bool { return &b }

// newHarness wires a dispatcher whose default path is a successful
// delivery; tests flip individual collaborators to exercise failures.
func newHarness() *harness {
	h := &harness{
		audit:     newFakeAudit(),
		users:     &fakeUsers{profile: &clients.UserProfile{Email: "a@x.com", EmailNotifications: boolPtr(true)}},
		templates: &fakeTemplates{rendered: &clients.RenderedTemplate{Subject: "Hi A", Body: "Welcome, A!"}},
		status:    &fakeStatus{},
		limiter:   &fakeLimiter{allowed: true},
		breaker:   &fakeBreaker{allow: true},
		tracker:   newFakeTracker(),
		sender:    &fakeSender{},
		dlq:       &fakeDLQ{},
	}

	h.dispatcher = New(Deps{
		Audit:        h.audit,
		Users:        h.users,
		Templates:    h.templates,
		Status:       h.status,
		Limiter:      h.limiter,
		Breaker:      h.breaker,
		Redeliveries: h.tracker,
		Sender:       h.sender,
		DeadLetters:  h.dlq,
	}, Config{MaxRedeliveries: 3}, zap.NewNop())

	return h
}

func testDelivery() *queue.Delivery {
	body := []byte(`{"request_id":"r1","user_id":"u1","template_code":"welcome","variables":{"name":"A"}}`)
	d, err := queue.ParseDelivery(body, "tag-1")
	if err != nil {
		panic(err)
	}
	return d
}

func TestDispatcher_SuccessfulDelivery(t *testing.T) {
	h := newHarness()

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.sender.calls) != 1 {
		t.Fatalf("expected one send, got %d", len(h.sender.calls))
	}
	if call := h.sender.calls[0]; call.to != "a@x.com" || call.subject != "Hi A" {
		t.Errorf("unexpected send: %+v", call)
	}
	if len(h.audit.delivered) != 1 || h.audit.delivered[0] != "r1" {
		t.Errorf("expected r1 marked delivered, got %v", h.audit.delivered)
	}
	if len(h.status.updates) != 1 {
		t.Fatalf("expected exactly one status update, got %d", len(h.status.updates))
	}
	if u := h.status.updates[0]; u.requestID != "r1" || u.status != "delivered" {
		t.Errorf("unexpected status update: %+v", u)
	}
	if h.breaker.successes != 1 || h.breaker.failures != 0 {
		t.Errorf("breaker: expected 1 success 0 failures, got %d/%d", h.breaker.successes, h.breaker.failures)
	}
	if len(h.dlq.routed) != 0 {
		t.Error("successful delivery must not dead-letter")
	}
	if len(h.tracker.cleared) != 1 || h.tracker.cleared[0] != "r1" {
		t.Errorf("expected redelivery counter cleared, got %v", h.tracker.cleared)
	}
}

func TestDispatcher_RateLimited(t *testing.T) {
	h := newHarness()
	h.limiter.allowed = false

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.sender.calls) != 0 {
		t.Error("rate-limited message must not be sent")
	}
	if len(h.status.updates) != 1 || h.status.updates[0].status != "failed" {
		t.Fatalf("expected one failed status update, got %v", h.status.updates)
	}
	if len(h.dlq.routed) != 0 {
		t.Error("rate-limited message must not dead-letter")
	}
	if h.breaker.failures != 0 {
		t.Error("rate limiting must not count against the breaker")
	}
}

func TestDispatcher_BreakerOpen(t *testing.T) {
	h := newHarness()
	h.breaker.allow = false

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.sender.calls) != 0 {
		t.Error("message must not be sent while the breaker rejects")
	}
	if len(h.dlq.routed) != 0 {
		t.Error("breaker rejection must not dead-letter")
	}
	if h.status.updates[0].status != "failed" {
		t.Errorf("expected failed status, got %v", h.status.updates)
	}
}

func TestDispatcher_MissingFieldNeverRequeued(t *testing.T) {
	h := newHarness()

	body := []byte(`{"request_id":"r1","user_id":"u1","variables":{}}`) // no template_code
	d, _ := queue.ParseDelivery(body, "tag")

	outcome := h.dispatcher.Handle(context.Background(), d)

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.dlq.routed) != 0 {
		t.Error("validation failure must not dead-letter")
	}
	if _, ok := h.audit.failed["r1"]; !ok {
		t.Error("expected failed audit record")
	}
	if len(h.tracker.counts) != 0 {
		t.Error("permanent failure must not consume redelivery budget")
	}
}

func TestDispatcher_UserNotFound(t *testing.T) {
	h := newHarness()
	h.users.err = clients.ErrNotFound

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.dlq.routed) != 0 {
		t.Error("unknown user must not dead-letter")
	}
	if h.status.updates[0].status != "failed" {
		t.Errorf("expected failed status update, got %v", h.status.updates)
	}
}

func TestDispatcher_UserServiceTransportError(t *testing.T) {
	h := newHarness()
	h.users.err = errors.New("dial tcp: connection refused")

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	// A user lookup failure is not fixed by resending the message.
	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.tracker.counts) != 0 {
		t.Error("user lookup failure must not consume redelivery budget")
	}
}

func TestDispatcher_OptedOutUserNotDeadLettered(t *testing.T) {
	h := newHarness()
	h.users.profile = &clients.UserProfile{Email: "a@x.com", EmailNotifications: boolPtr(false)}

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.sender.calls) != 0 {
		t.Error("opted-out user must not receive mail")
	}
	if msg, ok := h.audit.failed["r1"]; !ok || msg == "" {
		t.Error("expected failed audit record with reason")
	}
	if len(h.status.updates) != 1 || h.status.updates[0].status != "failed" {
		t.Fatalf("expected one failed status update, got %v", h.status.updates)
	}
	if len(h.dlq.routed) != 0 {
		t.Error("opted-out user must never be dead-lettered")
	}
}

func TestDispatcher_MissingAddressIsDeadLettered(t *testing.T) {
	h := newHarness()
	h.users.profile = &clients.UserProfile{Email: "", EmailNotifications: boolPtr(true)}

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeDeadLetter {
		t.Fatalf("expected dead letter, got %s", outcome)
	}
	if len(h.dlq.routed) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(h.dlq.routed))
	}
	if h.dlq.routed[0].errMsg != "user has no email address" {
		t.Errorf("unexpected dead-letter error: %s", h.dlq.routed[0].errMsg)
	}
}

func TestDispatcher_RenderFailure(t *testing.T) {
	h := newHarness()
	h.templates.err = errors.New("template not found")

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if len(h.sender.calls) != 0 {
		t.Error("render failure must not reach the sender")
	}
	if len(h.dlq.routed) != 0 {
		t.Error("render failure must not dead-letter")
	}
}

func TestDispatcher_TransientSendFailureRequeues(t *testing.T) {
	h := newHarness()
	h.sender.err = errors.New("connection timeout")

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeRequeue {
		t.Fatalf("expected requeue, got %s", outcome)
	}
	if h.breaker.failures != 1 {
		t.Errorf("expected breaker failure recorded, got %d", h.breaker.failures)
	}
	// Not terminal yet: no audit finalization, no status update.
	if len(h.status.updates) != 0 {
		t.Errorf("requeue must not send status updates, got %v", h.status.updates)
	}
	if _, ok := h.audit.failed["r1"]; ok {
		t.Error("requeue must not mark the record failed")
	}
	if len(h.dlq.routed) != 0 {
		t.Error("requeue must not dead-letter")
	}
}

func TestDispatcher_ExhaustedRedeliveriesDeadLetter(t *testing.T) {
	h := newHarness()
	h.sender.err = errors.New("connection timeout")
	h.tracker.counts["r1"] = 2 // two prior failed deliveries

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeDeadLetter {
		t.Fatalf("expected dead letter, got %s", outcome)
	}
	if len(h.dlq.routed) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(h.dlq.routed))
	}
	if _, ok := h.audit.failed["r1"]; !ok {
		t.Error("expected failed audit record")
	}
	if len(h.status.updates) != 1 || h.status.updates[0].status != "failed" {
		t.Fatalf("expected one failed status update, got %v", h.status.updates)
	}
}

func TestDispatcher_TrackerOutageForcesTerminal(t *testing.T) {
	h := newHarness()
	h.sender.err = errors.New("connection timeout")
	h.tracker.err = errors.New("redis down")

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	// Without a working counter the bound cannot be enforced, so the
	// message must still terminate instead of looping forever.
	if outcome != OutcomeDeadLetter {
		t.Fatalf("expected dead letter, got %s", outcome)
	}
}

func TestDispatcher_AuditOutageIsTransient(t *testing.T) {
	h := newHarness()
	h.audit.upsertErr = errors.New("pg: connection refused")

	outcome := h.dispatcher.Handle(context.Background(), testDelivery())

	if outcome != OutcomeRequeue {
		t.Fatalf("expected requeue, got %s", outcome)
	}
	if len(h.sender.calls) != 0 {
		t.Error("audit outage must stop the pipeline before sending")
	}
}

func TestDispatcher_ReplayedRequestUpserts(t *testing.T) {
	h := newHarness()

	ctx := context.Background()
	h.dispatcher.Handle(ctx, testDelivery())
	h.dispatcher.Handle(ctx, testDelivery())

	if len(h.audit.upserts) != 2 {
		t.Fatalf("expected two upserts for the replayed id, got %d", len(h.audit.upserts))
	}
	for _, rec := range h.audit.upserts {
		if rec.RequestID != "r1" || rec.Status != db.StatusPending {
			t.Errorf("unexpected upsert: %+v", rec)
		}
	}
}

func TestDispatcher_NonSendExitReleasesAdmission(t *testing.T) {
	h := newHarness()

	body := []byte(`{"request_id":"r1","user_id":"u1","variables":{}}`) // no template_code
	d, _ := queue.ParseDelivery(body, "tag")

	h.dispatcher.Handle(context.Background(), d)

	if h.breaker.released != 1 {
		t.Fatalf("exit before the send stage must release the admission, got %d releases", h.breaker.released)
	}
	if h.breaker.successes != 0 || h.breaker.failures != 0 {
		t.Error("no send happened, so no breaker outcome may be recorded")
	}
}

func TestDispatcher_SendOutcomeDoesNotRelease(t *testing.T) {
	h := newHarness()

	h.dispatcher.Handle(context.Background(), testDelivery())

	if h.breaker.released != 0 {
		t.Fatalf("a resolved send must not also release, got %d releases", h.breaker.released)
	}

	h.sender.err = errors.New("connection timeout")
	h.dispatcher.Handle(context.Background(), testDelivery())

	if h.breaker.released != 0 {
		t.Fatalf("a failed send records an outcome, not a release, got %d releases", h.breaker.released)
	}
}

// A half-open probe consumed by a message that fails validation must not
// wedge the breaker: the next deliverable message gets the probe and can
// close the circuit.
func TestDispatcher_BreakerRecoversWhenProbeHitsValidationFailure(t *testing.T) {
	h := newHarness()
	real := breaker.New(breaker.Config{
		Name:             "mail-test",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	}, zap.NewNop())
	h.dispatcher.deps.Breaker = real

	ctx := context.Background()

	h.sender.err = errors.New("connection timeout")
	h.dispatcher.Handle(ctx, testDelivery())
	if real.State() != breaker.StateOpen {
		t.Fatalf("expected open after send failure, got %s", real.State())
	}

	time.Sleep(30 * time.Millisecond)

	// This message takes the recovery probe but never reaches the send.
	bad, _ := queue.ParseDelivery([]byte(`{"request_id":"r2","user_id":"u2","variables":{}}`), "tag-2")
	h.dispatcher.Handle(ctx, bad)
	if real.State() != breaker.StateHalfOpen {
		t.Fatalf("expected half-open after consumed probe, got %s", real.State())
	}

	h.sender.err = nil
	outcome := h.dispatcher.Handle(ctx, testDelivery())

	if outcome != OutcomeAcknowledge {
		t.Fatalf("expected acknowledge, got %s", outcome)
	}
	if real.State() != breaker.StateClosed {
		t.Fatalf("breaker must close on the successful probe, got %s", real.State())
	}
	if len(h.sender.calls) != 2 {
		t.Fatalf("expected 2 send attempts total, got %d", len(h.sender.calls))
	}
}

type fakeQueue struct {
	deliveries []*queue.Delivery
	acked      []string
	requeued   []string
	cancel     context.CancelFunc
}

func (q *fakeQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if len(q.deliveries) == 0 {
		q.cancel()
		return nil, ctx.Err()
	}
	d := q.deliveries[0]
	q.deliveries = q.deliveries[1:]
	return d, nil
}

func (q *fakeQueue) Ack(_ context.Context, handle string) error {
	q.acked = append(q.acked, handle)
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, handle string) error {
	q.requeued = append(q.requeued, handle)
	return nil
}

func TestDispatcher_RunAcksTerminalOutcomes(t *testing.T) {
	h := newHarness()

	ctx, cancel := context.WithCancel(context.Background())
	q := &fakeQueue{deliveries: []*queue.Delivery{testDelivery()}, cancel: cancel}

	h.dispatcher.Run(ctx, q)

	if len(q.acked) != 1 || q.acked[0] != "tag-1" {
		t.Fatalf("expected ack of tag-1, got %v", q.acked)
	}
	if len(q.requeued) != 0 {
		t.Fatalf("expected no requeues, got %v", q.requeued)
	}
}

func TestDispatcher_RunRequeuesTransientFailures(t *testing.T) {
	h := newHarness()
	h.sender.err = errors.New("connection timeout")

	ctx, cancel := context.WithCancel(context.Background())
	q := &fakeQueue{deliveries: []*queue.Delivery{testDelivery()}, cancel: cancel}

	h.dispatcher.Run(ctx, q)

	if len(q.requeued) != 1 || q.requeued[0] != "tag-1" {
		t.Fatalf("expected requeue of tag-1, got %v", q.requeued)
	}
	if len(q.acked) != 0 {
		t.Fatalf("expected no acks, got %v", q.acked)
	}
}
