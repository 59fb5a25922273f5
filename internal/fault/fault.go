// Package fault classifies dispatch failures so the worker can decide
// between acknowledging, requeueing, and dead-lettering without
// inspecting error message text.
package fault

import (
	"errors"
	"fmt"
)

// Reason names the pipeline stage or policy that produced a failure.
type Reason string

const (
	ReasonRateLimited    Reason = "rate_limited"
	ReasonUnavailable    Reason = "unavailable"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonUserNotFound   Reason = "user_not_found"
	ReasonOptedOut       Reason = "opted_out"
	ReasonNoRecipient    Reason = "no_recipient"
	ReasonRenderFailed   Reason = "render_failed"
	ReasonSendFailed     Reason = "send_failed"
	ReasonAuditFailed    Reason = "audit_failed"
	ReasonUnknown        Reason = "unknown"
)

// Fault is a classified dispatch error. Permanent faults are terminal for
// the message; transient faults are eligible for bounded redelivery.
type Fault struct {
	Reason    Reason
	Permanent bool
	Message   string
	Cause     error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		if f.Message != "" {
			return fmt.Sprintf("%s: %v", f.Message, f.Cause)
		}
		return f.Cause.Error()
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// Permanent builds a terminal fault that must never be retried by resend.
func Permanent(reason Reason, message string) error {
	return &Fault{Reason: reason, Permanent: true, Message: message}
}

// Transient builds a retryable fault wrapping the underlying cause.
func Transient(reason Reason, cause error) error {
	return &Fault{Reason: reason, Permanent: false, Cause: cause}
}

// IsPermanent reports whether err is a classified permanent fault.
// Unclassified errors default to transient so they stay bounded by the
// redelivery limit instead of being dropped.
func IsPermanent(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Permanent
	}
	return false
}

// ReasonOf extracts the failure reason, or ReasonUnknown for
// unclassified errors.
func ReasonOf(err error) Reason {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonUnknown
}
