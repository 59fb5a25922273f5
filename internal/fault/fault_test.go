package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestPermanent_Classification(t *testing.T) {
	err := Permanent(ReasonOptedOut, "user disabled email notifications")
	if !IsPermanent(err) {
		t.Fatal("expected permanent")
	}
	if ReasonOf(err) != ReasonOptedOut {
		t.Fatalf("expected reason %s, got %s", ReasonOptedOut, ReasonOf(err))
	}
	if err.Error() != "user disabled email notifications" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestTransient_WrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Transient(ReasonSendFailed, cause)

	if IsPermanent(err) {
		t.Fatal("transient fault classified as permanent")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrappable")
	}
	if ReasonOf(err) != ReasonSendFailed {
		t.Fatalf("expected reason %s, got %s", ReasonSendFailed, ReasonOf(err))
	}
}

func TestUnclassifiedError_DefaultsToTransient(t *testing.T) {
	err := errors.New("something unexpected")
	if IsPermanent(err) {
		t.Fatal("unclassified error must not be permanent")
	}
	if ReasonOf(err) != ReasonUnknown {
		t.Fatalf("expected %s, got %s", ReasonUnknown, ReasonOf(err))
	}
}

func TestFault_SurvivesWrapping(t *testing.T) {
	inner := Permanent(ReasonNoRecipient, "user has no email address")
	wrapped := fmt.Errorf("stage recipient: %w", inner)

	if !IsPermanent(wrapped) {
		t.Fatal("wrapped permanent fault lost classification")
	}
	if ReasonOf(wrapped) != ReasonNoRecipient {
		t.Fatalf("expected %s, got %s", ReasonNoRecipient, ReasonOf(wrapped))
	}
}
