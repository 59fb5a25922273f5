package events

import (
	"encoding/json"
	"testing"
)

func TestDeliveryEvent_Marshal(t *testing.T) {
	evt := DeliveryEvent{
		RequestID: "r1",
		UserID:    "u1",
		Status:    "failed",
		Error:     "user has no email address",
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var decoded DeliveryEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}

	if decoded.RequestID != evt.RequestID {
		t.Errorf("RequestID mismatch: got %s, want %s", decoded.RequestID, evt.RequestID)
	}
	if decoded.Status != evt.Status {
		t.Errorf("Status mismatch: got %s, want %s", decoded.Status, evt.Status)
	}
}

func TestDeliveryEvent_OmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(DeliveryEvent{RequestID: "r1", UserID: "u1", Status: "delivered"})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Error("error field should be omitted when empty")
	}
}
