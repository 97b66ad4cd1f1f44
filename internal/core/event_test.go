package core

import (
	"encoding/json"
	"testing"
)

func TestNewSecurityEvent(t *testing.T) {
	event := NewSecurityEvent(EventRateLimit, SeverityMedium, "10.0.0.1", "/api/login", "POST")

	if event.ID == "" {
		t.Error("event should have a generated ID")
	}
	if event.Timestamp.IsZero() {
		t.Error("event should have a timestamp")
	}
	if event.Type != EventRateLimit {
		t.Errorf("Type = %q, want %q", event.Type, EventRateLimit)
	}
	if event.IP != "10.0.0.1" || event.Endpoint != "/api/login" || event.Method != "POST" {
		t.Errorf("request fields not set: %+v", event)
	}
	if event.Details == nil {
		t.Error("Details map should be initialized")
	}
	if event.Blocked {
		t.Error("new event should not be marked blocked")
	}
}

func TestSecurityEvent_MarshalRoundTrip(t *testing.T) {
	event := NewSecurityEvent(EventBruteForce, SeverityHigh, "10.0.0.2", "/api/login", "POST")
	event.UserID = "user-1"
	event.Details["attempts"] = 7
	event.Blocked = true

	data, err := event.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	decoded, err := UnmarshalSecurityEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalSecurityEvent() error: %v", err)
	}

	if decoded.ID != event.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, event.ID)
	}
	if decoded.Type != EventBruteForce || decoded.Severity != SeverityHigh {
		t.Errorf("type/severity = %v/%v, want brute_force/HIGH", decoded.Type, decoded.Severity)
	}
	if decoded.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", decoded.UserID)
	}
	if !decoded.Blocked {
		t.Error("Blocked flag lost in round trip")
	}
}

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityLow, "LOW"},
		{SeverityMedium, "MEDIUM"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(SeverityCritical)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != `"CRITICAL"` {
		t.Errorf("marshaled severity = %s, want \"CRITICAL\"", data)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"HIGH"`), &s); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if s != SeverityHigh {
		t.Errorf("unmarshaled severity = %v, want HIGH", s)
	}
}

func TestEventType_Valid(t *testing.T) {
	for _, valid := range []EventType{EventRateLimit, EventBruteForce, EventSuspiciousActivity, EventBlockedIP, EventValidationError} {
		if !valid.Valid() {
			t.Errorf("%q should be valid", valid)
		}
	}
	if EventType("ddos").Valid() {
		t.Error("unknown type should not be valid")
	}
}
