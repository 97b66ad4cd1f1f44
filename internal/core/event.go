package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a security event.
type EventType string

const (
	EventRateLimit          EventType = "rate_limit"
	EventBruteForce         EventType = "brute_force"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventBlockedIP          EventType = "blocked_ip"
	EventValidationError    EventType = "validation_error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventRateLimit, EventBruteForce, EventSuspiciousActivity, EventBlockedIP, EventValidationError:
		return true
	}
	return false
}

// Severity represents the severity level of a security event.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityLow
	}
	return nil
}

// SecurityEvent is an immutable record of a mitigation decision or detected
// anomaly. It is never mutated after the recorder assigns its ID and timestamp.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	IP        string                 `json:"ip"`
	Endpoint  string                 `json:"endpoint"`
	Method    string                 `json:"method"`
	UserID    string                 `json:"user_id,omitempty"`
	CompanyID string                 `json:"company_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Blocked   bool                   `json:"blocked"`
}

// NewSecurityEvent creates a SecurityEvent with a generated ID and current timestamp.
func NewSecurityEvent(eventType EventType, severity Severity, ip, endpoint, method string) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Severity:  severity,
		IP:        ip,
		Endpoint:  endpoint,
		Method:    method,
		Timestamp: time.Now().UTC(),
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
