// Package alarm defines the inbound alarm event model and its validation.
package alarm

import (
	"fmt"
	"strings"
	"time"
)

// State is the alarm state reported by the monitoring source.
type State string

const (
	StateOK               State = "OK"
	StateAlarm            State = "ALARM"
	StateInsufficientData State = "INSUFFICIENT_DATA"
)

// Valid reports whether s is one of the known alarm states.
func (s State) Valid() bool {
	switch s {
	case StateOK, StateAlarm, StateInsufficientData:
		return true
	}
	return false
}

// Event is a single alarm state-change notification.
type Event struct {
	EventID    string    `json:"event_id"`
	MetricName string    `json:"metric_name"`
	Namespace  string    `json:"namespace"`
	ResourceID string    `json:"resource_id"`
	Value      float64   `json:"value"`
	State      State     `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
	AccountID  string    `json:"account_id"`
	Region     string    `json:"region"`
	AlarmName  string    `json:"alarm_name,omitempty"`
}

// ValidationError reports a malformed event. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alarm event: %s %s", e.Field, e.Reason)
}

// Validate checks that every required field is present.
func (e *Event) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"event_id", e.EventID},
		{"metric_name", e.MetricName},
		{"namespace", e.Namespace},
		{"resource_id", e.ResourceID},
		{"account_id", e.AccountID},
		{"region", e.Region},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if !e.State.Valid() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("%q is not one of OK, ALARM, INSUFFICIENT_DATA", e.State)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	return nil
}
