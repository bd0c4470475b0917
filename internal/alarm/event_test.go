package alarm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		EventID:    "evt-1",
		MetricName: "CPUUtilization",
		Namespace:  "AWS/EC2",
		ResourceID: "i-0abc",
		Value:      95,
		State:      StateAlarm,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		AccountID:  "111111111111",
		Region:     "us-east-1",
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	ev := validEvent()
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"event_id", func(e *Event) { e.EventID = "" }, "event_id"},
		{"metric", func(e *Event) { e.MetricName = " " }, "metric_name"},
		{"namespace", func(e *Event) { e.Namespace = "" }, "namespace"},
		{"resource", func(e *Event) { e.ResourceID = "" }, "resource_id"},
		{"account", func(e *Event) { e.AccountID = "" }, "account_id"},
		{"region", func(e *Event) { e.Region = "" }, "region"},
		{"state", func(e *Event) { e.State = "FIRING" }, "state"},
		{"timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := validEvent()
			tt.mutate(&ev)

			err := ev.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestDecode_Flat(t *testing.T) {
	t.Parallel()

	body := `{
		"event_id": "e-42",
		"metric_name": "CPUUtilization",
		"namespace": "AWS/EC2",
		"resource_id": "i-123",
		"value": 97.5,
		"state": "ALARM",
		"timestamp": "2026-03-01T12:00:00Z",
		"account_id": "111111111111",
		"region": "eu-west-1"
	}`

	ev, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.EventID != "e-42" || ev.ResourceID != "i-123" || ev.Value != 97.5 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.State != StateAlarm {
		t.Errorf("State = %q, want ALARM", ev.State)
	}
}

func TestDecode_EventBridgeEnvelope(t *testing.T) {
	t.Parallel()

	body := `{
		"version": "0",
		"id": "c4c1c1c9-6542-e61b-6ef0-8c4d36933a92",
		"detail-type": "CloudWatch Alarm State Change",
		"source": "aws.cloudwatch",
		"account": "123456789012",
		"time": "2026-03-01T12:05:00Z",
		"region": "us-east-1",
		"detail": {
			"alarmName": "HighCPU-i-0abc",
			"state": {
				"value": "ALARM",
				"reasonData": "{\"recentDatapoints\":[88.1,93.4]}"
			},
			"configuration": {
				"metrics": [{
					"metricStat": {
						"metric": {
							"namespace": "AWS/EC2",
							"name": "CPUUtilization",
							"dimensions": {"InstanceId": "i-0abc"}
						}
					}
				}]
			}
		}
	}`

	ev, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.ResourceID != "i-0abc" {
		t.Errorf("ResourceID = %q, want i-0abc", ev.ResourceID)
	}
	if ev.MetricName != "CPUUtilization" || ev.Namespace != "AWS/EC2" {
		t.Errorf("metric = %s/%s", ev.Namespace, ev.MetricName)
	}
	if ev.Value != 93.4 {
		t.Errorf("Value = %v, want 93.4", ev.Value)
	}
	if ev.AccountID != "123456789012" || ev.Region != "us-east-1" {
		t.Errorf("account/region = %s/%s", ev.AccountID, ev.Region)
	}
	if ev.AlarmName != "HighCPU-i-0abc" {
		t.Errorf("AlarmName = %q", ev.AlarmName)
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "{oops"},
		{"missing fields", `{"event_id":"x","state":"ALARM"}`},
		{"unsupported detail type", `{"detail-type":"EC2 Instance State-change Notification","detail":{}}`},
		{"alarm without value", fmt.Sprintf(flatNoValue, "ALARM")},
		{"alarm envelope without datapoints", fmt.Sprintf(envelopeNoDatapoints, "ALARM")},
		{"no metrics", `{"detail-type":"CloudWatch Alarm State Change","id":"a","account":"1","region":"r","time":"2026-03-01T12:00:00Z","detail":{"state":{"value":"ALARM"},"configuration":{"metrics":[]}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.body))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}
}

const flatNoValue = `{"event_id":"e-1","metric_name":"FreeStorageSpace","namespace":"AWS/RDS","resource_id":"db-1",` +
	`"state":%q,"timestamp":"2026-03-01T12:00:00Z","account_id":"111111111111","region":"us-east-1"}`

const envelopeNoDatapoints = `{"detail-type":"CloudWatch Alarm State Change","id":"a","account":"111111111111",` +
	`"region":"us-east-1","time":"2026-03-01T12:00:00Z","detail":{"state":{"value":%q,"reasonData":"{}"},` +
	`"configuration":{"metrics":[{"metricStat":{"metric":{"namespace":"AWS/RDS","name":"FreeStorageSpace",` +
	`"dimensions":{"DBInstanceIdentifier":"db-1"}}}}]}}}`

func TestDecode_MissingValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"flat alarm", fmt.Sprintf(flatNoValue, "ALARM"), true},
		{"flat ok", fmt.Sprintf(flatNoValue, "OK"), true},
		{"flat insufficient data", fmt.Sprintf(flatNoValue, "INSUFFICIENT_DATA"), false},
		{"envelope alarm", fmt.Sprintf(envelopeNoDatapoints, "ALARM"), true},
		{"envelope insufficient data", fmt.Sprintf(envelopeNoDatapoints, "INSUFFICIENT_DATA"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := Decode([]byte(tt.body))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v (event %+v), want *ValidationError", err, ev)
			}
			if verr.Field != "value" {
				t.Errorf("Field = %q, want value", verr.Field)
			}
		})
	}
}

func TestDecode_ExplicitZeroValue(t *testing.T) {
	t.Parallel()

	body := `{"event_id":"e-1","metric_name":"FreeStorageSpace","namespace":"AWS/RDS","resource_id":"db-1",` +
		`"value":0,"state":"ALARM","timestamp":"2026-03-01T12:00:00Z","account_id":"111111111111","region":"us-east-1"}`
	ev, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Value != 0 {
		t.Errorf("Value = %v, want 0", ev.Value)
	}
}

func TestResourceFromDimensions_Fallback(t *testing.T) {
	t.Parallel()

	got := resourceFromDimensions(map[string]string{"Zeta": "z", "Alpha": "a"})
	if got != "a" {
		t.Errorf("got %q, want a", got)
	}
	if got := resourceFromDimensions(nil); got != "" {
		t.Errorf("got %q for nil dims, want empty", got)
	}
}
