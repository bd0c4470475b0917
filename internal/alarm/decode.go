package alarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const cloudWatchDetailType = "CloudWatch Alarm State Change"

// envelope is the EventBridge wrapper around a CloudWatch alarm state change.
type envelope struct {
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Account    string          `json:"account"`
	Region     string          `json:"region"`
	Time       time.Time       `json:"time"`
	Detail     json.RawMessage `json:"detail"`
}

type alarmDetail struct {
	AlarmName string `json:"alarmName"`
	State     struct {
		Value      string `json:"value"`
		ReasonData string `json:"reasonData"`
		Timestamp  string `json:"timestamp"`
	} `json:"state"`
	Configuration struct {
		Metrics []struct {
			MetricStat struct {
				Metric struct {
					Namespace  string            `json:"namespace"`
					Name       string            `json:"name"`
					Dimensions map[string]string `json:"dimensions"`
				} `json:"metric"`
			} `json:"metricStat"`
		} `json:"metrics"`
	} `json:"configuration"`
}

// flatEvent decodes the flat form while recording whether value was sent.
type flatEvent struct {
	Event
	Value *float64 `json:"value"`
}

type reasonData struct {
	RecentDatapoints []float64 `json:"recentDatapoints"`
}

// Decode parses one alarm event from either the flat JSON form or an
// EventBridge "CloudWatch Alarm State Change" envelope, and validates it.
func Decode(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ValidationError{Field: "body", Reason: "is empty"}
	}

	var shape struct {
		DetailType string `json:"detail-type"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, &ValidationError{Field: "body", Reason: fmt.Sprintf("is not valid JSON: %v", err)}
	}

	var ev *Event
	var hasValue bool
	var err error
	if shape.DetailType != "" {
		ev, hasValue, err = decodeEnvelope(data)
	} else {
		var fe flatEvent
		if uerr := json.Unmarshal(data, &fe); uerr != nil {
			err = &ValidationError{Field: "body", Reason: fmt.Sprintf("does not match event schema: %v", uerr)}
		}
		ev = &fe.Event
		if fe.Value != nil {
			ev.Value, hasValue = *fe.Value, true
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	// INSUFFICIENT_DATA carries no datapoint and never drives a match.
	if !hasValue && ev.State != StateInsufficientData {
		return nil, &ValidationError{Field: "value", Reason: fmt.Sprintf("is required for %s events", ev.State)}
	}
	return ev, nil
}

func decodeEnvelope(data []byte) (*Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, &ValidationError{Field: "body", Reason: fmt.Sprintf("does not match envelope schema: %v", err)}
	}
	if env.DetailType != cloudWatchDetailType {
		return nil, false, &ValidationError{Field: "detail-type", Reason: fmt.Sprintf("%q is not supported", env.DetailType)}
	}

	var d alarmDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return nil, false, &ValidationError{Field: "detail", Reason: fmt.Sprintf("does not match alarm schema: %v", err)}
	}
	if len(d.Configuration.Metrics) == 0 {
		return nil, false, &ValidationError{Field: "detail.configuration.metrics", Reason: "is empty"}
	}
	metric := d.Configuration.Metrics[0].MetricStat.Metric

	ev := &Event{
		EventID:    env.ID,
		MetricName: metric.Name,
		Namespace:  metric.Namespace,
		ResourceID: resourceFromDimensions(metric.Dimensions),
		State:      State(strings.ToUpper(d.State.Value)),
		Timestamp:  env.Time,
		AccountID:  env.Account,
		Region:     env.Region,
		AlarmName:  d.AlarmName,
	}

	hasValue := false
	if d.State.ReasonData != "" {
		var rd reasonData
		if err := json.Unmarshal([]byte(d.State.ReasonData), &rd); err == nil && len(rd.RecentDatapoints) > 0 {
			ev.Value = rd.RecentDatapoints[len(rd.RecentDatapoints)-1]
			hasValue = true
		}
	}
	return ev, hasValue, nil
}

// resourceFromDimensions picks the resource identifier from well-known
// dimension names, falling back to the lexically first dimension value.
func resourceFromDimensions(dims map[string]string) string {
	for _, k := range []string{"InstanceId", "DBInstanceIdentifier", "FunctionName", "LoadBalancer", "VolumeId", "ClusterName"} {
		if v, ok := dims[k]; ok && v != "" {
			return v
		}
	}
	first := ""
	for k := range dims {
		if first == "" || k < first {
			first = k
		}
	}
	if first == "" {
		return ""
	}
	return dims[first]
}
