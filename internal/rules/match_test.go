package rules

import (
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alarm"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cpuEvent(value float64, at time.Time) *alarm.Event {
	return &alarm.Event{
		EventID:    "e",
		MetricName: "CPUUtilization",
		Namespace:  "AWS/EC2",
		ResourceID: "i-0abc",
		Value:      value,
		State:      alarm.StateAlarm,
		Timestamp:  at,
	}
}

func rule(name string, op Operator, threshold float64) Rule {
	return Rule{
		Name:    name,
		Trigger: Trigger{Metric: "CPUUtilization", Namespace: "AWS/EC2", Operator: op, Threshold: threshold},
		Actions: []ActionSpec{{Type: "notify", Target: "slack"}},
	}
}

func TestMatch_Kinds(t *testing.T) {
	t.Parallel()

	high := rule("HighCPU", OpGT, 90)
	veryHigh := rule("VeryHighCPU", OpGTE, 95)
	other := Rule{Name: "Mem", Trigger: Trigger{Metric: "MemoryUtilization", Namespace: "AWS/EC2", Operator: OpGT, Threshold: 1}}
	wrongNS := Rule{Name: "RDS", Trigger: Trigger{Metric: "CPUUtilization", Namespace: "AWS/RDS", Operator: OpGT, Threshold: 1}}

	tests := []struct {
		name  string
		rules []Rule
		value float64
		kind  MatchKind
		names []string
	}{
		{"single", []Rule{high, other, wrongNS}, 92, SingleMatch, []string{"HighCPU"}},
		{"ambiguous keeps rule order", []Rule{veryHigh, high}, 96, AmbiguousMatch, []string{"VeryHighCPU", "HighCPU"}},
		{"below threshold", []Rule{high}, 90, NoMatch, nil},
		{"no rules", nil, 99, NoMatch, nil},
		{"metric mismatch only", []Rule{other, wrongNS}, 99, NoMatch, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Match(tt.rules, cpuEvent(tt.value, t0), nil)
			if res.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", res.Kind, tt.kind)
			}
			if len(res.Matched) != len(tt.names) {
				t.Fatalf("matched %d, want %d", len(res.Matched), len(tt.names))
			}
			for i, n := range tt.names {
				if res.Matched[i].Name != n {
					t.Errorf("[%d] = %q, want %q", i, res.Matched[i].Name, n)
				}
			}
		})
	}
}

func TestOperator_Compare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op   Operator
		v    float64
		want bool
	}{
		{OpGT, 11, true}, {OpGT, 10, false},
		{OpGTE, 10, true}, {OpGTE, 9, false},
		{OpLT, 9, true}, {OpLT, 10, false},
		{OpLTE, 10, true}, {OpLTE, 11, false},
		{OpEQ, 10, true}, {OpEQ, 10.5, false},
		{OpNE, 10.5, true}, {OpNE, 10, false},
		{"~", 10, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.v, 10); got != tt.want {
			t.Errorf("%v %s 10 = %v, want %v", tt.v, tt.op, got, tt.want)
		}
	}
}

func TestMatch_Periods(t *testing.T) {
	t.Parallel()

	r := rule("HighCPU", OpGT, 90)
	r.Trigger.Periods = 3

	hist := []Datapoint{
		{Value: 95, Timestamp: t0},
		{Value: 96, Timestamp: t0.Add(time.Minute)},
	}
	ev := cpuEvent(97, t0.Add(2*time.Minute))

	if res := Match([]Rule{r}, ev, hist[:1]); res.Kind != PendingMatch {
		t.Errorf("two datapoints: Kind = %v, want pending", res.Kind)
	}
	if res := Match([]Rule{r}, ev, hist); res.Kind != SingleMatch {
		t.Errorf("three datapoints: Kind = %v, want single", res.Kind)
	}

	broken := []Datapoint{{Value: 95, Timestamp: t0}, {Value: 50, Timestamp: t0.Add(time.Minute)}}
	if res := Match([]Rule{r}, cpuEvent(97, t0.Add(2*time.Minute)), broken); res.Kind != PendingMatch {
		t.Errorf("run reset: Kind = %v, want pending", res.Kind)
	}
}

func TestMatch_SustainedOutOfOrder(t *testing.T) {
	t.Parallel()

	r := rule("HighCPU", OpGT, 90)
	r.Trigger.Sustained = 5 * time.Minute

	// history arrives out of order; the window is judged on timestamps
	hist := []Datapoint{
		{Value: 93, Timestamp: t0.Add(6 * time.Minute)},
		{Value: 91, Timestamp: t0},
		{Value: 92, Timestamp: t0.Add(3 * time.Minute)},
	}
	ev := cpuEvent(93, t0.Add(6*time.Minute))
	if res := Match([]Rule{r}, ev, hist); res.Kind != SingleMatch {
		t.Errorf("Kind = %v, want single", res.Kind)
	}

	short := []Datapoint{{Value: 91, Timestamp: t0.Add(4 * time.Minute)}}
	if res := Match([]Rule{r}, ev, short); res.Kind != PendingMatch {
		t.Errorf("short window: Kind = %v, want pending", res.Kind)
	}

	// a late, older event whose newer sibling is below threshold does not satisfy
	stale := []Datapoint{{Value: 10, Timestamp: t0.Add(10 * time.Minute)}}
	if res := Match([]Rule{r}, ev, stale); res.Kind != NoMatch {
		t.Errorf("newer OK datapoint: Kind = %v, want no match", res.Kind)
	}
}

func TestMatch_SatisfiedBeatsPending(t *testing.T) {
	t.Parallel()

	windowed := rule("Sustained", OpGT, 90)
	windowed.Trigger.Periods = 5
	instant := rule("Instant", OpGT, 90)

	res := Match([]Rule{windowed, instant}, cpuEvent(95, t0), nil)
	if res.Kind != SingleMatch || res.Rule().Name != "Instant" {
		t.Errorf("Kind = %v rule = %q", res.Kind, res.Rule().Name)
	}
	if len(res.Pending) != 1 || res.Pending[0].Name != "Sustained" {
		t.Errorf("Pending = %+v", res.Pending)
	}
}
