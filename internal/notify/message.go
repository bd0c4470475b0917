// Package notify composes operator notifications for incidents. The
// subpackages deliver them, one per channel, and Router fans a generic
// "auto" target out to channels by severity.
package notify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Severity levels accepted in the "severity" action param.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const maxRationaleLen = 1500

// Message is a rendered notification, independent of the channel.
type Message struct {
	Subject  string
	Severity string
	// Body is the operator-supplied text from the "message" param, if any.
	Body      string
	Fields    []Field
	Rationale string
	Footer    string
}

// Field is a labelled value.
type Field struct {
	Label string
	Value string
}

// Compose renders the notification for a notify action.
func Compose(req *dispatch.Request) Message {
	inc := req.Incident
	sev := strings.ToLower(req.Action.Params["severity"])
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityWarning, SeverityInfo:
	default:
		sev = SeverityWarning
	}

	m := Message{
		Subject:  fmt.Sprintf("[%s] %s on %s", strings.ToUpper(sev), inc.MetricName, inc.ResourceID),
		Severity: sev,
		Body:     req.Action.Params["message"],
		Footer: fmt.Sprintf("warden • incident %s • plan v%d • %s",
			inc.Key, inc.PlanVersion, inc.OpenedAt.UTC().Format("2006-01-02 15:04 UTC")),
	}

	m.Fields = append(m.Fields,
		Field{"Resource", inc.ResourceID},
		Field{"Metric", inc.Namespace + "/" + inc.MetricName},
		Field{"Account", strings.TrimSpace(inc.AccountID + " " + inc.Region)},
	)
	if n := len(inc.EventHistory); n > 0 {
		last := inc.EventHistory[n-1]
		m.Fields = append(m.Fields, Field{"Latest", fmt.Sprintf("%s %g at %s", last.State, last.Value, last.Timestamp.UTC().Format(time.RFC3339))})
	}

	switch {
	case inc.MatchedRule != "":
		m.Fields = append(m.Fields, Field{"Resolved by", "rule " + inc.MatchedRule})
	case inc.AIDecision != nil:
		d := inc.AIDecision
		by := fmt.Sprintf("%s (confidence %.2f)", d.Source, d.Confidence)
		if d.Model != "" {
			by = fmt.Sprintf("%s %s (confidence %.2f)", d.Source, ShortModel(d.Model), d.Confidence)
		}
		if d.Downgraded {
			by += ", remediation downgraded"
		}
		m.Fields = append(m.Fields, Field{"Resolved by", by})
		m.Rationale = Truncate(d.Rationale, maxRationaleLen)
	}
	if inc.Suppressed {
		m.Fields = append(m.Fields, Field{"Mode", "suppressed, remediation disabled for this account"})
	}
	m.Fields = append(m.Fields, Field{"Plan", planLine(inc.Plan)})
	return m
}

// ConsoleURL links to the CloudWatch alarms console for the incident's
// region, or returns "" when the region is unknown.
func ConsoleURL(inc *incident.Incident) string {
	if inc.Region == "" {
		return ""
	}
	return fmt.Sprintf("https://%[1]s.console.aws.amazon.com/cloudwatch/home?region=%[1]s#alarmsV2:", inc.Region)
}

// Text renders m as plain text.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Subject)
	b.WriteString("\n\n")
	if m.Body != "" {
		b.WriteString(m.Body)
		b.WriteString("\n\n")
	}
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Label, f.Value)
	}
	if m.Rationale != "" {
		b.WriteString("\nRationale:\n")
		b.WriteString(m.Rationale)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.Footer)
	return b.String()
}

func planLine(p incident.Plan) string {
	if p.Empty() {
		return "none"
	}
	parts := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		parts[i] = fmt.Sprintf("%s %s", a.Kind, a.Target)
	}
	return strings.Join(parts, ", ")
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

// ShortModel drops a trailing date suffix from a model name.
func ShortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

// Truncate limits s to limit bytes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
