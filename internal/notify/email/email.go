// Package email sends incident notifications through Amazon SES.
package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/notify"
)

const charset = "UTF-8"

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sender is a dispatch executor for "email" notify targets. The target is
// "email:a@example.com,b@example.com", or bare "email" for the default
// recipients.
type Sender struct {
	client SendEmailAPI
	from   string
	to     []string
}

// New creates a Sender that sends from the verified address from.
func New(client SendEmailAPI, from string, defaultTo []string) *Sender {
	return &Sender{client: client, from: from, to: defaultTo}
}

func (s *Sender) Scheme() string { return "email" }

func (s *Sender) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

// Execute sends the notification for req.
func (s *Sender) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	to := Recipients(req.Target())
	if len(to) == 0 {
		to = s.to
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: email target has no recipients and no default is configured", dispatch.ErrUnknownTarget)
	}

	m := notify.Compose(req)
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(m.Subject), Charset: aws.String(charset)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(m.Text()), Charset: aws.String(charset)},
					Html: &types.Content{Data: aws.String(renderHTML(m, notify.ConsoleURL(req.Incident))), Charset: aws.String(charset)},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("severity"), Value: aws.String(m.Severity)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("email: send to %s: %w", strings.Join(to, ","), err)
	}
	return &dispatch.Result{
		Detail:      fmt.Sprintf("sent to %d recipient(s)", len(to)),
		ExternalRef: aws.ToString(out.MessageId),
	}, nil
}

// Recipients splits a comma-separated address list, dropping blanks.
func Recipients(list string) []string {
	var out []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func renderHTML(m notify.Message, consoleURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(m.Subject))
	if m.Body != "" {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(m.Body))
	}
	b.WriteString("<table>\n")
	fmt.Fprintf(&b, "<tr><th align=\"left\">Severity</th><td>%s</td></tr>\n", html.EscapeString(m.Severity))
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td>%s</td></tr>\n", html.EscapeString(f.Label), html.EscapeString(f.Value))
	}
	b.WriteString("</table>\n")
	if m.Rationale != "" {
		fmt.Fprintf(&b, "<h3>Rationale</h3>\n<p>%s</p>\n", html.EscapeString(m.Rationale))
	}
	if consoleURL != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">View in CloudWatch</a></p>\n", html.EscapeString(consoleURL))
	}
	fmt.Fprintf(&b, "<p><small>%s</small></p>\n", html.EscapeString(m.Footer))
	return b.String()
}
