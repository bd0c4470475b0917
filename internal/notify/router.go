package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
)

// AutoScheme is the notify target scheme that routes by severity.
const AutoScheme = "auto"

// Channel schemes the router knows how to rank.
const (
	ChannelTeams     = "teams"
	ChannelSlack     = "slack"
	ChannelPagerDuty = "pagerduty"
	ChannelEmail     = "email"
	ChannelSNS       = "sns"
)

// Channels returns the channels a notification of severity should reach.
func Channels(severity string) []string {
	switch severity {
	case SeverityCritical:
		return []string{ChannelTeams, ChannelSlack, ChannelPagerDuty, ChannelEmail}
	case SeverityHigh:
		return []string{ChannelTeams, ChannelSlack, ChannelPagerDuty}
	default:
		return []string{ChannelTeams}
	}
}

// Router is a dispatch executor for the generic "auto" notify target. It
// delivers to each configured channel that the notification's severity
// calls for. When none of those channels is configured it falls back to
// every configured channel.
type Router struct {
	channels map[string]dispatch.Executor
}

// NewRouter creates a Router over the given notify executors, keyed by
// scheme.
func NewRouter(executors ...dispatch.Executor) *Router {
	r := &Router{channels: make(map[string]dispatch.Executor, len(executors))}
	for _, e := range executors {
		if e != nil {
			r.channels[e.Scheme()] = e
		}
	}
	return r
}

func (r *Router) Scheme() string { return AutoScheme }

func (r *Router) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

// Route returns the configured channels for severity, in delivery order.
func (r *Router) Route(severity string) []string {
	var out []string
	for _, ch := range Channels(severity) {
		if _, ok := r.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	if len(out) > 0 {
		return out
	}
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Execute delivers req to every routed channel concurrently. It fails if
// any channel fails, naming each failure.
func (r *Router) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	sev := Compose(req).Severity
	route := r.Route(sev)
	if len(route) == 0 {
		return nil, fmt.Errorf("%w: no notification channels are configured", dispatch.ErrUnknownTarget)
	}

	errs := make([]error, len(route))
	var g errgroup.Group
	for i, ch := range route {
		sub := *req
		sub.Action.Target = ch
		g.Go(func() error {
			if _, err := r.channels[ch].Execute(ctx, &sub); err != nil {
				errs[i] = fmt.Errorf("%s: %w", ch, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var delivered []string
	for i, ch := range route {
		if errs[i] == nil {
			delivered = append(delivered, ch)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("notify %s: delivered to [%s]: %w", sev, strings.Join(delivered, ","), err)
	}
	return &dispatch.Result{Detail: fmt.Sprintf("%s routed to %s", sev, strings.Join(delivered, ","))}, nil
}
