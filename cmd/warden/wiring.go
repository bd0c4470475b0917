package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
	"github.com/linnemanlabs/warden/internal/incident/natsstore"
	"github.com/linnemanlabs/warden/internal/incident/pgstore"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/notify/email"
	"github.com/linnemanlabs/warden/internal/notify/pagerduty"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	snsnotify "github.com/linnemanlabs/warden/internal/notify/sns"
	"github.com/linnemanlabs/warden/internal/notify/teams"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/remediate/awsops"
	"github.com/linnemanlabs/warden/internal/report/natsreport"
	"github.com/linnemanlabs/warden/internal/retry"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/ticket/httpticket"
)

// executorClients are the SDK clients the executors wrap. Nil entries
// leave the corresponding target unregistered.
type executorClients struct {
	ssm     awsops.AutomationAPI
	lambda  awsops.InvokeAPI
	sns     snsnotify.PublishAPI
	ses     email.SendEmailAPI
	reports natsreport.PublishAPI
}

// buildRegistry registers every executor the configuration enables, adds
// the severity router over the notify channels and checks that the default
// notify target resolves.
func buildRegistry(c *vc.Config, clients executorClients) (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()
	var channels []dispatch.Executor

	if clients.ssm != nil {
		reg.Register(awsops.NewAutomation(clients.ssm, c.SSMAssumeRole))
	}
	if clients.lambda != nil {
		reg.Register(awsops.NewFunction(clients.lambda))
	}
	// channels without a default destination cannot take bare targets, so
	// the router leaves them out
	if clients.sns != nil {
		p := snsnotify.New(clients.sns, c.SNSTopicARN)
		reg.Register(p)
		if c.SNSTopicARN != "" {
			channels = append(channels, p)
		}
	}
	if c.EmailFrom != "" && clients.ses != nil {
		s := email.New(clients.ses, c.EmailFrom, c.EmailRecipients())
		reg.Register(s)
		if len(c.EmailRecipients()) > 0 {
			channels = append(channels, s)
		}
	}
	for _, ch := range webhookChannels(c) {
		reg.Register(ch)
		channels = append(channels, ch)
	}
	if len(channels) > 0 {
		reg.Register(notify.NewRouter(channels...))
	}
	if c.TicketURL != "" {
		reg.Register(httpticket.New(c.TicketURL, c.TicketToken, c.TicketQueue))
	}
	if c.ReportSubject != "" && clients.reports != nil {
		reg.Register(natsreport.New(clients.reports, c.ReportSubject))
	}

	if !reg.Supports(incident.Action{Kind: incident.KindNotify, Target: c.NotifyTarget}) {
		return nil, fmt.Errorf("notify target %q has no executor (configure its webhook, topic or client)", c.NotifyTarget)
	}
	return reg, nil
}

// webhookChannels builds the notify executors that need only configuration.
func webhookChannels(c *vc.Config) []dispatch.Executor {
	var out []dispatch.Executor
	if c.SlackWebhookURL != "" {
		out = append(out, slack.New(c.SlackWebhookURL))
	}
	if c.TeamsWebhookURL != "" {
		out = append(out, teams.New(c.TeamsWebhookURL))
	}
	if c.PagerDutyRoutingKey != "" {
		out = append(out, pagerduty.New(c.PagerDutyEventsURL, c.PagerDutyRoutingKey))
	}
	return out
}

// buildRuleSource picks the rule document source for loc.
func buildRuleSource(loc string, s3c rules.S3API) (rules.Source, error) {
	if !rules.IsS3(loc) {
		return rules.FileSource{Path: loc}, nil
	}
	bucket, key, err := rules.ParseS3URL(loc)
	if err != nil {
		return nil, err
	}
	if s3c == nil {
		return nil, fmt.Errorf("rules at %s need an s3 client", loc)
	}
	return rules.S3Source{Client: s3c, Bucket: bucket, Key: key}, nil
}

// storeRetry bounds conditional-write retries on the incident store.
func storeRetry(c *vc.Config) retry.Policy {
	p := incident.DefaultStoreRetry
	p.MaxAttempts = c.StoreRetryAttempts
	return p
}

// remediateRetry bounds attempts for remediate and ticket actions.
func remediateRetry(c *vc.Config) retry.Policy {
	return retry.Policy{MaxAttempts: c.RemediateAttempts, Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// openStore opens the configured incident store backend. The returned
// close function releases its resources.
func openStore(ctx context.Context, c *vc.Config, js nats.JetStreamContext, L log.Logger, observer postgres.QueryObserver) (incident.Store, func(), error) {
	switch c.StoreBackend {
	case vc.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolConfig{
			MaxConns:        int32(c.DBMaxConns), //nolint:gosec // bounded by flag validation
			MaxConnIdleTime: 5 * time.Minute,
		}, L.With("component", "postgres"), observer)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		return st, st.Close, nil

	case vc.StoreNATS:
		if js == nil {
			return nil, nil, fmt.Errorf("nats store needs a JetStream connection")
		}
		st, err := natsstore.New(js, c.SeriesBucket, c.IncidentBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("natsstore init: %w", err)
		}
		return st, func() {}, nil

	default:
		return memstore.New(), func() {}, nil
	}
}
