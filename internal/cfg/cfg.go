package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/rules"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreNATS     = "nats"
)

// Config holds warden application settings. It follows the common
// cfg.Registerable and cfg.Validatable shape.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	IngestToken           string
	OperatorToken         string

	StoreBackend       string
	DatabaseURL        string
	DBMaxConns         int
	StoreRetryAttempts int
	ClaimTTL           time.Duration
	MaxHistory         int

	NATSURL            string
	IngestStream       string
	IngestSubject      string
	IngestDurable      string
	IngestWorkers      int
	IngestMaxDeliver   int
	IngestAckWait      time.Duration
	SeriesBucket       string
	IncidentBucket     string
	ReportStream       string
	ReportSubject      string

	RulesLocation string
	RulesWatch    bool

	ClaudeAPIKey    string
	ClaudeModel     string
	OracleDisabled  bool
	OracleTimeout   time.Duration
	OracleAttempts  int
	ConfidenceFloor float64
	HistoryLimit    int

	NotifyTarget      string
	AsyncDispatch     bool
	DispatchTimeout   time.Duration
	ActionTimeout     time.Duration
	RemediateAttempts int

	CostSafe           bool
	ProductionAccounts string

	SlackWebhookURL     string
	SNSTopicARN         string
	TeamsWebhookURL     string
	PagerDutyRoutingKey string
	PagerDutyEventsURL  string
	EmailFrom           string
	EmailTo             string
	TicketURL           string
	TicketToken         string
	TicketQueue         string
	AWSRegion           string
	SSMAssumeRole       string

	MetricContext bool
	MetricWindow  time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 30, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.IngestToken, "api-ingest-token", "", "bearer token allowed to post alarms")
	fs.StringVar(&c.OperatorToken, "api-operator-token", "", "bearer token for incident queries, rule reload and alarm posts")

	fs.StringVar(&c.StoreBackend, "store", StoreMemory, "incident store backend: memory, postgres or nats")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (required for -store=postgres)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections")
	fs.IntVar(&c.StoreRetryAttempts, "store-retry-attempts", 5, "attempts for a conditional incident write before giving up")
	fs.DurationVar(&c.ClaimTTL, "claim-ttl", 10*time.Minute, "age after which an unfinished claim on an incident may be taken over")
	fs.IntVar(&c.MaxHistory, "max-event-history", 500, "events kept per incident (0 = unbounded)")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL (enables JetStream ingest, KV store and reports)")
	fs.StringVar(&c.IngestStream, "ingest-stream", "ALARMS", "JetStream stream carrying alarm events")
	fs.StringVar(&c.IngestSubject, "ingest-subject", "alarms.>", "subject to consume alarm events from (empty disables ingest)")
	fs.StringVar(&c.IngestDurable, "ingest-durable", "warden", "durable consumer and queue group name")
	fs.IntVar(&c.IngestWorkers, "ingest-workers", 16, "alarm events handled concurrently")
	fs.IntVar(&c.IngestMaxDeliver, "ingest-max-deliver", 10, "deliveries per alarm event before JetStream gives up (-1 = unlimited)")
	fs.DurationVar(&c.IngestAckWait, "ingest-ack-wait", 2*time.Minute, "time JetStream waits for an ack before redelivering")
	fs.StringVar(&c.SeriesBucket, "kv-series-bucket", "warden_series", "JetStream KV bucket for series heads (-store=nats)")
	fs.StringVar(&c.IncidentBucket, "kv-incident-bucket", "warden_incidents", "JetStream KV bucket for incidents (-store=nats)")
	fs.StringVar(&c.ReportStream, "report-stream", "INCIDENT_REPORTS", "JetStream stream for incident reports")
	fs.StringVar(&c.ReportSubject, "report-subject", "", "default subject for report actions (empty disables the report target)")

	fs.StringVar(&c.RulesLocation, "rules", "", "rule document: local path or s3://bucket/key")
	fs.BoolVar(&c.RulesWatch, "rules-watch", false, "reload the rule document when the local file changes")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude oracle")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.BoolVar(&c.OracleDisabled, "oracle-disabled", false, "run without the oracle; unmatched events get the fallback notify plan")
	fs.DurationVar(&c.OracleTimeout, "oracle-timeout", 3*time.Second, "timeout per oracle call")
	fs.IntVar(&c.OracleAttempts, "oracle-attempts", 2, "oracle calls per event before falling back")
	fs.Float64Var(&c.ConfidenceFloor, "confidence-floor", 0.7, "oracle confidence below which remediation is downgraded to notify (0..1)")
	fs.IntVar(&c.HistoryLimit, "oracle-history-limit", 20, "recent events included in the oracle prompt")

	fs.StringVar(&c.NotifyTarget, "notify-target", "slack", "notify target for fallback and downgraded actions")
	fs.BoolVar(&c.AsyncDispatch, "async-dispatch", true, "dispatch plans in the background instead of within the handling call")
	fs.DurationVar(&c.DispatchTimeout, "dispatch-timeout", 5*time.Minute, "overall budget for one dispatch pass")
	fs.DurationVar(&c.ActionTimeout, "action-timeout", 60*time.Second, "timeout per action attempt")
	fs.IntVar(&c.RemediateAttempts, "remediate-attempts", 3, "attempts for remediate and ticket actions")

	fs.BoolVar(&c.CostSafe, "cost-safe", false, "downgrade remediation to notify outside production accounts")
	fs.StringVar(&c.ProductionAccounts, "production-accounts", "", "comma separated account ids that still remediate in cost-safe mode")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL (enables the slack notify target)")
	fs.StringVar(&c.SNSTopicARN, "sns-topic-arn", "", "default SNS topic for bare sns targets")
	fs.StringVar(&c.TeamsWebhookURL, "teams-webhook-url", "", "Microsoft Teams webhook URL (enables the teams notify target)")
	fs.StringVar(&c.PagerDutyRoutingKey, "pagerduty-routing-key", "", "PagerDuty Events API v2 routing key (enables the pagerduty notify target)")
	fs.StringVar(&c.PagerDutyEventsURL, "pagerduty-events-url", "https://events.pagerduty.com/v2/enqueue", "PagerDuty Events API v2 endpoint")
	fs.StringVar(&c.EmailFrom, "email-from", "", "SES verified sender address (enables the email notify target)")
	fs.StringVar(&c.EmailTo, "email-to", "", "comma separated default recipients for bare email targets")
	fs.StringVar(&c.TicketURL, "ticket-url", "", "ticketing API endpoint (enables the ticket target)")
	fs.StringVar(&c.TicketToken, "ticket-token", "", "bearer token for the ticketing API")
	fs.StringVar(&c.TicketQueue, "ticket-queue", "", "default ticket queue")
	fs.StringVar(&c.AWSRegion, "aws-region", "", "AWS region (empty = SDK default chain)")
	fs.StringVar(&c.SSMAssumeRole, "ssm-assume-role", "", "IAM role ARN passed to SSM automations as AutomationAssumeRole")

	fs.BoolVar(&c.MetricContext, "metric-context", true, "add recent CloudWatch metric statistics to oracle prompts")
	fs.DurationVar(&c.MetricWindow, "metric-context-window", time.Hour, "CloudWatch history summarised for the oracle (5m..24h)")
}

// EmailRecipients returns the parsed -email-to value.
func (c *Config) EmailRecipients() []string {
	var out []string
	for _, a := range strings.Split(c.EmailTo, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// ProductionAccountList returns the parsed -production-accounts value.
func (c *Config) ProductionAccountList() []string {
	var out []string
	for _, a := range strings.Split(c.ProductionAccounts, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.OperatorToken == "" {
		errs = append(errs, errors.New("API_OPERATOR_TOKEN is required"))
	}
	if c.IngestToken != "" && c.IngestToken == c.OperatorToken {
		errs = append(errs, errors.New("API_INGEST_TOKEN must differ from API_OPERATOR_TOKEN"))
	}

	// Store
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE=postgres"))
		}
	case StoreNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for STORE=nats"))
		}
		if c.SeriesBucket == "" || c.IncidentBucket == "" {
			errs = append(errs, errors.New("KV_SERIES_BUCKET and KV_INCIDENT_BUCKET are required for STORE=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory, postgres or nats)", c.StoreBackend))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 1)", c.DBMaxConns))
	}
	if c.StoreRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid STORE_RETRY_ATTEMPTS %d (must be >= 1)", c.StoreRetryAttempts))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAIM_TTL %s (must be positive)", c.ClaimTTL))
	}
	if c.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_EVENT_HISTORY %d (must be >= 0)", c.MaxHistory))
	}

	// NATS ingest and reports
	if c.NATSURL != "" && c.IngestSubject != "" {
		if c.IngestStream == "" || c.IngestDurable == "" {
			errs = append(errs, errors.New("INGEST_STREAM and INGEST_DURABLE are required when ingest is enabled"))
		}
		if c.IngestWorkers < 1 {
			errs = append(errs, fmt.Errorf("invalid INGEST_WORKERS %d (must be >= 1)", c.IngestWorkers))
		}
		if c.IngestMaxDeliver == 0 || c.IngestMaxDeliver < -1 {
			errs = append(errs, fmt.Errorf("invalid INGEST_MAX_DELIVER %d (must be >= 1 or -1)", c.IngestMaxDeliver))
		}
		if c.IngestAckWait <= 0 {
			errs = append(errs, fmt.Errorf("invalid INGEST_ACK_WAIT %s (must be positive)", c.IngestAckWait))
		}
	}
	if c.ReportSubject != "" && c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required when REPORT_SUBJECT is set"))
	}

	// Rules
	switch {
	case c.RulesLocation == "":
		errs = append(errs, errors.New("RULES is required"))
	case rules.IsS3(c.RulesLocation):
		if _, _, err := rules.ParseS3URL(c.RulesLocation); err != nil {
			errs = append(errs, fmt.Errorf("invalid RULES: %w", err))
		}
		if c.RulesWatch {
			errs = append(errs, errors.New("RULES_WATCH only applies to a local rule file"))
		}
	}

	// Oracle
	if !c.OracleDisabled {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required unless ORACLE_DISABLED is set"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required unless ORACLE_DISABLED is set"))
		}
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_TIMEOUT %s (must be positive)", c.OracleTimeout))
	}
	if c.OracleAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_ATTEMPTS %d (must be >= 1)", c.OracleAttempts))
	}
	if !(c.ConfidenceFloor >= 0 && c.ConfidenceFloor <= 1) {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_FLOOR %g (must be 0..1)", c.ConfidenceFloor))
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_HISTORY_LIMIT %d (must be >= 1)", c.HistoryLimit))
	}

	// Dispatch
	if c.NotifyTarget == "" {
		errs = append(errs, errors.New("NOTIFY_TARGET is required"))
	}
	if c.DispatchTimeout <= 0 || c.ActionTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT and ACTION_TIMEOUT must be positive"))
	} else if c.ActionTimeout > c.DispatchTimeout {
		errs = append(errs, fmt.Errorf("ACTION_TIMEOUT %s must not exceed DISPATCH_TIMEOUT %s", c.ActionTimeout, c.DispatchTimeout))
	}
	if c.DispatchTimeout > 0 && c.ClaimTTL > 0 {
		if floor := dispatch.MinClaimTTL(c.DispatchTimeout); c.ClaimTTL < floor {
			errs = append(errs, fmt.Errorf("CLAIM_TTL %s must be at least %s for DISPATCH_TIMEOUT %s", c.ClaimTTL, floor, c.DispatchTimeout))
		}
	}
	if c.RemediateAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid REMEDIATE_ATTEMPTS %d (must be >= 1)", c.RemediateAttempts))
	}

	// Executors
	if c.SlackWebhookURL != "" {
		if err := checkHTTPURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}
	if c.TicketURL != "" {
		if err := checkHTTPURL(c.TicketURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid TICKET_URL: %w", err))
		}
	}
	if c.SNSTopicARN != "" && !strings.HasPrefix(c.SNSTopicARN, "arn:") {
		errs = append(errs, fmt.Errorf("invalid SNS_TOPIC_ARN %q (must be an ARN)", c.SNSTopicARN))
	}
	if c.TeamsWebhookURL != "" {
		if err := checkHTTPURL(c.TeamsWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid TEAMS_WEBHOOK_URL: %w", err))
		}
	}
	if c.PagerDutyRoutingKey != "" {
		if err := checkHTTPURL(c.PagerDutyEventsURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid PAGERDUTY_EVENTS_URL: %w", err))
		}
	}
	if c.EmailFrom != "" && !strings.Contains(c.EmailFrom, "@") {
		errs = append(errs, fmt.Errorf("invalid EMAIL_FROM %q (must be an address)", c.EmailFrom))
	}
	if c.EmailTo != "" && c.EmailFrom == "" {
		errs = append(errs, errors.New("EMAIL_TO requires EMAIL_FROM"))
	}
	for _, a := range c.EmailRecipients() {
		if !strings.Contains(a, "@") {
			errs = append(errs, fmt.Errorf("invalid EMAIL_TO entry %q (must be an address)", a))
		}
	}
	if c.MetricContext && (c.MetricWindow < 5*time.Minute || c.MetricWindow > 24*time.Hour) {
		errs = append(errs, fmt.Errorf("invalid METRIC_CONTEXT_WINDOW %s (must be 5m..24h)", c.MetricWindow))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkHTTPURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q must be an http(s) URL", s)
	}
	return nil
}
