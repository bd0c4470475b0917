package triage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Hooks are optional callbacks fired by the Service and Advisor.
type Hooks struct {
	OnEvent         func(state string, outcome Outcome)
	OnResolution    func(source string)
	OnOracleCall    func(outcome string, d time.Duration, inputTokens, outputTokens int)
	OnFallback      func(reason string)
	OnDowngrade     func(reason string)
	// OnMetricContext reports each metric context lookup: ok, empty or error.
	OnMetricContext func(outcome string)
}

func (h Hooks) event(state string, o Outcome) {
	if h.OnEvent != nil {
		h.OnEvent(state, o)
	}
}

func (h Hooks) resolution(source string) {
	if h.OnResolution != nil {
		h.OnResolution(source)
	}
}

func (h Hooks) oracleCall(outcome string, d time.Duration, in, out int) {
	if h.OnOracleCall != nil {
		h.OnOracleCall(outcome, d, in, out)
	}
}

func (h Hooks) fallback(reason string) {
	if h.OnFallback != nil {
		h.OnFallback(reason)
	}
}

func (h Hooks) downgrade(reason string) {
	if h.OnDowngrade != nil {
		h.OnDowngrade(reason)
	}
}

func (h Hooks) metricContext(outcome string) {
	if h.OnMetricContext != nil {
		h.OnMetricContext(outcome)
	}
}

// Metrics holds Prometheus metrics for the decision pipeline.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	ResolutionsTotal     *prometheus.CounterVec
	OracleCallsTotal     *prometheus.CounterVec
	OracleDuration       prometheus.Histogram
	OracleTokensIn       prometheus.Counter
	OracleTokensOut      prometheus.Counter
	OracleFallbacksTotal *prometheus.CounterVec
	DowngradesTotal      *prometheus.CounterVec
	MetricContextTotal   *prometheus.CounterVec
	ActionsTotal         *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	DispatchDuration     prometheus.Histogram
	ReportFailuresTotal  prometheus.Counter
	IncidentsClosedTotal *prometheus.CounterVec
	StoreConflictsTotal  *prometheus.CounterVec
	StoreFailuresTotal   *prometheus.CounterVec
	RuleReloadsTotal     *prometheus.CounterVec
	RulesLoaded          prometheus.Gauge
	DBQueryDuration      *prometheus.HistogramVec
}

// NewMetrics registers and returns warden metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Alarm events handled by state and outcome.",
		}, []string{"state", "outcome"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_resolutions_total",
			Help: "Resolved plans by source (rule, oracle, fallback).",
		}, []string{"source"}),
		OracleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_oracle_calls_total",
			Help: "Oracle calls by outcome.",
		}, []string{"outcome"}),
		OracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_oracle_call_duration_seconds",
			Help:    "Duration of individual oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}),
		OracleTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_oracle_tokens_input_total",
			Help: "Total oracle input tokens consumed.",
		}),
		OracleTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_oracle_tokens_output_total",
			Help: "Total oracle output tokens consumed.",
		}),
		OracleFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_oracle_fallbacks_total",
			Help: "Notify-only fallback decisions by reason.",
		}, []string{"reason"}),
		DowngradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_remediation_downgrades_total",
			Help: "Plans whose remediation was downgraded to notify, by reason.",
		}, []string{"reason"}),
		MetricContextTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_metric_context_total",
			Help: "CloudWatch metric context lookups for oracle prompts by outcome.",
		}, []string{"outcome"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_actions_total",
			Help: "Action outcomes by type and result.",
		}, []string{"type", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_action_duration_seconds",
			Help:    "Duration of action execution in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"type"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_dispatch_duration_seconds",
			Help:    "Duration of dispatch passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~204s
		}),
		ReportFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_report_failures_total",
			Help: "Fire-and-forget report deliveries that failed.",
		}),
		IncidentsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_incidents_closed_total",
			Help: "Incidents closed by final status.",
		}, []string{"status"}),
		StoreConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_store_conflicts_total",
			Help: "Optimistic write conflicts on the incident store by operation.",
		}, []string{"op"}),
		StoreFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_store_persistence_failures_total",
			Help: "Incident store operations that exhausted their retry budget.",
		}, []string{"op"}),
		RuleReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rule_reloads_total",
			Help: "Rule set reload attempts by result.",
		}, []string{"result"}),
		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_rules_loaded",
			Help: "Number of rules in the active rule set.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.ResolutionsTotal,
		m.OracleCallsTotal,
		m.OracleDuration,
		m.OracleTokensIn,
		m.OracleTokensOut,
		m.OracleFallbacksTotal,
		m.DowngradesTotal,
		m.MetricContextTotal,
		m.ActionsTotal,
		m.ActionDuration,
		m.DispatchDuration,
		m.ReportFailuresTotal,
		m.IncidentsClosedTotal,
		m.StoreConflictsTotal,
		m.StoreFailuresTotal,
		m.RuleReloadsTotal,
		m.RulesLoaded,
		m.DBQueryDuration,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvent: func(state string, o Outcome) {
			m.EventsTotal.WithLabelValues(state, string(o)).Inc()
		},
		OnResolution: func(source string) {
			m.ResolutionsTotal.WithLabelValues(source).Inc()
		},
		OnOracleCall: func(outcome string, d time.Duration, in, out int) {
			m.OracleCallsTotal.WithLabelValues(outcome).Inc()
			m.OracleDuration.Observe(d.Seconds())
			m.OracleTokensIn.Add(float64(in))
			m.OracleTokensOut.Add(float64(out))
		},
		OnFallback: func(reason string) {
			m.OracleFallbacksTotal.WithLabelValues(reason).Inc()
		},
		OnDowngrade: func(reason string) {
			m.DowngradesTotal.WithLabelValues(reason).Inc()
		},
		OnMetricContext: func(outcome string) {
			m.MetricContextTotal.WithLabelValues(outcome).Inc()
		},
	}
}

// TrackerHooks returns incident.Hooks feeding the store metrics.
func (m *Metrics) TrackerHooks() incident.Hooks {
	return incident.Hooks{
		OnConflict: func(op string) {
			m.StoreConflictsTotal.WithLabelValues(op).Inc()
		},
		OnPersistenceError: func(op string) {
			m.StoreFailuresTotal.WithLabelValues(op).Inc()
		},
		OnClosed: func(status incident.Status) {
			m.IncidentsClosedTotal.WithLabelValues(string(status)).Inc()
		},
	}
}

// DispatchHooks returns dispatch.Hooks feeding the action metrics.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnAction: func(kind incident.ActionKind, result incident.Result, d time.Duration) {
			m.ActionsTotal.WithLabelValues(string(kind), string(result)).Inc()
			m.ActionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
		},
		OnDispatch: func(d time.Duration, _ bool) {
			m.DispatchDuration.Observe(d.Seconds())
		},
		OnReportFailed: func() {
			m.ReportFailuresTotal.Inc()
		},
	}
}

// RuleReloaded records a reload attempt; it matches rules.ReloadHook.
func (m *Metrics) RuleReloaded(n int, err error) {
	if err != nil {
		m.RuleReloadsTotal.WithLabelValues("rejected").Inc()
		return
	}
	m.RuleReloadsTotal.WithLabelValues("loaded").Inc()
	m.RulesLoaded.Set(float64(n))
}

// ObserveQuery records database latency; it satisfies postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, _, operation, outcome string, d time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}
