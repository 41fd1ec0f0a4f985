package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	PhaseDuration     *prometheus.HistogramVec
	EventsFetched     prometheus.Gauge
	TemplatesSeen     prometheus.Gauge
	TemplatesKnown    prometheus.Gauge
	ClassifiedTotal   *prometheus.CounterVec
	OutcomesTotal     *prometheus.CounterVec
	LastSuccessfulRun prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_runs_total",
			Help: "Total triage runs by final state.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sieve_run_duration_seconds",
			Help:    "Duration of completed triage runs in seconds, including time spent awaiting approval.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sieve_phase_duration_seconds",
			Help:    "Duration of each pipeline phase in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~43m
		}, []string{"phase"}),
		EventsFetched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sieve_events_fetched",
			Help: "Error events fetched in the last run.",
		}),
		TemplatesSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sieve_templates_seen",
			Help: "Distinct message templates in the last run window.",
		}),
		TemplatesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sieve_templates_already_known",
			Help: "Templates skipped in the last run because the ledger already had them.",
		}),
		ClassifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_templates_classified_total",
			Help: "Templates classified by category.",
		}, []string{"classification"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_template_outcomes_total",
			Help: "Per-template outcomes by status.",
		}, []string{"status"}),
		LastSuccessfulRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sieve_last_successful_run_timestamp_seconds",
			Help: "Unix time of the last run that reached the done state.",
		}),
	}

	reg.MustRegister(m.Collectors()...)

	return m
}

// Collectors lists every triage collector, e.g. for a Pushgateway pusher.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.PhaseDuration,
		m.EventsFetched,
		m.TemplatesSeen,
		m.TemplatesKnown,
		m.ClassifiedTotal,
		m.OutcomesTotal,
		m.LastSuccessfulRun,
	}
}

// Hooks returns PipelineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() PipelineHooks {
	return PipelineHooks{
		OnPhase: func(state State, duration float64) {
			m.PhaseDuration.WithLabelValues(string(state)).Observe(duration)
		},
		OnClassified: func(c Classification) {
			m.ClassifiedTotal.WithLabelValues(string(c)).Inc()
		},
		OnOutcome: func(status OutcomeStatus) {
			m.OutcomesTotal.WithLabelValues(string(status)).Inc()
		},
		OnComplete: func(s *RunSummary) {
			m.RunsTotal.WithLabelValues(string(s.State)).Inc()
			m.RunDuration.Observe(s.Duration)
			m.EventsFetched.Set(float64(s.EventsFetched))
			m.TemplatesSeen.Set(float64(s.Groups))
			m.TemplatesKnown.Set(float64(s.AlreadyKnown))
			m.LastSuccessfulRun.Set(float64(s.CompletedAt.Unix()))
		},
	}
}

// RecordFailure counts an aborted run under the phase it failed in.
func (m *Metrics) RecordFailure(phase State) {
	m.RunsTotal.WithLabelValues("failed_" + string(phase)).Inc()
}
