package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	translationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyquery_translations_total",
			Help: "Total number of natural-language translation attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	translationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyquery_translation_retries_total",
			Help: "Total number of retried model calls.",
		},
	)
	translationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polyquery_translation_duration_seconds",
			Help:    "Translation latency by provider, including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyquery_query_executions_total",
			Help: "Total number of query executions by datasource category and outcome.",
		},
		[]string{"category", "outcome"},
	)
	queryExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polyquery_query_execution_duration_seconds",
			Help:    "Backend execution latency by datasource category.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"category"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polyquery_query_rows_returned",
			Help:    "Rows returned per completed query after truncation.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
	schemaRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyquery_schema_refreshes_total",
			Help: "Total number of schema cache refreshes by outcome.",
		},
		[]string{"outcome"},
	)
	datasourcesConfigured = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polyquery_datasources_configured",
			Help: "Current number of configured datasources.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		translationsTotal,
		translationRetriesTotal,
		translationDurationSeconds,
		queryExecutionsTotal,
		queryExecutionDurationSeconds,
		queryRowsReturned,
		schemaRefreshesTotal,
		datasourcesConfigured,
	)
}

func ObserveTranslation(provider, outcome string, elapsed time.Duration) {
	translationsTotal.WithLabelValues(provider, outcome).Inc()
	translationDurationSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func IncrementTranslationRetry() {
	translationRetriesTotal.Inc()
}

func ObserveQueryExecution(category, outcome string, rows int, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(category, outcome).Inc()
	queryExecutionDurationSeconds.WithLabelValues(category).Observe(elapsed.Seconds())
	if outcome == "completed" {
		queryRowsReturned.Observe(float64(rows))
	}
}

func IncrementSchemaRefresh(outcome string) {
	schemaRefreshesTotal.WithLabelValues(outcome).Inc()
}

func SetDatasourcesConfigured(count int) {
	if count < 0 {
		count = 0
	}
	datasourcesConfigured.Set(float64(count))
}
