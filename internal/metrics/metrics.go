package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts inbound webhook events by route, classified variant and outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadbridge_events_total",
			Help: "Inbound webhook events by route, variant and outcome",
		},
		[]string{"route", "variant", "outcome"},
	)

	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadbridge_outbound_requests_total",
			Help: "Outbound requests to chat and store APIs by upstream and status",
		},
		[]string{"upstream", "status"},
	)

	OutboundLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadbridge_outbound_request_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadbridge_job_runs_total",
			Help: "Scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)

	TableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leadbridge_table_entries",
			Help: "Entries per persisted correlation table",
		},
		[]string{"table"},
	)

	TableWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadbridge_table_write_failures_total",
			Help: "Correlation table updates abandoned by table and stage",
		},
		[]string{"table", "stage"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
