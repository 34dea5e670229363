package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_extractions_total",
			Help: "Total number of invoice extraction attempts by outcome",
		},
		[]string{"outcome"},
	)

	LeadsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funnel_leads_created_total",
			Help: "Total number of leads captured",
		},
	)

	StatusUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_status_updates_total",
			Help: "Total number of lead status updates by target status",
		},
		[]string{"status"},
	)

	ContactClicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funnel_contact_clicks_total",
			Help: "Total number of contact button clicks recorded",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "funnel_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "route", "status"},
	)
)

// Extraction outcome label values.
const (
	OutcomeParsed      = "parsed"
	OutcomeSoftFailure = "soft_failure"
	OutcomeRejected    = "rejected"
	OutcomeUpstream    = "upstream_error"
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
