package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant metrics
	TenantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_tenants_total",
			Help: "Total number of tenants by subscription state",
		},
		[]string{"state"},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_tenant_containers_running",
			Help: "Number of tenant bot containers currently running",
		},
	)

	// Provisioning metrics
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_provisions_total",
			Help: "Total number of provisioning attempts by outcome and path",
		},
		[]string{"outcome", "path"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_provision_duration_seconds",
			Help:    "Provisioning duration in seconds by path",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path"},
	)

	CompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_compensations_total",
			Help: "Total number of provisioning compensations performed",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_deploy_queue_depth",
			Help: "Number of provisioning jobs waiting in the queue",
		},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_job_retries_total",
			Help: "Total number of job retries after transient failures",
		},
	)

	// Warm pool metrics
	WarmPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_warm_pool_size",
			Help: "Warm pool members by status",
		},
		[]string{"status"},
	)

	WarmClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_warm_claims_total",
			Help: "Total number of warm pool claims by outcome",
		},
		[]string{"outcome"},
	)

	// Enforcement metrics
	ExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_expirations_total",
			Help: "Total number of tenants suspended by the expiry sweep",
		},
	)

	// Election metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_raft_is_leader",
			Help: "Whether this node is the elected leader (1 = leader, 0 = standby)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(WarmPoolSize)
	prometheus.MustRegister(WarmClaimsTotal)
	prometheus.MustRegister(ExpirationsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProvision records one provisioning attempt.
func ObserveProvision(success, warm bool, started time.Time) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	path := "cold"
	if warm {
		path = "warm"
	}
	ProvisionsTotal.WithLabelValues(outcome, path).Inc()
	ProvisionDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
}
