package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is created before the components that report into it, so the
// referral and fx hooks can be wired at construction time.
type Metrics struct {
	registry         *prometheus.Registry
	operationsTotal  *prometheus.CounterVec
	referralTotal    *prometheus.CounterVec
	fxLookupsTotal   *prometheus.CounterVec
	idempotentReplay *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minisafe_operations_total",
		Help: "Vault, payment, top-up and claim operations by outcome",
	}, []string{"operation", "status"})

	referral := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minisafe_referral_submissions_total",
		Help: "Referral attribution submissions by outcome",
	}, []string{"status"})

	fxLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minisafe_fx_cache_lookups_total",
		Help: "Exchange-rate cache lookups",
	}, []string{"result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minisafe_idempotent_requests_total",
		Help: "Write requests by idempotency outcome",
	}, []string{"result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minisafe_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, referral, fxLookups, replays, duration)

	return &Metrics{
		registry:         r,
		operationsTotal:  ops,
		referralTotal:    referral,
		fxLookupsTotal:   fxLookups,
		idempotentReplay: replays,
		requestDuration:  duration,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) incReplay(result string) {
	m.idempotentReplay.WithLabelValues(result).Inc()
}

// ReferralOutcome matches the referral attributor's outcome hook.
func (m *Metrics) ReferralOutcome(status string) {
	m.referralTotal.WithLabelValues(status).Inc()
}

// FXLookup matches the fx client's cache lookup hook.
func (m *Metrics) FXLookup(result string) {
	m.fxLookupsTotal.WithLabelValues(result).Inc()
}

// ClaimLedgerFailure matches the claim orchestrator's ledger failure hook.
func (m *Metrics) ClaimLedgerFailure() {
	m.incOperation("claim_ledger", "error")
}
