package comfortcloud

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcome labels.
const (
	outcomeOK        = "ok"
	outcomeExpired   = "expired"
	outcomeAuth      = "auth"
	outcomeVersion   = "version"
	outcomeServer    = "server"
	outcomeNetwork   = "network"
	outcomeMalformed = "malformed"
	outcomeRejected  = "rejected"
	outcomeStatus    = "status"
	outcomeCanceled  = "canceled"
)

var (
	vendorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfortcloud_vendor_requests_total",
			Help: "Comfort Cloud API calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	vendorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfortcloud_vendor_request_duration_seconds",
			Help:    "Comfort Cloud API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfortcloud_session_state",
			Help: "Session state (0=logged_out, 1=logging_in, 2=active, 3=expired, 4=faulted)",
		},
	)
	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfortcloud_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)
	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfortcloud_poll_ticks_total",
			Help: "Status poll ticks by outcome",
		},
		[]string{"outcome"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfortcloud_commands_total",
			Help: "Control commands by field and final status",
		},
		[]string{"field", "status"},
	)
	applianceFaulted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfortcloud_appliance_faulted",
			Help: "Whether the appliance is reported faulted (1=faulted, 0=ok)",
		},
	)
	lastSync = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfortcloud_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful status poll",
		},
	)
)

// MetricsCollectors returns the package collectors for registration.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		vendorRequests,
		vendorLatency,
		sessionState,
		logins,
		pollTicks,
		commands,
		applianceFaulted,
		lastSync,
	}
}

func observeRequest(endpoint, outcome string, elapsed time.Duration) {
	vendorRequests.WithLabelValues(endpoint, outcome).Inc()
	vendorLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// outcomeOf buckets a vendor error into a metric label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrProtocolVersion):
		return outcomeVersion
	case errors.Is(err, ErrTokenExpired):
		return outcomeExpired
	case errors.Is(err, ErrAuth):
		return outcomeAuth
	case errors.Is(err, ErrMalformedResponse):
		return outcomeMalformed
	case errors.Is(err, ErrCommandRejected):
		return outcomeRejected
	case errors.Is(err, ErrUnexpectedStatus):
		return outcomeStatus
	case errors.Is(err, ErrTransientServer):
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return outcomeServer
		}
		return outcomeNetwork
	default:
		return outcomeCanceled
	}
}

func setFaultedGauge(faulted bool) {
	if faulted {
		applianceFaulted.Set(1)
		return
	}
	applianceFaulted.Set(0)
}
