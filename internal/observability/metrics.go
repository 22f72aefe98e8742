package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_requested_total", Help: "Total ride requests accepted into the registry"})
	RidesAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_accepted_total", Help: "Total rides matched to a driver"})
	RidesStarted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_started_total", Help: "Total rides started after OTP verification"})
	RidesEnded     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_ended_total", Help: "Total rides completed"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_cancelled_total", Help: "Total requested rides cancelled by the expiry sweeper"})

	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race or arrived out of order"})
	OTPSuccesses    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "otp_success_total", Help: "Successful OTP verifications"})
	OTPFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "otp_failure_total", Help: "Failed OTP verifications, including lockouts"})

	LocationsRelayed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "locations_relayed_total", Help: "Driver location updates forwarded to riders"})
	LocationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "locations_dropped_total", Help: "Driver location updates dropped by validation"})

	ConnectionsLive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_session", Name: "connections_live", Help: "Currently connected websocket clients"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_session",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
