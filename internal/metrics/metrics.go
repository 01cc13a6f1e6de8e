package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rentpe"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	otpSends         *prometheus.CounterVec
	otpVerifications *prometheus.CounterVec
	otpFallbacks     prometheus.Counter
	providerLatency  *prometheus.HistogramVec
	rateLimitDenials *prometheus.CounterVec
	kycTransitions   *prometheus.CounterVec
	mediaOps         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		otpSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "sends_total",
			Help:      "OTP send attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		otpVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "verifications_total",
			Help:      "OTP verification attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		otpFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "fallbacks_total",
			Help:      "Operations that moved on to the secondary provider.",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "provider_duration_seconds",
			Help:      "Latency of OTP provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		rateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "rate_limit_denials_total",
			Help:      "OTP sends denied by the limiter.",
		}, []string{"reason"}),
		kycTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kyc",
			Name:      "transitions_total",
			Help:      "KYC case status transitions.",
		}, []string{"to"}),
		mediaOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "operations_total",
			Help:      "Media uploads and deletes by outcome.",
		}, []string{"op", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Outbox deliveries by status.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.otpSends,
		m.otpVerifications,
		m.otpFallbacks,
		m.providerLatency,
		m.rateLimitDenials,
		m.kycTransitions,
		m.mediaOps,
		m.notifications,
	)
	return m
}

func (m *Metrics) OTPSend(provider, outcome string) {
	if m != nil {
		m.otpSends.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) OTPVerification(provider, outcome string) {
	if m != nil {
		m.otpVerifications.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) OTPFallback() {
	if m != nil {
		m.otpFallbacks.Inc()
	}
}

func (m *Metrics) ProviderLatency(provider, op string, seconds float64) {
	if m != nil {
		m.providerLatency.WithLabelValues(provider, op).Observe(seconds)
	}
}

func (m *Metrics) RateLimitDenied(reason string) {
	if m != nil {
		m.rateLimitDenials.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) KYCTransition(to string) {
	if m != nil {
		m.kycTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) MediaOp(op, outcome string) {
	if m != nil {
		m.mediaOps.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) NotificationDelivery(status string) {
	if m != nil {
		m.notifications.WithLabelValues(status).Inc()
	}
}
