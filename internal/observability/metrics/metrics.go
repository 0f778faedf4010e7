package metrics

import "github.com/prometheus/client_golang/prometheus"

// CampaignMetrics exposes counters/histograms for the confirmation pipeline.
type CampaignMetrics struct {
	inboundTotal     *prometheus.CounterVec
	outboundTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	ambiguousTotal   prometheus.Counter
	webhookLatency   *prometheus.HistogramVec
	dispatchDuration prometheus.Histogram
}

func NewCampaignMetrics(reg prometheus.Registerer) *CampaignMetrics {
	m := &CampaignMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confirma",
			Subsystem: "conversation",
			Name:      "inbound_total",
			Help:      "Total inbound webhook messages",
		}, []string{"status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confirma",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound sends",
		}, []string{"status"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confirma",
			Subsystem: "conversation",
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions",
		}, []string{"from", "to"}),
		ambiguousTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confirma",
			Subsystem: "conversation",
			Name:      "ambiguous_correlation_total",
			Help:      "Inbound messages dropped because they matched more than one appointment",
		}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "confirma",
			Subsystem: "http",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook ingress handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "confirma",
			Subsystem: "campaign",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of a full campaign dispatch run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.transitionsTotal,
		m.ambiguousTotal, m.webhookLatency, m.dispatchDuration)
	return m
}

func (m *CampaignMetrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *CampaignMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

func (m *CampaignMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *CampaignMetrics) ObserveAmbiguousCorrelation() {
	if m == nil {
		return
	}
	m.ambiguousTotal.Inc()
}

func (m *CampaignMetrics) ObserveWebhookLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}

func (m *CampaignMetrics) ObserveDispatchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}
