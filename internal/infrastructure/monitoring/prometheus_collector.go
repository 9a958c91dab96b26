package monitoring

import (
	"time"

	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MeshMetrics.
type PrometheusCollector struct {
	linksByState     *prometheus.GaugeVec
	linkTransitions  *prometheus.CounterVec
	linkFailures     *prometheus.CounterVec
	signalsSent      *prometheus.CounterVec
	signalsReceived  *prometheus.CounterVec
	signalsDiscarded *prometheus.CounterVec
	remoteBytes      *prometheus.CounterVec

	negotiationDuration prometheus.Histogram
}

// NewPrometheusCollector registers the mesh metrics on reg. A nil reg uses
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		linksByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_peer_links",
			Help: "Peer links currently in each state",
		}, []string{"state"}),

		linkTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_link_transitions_total",
			Help: "Peer link state transitions",
		}, []string{"from", "to"}),

		linkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_link_failures_total",
			Help: "Peer links closed by a failure",
		}, []string{"reason"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_sent_total",
			Help: "Signaling envelopes published",
		}, []string{"kind"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_received_total",
			Help: "Signaling envelopes received",
		}, []string{"kind"}),

		signalsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_discarded_total",
			Help: "Signaling envelopes dropped without effect",
		}, []string{"kind", "reason"}),

		remoteBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_remote_media_bytes_total",
			Help: "RTP payload bytes received from remote participants",
		}, []string{"kind"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_negotiation_duration_seconds",
			Help:    "Time from link creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordLinkState(from, to domain.LinkState) {
	if from == to {
		return
	}
	// New links arrive from closed.
	if from != domain.LinkClosed {
		p.linksByState.WithLabelValues(from.String()).Dec()
	}
	if to != domain.LinkClosed {
		p.linksByState.WithLabelValues(to.String()).Inc()
	}
	p.linkTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusCollector) RecordSignalSent(kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignalReceived(kind domain.SignalKind) {
	p.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignalDiscarded(kind domain.SignalKind, reason string) {
	p.signalsDiscarded.WithLabelValues(string(kind), reason).Inc()
}

func (p *PrometheusCollector) RecordNegotiation(duration time.Duration) {
	p.negotiationDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordLinkFailure(reason string) {
	p.linkFailures.WithLabelValues(reason).Inc()
}

// RecordRemoteBytes counts media received on a remote track.
func (p *PrometheusCollector) RecordRemoteBytes(kind domain.TrackKind, n int) {
	p.remoteBytes.WithLabelValues(string(kind)).Add(float64(n))
}
