package monitoring

import (
	"strconv"
	"time"

	"boardnet/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the relay, the API
// and the participant services.
type PrometheusCollector struct {
	relayConnections      prometheus.Gauge
	relayConnectionsTotal prometheus.Counter
	relayUpdates          *prometheus.CounterVec
	relayUpdateBytes      *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec

	boardSaves        *prometheus.CounterVec
	boardSaveDuration prometheus.Histogram
	boardElements     prometheus.Histogram

	peerStates   *prometheus.CounterVec
	glareEvents  *prometheus.CounterVec
	signals      *prometheus.CounterVec
	signalsSwept prometheus.Counter

	assistantCalls    *prometheus.CounterVec
	assistantDuration prometheus.Histogram
}

// NewPrometheusCollector registers the collectors on the default registry.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWith(prometheus.DefaultRegisterer)
}

func NewPrometheusCollectorWith(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		relayConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "boardnet_relay_connections",
			Help: "Open relay websocket connections",
		}),
		relayConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "boardnet_relay_connections_total",
			Help: "Relay websocket connections accepted",
		}),
		relayUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_relay_updates_total",
			Help: "Document updates relayed, by origin",
		}, []string{"source"}),
		relayUpdateBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_relay_update_bytes_total",
			Help: "Bytes of document updates relayed, by origin",
		}, []string{"source"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "boardnet_http_request_duration_seconds",
			Help:    "API request durations",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		boardSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_board_saves_total",
			Help: "Board snapshots written to the room store",
		}, []string{"outcome"}),
		boardSaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "boardnet_board_save_duration_seconds",
			Help:    "Duration of board snapshot writes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		boardElements: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "boardnet_board_save_elements",
			Help:    "Elements per saved board snapshot",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		peerStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_peer_state_transitions_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),
		glareEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_peer_glare_total",
			Help: "Offer collisions, by how this side resolved them",
		}, []string{"resolution"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_signals_total",
			Help: "Signaling messages, by direction and type",
		}, []string{"direction", "type"}),
		signalsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "boardnet_signals_collected_total",
			Help: "Expired signaling messages removed from the room document",
		}),

		assistantCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardnet_assistant_calls_total",
			Help: "Assistant generations, by outcome",
		}, []string{"outcome"}),
		assistantDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "boardnet_assistant_call_duration_seconds",
			Help:    "Assistant generation latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) UpdateRelayed(source string, bytes int) {
	p.relayUpdates.WithLabelValues(source).Inc()
	p.relayUpdateBytes.WithLabelValues(source).Add(float64(bytes))
}

// HTTPMiddleware observes request durations by route template.
func (p *PrometheusCollector) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		p.httpDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func (p *PrometheusCollector) BoardSaved(elements int, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.boardSaves.WithLabelValues(outcome).Inc()
	p.boardSaveDuration.Observe(d.Seconds())
	if err == nil {
		p.boardElements.Observe(float64(elements))
	}
}

func (p *PrometheusCollector) PeerStateChanged(state domain.PeerState) {
	p.peerStates.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) GlareResolved(polite bool) {
	resolution := "kept_offer"
	if polite {
		resolution = "rolled_back"
	}
	p.glareEvents.WithLabelValues(resolution).Inc()
}

func (p *PrometheusCollector) SignalSent(t domain.SignalType) {
	p.signals.WithLabelValues("sent", string(t)).Inc()
}

func (p *PrometheusCollector) SignalReceived(t domain.SignalType) {
	p.signals.WithLabelValues("received", string(t)).Inc()
}

func (p *PrometheusCollector) SignalsCollected(n int) {
	p.signalsSwept.Add(float64(n))
}

func (p *PrometheusCollector) AssistantCall(outcome string, d time.Duration) {
	p.assistantCalls.WithLabelValues(outcome).Inc()
	p.assistantDuration.Observe(d.Seconds())
}
