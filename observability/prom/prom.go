package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rendezchat/rendez/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ChatObserver exports rendezvous metrics to Prometheus.
type ChatObserver struct {
	connGauge        prometheus.Gauge
	pairGauge        prometheus.Gauge
	queueGauge       *prometheus.GaugeVec
	queueTimeouts    *prometheus.CounterVec
	admissionTotal   *prometheus.CounterVec
	frameTotal       *prometheus.CounterVec
	matchTotal       *prometheus.CounterVec
	matchWait        prometheus.Histogram
	closeTotal       *prometheus.CounterVec
	enforcementTotal *prometheus.CounterVec
}

// NewChatObserver registers rendezvous metrics on the registry.
func NewChatObserver(reg *prometheus.Registry) *ChatObserver {
	o := &ChatObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendez_connections",
			Help: "Current websocket connection count.",
		}),
		pairGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendez_pairs",
			Help: "Current active pair count.",
		}),
		queueGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rendez_queue_len",
			Help: "Current queue length by mode.",
		}, []string{"mode"}),
		queueTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_queue_timeouts_total",
			Help: "Queue entries swept after exceeding the queue timeout.",
		}, []string{"mode"}),
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_admission_total",
			Help: "Upgrade admission attempts by result and reason.",
		}, []string{"result", "reason"}),
		frameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_frames_total",
			Help: "Inbound frames by type and validation result.",
		}, []string{"type", "result"}),
		matchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_matches_total",
			Help: "Successful queue matches by mode.",
		}, []string{"mode"}),
		matchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendez_match_wait_seconds",
			Help:    "Queue wait time from enqueue to match.",
			Buckets: prometheus.DefBuckets,
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		enforcementTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendez_enforcement_total",
			Help: "Security enforcement actions.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.pairGauge,
		o.queueGauge,
		o.queueTimeouts,
		o.admissionTotal,
		o.frameTotal,
		o.matchTotal,
		o.matchWait,
		o.closeTotal,
		o.enforcementTotal,
	)
	return o
}

func (o *ChatObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *ChatObserver) PairCount(n int) {
	o.pairGauge.Set(float64(n))
}

func (o *ChatObserver) QueueLen(mode string, n int) {
	o.queueGauge.WithLabelValues(mode).Set(float64(n))
}

func (o *ChatObserver) QueueTimeout(mode string) {
	o.queueTimeouts.WithLabelValues(mode).Inc()
}

func (o *ChatObserver) Admission(result observability.AdmissionResult, reason observability.AdmissionReason) {
	o.admissionTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *ChatObserver) Frame(frameType string, result observability.FrameResult) {
	o.frameTotal.WithLabelValues(frameType, string(result)).Inc()
}

func (o *ChatObserver) Match(mode string, wait time.Duration) {
	o.matchTotal.WithLabelValues(mode).Inc()
	o.matchWait.Observe(wait.Seconds())
}

func (o *ChatObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *ChatObserver) Enforcement(kind observability.EnforcementKind) {
	o.enforcementTotal.WithLabelValues(string(kind)).Inc()
}
