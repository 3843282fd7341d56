package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"library-lending/protocol"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	connAccepted prometheus.Counter
	connActive   prometheus.Gauge
	acceptErrors prometheus.Counter
	reqCnt       *prometheus.CounterVec
	reqDur       *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connAccepted := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_accepted_total"})
	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active"})
	acceptErrors := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_errors_total"})
	reqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "requests_total"}, []string{"command", "status"})
	reqDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "request_duration_seconds", Buckets: prometheus.DefBuckets}, []string{"command"})
	r.MustRegister(connAccepted, connActive, acceptErrors, reqCnt, reqDur)

	return &Metrics{
		registry:     r,
		connAccepted: connAccepted,
		connActive:   connActive,
		acceptErrors: acceptErrors,
		reqCnt:       reqCnt,
		reqDur:       reqDur,
	}
}

func (m *Metrics) SessionStart() {
	if m == nil {
		return
	}
	m.connAccepted.Inc()
	m.connActive.Inc()
}

func (m *Metrics) SessionDone() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

func (m *Metrics) AcceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

// RequestDone records one handled request. Unknown commands share one label
// so clients cannot grow the label set.
func (m *Metrics) RequestDone(cmd protocol.Command, status protocol.Status, since time.Time) {
	if m == nil {
		return
	}
	label := string(cmd)
	if !cmd.Known() {
		label = "UNKNOWN"
	}
	m.reqCnt.WithLabelValues(label, string(status)).Inc()
	m.reqDur.WithLabelValues(label).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
