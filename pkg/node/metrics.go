package node

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	pushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ourofs_push_total",
		Help: "Total FILE PUSH commands handled as entry peer.",
	})
	pushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ourofs_push_duration_seconds",
		Help:    "Latency of FILE PUSH handling.",
		Buckets: prometheus.DefBuckets,
	})
	pullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ourofs_pull_total",
		Help: "Total FILE PULL commands handled.",
	})
	pullDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ourofs_pull_duration_seconds",
		Help:    "Latency of FILE PULL handling.",
		Buckets: prometheus.DefBuckets,
	})
	healTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ourofs_heal_total",
		Help: "Total healing workflows started.",
	})
	broadcastErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ourofs_broadcast_errors_total",
		Help: "Broadcast deliveries that failed (best effort).",
	})
)

// RegisterMetrics registers the node metrics and, when port is non-empty,
// serves /metrics on a side listener.
func RegisterMetrics(port string) {
	prometheus.MustRegister(pushTotal, pushDuration, pullTotal, pullDuration, healTotal, broadcastErrors)
	if port == "" || port == "0" {
		return
	}
	go func() {
		addr := ":" + port
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.WithField("addr", addr).Info("prometheus metrics listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics listener failed")
		}
	}()
}
