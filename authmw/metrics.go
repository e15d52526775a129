package authmw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authmw_gate_rejections_total",
	Help: "Requests rejected before reaching a route, by reason",
}, []string{"reason"})

var bootstrapDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "authmw_bootstrap_seconds",
	Help:    "Duration of the eager bootstrap phase",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"status"})

var loginsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "authmw_logins_started_total",
	Help: "Number of OAuth authorization flows started",
})

var callbacksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authmw_callbacks_total",
	Help: "Number of OAuth callbacks handled, by result",
}, []string{"result"})
