package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "authmw_lock_acquire_seconds",
	Help:    "Time spent waiting to acquire a named lock",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"status"})

var lockConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "authmw_lock_conflicts_total",
	Help: "Number of lock acquisition attempts that found the lock already held",
})

var lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "authmw_lock_timeouts_total",
	Help: "Number of lock acquisitions that gave up after the configured timeout",
})

var lockReclaims = promauto.NewCounter(prometheus.CounterOpts{
	Name: "authmw_lock_reclaims_total",
	Help: "Number of stale lock rows that were removed so a waiter could proceed",
})

var kvOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authmw_store_ops_total",
	Help: "Number of key/value store operations, by table, operation and result",
}, []string{"table", "op", "result"})
