// Package metrics exposes prometheus collectors for the delivery engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driftq_messages_enqueued_total", Help: "Messages accepted into the send queue"},
	)
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driftq_sends_total", Help: "Send attempts by result"},
		[]string{"result"},
	)
	SendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driftq_send_retries_total", Help: "Send attempts made with retry_count > 0"},
	)
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driftq_rate_limit_hits_total", Help: "Sends rejected by server rate limiting"},
	)
	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driftq_cache_evictions_total", Help: "Cache rows removed by TTL eviction"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "driftq_queue_depth", Help: "Pending plus failed rows observed at last drain"},
	)
)

var initOnce sync.Once

// Init registers all collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(MessagesEnqueued)
		prometheus.MustRegister(SendsTotal)
		prometheus.MustRegister(SendRetries)
		prometheus.MustRegister(RateLimitHits)
		prometheus.MustRegister(CacheEvictions)
		prometheus.MustRegister(QueueDepth)
	})
}
