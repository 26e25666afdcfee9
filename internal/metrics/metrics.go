package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests    prometheus.Counter
	StreamFailures  prometheus.Counter
	ToolCalls       *prometheus.CounterVec
	ToolFailures    *prometheus.CounterVec
	DigestEnqueued  prometheus.Counter
	DigestProcessed prometheus.Counter
	DigestFailed    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "chat_requests_total",
				Help:      "Total chat generation requests received",
			}),
			StreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "stream_failures_total",
				Help:      "Total generations that ended in an error",
			}),
			ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations requested by models",
			}, []string{"tool"}),
			ToolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "tool_failures_total",
				Help:      "Total tool invocations that returned an error",
			}, []string{"tool"}),
			DigestEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "digest_enqueued_total",
				Help:      "Total digest jobs enqueued to redis stream",
			}),
			DigestProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "digest_processed_total",
				Help:      "Total digest jobs successfully processed",
			}),
			DigestFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "charchat",
				Name:      "digest_failed_total",
				Help:      "Total digest jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.StreamFailures,
			global.ToolCalls,
			global.ToolFailures,
			global.DigestEnqueued,
			global.DigestProcessed,
			global.DigestFailed,
		)
	})
	return global
}
