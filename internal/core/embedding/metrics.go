package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はEmbedding生成のスループット・レイテンシ計測を保持する
type Metrics struct {
	BatchesTotal    prometheus.Counter
	TextsTotal      prometheus.Counter
	FailuresTotal   prometheus.Counter
	CacheHitsTotal  prometheus.Counter
	CacheMissTotal  prometheus.Counter
	BatchDuration   prometheus.Histogram
	RequestDuration prometheus.Histogram
}

// NewMetrics はEmbeddingメトリクスを作成しレジストリへ登録する
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedding_batches_total",
			Help: "Total embedding batches sent to the model service",
		}),
		TextsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedding_texts_total",
			Help: "Total texts embedded",
		}),
		FailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedding_batch_failures_total",
			Help: "Embedding batches that exhausted the retry budget",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedding_cache_hits_total",
			Help: "Embedding cache hits",
		}),
		CacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedding_cache_misses_total",
			Help: "Embedding cache misses",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_batch_duration_seconds",
			Help:    "Latency of a single embedding batch call",
			Buckets: prometheus.DefBuckets,
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_request_duration_seconds",
			Help:    "End-to-end latency of an EmbedBatch request",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BatchesTotal,
			m.TextsTotal,
			m.FailuresTotal,
			m.CacheHitsTotal,
			m.CacheMissTotal,
			m.BatchDuration,
			m.RequestDuration,
		)
	}
	return m
}
