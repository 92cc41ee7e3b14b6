package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nanotron_prefill_duration_seconds",
		Help:    "Duration of prefill forward passes",
		Buckets: prometheus.DefBuckets,
	})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nanotron_decode_duration_seconds",
		Help:    "Duration of single-token decode steps",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	PrefillTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanotron_prefill_tokens_total",
		Help: "Total non-padding tokens processed during prefill",
	})

	DecodeTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanotron_decode_tokens_total",
		Help: "Total tokens generated during decode",
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nanotron_context_length_tokens",
		Help:    "Distribution of per-sequence context lengths at prefill",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	KVCacheCapacitySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nanotron_kv_cache_capacity_slots",
		Help: "Total KV cache slots allocated across live sessions",
	})

	KVCacheUsedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nanotron_kv_cache_used_slots",
		Help: "KV cache slots currently holding entries",
	})

	KVCacheAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanotron_kv_cache_appends_total",
		Help: "Total single-position appends into the KV cache",
	})

	KVCacheOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanotron_kv_cache_overflows_total",
		Help: "Total appends rejected because a sequence reached cache capacity",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nanotron_kernel_duration_seconds",
		Help:    "Histogram of attention kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanotron_validation_errors_total",
		Help: "Total inputs rejected by shape or range validation",
	}, []string{"operation", "error_type"})

	TransportMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanotron_transport_messages_total",
		Help: "Total tensors exchanged between pipeline stages",
	}, []string{"direction"})

	TransportBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanotron_transport_bytes_total",
		Help: "Total tensor payload bytes exchanged between pipeline stages",
	}, []string{"direction"})

	StageForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nanotron_stage_forward_duration_seconds",
		Help:    "Per-pipeline-stage forward pass latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func RecordPrefill(tokens int, duration time.Duration) {
	PrefillTokensTotal.Add(float64(tokens))
	PrefillDuration.Observe(duration.Seconds())
}

func RecordDecode(tokens int, duration time.Duration) {
	DecodeTokensTotal.Add(float64(tokens))
	DecodeDuration.Observe(duration.Seconds())
}

func RecordContextLength(tokens int) {
	ContextLength.Observe(float64(tokens))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKVCacheStats publishes capacity and fill level after a cache mutation.
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacitySlots.Set(float64(capacity))
	KVCacheUsedSlots.Set(float64(used))
}

func RecordKVCacheAppend(n int) {
	KVCacheAppendsTotal.Add(float64(n))
}

func RecordKVCacheOverflow() {
	KVCacheOverflowsTotal.Inc()
}

func RecordTransportSend(bytes int) {
	TransportMessagesTotal.WithLabelValues("send").Inc()
	TransportBytesTotal.WithLabelValues("send").Add(float64(bytes))
}

func RecordTransportRecv(bytes int) {
	TransportMessagesTotal.WithLabelValues("recv").Inc()
	TransportBytesTotal.WithLabelValues("recv").Add(float64(bytes))
}

func RecordStageForward(stage string, duration time.Duration) {
	StageForwardDuration.WithLabelValues(stage).Observe(duration.Seconds())
}
