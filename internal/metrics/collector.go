// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 上游调用指标
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamTokensUsed      *prometheus.CounterVec
	upstreamRetriesTotal    *prometheus.CounterVec

	// 队列与工作池指标
	queueDepth     *prometheus.GaugeVec
	queueShedTotal prometheus.Counter
	workersBusy    prometheus.Gauge

	// 熔断指标
	breakerState       *prometheus.GaugeVec
	breakerTripsTotal  *prometheus.CounterVec
	breakerShortsTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 记忆管道指标
	memoryPipelineTotal  *prometheus.CounterVec
	memoryDedupDecisions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream AI requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream AI request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.upstreamTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.upstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of upstream retry attempts",
		},
		[]string{"provider"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current priority queue depth",
		},
		[]string{"level"},
	)

	c.queueShedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_shed_total",
			Help:      "Total number of requests shed under queue pressure",
		},
	)

	c.workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of workers currently processing a request",
		},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	c.breakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		},
		[]string{"key"},
	)

	c.breakerShortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_shorts_total",
			Help:      "Total number of calls rejected by an open breaker",
		},
		[]string{"key"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.memoryPipelineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_pipeline_total",
			Help:      "Total number of memory pipeline jobs",
		},
		[]string{"outcome"}, // processed, skipped, failed, dropped
	)

	c.memoryDedupDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_dedup_decisions_total",
			Help:      "Total number of dedup decisions",
		},
		[]string{"decision"}, // skip, update, create
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstreamRequest 记录上游调用
func (c *Collector) RecordUpstreamRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.upstreamRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.upstreamTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.upstreamTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordUpstreamRetry 记录一次重试
func (c *Collector) RecordUpstreamRetry(provider string) {
	c.upstreamRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordQueueDepth 记录队列深度
func (c *Collector) RecordQueueDepth(level string, depth int) {
	c.queueDepth.WithLabelValues(level).Set(float64(depth))
}

// RecordQueueShed 记录一次队列淘汰
func (c *Collector) RecordQueueShed() {
	c.queueShedTotal.Inc()
}

// SetWorkersBusy 记录在忙 worker 数
func (c *Collector) SetWorkersBusy(n int) {
	c.workersBusy.Set(float64(n))
}

// RecordBreakerState 记录熔断器状态
func (c *Collector) RecordBreakerState(key string, state int) {
	c.breakerState.WithLabelValues(key).Set(float64(state))
}

// RecordBreakerTrip 记录一次熔断触发
func (c *Collector) RecordBreakerTrip(key string) {
	c.breakerTripsTotal.WithLabelValues(key).Inc()
}

// RecordBreakerShort 记录一次被打开的熔断器拒绝的调用
func (c *Collector) RecordBreakerShort(key string) {
	c.breakerShortsTotal.WithLabelValues(key).Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordMemoryPipeline 记录记忆管道任务结果
func (c *Collector) RecordMemoryPipeline(outcome string) {
	c.memoryPipelineTotal.WithLabelValues(outcome).Inc()
}

// RecordDedupDecision 记录去重决策
func (c *Collector) RecordDedupDecision(decision string) {
	c.memoryDedupDecisions.WithLabelValues(decision).Inc()
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
