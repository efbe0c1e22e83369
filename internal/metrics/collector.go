// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// 记忆引擎指标
	ingestTotal        *prometheus.CounterVec
	ingestDuration     *prometheus.HistogramVec
	recallTotal        *prometheus.CounterVec
	recallDuration     *prometheus.HistogramVec
	tierTransitions    *prometheus.CounterVec
	conflictsDetected  *prometheus.CounterVec
	factsConsolidated  *prometheus.CounterVec
	workingSetSize     *prometheus.GaugeVec
	degradedNodes      prometheus.Gauge
	pendingLinkWrites  prometheus.Gauge

	// 知识库指标
	knowledgeStored    *prometheus.CounterVec
	knowledgePending   *prometheus.CounterVec
	knowledgeQueries   *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
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

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	// 记忆引擎指标
	c.ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ingest_total",
			Help:      "Total number of ingested memory nodes",
		},
		[]string{"status"}, // status: ok, degraded, error
	)

	c.ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_ingest_duration_seconds",
			Help:      "Ingest pipeline duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	c.recallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_recall_total",
			Help:      "Total number of recall queries",
		},
		[]string{"status"},
	)

	c.recallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_recall_duration_seconds",
			Help:      "Recall pipeline duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	c.tierTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_tier_transitions_total",
			Help:      "Total number of tier transitions",
		},
		[]string{"transition"}, // transition: admit, promote, demote, evict
	)

	c.conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_conflicts_detected_total",
			Help:      "Total number of dissonance signals surfaced",
		},
		[]string{"conflict_type"},
	)

	c.factsConsolidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_facts_consolidated_total",
			Help:      "Total number of crystal facts produced by consolidation",
		},
		[]string{"scope"},
	)

	c.workingSetSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_working_set_size",
			Help:      "Current working set residents per scope",
		},
		[]string{"scope"},
	)

	c.degradedNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_degraded_nodes",
			Help:      "Nodes currently awaiting re-embedding",
		},
	)

	c.pendingLinkWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_pending_link_writes",
			Help:      "Crystal link writes queued for reconciliation",
		},
	)

	// 知识库指标
	c.knowledgeStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_triples_stored_total",
			Help:      "Total number of knowledge triples stored",
		},
		[]string{"source"},
	)

	c.knowledgePending = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_pending_total",
			Help:      "Pending update outcomes",
		},
		[]string{"outcome"}, // outcome: created, confirmed, rejected, expired
	)

	c.knowledgeQueries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "knowledge_query_duration_seconds",
			Help:      "Knowledge query duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"status"},
	)

	// 缓存指标
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

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🧠 记忆引擎指标记录
// =============================================================================

// RecordIngest 记录一次摄取
func (c *Collector) RecordIngest(status string, duration time.Duration) {
	c.ingestTotal.WithLabelValues(status).Inc()
	c.ingestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRecall 记录一次召回
func (c *Collector) RecordRecall(status string, duration time.Duration) {
	c.recallTotal.WithLabelValues(status).Inc()
	c.recallDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTierTransition 记录层级迁移（admit / promote / demote / evict）
func (c *Collector) RecordTierTransition(transition string) {
	c.tierTransitions.WithLabelValues(transition).Inc()
}

// RecordConflict 记录一次认知失调信号
func (c *Collector) RecordConflict(conflictType string) {
	c.conflictsDetected.WithLabelValues(conflictType).Inc()
}

// RecordConsolidation 记录结晶事实产出
func (c *Collector) RecordConsolidation(scope string, facts int) {
	c.factsConsolidated.WithLabelValues(scope).Add(float64(facts))
}

// SetWorkingSetSize 记录工作集大小
func (c *Collector) SetWorkingSetSize(scope string, size int) {
	c.workingSetSize.WithLabelValues(scope).Set(float64(size))
}

// SetDegradedNodes 记录待补嵌入节点数
func (c *Collector) SetDegradedNodes(n int) {
	c.degradedNodes.Set(float64(n))
}

// SetPendingLinkWrites 记录待补写的结晶链接数
func (c *Collector) SetPendingLinkWrites(n int) {
	c.pendingLinkWrites.Set(float64(n))
}

// =============================================================================
// 📚 知识库指标记录
// =============================================================================

// RecordKnowledgeStored 记录三元组入库
func (c *Collector) RecordKnowledgeStored(source string) {
	c.knowledgeStored.WithLabelValues(source).Inc()
}

// RecordKnowledgePending 记录待确认更新的结局
func (c *Collector) RecordKnowledgePending(outcome string) {
	c.knowledgePending.WithLabelValues(outcome).Inc()
}

// RecordKnowledgeQuery 记录知识检索
func (c *Collector) RecordKnowledgeQuery(status string, duration time.Duration) {
	c.knowledgeQueries.WithLabelValues(status).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

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
