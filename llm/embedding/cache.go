package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/biem/internal/metrics"
)

const (
	defaultCacheEntries = 4096
	defaultCacheTTL     = 24 * time.Hour
	redisKeyPrefix      = "biem:embedding:"

	cacheTierLocal = "embedding_local"
	cacheTierRedis = "embedding_redis"
)

// CacheConfig 配置嵌入缓存.
type CacheConfig struct {
	MaxEntries int                // 本地 LRU 容量, <=0 时取默认值
	TTL        time.Duration      // 两级缓存的条目有效期
	Metrics    *metrics.Collector // 可选的命中/未命中计数
	Now        func() time.Time   // 可注入时钟, 默认 time.Now
}

// CachedProvider 在任意 Provider 外套两级缓存: 进程内 LRU 一级, Redis 二级.
// 嵌入向量对同一 (provider, model, dimensions, input_type, text) 不变,
// 因此不需要失效广播, 只靠 TTL 控制陈旧度. 并发的相同未命中通过
// singleflight 合并为一次上游调用.
type CachedProvider struct {
	inner   Provider
	local   *vectorLRU
	redis   *redis.Client
	ttl     time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
	sf      singleflight.Group
}

// NewCachedProvider 包装 inner 提供者. rdb 为 nil 时只启用本地缓存.
func NewCachedProvider(inner Provider, rdb *redis.Client, cfg CacheConfig, logger *zap.Logger) *CachedProvider {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultCacheEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachedProvider{
		inner:   inner,
		local:   newVectorLRU(cfg.MaxEntries, cfg.TTL, cfg.Now),
		redis:   rdb,
		ttl:     cfg.TTL,
		metrics: cfg.Metrics,
		logger:  logger.With(zap.String("component", "embedding_cache")),
		now:     cfg.Now,
	}
}

func (c *CachedProvider) Name() string      { return c.inner.Name() }
func (c *CachedProvider) Dimensions() int   { return c.inner.Dimensions() }
func (c *CachedProvider) MaxBatchSize() int { return c.inner.MaxBatchSize() }

// Embed 先逐条查缓存, 只把未命中的输入转发给底层提供者.
func (c *CachedProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if req == nil || len(req.Input) == 0 {
		return c.inner.Embed(ctx, req)
	}
	if len(req.Input) == 1 {
		return c.embedSingle(ctx, req)
	}
	return c.embedBatch(ctx, req)
}

// EmbedQuery 嵌入单个查询, 重复查询直接命中缓存.
func (c *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := c.Embed(ctx, &EmbeddingRequest{
		Input:     []string{query},
		InputType: InputTypeQuery,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return resp.Embeddings[0].Embedding, nil
}

// EmbedDocuments 嵌入多个文档, 只为缓存缺失的部分调用上游.
func (c *CachedProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	resp, err := c.Embed(ctx, &EmbeddingRequest{
		Input:     documents,
		InputType: InputTypeDocument,
	})
	if err != nil {
		return nil, err
	}
	result := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		result[i] = emb.Embedding
	}
	return result, nil
}

// embedSingle 处理单条输入: 未命中走 singleflight, 等待者复用 leader 的结果.
func (c *CachedProvider) embedSingle(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	key := c.cacheKey(req, req.Input[0])
	if vec, ok := c.lookup(ctx, key); ok {
		return c.cachedResponse(req, [][]float64{vec}), nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		resp, err := c.inner.Embed(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) > 0 {
			c.store(ctx, key, resp.Embeddings[0].Embedding)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EmbeddingResponse), nil
}

// embedBatch 处理多条输入: 命中的直接取, 未命中的合成一次上游请求再按位回填.
func (c *CachedProvider) embedBatch(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	keys := make([]string, len(req.Input))
	vecs := make([][]float64, len(req.Input))
	var missIdx []int
	for i, text := range req.Input {
		keys[i] = c.cacheKey(req, text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			vecs[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}

	model := req.Model
	var usage EmbeddingUsage
	if len(missIdx) > 0 {
		missReq := *req
		missReq.Input = make([]string, len(missIdx))
		for j, i := range missIdx {
			missReq.Input[j] = req.Input[i]
		}

		resp, err := c.inner.Embed(ctx, &missReq)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(missIdx) {
			return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(missIdx), len(resp.Embeddings))
		}
		for j, emb := range resp.Embeddings {
			i := missIdx[j]
			vecs[i] = emb.Embedding
			c.store(ctx, keys[i], emb.Embedding)
		}
		model = resp.Model
		usage = resp.Usage
	}

	out := c.cachedResponse(req, vecs)
	out.Model = model
	out.Usage = usage
	return out, nil
}

// lookup 依次查本地与 Redis, Redis 命中时回填本地. Redis 故障降级为未命中.
func (c *CachedProvider) lookup(ctx context.Context, key string) ([]float64, bool) {
	if vec, ok := c.local.get(key); ok {
		c.recordHit(cacheTierLocal)
		return vec, true
	}
	c.recordMiss(cacheTierLocal)

	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("embedding cache redis get failed", zap.Error(err))
		}
		c.recordMiss(cacheTierRedis)
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		c.recordMiss(cacheTierRedis)
		return nil, false
	}
	c.local.set(key, vec)
	c.recordHit(cacheTierRedis)
	return vec, true
}

// store 写入两级缓存. Redis 写失败只告警, 不影响调用方.
func (c *CachedProvider) store(ctx context.Context, key string, vec []float64) {
	c.local.set(key, vec)
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache redis set failed", zap.Error(err))
	}
}

// cacheKey 由提供者名、模型、维度、输入类型与文本共同决定, 任一变化都会换键.
func (c *CachedProvider) cacheKey(req *EmbeddingRequest, text string) string {
	h := sha256.New()
	h.Write([]byte(c.inner.Name()))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.Dimensions)))
	h.Write([]byte{0})
	h.Write([]byte(req.InputType))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// cachedResponse 按输入顺序拼装响应, 纯缓存命中时 usage 为零.
func (c *CachedProvider) cachedResponse(req *EmbeddingRequest, vecs [][]float64) *EmbeddingResponse {
	embeddings := make([]EmbeddingData, len(vecs))
	for i, vec := range vecs {
		embeddings[i] = EmbeddingData{Index: i, Embedding: vec, Object: "embedding"}
	}
	return &EmbeddingResponse{
		Provider:   c.inner.Name(),
		Model:      req.Model,
		Embeddings: embeddings,
		CreatedAt:  c.now(),
	}
}

func (c *CachedProvider) recordHit(tier string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(tier)
	}
}

func (c *CachedProvider) recordMiss(tier string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(tier)
	}
}

// ============================================================
// 本地 LRU（双向链表 + map, O(1) 读写, 条目带 TTL）
// ============================================================

type vectorLRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*vectorNode
	head     *vectorNode // 最近使用
	tail     *vectorNode // 最久未使用
}

type vectorNode struct {
	key       string
	vector    []float64
	expiresAt time.Time
	prev      *vectorNode
	next      *vectorNode
}

func newVectorLRU(capacity int, ttl time.Duration, now func() time.Time) *vectorLRU {
	return &vectorLRU{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		items:    make(map[string]*vectorNode),
	}
}

func (l *vectorLRU) get(key string) ([]float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.items[key]
	if !ok {
		return nil, false
	}
	if l.now().After(node.expiresAt) {
		l.remove(node)
		delete(l.items, key)
		return nil, false
	}
	l.moveToHead(node)
	return node.vector, true
}

func (l *vectorLRU) set(key string, vec []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if node, ok := l.items[key]; ok {
		node.vector = vec
		node.expiresAt = l.now().Add(l.ttl)
		l.moveToHead(node)
		return
	}

	if len(l.items) >= l.capacity {
		l.evictTail()
	}

	node := &vectorNode{key: key, vector: vec, expiresAt: l.now().Add(l.ttl)}
	l.items[key] = node
	l.addToHead(node)
}

func (l *vectorLRU) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *vectorLRU) addToHead(node *vectorNode) {
	node.prev = nil
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
}

func (l *vectorLRU) remove(node *vectorNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
}

func (l *vectorLRU) moveToHead(node *vectorNode) {
	if node == l.head {
		return
	}
	l.remove(node)
	l.addToHead(node)
}

func (l *vectorLRU) evictTail() {
	if l.tail == nil {
		return
	}
	delete(l.items, l.tail.key)
	l.remove(l.tail)
}
