// Embedder 的嵌入提供商测试模拟实现。
//
// 基于词袋哈希生成确定性向量：相同文本产生相同向量（余弦 1.0），
// 共享词汇的文本产生高相似度向量，无共享词汇则接近正交。
package mocks

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/biem/llm/embedding"
)

// Embedder 是 embedding.Provider 的模拟实现。
type Embedder struct {
	mu sync.Mutex

	dim      int
	canned   map[string][]float64
	failures int
	failAll  bool
	calls    int
}

// NewEmbedder 创建维度为 dim 的模拟嵌入器（dim <= 0 时取 16）。
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = 16
	}
	return &Embedder{
		dim:    dim,
		canned: make(map[string][]float64),
	}
}

// SetVector 为指定文本固定返回向量，优先于哈希生成。
func (e *Embedder) SetVector(text string, vec []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canned[text] = append([]float64(nil), vec...)
}

// FailNext 注入 n 次一次性失败。
func (e *Embedder) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}

// FailAll 控制是否持续失败。
func (e *Embedder) FailAll(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAll = v
}

// Calls 返回嵌入调用次数（按输入条数计）。
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ErrEmbedderDown 是模拟失败时返回的错误。
var ErrEmbedderDown = errors.New("mock embedder unavailable")

// Embed 实现 embedding.Provider。
func (e *Embedder) Embed(ctx context.Context, req *embedding.EmbeddingRequest) (*embedding.EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors, err := e.vectorsFor(req.Input)
	if err != nil {
		return nil, err
	}
	data := make([]embedding.EmbeddingData, len(vectors))
	for i, v := range vectors {
		data[i] = embedding.EmbeddingData{Index: i, Embedding: v, Object: "embedding"}
	}
	return &embedding.EmbeddingResponse{
		ID:         "mock-embedding",
		Provider:   "mock",
		Model:      req.Model,
		Embeddings: data,
		CreatedAt:  time.Now(),
	}, nil
}

// EmbedQuery 实现 embedding.Provider。
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors, err := e.vectorsFor([]string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments 实现 embedding.Provider。
func (e *Embedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vectorsFor(documents)
}

// Name 实现 embedding.Provider。
func (e *Embedder) Name() string { return "mock" }

// Dimensions 实现 embedding.Provider。
func (e *Embedder) Dimensions() int { return e.dim }

// MaxBatchSize 实现 embedding.Provider。
func (e *Embedder) MaxBatchSize() int { return 64 }

func (e *Embedder) vectorsFor(inputs []string) ([][]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failAll {
		e.calls += len(inputs)
		return nil, ErrEmbedderDown
	}
	if e.failures > 0 {
		e.failures--
		e.calls += len(inputs)
		return nil, ErrEmbedderDown
	}

	out := make([][]float64, len(inputs))
	for i, text := range inputs {
		e.calls++
		if v, ok := e.canned[text]; ok {
			out[i] = append([]float64(nil), v...)
			continue
		}
		out[i] = HashVector(text, e.dim)
	}
	return out, nil
}

// HashVector 生成词袋哈希向量并作 L2 归一化。
func HashVector(text string, dim int) []float64 {
	v := make([]float64, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%dim] += 1.0
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}
