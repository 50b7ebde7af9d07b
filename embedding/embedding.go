// Package embedding 提供文本向量化接口、上游适配实现与
// 无上游时的确定性哈希降级。
package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

// Embedder 文本向量化接口。
type Embedder interface {
	// Embed 生成文本向量。
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions 返回向量维度。
	Dimensions() int
}

// ProviderEmbedder 由上游适配器支持的向量化实现。
type ProviderEmbedder struct {
	provider   gateway.Provider
	dimensions int
	logger     *zap.Logger
}

// NewProviderEmbedder 创建上游向量化器。dimensions 是上游模型的输出维度。
func NewProviderEmbedder(provider gateway.Provider, dimensions int, logger *zap.Logger) *ProviderEmbedder {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &ProviderEmbedder{
		provider:   provider,
		dimensions: dimensions,
		logger:     logger.With(zap.String("component", "embedder")),
	}
}

func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embedding(ctx, text)
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *ProviderEmbedder) Dimensions() int { return e.dimensions }

// HashEmbedder 确定性伪向量降级实现：同样的文本总是得到同样的向量。
// 只保证可比性（相同文本相似度 1），不保证语义邻近性。
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder 创建哈希向量化器。
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	h := fnv.New64a()
	for i := 0; i < e.dimensions; i++ {
		h.Reset()
		h.Write([]byte{byte(i)})
		h.Write([]byte(text))
		// 归一到 [-1, 1]
		vec[i] = float32(int64(h.Sum64())) / float32(math.MaxInt64)
	}
	return Normalize(vec), nil
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Normalize 把向量归一化为单位长度。零向量原样返回。
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Cosine 计算余弦相似度。维度不一致或零向量时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
