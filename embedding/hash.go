package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// SemanticHash 把向量压缩为短哈希：取前 8 个维度按 0.1 粒度量化后
// 拼接哈希。语义相近的文本大概率得到相同哈希，用于去重的快速路径。
func SemanticHash(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	n := 8
	if len(vec) < n {
		n = len(vec)
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		q := int(vec[i] * 10)
		fmt.Fprintf(&sb, "%d:", q)
	}
	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ContentHash 对规范化文本取 fnv 哈希。向量不可用时的降级键。
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}

// HashFor 计算文本的语义哈希：向量化成功时量化向量，
// 失败或无向量化器时降级为内容哈希。
func HashFor(ctx context.Context, embedder Embedder, text string) (hash string, vec []float32) {
	if embedder != nil {
		if v, err := embedder.Embed(ctx, text); err == nil && len(v) > 0 {
			return SemanticHash(v), v
		}
	}
	return ContentHash(text), nil
}
