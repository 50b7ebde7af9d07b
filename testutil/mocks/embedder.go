// MockEmbedder 的向量化测试模拟实现。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/wellgate/embedding"
)

// MockEmbedder 是 embedding.Embedder 的模拟实现。
// 默认对每个文本返回确定性伪向量；可为特定文本固定向量，
// 使相似度测试可控。
type MockEmbedder struct {
	mu    sync.RWMutex
	dims  int
	fixed map[string][]float32
	err   error
	calls int
}

var _ embedding.Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder 创建模拟向量化器
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 8
	}
	return &MockEmbedder{
		dims:  dims,
		fixed: make(map[string][]float32),
	}
}

// WithVector 为指定文本固定返回向量
func (m *MockEmbedder) WithVector(text string, vec []float32) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vec
	return m
}

// WithError 设置返回错误
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Embed 实现 embedding.Embedder
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.err != nil {
		return nil, m.err
	}
	if vec, ok := m.fixed[text]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}

	vec := make([]float32, m.dims)
	for i, r := range text {
		vec[i%m.dims] += float32(r%31)/31 - 0.5
	}
	return embedding.Normalize(vec), nil
}

// Dimensions 实现 embedding.Embedder
func (m *MockEmbedder) Dimensions() int { return m.dims }

// Calls 返回 Embed 调用次数
func (m *MockEmbedder) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
