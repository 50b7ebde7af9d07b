// MockProvider 的上游测试模拟实现。
//
// 支持固定响应、流式输出与错误注入场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/wellgate/gateway"
)

// --- MockProvider 结构 ---

// MockProvider 是 gateway.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	name string

	// 响应配置
	response     string
	streamChunks []string
	err          error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)

	// 行为控制
	delay     time.Duration // 模拟延迟
	failAfter int           // 前 N 次调用失败，之后成功
	callCount int
	healthy   bool
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request  *gateway.ChatRequest
	Response *gateway.ChatResponse
	Error    error
}

var _ gateway.Provider = (*MockProvider)(nil)

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
		healthy:          true,
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailFirst 设置前 N 次调用返回 WithError 设置的错误，之后成功
func (m *MockProvider) WithFailFirst(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithUnhealthy 使健康检查返回不可用
func (m *MockProvider) WithUnhealthy() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = false
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, gateway.NewError(gateway.ClassOf(ctx.Err()), ctx.Err().Error())
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 注入错误：failAfter 为 0 时恒定失败，否则仅前 N 次失败
	if m.err != nil && (m.failAfter == 0 || count <= m.failAfter) {
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: m.err})
		return nil, m.err
	}

	if m.completionFunc != nil {
		resp, err := m.completionFunc(ctx, req)
		m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	resp := &gateway.ChatResponse{
		ID:           "mock-response-id",
		Provider:     m.name,
		Model:        req.Model,
		Content:      m.response,
		FinishReason: gateway.FinishStop,
		Usage: gateway.Usage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp})
	return resp, nil
}

// Stream 流式生成响应
func (m *MockProvider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount

	if m.err != nil && (m.failAfter == 0 || count <= m.failAfter) {
		err := m.err
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}

	if m.streamFunc != nil {
		fn := m.streamFunc
		m.mu.Unlock()
		return fn(ctx, req)
	}

	chunks := m.streamChunks
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	usage := gateway.Usage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
	m.calls = append(m.calls, MockProviderCall{Request: req})
	m.mu.Unlock()

	ch := make(chan gateway.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for i, delta := range chunks {
			chunk := gateway.StreamChunk{Delta: delta, Index: i}
			if i == len(chunks)-1 {
				chunk.FinishReason = gateway.FinishStop
				chunk.Usage = &usage
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// Embedding 返回由文本内容决定的伪向量
func (m *MockProvider) Embedding(ctx context.Context, text string) ([]float32, error) {
	m.mu.RLock()
	err := m.err
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r%23)/23 - 0.5
	}
	return vec, nil
}

// ListModels 返回可用模型列表
func (m *MockProvider) ListModels(ctx context.Context) ([]gateway.Model, error) {
	return []gateway.Model{
		{ID: "mock-model", Object: "model", OwnedBy: "mock"},
	}, nil
}

// HealthCheck 执行健康检查
func (m *MockProvider) HealthCheck(ctx context.Context) (*gateway.HealthStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &gateway.HealthStatus{
		Healthy: m.healthy,
		Latency: 10 * time.Millisecond,
	}, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// Reset 重置所有状态
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
}

// --- 预设 Provider 工厂 ---

// NewSuccessProvider 创建总是成功的 Provider
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewStreamProvider 创建流式响应的 Provider
func NewStreamProvider(chunks []string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks)
}

// NewFlakeyProvider 创建先失败 n 次再成功的 Provider
func NewFlakeyProvider(n int, err error, response string) *MockProvider {
	return NewMockProvider().
		WithResponse(response).
		WithError(err).
		WithFailFirst(n)
}
