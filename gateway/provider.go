package gateway

import (
	"context"
	"time"
)

// ChatRequest 是适配器层的上游请求。与入口 Request 解耦：
// worker 负责把网关请求映射为适配器请求。
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ChatResponse 是适配器归一化后的上游响应。
type ChatResponse struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        Usage        `json:"usage,omitempty"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
}

// StreamChunk 流式增量。最终 chunk 携带 FinishReason 与 Usage。
type StreamChunk struct {
	Delta        string       `json:"delta"`
	Index        int          `json:"index,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Err          *Error       `json:"error,omitempty"`
}

// Model 上游模型目录条目。
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的上游适配接口。
// 实现必须可被多个 worker 并发使用；失败以 *Error 类型化返回：
// TRANSIENT/RATE_LIMITED 可重试，UNAUTHORIZED/PERMANENT 立即上浮。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应。
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式请求，返回增量通道。chunk 按到达顺序发送，
	// 通道在流结束或出错后关闭；错误通过最后一个 chunk 的 Err 传递。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Embedding 生成文本向量。不支持向量的上游返回 PERMANENT 错误。
	Embedding(ctx context.Context, text string) ([]float32, error)

	// ListModels 返回上游模型目录。
	ListModels(ctx context.Context) ([]Model, error)

	// HealthCheck 轻量级探活，返回延迟与可用性。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识。
	Name() string
}
