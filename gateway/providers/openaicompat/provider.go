package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/providers"
)

// Config 配置一个 OpenAI 兼容的上游。
type Config struct {
	ProviderName   string
	APIKey         string
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	EmbeddingModel string
	Timeout        time.Duration

	// BuildHeaders 自定义认证 header；为 nil 时使用 Bearer token。
	BuildHeaders func(*http.Request, string)
}

// Provider 是 OpenAI 风格 HTTP API 的通用适配器。
// nova、sage 等具体上游以它为基础并注入差异化配置。
// 实例无可变状态，可被多个 worker 并发使用。
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ gateway.Provider = (*Provider)(nil)

// New 创建适配器。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BuildHeaders == nil {
		cfg.BuildHeaders = providers.BearerTokenHeaders
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name 实现 gateway.Provider。
func (p *Provider) Name() string { return p.cfg.ProviderName }

// --- 请求/响应编解码 ---

type compatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatRequest struct {
	Model       string          `json:"model"`
	Messages    []compatMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type compatChoice struct {
	Index        int            `json:"index"`
	FinishReason string         `json:"finish_reason"`
	Message      compatMessage  `json:"message"`
	Delta        *compatMessage `json:"delta,omitempty"`
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type compatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []compatChoice `json:"choices"`
	Usage   *compatUsage   `json:"usage,omitempty"`
	Created int64          `json:"created,omitempty"`
}

func (p *Provider) buildBody(req *gateway.ChatRequest, stream bool) compatRequest {
	msgs := make([]compatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, compatMessage{Role: string(m.Role), Content: m.Content})
	}
	return compatRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.DefaultModel, p.cfg.FallbackModel),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.cfg.BuildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &gateway.Error{
				Class: gateway.ClassOf(ctx.Err()), Message: err.Error(), Provider: p.Name(),
			}
		}
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	return resp, nil
}

func (p *Provider) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	msg := providers.ReadErrorMessage(resp.Body)
	ge := gateway.MapUpstreamStatus(resp.StatusCode, msg, p.Name())
	if ge.Class == gateway.ClassRateLimited {
		ge.RetryAfter = providers.ParseRetryAfter(resp.Header)
	}
	return ge
}

// Completion 实现 gateway.Provider。
func (p *Provider) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := p.post(ctx, "/v1/chat/completions", p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: "decode response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	return p.toChatResponse(cr), nil
}

func (p *Provider) toChatResponse(cr compatResponse) *gateway.ChatResponse {
	out := &gateway.ChatResponse{
		ID:       cr.ID,
		Provider: p.Name(),
		Model:    cr.Model,
	}
	if len(cr.Choices) > 0 {
		out.Content = cr.Choices[0].Message.Content
		out.FinishReason = normalizeFinish(cr.Choices[0].FinishReason)
	}
	if cr.Usage != nil {
		out.Usage = gateway.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	if cr.Created != 0 {
		out.CreatedAt = time.Unix(cr.Created, 0)
	}
	return out
}

func normalizeFinish(reason string) gateway.FinishReason {
	switch reason {
	case "stop", "end_turn", "":
		return gateway.FinishStop
	case "length", "max_tokens":
		return gateway.FinishLength
	case "content_filter":
		return gateway.FinishContentFilter
	default:
		return gateway.FinishReason(reason)
	}
}

// Stream 实现 gateway.Provider。按 SSE 协议解析增量并顺序发送；
// 通道在流结束或出错后关闭，错误通过最后一个 chunk 的 Err 传递。
func (p *Provider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := p.post(ctx, "/v1/chat/completions", p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		index := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var cr compatResponse
			if err := json.Unmarshal([]byte(payload), &cr); err != nil {
				p.logger.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}
			if len(cr.Choices) == 0 {
				continue
			}

			chunk := gateway.StreamChunk{Index: index}
			if cr.Choices[0].Delta != nil {
				chunk.Delta = cr.Choices[0].Delta.Content
			}
			if fr := cr.Choices[0].FinishReason; fr != "" {
				chunk.FinishReason = normalizeFinish(fr)
			}
			if cr.Usage != nil {
				chunk.Usage = &gateway.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			index++

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			// 消费方可能已放弃读取，发送同样要受 ctx 保护以免 goroutine 泄漏
			select {
			case ch <- gateway.StreamChunk{Err: &gateway.Error{
				Class: gateway.ClassTransient, Message: "stream read: " + err.Error(),
				Retryable: true, Provider: p.Name(),
			}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// --- Embedding ---

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embedding 实现 gateway.Provider。
func (p *Provider) Embedding(ctx context.Context, text string) ([]float32, error) {
	if p.cfg.EmbeddingModel == "" {
		return nil, &gateway.Error{
			Class: gateway.ClassPermanent, Provider: p.Name(),
			Message: "embedding model not configured",
		}
	}
	resp, err := p.post(ctx, "/v1/embeddings", embeddingRequest{
		Model: p.cfg.EmbeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: "decode embedding: " + err.Error(),
			Retryable: true, Provider: p.Name(),
		}
	}
	if len(er.Data) == 0 {
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: "no embeddings returned",
			Retryable: true, Provider: p.Name(),
		}
	}
	return er.Data[0].Embedding, nil
}

// ListModels 实现 gateway.Provider。
func (p *Provider) ListModels(ctx context.Context) ([]gateway.Model, error) {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.cfg.BuildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var modelsResp struct {
		Data []gateway.Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, &gateway.Error{
			Class: gateway.ClassTransient, Message: "decode models: " + err.Error(),
			Retryable: true, Provider: p.Name(),
		}
	}
	return modelsResp.Data, nil
}

// HealthCheck 实现 gateway.Provider。用模型目录做轻量级探活。
func (p *Provider) HealthCheck(ctx context.Context) (*gateway.HealthStatus, error) {
	start := time.Now()
	_, err := p.ListModels(ctx)
	status := &gateway.HealthStatus{
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	return status, err
}
