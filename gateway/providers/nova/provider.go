// Package nova 适配主路上游（OpenAI 兼容 API）。
package nova

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway/providers/openaicompat"
)

// Config nova 上游配置。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

// Provider 主路上游适配器。
type Provider struct {
	*openaicompat.Provider
}

// New 创建 nova 适配器。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.nova.ai"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "nova",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  "nova-chat-2",
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.Timeout,
		}, logger),
	}
}
