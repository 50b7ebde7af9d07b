// Package sage 适配备路上游。API 兼容 OpenAI 格式，但使用
// x-api-key 认证头与独立的版本头。
package sage

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway/providers/openaicompat"
)

// Config sage 上游配置。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider 备路上游适配器。
type Provider struct {
	*openaicompat.Provider
}

// New 创建 sage 适配器。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sage.dev"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "sage",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "sage-3-large",
			Timeout:       cfg.Timeout,
			BuildHeaders: func(r *http.Request, apiKey string) {
				r.Header.Set("x-api-key", apiKey)
				r.Header.Set("sage-version", "2026-01-15")
				r.Header.Set("Content-Type", "application/json")
			},
		}, logger),
	}
}
