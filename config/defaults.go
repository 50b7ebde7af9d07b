// =============================================================================
// 📦 wellgate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/flags"
	"github.com/BaSui01/wellgate/gateway/batch"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/gateway/connpool"
	"github.com/BaSui01/wellgate/gateway/queue"
	"github.com/BaSui01/wellgate/gateway/retry"
	"github.com/BaSui01/wellgate/gateway/worker"
	"github.com/BaSui01/wellgate/internal/telemetry"
	"github.com/BaSui01/wellgate/memory"
	"github.com/BaSui01/wellgate/memory/store"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Providers: DefaultProvidersConfig(),
		Queue:     queue.DefaultConfig(),
		Pool:      connpool.DefaultConfig(),
		Breaker:   breaker.DefaultConfig(),
		Retry:     retry.DefaultPolicy(),
		Worker:    worker.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		Cache: CacheConfig{
			Response: cache.ResponseCacheConfig{RedisTTL: time.Hour},
		},
		Redis: DefaultRedisConfig(),
		Store: store.Config{
			Driver: "sqlite",
			DSN:    "wellgate.db",
		},
		Telemetry: telemetry.Config{
			Enabled:      false,
			ServiceName:  "wellgate",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   0.1,
		},
		Flags: flags.DefaultConfig(),
		Memory: MemoryConfig{
			Pipeline:  memory.DefaultPipelineConfig(),
			Dedup:     memory.DefaultDedupConfig(),
			Extractor: memory.ExtractorConfig{MemoryWindow: 5},
			Retriever: memory.RetrieverConfig{MaxResults: 8},
		},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultProvidersConfig 返回默认上游配置
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Nova: UpstreamConfig{
			Model:          "nova-chat-3",
			EmbeddingModel: "nova-embed-1",
			Timeout:        60 * time.Second,
		},
		Sage: UpstreamConfig{
			Model:   "sage-3-opus",
			Timeout: 60 * time.Second,
		},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}
