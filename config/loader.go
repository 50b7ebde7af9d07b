// =============================================================================
// 📦 wellgate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("wellgate.yaml").
//	    WithEnvPrefix("WELLGATE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

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

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 wellgate 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Providers 上游 AI 提供方配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Queue 请求队列配置
	Queue queue.Config `yaml:"queue" env:"QUEUE"`

	// Pool 上游连接槽位池配置
	Pool connpool.Config `yaml:"pool" env:"POOL"`

	// Breaker 熔断器配置
	Breaker breaker.Config `yaml:"breaker" env:"BREAKER"`

	// Retry 上游重试策略
	Retry retry.Policy `yaml:"retry" env:"RETRY"`

	// Worker 请求处理池配置
	Worker worker.Config `yaml:"worker" env:"WORKER"`

	// Batch 批量处理配置
	Batch batch.Config `yaml:"batch" env:"BATCH"`

	// Cache 缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Redis 响应缓存 L2 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Store 记忆存储配置（环境变量为 WELLGATE_STORE_*）
	Store store.Config `yaml:"store"`

	// Telemetry 链路追踪配置（环境变量为 WELLGATE_TELEMETRY_*）
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Flags 灰度开关百分比（环境变量为 WELLGATE_FLAG_*）
	Flags flags.Config `yaml:"flags"`

	// Memory 记忆管道配置
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// 监听地址，如 ":8080"
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	// API Key，请求方通过 X-API-Key 头携带
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时；流式响应走独立路径不受其约束
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单用户限流速率（每秒请求数）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 单用户限流突发额度
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// ProvidersConfig 上游提供方配置
type ProvidersConfig struct {
	// Nova 主路上游
	Nova UpstreamConfig `yaml:"nova" env:"NOVA"`
	// Sage 备路上游
	Sage UpstreamConfig `yaml:"sage" env:"SAGE"`
}

// UpstreamConfig 单个上游的接入配置
type UpstreamConfig struct {
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL；留空使用内置默认
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 嵌入模型（仅主路使用）
	EmbeddingModel string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	// Response AI 响应缓存的 redis 层配置
	Response cache.ResponseCacheConfig `yaml:"response" env:"RESPONSE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用 L2 响应缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// MemoryConfig 记忆管道配置
type MemoryConfig struct {
	// Pipeline 后台管道
	Pipeline memory.PipelineConfig `yaml:"pipeline" env:"PIPELINE"`
	// Dedup 去重
	Dedup memory.DedupConfig `yaml:"dedup" env:"DEDUP"`
	// Extractor 抽取
	Extractor memory.ExtractorConfig `yaml:"extractor" env:"EXTRACTOR"`
	// Retriever 检索
	Retriever memory.RetrieverConfig `yaml:"retriever" env:"RETRIEVER"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "WELLGATE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。
// 字段键优先取 env tag；缺失时回退为 yaml 名的大写形式。
// 嵌套结构体没有 env tag 时沿用父级前缀（子包配置自带完整路径）。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := envKeyFor(fieldType)
		if envTag == "-" {
			continue
		}

		// 嵌套结构体递归处理（time.Duration 等标量类型除外）。
		// 只有显式 env tag 才延长前缀：无 tag 的子包配置自带完整路径。
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			childPrefix := prefix
			if raw := fieldType.Tag.Get("env"); raw != "" {
				childPrefix = prefix + "_" + raw
			}
			if err := l.setFieldsFromEnv(field, childPrefix); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}
		envKey := prefix + "_" + envTag

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// envKeyFor 返回字段的环境变量键片段；"-" 表示跳过。
func envKeyFor(f reflect.StructField) string {
	if tag := f.Tag.Get("env"); tag != "" {
		return tag
	}
	yamlTag := f.Tag.Get("yaml")
	if yamlTag == "" {
		return ""
	}
	name := strings.Split(yamlTag, ",")[0]
	if name == "-" || name == "" {
		return "-"
	}
	return strings.ToUpper(name)
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server listen_addr must not be empty")
	}
	if c.Server.RateLimitRPS <= 0 {
		errs = append(errs, "rate_limit_rps must be positive")
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, "queue capacity must be positive")
	}
	if c.Pool.MaxPerProvider <= 0 {
		errs = append(errs, "pool max_per_provider must be positive")
	}
	if c.Worker.Workers <= 0 {
		errs = append(errs, "worker count must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker threshold must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry max_retries must not be negative")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store driver %q", c.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
