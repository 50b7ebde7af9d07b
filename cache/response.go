package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

// ResponseCache 面向 AI 响应的二级缓存：进程内 ai_response 分区为 L1，
// 可选 redis 为 L2。L1 未命中时回源 L2，命中则回填 L1。
type ResponseCache struct {
	mem      *Cache
	rdb      *redis.Client
	redisTTL time.Duration
	logger   *zap.Logger
}

// ResponseCacheConfig redis 层配置。
type ResponseCacheConfig struct {
	RedisTTL time.Duration `yaml:"redis_ttl" json:"redis_ttl"`
}

// NewResponseCache 创建响应缓存。rdb 为 nil 时只用进程内层。
func NewResponseCache(mem *Cache, rdb *redis.Client, cfg ResponseCacheConfig, logger *zap.Logger) *ResponseCache {
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = 1 * time.Hour
	}
	return &ResponseCache{
		mem:      mem,
		rdb:      rdb,
		redisTTL: cfg.RedisTTL,
		logger:   logger.With(zap.String("component", "response_cache")),
	}
}

// Key 计算响应缓存键：对 (用户, 上游, 模型, 规范化后的最后一条用户消息)
// 取 sha256，截取前 32 个十六进制字符。
func Key(userID int64, provider gateway.ProviderTag, model, normalizedPrompt string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalizedPrompt))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Get 读取缓存响应。stale 命中同样返回，由调用方决定是否接受。
func (c *ResponseCache) Get(ctx context.Context, key string) (*gateway.Response, bool) {
	if v, _, ok := c.mem.Get(ctx, CategoryAIResponse, key); ok {
		if resp, isResp := v.(*gateway.Response); isResp {
			return resp, true
		}
	}

	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var resp gateway.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("corrupt cached response, dropping",
			zap.String("key", key), zap.Error(err))
		c.rdb.Del(ctx, c.redisKey(key))
		return nil, false
	}
	c.mem.Set(CategoryAIResponse, key, &resp)
	return &resp, true
}

// Put 写入两层缓存。redis 写失败只记日志，不影响请求。
func (c *ResponseCache) Put(ctx context.Context, key string, resp *gateway.Response) {
	c.mem.Set(CategoryAIResponse, key, resp)

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), data, c.redisTTL).Err(); err != nil {
		c.logger.Warn("redis cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateAll 清空全部缓存响应：进程内层按类别清空，redis 层按
// 前缀扫描删除。
func (c *ResponseCache) InvalidateAll(ctx context.Context) {
	c.mem.Clear(CategoryAIResponse)
	if c.rdb != nil {
		iter := c.rdb.Scan(ctx, 0, c.redisKey("*"), 0).Iterator()
		for iter.Next(ctx) {
			c.rdb.Del(ctx, iter.Val())
		}
	}
}

func (c *ResponseCache) redisKey(key string) string {
	return "wellgate:resp:" + key
}
