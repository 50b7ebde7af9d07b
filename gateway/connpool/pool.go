// Package connpool 提供按上游划分的有界并发槽位。
//
// 槽位数即单个上游允许的最大在途调用数；Release 在包括 panic 在内的
// 所有完成路径上都必须被调用（配合 defer 使用）。
package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

// Config 连接池配置。
type Config struct {
	// MaxPerProvider 每个上游的最大并发槽位。
	MaxPerProvider int `yaml:"max_per_provider" json:"max_per_provider"`
	// AcquireTimeout 获取槽位的最长等待时间。
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// DefaultConfig 返回默认连接池配置。
func DefaultConfig() Config {
	return Config{
		MaxPerProvider: 8,
		AcquireTimeout: 10 * time.Second,
	}
}

// Pool 按上游划分的槽位池。
type Pool struct {
	cfg    Config
	mu     sync.RWMutex
	slots  map[gateway.ProviderTag]*providerSlots
	logger *zap.Logger
}

type providerSlots struct {
	sem chan struct{}

	// 滚动统计（仅用于观测，不参与路由决策）
	successes  atomic.Int64
	failures   atomic.Int64
	totalNanos atomic.Int64
	inFlight   atomic.Int32
}

// Slot 一次已获取的槽位。Release 幂等。
type Slot struct {
	tag        gateway.ProviderTag
	pool       *Pool
	acquiredAt time.Time
	released   atomic.Bool
}

// New 创建连接池。
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxPerProvider <= 0 {
		cfg.MaxPerProvider = DefaultConfig().MaxPerProvider
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	return &Pool{
		cfg:    cfg,
		slots:  make(map[gateway.ProviderTag]*providerSlots),
		logger: logger.With(zap.String("component", "connpool")),
	}
}

func (p *Pool) providerSlots(tag gateway.ProviderTag) *providerSlots {
	p.mu.RLock()
	ps, ok := p.slots[tag]
	p.mu.RUnlock()
	if ok {
		return ps
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok = p.slots[tag]; ok {
		return ps
	}
	ps = &providerSlots{sem: make(chan struct{}, p.cfg.MaxPerProvider)}
	p.slots[tag] = ps
	return ps
}

// Acquire 获取一个槽位。等待超过 AcquireTimeout（或 ctx 更早取消）时
// 返回 RESOURCE_EXHAUSTED。
func (p *Pool) Acquire(ctx context.Context, tag gateway.ProviderTag) (*Slot, error) {
	ps := p.providerSlots(tag)

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case ps.sem <- struct{}{}:
		ps.inFlight.Add(1)
		return &Slot{tag: tag, pool: p, acquiredAt: time.Now()}, nil
	case <-timer.C:
		return nil, &gateway.Error{
			Class:     gateway.ClassResourceExhausted,
			Message:   "connection pool exhausted for provider " + string(tag),
			Retryable: true,
			Provider:  string(tag),
		}
	case <-ctx.Done():
		return nil, &gateway.Error{
			Class:    gateway.ClassOf(ctx.Err()),
			Message:  "acquire aborted: " + ctx.Err().Error(),
			Provider: string(tag),
		}
	}
}

// Release 归还槽位并记录结果。重复调用是安全的。
func (p *Pool) Release(slot *Slot, callErr error) {
	if slot == nil || slot.released.Swap(true) {
		return
	}
	ps := p.providerSlots(slot.tag)
	ps.inFlight.Add(-1)
	ps.totalNanos.Add(int64(time.Since(slot.acquiredAt)))
	if callErr == nil || gateway.IsClientFault(callErr) {
		ps.successes.Add(1)
	} else {
		ps.failures.Add(1)
	}
	<-ps.sem
}

// InFlight 返回指定上游的在途调用数。
func (p *Pool) InFlight(tag gateway.ProviderTag) int {
	return int(p.providerSlots(tag).inFlight.Load())
}

// ProviderStats 单个上游的槽位统计。
type ProviderStats struct {
	InFlight   int           `json:"in_flight"`
	Capacity   int           `json:"capacity"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Stats 返回各上游的统计。
func (p *Pool) Stats() map[gateway.ProviderTag]ProviderStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[gateway.ProviderTag]ProviderStats, len(p.slots))
	for tag, ps := range p.slots {
		total := ps.successes.Load() + ps.failures.Load()
		var avg time.Duration
		if total > 0 {
			avg = time.Duration(ps.totalNanos.Load() / total)
		}
		out[tag] = ProviderStats{
			InFlight:   int(ps.inFlight.Load()),
			Capacity:   p.cfg.MaxPerProvider,
			Successes:  ps.successes.Load(),
			Failures:   ps.failures.Load(),
			AvgLatency: avg,
		}
	}
	return out
}
