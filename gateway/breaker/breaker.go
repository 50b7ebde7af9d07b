// Package breaker 提供三态熔断器与按键分组的熔断器集合。
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" json:"threshold"`

	// Cooldown 熔断恢复等待时间（从 Open -> HalfOpen）
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// OnStateChange 状态变更回调
	OnStateChange func(key string, from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  60 * time.Second,
	}
}

// Breaker 单键熔断器。
// 半开状态只放行一个试探请求：成功回到关闭，失败重新打开。
type Breaker struct {
	key    string
	cfg    Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
}

// New 创建熔断器。
func New(key string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		key:    key,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow 调用前检查。打开状态立即返回 BREAKER_OPEN，不消耗任何资源。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			b.trialInFlight = true
			b.logger.Info("breaker entering half-open", zap.String("key", b.key))
			return nil
		}
		return b.openError()

	case StateHalfOpen:
		// 半开状态下只允许一个在途试探
		if b.trialInFlight {
			return b.openError()
		}
		b.trialInFlight = true
		return nil

	default:
		return b.openError()
	}
}

func (b *Breaker) openError() error {
	return &gateway.Error{
		Class:   gateway.ClassBreakerOpen,
		Message: "circuit breaker open for " + b.key,
	}
}

// Record 记录调用结果。客户端错误不计入熔断失败。
func (b *Breaker) Record(callErr error) {
	success := callErr == nil || gateway.IsClientFault(callErr)

	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("breaker recovered", zap.String("key", b.key))
		b.setState(StateClosed)
		b.failureCount = 0
		b.trialInFlight = false
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.logger.Warn("breaker opened",
				zap.String("key", b.key),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.cfg.Threshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("breaker trial failed, reopening", zap.String("key", b.key))
		b.setState(StateOpen)
		b.trialInFlight = false
	}
}

// Cancel 放弃一次已通过 Allow 的调用且不记录结果。
// 用于拿到放行后未能发起上游调用的场景（例如槽位获取失败）：
// 半开状态归还试探名额，关闭状态不清零连续失败计数。
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.key, oldState, newState)
	}
}

// State 获取当前状态。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 重置熔断器（手动恢复）。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.key, oldState, StateClosed)
	}
}

// Group 按键管理一组熔断器（键为上游标识或用户 id）。
type Group struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup 创建熔断器组。
func NewGroup(cfg Config, logger *zap.Logger) *Group {
	return &Group{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "breaker")),
		breakers: make(map[string]*Breaker),
	}
}

// Get 返回指定键的熔断器，不存在时创建。
func (g *Group) Get(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = New(key, g.cfg, g.logger)
	g.breakers[key] = b
	return b
}

// States 返回所有键的当前状态快照。
func (g *Group) States() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.breakers))
	for key, b := range g.breakers {
		out[key] = b.State().String()
	}
	return out
}
