// Package retry 提供带指数退避与抖动的重试器。
// 只有 TRANSIENT 与 RATE_LIMITED 分类的错误会被重试；
// 上游给出的 Retry-After 提示优先于计算出的退避延迟。
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

// Policy 重试策略配置。
type Policy struct {
	// MaxRetries 最大重试次数（0 表示不重试）。
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialDelay 初始延迟。
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay 延迟上限。
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier 指数倍增因子。
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Jitter 是否添加 ±25% 随机抖动（防止雪崩）。
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry 每次重试前的回调。
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 返回适用于上游调用的默认策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 指数退避重试器。
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建重试器。
func New(policy Policy, logger *zap.Logger) *Retryer {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultPolicy().InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = DefaultPolicy().Multiplier
	}
	return &Retryer{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
	}
}

// Do 执行 fn，按策略重试可重试错误。
// 返回的 attempts 是总尝试次数（至少 1）。
func (r *Retryer) Do(ctx context.Context, fn func() error) (attempts int, err error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt, lastErr)

			r.logger.Debug("retrying upstream call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return attempt, &gateway.Error{
					Class:   gateway.ClassOf(ctx.Err()),
					Message: "retry aborted: " + ctx.Err().Error(),
				}
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return attempt + 1, nil
		}

		if !gateway.IsRetryable(lastErr) {
			return attempt + 1, lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return r.policy.MaxRetries + 1, lastErr
}

// delayFor 计算本次重试的延迟。
// 上游 Retry-After 提示存在且更长时以提示为准。
func (r *Retryer) delayFor(attempt int, lastErr error) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	d := time.Duration(delay)
	if hint := gateway.RetryAfterHint(lastErr); hint > d {
		if hint > r.policy.MaxDelay {
			hint = r.policy.MaxDelay
		}
		d = hint
	}
	return d
}
