// Package flags 提供确定性的按用户灰度开关。
// 同一用户对同一百分比的判定在任何时刻都一致；开关在请求开始时
// 快照读取，变更只影响后续请求。
package flags

import (
	"sync"

	"go.uber.org/zap"
)

// Flag 开关名。
type Flag string

const (
	FlagAdvancedMemory  Flag = "advanced_memory"
	FlagRealtimeDedup   Flag = "realtime_dedup"
	FlagEnhancedPrompts Flag = "enhanced_prompts"
	FlagBatchProcessing Flag = "batch_processing"
	FlagCircuitBreakers Flag = "circuit_breakers"
)

// All 返回全部已知开关。
func All() []Flag {
	return []Flag{
		FlagAdvancedMemory,
		FlagRealtimeDedup,
		FlagEnhancedPrompts,
		FlagBatchProcessing,
		FlagCircuitBreakers,
	}
}

// Config 各开关的灰度百分比（0–100）。
type Config struct {
	AdvancedMemory  int `yaml:"advanced_memory" json:"advanced_memory" env:"FLAG_ADVANCED_MEMORY"`
	RealtimeDedup   int `yaml:"realtime_dedup" json:"realtime_dedup" env:"FLAG_REALTIME_DEDUP"`
	EnhancedPrompts int `yaml:"enhanced_prompts" json:"enhanced_prompts" env:"FLAG_ENHANCED_PROMPTS"`
	BatchProcessing int `yaml:"batch_processing" json:"batch_processing" env:"FLAG_BATCH_PROCESSING"`
	CircuitBreakers int `yaml:"circuit_breakers" json:"circuit_breakers" env:"FLAG_CIRCUIT_BREAKERS"`
}

// DefaultConfig 返回默认灰度（全量开启）。
func DefaultConfig() Config {
	return Config{
		AdvancedMemory:  100,
		RealtimeDedup:   100,
		EnhancedPrompts: 100,
		BatchProcessing: 100,
		CircuitBreakers: 100,
	}
}

// Manager 开关管理器。百分比可在运行时更新。
type Manager struct {
	mu       sync.RWMutex
	percents map[Flag]int
	logger   *zap.Logger
}

// NewManager 创建管理器。
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		percents: map[Flag]int{
			FlagAdvancedMemory:  clampPct(cfg.AdvancedMemory),
			FlagRealtimeDedup:   clampPct(cfg.RealtimeDedup),
			FlagEnhancedPrompts: clampPct(cfg.EnhancedPrompts),
			FlagBatchProcessing: clampPct(cfg.BatchProcessing),
			FlagCircuitBreakers: clampPct(cfg.CircuitBreakers),
		},
		logger: logger.With(zap.String("component", "flags")),
	}
}

// Enabled 报告用户是否命中开关：userID mod 100 < 百分比。
func (m *Manager) Enabled(flag Flag, userID int64) bool {
	m.mu.RLock()
	pct, ok := m.percents[flag]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	bucket := userID % 100
	if bucket < 0 {
		bucket += 100
	}
	return bucket < int64(pct)
}

// SetRollout 更新灰度百分比，影响后续请求。
func (m *Manager) SetRollout(flag Flag, pct int) {
	pct = clampPct(pct)
	m.mu.Lock()
	m.percents[flag] = pct
	m.mu.Unlock()
	m.logger.Info("flag rollout updated",
		zap.String("flag", string(flag)),
		zap.Int("percent", pct),
	)
}

// Snapshot 单个请求开始时的一次性快照。请求全程使用同一份判定。
type Snapshot struct {
	AdvancedMemory  bool `json:"advanced_memory"`
	RealtimeDedup   bool `json:"realtime_dedup"`
	EnhancedPrompts bool `json:"enhanced_prompts"`
	BatchProcessing bool `json:"batch_processing"`
	CircuitBreakers bool `json:"circuit_breakers"`
}

// SnapshotFor 返回用户的开关快照。
func (m *Manager) SnapshotFor(userID int64) Snapshot {
	return Snapshot{
		AdvancedMemory:  m.Enabled(FlagAdvancedMemory, userID),
		RealtimeDedup:   m.Enabled(FlagRealtimeDedup, userID),
		EnhancedPrompts: m.Enabled(FlagEnhancedPrompts, userID),
		BatchProcessing: m.Enabled(FlagBatchProcessing, userID),
		CircuitBreakers: m.Enabled(FlagCircuitBreakers, userID),
	}
}

// FullEnhancement 组合判定：高级记忆 ∧ 增强提示 ∧ 实时去重。
func (s Snapshot) FullEnhancement() bool {
	return s.AdvancedMemory && s.EnhancedPrompts && s.RealtimeDedup
}

// Rollouts 返回当前各开关的百分比（管理端点用）。
func (m *Manager) Rollouts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.percents))
	for f, pct := range m.percents {
		out[string(f)] = pct
	}
	return out
}

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
