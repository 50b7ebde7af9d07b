package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/embedding"
	"github.com/BaSui01/wellgate/internal/keymutex"
)

// 去重阈值：相似度达到 skip 线视为重复，达到 update 线视为同一事实的
// 新表述。
const (
	skipSimilarity   = 0.85
	updateSimilarity = 0.70
)

// DedupConfig 去重配置。
type DedupConfig struct {
	// Horizon 近期记忆比较窗口。
	Horizon time.Duration `yaml:"horizon" json:"horizon"`
	// MaxCandidates 窗口内最多比较的条数。
	MaxCandidates int `yaml:"max_candidates" json:"max_candidates"`
}

// DefaultDedupConfig 返回默认去重配置。
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Horizon:       48 * time.Hour,
		MaxCandidates: 20,
	}
}

// Deduplicator 对抽取结果做 skip/update/create 决策并执行唯一一次写入。
// 同一用户的写入经按键互斥锁串行。
type Deduplicator struct {
	cfg      DedupConfig
	store    Store
	embedder embedding.Embedder
	locks    *keymutex.KeyMutex
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewDeduplicator 创建去重器。embedder 可为 nil（降级为内容哈希）。
func NewDeduplicator(cfg DedupConfig, st Store, embedder embedding.Embedder, c *cache.Cache, logger *zap.Logger) *Deduplicator {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultDedupConfig().Horizon
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultDedupConfig().MaxCandidates
	}
	return &Deduplicator{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		locks:    keymutex.New(),
		cache:    c,
		logger:   logger.With(zap.String("component", "dedup")),
	}
}

// Process 对一条判定执行去重决策。每条消息至多产生一次存储写入；
// 返回决策与受影响的记忆（skip 时为命中的既有记忆）。
func (d *Deduplicator) Process(ctx context.Context, userID int64, det *EnhancedDetection) (*DedupResult, *MemoryEntry, error) {
	lockKey := strconv.FormatInt(userID, 10)
	d.locks.Lock(lockKey)
	defer d.locks.Unlock(lockKey)

	hash, vec := embedding.HashFor(ctx, d.embedder, det.ExtractedInfo)

	// 决策缓存：同一用户对同一语义哈希的重复表述走快路径
	decisionKey := fmt.Sprintf("dedup:%d:%s", userID, hash)
	if v, _, ok := d.cache.Get(ctx, cache.CategoryMemoryRetrieval, decisionKey); ok {
		if cached, isResult := v.(*DedupResult); isResult && cached.Decision == DecisionSkip {
			return cached, nil, nil
		}
	}

	// 精确哈希命中
	if existing, err := d.store.ByUserAndHash(ctx, userID, hash); err == nil {
		result := &DedupResult{
			Decision:   DecisionSkip,
			MemoryID:   existing.ID,
			Confidence: 1.0,
			Reason:     "exact semantic-hash match",
		}
		d.cache.Set(cache.CategoryMemoryRetrieval, decisionKey, result)
		return result, existing, nil
	} else if err != ErrNotFound {
		return nil, nil, err
	}

	// 窗口内相似度比较
	recent, err := d.store.ActiveByUser(ctx, userID, OrderCreatedDesc, d.cfg.MaxCandidates)
	if err != nil {
		return nil, nil, err
	}
	cutoff := time.Now().Add(-d.cfg.Horizon)

	var best *MemoryEntry
	var bestSim float64
	for _, m := range recent {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		sim := d.similarity(det, vec, m)
		if sim > bestSim {
			bestSim, best = sim, m
		}
	}

	switch {
	case best != nil && bestSim >= skipSimilarity:
		result := &DedupResult{
			Decision:   DecisionSkip,
			MemoryID:   best.ID,
			Confidence: bestSim,
			Reason:     fmt.Sprintf("near-duplicate of %s (%.2f)", best.ID, bestSim),
		}
		d.cache.Set(cache.CategoryMemoryRetrieval, decisionKey, result)
		return result, best, nil

	case best != nil && bestSim >= updateSimilarity:
		best.Content = det.ExtractedInfo
		best.Keywords = det.Keywords
		if det.Importance > best.Importance {
			best.Importance = det.Importance
		}
		best.SemanticHash = hash
		best.Embedding = vec
		best.UpdateCount++
		best.UpdatedAt = time.Now()
		if err := d.store.UpsertMemory(ctx, best); err != nil {
			return nil, nil, err
		}
		d.logger.Debug("memory updated",
			zap.String("memory_id", best.ID),
			zap.Float64("similarity", bestSim),
		)
		return &DedupResult{
			Decision:   DecisionUpdate,
			MemoryID:   best.ID,
			Confidence: bestSim,
			Reason:     fmt.Sprintf("restatement of %s (%.2f)", best.ID, bestSim),
		}, best, nil

	default:
		now := time.Now()
		entry := &MemoryEntry{
			ID:           uuid.NewString(),
			UserID:       userID,
			Content:      det.ExtractedInfo,
			Category:     det.Category,
			Importance:   det.Importance,
			Keywords:     det.Keywords,
			Embedding:    vec,
			SemanticHash: hash,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := d.store.UpsertMemory(ctx, entry); err != nil {
			return nil, nil, err
		}
		d.logger.Debug("memory created",
			zap.String("memory_id", entry.ID),
			zap.String("category", string(entry.Category)),
		)
		return &DedupResult{
			Decision:   DecisionCreate,
			MemoryID:   entry.ID,
			Confidence: 1.0 - bestSim,
			Reason:     "no similar active memory",
		}, entry, nil
	}
}

// similarity 候选与既有记忆的相似度：双方都有向量时用余弦，
// 否则用关键词 Jaccard 与词重叠的较大者。
func (d *Deduplicator) similarity(det *EnhancedDetection, vec []float32, m *MemoryEntry) float64 {
	if len(vec) > 0 && len(m.Embedding) > 0 {
		return embedding.Cosine(vec, m.Embedding)
	}

	kw := jaccard(det.Keywords, m.Keywords)
	txt := wordOverlap(det.ExtractedInfo, m.Content)
	if kw > txt {
		return kw
	}
	return txt
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[strings.ToLower(w)] = true
	}
	inter := 0
	union := len(set)
	for _, w := range b {
		w = strings.ToLower(w)
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func wordOverlap(a, b string) float64 {
	wa := strings.Fields(strings.ToLower(a))
	wb := strings.Fields(strings.ToLower(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(wa))
	for _, w := range wa {
		set[w] = true
	}
	matched := 0
	for _, w := range wb {
		if set[w] {
			matched++
		}
	}
	denom := len(wa)
	if len(wb) > denom {
		denom = len(wb)
	}
	return float64(matched) / float64(denom)
}
