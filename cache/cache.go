// Package cache 提供按类别分区的进程内 LRU 缓存，以及面向 AI 响应的
// redis 二级缓存。
//
// 每个类别有独立的容量与 TTL；过期条目在过期窗口内以"陈旧"方式返回，
// 同时通过 singleflight 触发注册的刷新函数（stale-while-revalidate）。
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Category 缓存类别。每个类别是一个独立的 LRU 分区。
type Category string

const (
	CategoryUserSettings    Category = "user_settings"
	CategoryMemoryRetrieval Category = "memory_retrieval"
	CategoryAIResponse      Category = "ai_response"
	CategoryFileMetadata    Category = "file_metadata"
	CategoryEmbedding       Category = "embedding"
	CategoryThumbnail       Category = "thumbnail"
	CategoryHealthData      Category = "health_data"
	CategoryDeviceSettings  Category = "device_settings"
)

// PartitionConfig 单个类别的配置。
type PartitionConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	// StaleFor 过期后仍可作为陈旧值返回的时间窗口；0 表示与 TTL 等长。
	StaleFor time.Duration `yaml:"stale_for" json:"stale_for"`
}

// DefaultPartitions 返回各类别的默认配置。
func DefaultPartitions() map[Category]PartitionConfig {
	return map[Category]PartitionConfig{
		CategoryUserSettings:    {MaxEntries: 2000, TTL: 10 * time.Minute},
		CategoryMemoryRetrieval: {MaxEntries: 1000, TTL: 2 * time.Minute},
		CategoryAIResponse:      {MaxEntries: 1000, TTL: 5 * time.Minute},
		CategoryFileMetadata:    {MaxEntries: 5000, TTL: 30 * time.Minute},
		CategoryEmbedding:       {MaxEntries: 5000, TTL: 1 * time.Hour},
		CategoryThumbnail:       {MaxEntries: 2000, TTL: 1 * time.Hour},
		CategoryHealthData:      {MaxEntries: 2000, TTL: 1 * time.Minute},
		CategoryDeviceSettings:  {MaxEntries: 1000, TTL: 15 * time.Minute},
	}
}

// Refresher 为某个类别注册的后台刷新函数。
type Refresher func(ctx context.Context, key string) (any, error)

// Cache 分区 LRU 缓存。
type Cache struct {
	mu         sync.Mutex
	partitions map[Category]*partition
	refreshers map[Category]Refresher
	sf         singleflight.Group
	logger     *zap.Logger

	hits      int64
	staleHits int64
	misses    int64
}

type partition struct {
	cfg   PartitionConfig
	items map[string]*lruNode
	head  *lruNode
	tail  *lruNode

	evictions int64
}

type lruNode struct {
	key       string
	value     any
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

// New 创建缓存。configs 为空的类别使用默认配置。
func New(configs map[Category]PartitionConfig, logger *zap.Logger) *Cache {
	defaults := DefaultPartitions()
	parts := make(map[Category]*partition, len(defaults))
	for cat, def := range defaults {
		cfg := def
		if custom, ok := configs[cat]; ok {
			if custom.MaxEntries > 0 {
				cfg.MaxEntries = custom.MaxEntries
			}
			if custom.TTL > 0 {
				cfg.TTL = custom.TTL
			}
			if custom.StaleFor > 0 {
				cfg.StaleFor = custom.StaleFor
			}
		}
		if cfg.StaleFor <= 0 {
			cfg.StaleFor = cfg.TTL
		}
		parts[cat] = &partition{cfg: cfg, items: make(map[string]*lruNode)}
	}
	return &Cache{
		partitions: parts,
		refreshers: make(map[Category]Refresher),
		logger:     logger.With(zap.String("component", "cache")),
	}
}

// RegisterRefresher 注册类别的陈旧值刷新函数。
func (c *Cache) RegisterRefresher(cat Category, fn Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshers[cat] = fn
}

// Get 读取缓存。返回值含义：
//
//	value, false, true  — 新鲜命中
//	value, true,  true  — 陈旧命中（已触发后台刷新）
//	nil,   false, false — 未命中
func (c *Cache) Get(ctx context.Context, cat Category, key string) (value any, stale bool, ok bool) {
	c.mu.Lock()
	p, exists := c.partitions[cat]
	if !exists {
		c.misses++
		c.mu.Unlock()
		return nil, false, false
	}

	node, found := p.items[key]
	if !found {
		c.misses++
		c.mu.Unlock()
		return nil, false, false
	}

	now := time.Now()
	if now.Before(node.expiresAt) {
		p.moveToHead(node)
		c.hits++
		v := node.value
		c.mu.Unlock()
		return v, false, true
	}

	// 过期：在陈旧窗口内返回旧值并触发刷新，超出则视为未命中
	if now.Before(node.expiresAt.Add(p.cfg.StaleFor)) {
		c.staleHits++
		v := node.value
		refresher := c.refreshers[cat]
		c.mu.Unlock()
		if refresher != nil {
			c.revalidate(cat, key, refresher)
		}
		return v, true, true
	}

	p.remove(node)
	c.misses++
	c.mu.Unlock()
	return nil, false, false
}

// revalidate 通过 singleflight 去重后台刷新；同一键只有一个在途刷新。
func (c *Cache) revalidate(cat Category, key string, fn Refresher) {
	sfKey := string(cat) + ":" + key
	go func() {
		_, _, _ = c.sf.Do(sfKey, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			v, err := fn(ctx, key)
			if err != nil {
				c.logger.Debug("stale refresh failed",
					zap.String("category", string(cat)),
					zap.String("key", key),
					zap.Error(err),
				)
				return nil, err
			}
			c.Set(cat, key, v)
			return v, nil
		})
	}()
}

// Set 写入缓存。
func (c *Cache) Set(cat Category, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.partitions[cat]
	if !exists {
		return
	}

	if node, ok := p.items[key]; ok {
		node.value = value
		node.expiresAt = time.Now().Add(p.cfg.TTL)
		p.moveToHead(node)
		return
	}

	if len(p.items) >= p.cfg.MaxEntries {
		p.evictTail()
	}

	node := &lruNode{key: key, value: value, expiresAt: time.Now().Add(p.cfg.TTL)}
	p.items[key] = node
	p.addToHead(node)
}

// Delete 删除指定键。
func (c *Cache) Delete(cat Category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, exists := c.partitions[cat]
	if !exists {
		return
	}
	if node, ok := p.items[key]; ok {
		p.remove(node)
	}
}

// InvalidatePrefix 删除类别中所有带指定前缀的键，返回删除条数。
func (c *Cache) InvalidatePrefix(cat Category, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, exists := c.partitions[cat]
	if !exists {
		return 0
	}
	var victims []*lruNode
	for key, node := range p.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			victims = append(victims, node)
		}
	}
	for _, node := range victims {
		p.remove(node)
	}
	return len(victims)
}

// Clear 清空指定类别；cat 为空串时清空全部。
func (c *Cache) Clear(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pc, p := range c.partitions {
		if cat != "" && pc != cat {
			continue
		}
		p.items = make(map[string]*lruNode)
		p.head, p.tail = nil, nil
	}
}

// Stats 缓存统计。
type Stats struct {
	Hits      int64            `json:"hits"`
	StaleHits int64            `json:"stale_hits"`
	Misses    int64            `json:"misses"`
	HitRate   float64          `json:"hit_rate"`
	PerSize   map[string]int   `json:"sizes"`
	Evictions map[string]int64 `json:"evictions"`
}

// Stats 返回缓存统计快照。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		StaleHits: c.staleHits,
		Misses:    c.misses,
		PerSize:   make(map[string]int, len(c.partitions)),
		Evictions: make(map[string]int64, len(c.partitions)),
	}
	total := c.hits + c.staleHits + c.misses
	if total > 0 {
		s.HitRate = float64(c.hits+c.staleHits) / float64(total)
	}
	for cat, p := range c.partitions {
		s.PerSize[string(cat)] = len(p.items)
		s.Evictions[string(cat)] = p.evictions
	}
	return s
}

// ===== LRU 链表操作 =====

func (p *partition) addToHead(node *lruNode) {
	node.prev = nil
	node.next = p.head
	if p.head != nil {
		p.head.prev = node
	}
	p.head = node
	if p.tail == nil {
		p.tail = node
	}
}

func (p *partition) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		p.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		p.tail = node.prev
	}
}

func (p *partition) remove(node *lruNode) {
	p.unlink(node)
	delete(p.items, node.key)
}

func (p *partition) moveToHead(node *lruNode) {
	if node == p.head {
		return
	}
	p.unlink(node)
	p.addToHead(node)
}

func (p *partition) evictTail() {
	if p.tail == nil {
		return
	}
	p.evictions++
	p.remove(p.tail)
}
