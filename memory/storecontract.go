package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示目标记忆行不存在。
var ErrNotFound = errors.New("memory not found")

// Order 存储查询排序。
type Order string

const (
	OrderCreatedDesc    Order = "created_desc"
	OrderImportanceDesc Order = "importance_desc"
)

// Store 记忆存储契约。实现见 memory/store（gorm 与进程内双实现）；
// 实现必须提供原子的单行更新。
type Store interface {
	// UpsertMemory 按 id 插入或整行更新。
	UpsertMemory(ctx context.Context, entry *MemoryEntry) error

	// ActiveByUser 返回用户的 active 记忆，按指定顺序，最多 limit 条
	// （limit <= 0 表示不限）。
	ActiveByUser(ctx context.Context, userID int64, order Order, limit int) ([]*MemoryEntry, error)

	// ByUserAndHash 返回用户下指定语义哈希的 active 记忆；无则 ErrNotFound。
	ByUserAndHash(ctx context.Context, userID int64, hash string) (*MemoryEntry, error)

	// Deactivate 把记忆置为 inactive。
	Deactivate(ctx context.Context, id string) error

	// TouchAccess 原子地自增访问计数并刷新最后访问时间。
	TouchAccess(ctx context.Context, id string, at time.Time) error

	// SaveFacts 保存一批原子事实。
	SaveFacts(ctx context.Context, facts []*AtomicFact) error

	// FactsByMemory 返回某条记忆的原子事实。
	FactsByMemory(ctx context.Context, memoryID string) ([]*AtomicFact, error)

	// SaveRelationship 保存一条关系。(source,target,type) 已有 active 行时幂等返回。
	SaveRelationship(ctx context.Context, rel *Relationship) error

	// RelationshipsByMemory 返回以该记忆为源或目标的 active 关系。
	RelationshipsByMemory(ctx context.Context, memoryID string) ([]*Relationship, error)

	// SaveConsolidation 写入一条整合审计行。
	SaveConsolidation(ctx context.Context, log *ConsolidationLog) error

	// Close 释放底层资源。
	Close() error
}
