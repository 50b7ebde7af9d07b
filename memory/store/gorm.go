package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/wellgate/memory"
)

// Config 持久层配置。
type Config struct {
	// Driver sqlite 或 postgres。
	Driver string `yaml:"driver" json:"driver" env:"STORE_DRIVER"`
	// DSN 连接串。sqlite 为文件路径（:memory: 可用于测试）。
	DSN string `yaml:"dsn" json:"dsn" env:"STORE_DSN"`
}

// GormStore 基于 gorm 的存储实现。
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ memory.Store = (*GormStore)(nil)

// NewGorm 打开数据库并迁移表结构。
func NewGorm(cfg Config, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "wellgate.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(
		&memory.MemoryEntry{},
		&memory.AtomicFact{},
		&memory.Relationship{},
		&memory.ConsolidationLog{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	logger.Info("memory store opened", zap.String("driver", cfg.Driver))
	return &GormStore{db: db, logger: logger.With(zap.String("component", "store"))}, nil
}

func (s *GormStore) UpsertMemory(ctx context.Context, entry *memory.MemoryEntry) error {
	return s.db.WithContext(ctx).Save(entry).Error
}

func (s *GormStore) ActiveByUser(ctx context.Context, userID int64, order memory.Order, limit int) ([]*memory.MemoryEntry, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true)
	switch order {
	case memory.OrderImportanceDesc:
		q = q.Order("importance DESC")
	default:
		q = q.Order("created_at DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*memory.MemoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) ByUserAndHash(ctx context.Context, userID int64, hash string) (*memory.MemoryEntry, error) {
	var entry memory.MemoryEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND semantic_hash = ? AND active = ?", userID, hash, true).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) Deactivate(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&memory.MemoryEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchAccess(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&memory.MemoryEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (s *GormStore) SaveFacts(ctx context.Context, facts []*memory.AtomicFact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(facts).Error
}

func (s *GormStore) FactsByMemory(ctx context.Context, memoryID string) ([]*memory.AtomicFact, error) {
	var facts []*memory.AtomicFact
	err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("extracted_at ASC").
		Find(&facts).Error
	return facts, err
}

func (s *GormStore) SaveRelationship(ctx context.Context, rel *memory.Relationship) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&memory.Relationship{}).
		Where("source_id = ? AND target_id = ? AND type = ? AND active = ?",
			rel.SourceID, rel.TargetID, rel.Type, true).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(rel).Error
}

func (s *GormStore) RelationshipsByMemory(ctx context.Context, memoryID string) ([]*memory.Relationship, error) {
	var rels []*memory.Relationship
	err := s.db.WithContext(ctx).
		Where("(source_id = ? OR target_id = ?) AND active = ?", memoryID, memoryID, true).
		Find(&rels).Error
	return rels, err
}

func (s *GormStore) SaveConsolidation(ctx context.Context, log *memory.ConsolidationLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
