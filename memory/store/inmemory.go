package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/wellgate/memory"
)

// InMemory 进程内存储实现，测试与本地开发使用。
type InMemory struct {
	mu             sync.RWMutex
	memories       map[string]*memory.MemoryEntry
	facts          map[string][]*memory.AtomicFact
	relationships  []*memory.Relationship
	consolidations []*memory.ConsolidationLog
}

var _ memory.Store = (*InMemory)(nil)

// NewInMemory 创建进程内存储。
func NewInMemory() *InMemory {
	return &InMemory{
		memories: make(map[string]*memory.MemoryEntry),
		facts:    make(map[string][]*memory.AtomicFact),
	}
}

func (s *InMemory) UpsertMemory(_ context.Context, entry *memory.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.memories[entry.ID] = &cp
	return nil
}

func (s *InMemory) ActiveByUser(_ context.Context, userID int64, order memory.Order, limit int) ([]*memory.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.MemoryEntry
	for _, e := range s.memories {
		if e.UserID == userID && e.Active {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if order == memory.OrderImportanceDesc {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ByUserAndHash(_ context.Context, userID int64, hash string) (*memory.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.memories {
		if e.UserID == userID && e.Active && e.SemanticHash == hash {
			cp := *e
			return &cp, nil
		}
	}
	return nil, memory.ErrNotFound
}

func (s *InMemory) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return memory.ErrNotFound
	}
	e.Active = false
	e.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) TouchAccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return memory.ErrNotFound
	}
	e.AccessCount++
	e.LastAccessedAt = at
	return nil
}

func (s *InMemory) SaveFacts(_ context.Context, facts []*memory.AtomicFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		cp := *f
		s.facts[f.MemoryID] = append(s.facts[f.MemoryID], &cp)
	}
	return nil
}

func (s *InMemory) FactsByMemory(_ context.Context, memoryID string) ([]*memory.AtomicFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facts := s.facts[memoryID]
	out := make([]*memory.AtomicFact, len(facts))
	for i, f := range facts {
		cp := *f
		out[i] = &cp
	}
	return out, nil
}

func (s *InMemory) SaveRelationship(_ context.Context, rel *memory.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relationships {
		if existing.Active && existing.SourceID == rel.SourceID &&
			existing.TargetID == rel.TargetID && existing.Type == rel.Type {
			return nil
		}
	}
	cp := *rel
	s.relationships = append(s.relationships, &cp)
	return nil
}

func (s *InMemory) RelationshipsByMemory(_ context.Context, memoryID string) ([]*memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Relationship
	for _, r := range s.relationships {
		if r.Active && (r.SourceID == memoryID || r.TargetID == memoryID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) SaveConsolidation(_ context.Context, log *memory.ConsolidationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.consolidations = append(s.consolidations, &cp)
	return nil
}

// Consolidations 返回全部审计行（测试辅助）。
func (s *InMemory) Consolidations() []*memory.ConsolidationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memory.ConsolidationLog, len(s.consolidations))
	copy(out, s.consolidations)
	return out
}

func (s *InMemory) Close() error { return nil }
