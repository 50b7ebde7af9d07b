package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fakeStore 进程内 Store 测试替身，行为对齐 memory/store 的实现。
// 真实实现的契约测试在 memory/store 包里。
type fakeStore struct {
	mu             sync.RWMutex
	memories       map[string]*MemoryEntry
	facts          map[string][]*AtomicFact
	relationships  []*Relationship
	consolidations []*ConsolidationLog
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]*MemoryEntry),
		facts:    make(map[string][]*AtomicFact),
	}
}

func (s *fakeStore) UpsertMemory(_ context.Context, entry *MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.memories[entry.ID] = &cp
	return nil
}

func (s *fakeStore) ActiveByUser(_ context.Context, userID int64, order Order, limit int) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MemoryEntry
	for _, e := range s.memories {
		if e.UserID == userID && e.Active {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if order == OrderImportanceDesc {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ByUserAndHash(_ context.Context, userID int64, hash string) (*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.memories {
		if e.UserID == userID && e.Active && e.SemanticHash == hash {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	e.Active = false
	e.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) TouchAccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	e.AccessCount++
	e.LastAccessedAt = at
	return nil
}

func (s *fakeStore) SaveFacts(_ context.Context, facts []*AtomicFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		cp := *f
		s.facts[f.MemoryID] = append(s.facts[f.MemoryID], &cp)
	}
	return nil
}

func (s *fakeStore) FactsByMemory(_ context.Context, memoryID string) ([]*AtomicFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facts := s.facts[memoryID]
	out := make([]*AtomicFact, len(facts))
	for i, f := range facts {
		cp := *f
		out[i] = &cp
	}
	return out, nil
}

func (s *fakeStore) SaveRelationship(_ context.Context, rel *Relationship) error {
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

func (s *fakeStore) RelationshipsByMemory(_ context.Context, memoryID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Relationship
	for _, r := range s.relationships {
		if r.Active && (r.SourceID == memoryID || r.TargetID == memoryID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveConsolidation(_ context.Context, log *ConsolidationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.consolidations = append(s.consolidations, &cp)
	return nil
}

// Consolidations 返回全部审计行。
func (s *fakeStore) Consolidations() []*ConsolidationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConsolidationLog, len(s.consolidations))
	copy(out, s.consolidations)
	return out
}

func (s *fakeStore) Close() error { return nil }
