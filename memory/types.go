package memory

import (
	"time"
)

// Category 记忆类别。
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryPersonalInfo Category = "personal_info"
	CategoryContext      Category = "context"
	CategoryInstruction  Category = "instruction"
)

// Valid 报告类别是否合法。
func (c Category) Valid() bool {
	switch c {
	case CategoryPreference, CategoryPersonalInfo, CategoryContext, CategoryInstruction:
		return true
	}
	return false
}

// FactType 原子事实类型。
type FactType string

const (
	FactPreference FactType = "preference"
	FactGoal       FactType = "goal"
	FactConstraint FactType = "constraint"
	FactExperience FactType = "experience"
	FactKnowledge  FactType = "knowledge"
)

// RelationType 记忆间关系类型。
type RelationType string

const (
	RelSupports    RelationType = "supports"
	RelContradicts RelationType = "contradicts"
	RelElaborates  RelationType = "elaborates"
	RelSupersedes  RelationType = "supersedes"
	RelRelated     RelationType = "related"
	RelTemporal    RelationType = "temporal_sequence"
	RelBuildsOn    RelationType = "builds_on"
)

// MemoryEntry 用户的一条长期记忆。只有 Active 的条目参与检索；
// 被取代的条目置为 inactive 而不删除。
type MemoryEntry struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	UserID         int64     `gorm:"not null;index:idx_user_active" json:"user_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Category       Category  `gorm:"size:32;not null" json:"category"`
	Importance     float64   `gorm:"default:0.5" json:"importance"`
	Keywords       []string  `gorm:"serializer:json" json:"keywords"`
	Embedding      []float32 `gorm:"serializer:json" json:"embedding,omitempty"`
	SemanticHash   string    `gorm:"size:64;index:idx_user_hash" json:"semantic_hash"`
	Active         bool      `gorm:"default:true;index:idx_user_active" json:"active"`
	AccessCount    int       `gorm:"default:0" json:"access_count"`
	UpdateCount    int       `gorm:"default:0" json:"update_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AtomicFact 从记忆中抽取的单条可验证陈述。
type AtomicFact struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	MemoryID    string    `gorm:"size:64;not null;index" json:"memory_id"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	FactType    FactType  `gorm:"size:32;not null" json:"fact_type"`
	Confidence  float64   `gorm:"default:0.5" json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Relationship 两条记忆之间的有向关系。
// 不允许自环；(source, target, type) 在 active 行中唯一。
type Relationship struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	SourceID   string       `gorm:"size:64;not null;index:idx_rel_source" json:"source_id"`
	TargetID   string       `gorm:"size:64;not null;index:idx_rel_target" json:"target_id"`
	Type       RelationType `gorm:"size:32;not null" json:"type"`
	Strength   float64      `gorm:"default:0.5" json:"strength"`
	Confidence float64      `gorm:"default:0.5" json:"confidence"`
	Context    string       `gorm:"type:text" json:"context,omitempty"`
	Active     bool         `gorm:"default:true" json:"active"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ConsolidationLog 记录取代与合并操作的审计行。
type ConsolidationLog struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Type       string    `gorm:"size:32;not null" json:"type"` // supersede | consolidate
	SourceIDs  []string  `gorm:"serializer:json" json:"source_ids"`
	ResultID   string    `gorm:"size:64" json:"result_id"`
	Reason     string    `gorm:"type:text" json:"reason"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnhancedDetection 抽取器对单条消息的判定。
type EnhancedDetection struct {
	ShouldRemember    bool      `json:"should_remember"`
	Category          Category  `json:"category"`
	Importance        float64   `json:"importance"`
	ExtractedInfo     string    `json:"extracted_info"`
	Keywords          []string  `json:"keywords"`
	Reasoning         string    `json:"reasoning"`
	Confidence        float64   `json:"confidence"`
	AtomicFacts       []string  `json:"atomic_facts"`
	RelationshipHints []string  `json:"relationship_hints"`
	ContradictionFlag bool      `json:"contradiction_flag"`
	TemporalRelevance string    `json:"temporal_relevance"`
}

// Decision 去重决策。merge 在本实现中折叠为对幸存者的 update。
type Decision string

const (
	DecisionSkip   Decision = "skip"
	DecisionUpdate Decision = "update"
	DecisionCreate Decision = "create"
)

// DedupResult 去重器输出。
type DedupResult struct {
	Decision   Decision `json:"decision"`
	MemoryID   string   `json:"memory_id,omitempty"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// RetrievedMemory 检索输出条目。
type RetrievedMemory struct {
	Entry           *MemoryEntry `json:"entry"`
	Relevance       float64      `json:"relevance"`
	Confidence      float64      `json:"confidence"`
	Reasons         []string     `json:"reasons"`
	TemporalWeight  float64      `json:"temporal_weight"`
	ContextualBoost float64      `json:"contextual_boost"`
	DiversityScore  float64      `json:"diversity_score"`
}
