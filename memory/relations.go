package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 关系挖掘参数。
const (
	maxFactsPerMemory     = 5
	maxRelationCandidates = 20
	supportsOverlap       = 0.3
	elaboratesOverlap     = 0.6
	temporalWindow        = 24 * time.Hour
	supersedeConfidence   = 0.8
)

// factPatterns 原子事实的固定模式组。
var factPatterns = []struct {
	factType FactType
	markers  []string
}{
	{FactPreference, []string{"prefer", "like", "love", "hate", "dislike", "enjoy", "favorite"}},
	{FactGoal, []string{"want to", "goal", "target", "aim", "plan to", "hope to"}},
	{FactConstraint, []string{"cannot", "can't", "avoid", "allergic", "must not", "unable to"}},
	{FactExperience, []string{"did", "went", "tried", "used to", "have been", "completed"}},
}

// 极性词表：矛盾检测用。
var (
	positiveMarkers = []string{"love", "like", "enjoy", "prefer", "want"}
	negativeMarkers = []string{"hate", "dislike", "avoid", "don't want", "dont want", "don't like", "dont like", "no longer", "stopped"}
)

// RelationEngine 为新记忆抽取原子事实、挖掘两两关系，并执行
// 矛盾取代与聚类整合。
type RelationEngine struct {
	store  Store
	logger *zap.Logger
}

// NewRelationEngine 创建关系引擎。
func NewRelationEngine(st Store, logger *zap.Logger) *RelationEngine {
	return &RelationEngine{
		store:  st,
		logger: logger.With(zap.String("component", "relations")),
	}
}

// ProcessNewMemory 处理一条新建或更新的记忆：抽事实、建关系、处理矛盾。
func (e *RelationEngine) ProcessNewMemory(ctx context.Context, entry *MemoryEntry) error {
	facts := ExtractFacts(entry)
	if len(facts) > 0 {
		if err := e.store.SaveFacts(ctx, facts); err != nil {
			return err
		}
	}

	recent, err := e.store.ActiveByUser(ctx, entry.UserID, OrderCreatedDesc, maxRelationCandidates)
	if err != nil {
		return err
	}

	for _, other := range recent {
		if other.ID == entry.ID {
			continue
		}
		if err := e.relate(ctx, entry, other); err != nil {
			e.logger.Warn("relation mining failed",
				zap.String("source", entry.ID),
				zap.String("target", other.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// relate 对一对记忆应用分层规则：矛盾 → 重叠 → 时间邻近。
func (e *RelationEngine) relate(ctx context.Context, entry, other *MemoryEntry) error {
	if conf, topic := contradictionScore(entry.Content, other.Content); conf > 0 {
		rel := &Relationship{
			ID:         uuid.NewString(),
			SourceID:   entry.ID,
			TargetID:   other.ID,
			Type:       RelContradicts,
			Strength:   conf,
			Confidence: conf,
			Context:    "conflicting statement about " + topic,
			Active:     true,
			CreatedAt:  time.Now(),
		}
		if err := e.store.SaveRelationship(ctx, rel); err != nil {
			return err
		}
		if conf >= supersedeConfidence {
			return e.supersede(ctx, entry, other, conf, topic)
		}
		return nil
	}

	overlap := keywordOverlap(entry.Keywords, other.Keywords)
	switch {
	case overlap >= elaboratesOverlap:
		return e.store.SaveRelationship(ctx, &Relationship{
			ID:         uuid.NewString(),
			SourceID:   entry.ID,
			TargetID:   other.ID,
			Type:       RelElaborates,
			Strength:   overlap,
			Confidence: overlap,
			Active:     true,
			CreatedAt:  time.Now(),
		})
	case overlap >= supportsOverlap:
		return e.store.SaveRelationship(ctx, &Relationship{
			ID:         uuid.NewString(),
			SourceID:   entry.ID,
			TargetID:   other.ID,
			Type:       RelSupports,
			Strength:   overlap,
			Confidence: overlap,
			Active:     true,
			CreatedAt:  time.Now(),
		})
	}

	if diff := entry.CreatedAt.Sub(other.CreatedAt); diff > -temporalWindow && diff < temporalWindow {
		return e.store.SaveRelationship(ctx, &Relationship{
			ID:         uuid.NewString(),
			SourceID:   other.ID,
			TargetID:   entry.ID,
			Type:       RelTemporal,
			Strength:   0.5,
			Confidence: 0.6,
			Active:     true,
			CreatedAt:  time.Now(),
		})
	}
	return nil
}

// supersede 取代旧记忆：较旧的一方置为 inactive 并写审计行。
func (e *RelationEngine) supersede(ctx context.Context, entry, other *MemoryEntry, conf float64, topic string) error {
	older, newer := other, entry
	if entry.CreatedAt.Before(other.CreatedAt) {
		older, newer = entry, other
	}

	if err := e.store.Deactivate(ctx, older.ID); err != nil {
		return err
	}
	if err := e.store.SaveRelationship(ctx, &Relationship{
		ID:         uuid.NewString(),
		SourceID:   newer.ID,
		TargetID:   older.ID,
		Type:       RelSupersedes,
		Strength:   conf,
		Confidence: conf,
		Context:    "contradiction about " + topic,
		Active:     true,
		CreatedAt:  time.Now(),
	}); err != nil {
		return err
	}

	e.logger.Info("memory superseded",
		zap.String("older", older.ID),
		zap.String("newer", newer.ID),
		zap.Float64("confidence", conf),
	)
	return e.store.SaveConsolidation(ctx, &ConsolidationLog{
		ID:         uuid.NewString(),
		Type:       "supersede",
		SourceIDs:  []string{older.ID},
		ResultID:   newer.ID,
		Reason:     "high-confidence contradiction about " + topic,
		Confidence: conf,
		CreatedAt:  time.Now(),
	})
}

// ConsolidateClusters 把同类别下经 elaborates 关联的记忆簇合并为
// 单条规范记忆，来源置为 inactive。
func (e *RelationEngine) ConsolidateClusters(ctx context.Context, userID int64) error {
	entries, err := e.store.ActiveByUser(ctx, userID, OrderImportanceDesc, 0)
	if err != nil {
		return err
	}
	byID := make(map[string]*MemoryEntry, len(entries))
	for _, m := range entries {
		byID[m.ID] = m
	}

	visited := make(map[string]bool)
	for _, m := range entries {
		if visited[m.ID] {
			continue
		}
		cluster, err := e.elaborationCluster(ctx, m, byID, visited)
		if err != nil {
			return err
		}
		if len(cluster) < 2 {
			continue
		}
		if err := e.consolidate(ctx, cluster); err != nil {
			return err
		}
	}
	return nil
}

// elaborationCluster 从 seed 出发沿 elaborates 边收集同类别簇。
func (e *RelationEngine) elaborationCluster(ctx context.Context, seed *MemoryEntry, byID map[string]*MemoryEntry, visited map[string]bool) ([]*MemoryEntry, error) {
	cluster := []*MemoryEntry{seed}
	visited[seed.ID] = true

	queue := []string{seed.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		rels, err := e.store.RelationshipsByMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if rel.Type != RelElaborates {
				continue
			}
			nextID := rel.TargetID
			if nextID == id {
				nextID = rel.SourceID
			}
			next, ok := byID[nextID]
			if !ok || visited[nextID] || next.Category != seed.Category {
				continue
			}
			visited[nextID] = true
			cluster = append(cluster, next)
			queue = append(queue, nextID)
		}
	}
	return cluster, nil
}

// consolidate 以重要性最高者为规范幸存者，合并关键词并停用其余。
func (e *RelationEngine) consolidate(ctx context.Context, cluster []*MemoryEntry) error {
	canonical := cluster[0]
	for _, m := range cluster[1:] {
		if m.Importance > canonical.Importance {
			canonical = m
		}
	}

	var sourceIDs []string
	merged := make(map[string]bool)
	for _, kw := range canonical.Keywords {
		merged[kw] = true
	}
	for _, m := range cluster {
		if m.ID == canonical.ID {
			continue
		}
		sourceIDs = append(sourceIDs, m.ID)
		for _, kw := range m.Keywords {
			if !merged[kw] {
				merged[kw] = true
				canonical.Keywords = append(canonical.Keywords, kw)
			}
		}
		if err := e.store.Deactivate(ctx, m.ID); err != nil {
			return err
		}
	}

	canonical.UpdateCount++
	canonical.UpdatedAt = time.Now()
	if err := e.store.UpsertMemory(ctx, canonical); err != nil {
		return err
	}

	e.logger.Info("cluster consolidated",
		zap.String("canonical", canonical.ID),
		zap.Int("sources", len(sourceIDs)),
	)
	return e.store.SaveConsolidation(ctx, &ConsolidationLog{
		ID:         uuid.NewString(),
		Type:       "consolidate",
		SourceIDs:  sourceIDs,
		ResultID:   canonical.ID,
		Reason:     "elaboration cluster merge",
		Confidence: 0.7,
		CreatedAt:  time.Now(),
	})
}

// ExtractFacts 按固定模式组抽取原子事实，每条记忆最多 5 条。
func ExtractFacts(entry *MemoryEntry) []*AtomicFact {
	var facts []*AtomicFact
	sentences := splitSentences(entry.Content)

	for _, sentence := range sentences {
		lower := strings.ToLower(sentence)
		for _, group := range factPatterns {
			matched := false
			for _, marker := range group.markers {
				if strings.Contains(lower, marker) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			facts = append(facts, &AtomicFact{
				ID:          uuid.NewString(),
				MemoryID:    entry.ID,
				Content:     strings.TrimSpace(sentence),
				FactType:    group.factType,
				Confidence:  0.7,
				ExtractedAt: time.Now(),
			})
			break
		}
		if len(facts) >= maxFactsPerMemory {
			break
		}
	}
	return facts
}

func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == '\n'
	}) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// contradictionScore 检测两段文本是否对同一话题表达相反极性。
// 返回置信度与共享话题词；无矛盾时置信度为 0。
func contradictionScore(a, b string) (float64, string) {
	la, lb := strings.ToLower(a), strings.ToLower(b)

	polA := polarity(la)
	polB := polarity(lb)
	if polA == 0 || polB == 0 || polA == polB {
		return 0, ""
	}

	topic := sharedContentWord(la, lb)
	if topic == "" {
		return 0, ""
	}
	return 0.85, topic
}

// polarity 返回 +1（正向）、-1（负向）或 0（无极性）。
// 负向标记优先：「don't like」只算负向。
func polarity(text string) int {
	for _, marker := range negativeMarkers {
		if strings.Contains(text, marker) {
			return -1
		}
	}
	for _, marker := range positiveMarkers {
		if strings.Contains(text, marker) {
			return 1
		}
	}
	return 0
}

// sharedContentWord 返回两段文本共享的第一个非极性实词。
func sharedContentWord(a, b string) string {
	skip := make(map[string]bool)
	for _, m := range positiveMarkers {
		skip[m] = true
	}
	for _, m := range negativeMarkers {
		skip[m] = true
	}

	wordsB := make(map[string]bool)
	for _, w := range strings.Fields(b) {
		wordsB[strings.Trim(w, ".,!?")] = true
	}
	for _, w := range strings.Fields(a) {
		w = strings.Trim(w, ".,!?")
		if len(w) < 4 || skip[w] || stopWords[w] {
			continue
		}
		if wordsB[w] {
			return w
		}
	}
	return ""
}

// keywordOverlap 两个关键词集的重叠率（相对较小集）。
func keywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[strings.ToLower(w)] = true
	}
	matched := 0
	for _, w := range b {
		if set[strings.ToLower(w)] {
			matched++
		}
	}
	denom := len(a)
	if len(b) < denom {
		denom = len(b)
	}
	return float64(matched) / float64(denom)
}
