package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/embedding"
	"github.com/BaSui01/wellgate/gateway"
)

// 检索参数。
const (
	baseSemanticFloor = 0.70
	floorAdjustment   = 0.10
	graphDepthLimit   = 2
	longSessionTurns  = 12
)

// 类别多样性上限（占结果数 N 的比例，允许 ±1）。
var categoryShare = map[Category]float64{
	CategoryPreference:   0.30,
	CategoryPersonalInfo: 0.20,
	CategoryContext:      0.30,
	CategoryInstruction:  0.20,
}

// wellnessConcepts 健康教练领域的同义与关联概念表，查询扩展用。
var wellnessConcepts = map[string][]string{
	"workout":   {"exercise", "training", "fitness", "gym"},
	"exercise":  {"workout", "training", "activity", "movement"},
	"cardio":    {"running", "cycling", "aerobic", "endurance"},
	"strength":  {"weights", "lifting", "resistance", "muscle"},
	"diet":      {"nutrition", "eating", "food", "meals"},
	"nutrition": {"diet", "food", "eating", "macros"},
	"sleep":     {"rest", "recovery", "bedtime", "insomnia"},
	"stress":    {"anxiety", "tension", "pressure", "relaxation"},
	"weight":    {"fat", "body", "scale", "loss"},
	"goal":      {"target", "objective", "plan", "milestone"},
	"water":     {"hydration", "drinking", "fluids"},
	"morning":   {"early", "breakfast", "wake"},
	"evening":   {"night", "dinner", "bedtime"},
}

// QueryExpansion 查询扩展结果。
type QueryExpansion struct {
	Original string   `json:"original"`
	Terms    []string `json:"terms"`
	Synonyms []string `json:"synonyms"`
	Concepts []string `json:"concepts"`
	Clusters []string `json:"clusters"`
}

// RetrieverConfig 检索器配置。
type RetrieverConfig struct {
	// MaxResults 默认结果数。
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// Retriever 四阶段智能检索：扩展 → 多向量评分 → 语境重排 → 多样性过滤。
type Retriever struct {
	cfg      RetrieverConfig
	store    Store
	embedder embedding.Embedder
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewRetriever 创建检索器。
func NewRetriever(cfg RetrieverConfig, st Store, embedder embedding.Embedder, c *cache.Cache, logger *zap.Logger) *Retriever {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	return &Retriever{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		cache:    c,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 返回与查询最相关的记忆，带相关度、理由与多样性得分。
func (r *Retriever) Retrieve(ctx context.Context, userID int64, query string, convo *gateway.ConversationContext, maxResults int) ([]*RetrievedMemory, error) {
	if maxResults <= 0 {
		maxResults = r.cfg.MaxResults
	}
	if convo == nil {
		convo = &gateway.ConversationContext{UserID: userID}
	}

	expansion := r.expandQuery(ctx, query, convo)
	floor := r.semanticFloor(ctx, query, expansion, convo)

	entries, err := r.store.ActiveByUser(ctx, userID, OrderCreatedDesc, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if r.embedder != nil {
		if v, embErr := r.embedder.Embed(ctx, query); embErr == nil {
			queryVec = v
		}
	}

	weights := adaptiveWeights(convo)
	scored := make([]*RetrievedMemory, 0, len(entries))
	for _, m := range entries {
		semantic := r.semanticScore(expansion, queryVec, m)
		if semantic < floor {
			continue
		}
		temporal := temporalScore(m, convo.Temporal)
		contextual := contextualScore(m, convo)
		graph := r.graphScore(ctx, m)

		relevance := weights.semantic*semantic + weights.temporal*temporal +
			weights.contextual*contextual + weights.graph*graph

		reasons := []string{fmt.Sprintf("semantic=%.2f", semantic)}
		if temporal > 0.5 {
			reasons = append(reasons, "recent")
		}
		if graph > 0 {
			reasons = append(reasons, "graph-linked")
		}

		scored = append(scored, &RetrievedMemory{
			Entry:          m,
			Relevance:      relevance,
			Confidence:     semantic,
			Reasons:        reasons,
			TemporalWeight: temporal,
		})
	}

	r.rerank(scored, convo)
	sort.Slice(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })

	result := r.diversityFilter(scored, maxResults)

	now := time.Now()
	for _, rm := range result {
		if err := r.store.TouchAccess(ctx, rm.Entry.ID, now); err != nil {
			r.logger.Debug("access touch failed", zap.String("memory_id", rm.Entry.ID), zap.Error(err))
		}
	}
	return result, nil
}

// ===== 阶段 1：查询扩展 =====

func (r *Retriever) expandQuery(ctx context.Context, query string, convo *gateway.ConversationContext) *QueryExpansion {
	cacheKey := fmt.Sprintf("expand:%s:%s:%s", normalizeQuery(query), convo.CoachingMode, convo.Intent)
	if v, _, ok := r.cache.Get(ctx, cache.CategoryMemoryRetrieval, cacheKey); ok {
		if exp, isExp := v.(*QueryExpansion); isExp {
			return exp
		}
	}

	exp := &QueryExpansion{Original: query}
	seen := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		exp.Terms = append(exp.Terms, word)

		if related, ok := wellnessConcepts[word]; ok {
			exp.Clusters = append(exp.Clusters, word)
			for _, syn := range related {
				if !seen[syn] {
					seen[syn] = true
					exp.Synonyms = append(exp.Synonyms, syn)
				}
			}
		}
	}
	// 教练模式作为关联概念加入
	if convo.CoachingMode != "" && !seen[convo.CoachingMode] {
		exp.Concepts = append(exp.Concepts, strings.ToLower(convo.CoachingMode))
	}

	r.cache.Set(cache.CategoryMemoryRetrieval, cacheKey, exp)
	return exp
}

// ===== 阶段 2：多向量评分 =====

type scoreWeights struct {
	semantic, temporal, contextual, graph float64
}

// adaptiveWeights 依语境调整权重：即时语境偏时间，长会话偏语境。
func adaptiveWeights(convo *gateway.ConversationContext) scoreWeights {
	w := scoreWeights{semantic: 0.5, temporal: 0.2, contextual: 0.2, graph: 0.1}
	if convo.Temporal == gateway.TemporalImmediate {
		w.temporal += 0.1
		w.semantic -= 0.1
	}
	if convo.SessionLength >= longSessionTurns {
		w.contextual += 0.1
		w.semantic -= 0.1
	}
	return w
}

func (r *Retriever) semanticScore(exp *QueryExpansion, queryVec []float32, m *MemoryEntry) float64 {
	if len(queryVec) > 0 && len(m.Embedding) > 0 {
		return embedding.Cosine(queryVec, m.Embedding)
	}

	// 文本降级：扩展词对内容与关键词的覆盖率
	content := strings.ToLower(m.Content)
	kw := make(map[string]bool, len(m.Keywords))
	for _, k := range m.Keywords {
		kw[strings.ToLower(k)] = true
	}

	all := make([]string, 0, len(exp.Terms)+len(exp.Synonyms)+len(exp.Concepts))
	all = append(all, exp.Terms...)
	all = append(all, exp.Synonyms...)
	all = append(all, exp.Concepts...)
	if len(all) == 0 {
		return 0
	}

	matched := 0.0
	for _, term := range all {
		switch {
		case kw[term]:
			matched += 1.0
		case strings.Contains(content, term):
			matched += 0.8
		}
	}
	// 以原始词数归一：单词查询精确命中关键词必须拿满分
	denom := float64(len(exp.Terms))
	if denom == 0 {
		denom = float64(len(all))
	}
	score := matched / denom
	if score > 1 {
		score = 1
	}
	return score
}

// temporalScore 指数时间衰减，衰减速率随时间语境调整。
func temporalScore(m *MemoryEntry, bucket gateway.TemporalBucket) float64 {
	age := time.Since(m.CreatedAt)
	halfLife := 14 * 24 * time.Hour
	switch bucket {
	case gateway.TemporalImmediate:
		halfLife = 24 * time.Hour
	case gateway.TemporalRecent:
		halfLife = 7 * 24 * time.Hour
	}
	return math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
}

// contextualScore 教练模式/话题/意图对齐度。
func contextualScore(m *MemoryEntry, convo *gateway.ConversationContext) float64 {
	score := 0.0
	content := strings.ToLower(m.Content)

	if convo.CoachingMode != "" && strings.Contains(content, strings.ToLower(convo.CoachingMode)) {
		score += 0.4
	}
	for _, topic := range convo.RecentTopics {
		if strings.Contains(content, topic) {
			score += 0.3
			break
		}
	}
	if intentMatches(m, convo.Intent) {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func intentMatches(m *MemoryEntry, intent gateway.Intent) bool {
	switch intent {
	case gateway.IntentGoalSetting:
		return strings.Contains(strings.ToLower(m.Content), "goal") || m.Category == CategoryInstruction
	case gateway.IntentAdviceSeeking:
		return m.Category == CategoryPreference || m.Category == CategoryPersonalInfo
	case gateway.IntentProgressCheck:
		return m.Category == CategoryContext
	default:
		return false
	}
}

// graphScore 图增强：沿 supports/elaborates 边（深度 ≤2，带访问集）
// 统计强关联边的贡献。
func (r *Retriever) graphScore(ctx context.Context, m *MemoryEntry) float64 {
	visited := map[string]bool{m.ID: true}
	return r.walkGraph(ctx, m.ID, 1, visited)
}

func (r *Retriever) walkGraph(ctx context.Context, id string, depth int, visited map[string]bool) float64 {
	if depth > graphDepthLimit {
		return 0
	}
	rels, err := r.store.RelationshipsByMemory(ctx, id)
	if err != nil {
		return 0
	}
	score := 0.0
	for _, rel := range rels {
		if rel.Type != RelSupports && rel.Type != RelElaborates {
			continue
		}
		next := rel.TargetID
		if next == id {
			next = rel.SourceID
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		// 深层贡献减半
		score += rel.Strength / float64(depth*2)
		score += r.walkGraph(ctx, next, depth+1, visited)
	}
	if score > 1 {
		score = 1
	}
	return score
}

// ===== 阶段 3：语境重排 =====

// rerank 应用乘法加权：模式 +0.15、话题 +0.20、意图 +0.25、
// 即时语境下的新近度 +0.10。
func (r *Retriever) rerank(scored []*RetrievedMemory, convo *gateway.ConversationContext) {
	for _, rm := range scored {
		boost := 1.0
		content := strings.ToLower(rm.Entry.Content)

		if convo.CoachingMode != "" && strings.Contains(content, strings.ToLower(convo.CoachingMode)) {
			boost *= 1.15
			rm.Reasons = append(rm.Reasons, "mode-match")
		}
		for _, topic := range convo.RecentTopics {
			if strings.Contains(content, topic) {
				boost *= 1.20
				rm.Reasons = append(rm.Reasons, "topic-match")
				break
			}
		}
		if intentMatches(rm.Entry, convo.Intent) {
			boost *= 1.25
			rm.Reasons = append(rm.Reasons, "intent-match")
		}
		if convo.Temporal == gateway.TemporalImmediate && time.Since(rm.Entry.CreatedAt) < 24*time.Hour {
			boost *= 1.10
			rm.Reasons = append(rm.Reasons, "recency")
		}

		rm.ContextualBoost = boost
		rm.Relevance *= boost
	}
}

// ===== 阶段 4：多样性过滤 =====

// diversityFilter 应用类别上限与近重复去除，并计算多样性得分。
func (r *Retriever) diversityFilter(scored []*RetrievedMemory, maxResults int) []*RetrievedMemory {
	caps := make(map[Category]int, len(categoryShare))
	for cat, share := range categoryShare {
		caps[cat] = int(math.Floor(float64(maxResults)*share)) + 1 // ±1 容差
	}

	counts := make(map[Category]int)
	seenShingles := make(map[uint64]bool)
	var out []*RetrievedMemory

	for _, rm := range scored {
		if len(out) >= maxResults {
			break
		}
		if counts[rm.Entry.Category] >= caps[rm.Entry.Category] {
			continue
		}
		sh := shingleHash(rm.Entry.Content)
		if seenShingles[sh] {
			continue
		}
		seenShingles[sh] = true
		counts[rm.Entry.Category]++
		out = append(out, rm)
	}

	// 多样性得分：结果中不同类别数 / 类别总数
	distinct := float64(len(counts)) / float64(len(categoryShare))
	for _, rm := range out {
		rm.DiversityScore = distinct
	}
	return out
}

// shingleHash 对规范化三词瓦片集合取序不敏感哈希，识别近重复文本。
func shingleHash(text string) uint64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 3 {
		h := fnv.New64a()
		h.Write([]byte(strings.Join(words, " ")))
		return h.Sum64()
	}
	var acc uint64
	for i := 0; i+3 <= len(words); i++ {
		h := fnv.New64a()
		h.Write([]byte(words[i]))
		h.Write([]byte{' '})
		h.Write([]byte(words[i+1]))
		h.Write([]byte{' '})
		h.Write([]byte(words[i+2]))
		acc ^= h.Sum64()
	}
	return acc
}

// ===== 自适应阈值 =====

// semanticFloor 语义下限：基线 0.70，依查询特异性 ±0.10，
// 长会话 +0.10。按 (query, mode, intent) 短暂缓存。
func (r *Retriever) semanticFloor(ctx context.Context, query string, exp *QueryExpansion, convo *gateway.ConversationContext) float64 {
	cacheKey := fmt.Sprintf("floor:%s:%s:%s", normalizeQuery(query), convo.CoachingMode, convo.Intent)
	if v, _, ok := r.cache.Get(ctx, cache.CategoryMemoryRetrieval, cacheKey); ok {
		if f, isFloat := v.(float64); isFloat {
			return f
		}
	}

	floor := baseSemanticFloor
	wordCount := len(strings.Fields(query))
	expansionBreadth := len(exp.Synonyms) + len(exp.Concepts)

	switch {
	case wordCount >= 8 || expansionBreadth >= 6:
		// 具体的查询可以要求更高的匹配
		floor += floorAdjustment
	case wordCount <= 2 && expansionBreadth <= 1:
		// 宽泛的查询放宽下限
		floor -= floorAdjustment
	}
	if convo.SessionLength >= longSessionTurns {
		floor += floorAdjustment
	}
	if floor > 0.9 {
		floor = 0.9
	}

	r.cache.Set(cache.CategoryMemoryRetrieval, cacheKey, floor)
	return floor
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
