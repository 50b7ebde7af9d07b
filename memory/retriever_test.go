package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/gateway"
)

func newTestRetriever(st Store) *Retriever {
	return NewRetriever(RetrieverConfig{MaxResults: 8}, st, nil, cache.New(nil, zap.NewNop()), zap.NewNop())
}

func seedRetrievable(t *testing.T, st Store, userID int64, content string, cat Category, kws ...string) *MemoryEntry {
	t.Helper()
	entry := &MemoryEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Content:    content,
		Category:   cat,
		Importance: 0.5,
		Keywords:   kws,
		Active:     true,
		CreatedAt:  time.Now().Add(-time.Hour),
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.UpsertMemory(context.Background(), entry))
	return entry
}

// ---------------------------------------------------------------------------
// 基本检索
// ---------------------------------------------------------------------------

func TestRetrieveEmptyStore(t *testing.T) {
	r := newTestRetriever(newFakeStore())
	got, err := r.Retrieve(context.Background(), 1, "workout", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveFiltersBelowSemanticFloor(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	// 关键词命中 + 内容含同义词：得分过线
	hit := seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")
	// 与查询无关：被语义下限过滤
	seedRetrievable(t, st, 1, "allergic to peanuts", CategoryPersonalInfo, "peanuts")

	got, err := r.Retrieve(context.Background(), 1, "workout", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hit.ID, got[0].Entry.ID)
	assert.Greater(t, got[0].Relevance, 0.0)
	assert.NotEmpty(t, got[0].Reasons)
}

// 单词查询精确命中关键词时必须过线，即使没有同义词扩展摊大分母。
func TestRetrieveSingleTermKeywordMatch(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	m := seedRetrievable(t, st, 1, "allergic to peanuts", CategoryPersonalInfo, "peanuts")

	got, err := r.Retrieve(context.Background(), 1, "peanuts", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].Entry.ID)
}

func TestRetrieveTouchesAccess(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)
	m := seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")

	_, err := r.Retrieve(context.Background(), 1, "workout", nil, 5)
	require.NoError(t, err)

	entries, err := st.ActiveByUser(context.Background(), 1, OrderCreatedDesc, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, m.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].AccessCount)
	assert.False(t, entries[0].LastAccessedAt.IsZero())
}

// ---------------------------------------------------------------------------
// 多样性过滤
// ---------------------------------------------------------------------------

// N=8 时 preference 上限为 floor(8*0.30)+1 = 3：十条偏好记忆最多出三条。
func TestRetrieveDiversityCapsCategory(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("loves gym training plan variant %d", i)
		seedRetrievable(t, st, 1, content, CategoryPreference, "workout", "gym")
	}

	got, err := r.Retrieve(context.Background(), 1, "workout", nil, 8)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, rm := range got {
		assert.Equal(t, CategoryPreference, rm.Entry.Category)
	}
}

func TestRetrieveMixedCategoriesScoreDiversity(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")
	seedRetrievable(t, st, 1, "works as a fitness gym instructor", CategoryPersonalInfo, "workout")

	got, err := r.Retrieve(context.Background(), 1, "workout", nil, 8)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// 4 个类别中出现 2 个
	assert.InDelta(t, 0.5, got[0].DiversityScore, 1e-9)
}

func TestRetrieveRemovesNearDuplicates(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	seedRetrievable(t, st, 1, "sleeps well after an evening rest routine", CategoryContext, "sleep")
	seedRetrievable(t, st, 1, "sleeps well after an evening rest routine", CategoryContext, "sleep")

	got, err := r.Retrieve(context.Background(), 1, "sleep", nil, 8)
	require.NoError(t, err)
	assert.Len(t, got, 1, "identical shingle sets collapse to one result")
}

// ---------------------------------------------------------------------------
// 取代后的检索视图
// ---------------------------------------------------------------------------

// 矛盾取代后，旧的「不喜欢 cardio」不再出现在检索结果里。
func TestRetrieveExcludesSupersededMemory(t *testing.T) {
	st := newFakeStore()
	engine := NewRelationEngine(st, zap.NewNop())
	r := newTestRetriever(st)
	now := time.Now()

	older := seedMemory(t, st, 1, "I dislike cardio and running sessions", now.Add(-time.Hour), "cardio")
	newer := seedMemory(t, st, 1, "I love cardio and running now", now, "cardio")
	require.NoError(t, engine.ProcessNewMemory(context.Background(), newer))

	got, err := r.Retrieve(context.Background(), 1, "cardio", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].Entry.ID)
	assert.NotEqual(t, older.ID, got[0].Entry.ID)
}

// ---------------------------------------------------------------------------
// 语境重排
// ---------------------------------------------------------------------------

func TestRerankBoostsAndReasons(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")
	convo := &gateway.ConversationContext{
		UserID:       1,
		RecentTopics: []string{"training"},
		Intent:       gateway.IntentAdviceSeeking,
	}

	got, err := r.Retrieve(context.Background(), 1, "workout", convo, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// 话题 ×1.20、意图 ×1.25
	assert.InDelta(t, 1.20*1.25, got[0].ContextualBoost, 1e-9)
	assert.Contains(t, got[0].Reasons, "topic-match")
	assert.Contains(t, got[0].Reasons, "intent-match")
}

func TestRerankPrefersIntentAlignedMemory(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	pref := seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")
	seedRetrievable(t, st, 1, "talked about gym training today", CategoryContext, "workout")

	convo := &gateway.ConversationContext{UserID: 1, Intent: gateway.IntentAdviceSeeking}
	got, err := r.Retrieve(context.Background(), 1, "workout", convo, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, pref.ID, got[0].Entry.ID, "advice seeking boosts preference memories to the top")
}

// ---------------------------------------------------------------------------
// 图增强
// ---------------------------------------------------------------------------

func TestRetrieveGraphLinkedReason(t *testing.T) {
	st := newFakeStore()
	r := newTestRetriever(st)

	a := seedRetrievable(t, st, 1, "loves gym training sessions", CategoryPreference, "workout")
	b := seedRetrievable(t, st, 1, "enjoys gym training with a partner", CategoryContext, "workout")
	require.NoError(t, st.SaveRelationship(context.Background(), &Relationship{
		ID:        uuid.NewString(),
		SourceID:  a.ID,
		TargetID:  b.ID,
		Type:      RelSupports,
		Strength:  0.6,
		Active:    true,
		CreatedAt: time.Now(),
	}))

	got, err := r.Retrieve(context.Background(), 1, "workout", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rm := range got {
		assert.Contains(t, rm.Reasons, "graph-linked")
	}
}

// ---------------------------------------------------------------------------
// 查询扩展与自适应下限
// ---------------------------------------------------------------------------

func TestExpandQueryWellnessConcepts(t *testing.T) {
	r := newTestRetriever(newFakeStore())
	convo := &gateway.ConversationContext{CoachingMode: "mindfulness"}

	exp := r.expandQuery(context.Background(), "morning workout", convo)

	assert.Equal(t, []string{"morning", "workout"}, exp.Terms)
	assert.Contains(t, exp.Synonyms, "gym")
	assert.Contains(t, exp.Synonyms, "breakfast")
	assert.Contains(t, exp.Concepts, "mindfulness")
	assert.ElementsMatch(t, []string{"morning", "workout"}, exp.Clusters)
}

func TestSemanticFloorAdapts(t *testing.T) {
	r := newTestRetriever(newFakeStore())
	ctx := context.Background()

	floorOf := func(query string, convo *gateway.ConversationContext) float64 {
		exp := r.expandQuery(ctx, query, convo)
		return r.semanticFloor(ctx, query, exp, convo)
	}
	base := &gateway.ConversationContext{}

	// 宽泛的单词查询且无概念扩展：放宽
	assert.InDelta(t, 0.60, floorOf("snacks", base), 1e-9)
	// 有概念扩展的单词查询：基线
	assert.InDelta(t, 0.70, floorOf("workout", base), 1e-9)
	// 长查询：收紧
	assert.InDelta(t, 0.80, floorOf("what did i say about my knee pain after squats", base), 1e-9)
	// 长会话再 +0.10
	long := &gateway.ConversationContext{SessionLength: longSessionTurns}
	assert.InDelta(t, 0.80, floorOf("cardio", long), 1e-9)
}
