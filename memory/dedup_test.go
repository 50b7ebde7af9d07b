package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/embedding"
	"github.com/BaSui01/wellgate/testutil/mocks"
)

func newTestDedup(st Store, embedder embedding.Embedder) *Deduplicator {
	return NewDeduplicator(DefaultDedupConfig(), st, embedder, cache.New(nil, zap.NewNop()), zap.NewNop())
}

func detection(text string, kws ...string) *EnhancedDetection {
	return &EnhancedDetection{
		ShouldRemember: true,
		Category:       CategoryPreference,
		Importance:     0.6,
		ExtractedInfo:  text,
		Keywords:       kws,
	}
}

func activeCount(t *testing.T, st Store, userID int64) int {
	t.Helper()
	entries, err := st.ActiveByUser(context.Background(), userID, OrderCreatedDesc, 0)
	require.NoError(t, err)
	return len(entries)
}

// ---------------------------------------------------------------------------
// 决策路径
// ---------------------------------------------------------------------------

// 同一条消息提交两次：恰好一次 create、一次 skip，活跃记忆只加一。
func TestDedupIdempotence(t *testing.T) {
	st := newFakeStore()
	d := newTestDedup(st, mocks.NewMockEmbedder(8))
	det := detection("I prefer morning workouts", "morning", "workouts")

	first, entry, err := d.Process(context.Background(), 1, det)
	require.NoError(t, err)
	assert.Equal(t, DecisionCreate, first.Decision)
	require.NotNil(t, entry)
	assert.Zero(t, entry.UpdateCount)

	second, hit, err := d.Process(context.Background(), 1, det)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, second.Decision)
	assert.Equal(t, first.MemoryID, second.MemoryID)

	assert.Equal(t, 1, activeCount(t, st, 1))
	if hit != nil {
		assert.Zero(t, hit.UpdateCount, "skip must not bump update count")
	}
}

func TestDedupContentHashFallbackWithoutEmbedder(t *testing.T) {
	st := newFakeStore()
	d := newTestDedup(st, nil)

	// 仅空白与大小写不同的表述折叠到同一内容哈希
	first, _, err := d.Process(context.Background(), 7, detection("I Prefer  Morning Workouts"))
	require.NoError(t, err)
	assert.Equal(t, DecisionCreate, first.Decision)

	second, _, err := d.Process(context.Background(), 7, detection("i prefer morning workouts"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, second.Decision)
	assert.Equal(t, 1, activeCount(t, st, 7))
}

func TestDedupSkipOnHighSimilarity(t *testing.T) {
	// 固定向量：哈希不同但余弦 0.9 ≥ skip 线
	emb := mocks.NewMockEmbedder(2).
		WithVector("loves strength training", []float32{1, 0}).
		WithVector("enjoys lifting weights", []float32{0.9, 0.4359})
	st := newFakeStore()
	d := newTestDedup(st, emb)

	_, _, err := d.Process(context.Background(), 2, detection("loves strength training", "strength"))
	require.NoError(t, err)

	res, _, err := d.Process(context.Background(), 2, detection("enjoys lifting weights", "weights"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, res.Decision)
	assert.Equal(t, 1, activeCount(t, st, 2))
}

func TestDedupUpdateOnModerateSimilarity(t *testing.T) {
	// 余弦 0.75：update 线之上、skip 线之下
	emb := mocks.NewMockEmbedder(2).
		WithVector("runs three times a week", []float32{1, 0}).
		WithVector("runs four times a week now", []float32{0.75, 0.6614})
	st := newFakeStore()
	d := newTestDedup(st, emb)

	first, _, err := d.Process(context.Background(), 3, detection("runs three times a week", "runs"))
	require.NoError(t, err)
	require.Equal(t, DecisionCreate, first.Decision)

	det := detection("runs four times a week now", "runs", "four")
	det.Importance = 0.9
	res, updated, err := d.Process(context.Background(), 3, det)
	require.NoError(t, err)
	assert.Equal(t, DecisionUpdate, res.Decision)
	assert.Equal(t, first.MemoryID, res.MemoryID)

	require.NotNil(t, updated)
	assert.Equal(t, "runs four times a week now", updated.Content)
	assert.Equal(t, 0.9, updated.Importance)
	assert.Equal(t, 1, updated.UpdateCount)
	assert.Equal(t, 1, activeCount(t, st, 3))
}

func TestDedupUpdateNeverLowersImportance(t *testing.T) {
	emb := mocks.NewMockEmbedder(2).
		WithVector("avoids gluten", []float32{1, 0}).
		WithVector("avoids gluten mostly", []float32{0.75, 0.6614})
	st := newFakeStore()
	d := newTestDedup(st, emb)

	high := detection("avoids gluten", "gluten")
	high.Importance = 0.95
	_, _, err := d.Process(context.Background(), 4, high)
	require.NoError(t, err)

	low := detection("avoids gluten mostly", "gluten")
	low.Importance = 0.3
	_, updated, err := d.Process(context.Background(), 4, low)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 0.95, updated.Importance)
}

func TestDedupCreateOnDissimilarContent(t *testing.T) {
	emb := mocks.NewMockEmbedder(2).
		WithVector("sleeps eight hours", []float32{1, 0}).
		WithVector("allergic to peanuts", []float32{0, 1})
	st := newFakeStore()
	d := newTestDedup(st, emb)

	_, _, err := d.Process(context.Background(), 5, detection("sleeps eight hours", "sleep"))
	require.NoError(t, err)
	res, _, err := d.Process(context.Background(), 5, detection("allergic to peanuts", "peanuts"))
	require.NoError(t, err)

	assert.Equal(t, DecisionCreate, res.Decision)
	assert.Equal(t, 2, activeCount(t, st, 5))
}

func TestDedupIsolatesUsers(t *testing.T) {
	st := newFakeStore()
	d := newTestDedup(st, mocks.NewMockEmbedder(8))
	det := detection("I prefer morning workouts", "morning")

	res1, _, err := d.Process(context.Background(), 10, det)
	require.NoError(t, err)
	res2, _, err := d.Process(context.Background(), 11, det)
	require.NoError(t, err)

	assert.Equal(t, DecisionCreate, res1.Decision)
	assert.Equal(t, DecisionCreate, res2.Decision, "hash match is scoped per user")
}

// ---------------------------------------------------------------------------
// 并发写串行化
// ---------------------------------------------------------------------------

// 同一用户并发提交同一事实：第一个写者赢，其余观察到新状态并 skip。
func TestDedupConcurrentSameUserSingleWrite(t *testing.T) {
	st := newFakeStore()
	d := newTestDedup(st, mocks.NewMockEmbedder(8))
	det := detection("drinks two liters of water daily", "water")

	const n = 16
	decisions := make([]Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := d.Process(context.Background(), 42, det)
			if assert.NoError(t, err) {
				decisions[i] = res.Decision
			}
		}(i)
	}
	wg.Wait()

	creates := 0
	for _, dec := range decisions {
		if dec == DecisionCreate {
			creates++
		}
	}
	assert.Equal(t, 1, creates, "exactly one writer wins")
	assert.Equal(t, 1, activeCount(t, st, 42))
}
