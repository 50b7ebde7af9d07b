package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

func setupResponseCache(t *testing.T) (*miniredis.Miniredis, *ResponseCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mem := New(nil, zap.NewNop())
	rc := NewResponseCache(mem, rdb, ResponseCacheConfig{RedisTTL: time.Hour}, zap.NewNop())
	return mr, rc
}

func sampleResponse(id string) *gateway.Response {
	return &gateway.Response{
		ID:       id,
		Provider: gateway.ProviderPrimary,
		Model:    "nova-chat-3",
		Content:  "eat more protein",
		Usage:    gateway.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// ---------------------------------------------------------------------------
// 键
// ---------------------------------------------------------------------------

func TestKeyDeterministic(t *testing.T) {
	k1 := Key(7, gateway.ProviderPrimary, "nova-chat-3", "how much protein")
	k2 := Key(7, gateway.ProviderPrimary, "nova-chat-3", "how much protein")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestKeyDiscriminatesFields(t *testing.T) {
	base := Key(7, gateway.ProviderPrimary, "nova-chat-3", "hello")

	assert.NotEqual(t, base, Key(8, gateway.ProviderPrimary, "nova-chat-3", "hello"))
	assert.NotEqual(t, base, Key(7, gateway.ProviderSecondary, "nova-chat-3", "hello"))
	assert.NotEqual(t, base, Key(7, gateway.ProviderPrimary, "sage-3-opus", "hello"))
	assert.NotEqual(t, base, Key(7, gateway.ProviderPrimary, "nova-chat-3", "bye"))
}

// ---------------------------------------------------------------------------
// 两层读写
// ---------------------------------------------------------------------------

func TestPutGetRoundTrip(t *testing.T) {
	_, rc := setupResponseCache(t)
	ctx := context.Background()

	key := Key(1, gateway.ProviderPrimary, "nova-chat-3", "hi")
	rc.Put(ctx, key, sampleResponse("r1"))

	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "eat more protein", got.Content)
}

func TestL2BackfillsL1(t *testing.T) {
	mr, rc := setupResponseCache(t)
	ctx := context.Background()

	key := Key(1, gateway.ProviderPrimary, "nova-chat-3", "hi")
	rc.Put(ctx, key, sampleResponse("r1"))

	// 清掉 L1，模拟进程内条目过期后从 redis 回源
	rc.mem.Clear(CategoryAIResponse)

	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	// 回填后即使 redis 不可用也应命中 L1
	mr.Close()
	got, ok = rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
}

func TestGetMiss(t *testing.T) {
	_, rc := setupResponseCache(t)

	_, ok := rc.Get(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	assert.False(t, ok)
}

func TestCorruptRedisEntryDropped(t *testing.T) {
	mr, rc := setupResponseCache(t)
	ctx := context.Background()

	key := "deadbeefdeadbeefdeadbeefdeadbeef"
	require.NoError(t, mr.Set("wellgate:resp:"+key, "{not json"))

	_, ok := rc.Get(ctx, key)
	assert.False(t, ok)
	assert.False(t, mr.Exists("wellgate:resp:"+key), "corrupt entry must be deleted")
}

func TestMemoryOnlyMode(t *testing.T) {
	mem := New(nil, zap.NewNop())
	rc := NewResponseCache(mem, nil, ResponseCacheConfig{}, zap.NewNop())
	ctx := context.Background()

	key := Key(1, gateway.ProviderPrimary, "nova-chat-3", "hi")
	rc.Put(ctx, key, sampleResponse("r1"))

	got, ok := rc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	rc.InvalidateAll(ctx)
	_, ok = rc.Get(ctx, key)
	assert.False(t, ok)
}

func TestInvalidateAllClearsBothLayers(t *testing.T) {
	mr, rc := setupResponseCache(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		rc.Put(ctx, Key(1, gateway.ProviderPrimary, "nova-chat-3", id), sampleResponse(id))
	}
	require.NotEmpty(t, mr.Keys())

	rc.InvalidateAll(ctx)

	assert.Empty(t, mr.Keys())
	_, ok := rc.Get(ctx, Key(1, gateway.ProviderPrimary, "nova-chat-3", "a"))
	assert.False(t, ok)
}

func TestRedisEntriesCarryTTL(t *testing.T) {
	mr, rc := setupResponseCache(t)
	ctx := context.Background()

	key := Key(1, gateway.ProviderPrimary, "nova-chat-3", "hi")
	rc.Put(ctx, key, sampleResponse("r1"))

	ttl := mr.TTL("wellgate:resp:" + key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)
}
