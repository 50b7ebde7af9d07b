package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/cache"
	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/gateway/breaker"
	"github.com/BaSui01/wellgate/gateway/connpool"
	"github.com/BaSui01/wellgate/gateway/queue"
	"github.com/BaSui01/wellgate/gateway/retry"
	"github.com/BaSui01/wellgate/internal/metrics"
	"github.com/BaSui01/wellgate/testutil/mocks"
)

// 指标基于 promauto 默认注册表，整个测试二进制只能注册一次
var testMetrics = metrics.NewCollector("wellgate_worker_test", zap.NewNop())

type harness struct {
	pool      *Pool
	breakers  *breaker.Group
	slots     *connpool.Pool
	responses *cache.ResponseCache
}

func startPool(t *testing.T, providers map[gateway.ProviderTag]gateway.Provider) *harness {
	t.Helper()
	logger := zap.NewNop()

	q := queue.New(queue.Config{Capacity: 100}, logger)
	slots := connpool.New(connpool.Config{MaxPerProvider: 4, AcquireTimeout: time.Second}, logger)
	breakers := breaker.NewGroup(breaker.Config{Threshold: 3, Cooldown: time.Minute}, logger)
	retryer := retry.New(retry.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}, logger)
	responses := cache.NewResponseCache(cache.New(nil, logger), nil, cache.ResponseCacheConfig{}, logger)

	pool := New(Config{Workers: 2, ShutdownTimeout: 5 * time.Second}, Deps{
		Queue:     q,
		Slots:     slots,
		Breakers:  breakers,
		Retryer:   retryer,
		Providers: providers,
		Responses: responses,
		Metrics:   testMetrics,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = pool.Shutdown(shutdownCtx)
		cancel()
	})

	return &harness{pool: pool, breakers: breakers, slots: slots, responses: responses}
}

func chatRequest(userID int64, message string) *gateway.Request {
	return &gateway.Request{
		Provider: gateway.ProviderPrimary,
		Model:    "nova-chat-3",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: message}},
		UserID:   userID,
		Priority: 3,
		Deadline: time.Now().Add(time.Minute),
	}
}

// ---------------------------------------------------------------------------
// 正常路径
// ---------------------------------------------------------------------------

func TestSubmitSuccess(t *testing.T) {
	prov := mocks.NewSuccessProvider("drink more water").WithTokenUsage(12, 24)
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	resp, err := h.pool.Submit(context.Background(), chatRequest(1, "hydration tips"))
	require.NoError(t, err)

	assert.Equal(t, "drink more water", resp.Content)
	assert.Equal(t, gateway.ProviderPrimary, resp.Provider)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 36, resp.Usage.TotalTokens)
	assert.False(t, resp.CacheHit)

	stats := h.pool.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestSubmitValidationFailsFast(t *testing.T) {
	prov := mocks.NewSuccessProvider("ok")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	req := chatRequest(1, "hi")
	req.Messages = nil

	_, err := h.pool.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gateway.ClassBadRequest, gateway.ClassOf(err))
	assert.Equal(t, 0, prov.GetCallCount())
}

// ---------------------------------------------------------------------------
// 缓存
// ---------------------------------------------------------------------------

func TestCacheHitSkipsUpstream(t *testing.T) {
	prov := mocks.NewSuccessProvider("cached answer")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})
	ctx := context.Background()

	first, err := h.pool.Submit(ctx, chatRequest(7, "what is a deload week"))
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := h.pool.Submit(ctx, chatRequest(7, "what is a  DELOAD   week"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit, "normalized prompt variants share a cache entry")
	assert.Equal(t, "cached answer", second.Content)
	assert.NotEqual(t, first.RequestID, second.RequestID, "cached copy carries the new request id")

	assert.Equal(t, 1, prov.GetCallCount())
}

func TestCacheIsolatedPerUser(t *testing.T) {
	prov := mocks.NewSuccessProvider("answer")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})
	ctx := context.Background()

	_, err := h.pool.Submit(ctx, chatRequest(1, "same question"))
	require.NoError(t, err)
	resp, err := h.pool.Submit(ctx, chatRequest(2, "same question"))
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, prov.GetCallCount())
}

// ---------------------------------------------------------------------------
// 重试与熔断
// ---------------------------------------------------------------------------

func TestRetriesTransientFailures(t *testing.T) {
	prov := mocks.NewFlakeyProvider(2,
		gateway.NewError(gateway.ClassTransient, "upstream flap"), "recovered")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	resp, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.NoError(t, err)

	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, resp.RetryAttempt)
	assert.Equal(t, 3, prov.GetCallCount())
}

func TestPermanentErrorNotRetried(t *testing.T) {
	prov := mocks.NewErrorProvider(gateway.NewError(gateway.ClassPermanent, "model gone"))
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	_, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)
	assert.Equal(t, gateway.ClassPermanent, gateway.ClassOf(err))
	assert.Equal(t, 1, prov.GetCallCount())
}

func TestBreakerOpenFastFail(t *testing.T) {
	prov := mocks.NewSuccessProvider("never reached")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	br := h.breakers.Get(string(gateway.ProviderPrimary))
	for i := 0; i < 3; i++ {
		br.Record(gateway.NewError(gateway.ClassTransient, "down"))
	}
	require.Equal(t, breaker.StateOpen, br.State())

	start := time.Now()
	_, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)

	assert.Equal(t, gateway.ClassBreakerOpen, gateway.ClassOf(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open breaker must fail without waiting")
	assert.Equal(t, 0, prov.GetCallCount())
	assert.Equal(t, 0, h.slots.InFlight(gateway.ProviderPrimary), "no slot consumed on fast fail")
}

func TestAutoSelectReroutesAroundOpenBreaker(t *testing.T) {
	primary := mocks.NewSuccessProvider("from primary").WithName("primary")
	secondary := mocks.NewSuccessProvider("from secondary").WithName("secondary")
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{
		gateway.ProviderPrimary:   primary,
		gateway.ProviderSecondary: secondary,
	})

	br := h.breakers.Get(string(gateway.ProviderPrimary))
	for i := 0; i < 3; i++ {
		br.Record(gateway.NewError(gateway.ClassTransient, "down"))
	}

	req := chatRequest(1, "hi")
	req.AutoSelect = true

	resp, err := h.pool.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, gateway.ProviderSecondary, resp.Provider)
	assert.Equal(t, "from secondary", resp.Content)
	assert.Equal(t, 0, primary.GetCallCount())
}

func TestBreakerOpeningMidRetryStopsAttempts(t *testing.T) {
	prov := mocks.NewErrorProvider(gateway.NewError(gateway.ClassTransient, "upstream down"))
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	// 距离熔断只差一次失败，首次调用失败即打开
	br := h.breakers.Get(string(gateway.ProviderPrimary))
	for i := 0; i < 2; i++ {
		br.Record(gateway.NewError(gateway.ClassTransient, "down"))
	}

	_, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)

	assert.Equal(t, gateway.ClassBreakerOpen, gateway.ClassOf(err))
	assert.Equal(t, breaker.StateOpen, br.State())
	assert.Equal(t, 1, prov.GetCallCount(), "no more attempts once the breaker opens mid-retry")
}

func TestAcquireFailureDoesNotCloseHalfOpenBreaker(t *testing.T) {
	prov := mocks.NewSuccessProvider("ok")
	logger := zap.NewNop()

	q := queue.New(queue.Config{Capacity: 100}, logger)
	slots := connpool.New(connpool.Config{MaxPerProvider: 1, AcquireTimeout: 20 * time.Millisecond}, logger)
	breakers := breaker.NewGroup(breaker.Config{Threshold: 1, Cooldown: 20 * time.Millisecond}, logger)
	retryer := retry.New(retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2.0}, logger)
	responses := cache.NewResponseCache(cache.New(nil, logger), nil, cache.ResponseCacheConfig{}, logger)

	pool := New(Config{Workers: 1, ShutdownTimeout: 5 * time.Second}, Deps{
		Queue:     q,
		Slots:     slots,
		Breakers:  breakers,
		Retryer:   retryer,
		Providers: map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov},
		Responses: responses,
		Metrics:   testMetrics,
		Logger:    logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = pool.Shutdown(shutdownCtx)
		cancel()
	})

	br := breakers.Get(string(gateway.ProviderPrimary))
	br.Record(gateway.NewError(gateway.ClassTransient, "down"))
	require.Equal(t, breaker.StateOpen, br.State())

	// 占住唯一槽位，让冷却后的试探拿不到槽
	held, err := slots.Acquire(context.Background(), gateway.ProviderPrimary)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)

	assert.Equal(t, 0, prov.GetCallCount())
	assert.Equal(t, breaker.StateHalfOpen, br.State(), "a trial without an upstream call must not close the breaker")

	// 槽位释放后试探继续，上游成功才关闭
	slots.Release(held, nil)
	resp, err := pool.Submit(context.Background(), chatRequest(1, "hello again"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, breaker.StateClosed, br.State())
}

// ---------------------------------------------------------------------------
// 流式
// ---------------------------------------------------------------------------

func TestStreamAssembly(t *testing.T) {
	prov := mocks.NewStreamProvider([]string{"stay ", "hydrated ", "today"})
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	var deltas []string
	req := chatRequest(1, "hi")
	req.OnChunk = func(chunk gateway.StreamChunk) error {
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
		return nil
	}

	resp, err := h.pool.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"stay ", "hydrated ", "today"}, deltas)
	assert.Equal(t, "stay hydrated today", resp.Content)
	assert.Equal(t, gateway.FinishStop, resp.FinishReason)
}

func TestStreamResultFeedsCache(t *testing.T) {
	prov := mocks.NewStreamProvider([]string{"a", "b"})
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})
	ctx := context.Background()

	streamReq := chatRequest(1, "same prompt")
	streamReq.OnChunk = func(gateway.StreamChunk) error { return nil }
	_, err := h.pool.Submit(ctx, streamReq)
	require.NoError(t, err)

	// 同一提示词的非流式请求命中流式写入的缓存
	resp, err := h.pool.Submit(ctx, chatRequest(1, "same prompt"))
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "ab", resp.Content)
}

// ---------------------------------------------------------------------------
// 故障恢复
// ---------------------------------------------------------------------------

func TestPanicRecovered(t *testing.T) {
	boom := mocks.NewMockProvider().WithCompletionFunc(
		func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			panic("adapter bug")
		})
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: boom})

	_, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)
	assert.Equal(t, gateway.ClassInternal, gateway.ClassOf(err))
	assert.Equal(t, 0, h.slots.InFlight(gateway.ProviderPrimary), "slot released after panic")

	// 池在 panic 后继续服务
	stats := h.pool.Stats()
	assert.Equal(t, int64(1), stats.Failed)
}

func TestUnknownProviderTag(t *testing.T) {
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{})

	_, err := h.pool.Submit(context.Background(), chatRequest(1, "hi"))
	require.Error(t, err)
	assert.Equal(t, gateway.ClassInternal, gateway.ClassOf(err))
}

// ---------------------------------------------------------------------------
// 用量估算
// ---------------------------------------------------------------------------

func TestEstimateUsage(t *testing.T) {
	messages := []gateway.Message{
		{Role: gateway.RoleSystem, Content: "You are a wellness coach."},
		{Role: gateway.RoleUser, Content: "How much sleep do adults need?"},
	}
	usage := EstimateUsage(messages, "Most adults need seven to nine hours.")

	assert.Greater(t, usage.PromptTokens, 0)
	assert.Greater(t, usage.CompletionTokens, 0)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)

	// 同样输入估算结果稳定
	again := EstimateUsage(messages, "Most adults need seven to nine hours.")
	assert.Equal(t, usage, again)
}

func TestEstimateUsageUsedWhenUpstreamOmitsIt(t *testing.T) {
	prov := mocks.NewSuccessProvider("an answer long enough to count").WithTokenUsage(0, 0)
	h := startPool(t, map[gateway.ProviderTag]gateway.Provider{gateway.ProviderPrimary: prov})

	resp, err := h.pool.Submit(context.Background(), chatRequest(1, "a question"))
	require.NoError(t, err)
	assert.Greater(t, resp.Usage.TotalTokens, 0)
}
