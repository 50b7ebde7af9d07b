package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New("primary", Config{Threshold: threshold, Cooldown: cooldown}, zap.NewNop())
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Record(errors.New("upstream down"))
	}
}

// ---------------------------------------------------------------------------
// 状态迁移
// ---------------------------------------------------------------------------

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	failN(b, 2)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, gateway.ClassBreakerOpen, gateway.ClassOf(err))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	failN(b, 2)
	b.Record(nil)
	failN(b, 2)

	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestClientFaultsDoNotCount(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	b.Record(gateway.NewError(gateway.ClassBadRequest, "malformed"))
	b.Record(gateway.NewError(gateway.ClassUnauthorized, "bad key"))
	b.Record(gateway.NewError(gateway.ClassBadRequest, "malformed"))

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	failN(b, 1)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	// 冷却后放行一个试探
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// 试探在途时其余请求被拒
	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, gateway.ClassBreakerOpen, gateway.ClassOf(err))

	// 试探成功回到关闭
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	failN(b, 1)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.Record(errors.New("still down"))
	assert.Equal(t, StateOpen, b.State())
	assert.Error(t, b.Allow(), "fresh cooldown starts after a failed trial")
}

func TestCancelReleasesHalfOpenTrial(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	failN(b, 1)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// 放行后未发起调用：归还试探名额但不能当成功记录
	b.Cancel()
	assert.Equal(t, StateHalfOpen, b.State(), "a cancelled trial must not close the breaker")

	// 名额已归还，下一个请求可以继续试探
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestCancelKeepsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	failN(b, 2)
	b.Cancel()
	failN(b, 1)

	assert.Equal(t, StateOpen, b.State(), "cancel must not erase consecutive failures")
}

func TestReset(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	failN(b, 1)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

// ---------------------------------------------------------------------------
// 回调与分组
// ---------------------------------------------------------------------------

func TestOnStateChangeCallback(t *testing.T) {
	var (
		mu    sync.Mutex
		moves []string
	)
	cfg := Config{
		Threshold: 1,
		Cooldown:  time.Hour,
		OnStateChange: func(key string, from, to State) {
			mu.Lock()
			moves = append(moves, key+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	}
	b := New("secondary", cfg, zap.NewNop())

	failN(b, 1)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(moves) == 1 && moves[0] == "secondary:Closed->Open"
	}, time.Second, 10*time.Millisecond)
}

func TestGroupIsolatesKeys(t *testing.T) {
	g := NewGroup(Config{Threshold: 1, Cooldown: time.Hour}, zap.NewNop())

	g.Get("primary").Record(errors.New("down"))

	assert.Equal(t, StateOpen, g.Get("primary").State())
	assert.Equal(t, StateClosed, g.Get("secondary").State())

	states := g.States()
	assert.Equal(t, "Open", states["primary"])
	assert.Equal(t, "Closed", states["secondary"])
}

func TestGroupReturnsSameBreaker(t *testing.T) {
	g := NewGroup(DefaultConfig(), zap.NewNop())
	assert.Same(t, g.Get("primary"), g.Get("primary"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}
