package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySerializes(t *testing.T) {
	km := New()

	var order []int
	var mu sync.Mutex

	km.Lock("user:1")

	done := make(chan struct{})
	go func() {
		km.Lock("user:1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		km.Unlock("user:1")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	km.Unlock("user:1")

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	km := New()

	km.Lock("user:1")
	defer km.Unlock("user:1")

	acquired := make(chan struct{})
	go func() {
		km.Lock("user:2")
		close(acquired)
		km.Unlock("user:2")
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("distinct keys must not block each other")
	}
}

func TestIdleKeysReclaimed(t *testing.T) {
	km := New()

	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		km.Lock(key)
		km.Unlock(key)
	}
	assert.Equal(t, 0, km.Len(), "released keys must not leak")
}

func TestUnlockUnknownKeyIsNoop(t *testing.T) {
	km := New()
	km.Unlock("never-locked")
	assert.Equal(t, 0, km.Len())
}

func TestConcurrentCounter(t *testing.T) {
	km := New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("counter")
			counter++
			km.Unlock("counter")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.Len())
}
