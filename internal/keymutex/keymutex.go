// Package keymutex 提供按键互斥锁：同一键串行，异键并行。
// 空闲键的锁会被回收，键空间无界增长不会泄漏内存。
package keymutex

import "sync"

// KeyMutex 按键互斥锁。
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New 创建按键互斥锁。
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*entry)}
}

// Lock 锁定指定键，阻塞直到可用。
func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock 解锁指定键。最后一个持有者离开时回收锁。
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len 返回当前持有或等待中的键数。
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
