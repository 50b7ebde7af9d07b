// Package queue 提供有界的多级 FIFO 优先级队列。
//
// 级别 1 最高、5 最低；级别间严格优先，级别内严格 FIFO。
// 容量耗尽时优先从更低优先级的桶淘汰；截止时间已过或已取消的
// 请求在出队时丢弃。
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

const levels = gateway.PriorityMax

// Config 队列配置。
type Config struct {
	// Capacity 全队列总容量（所有级别之和）。
	Capacity int `yaml:"capacity" json:"capacity"`
}

// DefaultConfig 返回默认队列配置。
func DefaultConfig() Config {
	return Config{Capacity: 1000}
}

// Queue 多级优先队列。
type Queue struct {
	mu      sync.Mutex
	buckets [levels][]*gateway.Request
	size    int
	cap     int
	closed  bool

	// notify 在入队后唤醒一个等待中的 Dequeue；done 在 Close 时唤醒所有。
	notify chan struct{}
	done   chan struct{}

	logger *zap.Logger

	// 计量
	enqueued int64
	dequeued int64
	shed     int64
	expired  int64
	rejected int64
}

// New 创建队列。
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Queue{
		cap:    cfg.Capacity,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "priority_queue")),
	}
}

// Enqueue 入队。队满时先尝试淘汰比新请求优先级更低的桶尾；
// 淘汰不出空位则拒绝并返回 ErrQueueFull。
func (q *Queue) Enqueue(req *gateway.Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if q.size >= q.cap {
		if !q.shedLowerLocked(req.Priority) {
			q.rejected++
			q.mu.Unlock()
			return ErrQueueFull
		}
	}

	level := req.Priority - 1
	q.buckets[level] = append(q.buckets[level], req)
	q.size++
	q.enqueued++
	q.mu.Unlock()

	q.wake()
	return nil
}

// shedLowerLocked 从最低优先级的非空桶淘汰一个比 priority 更低的请求。
// 被淘汰的请求以 RESOURCE_EXHAUSTED 交付。
func (q *Queue) shedLowerLocked(priority int) bool {
	for level := levels - 1; level >= priority; level-- {
		bucket := q.buckets[level]
		if len(bucket) == 0 {
			continue
		}
		victim := bucket[len(bucket)-1]
		q.buckets[level] = bucket[:len(bucket)-1]
		q.size--
		q.shed++
		q.logger.Debug("shed low-priority request",
			zap.String("request_id", victim.ID),
			zap.Int("priority", victim.Priority),
		)
		victim.Deliver(gateway.Result{Err: &gateway.Error{
			Class:   gateway.ClassResourceExhausted,
			Message: "request shed under queue pressure",
		}})
		return true
	}
	return false
}

// Dequeue 阻塞地取出最高优先级的队头请求。
// 截止时间已过或已取消的请求被丢弃并继续取下一个；
// 队列为空时等待入队信号或 ctx 取消。
func (q *Queue) Dequeue(ctx context.Context) (*gateway.Request, error) {
	for {
		q.mu.Lock()
		if q.closed && q.size == 0 {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		req := q.popLocked()
		q.mu.Unlock()

		if req != nil {
			if req.Expired(time.Now()) {
				q.dropExpired(req, gateway.ClassTimeout, "deadline passed while queued")
				continue
			}
			if req.Context().Err() != nil {
				q.dropExpired(req, gateway.ClassCancelled, "cancelled while queued")
				continue
			}
			return req, nil
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() *gateway.Request {
	for level := 0; level < levels; level++ {
		bucket := q.buckets[level]
		if len(bucket) == 0 {
			continue
		}
		req := bucket[0]
		q.buckets[level] = bucket[1:]
		q.size--
		q.dequeued++
		if q.size > 0 {
			// 还有剩余，保持唤醒信号以免其它 worker 空等
			q.wake()
		}
		return req
	}
	return nil
}

func (q *Queue) dropExpired(req *gateway.Request, class gateway.ErrorClass, msg string) {
	q.mu.Lock()
	q.expired++
	q.mu.Unlock()
	req.Deliver(gateway.Result{Err: &gateway.Error{Class: class, Message: msg, RequestID: req.ID}})
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close 关闭队列。已排队的请求仍可被取出。
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Len 返回当前队列长度。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats 队列统计。
type Stats struct {
	Depth    int         `json:"depth"`
	PerLevel [levels]int `json:"per_level"`
	Enqueued int64       `json:"enqueued"`
	Dequeued int64       `json:"dequeued"`
	Shed     int64       `json:"shed"`
	Expired  int64       `json:"expired"`
	Rejected int64       `json:"rejected"`
}

// Stats 返回队列统计。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Depth:    q.size,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Shed:     q.shed,
		Expired:  q.expired,
		Rejected: q.rejected,
	}
	for i := range q.buckets {
		s.PerLevel[i] = len(q.buckets[i])
	}
	return s
}
