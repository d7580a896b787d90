// Package queue provides the single-consumer FIFO intake for signals.
package queue

import (
	"context"
	"sync"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
)

// Queue 无界 FIFO。Push 永不阻塞调用方，Pop 由唯一的 worker 消费。
// 严格按到达顺序出队，不做任何重排或优先级。
type Queue struct {
	mu     sync.Mutex
	items  []signal.Signal
	notify chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push 追加一个信号；队列已关闭时丢弃并返回 false。
func (q *Queue) Push(sig signal.Signal) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, sig)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop 阻塞等待下一个信号；ctx 取消或队列关闭且为空时返回 false。
func (q *Queue) Pop(ctx context.Context) (signal.Signal, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			sig := q.items[0]
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			metrics.QueueDepth.Set(float64(depth))
			return sig, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return signal.Signal{}, false
		}

		select {
		case <-ctx.Done():
			return signal.Signal{}, false
		case <-q.notify:
		}
	}
}

// Close 停止接收新信号；已入队的仍可被 Pop 消费完。
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len 当前待处理数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
