package events

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
)

// AllowPredicate decides, while the queue is in rejecting mode, whether an
// event of the given type may still be enqueued.
type AllowPredicate func(Type) bool

// Queue is a thread-safe FIFO with a "rejecting" mode: while rejecting is on,
// Enqueue drops any event whose type the allow predicate rejects, logging the
// drop. The predicate exists to let terminal agent events through during
// shutdown drain so sessions can finalize cleanly.
//
// Grounded on internal/orchestrator/queue/queue.go's mutex-guarded bookkeeping,
// with the container/heap priority ordering dropped — spec.md calls for plain
// FIFO delivery (I6), not priority scheduling.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     *list.List
	rejecting bool
	allow     AllowPredicate
	log       *logger.Logger
}

// NewQueue builds an empty Queue.
func NewQueue(log *logger.Logger) *Queue {
	q := &Queue{items: list.New(), log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends evt to the tail of the queue, unless rejecting mode drops it.
func (q *Queue) Enqueue(evt Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rejecting && (q.allow == nil || !q.allow(evt.Type)) {
		q.log.Debug("dropping event in rejecting mode", zap.String("event_type", string(evt.Type)))
		return
	}

	q.items.PushBack(evt)
	q.cond.Signal()
}

// Dequeue blocks until an event is available or ctx is cancelled. The second
// return value is false only when ctx was cancelled before an event arrived.
func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 {
		if ctx.Err() != nil {
			return Event{}, false
		}
		q.cond.Wait()
	}

	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(Event), true
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// IsEmpty reports whether the queue currently holds no events.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// SetRejecting switches rejecting mode on or off. When on, Enqueue drops any
// event whose type allow rejects (allow may be nil, meaning reject everything).
func (q *Queue) SetRejecting(on bool, allow AllowPredicate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejecting = on
	q.allow = allow
}
