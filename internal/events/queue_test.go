package events

import (
	"context"
	"testing"
	"time"

	"github.com/ridgeline-labs/controlplane/internal/logger"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(logger.Default())
	q.Enqueue(New(TypeWorkItemChanged))
	q.Enqueue(New(TypeSpecChanged))
	q.Enqueue(New(TypeAgentStarted))

	ctx := context.Background()
	first, ok := q.Dequeue(ctx)
	if !ok || first.Type != TypeWorkItemChanged {
		t.Fatalf("first = %+v, ok=%v, want TypeWorkItemChanged", first, ok)
	}
	second, ok := q.Dequeue(ctx)
	if !ok || second.Type != TypeSpecChanged {
		t.Fatalf("second = %+v, ok=%v, want TypeSpecChanged", second, ok)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(logger.Default())
	ctx := context.Background()

	resultCh := make(chan Event, 1)
	go func() {
		evt, ok := q.Dequeue(ctx)
		if ok {
			resultCh <- evt
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(New(TypeAgentCompleted))

	select {
	case evt := <-resultCh:
		if evt.Type != TypeAgentCompleted {
			t.Fatalf("evt.Type = %v, want TypeAgentCompleted", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Enqueue")
	}
}

func TestQueueDequeueRespectsContextCancellation(t *testing.T) {
	q := NewQueue(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Dequeue returned ok=true after context cancellation with no event")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after context cancellation")
	}
}

func TestQueueRejectingModeDropsNonAllowed(t *testing.T) {
	q := NewQueue(logger.Default())
	q.SetRejecting(true, func(t Type) bool { return t.Terminal() })

	q.Enqueue(New(TypeWorkItemChanged)) // dropped
	q.Enqueue(New(TypeAgentCompleted))  // allowed through

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	evt, ok := q.Dequeue(context.Background())
	if !ok || evt.Type != TypeAgentCompleted {
		t.Fatalf("evt = %+v, ok=%v, want TypeAgentCompleted", evt, ok)
	}
}

func TestQueueLenAndIsEmpty(t *testing.T) {
	q := NewQueue(logger.Default())
	if !q.IsEmpty() {
		t.Fatal("new queue should be empty")
	}
	q.Enqueue(New(TypeSpecChanged))
	if q.IsEmpty() || q.Len() != 1 {
		t.Fatalf("Len() = %d, IsEmpty() = %v", q.Len(), q.IsEmpty())
	}
}
