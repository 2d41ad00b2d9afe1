package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentDCA/internal/errors"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue("dispatch", 128)
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 4, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id]++
			n := len(seen)
			mu.Unlock()
			if n == 50 {
				cancel()
			}
			return nil
		})
	}()

	for i := 0; i < 50; i++ {
		if err := q.Publish(ctx, "order-"+string(rune('A'+i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct deliveries, got %d", len(seen))
	}
}

func TestMemoryQueueRequeuesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue("registry-retry", 8)
	var attempts atomic.Int32
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, id string) error {
			switch id {
			case "retry":
				if attempts.Add(1) < 3 {
					return xerrors.New(xerrors.CodeTimeout, "rpc timeout")
				}
				cancel()
				return nil
			default:
				return errors.New("permanent")
			}
		})
	}()

	_ = q.Publish(ctx, "drop")
	_ = q.Publish(ctx, "retry")
	<-ctx.Done()

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts for retryable message, got %d", attempts.Load())
	}
	if q.Len() != 0 {
		t.Fatalf("non-retryable message should have been dropped, backlog %d", q.Len())
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue("dispatch", 1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "x"); xerrors.CodeOf(err) != CodeClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), Config{Driver: "kafka"}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	q, err := New(context.Background(), Config{Name: "dispatch"})
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	_ = q.Close()
}
