package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

func item(n int) pipeline.Item {
	return pipeline.Item{ID: fmt.Sprintf("item-%d", n), Fingerprint: fmt.Sprintf("fp-%d", n)}
}

func TestQueueBatchDrain(t *testing.T) {
	t.Parallel()

	q := New(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(ctx, item(i)))
	}
	require.Equal(t, 5, q.Len())

	batch, finished := q.GetBatchOrWait(ctx, 3, 10*time.Millisecond)
	require.False(t, finished)
	require.Len(t, batch, 3)

	batch, finished = q.GetBatchOrWait(ctx, 3, 10*time.Millisecond)
	require.False(t, finished)
	require.Len(t, batch, 2)

	// Empty but producer not done: wait times out with nothing.
	batch, finished = q.GetBatchOrWait(ctx, 3, 10*time.Millisecond)
	require.False(t, finished)
	require.Empty(t, batch)

	q.MarkProducerDone()
	batch, finished = q.GetBatchOrWait(ctx, 3, 10*time.Millisecond)
	require.True(t, finished)
	require.Empty(t, batch)
}

func TestQueueWaitsForFirstItem(t *testing.T) {
	t.Parallel()

	q := New(8)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Put(ctx, item(1))
	}()

	start := time.Now()
	batch, finished := q.GetBatchOrWait(ctx, 4, time.Second)
	if finished {
		t.Fatal("queue reported finished with a live producer")
	}
	if len(batch) != 1 {
		t.Fatalf("got %d items, want 1", len(batch))
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Fatalf("waited the full timeout (%v) instead of returning on arrival", elapsed)
	}
}

func TestQueueBackpressureBlocksProducer(t *testing.T) {
	t.Parallel()

	const capacity = 4
	q := New(capacity)
	ctx := context.Background()

	var puts atomic.Int64
	go func() {
		for i := 0; i < 20; i++ {
			if err := q.Put(ctx, item(i)); err != nil {
				return
			}
			puts.Add(1)
		}
		q.MarkProducerDone()
	}()

	// With no consumer the producer must stall at capacity.
	time.Sleep(50 * time.Millisecond)
	if got := puts.Load(); got > capacity {
		t.Fatalf("producer completed %d puts into a capacity-%d queue with no consumer", got, capacity)
	}

	// Draining unblocks it; every item arrives exactly once.
	got := map[string]bool{}
	for {
		if q.Len() > capacity {
			t.Fatalf("queue depth %d exceeded capacity %d", q.Len(), capacity)
		}
		batch, finished := q.GetBatchOrWait(ctx, 3, 100*time.Millisecond)
		for _, it := range batch {
			if got[it.ID] {
				t.Fatalf("item %s delivered twice", it.ID)
			}
			got[it.ID] = true
		}
		if finished {
			break
		}
	}
	require.Len(t, got, 20)
	require.Equal(t, int64(20), puts.Load())
}

func TestQueuePutAfterDone(t *testing.T) {
	t.Parallel()

	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, item(1)))
	q.MarkProducerDone()
	q.MarkProducerDone() // idempotent

	err := q.Put(ctx, item(2))
	require.ErrorIs(t, err, ErrProducerDone)

	// The item accepted before done-marking is still delivered.
	batch, finished := q.GetBatchOrWait(ctx, 4, 10*time.Millisecond)
	require.False(t, finished)
	require.Len(t, batch, 1)

	_, finished = q.GetBatchOrWait(ctx, 4, 10*time.Millisecond)
	require.True(t, finished)
}

func TestQueuePutHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(1)
	require.NoError(t, q.Put(context.Background(), item(0)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Put(ctx, item(1)) // blocks: queue full
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled Put did not return")
	}
}

func TestQueueGetHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	batch, finished := q.GetBatchOrWait(ctx, 4, time.Second)
	require.Empty(t, batch)
	require.False(t, finished)
	if time.Since(start) >= time.Second {
		t.Fatal("cancelled GetBatchOrWait waited the full timeout")
	}
}

func TestQueueDeliversEverythingUnderConcurrency(t *testing.T) {
	t.Parallel()

	const total = 500
	q := New(16)
	ctx := context.Background()

	go func() {
		for i := 0; i < total; i++ {
			if err := q.Put(ctx, item(i)); err != nil {
				return
			}
		}
		q.MarkProducerDone()
	}()

	seen := map[string]bool{}
	for {
		batch, finished := q.GetBatchOrWait(ctx, 25, 100*time.Millisecond)
		for _, it := range batch {
			if seen[it.Fingerprint] {
				t.Fatalf("fingerprint %s delivered twice", it.Fingerprint)
			}
			seen[it.Fingerprint] = true
		}
		if finished {
			break
		}
	}
	require.Len(t, seen, total)
}
