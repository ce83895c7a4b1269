// Package queue provides the bounded handoff between a stage's producer and
// its consumer. Capacity is the backpressure mechanism: when the consumer
// falls behind, Put blocks and the producer slows to the consumer's pace
// instead of growing memory without bound.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

const defaultCapacity = 64

// ErrProducerDone is returned by Put after MarkProducerDone.
var ErrProducerDone = errors.New("queue: producer marked done")

// BatchQueue is a single-producer/single-consumer bounded queue handing
// items to the consumer in batches. Queue contents are not persisted:
// recovery after a crash comes from the checkpoint marker plus fingerprint
// re-derivation, never from queue state.
type BatchQueue struct {
	items    chan pipeline.Item
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a queue bounded at capacity (default 64).
func New(capacity int) *BatchQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &BatchQueue{
		items: make(chan pipeline.Item, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues one item, blocking while the queue is full. It returns a
// wrapped ctx.Err() when the context ends first and ErrProducerDone after
// done-marking.
func (q *BatchQueue) Put(ctx context.Context, item pipeline.Item) error {
	select {
	case <-q.done:
		return ErrProducerDone
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrProducerDone
	case <-ctx.Done():
		return fmt.Errorf("queue put: %w", ctx.Err())
	}
}

// MarkProducerDone signals that no more items are coming. Idempotent.
func (q *BatchQueue) MarkProducerDone() {
	q.doneOnce.Do(func() { close(q.done) })
}

// GetBatchOrWait drains up to maxBatch immediately-available items. When the
// queue is empty it waits up to wait for the first item, then greedily takes
// whatever else is already there. The boolean turns true only once the
// producer is done and the queue is drained; the final call then returns
// (nil, true). A cancelled context returns (nil, false); callers watch
// their own context.
func (q *BatchQueue) GetBatchOrWait(ctx context.Context, maxBatch int, wait time.Duration) (pipeline.Batch, bool) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if batch := q.drain(nil, maxBatch); len(batch) > 0 {
		return batch, false
	}

	select {
	case <-q.done:
		// Sends that completed before done-marking may still sit in the
		// channel; hand those out before reporting finished.
		if batch := q.drain(nil, maxBatch); len(batch) > 0 {
			return batch, false
		}
		return nil, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return q.drain(pipeline.Batch{item}, maxBatch), false
	case <-q.done:
		if batch := q.drain(nil, maxBatch); len(batch) > 0 {
			return batch, false
		}
		return nil, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len reports the instantaneous queue depth.
func (q *BatchQueue) Len() int {
	return len(q.items)
}

func (q *BatchQueue) drain(batch pipeline.Batch, maxBatch int) pipeline.Batch {
	for len(batch) < maxBatch {
		select {
		case item := <-q.items:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}
