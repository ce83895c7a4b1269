package pipeline

import (
	"context"
	"time"
)

// Producer supplies an ordered, restartable sequence of candidate work items
// from an upstream source. Produce must emit items strictly after the given
// marker so an orchestrator can skip already-checkpointed work on restart; an
// empty marker means the whole sequence. Produce returns when the sequence is
// exhausted, when emit returns an error, or when ctx is canceled. emit may
// block to apply backpressure.
type Producer interface {
	Produce(ctx context.Context, after Marker, emit func(Item) error) error
}

// ProcessFunc performs a stage's domain work for one item. Implementations
// must be safe for concurrent calls and must not retain unbounded memory
// across calls.
type ProcessFunc func(ctx context.Context, item Item) (Result, error)

// Sink accepts finalized results for durable output. The engine calls Write
// exactly once per successfully processed item and prescribes no format.
type Sink interface {
	Write(ctx context.Context, res Result) error
}

// DoneMarker is optionally implemented by sinks that bridge into a downstream
// producer (see orchestrator.Relay); the engine calls it after the stage has
// finished writing so the downstream side can drain and stop.
type DoneMarker interface {
	MarkProducerDone()
}

// Clock abstracts time for checkpoint cadence and concurrency-window logic.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers for runs and batches.
type IDGenerator interface {
	NewID() (string, error)
}
