package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

const defaultRelayCapacity = 64

// ErrRelayClosed is returned by Write once the upstream stage marked the
// relay done.
var ErrRelayClosed = errors.New("relay closed")

// Relay bridges two stages running in one process: it is the upstream
// stage's Sink and the downstream stage's Producer, with a bounded channel
// in between so downstream backpressure propagates upstream.
//
// A relay carries one live run's stream. It ignores the downstream resume
// marker: when the upstream stage re-emits on resume, the downstream dedup
// gate already skips items it finished earlier. A downstream stage whose
// upstream checkpoint is already completed receives nothing through a relay
// and must read from a durable source instead.
type Relay struct {
	items    chan pipeline.Item
	done     chan struct{}
	doneOnce sync.Once
	mapFn    func(pipeline.Result) pipeline.Item
}

// NewRelay builds a relay bounded at capacity (default 64). mapFn converts
// an upstream result into the downstream item; nil uses ResultItem.
func NewRelay(capacity int, mapFn func(pipeline.Result) pipeline.Item) *Relay {
	if capacity <= 0 {
		capacity = defaultRelayCapacity
	}
	if mapFn == nil {
		mapFn = ResultItem
	}
	return &Relay{
		items: make(chan pipeline.Item, capacity),
		done:  make(chan struct{}),
		mapFn: mapFn,
	}
}

// ResultItem is the default result-to-item mapping: the item travels
// downstream unchanged, carrying the upstream payload (or the result value
// when it is a byte slice). Fingerprint flags are per stage, so the same
// fingerprint deduplicates independently downstream.
func ResultItem(res pipeline.Result) pipeline.Item {
	item := res.Item
	if b, ok := res.Value.([]byte); ok {
		item.Payload = b
	}
	return item
}

// Write implements pipeline.Sink. It blocks while the relay is full and
// returns ErrRelayClosed after MarkProducerDone.
func (r *Relay) Write(ctx context.Context, res pipeline.Result) error {
	item := r.mapFn(res)
	select {
	case <-r.done:
		return ErrRelayClosed
	default:
	}
	select {
	case r.items <- item:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return fmt.Errorf("relay write: %w", ctx.Err())
	}
}

// MarkProducerDone implements pipeline.DoneMarker: no more writes are coming.
// Idempotent.
func (r *Relay) MarkProducerDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Produce implements pipeline.Producer for the downstream stage, emitting
// items as the upstream stage writes them and returning once the relay is
// done-marked and drained.
func (r *Relay) Produce(ctx context.Context, _ pipeline.Marker, emit func(pipeline.Item) error) error {
	for {
		select {
		case item := <-r.items:
			if err := emit(item); err != nil {
				return err
			}
		case <-r.done:
			// Writes that landed before done-marking may still sit in
			// the channel.
			for {
				select {
				case item := <-r.items:
					if err := emit(item); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
