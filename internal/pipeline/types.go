package pipeline

import "errors"

// Marker identifies a position in a producer's ordered item sequence. An
// empty marker means the beginning of the sequence. Markers are opaque to the
// engine beyond equality; producers define their encoding.
type Marker string

// Item is an opaque unit of work flowing between stages.
type Item struct {
	// ID is the stable identifier of the item (e.g. a URL or record key).
	ID string
	// Fingerprint is derived deterministically from the item's canonical
	// identity and never changes; it is the dedup key across runs.
	Fingerprint string
	// Marker is the item's position in the producer sequence, used for
	// checkpointed resume.
	Marker Marker
	// Payload is meaningful only to the stage-specific processor.
	Payload []byte
}

// Validate performs coarse validation of the fields the engine relies on.
func (it Item) Validate() error {
	if it.ID == "" {
		return errors.New("item id is required")
	}
	if it.Fingerprint == "" {
		return errors.New("item fingerprint is required")
	}
	return nil
}

// Result is the finalized output of processing one Item, handed to the Sink
// exactly once per successfully processed item.
type Result struct {
	Item Item
	// Value carries the stage-specific output; the engine never inspects it.
	Value any
}

// Batch is a sized group of items handed atomically from the queue to the
// consumer. Within one pipeline run no two in-flight batches carry the same
// fingerprint; the dedup gate admits each fingerprint at most once per run.
type Batch []Item
