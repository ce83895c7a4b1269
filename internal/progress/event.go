// Package progress defines the event structures emitted by pipeline stages.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress event kinds.
const (
	KindStageStarted    Kind = "STAGE_START"
	KindStageRecovering Kind = "STAGE_RECOVERING"
	KindStageCompleted  Kind = "STAGE_DONE"
	KindStagePaused     Kind = "STAGE_PAUSED"
	KindStageFailed     Kind = "STAGE_ERROR"
	KindBatchCompleted  Kind = "BATCH_DONE"
	KindItemFailed      Kind = "ITEM_ERROR"
	KindBreakerOpened   Kind = "BREAKER_OPEN"
	KindLimitChanged    Kind = "LIMIT_CHANGE"
)

// Event captures a single milestone of stage progress. Lifecycle kinds carry
// cumulative counts for the run; batch kinds carry the batch's own deltas.
type Event struct {
	// Stage names the pipeline stage that emitted the event.
	Stage string
	// Kind denotes which lifecycle or batch milestone occurred.
	Kind Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// RunID ties together all events from one run of a stage.
	RunID string
	// BatchID scopes batch completions and item failures to one batch.
	BatchID string
	// ItemID identifies the failed item for ITEM_ERROR events.
	ItemID string
	// Target names the remote target whose circuit opened for BREAKER_OPEN.
	Target string
	// Processed, Succeeded, and Failed carry item counts.
	Processed int64
	Succeeded int64
	Failed    int64
	// QueueDepth samples the stage's pending queue at emission time.
	QueueDepth int
	// Limit is the concurrency budget in effect at emission time.
	Limit int
	// Dur captures execution latency for batches and whole runs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Stage == "" {
		return errors.New("stage is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStageStarted, KindStageRecovering, KindStageCompleted,
		KindStagePaused, KindStageFailed, KindLimitChanged:
	case KindBatchCompleted:
		if e.BatchID == "" {
			return errors.New("batch completion requires batch id")
		}
	case KindItemFailed:
		if e.ItemID == "" {
			return errors.New("item failure requires item id")
		}
	case KindBreakerOpened:
		if e.Target == "" {
			return errors.New("breaker open requires target")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a stage run, whether by finishing,
// failing, or pausing for a clean shutdown.
func (e Event) Terminal() bool {
	return e.Kind == KindStageCompleted || e.Kind == KindStageFailed || e.Kind == KindStagePaused
}
