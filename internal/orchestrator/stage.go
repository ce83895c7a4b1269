package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/adaptive"
	"github.com/crawlpipe/crawlpipe/internal/checkpoint"
	clocksystem "github.com/crawlpipe/crawlpipe/internal/clock/system"
	"github.com/crawlpipe/crawlpipe/internal/executor"
	"github.com/crawlpipe/crawlpipe/internal/fingerprint"
	iduuid "github.com/crawlpipe/crawlpipe/internal/id/uuid"
	"github.com/crawlpipe/crawlpipe/internal/pipeline"
	"github.com/crawlpipe/crawlpipe/internal/progress"
	"github.com/crawlpipe/crawlpipe/internal/queue"
)

const (
	defaultBatchSize = 32
	defaultBatchWait = 250 * time.Millisecond

	// slotPoll is how long a dispatcher waits before re-checking the
	// concurrency budget. The budget moves while a batch is in flight, so
	// slots are polled rather than taken from a fixed-size semaphore.
	slotPoll = 5 * time.Millisecond
)

// StageConfig identifies a stage and sets its throughput knobs.
type StageConfig struct {
	// Name is the stage identity used for checkpoints, events, and logs.
	Name string
	// Total is the expected item count for progress reporting; 0 if unknown.
	Total int64
	// InputFingerprint identifies the input source version. A checkpoint
	// recorded under a different fingerprint refuses to resume.
	InputFingerprint string
	// QueueCapacity bounds the producer/consumer handoff (default 64).
	QueueCapacity int
	// BatchSize and BatchWait control how items are grouped for dispatch:
	// a batch goes out when it is full or when BatchWait passes with at
	// least one item pending (defaults 32 and 250ms).
	BatchSize int
	BatchWait time.Duration
	// Exec configures retries, the circuit breaker, and per-target rate
	// limiting for this stage's processor calls.
	Exec executor.Config
	// Target maps an item to the remote target it will hit, scoping the
	// breaker and rate limiter. Nil means all items share one target named
	// after the stage.
	Target func(pipeline.Item) string
}

// StageDeps carries the collaborators a stage runs against.
type StageDeps struct {
	Producer pipeline.Producer
	Process  pipeline.ProcessFunc
	Sink     pipeline.Sink
	// Gate decides per-item admission; items it rejects were already
	// processed by an earlier run or duplicate an in-flight fingerprint.
	Gate *fingerprint.Gate
	// Checkpoints persists this stage's progress.
	Checkpoints *checkpoint.Manager
	// Controller supplies the adaptive concurrency budget. Nil gets a
	// controller with package defaults.
	Controller *adaptive.Controller
	// Emitter receives progress events; nil drops them.
	Emitter progress.Emitter
	Logger  *zap.Logger
	Clock   pipeline.Clock
	// IDs mints run and batch identifiers. Nil gets the UUID generator.
	IDs pipeline.IDGenerator
}

// Stage drives one pipeline stage end to end: produce, dedup, queue, process
// under the adaptive budget, write, and checkpoint. A Stage runs once; build
// a new one for another run.
type Stage struct {
	cfg    StageConfig
	deps   StageDeps
	queue  *queue.BatchQueue
	exec   *executor.Executor
	logger *zap.Logger
	clock  pipeline.Clock
	ids    pipeline.IDGenerator

	runID     string
	lastLimit int
}

// NewStage validates the wiring and prepares a stage for Run.
func NewStage(cfg StageConfig, deps StageDeps) (*Stage, error) {
	if cfg.Name == "" {
		return nil, errors.New("stage name is required")
	}
	if deps.Producer == nil {
		return nil, fmt.Errorf("stage %s: producer is required", cfg.Name)
	}
	if deps.Process == nil {
		return nil, fmt.Errorf("stage %s: process func is required", cfg.Name)
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("stage %s: sink is required", cfg.Name)
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("stage %s: fingerprint gate is required", cfg.Name)
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("stage %s: checkpoint manager is required", cfg.Name)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = defaultBatchWait
	}
	if cfg.Target == nil {
		name := cfg.Name
		cfg.Target = func(pipeline.Item) string { return name }
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clocksystem.New()
	}
	if deps.IDs == nil {
		deps.IDs = iduuid.NewGenerator()
	}
	if deps.Controller == nil {
		deps.Controller = adaptive.NewController(adaptive.Config{}, deps.Clock, deps.Logger)
	}

	s := &Stage{
		cfg:    cfg,
		deps:   deps,
		queue:  queue.New(cfg.QueueCapacity),
		logger: deps.Logger.With(zap.String("stage", cfg.Name)),
		clock:  deps.Clock,
		ids:    deps.IDs,
	}

	// Breaker opens surface as stage events; a caller-supplied hook still
	// runs afterwards.
	userHook := cfg.Exec.OnBreakerOpen
	cfg.Exec.OnBreakerOpen = func(target string) {
		s.emit(progress.Event{Kind: progress.KindBreakerOpened, Target: target})
		if userHook != nil {
			userHook(target)
		}
	}
	s.exec = executor.New(cfg.Exec, deps.Clock, s.logger)
	return s, nil
}

// Name returns the stage name.
func (s *Stage) Name() string {
	return s.cfg.Name
}

// Run executes the stage until its producer is exhausted, a fatal error
// occurs, or ctx ends. A context end checkpoints the stage as paused so the
// next run resumes cleanly; fatal errors checkpoint it as failed. Run returns
// checkpoint.ErrInputChanged (wrapped) when a prior incomplete run recorded a
// different input source.
func (s *Stage) Run(ctx context.Context) error {
	runID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("stage %s: new run id: %w", s.cfg.Name, err)
	}
	s.runID = runID
	s.lastLimit = s.deps.Controller.CurrentLimit()

	state, resumed, err := s.deps.Checkpoints.Start(s.cfg.Total, s.cfg.InputFingerprint)
	if err != nil {
		return fmt.Errorf("stage %s: %w", s.cfg.Name, err)
	}
	if state.Status == checkpoint.StatusCompleted {
		s.logger.Info("stage already completed for this input, skipping",
			zap.Int64("processed", state.ProcessedItems),
		)
		s.markSinkDone()
		return nil
	}

	started := s.clock.Now()
	s.emit(progress.Event{
		Kind:      progress.KindStageStarted,
		Processed: state.ProcessedItems,
		Succeeded: state.SuccessfulItems,
		Failed:    state.FailedItems,
		Limit:     s.lastLimit,
	})
	if resumed {
		s.emit(progress.Event{
			Kind:      progress.KindStageRecovering,
			Processed: state.ProcessedItems,
			Note:      fmt.Sprintf("resumed after marker %q", state.LastProcessedMarker),
		})
	}

	warmed, err := s.deps.Gate.Warm(ctx)
	if err != nil {
		return s.finish(ctx, started, fmt.Errorf("stage %s: %w", s.cfg.Name, err))
	}
	s.logger.Debug("fingerprint cache warmed", zap.Int("records", warmed))

	// The producer must never outlive the consumer: a consumer abort
	// cancels runCtx so a Put blocked on a full queue returns.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prodErrCh := make(chan error, 1)
	go func() {
		prodErrCh <- s.produce(runCtx, pipeline.Marker(state.LastProcessedMarker))
	}()

	var runErr error
	for {
		if err := runCtx.Err(); err != nil {
			runErr = err
			break
		}
		batch, finished := s.queue.GetBatchOrWait(runCtx, s.cfg.BatchSize, s.cfg.BatchWait)
		if len(batch) > 0 {
			if err := s.processBatch(runCtx, batch); err != nil {
				runErr = err
				break
			}
		}
		if finished {
			break
		}
	}
	cancel()
	if prodErr := <-prodErrCh; runErr == nil {
		runErr = prodErr
	}

	return s.finish(ctx, started, runErr)
}

// produce pulls items from the producer, filters them through the dedup gate,
// and blocks on the bounded queue for backpressure. The queue is always
// done-marked on return so the consumer can drain and stop.
func (s *Stage) produce(ctx context.Context, after pipeline.Marker) error {
	defer s.queue.MarkProducerDone()
	err := s.deps.Producer.Produce(ctx, after, func(item pipeline.Item) error {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("produced item %q: %w", item.ID, err)
		}
		admitted, err := s.deps.Gate.Admit(ctx, item.Fingerprint)
		if err != nil {
			return fmt.Errorf("admit item %q: %w", item.ID, err)
		}
		if !admitted {
			s.logger.Debug("item skipped by fingerprint gate", zap.String("item_id", item.ID))
			return nil
		}
		return s.queue.Put(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

// itemOutcome separates per-item failures, which the run absorbs, from fatal
// errors such as a sink or fingerprint store write that did not land.
type itemOutcome struct {
	err   error
	fatal error
}

// processBatch dispatches one batch under the adaptive budget, waits for all
// dispatched items, then folds the batch into the checkpoint. The checkpoint
// is not advanced when the batch aborts: completed items are covered by
// their fingerprint flags, so the next run redoes only the remainder.
func (s *Stage) processBatch(ctx context.Context, batch pipeline.Batch) error {
	batchID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new batch id: %w", err)
	}
	start := s.clock.Now()

	var (
		wg         sync.WaitGroup
		inflight   atomic.Int64
		outcomes   = make([]itemOutcome, len(batch))
		dispatched = len(batch)
	)
	for i, item := range batch {
		if err := s.acquireSlot(ctx, &inflight); err != nil {
			dispatched = i
			break
		}
		wg.Add(1)
		go func(i int, item pipeline.Item) {
			defer wg.Done()
			defer inflight.Add(-1)
			outcomes[i] = s.processItem(ctx, batchID, item)
		}(i, item)
	}
	wg.Wait()

	var succeeded, failed int64
	for _, out := range outcomes[:dispatched] {
		if out.fatal != nil {
			return out.fatal
		}
		if out.err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	if dispatched < len(batch) || ctx.Err() != nil {
		// The run is being torn down, so nothing in this batch is final:
		// items canceled mid-flight are not failures and the marker must
		// not move past them. Items that did land are covered by their
		// fingerprint flags; the rest re-run on resume.
		return ctx.Err()
	}

	if err := s.deps.Checkpoints.Update(checkpoint.Delta{
		Processed:  int64(len(batch)),
		Successful: succeeded,
		Failed:     failed,
		LastMarker: string(batch[len(batch)-1].Marker),
		BatchID:    batchID,
	}); err != nil {
		return fmt.Errorf("checkpoint batch %s: %w", batchID, err)
	}

	limit := s.deps.Controller.CurrentLimit()
	if limit != s.lastLimit {
		s.emit(progress.Event{Kind: progress.KindLimitChanged, Limit: limit})
		s.lastLimit = limit
	}
	s.emit(progress.Event{
		Kind:       progress.KindBatchCompleted,
		BatchID:    batchID,
		Processed:  int64(len(batch)),
		Succeeded:  succeeded,
		Failed:     failed,
		QueueDepth: s.queue.Len(),
		Limit:      limit,
		Dur:        s.clock.Now().Sub(start),
	})
	return nil
}

// processItem runs one item through the executor, writes the result, and
// marks its fingerprint processed. Processing failures are absorbed as item
// failures; a write that does not land is fatal because the item can neither
// be confirmed nor safely skipped on resume.
func (s *Stage) processItem(ctx context.Context, batchID string, item pipeline.Item) itemOutcome {
	target := s.cfg.Target(item)
	var res pipeline.Result
	err := s.exec.Execute(ctx, target, func(ctx context.Context) error {
		r, err := s.deps.Process(ctx, item)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		s.deps.Controller.RecordResult(false)
		s.logger.Debug("item processing failed",
			zap.String("item_id", item.ID),
			zap.String("target", target),
			zap.Error(err),
		)
		s.emit(progress.Event{
			Kind:    progress.KindItemFailed,
			BatchID: batchID,
			ItemID:  item.ID,
			Target:  target,
			Note:    err.Error(),
		})
		return itemOutcome{err: err}
	}
	if err := s.deps.Sink.Write(ctx, res); err != nil {
		return itemOutcome{fatal: fmt.Errorf("sink write item %q: %w", item.ID, err)}
	}
	if err := s.deps.Gate.MarkProcessed(ctx, item.Fingerprint); err != nil {
		return itemOutcome{fatal: fmt.Errorf("mark fingerprint for item %q: %w", item.ID, err)}
	}
	s.deps.Controller.RecordResult(true)
	return itemOutcome{}
}

// acquireSlot waits until the number of in-flight items is below the
// controller's current budget. Decreases never preempt running items; they
// only hold back new dispatches.
func (s *Stage) acquireSlot(ctx context.Context, inflight *atomic.Int64) error {
	for {
		limit := int64(s.deps.Controller.CurrentLimit())
		if inflight.Load() < limit {
			if inflight.Add(1) <= limit {
				return nil
			}
			inflight.Add(-1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slotPoll):
		}
	}
}

// finish settles the checkpoint, notifies a bridging sink, and emits the
// terminal event. An outer context end is a clean interruption: the stage
// pauses instead of failing.
func (s *Stage) finish(ctx context.Context, started time.Time, runErr error) error {
	s.markSinkDone()
	dur := s.clock.Now().Sub(started)
	state, _ := s.deps.Checkpoints.State()

	switch {
	case runErr == nil:
		if err := s.deps.Checkpoints.Complete(); err != nil {
			s.emit(progress.Event{Kind: progress.KindStageFailed, Dur: dur, Note: err.Error()})
			return fmt.Errorf("stage %s: complete checkpoint: %w", s.cfg.Name, err)
		}
		s.emit(progress.Event{
			Kind:      progress.KindStageCompleted,
			Processed: state.ProcessedItems,
			Succeeded: state.SuccessfulItems,
			Failed:    state.FailedItems,
			Dur:       dur,
		})
		s.logger.Info("stage completed",
			zap.Int64("processed", state.ProcessedItems),
			zap.Int64("succeeded", state.SuccessfulItems),
			zap.Int64("failed", state.FailedItems),
			zap.Duration("dur", dur),
		)
		return nil

	case ctx.Err() != nil:
		if err := s.deps.Checkpoints.Pause(); err != nil {
			s.logger.Error("pause checkpoint failed", zap.Error(err))
		}
		s.emit(progress.Event{
			Kind:      progress.KindStagePaused,
			Processed: state.ProcessedItems,
			Dur:       dur,
			Note:      "interrupted",
		})
		s.logger.Info("stage paused",
			zap.Int64("processed", state.ProcessedItems),
			zap.String("last_marker", state.LastProcessedMarker),
		)
		return fmt.Errorf("stage %s interrupted: %w", s.cfg.Name, ctx.Err())

	default:
		if err := s.deps.Checkpoints.Fail(runErr.Error()); err != nil {
			s.logger.Error("fail checkpoint failed", zap.Error(err))
		}
		s.emit(progress.Event{
			Kind:      progress.KindStageFailed,
			Processed: state.ProcessedItems,
			Dur:       dur,
			Note:      runErr.Error(),
		})
		s.logger.Error("stage failed", zap.Error(runErr))
		return fmt.Errorf("stage %s: %w", s.cfg.Name, runErr)
	}
}

// markSinkDone tells a bridging sink that no more writes are coming so a
// downstream relay consumer can drain and stop.
func (s *Stage) markSinkDone() {
	if dm, ok := s.deps.Sink.(pipeline.DoneMarker); ok {
		dm.MarkProducerDone()
	}
}

// emit stamps the event with the stage identity and forwards it. Events are
// advisory; a nil emitter drops them.
func (s *Stage) emit(evt progress.Event) {
	if s.deps.Emitter == nil {
		return
	}
	evt.Stage = s.cfg.Name
	evt.TS = s.clock.Now()
	evt.RunID = s.runID
	s.deps.Emitter.Emit(evt)
}
