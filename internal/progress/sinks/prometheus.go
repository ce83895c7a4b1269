package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlpipe/crawlpipe/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for stage runs, batch throughput, queue depth, the adaptive
// concurrency limit, and circuit-breaker activity.
type PrometheusSink struct {
	stagesStarted   prometheus.Counter
	stagesCompleted *prometheus.CounterVec
	stagesRunning   prometheus.Gauge
	stageRuntime    *prometheus.HistogramVec
	stageRecoveries *prometheus.CounterVec

	itemsProcessed  *prometheus.CounterVec
	itemFailures    *prometheus.CounterVec
	batchesDone     *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	concurrencyCap  *prometheus.GaugeVec
	breakerOpenings *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stagesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlpipe_stage_runs_started_total",
			Help: "Total stage runs that have started.",
		}),
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_stage_runs_completed_total",
			Help: "Total stage runs completed partitioned by result.",
		}, []string{"result"}),
		stagesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlpipe_stage_runs_running",
			Help: "Current number of running stage runs.",
		}),
		stageRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlpipe_stage_runtime_seconds",
			Help:    "Wall time per completed stage run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		stageRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_stage_recoveries_total",
			Help: "Stage runs that resumed from an interrupted checkpoint.",
		}, []string{"stage"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_items_processed_total",
			Help: "Items processed partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),
		itemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_item_failures_total",
			Help: "Item failures partitioned by stage and remote target.",
		}, []string{"stage", "target"}),
		batchesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_batches_completed_total",
			Help: "Batches completed per stage.",
		}, []string{"stage"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlpipe_batch_duration_seconds",
			Help:    "Batch duration per stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlpipe_queue_depth",
			Help: "Pending items in the stage queue at last sample.",
		}, []string{"stage"}),
		concurrencyCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlpipe_concurrency_limit",
			Help: "Adaptive concurrency limit in effect per stage.",
		}, []string{"stage"}),
		breakerOpenings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpipe_breaker_opens_total",
			Help: "Circuit breaker open transitions partitioned by stage and target.",
		}, []string{"stage", "target"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.stagesStarted,
		s.stagesCompleted,
		s.stagesRunning,
		s.stageRuntime,
		s.stageRecoveries,
		s.itemsProcessed,
		s.itemFailures,
		s.batchesDone,
		s.batchDuration,
		s.queueDepth,
		s.concurrencyCap,
		s.breakerOpenings,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindStageStarted, progress.KindStageRecovering,
		progress.KindStageCompleted, progress.KindStagePaused, progress.KindStageFailed:
		s.handleStageEvent(evt)
	case progress.KindBatchCompleted:
		s.handleBatchEvent(evt)
	case progress.KindItemFailed:
		s.itemFailures.WithLabelValues(evt.Stage, targetLabel(evt.Target)).Inc()
	case progress.KindBreakerOpened:
		s.breakerOpenings.WithLabelValues(evt.Stage, targetLabel(evt.Target)).Inc()
	case progress.KindLimitChanged:
		s.concurrencyCap.WithLabelValues(evt.Stage).Set(float64(evt.Limit))
	}
}

func (s *PrometheusSink) handleStageEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindStageStarted:
		s.stagesStarted.Inc()
		if s.tracker.start(evt.Stage, evt.RunID) {
			s.stagesRunning.Inc()
		}
	case progress.KindStageRecovering:
		s.stageRecoveries.WithLabelValues(evt.Stage).Inc()
	case progress.KindStageCompleted:
		s.stagesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.KindStagePaused:
		s.stagesCompleted.WithLabelValues("paused").Inc()
		s.observeRuntime(evt, "paused")
	case progress.KindStageFailed:
		s.stagesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Terminal() && s.tracker.complete(evt.Stage, evt.RunID) {
		s.stagesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.stageRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	if evt.Succeeded > 0 {
		s.itemsProcessed.WithLabelValues(evt.Stage, "success").Add(float64(evt.Succeeded))
	}
	if evt.Failed > 0 {
		s.itemsProcessed.WithLabelValues(evt.Stage, "failure").Add(float64(evt.Failed))
	}
	s.batchesDone.WithLabelValues(evt.Stage).Inc()
	if evt.Dur > 0 {
		s.batchDuration.WithLabelValues(evt.Stage).Observe(evt.Dur.Seconds())
	}
	s.queueDepth.WithLabelValues(evt.Stage).Set(float64(evt.QueueDepth))
	s.concurrencyCap.WithLabelValues(evt.Stage).Set(float64(evt.Limit))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func targetLabel(target string) string {
	if target == "" {
		return "unknown"
	}
	return target
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(stage, runID string) bool {
	key := stage + "/" + runID
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *runTracker) complete(stage, runID string) bool {
	key := stage + "/" + runID
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
