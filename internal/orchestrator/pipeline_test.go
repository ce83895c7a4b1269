package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/adaptive"
	"github.com/crawlpipe/crawlpipe/internal/checkpoint"
	"github.com/crawlpipe/crawlpipe/internal/executor"
	"github.com/crawlpipe/crawlpipe/internal/fingerprint"
	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

func TestNewPipelineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(zap.NewNop())
	require.Error(t, err)

	_, err = NewPipeline(zap.NewNop(), nil)
	require.Error(t, err)
}

// TestPipelineStreamsBetweenStages runs a two-stage pipeline joined by a
// relay: validate admits and echoes items, enrich transforms what validate
// wrote. Both stages share the fingerprint store but flag independently.
func TestPipelineStreamsBetweenStages(t *testing.T) {
	t.Parallel()

	store := fingerprint.NewMemoryStore()
	dir := t.TempDir()
	items := testItems(12)
	relay := NewRelay(4, nil)
	finalSink := &captureSink{}

	newManager := func(stage string) *checkpoint.Manager {
		mgr, err := checkpoint.NewManager(checkpoint.Config{
			Dir:           dir,
			Stage:         stage,
			AutoSaveEvery: 1,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		return mgr
	}
	newController := func() *adaptive.Controller {
		return adaptive.NewController(adaptive.Config{Initial: 4, MinSamples: 100000}, nil, zap.NewNop())
	}
	exec := executor.Config{Retry: executor.RetryPolicy{MaxAttempts: 1}}

	validate, err := NewStage(StageConfig{
		Name:             "validate",
		InputFingerprint: "feed-v1",
		QueueCapacity:    4,
		BatchSize:        4,
		BatchWait:        20 * time.Millisecond,
		Exec:             exec,
	}, StageDeps{
		Producer:    &scriptedProducer{items: items},
		Process:     echoProcess,
		Sink:        relay,
		Gate:        fingerprint.NewGate(store, "validate", fingerprint.FlagValidated),
		Checkpoints: newManager("validate"),
		Controller:  newController(),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	enrich, err := NewStage(StageConfig{
		Name:             "enrich",
		InputFingerprint: "feed-v1",
		QueueCapacity:    4,
		BatchSize:        4,
		BatchWait:        20 * time.Millisecond,
		Exec:             exec,
	}, StageDeps{
		Producer: relay,
		Process: func(_ context.Context, item pipeline.Item) (pipeline.Result, error) {
			return pipeline.Result{Item: item, Value: append([]byte("enriched:"), item.Payload...)}, nil
		},
		Sink:        finalSink,
		Gate:        fingerprint.NewGate(store, "enrich", fingerprint.FlagEnriched),
		Checkpoints: newManager("enrich"),
		Controller:  newController(),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	p, err := NewPipeline(zap.NewNop(), validate, enrich)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	require.ElementsMatch(t, idsOf(items), finalSink.IDs())
	for _, res := range finalSink.results {
		value, ok := res.Value.([]byte)
		require.True(t, ok)
		require.True(t, bytes.HasPrefix(value, []byte("enriched:")))
	}

	// Both stages settled their own checkpoints.
	reg, err := checkpoint.NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)
	for _, stage := range []string{"validate", "enrich"} {
		st, err := reg.Get(context.Background(), stage)
		require.NoError(t, err)
		require.Equal(t, checkpoint.StatusCompleted, st.Status, stage)
		require.Equal(t, int64(12), st.ProcessedItems, stage)
	}

	// Each fingerprint carries both stage flags.
	for _, item := range items {
		rec, err := store.Get(context.Background(), item.Fingerprint)
		require.NoError(t, err)
		require.True(t, rec.Flags.Has(fingerprint.FlagValidated))
		require.True(t, rec.Flags.Has(fingerprint.FlagEnriched))
	}
}

// endlessProducer emits items until its context ends, simulating an unbounded
// source that only stops on shutdown.
type endlessProducer struct{}

func (endlessProducer) Produce(ctx context.Context, _ pipeline.Marker, emit func(pipeline.Item) error) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := fmt.Sprintf("endless-%06d", i)
		err := emit(pipeline.Item{
			ID:          id,
			Fingerprint: fingerprint.Compute(id),
			Marker:      pipeline.Marker(fmt.Sprintf("%06d", i)),
			Payload:     []byte(id),
		})
		if err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// TestPipelineFirstFailureStopsPeers ensures one stage failing cancels the
// others, which pause rather than fail.
func TestPipelineFirstFailureStopsPeers(t *testing.T) {
	t.Parallel()

	store := fingerprint.NewMemoryStore()
	dir := t.TempDir()
	exec := executor.Config{Retry: executor.RetryPolicy{MaxAttempts: 1}}

	newManager := func(stage string) *checkpoint.Manager {
		mgr, err := checkpoint.NewManager(checkpoint.Config{
			Dir:           dir,
			Stage:         stage,
			AutoSaveEvery: 1,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		return mgr
	}

	steady, err := NewStage(StageConfig{
		Name:             "steady",
		InputFingerprint: "feed-v1",
		QueueCapacity:    4,
		BatchSize:        2,
		BatchWait:        10 * time.Millisecond,
		Exec:             exec,
	}, StageDeps{
		Producer:    endlessProducer{},
		Process:     echoProcess,
		Sink:        &captureSink{},
		Gate:        fingerprint.NewGate(store, "steady", fingerprint.FlagValidated),
		Checkpoints: newManager("steady"),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	broken, err := NewStage(StageConfig{
		Name:             "broken",
		InputFingerprint: "feed-v1",
		QueueCapacity:    4,
		BatchSize:        2,
		BatchWait:        10 * time.Millisecond,
		Exec:             exec,
	}, StageDeps{
		Producer:    &scriptedProducer{items: testItems(4)},
		Process:     echoProcess,
		Sink:        &failingSink{},
		Gate:        fingerprint.NewGate(store, "broken", fingerprint.FlagEnriched),
		Checkpoints: newManager("broken"),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	p, err := NewPipeline(zap.NewNop(), steady, broken)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop after stage failure")
	}
	require.Error(t, runErr)
	require.Contains(t, runErr.Error(), "sink rejected")

	reg, err := checkpoint.NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)
	brokenState, err := reg.Get(context.Background(), "broken")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusFailed, brokenState.Status)

	steadyState, err := reg.Get(context.Background(), "steady")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusPaused, steadyState.Status)
}

type failingSink struct{}

func (failingSink) Write(context.Context, pipeline.Result) error {
	return errors.New("sink rejected")
}
