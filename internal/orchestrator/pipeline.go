package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Pipeline runs a set of stages concurrently until all finish. Stages joined
// by relays stream items to each other; independent stages simply run in
// parallel. The first stage failure cancels the rest so a broken pipeline
// does not keep burning work, while every stage still settles its own
// checkpoint on the way out.
type Pipeline struct {
	stages []*Stage
	logger *zap.Logger
}

// NewPipeline assembles a pipeline over the given stages.
func NewPipeline(logger *zap.Logger, stages ...*Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	for _, st := range stages {
		if st == nil {
			return nil, errors.New("pipeline stage is nil")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{stages: stages, logger: logger}, nil
}

// Run executes all stages and blocks until they finish. The returned error
// joins every stage error; context ends surface as stage interruptions after
// each stage has checkpointed itself paused.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(p.stages))
	var wg sync.WaitGroup
	for i, st := range p.stages {
		wg.Add(1)
		go func(i int, st *Stage) {
			defer wg.Done()
			if err := st.Run(runCtx); err != nil {
				errs[i] = err
				p.logger.Error("pipeline stage ended with error",
					zap.String("stage", st.Name()),
					zap.Error(err),
				)
				cancel()
			}
		}(i, st)
	}
	wg.Wait()
	return errors.Join(errs...)
}
