package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Gate decides, per stage, whether a candidate item should be processed. It
// fronts a Store with an in-process map so steady-state admission does not
// pay a store round-trip per item.
//
// Admission rules: a fingerprint never seen before is recorded and admitted.
// One already carrying this stage's status flag was processed by an earlier
// run and is skipped. One present without the flag was discovered but never
// finished (a crash, or a prior aborted run) and is admitted again so resume
// covers exactly the unfinished remainder. Within one run a fingerprint is
// admitted at most once, so the same item is never in flight twice.
type Gate struct {
	store Store
	stage string
	flag  Flags

	mu      sync.Mutex
	entries map[string]gateEntry
}

type gateEntry struct {
	processed bool
	admitted  bool
}

// NewGate builds an admission gate for one stage. flag is the status bit the
// stage sets on successful processing.
func NewGate(store Store, stage string, flag Flags) *Gate {
	return &Gate{
		store:   store,
		stage:   stage,
		flag:    flag,
		entries: make(map[string]gateEntry),
	}
}

// Warm bulk-loads every persisted record into the gate and returns the
// number loaded. Stages call this once before producing; an error means the
// dedup state is unreachable and the stage must not start.
func (g *Gate) Warm(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loaded := 0
	err := g.store.LoadAll(ctx, func(rec Record) error {
		g.entries[rec.Fingerprint] = gateEntry{processed: rec.Flags.Has(g.flag)}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("warm fingerprint cache: %w", err)
	}
	return loaded, nil
}

// Admit reports whether the item behind fp should be processed by this
// stage. The store stays authoritative for first-time inserts: when the
// fingerprint is not cached, the store's atomic check-and-insert decides.
func (g *Gate) Admit(ctx context.Context, fp string) (bool, error) {
	if fp == "" {
		return false, fmt.Errorf("empty fingerprint")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[fp]; ok {
		if e.processed || e.admitted {
			return false, nil
		}
		e.admitted = true
		g.entries[fp] = e
		return true, nil
	}

	inserted, err := g.store.TryInsert(ctx, fp, g.stage)
	if err != nil {
		return false, err
	}
	if inserted {
		g.entries[fp] = gateEntry{admitted: true}
		return true, nil
	}

	// Present in the store but not warmed into the cache: another run (or a
	// concurrent stage) inserted it. Processed-ness decides.
	rec, err := g.store.Get(ctx, fp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Raced with a purge; treat as unprocessed.
			g.entries[fp] = gateEntry{admitted: true}
			return true, nil
		}
		return false, err
	}
	processed := rec.Flags.Has(g.flag)
	g.entries[fp] = gateEntry{processed: processed, admitted: true}
	return !processed, nil
}

// MarkProcessed records the stage flag durably and updates the cache so
// later runs (and later duplicates in this one) skip the item.
func (g *Gate) MarkProcessed(ctx context.Context, fp string) error {
	if err := g.store.MarkStatus(ctx, fp, g.stage, g.flag); err != nil {
		return err
	}
	g.mu.Lock()
	g.entries[fp] = gateEntry{processed: true, admitted: true}
	g.mu.Unlock()
	return nil
}
