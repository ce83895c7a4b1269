package fingerprint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-shot runs. Contents
// do not survive a restart, so production pipelines should use the Postgres
// store instead.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TryInsert records the fingerprint if absent.
func (s *MemoryStore) TryInsert(_ context.Context, fp, stage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[fp]; ok {
		return false, nil
	}
	s.records[fp] = Record{
		Fingerprint: fp,
		FirstSeen:   s.now(),
		LastStage:   stage,
	}
	return true, nil
}

// Get returns the stored record, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, fp string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// MarkStatus ORs the flag into an existing record.
func (s *MemoryStore) MarkStatus(_ context.Context, fp, stage string, flag Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return ErrNotFound
	}
	rec.Flags |= flag
	rec.LastStage = stage
	s.records[fp] = rec
	return nil
}

// LoadAll visits every record under a point-in-time copy so fn may call back
// into the store.
func (s *MemoryStore) LoadAll(ctx context.Context, fn func(Record) error) error {
	s.mu.Lock()
	snapshot := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec)
	}
	s.mu.Unlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports totals over the current contents.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Total:    int64(len(s.records)),
		ByStatus: make(map[string]int64),
	}
	for _, rec := range s.records {
		if rec.Flags == 0 {
			stats.ByStatus[statusDiscovered]++
			continue
		}
		for _, name := range rec.Flags.Names() {
			stats.ByStatus[name]++
		}
	}
	return stats, nil
}

// Close implements Store; the memory store holds no external resources.
func (s *MemoryStore) Close() {}
