package fingerprint

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a fingerprint does not exist in the store.
var ErrNotFound = errors.New("fingerprint not found")

// Stats summarizes the contents of a store.
type Stats struct {
	// Total is the number of persisted fingerprints.
	Total int64 `json:"total"`
	// ByStatus counts records per status flag name; records with no flags
	// yet are counted under "discovered". A record carrying several flags is
	// counted once per flag.
	ByStatus map[string]int64 `json:"by_status"`
}

// statusDiscovered labels records no stage has flagged yet.
const statusDiscovered = "discovered"

// Store is the durable set of previously-seen fingerprints. Implementations
// must make TryInsert atomic under concurrent callers: two simultaneous
// inserts of the same fingerprint must not both report it as new. All methods
// are safe for concurrent use.
type Store interface {
	// TryInsert durably records the fingerprint if it was absent and reports
	// whether this call inserted it. With (false, nil) the fingerprint was
	// already present and nothing was mutated.
	TryInsert(ctx context.Context, fp, stage string) (bool, error)
	// Get returns the stored record, or ErrNotFound.
	Get(ctx context.Context, fp string) (Record, error)
	// MarkStatus ORs a status flag into the record and updates its last
	// touched stage. Returns ErrNotFound for unknown fingerprints.
	MarkStatus(ctx context.Context, fp, stage string, flag Flags) error
	// LoadAll visits every record, for bulk warm-start of an in-memory
	// cache. Iteration stops at the first error from fn.
	LoadAll(ctx context.Context, fn func(Record) error) error
	// Stats reports totals for inspection tooling.
	Stats(ctx context.Context) (Stats, error)
	// Close releases underlying resources.
	Close()
}
