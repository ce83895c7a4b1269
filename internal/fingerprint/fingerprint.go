// Package fingerprint implements the durable dedup layer: deterministic
// fingerprint computation, the persistent store of previously-seen
// fingerprints with atomic check-and-insert, and a warm-start cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Compute derives the fingerprint for a canonical identity. The same input
// always yields the same fingerprint; callers are responsible for
// canonicalizing first (the engine never normalizes identities itself).
func Compute(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Flags records which stages have finalized an item, as a bitmask so a single
// integer column carries the full progression.
type Flags uint32

// Stage completion flags.
const (
	FlagValidated Flags = 1 << iota
	FlagEnriched
)

var flagNames = map[Flags]string{
	FlagValidated: "validated",
	FlagEnriched:  "enriched",
}

// Has reports whether all bits of flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Names returns the human-readable names of all set flags. Unknown bits are
// reported positionally so stats never silently drop a flag.
func (f Flags) Names() []string {
	if f == 0 {
		return nil
	}
	var names []string
	for bit := 0; bit < 32; bit++ {
		flag := Flags(1) << bit
		if f&flag == 0 {
			continue
		}
		if name, ok := flagNames[flag]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bit))
		}
	}
	return names
}

// Record is the persisted form of one seen fingerprint. It is created on
// first successful insert and never mutated afterwards except for LastStage
// and Flags as the item progresses through the pipeline.
type Record struct {
	// Fingerprint is the dedup key.
	Fingerprint string
	// FirstSeen is the insert timestamp in UTC.
	FirstSeen time.Time
	// LastStage names the stage that most recently touched the record.
	LastStage string
	// Flags marks which stages have finalized the item.
	Flags Flags
}
