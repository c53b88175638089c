package index

import (
	"time"
)

// Entry is a single indexed operation with its embedding vector.
type Entry struct {
	// OperationID is the composite id "backend:operation".
	OperationID string `cbor:"id"`
	// BackendName is the owning backend.
	BackendName string `cbor:"backend"`
	// Description is the operation description that was embedded.
	Description string `cbor:"description"`
	// Vector is the embedding of Description.
	Vector []float32 `cbor:"vector"`
}

// Metadata describes the provenance of a slot's contents.
type Metadata struct {
	// RegistryHash is the hash of the backend registry the slot was
	// built against. The slot is only trusted as a cache when it
	// matches the current registry's hash.
	RegistryHash string `cbor:"registry_hash"`
	// TotalEntries is the number of entries in the slot.
	TotalEntries int `cbor:"total_entries"`
	// DisabledBackends is the disabled set at build time. Entries for
	// these backends are permanently excluded from the slot.
	DisabledBackends []string `cbor:"disabled_backends"`
	// BuiltAt records when the slot was written.
	BuiltAt time.Time `cbor:"built_at"`
}

// Snapshot is a fully-formed, immutable view of one slot. Readers share
// snapshots by pointer; none of the fields may be mutated after
// construction.
type Snapshot struct {
	Entries []Entry
	Meta    Metadata
}

// ByBackend returns the number of entries per backend name.
func (s *Snapshot) ByBackend() map[string]int {
	counts := make(map[string]int)
	for _, e := range s.Entries {
		counts[e.BackendName]++
	}
	return counts
}
