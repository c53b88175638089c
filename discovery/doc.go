// Package discovery implements the broker's semantic discovery engine.
//
// The engine owns a dual-slot index store (package index) and answers
// similarity queries against an immutable in-memory snapshot of the
// active slot. Queries never block on writers: incremental indexing and
// background rebuilds prepare a complete replacement snapshot and
// install it with an atomic pointer swap.
//
// # Disabled backends
//
// Disabling a backend takes effect on the query path immediately (live
// filtering) and becomes permanent in the index at the next rebuild.
// Between those two points the active slot may still contain entries
// for a disabled backend; the query path papers over this by
// over-fetching raw candidates before filtering so enabled results are
// not crowded out of the top-K.
//
// # Rebuilds
//
// Reindex is coalesced: concurrent callers share one in-flight rebuild
// and all observe its outcome. The rebuild writes the inactive slot,
// flips the active pointer atomically, deletes the old slot file, and
// swaps the in-memory snapshot. A persistence failure aborts the
// rebuild and leaves the previous snapshot authoritative.
package discovery
