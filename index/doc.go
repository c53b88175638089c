// Package index persists the broker's embedding index using a dual-slot
// atomic-swap scheme.
//
// # Slots
//
// The store owns two named slot files, primary and swap, plus a small
// pointer file recording which slot is active. Readers only ever see the
// active slot; a rebuild writes the complete new index into the inactive
// slot, flips the pointer with a single rename, then deletes the old
// slot file. A crash before the flip leaves the old slot authoritative;
// a crash after leaves the new one authoritative. After any completed
// rebuild exactly one slot file exists on disk.
//
// # Encoding
//
// Slot payloads ({entries, metadata}) are CBOR-encoded and written with
// write-temp-then-rename semantics. An unreadable or undecodable slot
// surfaces ErrCorrupt so callers can fall back to a full rebuild instead
// of crashing.
package index
