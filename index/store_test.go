package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot(hash string, entries ...Entry) *Snapshot {
	return &Snapshot{
		Entries: entries,
		Meta: Metadata{
			RegistryHash: hash,
			TotalEntries: len(entries),
			BuiltAt:      time.Now().UTC(),
		},
	}
}

func entry(id, backend string) Entry {
	return Entry{
		OperationID: id,
		BackendName: backend,
		Description: "desc of " + id,
		Vector:      []float32{0.1, 0.2, 0.3},
	}
}

func slotFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+slotSuffix))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return matches
}

func TestSlotStore_EmptyDir(t *testing.T) {
	store, err := NewSlotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSlotStore() error = %v", err)
	}

	if store.Active() != "" {
		t.Errorf("expected no active slot, got %q", store.Active())
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoActiveSlot) {
		t.Errorf("Load() error = %v, want ErrNoActiveSlot", err)
	}
}

func TestSlotStore_WriteActivateLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlotStore(dir)
	if err != nil {
		t.Fatalf("NewSlotStore() error = %v", err)
	}

	snap := testSnapshot("hash-1", entry("sched:list", "sched"), entry("mgmt:status", "mgmt"))
	slot, err := store.WriteInactive(snap)
	if err != nil {
		t.Fatalf("WriteInactive() error = %v", err)
	}
	if slot != SlotPrimary {
		t.Errorf("first write should target primary, got %s", slot)
	}
	if err := store.Activate(slot); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded.Entries))
	}
	if loaded.Meta.RegistryHash != "hash-1" {
		t.Errorf("expected hash-1, got %q", loaded.Meta.RegistryHash)
	}
	if loaded.Entries[0].OperationID != "sched:list" {
		t.Errorf("entry order not preserved: %q", loaded.Entries[0].OperationID)
	}
	if loaded.Entries[0].Vector[1] != 0.2 {
		t.Errorf("vector not round-tripped: %v", loaded.Entries[0].Vector)
	}
}

func TestSlotStore_SwapLeavesExactlyOneFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlotStore(dir)
	if err != nil {
		t.Fatalf("NewSlotStore() error = %v", err)
	}

	// Build and flip several times; after each completed swap exactly
	// one slot file may remain.
	for i, hash := range []string{"h1", "h2", "h3"} {
		slot, err := store.WriteInactive(testSnapshot(hash, entry("a:op", "a")))
		if err != nil {
			t.Fatalf("WriteInactive() #%d error = %v", i, err)
		}
		if err := store.Activate(slot); err != nil {
			t.Fatalf("Activate() #%d error = %v", i, err)
		}

		if files := slotFiles(t, dir); len(files) != 1 {
			t.Fatalf("after swap #%d expected 1 slot file, got %v", i, files)
		}
	}

	if store.Active() != SlotPrimary {
		t.Errorf("three flips from empty should end on primary, got %s", store.Active())
	}
}

func TestSlotStore_CrashBeforeFlipKeepsOldSlot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlotStore(dir)
	if err != nil {
		t.Fatalf("NewSlotStore() error = %v", err)
	}

	slot, _ := store.WriteInactive(testSnapshot("old", entry("a:op", "a")))
	if err := store.Activate(slot); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Simulate a crash mid-rebuild: new slot written, pointer not flipped.
	if _, err := store.WriteInactive(testSnapshot("new", entry("b:op", "b"))); err != nil {
		t.Fatalf("WriteInactive() error = %v", err)
	}

	reopened, err := NewSlotStore(dir)
	if err != nil {
		t.Fatalf("NewSlotStore() after crash error = %v", err)
	}
	loaded, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Meta.RegistryHash != "old" {
		t.Errorf("old slot should stay authoritative before the flip, got %q", loaded.Meta.RegistryHash)
	}
}

func TestSlotStore_ReopenSeesActiveSlot(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewSlotStore(dir)
	slot, _ := store.WriteInactive(testSnapshot("persisted", entry("a:op", "a")))
	if err := store.Activate(slot); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	reopened, err := NewSlotStore(dir)
	if err != nil {
		t.Fatalf("NewSlotStore() error = %v", err)
	}
	if reopened.Active() != slot {
		t.Errorf("expected active slot %s after reopen, got %s", slot, reopened.Active())
	}
}

func TestSlotStore_CorruptSlotFile(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewSlotStore(dir)
	slot, _ := store.WriteInactive(testSnapshot("h", entry("a:op", "a")))
	if err := store.Activate(slot); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, string(slot)+slotSuffix), []byte("not cbor"), 0o600); err != nil {
		t.Fatalf("corrupting slot failed: %v", err)
	}

	if _, err := store.Load(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load() error = %v, want ErrCorrupt", err)
	}
}

func TestSlotStore_CorruptPointerFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, pointerFile), []byte("bogus"), 0o600); err != nil {
		t.Fatalf("writing pointer failed: %v", err)
	}

	if _, err := NewSlotStore(dir); !errors.Is(err, ErrCorrupt) {
		t.Errorf("NewSlotStore() error = %v, want ErrCorrupt", err)
	}
}

func TestSlotStore_Clear(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewSlotStore(dir)
	slot, _ := store.WriteInactive(testSnapshot("h", entry("a:op", "a")))
	if err := store.Activate(slot); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if store.Active() != "" {
		t.Errorf("expected no active slot after Clear")
	}
	if files := slotFiles(t, dir); len(files) != 0 {
		t.Errorf("expected no slot files after Clear, got %v", files)
	}
}

func TestSlotStore_WriteActiveFirstWriteActivatesPrimary(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewSlotStore(dir)

	if err := store.WriteActive(testSnapshot("h", entry("a:op", "a"))); err != nil {
		t.Fatalf("WriteActive() error = %v", err)
	}
	if store.Active() != SlotPrimary {
		t.Errorf("expected primary active, got %s", store.Active())
	}
	if _, err := store.Load(); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}
