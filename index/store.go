package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Error values for slot storage.
var (
	// ErrCorrupt indicates a slot or pointer file that exists but cannot
	// be read or decoded. Callers should discard the cache and rebuild.
	ErrCorrupt = errors.New("index slot corrupt")
	// ErrNoActiveSlot indicates no slot has been activated yet.
	ErrNoActiveSlot = errors.New("no active index slot")
	// ErrUnknownSlot indicates a slot name outside {primary, swap}.
	ErrUnknownSlot = errors.New("unknown index slot")
)

// Slot identifies one of the two physical index files.
type Slot string

// The two slot names. The zero value means "no slot".
const (
	SlotPrimary Slot = "primary"
	SlotSwap    Slot = "swap"
)

const (
	pointerFile = "active"
	slotSuffix  = ".slot"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotPrimary {
		return SlotSwap
	}
	return SlotPrimary
}

type slotPayload struct {
	Entries []Entry  `cbor:"entries"`
	Meta    Metadata `cbor:"metadata"`
}

// SlotStore owns the two slot files and the active pointer within a
// directory. Safe for concurrent use; all writes are serialized.
type SlotStore struct {
	dir string

	mu     sync.Mutex
	active Slot
}

// NewSlotStore opens (creating if needed) a slot store rooted at dir and
// reads the active pointer. A pointer file with garbage content surfaces
// ErrCorrupt.
func NewSlotStore(dir string) (*SlotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	s := &SlotStore{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, pointerFile))
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active pointer: %w", err)
	}

	switch slot := Slot(strings.TrimSpace(string(data))); slot {
	case SlotPrimary, SlotSwap:
		s.active = slot
	default:
		return nil, fmt.Errorf("%w: active pointer %q", ErrCorrupt, strings.TrimSpace(string(data)))
	}
	return s, nil
}

// Active returns the currently active slot, or "" if none.
func (s *SlotStore) Active() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Load reads and decodes the active slot.
func (s *SlotStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == "" {
		return nil, ErrNoActiveSlot
	}
	return s.read(active)
}

// WriteActive rewrites the active slot in place. If no slot is active
// yet, the primary slot is written and activated. Used for incremental
// indexing; background rebuilds go through WriteInactive + Activate.
func (s *SlotStore) WriteActive(snap *Snapshot) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == "" {
		if err := s.write(SlotPrimary, snap); err != nil {
			return err
		}
		return s.Activate(SlotPrimary)
	}
	return s.write(active, snap)
}

// WriteInactive writes a complete snapshot into the inactive slot,
// discarding its prior contents, and returns the slot written.
func (s *SlotStore) WriteInactive(snap *Snapshot) (Slot, error) {
	s.mu.Lock()
	target := SlotPrimary
	if s.active != "" {
		target = s.active.Other()
	}
	s.mu.Unlock()

	if err := s.write(target, snap); err != nil {
		return "", err
	}
	return target, nil
}

// Activate flips the active pointer to the given slot with a single
// atomic rename, then deletes the now-inactive slot's file.
func (s *SlotStore) Activate(slot Slot) error {
	if slot != SlotPrimary && slot != SlotSwap {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.atomicWrite(pointerFile, []byte(slot)); err != nil {
		return fmt.Errorf("flip active pointer: %w", err)
	}
	s.active = slot

	// Old slot is no longer reachable; its file is garbage now.
	if err := os.Remove(filepath.Join(s.dir, string(slot.Other())+slotSuffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove inactive slot: %w", err)
	}
	return nil
}

// Clear removes both slot files and the active pointer. Used when a
// corrupt cache is discarded ahead of a full rebuild.
func (s *SlotStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{
		string(SlotPrimary) + slotSuffix,
		string(SlotSwap) + slotSuffix,
		pointerFile,
	} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.active = ""
	return nil
}

func (s *SlotStore) read(slot Slot) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, string(slot)+slotSuffix))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, slot, err)
	}

	var payload slotPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, slot, err)
	}
	return &Snapshot{Entries: payload.Entries, Meta: payload.Meta}, nil
}

func (s *SlotStore) write(slot Slot, snap *Snapshot) error {
	payload := slotPayload{Entries: snap.Entries, Meta: snap.Meta}
	data, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode slot %s: %w", slot, err)
	}
	if err := s.atomicWrite(string(slot)+slotSuffix, data); err != nil {
		return fmt.Errorf("write slot %s: %w", slot, err)
	}
	return nil
}

// atomicWrite writes data to name via a temp file and rename so readers
// never observe a partial file.
func (s *SlotStore) atomicWrite(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
