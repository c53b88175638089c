package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolbroker/index"
	"github.com/jonwraymond/toolbroker/registry"
	"github.com/jonwraymond/toolbroker/semantic"
)

// Error values for engine configuration and operation.
var (
	ErrNilStore     = errors.New("slot store is required")
	ErrInvalidAlpha = errors.New("lexical alpha must be in [0, 1]")
)

// Match is one discovery result.
type Match struct {
	// OperationID is the composite id "backend:operation".
	OperationID string
	// BackendName is the owning backend.
	BackendName string
	// Description is the indexed operation description.
	Description string
	// Score is the similarity score (cosine, or the lexical blend when
	// hybrid scoring is configured).
	Score float64
}

// Stats is an atomic snapshot of engine state for observability.
type Stats struct {
	Initialized      bool
	TotalEntries     int
	IsReindexing     bool
	DisabledBackends []string
	ActiveSlot       string
	CacheSize        int
}

// Options configures an Engine.
type Options struct {
	// Embedder generates embeddings. Required.
	Embedder semantic.Embedder
	// Store persists the dual-slot index. Required.
	Store *index.SlotStore
	// RegistryHash ties persisted slots to the current backend registry.
	RegistryHash string
	// LexicalAlpha blends a bleve keyword score into the cosine score:
	// score = (1-alpha)*cosine + alpha*lexical. Zero disables the
	// lexical index entirely.
	LexicalAlpha float64
	// EmbedCacheSize bounds the embedding cache. Zero means the default.
	EmbedCacheSize int
	// Logger receives skip/corruption diagnostics. Defaults to a nop.
	Logger *zap.Logger
}

// state is the immutable unit readers see: one fully-formed snapshot
// plus its derived lexical index.
type state struct {
	snap *index.Snapshot
	lex  *lexicalIndex
}

// Engine maintains the semantic index over backend operations and
// answers similarity queries. Queries run lock-free against the current
// state pointer and may proceed in parallel with a rebuild.
type Engine struct {
	embedder     *semantic.CachingEmbedder
	store        *index.SlotStore
	registryHash string
	alpha        float64
	logger       *zap.Logger

	current atomic.Pointer[state]

	// mu guards ops and disabled.
	mu       sync.Mutex
	ops      map[string][]registry.Operation
	disabled map[string]struct{}

	// writeMu serializes snapshot replacement (incremental indexing,
	// removal, rebuild install).
	writeMu sync.Mutex

	reindexing atomic.Bool
	reindexSF  singleflight.Group
}

// NewEngine creates a discovery engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.LexicalAlpha < 0 || opts.LexicalAlpha > 1 {
		return nil, ErrInvalidAlpha
	}
	cache, err := semantic.NewCachingEmbedder(opts.Embedder, opts.EmbedCacheSize)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		embedder:     cache,
		store:        opts.Store,
		registryHash: opts.RegistryHash,
		alpha:        opts.LexicalAlpha,
		logger:       logger,
		ops:          make(map[string][]registry.Operation),
		disabled:     make(map[string]struct{}),
	}, nil
}

// LoadCached attempts to adopt the persisted active slot as the current
// snapshot. It succeeds only when the slot's registry hash matches the
// engine's; on success the disabled set recorded at build time is
// restored and ops become the engine's known operations, with no
// re-embedding. A corrupt slot is discarded (triggering the caller's
// rebuild path) rather than surfaced as fatal.
func (e *Engine) LoadCached(ops map[string][]registry.Operation) (bool, error) {
	snap, err := e.store.Load()
	if errors.Is(err, index.ErrNoActiveSlot) {
		return false, nil
	}
	if errors.Is(err, index.ErrCorrupt) {
		e.logger.Warn("discarding corrupt index slot", zap.Error(err))
		if clearErr := e.store.Clear(); clearErr != nil {
			return false, clearErr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.Meta.RegistryHash != e.registryHash {
		return false, nil
	}

	st, err := e.buildState(snap)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.ops = cloneOps(ops)
	e.disabled = make(map[string]struct{}, len(snap.Meta.DisabledBackends))
	for _, name := range snap.Meta.DisabledBackends {
		e.disabled[name] = struct{}{}
	}
	e.mu.Unlock()

	e.current.Store(st)
	return true, nil
}

// IndexBackend embeds the operations of one backend and inserts them
// into the active slot, in memory and on disk. Idempotent per backend:
// prior entries for the same backend are replaced. An empty operation
// list simply contributes zero entries.
func (e *Engine) IndexBackend(ctx context.Context, backendName string, ops []registry.Operation) error {
	fresh := e.embedEntries(ctx, backendName, ops)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var entries []index.Entry
	if cur := e.current.Load(); cur != nil {
		for _, entry := range cur.snap.Entries {
			if entry.BackendName != backendName {
				entries = append(entries, entry)
			}
		}
	}
	entries = append(entries, fresh...)

	e.mu.Lock()
	e.ops[backendName] = append([]registry.Operation(nil), ops...)
	disabled := e.disabledNamesLocked()
	e.mu.Unlock()

	snap := &index.Snapshot{
		Entries: entries,
		Meta: index.Metadata{
			RegistryHash:     e.registryHash,
			TotalEntries:     len(entries),
			DisabledBackends: disabled,
			BuiltAt:          time.Now().UTC(),
		},
	}

	if err := e.store.WriteActive(snap); err != nil {
		return fmt.Errorf("persist index for %s: %w", backendName, err)
	}

	st, err := e.buildState(snap)
	if err != nil {
		return err
	}
	e.current.Store(st)
	return nil
}

// RemoveBackend drops a backend's operations and entries from the
// engine and the active slot. Removing an unknown backend is a no-op.
func (e *Engine) RemoveBackend(backendName string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	delete(e.ops, backendName)
	delete(e.disabled, backendName)
	disabled := e.disabledNamesLocked()
	e.mu.Unlock()

	cur := e.current.Load()
	if cur == nil {
		return nil
	}

	entries := make([]index.Entry, 0, len(cur.snap.Entries))
	for _, entry := range cur.snap.Entries {
		if entry.BackendName != backendName {
			entries = append(entries, entry)
		}
	}

	snap := &index.Snapshot{
		Entries: entries,
		Meta: index.Metadata{
			RegistryHash:     e.registryHash,
			TotalEntries:     len(entries),
			DisabledBackends: disabled,
			BuiltAt:          time.Now().UTC(),
		},
	}
	if err := e.store.WriteActive(snap); err != nil {
		return fmt.Errorf("persist index after removing %s: %w", backendName, err)
	}

	st, err := e.buildState(snap)
	if err != nil {
		return err
	}
	e.current.Store(st)
	return nil
}

// Discover embeds the query and returns up to limit operations with
// score >= threshold, sorted descending (ties keep insertion order).
// Disabled backends are filtered live, after scoring; the engine
// over-fetches raw candidates to compensate. Safe to call during a
// rebuild: it reads a single fully-formed snapshot.
func (e *Engine) Discover(ctx context.Context, query string, limit int, threshold float64) ([]Match, error) {
	if limit <= 0 {
		return []Match{}, nil
	}
	cur := e.current.Load()
	if cur == nil || len(cur.snap.Entries) == 0 {
		return []Match{}, nil
	}

	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	entries := cur.snap.Entries

	var lexScores map[string]float64
	if e.alpha > 0 && cur.lex != nil {
		lexScores, err = cur.lex.scores(query, len(entries))
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
	}

	type candidate struct {
		idx   int
		score float64
	}
	candidates := make([]candidate, len(entries))
	for i, entry := range entries {
		score := semantic.Cosine(qvec, entry.Vector)
		if lexScores != nil {
			score = (1-e.alpha)*score + e.alpha*lexScores[entry.OperationID]
		}
		candidates[i] = candidate{idx: i, score: score}
	}

	// Stable sort: equal scores keep insertion order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	e.mu.Lock()
	total := len(e.ops)
	disabled := make(map[string]struct{}, len(e.disabled))
	enabled := total
	for name := range e.disabled {
		disabled[name] = struct{}{}
		if _, known := e.ops[name]; known {
			enabled--
		}
	}
	e.mu.Unlock()

	if total > 0 && enabled <= 0 {
		return []Match{}, nil
	}

	// Over-fetch raw candidates so disabled-backend entries cannot
	// crowd enabled results out of the top-K before filtering.
	multiplier := 1
	if total > 0 && enabled > 0 {
		multiplier = (total + enabled - 1) / enabled
	}
	raw := limit * multiplier
	if raw > len(candidates) {
		raw = len(candidates)
	}

	matches := make([]Match, 0, limit)
	for _, c := range candidates[:raw] {
		entry := entries[c.idx]
		if _, off := disabled[entry.BackendName]; off {
			continue
		}
		if c.score < threshold {
			continue
		}
		matches = append(matches, Match{
			OperationID: entry.OperationID,
			BackendName: entry.BackendName,
			Description: entry.Description,
			Score:       c.score,
		})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// Reindex rebuilds the index from the currently-known operations of all
// enabled backends, writing into the inactive slot and atomically
// flipping the active pointer. Concurrent callers coalesce onto one
// in-flight rebuild and all return its result; the rebuild itself is
// detached from any single caller's context.
func (e *Engine) Reindex(ctx context.Context) error {
	ch := e.reindexSF.DoChan("reindex", func() (any, error) {
		return nil, e.rebuild(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) rebuild(ctx context.Context) error {
	e.reindexing.Store(true)
	defer e.reindexing.Store(false)

	e.mu.Lock()
	names := make([]string, 0, len(e.ops))
	for name := range e.ops {
		if _, off := e.disabled[name]; !off {
			names = append(names, name)
		}
	}
	opsByBackend := make(map[string][]registry.Operation, len(names))
	for _, name := range names {
		opsByBackend[name] = append([]registry.Operation(nil), e.ops[name]...)
	}
	disabled := e.disabledNamesLocked()
	e.mu.Unlock()

	sort.Strings(names)

	var entries []index.Entry
	for _, name := range names {
		entries = append(entries, e.embedEntries(ctx, name, opsByBackend[name])...)
	}

	snap := &index.Snapshot{
		Entries: entries,
		Meta: index.Metadata{
			RegistryHash:     e.registryHash,
			TotalEntries:     len(entries),
			DisabledBackends: disabled,
			BuiltAt:          time.Now().UTC(),
		},
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	slot, err := e.store.WriteInactive(snap)
	if err != nil {
		return fmt.Errorf("write inactive slot: %w", err)
	}
	if err := e.store.Activate(slot); err != nil {
		return fmt.Errorf("activate slot %s: %w", slot, err)
	}

	st, err := e.buildState(snap)
	if err != nil {
		return err
	}
	e.current.Store(st)

	e.logger.Info("reindex complete",
		zap.String("slot", string(slot)),
		zap.Int("entries", len(entries)),
		zap.Int("disabled_backends", len(disabled)))
	return nil
}

// DisableBackend excludes a backend from discovery results immediately
// and from the index at the next rebuild. It does not trigger a rebuild
// itself, so disabling N backends followed by one Reindex costs one
// rebuild.
func (e *Engine) DisableBackend(name string) {
	e.mu.Lock()
	e.disabled[name] = struct{}{}
	e.mu.Unlock()
}

// EnableBackend reverses DisableBackend. Entries excluded by a rebuild
// while disabled reappear at the next rebuild or re-index of the
// backend.
func (e *Engine) EnableBackend(name string) {
	e.mu.Lock()
	delete(e.disabled, name)
	e.mu.Unlock()
}

// Stats returns an observability snapshot.
func (e *Engine) Stats() Stats {
	cur := e.current.Load()

	e.mu.Lock()
	disabled := e.disabledNamesLocked()
	e.mu.Unlock()

	stats := Stats{
		Initialized:      cur != nil,
		IsReindexing:     e.reindexing.Load(),
		DisabledBackends: disabled,
		ActiveSlot:       string(e.store.Active()),
		CacheSize:        e.embedder.Size(),
	}
	if cur != nil {
		stats.TotalEntries = len(cur.snap.Entries)
	}
	return stats
}

// Close releases the current lexical index, if any.
func (e *Engine) Close() {
	if cur := e.current.Load(); cur != nil {
		cur.lex.close()
	}
}

// embedEntries embeds each operation's text. A failed embedding skips
// that operation and logs; it never aborts the batch.
func (e *Engine) embedEntries(ctx context.Context, backendName string, ops []registry.Operation) []index.Entry {
	entries := make([]index.Entry, 0, len(ops))
	for _, op := range ops {
		vec, err := e.embedder.Embed(ctx, embedText(op))
		if err != nil {
			e.logger.Warn("skipping operation: embedding failed",
				zap.String("operation", op.ID()),
				zap.Error(err))
			continue
		}
		entries = append(entries, index.Entry{
			OperationID: op.ID(),
			BackendName: backendName,
			Description: op.Description,
			Vector:      vec,
		})
	}
	return entries
}

func (e *Engine) buildState(snap *index.Snapshot) (*state, error) {
	st := &state{snap: snap}
	if e.alpha > 0 {
		lex, err := newLexicalIndex(snap.Entries)
		if err != nil {
			return nil, fmt.Errorf("build lexical index: %w", err)
		}
		st.lex = lex
	}
	return st, nil
}

func (e *Engine) disabledNamesLocked() []string {
	names := make([]string, 0, len(e.disabled))
	for name := range e.disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// embedText is the text embedded for an operation: its name plus its
// description, so both contribute to similarity.
func embedText(op registry.Operation) string {
	if op.Description == "" {
		return op.Name
	}
	return op.Name + ": " + op.Description
}

func cloneOps(ops map[string][]registry.Operation) map[string][]registry.Operation {
	out := make(map[string][]registry.Operation, len(ops))
	for name, list := range ops {
		out[name] = append([]registry.Operation(nil), list...)
	}
	return out
}
