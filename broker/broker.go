package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolbroker/auth"
	"github.com/jonwraymond/toolbroker/discovery"
	"github.com/jonwraymond/toolbroker/index"
	"github.com/jonwraymond/toolbroker/pool"
	"github.com/jonwraymond/toolbroker/registry"
	"github.com/jonwraymond/toolbroker/semantic"
)

// DefaultProbeTimeout bounds each backend's tool enumeration during
// startup.
const DefaultProbeTimeout = 30 * time.Second

// Options configures a Broker.
type Options struct {
	// Registry holds the configured backends. Required. The name
	// "broker" is reserved for the internal backend.
	Registry *registry.Registry
	// Embedder generates embeddings for indexing and queries. Required.
	Embedder semantic.Embedder
	// IndexDir is where the dual-slot index lives. Required.
	IndexDir string
	// ToolCache persists probed tool lists keyed by registry hash.
	// Optional; without it every startup probes every backend.
	ToolCache *registry.ToolListCache
	// Tokens provides OAuth2 tokens for authenticated HTTP backends.
	Tokens *auth.TokenProvider
	// TransportFor overrides transport construction (useful for tests).
	TransportFor func(ctx context.Context, cfg registry.BackendConfig) (mcp.Transport, error)
	// IdleTimeout for pooled sessions. Zero means the pool default.
	IdleTimeout time.Duration
	// SweepInterval for the idle-session reaper. Zero disables it.
	SweepInterval time.Duration
	// ProbeTimeout bounds each backend's startup enumeration. Zero
	// means DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// LexicalAlpha enables hybrid keyword+embedding scoring when > 0.
	LexicalAlpha float64
	// ServerVersion is reported in the initialize handshake.
	ServerVersion string
	// Logger defaults to a nop.
	Logger *zap.Logger
}

// Broker fronts many MCP backends behind two public operations,
// discover and invoke. It composes the backend registry, the discovery
// engine, and the connection pool.
type Broker struct {
	reg          *registry.Registry
	engine       *discovery.Engine
	pool         *pool.Pool
	cache        *registry.ToolListCache
	internal     map[string]internalHandler
	probeTimeout time.Duration
	version      string
	logger       *zap.Logger

	mu        sync.Mutex
	ops       map[string][]registry.Operation
	probeErrs map[string]error
	started   bool

	sweepInterval time.Duration
}

// New creates a broker. Call Start before serving requests.
func New(opts Options) (*Broker, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Registry.Has(InternalBackendName) {
		return nil, fmt.Errorf("%w: %s", ErrReservedBackend, InternalBackendName)
	}
	if opts.IndexDir == "" {
		return nil, errors.New("index directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := index.NewSlotStore(opts.IndexDir)
	if err != nil {
		return nil, err
	}
	engine, err := discovery.NewEngine(discovery.Options{
		Embedder:     opts.Embedder,
		Store:        store,
		RegistryHash: opts.Registry.Hash(),
		LexicalAlpha: opts.LexicalAlpha,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	p, err := pool.New(pool.Options{
		Registry:     opts.Registry,
		Tokens:       opts.Tokens,
		TransportFor: opts.TransportFor,
		IdleTimeout:  opts.IdleTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	version := opts.ServerVersion
	if version == "" {
		version = "dev"
	}

	b := &Broker{
		reg:           opts.Registry,
		engine:        engine,
		pool:          p,
		cache:         opts.ToolCache,
		probeTimeout:  probeTimeout,
		version:       version,
		logger:        logger,
		probeErrs:     map[string]error{},
		sweepInterval: opts.SweepInterval,
	}

	b.internal = make(map[string]internalHandler)
	for _, op := range b.internalOps() {
		b.internal[op.op.Name] = op.handler
	}
	return b, nil
}

// Start prepares the broker: it obtains every backend's operation list
// (from the tool-list cache when the registry is unchanged, otherwise
// by probing all backends in parallel) and ensures the discovery index
// is populated, adopting the persisted slot without re-embedding when
// its registry hash matches. Backends that fail probing are logged and
// skipped; Start only fails on index persistence errors.
func (b *Broker) Start(ctx context.Context) error {
	hash := b.reg.Hash()

	var probed map[string][]registry.Operation
	hit := false
	if b.cache != nil {
		var err error
		probed, hit, err = b.cache.Load(hash)
		if err != nil {
			b.logger.Warn("tool-list cache unreadable", zap.Error(err))
			hit = false
		}
	}
	if !hit {
		probed = b.probeAll(ctx)
		if b.cache != nil {
			if err := b.cache.Store(hash, probed); err != nil {
				b.logger.Warn("tool-list cache write failed", zap.Error(err))
			}
		}
	}

	ops := make(map[string][]registry.Operation, len(probed)+1)
	for name, list := range probed {
		ops[name] = list
	}
	internal := b.internalOps()
	internalList := make([]registry.Operation, 0, len(internal))
	for _, op := range internal {
		internalList = append(internalList, op.op)
	}
	ops[InternalBackendName] = internalList

	adopted, err := b.engine.LoadCached(ops)
	if err != nil {
		return fmt.Errorf("load index cache: %w", err)
	}
	if !adopted {
		names := make([]string, 0, len(ops))
		for name := range ops {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := b.engine.IndexBackend(ctx, name, ops[name]); err != nil {
				return fmt.Errorf("index backend %s: %w", name, err)
			}
		}
	}

	b.mu.Lock()
	b.ops = ops
	b.started = true
	b.mu.Unlock()

	if b.sweepInterval > 0 {
		b.pool.StartSweeper(b.sweepInterval)
	}

	b.logger.Info("broker started",
		zap.Int("backends", b.reg.Len()),
		zap.Bool("tool_cache_hit", hit),
		zap.Bool("index_adopted", adopted))
	return nil
}

// probeAll connects to every backend in parallel and enumerates its
// tools. Failures are tolerated: the backend is recorded as unreachable
// and contributes no operations.
func (b *Broker) probeAll(ctx context.Context) map[string][]registry.Operation {
	var (
		mu  sync.Mutex
		ops = make(map[string][]registry.Operation)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range b.reg.Names() {
		name := name
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, b.probeTimeout)
			defer cancel()

			list, err := b.pool.ListTools(probeCtx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.probeErrs[name] = err
				b.logger.Warn("backend probe failed",
					zap.String("backend", name),
					zap.Error(err))
				return nil
			}
			delete(b.probeErrs, name)
			ops[name] = list
			return nil
		})
	}
	_ = g.Wait()
	return ops
}

// Discover returns up to limit operations relevant to the query, each
// with score >= threshold, sorted by descending score.
func (b *Broker) Discover(ctx context.Context, query string, limit int, threshold float64) ([]discovery.Match, error) {
	if !b.isStarted() {
		return nil, ErrNotStarted
	}
	return b.engine.Discover(ctx, query, limit, threshold)
}

// Invoke routes one operation call. Internal operations dispatch
// in-process; everything else goes through the connection pool. A
// positive timeout bounds the whole call.
func (b *Broker) Invoke(ctx context.Context, operationID string, params map[string]any, timeout time.Duration) (any, error) {
	if !b.isStarted() {
		return nil, ErrNotStarted
	}

	backend, operation := registry.SplitOperationID(operationID)
	if backend == "" || operation == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, operationID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Internal operations always win id resolution.
	if backend == InternalBackendName {
		handler, ok := b.internal[operation]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
		}
		return handler(ctx, params)
	}

	if !b.reg.Has(backend) {
		return nil, fmt.Errorf("%w: %s", registry.ErrBackendNotFound, backend)
	}
	if known, ok := b.knownOps(backend); ok && !known[operation] {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}

	result, err := b.pool.Call(ctx, backend, operation, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, operationID)
		}
		return nil, err
	}
	return result, nil
}

// Reindex rebuilds the discovery index from enabled backends.
func (b *Broker) Reindex(ctx context.Context) error {
	if !b.isStarted() {
		return ErrNotStarted
	}
	return b.engine.Reindex(ctx)
}

// DisableBackend hides a backend from discovery. It stays invokable.
func (b *Broker) DisableBackend(name string) {
	b.engine.DisableBackend(name)
}

// EnableBackend reverses DisableBackend.
func (b *Broker) EnableBackend(name string) {
	b.engine.EnableBackend(name)
}

// Stats returns discovery engine statistics.
func (b *Broker) Stats() discovery.Stats {
	return b.engine.Stats()
}

// Health reports the health of every configured backend. Backends with
// a live session report its state; backends whose last probe failed
// report "failed"; the rest report "disconnected".
func (b *Broker) Health() map[string]string {
	live := b.pool.BackendHealth()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, b.reg.Len()+1)
	out[InternalBackendName] = "internal"
	for _, name := range b.reg.Names() {
		switch h, ok := live[name]; {
		case ok:
			out[name] = h.String()
		case b.probeErrs[name] != nil:
			out[name] = "failed"
		default:
			out[name] = "disconnected"
		}
	}
	return out
}

// Close shuts down all sessions and releases the index.
func (b *Broker) Close() error {
	err := b.pool.Close()
	b.engine.Close()
	return err
}

func (b *Broker) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Broker) knownOps(backend string) (map[string]bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.ops[backend]
	if !ok {
		return nil, false
	}
	known := make(map[string]bool, len(list))
	for _, op := range list {
		known[op.Name] = true
	}
	return known, true
}
