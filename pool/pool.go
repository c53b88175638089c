package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolbroker/auth"
	"github.com/jonwraymond/toolbroker/registry"
)

// Error values for pool operations.
var (
	// ErrConnectionFailed indicates the backend could not be dialed or
	// did not complete the MCP handshake.
	ErrConnectionFailed = errors.New("backend connection failed")
	// ErrTransport indicates an established session failed mid-call.
	ErrTransport = errors.New("backend transport error")
	// ErrToolFailed indicates the backend executed the tool and reported
	// an error result.
	ErrToolFailed = errors.New("tool execution failed")
	// ErrClosed indicates the pool has been shut down.
	ErrClosed = errors.New("connection pool closed")
)

// DefaultIdleTimeout is how long an unused session survives before the
// sweeper closes it.
const DefaultIdleTimeout = 5 * time.Minute

// Handle is one live backend session plus its health bookkeeping.
type Handle struct {
	// ID uniquely identifies this session instance; a reconnect
	// produces a new ID.
	ID uuid.UUID
	// Backend is the owning backend's name.
	Backend string

	session *mcp.ClientSession

	mu                  sync.Mutex
	health              Health
	consecutiveFailures int
	lastUsed            time.Time
}

// Health returns the handle's current health.
func (h *Handle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// LastUsed returns when the handle last served a request.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	h.lastUsed = now
	h.mu.Unlock()
}

func (h *Handle) markSuccess(now time.Time) {
	h.mu.Lock()
	h.consecutiveFailures = 0
	h.health = HealthHealthy
	h.lastUsed = now
	h.mu.Unlock()
}

func (h *Handle) markFailure(now time.Time) {
	h.mu.Lock()
	h.consecutiveFailures++
	if h.consecutiveFailures >= failureThreshold {
		h.health = HealthFailed
	} else {
		h.health = HealthDegraded
	}
	h.lastUsed = now
	h.mu.Unlock()
}

// Options configures a Pool.
type Options struct {
	// Registry supplies backend configurations. Required.
	Registry *registry.Registry
	// Tokens provides OAuth2 access tokens for authenticated HTTP
	// backends. Optional; backends without auth never consult it.
	Tokens *auth.TokenProvider
	// TransportFor overrides transport construction when provided
	// (useful for tests). It receives the backend's configuration.
	TransportFor func(ctx context.Context, cfg registry.BackendConfig) (mcp.Transport, error)
	// IdleTimeout is how long an unused session survives. Defaults to
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
	// ClientName is the MCP client implementation name presented to
	// backends. Defaults to "toolbroker".
	ClientName string
	// Logger defaults to a nop.
	Logger *zap.Logger
}

// Pool owns at most one live session per backend.
type Pool struct {
	reg          *registry.Registry
	tokens       *auth.TokenProvider
	transportFor func(ctx context.Context, cfg registry.BackendConfig) (mcp.Transport, error)
	idleTimeout  time.Duration
	clientName   string
	logger       *zap.Logger

	now func() time.Time

	mu     sync.Mutex
	conns  map[string]*Handle
	closed bool

	dialSF singleflight.Group

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a connection pool.
func New(opts Options) (*Pool, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	name := opts.ClientName
	if name == "" {
		name = "toolbroker"
	}

	p := &Pool{
		reg:          opts.Registry,
		tokens:       opts.Tokens,
		transportFor: opts.TransportFor,
		idleTimeout:  idle,
		clientName:   name,
		logger:       logger,
		now:          time.Now,
		conns:        make(map[string]*Handle),
		sweepStop:    make(chan struct{}),
	}
	if p.transportFor == nil {
		p.transportFor = p.buildTransport
	}
	return p, nil
}

// GetOrCreate returns the live session for a backend, dialing one if
// none exists. Concurrent callers for the same backend share a single
// dial. A session marked failed is discarded and replaced.
func (p *Pool) GetOrCreate(ctx context.Context, backend string) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := p.conns[backend]; ok {
		if h.Health() != HealthFailed {
			p.mu.Unlock()
			h.touch(p.now())
			return h, nil
		}
		// Replace the failed session.
		delete(p.conns, backend)
		p.mu.Unlock()
		p.closeHandle(h)
	} else {
		p.mu.Unlock()
	}

	ch := p.dialSF.DoChan(backend, func() (any, error) {
		h, err := p.dial(context.WithoutCancel(ctx), backend)
		if err != nil {
			// Let the next caller retry instead of reusing this failure.
			p.dialSF.Forget(backend)
			return nil, err
		}
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		h.touch(p.now())
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) dial(ctx context.Context, backend string) (*Handle, error) {
	cfg, err := p.reg.Get(backend)
	if err != nil {
		return nil, err
	}

	transport, err := p.transportFor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, backend, err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: p.clientName}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, backend, err)
	}

	h := &Handle{
		ID:       uuid.New(),
		Backend:  backend,
		session:  session,
		health:   HealthHealthy,
		lastUsed: p.now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return nil, ErrClosed
	}
	p.conns[backend] = h
	p.mu.Unlock()

	p.logger.Debug("backend connected",
		zap.String("backend", backend),
		zap.String("session_id", h.ID.String()))
	return h, nil
}

// ListTools connects to the backend and returns its operations.
func (p *Pool) ListTools(ctx context.Context, backend string) ([]registry.Operation, error) {
	h, err := p.GetOrCreate(ctx, backend)
	if err != nil {
		return nil, err
	}

	res, err := h.session.ListTools(ctx, nil)
	if err != nil {
		h.markFailure(p.now())
		return nil, fmt.Errorf("%w: list tools on %s: %v", ErrTransport, backend, err)
	}
	h.markSuccess(p.now())

	ops := make([]registry.Operation, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool == nil {
			continue
		}
		ops = append(ops, registry.Operation{
			Backend:     backend,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
		})
	}
	return ops, nil
}

// Call invokes one tool on a backend and returns its unwrapped result.
// A transport failure or an error result from the tool both count
// against the session's health.
func (p *Pool) Call(ctx context.Context, backend, operation string, args map[string]any) (any, error) {
	h, err := p.GetOrCreate(ctx, backend)
	if err != nil {
		return nil, err
	}

	result, err := h.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      operation,
		Arguments: args,
	})
	if err != nil {
		h.markFailure(p.now())
		return nil, fmt.Errorf("%w: %s:%s: %v", ErrTransport, backend, operation, err)
	}
	if result != nil && result.IsError {
		h.markFailure(p.now())
		return nil, fmt.Errorf("%w: %s:%s: %s", ErrToolFailed, backend, operation, toolResultError(result))
	}

	h.markSuccess(p.now())
	return toolResultValue(result), nil
}

// BackendHealth reports per-backend session health. Backends with no
// live session are absent.
func (p *Pool) BackendHealth() map[string]Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Health, len(p.conns))
	for name, h := range p.conns {
		out[name] = h.Health()
	}
	return out
}

// Connected returns the names of backends with a live session, sorted.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disconnect closes and removes the session for one backend, if any.
func (p *Pool) Disconnect(backend string) {
	p.mu.Lock()
	h, ok := p.conns[backend]
	delete(p.conns, backend)
	p.mu.Unlock()

	if ok {
		p.closeHandle(h)
	}
}

// StartSweeper launches the idle-session reaper. It stops when the
// pool is closed.
func (p *Pool) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep(p.now())
			case <-p.sweepStop:
				return
			}
		}
	}()
}

// sweep closes sessions idle longer than the idle timeout.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	var expired []*Handle
	for name, h := range p.conns {
		if now.Sub(h.LastUsed()) > p.idleTimeout {
			expired = append(expired, h)
			delete(p.conns, name)
		}
	}
	p.mu.Unlock()

	for _, h := range expired {
		p.logger.Debug("closing idle session", zap.String("backend", h.Backend))
		p.closeHandle(h)
	}
}

// Close shuts down every session and rejects further use.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.conns))
	for _, h := range p.conns {
		handles = append(handles, h)
	}
	p.conns = map[string]*Handle{}
	p.mu.Unlock()

	p.sweepOnce.Do(func() { close(p.sweepStop) })

	var firstErr error
	for _, h := range handles {
		if err := h.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) closeHandle(h *Handle) {
	if err := h.session.Close(); err != nil {
		p.logger.Debug("session close failed",
			zap.String("backend", h.Backend),
			zap.Error(err))
	}
}

func toolResultValue(result *mcp.CallToolResult) any {
	if result == nil {
		return nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return result.Content
}

func toolResultError(result *mcp.CallToolResult) string {
	if result == nil {
		return "tool execution failed"
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	if result.StructuredContent != nil {
		return fmt.Sprintf("%v", result.StructuredContent)
	}
	return "tool execution failed"
}

// schemaMap normalizes a tool's input schema to a plain map regardless
// of how the SDK decoded it.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
