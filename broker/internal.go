package broker

import (
	"context"
	"fmt"

	"github.com/jonwraymond/toolbroker/registry"
)

// InternalBackendName is the reserved name of the broker's built-in
// backend. Its operations dispatch in-process, with no connection, and
// always win id resolution.
const InternalBackendName = "broker"

type internalHandler func(ctx context.Context, args map[string]any) (any, error)

type internalOp struct {
	op      registry.Operation
	handler internalHandler
}

func (b *Broker) internalOps() []internalOp {
	objectSchema := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object"}
		if len(props) > 0 {
			schema["properties"] = props
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	backendArg := map[string]any{
		"backend": map[string]any{"type": "string", "description": "Backend name"},
	}

	return []internalOp{
		{
			op: registry.Operation{
				Backend:     InternalBackendName,
				Name:        "health",
				Description: "Report per-backend connection health",
				InputSchema: objectSchema(nil),
			},
			handler: b.handleHealth,
		},
		{
			op: registry.Operation{
				Backend:     InternalBackendName,
				Name:        "status",
				Description: "Report index and connection status",
				InputSchema: objectSchema(nil),
			},
			handler: b.handleStatus,
		},
		{
			op: registry.Operation{
				Backend:     InternalBackendName,
				Name:        "reindex",
				Description: "Rebuild the discovery index in the background",
				InputSchema: objectSchema(nil),
			},
			handler: b.handleReindex,
		},
		{
			op: registry.Operation{
				Backend:     InternalBackendName,
				Name:        "disable",
				Description: "Hide a backend's operations from discovery",
				InputSchema: objectSchema(backendArg, "backend"),
			},
			handler: b.handleDisable,
		},
		{
			op: registry.Operation{
				Backend:     InternalBackendName,
				Name:        "enable",
				Description: "Restore a disabled backend to discovery",
				InputSchema: objectSchema(backendArg, "backend"),
			},
			handler: b.handleEnable,
		},
	}
}

func (b *Broker) handleHealth(ctx context.Context, _ map[string]any) (any, error) {
	return b.Health(), nil
}

func (b *Broker) handleStatus(ctx context.Context, _ map[string]any) (any, error) {
	stats := b.engine.Stats()
	return map[string]any{
		"initialized":      stats.Initialized,
		"totalEntries":     stats.TotalEntries,
		"isReindexing":     stats.IsReindexing,
		"disabledBackends": stats.DisabledBackends,
		"activeSlot":       stats.ActiveSlot,
		"cacheSize":        stats.CacheSize,
		"connected":        b.pool.Connected(),
	}, nil
}

func (b *Broker) handleReindex(ctx context.Context, _ map[string]any) (any, error) {
	if err := b.engine.Reindex(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"totalEntries": b.engine.Stats().TotalEntries}, nil
}

func (b *Broker) handleDisable(ctx context.Context, args map[string]any) (any, error) {
	name, err := b.backendArg(args)
	if err != nil {
		return nil, err
	}
	b.engine.DisableBackend(name)
	return map[string]any{"disabled": name}, nil
}

func (b *Broker) handleEnable(ctx context.Context, args map[string]any) (any, error) {
	name, err := b.backendArg(args)
	if err != nil {
		return nil, err
	}
	b.engine.EnableBackend(name)
	return map[string]any{"enabled": name}, nil
}

func (b *Broker) backendArg(args map[string]any) (string, error) {
	name, _ := args["backend"].(string)
	if name == "" {
		return "", fmt.Errorf("%w: backend argument is required", ErrInvalidOperation)
	}
	if name != InternalBackendName && !b.reg.Has(name) {
		return "", fmt.Errorf("%w: %s", registry.ErrBackendNotFound, name)
	}
	return name, nil
}
