// Package broker is the orchestrator: it fronts many configured MCP
// backends behind exactly two public operations, discover and invoke.
//
// On Start the broker obtains every backend's operation list, either
// from the persisted tool-list cache (when the registry hash is
// unchanged) or by probing all backends in parallel, and feeds the
// operations into the discovery engine. discover answers similarity
// queries; invoke splits the composite backend:operation id and routes
// the call, dispatching the reserved internal backend in-process and
// everything else through the connection pool.
package broker
