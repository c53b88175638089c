package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Error values for registry validation.
var (
	ErrInvalidConfig    = errors.New("invalid backend config")
	ErrDuplicateBackend = errors.New("duplicate backend name")
	ErrBackendNotFound  = errors.New("backend not found")
)

// StdioTransport describes a backend launched as a subprocess speaking
// MCP over stdio.
type StdioTransport struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// AuthConfig describes how to obtain a token for an HTTP backend.
// Exactly one of Bearer, client-credentials (ClientSecret+TokenURL), or
// device flow (DeviceAuthURL+TokenURL) is expected.
type AuthConfig struct {
	// Bearer is a static token attached as-is.
	Bearer string `json:"bearer,omitempty"`
	// ClientID identifies the OAuth client.
	ClientID string `json:"client_id,omitempty"`
	// ClientSecret enables the client-credentials exchange.
	ClientSecret string `json:"client_secret,omitempty"`
	// TokenURL is the OAuth token endpoint.
	TokenURL string `json:"token_url,omitempty"`
	// DeviceAuthURL enables the device-authorization flow.
	DeviceAuthURL string `json:"device_auth_url,omitempty"`
	// Scopes requested during the exchange.
	Scopes []string `json:"scopes,omitempty"`
}

// HTTPTransport describes a remote backend reached over streamable HTTP
// or SSE. Scheme sse:// selects the SSE transport.
type HTTPTransport struct {
	URL  string      `json:"url"`
	Auth *AuthConfig `json:"auth,omitempty"`
}

// BackendConfig describes one configured backend. Exactly one of Stdio
// or HTTP must be set.
type BackendConfig struct {
	// Name uniquely identifies the backend within a registry. It must
	// not contain ':' (the operation-id separator).
	Name  string          `json:"name"`
	Stdio *StdioTransport `json:"stdio,omitempty"`
	HTTP  *HTTPTransport  `json:"http,omitempty"`

	// Transport overrides Stdio/HTTP handling when provided (useful for
	// tests). Never serialized.
	Transport mcp.Transport `json:"-"`
}

// Validate checks structural requirements on the config.
func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if strings.Contains(c.Name, ":") {
		return fmt.Errorf("%w: name %q must not contain ':'", ErrInvalidConfig, c.Name)
	}
	if c.Transport != nil {
		return nil
	}
	switch {
	case c.Stdio != nil && c.HTTP != nil:
		return fmt.Errorf("%w: %s sets both stdio and http", ErrInvalidConfig, c.Name)
	case c.Stdio == nil && c.HTTP == nil:
		return fmt.Errorf("%w: %s sets neither stdio nor http", ErrInvalidConfig, c.Name)
	case c.Stdio != nil && strings.TrimSpace(c.Stdio.Command) == "":
		return fmt.Errorf("%w: %s stdio command is required", ErrInvalidConfig, c.Name)
	case c.HTTP != nil && strings.TrimSpace(c.HTTP.URL) == "":
		return fmt.Errorf("%w: %s http url is required", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Operation describes a single invokable capability exposed by a
// backend, produced by probing it.
type Operation struct {
	// Backend is the owning backend's name.
	Backend string `json:"backend"`
	// Name is the operation name within the backend.
	Name string `json:"name"`
	// Description is the operation's human-readable description.
	Description string `json:"description"`
	// InputSchema is the operation's JSON schema, as a generic map.
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ID returns the composite operation id "backend:operation".
func (o Operation) ID() string {
	return o.Backend + ":" + o.Name
}

// SplitOperationID splits a composite id into backend and operation
// names. The second return is empty when the id carries no separator.
func SplitOperationID(id string) (backend, operation string) {
	backend, operation, _ = strings.Cut(id, ":")
	return backend, operation
}

// Registry is an immutable, ordered set of backend configs.
type Registry struct {
	configs map[string]BackendConfig
	order   []string
	loaded  time.Time
}

// New builds a registry from configs, validating each and rejecting
// duplicate names. Order is preserved.
func New(configs []BackendConfig) (*Registry, error) {
	r := &Registry{
		configs: make(map[string]BackendConfig, len(configs)),
		loaded:  time.Now().UTC(),
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.configs[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, cfg.Name)
		}
		r.configs[cfg.Name] = cfg
		r.order = append(r.order, cfg.Name)
	}
	return r, nil
}

// Get returns the config for name.
func (r *Registry) Get(name string) (BackendConfig, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return cfg, nil
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Names returns backend names in configuration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of configured backends.
func (r *Registry) Len() int {
	return len(r.order)
}
