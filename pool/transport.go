package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolbroker/auth"
	"github.com/jonwraymond/toolbroker/registry"
	"github.com/jonwraymond/toolbroker/runtime"
)

// httpMaxRetries is the reconnect budget for streamable HTTP sessions.
const httpMaxRetries = 3

// buildTransport constructs the MCP transport for a backend from its
// configuration: a spawned child process for stdio backends, an HTTP
// or SSE client otherwise.
func (p *Pool) buildTransport(ctx context.Context, cfg registry.BackendConfig) (mcp.Transport, error) {
	if cfg.Transport != nil {
		return cfg.Transport, nil
	}

	switch {
	case cfg.Stdio != nil:
		// Interpreter paths are re-resolved on every spawn.
		cmd, err := runtime.CommandFor(ctx, cfg.Stdio)
		if err != nil {
			return nil, err
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case cfg.HTTP != nil:
		return p.httpTransport(cfg)
	}
	return nil, fmt.Errorf("backend %s has no transport configured", cfg.Name)
}

func (p *Pool) httpTransport(cfg registry.BackendConfig) (mcp.Transport, error) {
	parsed, err := url.Parse(cfg.HTTP.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	client, err := p.httpClient(cfg)
	if err != nil {
		return nil, err
	}

	switch parsed.Scheme {
	case "http", "https":
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.HTTP.URL,
			HTTPClient: client,
			MaxRetries: httpMaxRetries,
		}, nil
	case "sse":
		parsed.Scheme = "http"
		return &mcp.SSEClientTransport{
			Endpoint:   parsed.String(),
			HTTPClient: client,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported backend URL scheme %q", parsed.Scheme)
	}
}

func (p *Pool) httpClient(cfg registry.BackendConfig) (*http.Client, error) {
	if cfg.HTTP.Auth == nil {
		return nil, nil
	}
	if p.tokens == nil {
		return nil, fmt.Errorf("backend %s requires auth but no token provider is configured", cfg.Name)
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base:    http.DefaultTransport,
			tokens:  p.tokens,
			backend: cfg.Name,
			auth:    *cfg.HTTP.Auth,
		},
	}, nil
}

// authRoundTripper injects a bearer token into each request, consulting
// the token provider per request so refreshes are picked up without
// re-dialing the session.
type authRoundTripper struct {
	base    http.RoundTripper
	tokens  *auth.TokenProvider
	backend string
	auth    registry.AuthConfig
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := a.base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Header.Get("Authorization") == "" {
		tok, err := a.tokens.AccessToken(req.Context(), a.backend, a.auth)
		if err != nil {
			return nil, fmt.Errorf("acquire token for %s: %w", a.backend, err)
		}
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Drop the cached token so the next attempt re-acquires.
		_ = a.tokens.Invalidate(a.backend)
	}
	return resp, nil
}
