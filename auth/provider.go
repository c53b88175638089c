package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jonwraymond/toolbroker/registry"
)

// Error values for token acquisition.
var (
	// ErrNoCredentials indicates a backend whose auth configuration names
	// no usable credential source.
	ErrNoCredentials = errors.New("no credentials configured")
)

// expiryMargin is how long before actual expiry a cached token is
// treated as expired, so invokes do not race the deadline.
const expiryMargin = 5 * time.Minute

// PromptFunc is invoked during the device authorization flow to tell
// the user where to enter their code.
type PromptFunc func(verificationURI, userCode string)

// ProviderOptions configures a TokenProvider.
type ProviderOptions struct {
	// Store caches acquired tokens. Required.
	Store TokenStore
	// HTTPClient performs token endpoint requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Prompt handles device-flow user interaction. Defaults to logging
	// the verification URI and code.
	Prompt PromptFunc
	// Logger defaults to a nop.
	Logger *zap.Logger
}

// TokenProvider produces access tokens for backends that require auth.
// Static bearer tokens pass through; OAuth2 tokens are acquired via the
// client credentials or device authorization grant and cached in the
// token store across runs.
type TokenProvider struct {
	store      TokenStore
	httpClient *http.Client
	prompt     PromptFunc
	logger     *zap.Logger

	now func() time.Time
}

// NewTokenProvider creates a token provider.
func NewTokenProvider(opts ProviderOptions) (*TokenProvider, error) {
	if opts.Store == nil {
		return nil, errors.New("token store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	p := &TokenProvider{
		store:      opts.Store,
		httpClient: client,
		logger:     logger,
		now:        time.Now,
	}
	p.prompt = opts.Prompt
	if p.prompt == nil {
		p.prompt = func(uri, code string) {
			logger.Info("authorization required",
				zap.String("verification_uri", uri),
				zap.String("user_code", code))
		}
	}
	return p, nil
}

// AccessToken returns a valid access token for the backend, acquiring
// one if the cache is empty or the cached token is within the expiry
// margin.
func (p *TokenProvider) AccessToken(ctx context.Context, backend string, cfg registry.AuthConfig) (string, error) {
	if cfg.Bearer != "" {
		return cfg.Bearer, nil
	}

	if tok, ok, err := p.store.Get(backend); err != nil {
		return "", fmt.Errorf("token store for %s: %w", backend, err)
	} else if ok && p.valid(tok) {
		return tok.AccessToken, nil
	}

	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TokenURL != "":
		return p.clientCredentials(ctx, backend, cfg)
	case cfg.ClientID != "" && cfg.DeviceAuthURL != "" && cfg.TokenURL != "":
		return p.deviceFlow(ctx, backend, cfg)
	}
	return "", fmt.Errorf("%w: backend %s", ErrNoCredentials, backend)
}

// Invalidate drops the cached token for a backend, forcing the next
// AccessToken call to re-acquire. Used after a 401 from the backend.
func (p *TokenProvider) Invalidate(backend string) error {
	return p.store.Delete(backend)
}

func (p *TokenProvider) valid(tok Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return p.now().Add(expiryMargin).Before(tok.Expiry)
}

func (p *TokenProvider) clientCredentials(ctx context.Context, backend string, cfg registry.AuthConfig) (string, error) {
	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	tok, err := conf.Token(p.oauthContext(ctx))
	if err != nil {
		return "", fmt.Errorf("client credentials grant for %s: %w", backend, err)
	}
	return p.cache(backend, tok)
}

func (p *TokenProvider) deviceFlow(ctx context.Context, backend string, cfg registry.AuthConfig) (string, error) {
	conf := &oauth2.Config{
		ClientID: cfg.ClientID,
		Scopes:   cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:      cfg.TokenURL,
			DeviceAuthURL: cfg.DeviceAuthURL,
		},
	}

	octx := p.oauthContext(ctx)
	da, err := conf.DeviceAuth(octx)
	if err != nil {
		return "", fmt.Errorf("device authorization for %s: %w", backend, err)
	}
	p.prompt(da.VerificationURI, da.UserCode)

	tok, err := conf.DeviceAccessToken(octx, da)
	if err != nil {
		return "", fmt.Errorf("device token for %s: %w", backend, err)
	}
	return p.cache(backend, tok)
}

func (p *TokenProvider) cache(backend string, tok *oauth2.Token) (string, error) {
	if err := p.store.Set(backend, Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}); err != nil {
		// A broken cache should not fail the invoke; the token is good.
		p.logger.Warn("failed to cache token", zap.String("backend", backend), zap.Error(err))
	}
	return tok.AccessToken, nil
}

func (p *TokenProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}
