package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jonwraymond/toolbroker/registry"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "tokens.json"))

	expiry := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Set("mgmt", Token{AccessToken: "tok-1", Expiry: expiry}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	tok, ok, err := store.Get("mgmt")
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v", ok, err)
	}
	if tok.AccessToken != "tok-1" || !tok.Expiry.Equal(expiry) {
		t.Errorf("unexpected token: %+v", tok)
	}

	if err := store.Delete("mgmt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get("mgmt"); ok {
		t.Error("token present after Delete")
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	_, ok, err := store.Get("mgmt")
	if err != nil || ok {
		t.Errorf("Get() = ok=%v err=%v, want clean miss", ok, err)
	}
}

func TestFileStore_FileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileStore(path)
	if err := store.Set("mgmt", Token{AccessToken: "secret"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 0600", perm)
	}
}

func TestKeyringStore_RoundTrip(t *testing.T) {
	keyring.MockInit()

	store := KeyringStore{}
	if err := store.Set("mgmt", Token{AccessToken: "ring-tok"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	tok, ok, err := store.Get("mgmt")
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v", ok, err)
	}
	if tok.AccessToken != "ring-tok" {
		t.Errorf("unexpected token: %+v", tok)
	}

	if err := store.Delete("mgmt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get("mgmt"); ok {
		t.Error("token present after Delete")
	}
	// Deleting an absent entry is not an error.
	if err := store.Delete("mgmt"); err != nil {
		t.Errorf("Delete() of absent entry error = %v", err)
	}
}

func newProvider(t *testing.T, store TokenStore) *TokenProvider {
	t.Helper()
	p, err := NewTokenProvider(ProviderOptions{Store: store})
	if err != nil {
		t.Fatalf("NewTokenProvider() error = %v", err)
	}
	return p
}

func TestTokenProvider_StaticBearer(t *testing.T) {
	p := newProvider(t, NewFileStore(filepath.Join(t.TempDir(), "tokens.json")))

	got, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{Bearer: "static-tok"})
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "static-tok" {
		t.Errorf("AccessToken() = %q", got)
	}
}

func TestTokenProvider_CachedTokenReused(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	if err := store.Set("mgmt", Token{AccessToken: "cached", Expiry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := newProvider(t, store)
	p.now = func() time.Time { return now }

	// No token endpoint is configured; only the cache can answer.
	got, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{
		ClientID: "cid", ClientSecret: "cs", TokenURL: "http://127.0.0.1:1/token",
	})
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "cached" {
		t.Errorf("AccessToken() = %q, want cached token", got)
	}
}

func TestTokenProvider_ExpiryMarginForcesRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	// Expires in 2 minutes: inside the 5-minute margin, so stale.
	if err := store.Set("mgmt", Token{AccessToken: "stale", Expiry: now.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := newProvider(t, store)
	p.now = func() time.Time { return now }

	got, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{
		ClientID: "cid", ClientSecret: "cs", TokenURL: srv.URL + "/token",
	})
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "fresh" {
		t.Errorf("AccessToken() = %q, want refreshed token", got)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want 1", hits.Load())
	}

	// The refreshed token is now cached.
	if tok, ok, _ := store.Get("mgmt"); !ok || tok.AccessToken != "fresh" {
		t.Errorf("refreshed token not cached: %+v ok=%v", tok, ok)
	}
}

func TestTokenProvider_ClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "" && got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "cc-tok",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := newProvider(t, NewFileStore(filepath.Join(t.TempDir(), "tokens.json")))

	got, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{
		ClientID: "cid", ClientSecret: "cs", TokenURL: srv.URL + "/token",
	})
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "cc-tok" {
		t.Errorf("AccessToken() = %q", got)
	}
}

func TestTokenProvider_DeviceFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-code",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://example.com/activate",
			"expires_in":       300,
			"interval":         0,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "device-tok",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var promptURI, promptCode string
	store := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	p, err := NewTokenProvider(ProviderOptions{
		Store: store,
		Prompt: func(uri, code string) {
			promptURI, promptCode = uri, code
		},
	})
	if err != nil {
		t.Fatalf("NewTokenProvider() error = %v", err)
	}

	got, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{
		ClientID:      "cid",
		TokenURL:      srv.URL + "/token",
		DeviceAuthURL: srv.URL + "/device",
	})
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "device-tok" {
		t.Errorf("AccessToken() = %q", got)
	}
	if promptURI != "https://example.com/activate" || promptCode != "ABCD-1234" {
		t.Errorf("prompt not invoked correctly: uri=%q code=%q", promptURI, promptCode)
	}

	if tok, ok, _ := store.Get("mgmt"); !ok || tok.AccessToken != "device-tok" {
		t.Errorf("device token not cached: %+v ok=%v", tok, ok)
	}
}

func TestTokenProvider_NoCredentials(t *testing.T) {
	p := newProvider(t, NewFileStore(filepath.Join(t.TempDir(), "tokens.json")))

	_, err := p.AccessToken(context.Background(), "mgmt", registry.AuthConfig{})
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("AccessToken() error = %v, want ErrNoCredentials", err)
	}
}

func TestTokenProvider_Invalidate(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err := store.Set("mgmt", Token{AccessToken: "old"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := newProvider(t, store)
	if err := p.Invalidate("mgmt"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := store.Get("mgmt"); ok {
		t.Error("token present after Invalidate")
	}
}
