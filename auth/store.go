package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/zalando/go-keyring"
)

// keyringService is the service name tokens are filed under in the
// operating system keyring.
const keyringService = "toolbroker"

// Token is a stored access token for one backend.
type Token struct {
	AccessToken string `json:"access_token"`
	// Expiry is the token's expiration time. The zero value means the
	// token does not expire.
	Expiry time.Time `json:"expiry,omitempty"`
}

// TokenStore persists tokens per backend between broker runs.
type TokenStore interface {
	// Get returns the stored token for a backend. The second return is
	// false when no token is stored.
	Get(backend string) (Token, bool, error)
	Set(backend string, tok Token) error
	Delete(backend string) error
}

// FileStore keeps tokens in a single JSON file, mode 0600. It is the
// fallback for hosts without a usable keyring.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed token store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultTokenPath returns the XDG state location for the token file.
func DefaultTokenPath() (string, error) {
	return xdg.StateFile(filepath.Join("toolbroker", "tokens.json"))
}

func (s *FileStore) Get(backend string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Token{}, false, err
	}
	tok, ok := all[backend]
	return tok, ok, nil
}

func (s *FileStore) Set(backend string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	all[backend] = tok
	return s.save(all)
}

func (s *FileStore) Delete(backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	delete(all, backend)
	return s.save(all)
}

func (s *FileStore) load() (map[string]Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Token{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	all := map[string]Token{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return all, nil
}

func (s *FileStore) save(all map[string]Token) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// KeyringStore keeps tokens in the operating system keyring, one entry
// per backend under the "toolbroker" service.
type KeyringStore struct{}

func (KeyringStore) Get(backend string) (Token, bool, error) {
	raw, err := keyring.Get(keyringService, backend)
	if errors.Is(err, keyring.ErrNotFound) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("keyring get: %w", err)
	}

	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return Token{}, false, fmt.Errorf("decode keyring token: %w", err)
	}
	return tok, true, nil
}

func (KeyringStore) Set(backend string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, backend, string(data)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (KeyringStore) Delete(backend string) error {
	err := keyring.Delete(keyringService, backend)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}
