package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// ToolListCache persists the operations enumerated from each backend,
// keyed by the registry hash. When the hash is unchanged on the next
// startup the cached lists are reused and no backend is probed.
type ToolListCache struct {
	path string
}

type toolListFile struct {
	RegistryHash string                 `json:"registryHash"`
	SavedAt      time.Time              `json:"savedAt"`
	Operations   map[string][]Operation `json:"operations"`
}

// DefaultToolCachePath returns the conventional tool-list cache location
// under the user's XDG cache directory.
func DefaultToolCachePath() string {
	return filepath.Join(xdg.CacheHome, "toolbroker", "tool-lists.json")
}

// NewToolListCache creates a cache backed by the given file path.
func NewToolListCache(path string) *ToolListCache {
	return &ToolListCache{path: path}
}

// Load returns the cached operation lists if the file exists and was
// saved for the given registry hash. The boolean reports a usable hit;
// a missing file or stale hash is a miss, not an error. An unreadable
// file is also treated as a miss so a damaged cache never blocks
// startup.
func (c *ToolListCache) Load(registryHash string) (map[string][]Operation, bool, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read tool-list cache: %w", err)
	}

	var file toolListFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false, nil
	}
	if file.RegistryHash != registryHash {
		return nil, false, nil
	}
	return file.Operations, true, nil
}

// Store writes the operation lists for the given registry hash,
// replacing any previous contents via temp-then-rename.
func (c *ToolListCache) Store(registryHash string, operations map[string][]Operation) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create tool-list cache dir: %w", err)
	}

	data, err := json.MarshalIndent(toolListFile{
		RegistryHash: registryHash,
		SavedAt:      time.Now().UTC(),
		Operations:   operations,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tool-list cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), "tool-lists-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
