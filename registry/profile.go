package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"
)

// profileServer is one entry in a profile's server map. Stdio entries
// carry a command; remote entries carry a url.
type profileServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Auth    *AuthConfig       `json:"auth,omitempty"`
}

// profileFile is the on-disk profile shape: a named map of MCP servers,
// matching the common mcpServers configuration convention.
type profileFile struct {
	Name       string                   `json:"name,omitempty"`
	MCPServers map[string]profileServer `json:"mcpServers"`
}

// DefaultProfilePath returns the conventional location of a named
// profile under the user's XDG config directory.
func DefaultProfilePath(name string) string {
	return filepath.Join(xdg.ConfigHome, "toolbroker", "profiles", name+".json")
}

// LoadProfile reads a JSON profile file and builds a Registry from it.
// Server map order is not meaningful in JSON, so backends are ordered by
// name for a stable registry.
func LoadProfile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var profile profileFile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	names := make([]string, 0, len(profile.MCPServers))
	for name := range profile.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]BackendConfig, 0, len(names))
	for _, name := range names {
		server := profile.MCPServers[name]
		cfg := BackendConfig{Name: name}
		switch {
		case server.Command != "":
			cfg.Stdio = &StdioTransport{
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
			}
		case server.URL != "":
			cfg.HTTP = &HTTPTransport{
				URL:  server.URL,
				Auth: server.Auth,
			}
		default:
			return nil, fmt.Errorf("%w: profile entry %s has neither command nor url", ErrInvalidConfig, name)
		}
		configs = append(configs, cfg)
	}

	return New(configs)
}
