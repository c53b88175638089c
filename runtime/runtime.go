// Package runtime locates the interpreter runtimes (Node.js, Python)
// that stdio backends are launched with.
//
// Detection is performed fresh on every call rather than cached at
// startup: environments change underneath long-running processes
// (version managers, activated virtualenvs, PATH edits), and a stale
// interpreter path turns into a confusing spawn failure much later.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/jonwraymond/toolbroker/registry"
)

// ErrRuntimeNotFound indicates a well-known interpreter command that
// could not be resolved to an executable.
var ErrRuntimeNotFound = errors.New("runtime not found")

// Environment overrides, checked before PATH lookup.
const (
	EnvNode   = "TOOLBROKER_NODE"
	EnvNPX    = "TOOLBROKER_NPX"
	EnvPython = "TOOLBROKER_PYTHON"
)

// Info holds resolved interpreter paths. Empty fields mean the runtime
// was not found; that is only an error once a backend actually needs it.
type Info struct {
	Node   string
	NPX    string
	Python string
}

// Resolve detects available runtimes. It consults, in order: explicit
// environment overrides, the npm-provided node path when the broker
// itself was launched by npm, and finally PATH.
func Resolve() Info {
	var info Info

	info.Node = firstOf(
		os.Getenv(EnvNode),
		os.Getenv("npm_node_execpath"),
		lookPath("node"),
	)

	// npx normally lives next to node; fall back to PATH.
	info.NPX = os.Getenv(EnvNPX)
	if info.NPX == "" && info.Node != "" {
		if sibling := filepath.Join(filepath.Dir(info.Node), "npx"); isExecutableFile(sibling) {
			info.NPX = sibling
		}
	}
	if info.NPX == "" {
		info.NPX = lookPath("npx")
	}

	info.Python = firstOf(
		os.Getenv(EnvPython),
		lookPath("python3"),
		lookPath("python"),
	)

	return info
}

// CommandFor builds the command that spawns a stdio backend. Well-known
// interpreter names (node, npx, python, python3) are substituted with
// the freshly resolved path; anything else is used verbatim. The
// transport's environment entries are appended to the broker's own.
func CommandFor(ctx context.Context, t *registry.StdioTransport) (*exec.Cmd, error) {
	command := t.Command

	switch command {
	case "node":
		info := Resolve()
		if info.Node == "" {
			return nil, fmt.Errorf("%w: node", ErrRuntimeNotFound)
		}
		command = info.Node
	case "npx":
		info := Resolve()
		if info.NPX == "" {
			return nil, fmt.Errorf("%w: npx", ErrRuntimeNotFound)
		}
		command = info.NPX
	case "python", "python3":
		info := Resolve()
		if info.Python == "" {
			return nil, fmt.Errorf("%w: %s", ErrRuntimeNotFound, command)
		}
		command = info.Python
	}

	cmd := exec.CommandContext(ctx, command, t.Args...)
	cmd.Env = os.Environ()
	for key, value := range t.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	return cmd, nil
}

func firstOf(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

func lookPath(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

func isExecutableFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
