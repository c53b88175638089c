package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/jonwraymond/toolbroker/registry"
)

func TestResolve_EnvOverrides(t *testing.T) {
	t.Setenv(EnvNode, "/opt/custom/node")
	t.Setenv(EnvNPX, "/opt/custom/npx")
	t.Setenv(EnvPython, "/opt/custom/python3")

	info := Resolve()
	if info.Node != "/opt/custom/node" {
		t.Errorf("Node = %q, want override", info.Node)
	}
	if info.NPX != "/opt/custom/npx" {
		t.Errorf("NPX = %q, want override", info.NPX)
	}
	if info.Python != "/opt/custom/python3" {
		t.Errorf("Python = %q, want override", info.Python)
	}
}

func TestResolve_NpmNodeExecpath(t *testing.T) {
	t.Setenv(EnvNode, "")
	t.Setenv("npm_node_execpath", "/npm/provided/node")

	if info := Resolve(); info.Node != "/npm/provided/node" {
		t.Errorf("Node = %q, want npm_node_execpath value", info.Node)
	}
}

func TestResolve_NotCachedBetweenCalls(t *testing.T) {
	t.Setenv(EnvNode, "/first/node")
	first := Resolve()

	t.Setenv(EnvNode, "/second/node")
	second := Resolve()

	if first.Node != "/first/node" || second.Node != "/second/node" {
		t.Errorf("detection must re-run per call: first=%q second=%q", first.Node, second.Node)
	}
}

func TestCommandFor_SubstitutesNode(t *testing.T) {
	t.Setenv(EnvNode, "/opt/custom/node")

	cmd, err := CommandFor(context.Background(), &registry.StdioTransport{
		Command: "node",
		Args:    []string{"server.js", "--port", "0"},
	})
	if err != nil {
		t.Fatalf("CommandFor() error = %v", err)
	}
	if cmd.Path != "/opt/custom/node" {
		t.Errorf("Path = %q, want substituted node", cmd.Path)
	}
	if len(cmd.Args) != 4 || cmd.Args[1] != "server.js" {
		t.Errorf("unexpected args: %v", cmd.Args)
	}
}

func TestCommandFor_SubstitutesPython(t *testing.T) {
	t.Setenv(EnvPython, "/opt/venv/bin/python")

	for _, name := range []string{"python", "python3"} {
		cmd, err := CommandFor(context.Background(), &registry.StdioTransport{Command: name})
		if err != nil {
			t.Fatalf("CommandFor(%s) error = %v", name, err)
		}
		if cmd.Path != "/opt/venv/bin/python" {
			t.Errorf("CommandFor(%s) Path = %q, want substituted python", name, cmd.Path)
		}
	}
}

func TestCommandFor_ArbitraryCommandPassesThrough(t *testing.T) {
	cmd, err := CommandFor(context.Background(), &registry.StdioTransport{
		Command: "/usr/local/bin/my-server",
		Args:    []string{"--stdio"},
	})
	if err != nil {
		t.Fatalf("CommandFor() error = %v", err)
	}
	if cmd.Path != "/usr/local/bin/my-server" {
		t.Errorf("Path = %q, want verbatim command", cmd.Path)
	}
}

func TestCommandFor_AppendsTransportEnv(t *testing.T) {
	cmd, err := CommandFor(context.Background(), &registry.StdioTransport{
		Command: "/bin/true",
		Env:     map[string]string{"API_KEY": "secret"},
	})
	if err != nil {
		t.Fatalf("CommandFor() error = %v", err)
	}

	found := false
	for _, kv := range cmd.Env {
		if kv == "API_KEY=secret" {
			found = true
		}
	}
	if !found {
		t.Error("transport env entry missing from command environment")
	}
}

func TestCommandFor_ReDetectsPerSpawn(t *testing.T) {
	t.Setenv(EnvNode, "/first/node")
	first, err := CommandFor(context.Background(), &registry.StdioTransport{Command: "node"})
	if err != nil {
		t.Fatalf("CommandFor() error = %v", err)
	}

	t.Setenv(EnvNode, "/second/node")
	second, err := CommandFor(context.Background(), &registry.StdioTransport{Command: "node"})
	if err != nil {
		t.Fatalf("CommandFor() error = %v", err)
	}

	if first.Path != "/first/node" || second.Path != "/second/node" {
		t.Errorf("spawn must re-detect runtimes: first=%q second=%q", first.Path, second.Path)
	}
}

func TestCommandFor_MissingRuntime(t *testing.T) {
	t.Setenv(EnvNode, "")
	t.Setenv("npm_node_execpath", "")
	t.Setenv("PATH", t.TempDir())

	_, err := CommandFor(context.Background(), &registry.StdioTransport{Command: "node"})
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("CommandFor() error = %v, want ErrRuntimeNotFound", err)
	}
}
