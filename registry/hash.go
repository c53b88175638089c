package registry

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Hash returns a stable content hash of the registry. It covers every
// field that affects which operations a backend exposes, canonicalized
// so map iteration order and config ordering cannot change the result.
// Auth material is included so a credential change invalidates caches.
func (r *Registry) Hash() string {
	names := r.Names()
	sort.Strings(names)

	h := blake3.New()
	sep := []byte{0}

	for _, name := range names {
		cfg := r.configs[name]
		h.Write([]byte(cfg.Name))
		h.Write(sep)

		if cfg.Stdio != nil {
			h.Write([]byte("stdio"))
			h.Write(sep)
			h.Write([]byte(cfg.Stdio.Command))
			h.Write(sep)
			h.Write([]byte(strings.Join(cfg.Stdio.Args, "\x01")))
			h.Write(sep)
			h.Write([]byte(canonicalEnv(cfg.Stdio.Env)))
			h.Write(sep)
		}
		if cfg.HTTP != nil {
			h.Write([]byte("http"))
			h.Write(sep)
			h.Write([]byte(cfg.HTTP.URL))
			h.Write(sep)
			if auth := cfg.HTTP.Auth; auth != nil {
				h.Write([]byte(auth.Bearer))
				h.Write(sep)
				h.Write([]byte(auth.ClientID))
				h.Write(sep)
				h.Write([]byte(auth.ClientSecret))
				h.Write(sep)
				h.Write([]byte(auth.TokenURL))
				h.Write(sep)
				h.Write([]byte(auth.DeviceAuthURL))
				h.Write(sep)
				h.Write([]byte(strings.Join(auth.Scopes, "\x01")))
				h.Write(sep)
			}
		}
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

func canonicalEnv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\x01")
}
