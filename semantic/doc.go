// Package semantic provides the embedding contract and similarity
// primitives used by the discovery engine.
//
// # Embedders
//
// An Embedder maps text to a fixed-length vector. The contract requires
// determinism: identical input must produce an identical vector, which
// is what makes the persisted index cache trustworthy across restarts.
//
// Production deployments typically wrap a remote embedding model behind
// the Embedder interface. HashEmbedder is a deterministic local
// implementation (token-hash bag of words) suitable for offline use and
// tests.
//
// # Caching
//
// CachingEmbedder memoizes vectors by input text. Because embedders are
// deterministic, the cache never needs invalidation; it is bounded by a
// configurable entry count with FIFO eviction.
package semantic
