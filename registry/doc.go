// Package registry holds the static description of configured backends
// and the artifacts derived from it.
//
// A Registry is loaded from a JSON profile and is immutable for the
// lifetime of a session. Its stable content hash (Registry.Hash) is what
// ties the persisted embedding index and the tool-list cache to a
// specific configuration: when the hash is unchanged across startups,
// both caches are trusted and no backend probing or re-embedding
// happens.
package registry
