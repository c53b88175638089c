// Package pool manages live MCP sessions to backend tool servers.
//
// Connections are established lazily on first use and deduplicated:
// concurrent requests for the same backend share one dial, and at most
// one session per backend exists at a time. Each session carries health
// state driven by invoke outcomes; repeated consecutive failures mark
// the session failed, which forces a reconnect on next use. Idle
// sessions are reaped by a background sweeper.
package pool
