// Package domain defines the core data structures of the Mirsat agent and the repository
// interfaces that persist them.
//
// It holds the cache generation and cached response models owned by the blob cache, the queue
// items owned by the sync orchestrator, the ephemeral notification intents and control messages,
// and the agent log records. Storage technology lives behind the repository interfaces so the
// strategy engine, orchestrator and lifecycle manager never depend on the database directly.
package domain
