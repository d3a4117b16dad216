package domain

// StatsRepository defines the interface for retrieving counts about the agent's storage.
type StatsRepository interface {
	// CountGenerations returns the number of cache generations currently stored.
	CountGenerations() (int, error)
	// CountEntries returns the total number of cached responses across all generations.
	CountEntries() (int, error)
	// CountPending returns the number of queue items waiting for replay.
	CountPending() (int, error)
	// CountDead returns the number of dead-lettered queue items.
	CountDead() (int, error)
}
