package db

import (
	"fmt"

	"github.com/tfkr-ae/mirsat/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

// CountGenerations returns the number of cache generations.
func (repo *Repository) CountGenerations() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM cache_generation`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting generation count: %w", err)
	}

	return count, nil
}

// CountEntries returns the number of cached responses across all generations.
func (repo *Repository) CountEntries() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM cache_entry`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting cache entry count: %w", err)
	}

	return count, nil
}

// CountPending returns the number of queue items waiting for replay.
func (repo *Repository) CountPending() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM queue_item WHERE dead_at IS NULL`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting pending count: %w", err)
	}

	return count, nil
}

// CountDead returns the number of dead-lettered queue items.
func (repo *Repository) CountDead() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM queue_item WHERE dead_at IS NOT NULL`

	err := repo.dbConn.Get(&count, query)
	if err != nil {
		return 0, fmt.Errorf("getting dead count: %w", err)
	}

	return count, nil
}
