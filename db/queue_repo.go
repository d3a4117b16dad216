package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/domain"
)

var _ domain.QueueRepository = (*Repository)(nil)

// dbQueueItem represents a queued mutation as stored in the database.
// Timestamps are unix milliseconds so ordering and comparison stay in SQL.
type dbQueueItem struct {
	Seq           int64         `db:"seq"`
	ID            uuid.UUID     `db:"id"`
	Domain        string        `db:"domain"`
	Payload       string        `db:"payload"`
	EnqueuedAt    int64         `db:"enqueued_at"`
	Attempts      int           `db:"attempts"`
	LastError     string        `db:"last_error"`
	NextAttemptAt int64         `db:"next_attempt_at"`
	DeadAt        sql.NullInt64 `db:"dead_at"`
}

const queueColumns = `seq, id, domain, payload, enqueued_at, attempts, last_error, next_attempt_at, dead_at`

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// toDomainQueueItem converts a dbQueueItem to a domain.QueueItem.
func toDomainQueueItem(item *dbQueueItem) *domain.QueueItem {
	queueItem := &domain.QueueItem{
		ID:            item.ID,
		Domain:        item.Domain,
		Payload:       []byte(item.Payload),
		EnqueuedAt:    fromMillis(item.EnqueuedAt),
		Attempts:      item.Attempts,
		LastError:     item.LastError,
		NextAttemptAt: fromMillis(item.NextAttemptAt),
	}

	if item.DeadAt.Valid {
		deadAt := fromMillis(item.DeadAt.Int64)
		queueItem.DeadAt = &deadAt
	}

	return queueItem
}

func (repo *Repository) selectQueueItems(query string, args ...any) ([]*domain.QueueItem, error) {
	var dbItems []*dbQueueItem
	if err := repo.dbConn.Select(&dbItems, query, args...); err != nil {
		return nil, err
	}

	items := make([]*domain.QueueItem, len(dbItems))
	for i, item := range dbItems {
		items[i] = toDomainQueueItem(item)
	}

	return items, nil
}

// EnqueueItem appends the item to the end of its domain.
// A zero ID is replaced by a fresh v7 UUID and a zero EnqueuedAt by the current time.
func (repo *Repository) EnqueueItem(item *domain.QueueItem) error {
	if item.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating queue item id : %w", err)
		}
		item.ID = id
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	payload := string(item.Payload)
	if payload == "" {
		payload = "null"
	}

	query := `INSERT INTO queue_item (id, domain, payload, enqueued_at) VALUES (?, ?, ?, ?)`
	_, err := repo.dbConn.Exec(query, item.ID, item.Domain, payload, toMillis(item.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("enqueuing item %s in %s: %w", item.ID, item.Domain, err)
	}

	return nil
}

// GetPendingItems returns every live item of the domain in enqueue order.
func (repo *Repository) GetPendingItems(domainName string) ([]*domain.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_item WHERE domain = ? AND dead_at IS NULL ORDER BY seq`

	items, err := repo.selectQueueItems(query, domainName)
	if err != nil {
		return nil, fmt.Errorf("fetching pending items of %s: %w", domainName, err)
	}

	return items, nil
}

// GetDeadItems returns the dead-lettered items of the domain in enqueue order.
func (repo *Repository) GetDeadItems(domainName string) ([]*domain.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_item WHERE domain = ? AND dead_at IS NOT NULL ORDER BY seq`

	items, err := repo.selectQueueItems(query, domainName)
	if err != nil {
		return nil, fmt.Errorf("fetching dead items of %s: %w", domainName, err)
	}

	return items, nil
}

// GetDomains returns the domains with at least one pending item, ordered by name.
func (repo *Repository) GetDomains() ([]string, error) {
	var domains []string
	query := `SELECT DISTINCT domain FROM queue_item WHERE dead_at IS NULL ORDER BY domain`

	if err := repo.dbConn.Select(&domains, query); err != nil {
		return nil, fmt.Errorf("fetching queue domains: %w", err)
	}

	return domains, nil
}

// execQueueItem runs an update or delete against one item and maps a missing row to ErrQueueItemNotFound.
func (repo *Repository) execQueueItem(id uuid.UUID, query string, args ...any) error {
	result, err := repo.dbConn.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows for %s: %w", id, err)
	}

	if rowsAffected == 0 {
		return domain.ErrQueueItemNotFound
	}

	return nil
}

// DeleteItem removes an acknowledged item.
func (repo *Repository) DeleteItem(id uuid.UUID) error {
	err := repo.execQueueItem(id, `DELETE FROM queue_item WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue item %s: %w", id, err)
	}

	return nil
}

// RecordFailure increments the attempt counter of the item and stores the retry bookkeeping.
func (repo *Repository) RecordFailure(id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	query := `UPDATE queue_item
	          SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
	          WHERE id = ?`

	err := repo.execQueueItem(id, query, lastError, toMillis(nextAttemptAt), id)
	if err != nil {
		return fmt.Errorf("recording failure of %s: %w", id, err)
	}

	return nil
}

// MarkDead dead-letters the item. Its attempt counter includes the final failure.
func (repo *Repository) MarkDead(id uuid.UUID, lastError string, deadAt time.Time) error {
	query := `UPDATE queue_item
	          SET attempts = attempts + 1, last_error = ?, dead_at = ?
	          WHERE id = ?`

	err := repo.execQueueItem(id, query, lastError, toMillis(deadAt), id)
	if err != nil {
		return fmt.Errorf("dead-lettering %s: %w", id, err)
	}

	return nil
}

// RequeueItem moves a dead-lettered item of the domain back to pending. It keeps its original
// position.
func (repo *Repository) RequeueItem(domainName string, id uuid.UUID) error {
	query := `UPDATE queue_item
	          SET attempts = 0, last_error = '', next_attempt_at = 0, dead_at = NULL
	          WHERE id = ? AND domain = ? AND dead_at IS NOT NULL`

	err := repo.execQueueItem(id, query, id, domainName)
	if err != nil {
		return fmt.Errorf("requeuing %s: %w", id, err)
	}

	return nil
}

// ClearDomain removes every item of the domain, pending and dead.
func (repo *Repository) ClearDomain(domainName string) (int, error) {
	result, err := repo.dbConn.Exec(`DELETE FROM queue_item WHERE domain = ?`, domainName)
	if err != nil {
		return 0, fmt.Errorf("clearing queue %s: %w", domainName, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows for %s: %w", domainName, err)
	}

	return int(rowsAffected), nil
}
