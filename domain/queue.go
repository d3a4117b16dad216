package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Known queue domains. Any other domain name is accepted by the store.
const (
	QueueAppointments = "appointments"
	QueueMessages     = "messages"
	QueuePayments     = "payments"
)

// QueueItem is one deferred mutation waiting to be replayed against the remote API.
// The payload is never modified; only the retry bookkeeping changes between attempts.
type QueueItem struct {
	ID            uuid.UUID       // Time ordered (v7) identifier.
	Domain        string          // Queue domain, e.g. "appointments".
	Payload       json.RawMessage // Opaque JSON body for the remote API.
	EnqueuedAt    time.Time       // When the mutation was deferred.
	Attempts      int             // Failed replay attempts so far.
	LastError     string          // Error of the last failed attempt.
	NextAttemptAt time.Time       // Earliest time of the next attempt, zero for immediately.
	DeadAt        *time.Time      // Set once the item is dead-lettered.
}

// QueueRepository is the interface for the durable queue store.
type QueueRepository interface {
	// EnqueueItem appends the item to its domain.
	EnqueueItem(item *QueueItem) error

	// GetPendingItems returns the items of a domain that are not dead-lettered, in enqueue order.
	GetPendingItems(domain string) ([]*QueueItem, error)

	// GetDeadItems returns the dead-lettered items of a domain, in enqueue order.
	GetDeadItems(domain string) ([]*QueueItem, error)

	// GetDomains returns the domains that have pending items.
	GetDomains() ([]string, error)

	// DeleteItem removes an acknowledged item. It returns ErrQueueItemNotFound if it does not exist.
	DeleteItem(id uuid.UUID) error

	// RecordFailure increments the attempt counter and stores the error and next attempt time.
	RecordFailure(id uuid.UUID, lastError string, nextAttemptAt time.Time) error

	// MarkDead dead-letters the item.
	MarkDead(id uuid.UUID, lastError string, deadAt time.Time) error

	// RequeueItem moves a dead-lettered item of domain back to pending with a reset attempt counter.
	// It returns ErrQueueItemNotFound if the domain holds no such dead item.
	RequeueItem(domain string, id uuid.UUID) error

	// ClearDomain removes every item of a domain and returns how many were removed.
	ClearDomain(domain string) (int, error)
}
