package domain

import "errors"

var (
	// ErrCacheMiss is returned when a generation holds no entry for the requested key.
	ErrCacheMiss = errors.New("no cached response for key")

	// ErrGenerationNotFound is returned when a cache generation does not exist.
	ErrGenerationNotFound = errors.New("cache generation not found")

	// ErrQueueItemNotFound is returned when a queue item does not exist.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrUnknownControlMessage is returned when a control message carries an unsupported type.
	ErrUnknownControlMessage = errors.New("unknown control message")
)
