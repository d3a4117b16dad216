// Package core provides fundamental utilities for the Mirsat agent.
// This file contains option functions for customizing log entries.
package core

import (
	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/domain"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRequestID is an option to associate a log entry with an intercepted request ID.
func LogWithRequestID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.RequestID = &id
		return nil
	}
}

// LogWithQueueItemID is an option to associate a log entry with a queued mutation.
func LogWithQueueItemID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.QueueItemID = &id
		return nil
	}
}
