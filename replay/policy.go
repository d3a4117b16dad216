package replay

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often a queued mutation is replayed.
//
// The zero value retries every failed item on every sync signal, forever, and never
// dead-letters anything. With MaxAttempts set, an item that failed MaxAttempts times or was
// rejected permanently is dead-lettered, and between attempts an item waits an exponentially
// growing delay starting at Backoff and capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxDelay    time.Duration
}

// Bounded reports whether the policy limits attempts.
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0
}

// exhausted reports whether an item with the given failed attempts, including the current one,
// must be dead-lettered.
func (p Policy) exhausted(attempts int) bool {
	return p.Bounded() && attempts >= p.MaxAttempts
}

// Delay returns the wait before attempt number attempts+1, given attempts failures so far.
func (p Policy) Delay(attempts int) time.Duration {
	if p.Backoff <= 0 || attempts <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()

	var delay time.Duration
	for range attempts {
		delay = b.NextBackOff()
	}
	return delay
}
