package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventKind names an agent event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventMessage           EventKind = "message"
)

var ErrNoHandler = errors.New("no handler for event")

// Event is one occurrence of an EventKind with its kind specific payload.
type Event struct {
	Kind    EventKind
	Payload any
}

// Result is the outcome of a dispatched event.
type Result struct {
	Value any
	Err   error
}

// Handler handles one kind of event.
type Handler func(ctx context.Context, event Event) (any, error)

// Dispatcher routes events to their handler. Every dispatch runs on its own goroutine and hands
// back a channel that delivers exactly one Result.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler
	running  sync.WaitGroup
}

// NewDispatcher returns an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind]Handler)}
}

// Handle registers the handler of kind, replacing any previous one.
func (d *Dispatcher) Handle(kind EventKind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// Dispatch starts handling event and returns the channel its Result arrives on.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) <-chan Result {
	out := make(chan Result, 1)

	d.mu.RLock()
	handler, ok := d.handlers[event.Kind]
	d.mu.RUnlock()

	if !ok {
		out <- Result{Err: fmt.Errorf("%w : %s", ErrNoHandler, event.Kind)}
		close(out)
		return out
	}

	d.running.Add(1)
	go func() {
		defer d.running.Done()
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- Result{Err: fmt.Errorf("handling %s : panic : %v", event.Kind, r)}
			}
		}()

		value, err := handler(ctx, event)
		out <- Result{Value: value, Err: err}
	}()
	return out
}

// Await dispatches event and waits for its result or the end of ctx.
func (d *Dispatcher) Await(ctx context.Context, event Event) (any, error) {
	select {
	case result := <-d.Dispatch(ctx, event):
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until every dispatched event finished.
func (d *Dispatcher) Wait() {
	d.running.Wait()
}
