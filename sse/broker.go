// Package sse streams agent events to the open pages and lets the agent address one page at a time.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/notify"
)

// Event types sent to pages.
const (
	EventNotificationShow  = "notification.show"
	EventNotificationClose = "notification.close"
	EventFocus             = "client.focus"
	EventOpen              = "client.open"
	EventClaim             = "clients.claim"
	EventHello             = "client.hello"
)

var (
	ErrClosed         = errors.New("broker closed")
	ErrClientNotFound = errors.New("client not found")
	ErrNoClients      = errors.New("no open page")
)

// Event is one message for the pages.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	id  string
	url string
	ch  chan []byte
}

type sendReq struct {
	id    string // empty for every client
	event Event
	resp  chan error
}

type subscribeReq struct {
	client *client
	resp   chan struct{}
}

type navigateReq struct {
	id  string
	url string
}

// Broker manages the connected pages.
//
// A single loop goroutine owns the client table. Public methods talk to it through channels.
type Broker struct {
	subscribeCh   chan subscribeReq
	unsubscribeCh chan *client
	sendCh        chan sendReq
	navigateCh    chan navigateReq
	listCh        chan chan []notify.Client

	// Opener opens a page when no page is connected. Without it OpenWindow fails with ErrNoClients.
	Opener func(ctx context.Context, url string) error

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan *client),
		sendCh:        make(chan sendReq, 64),
		navigateCh:    make(chan navigateReq, 16),
		listCh:        make(chan chan []notify.Client),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func encode(event Event) ([]byte, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event : %w", event.Type, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)), nil
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[string]*client)
	var order []string

	deliver := func(c *client, raw []byte) {
		select {
		case c.ch <- raw:
		default:
			// slow page, drop
		}
	}

	for {
		select {
		case <-b.stopCh:
			for _, c := range clients {
				close(c.ch)
			}
			return

		case req := <-b.subscribeCh:
			if old, ok := clients[req.client.id]; ok {
				close(old.ch)
			} else {
				order = append(order, req.client.id)
			}
			clients[req.client.id] = req.client
			close(req.resp)

		case c := <-b.unsubscribeCh:
			if current, ok := clients[c.id]; ok && current == c {
				delete(clients, c.id)
				order = slices.DeleteFunc(order, func(id string) bool { return id == c.id })
				close(c.ch)
			}

		case req := <-b.navigateCh:
			if c, ok := clients[req.id]; ok {
				c.url = req.url
			}

		case req := <-b.sendCh:
			raw, err := encode(req.event)
			if err != nil {
				req.resp <- err
				continue
			}

			if req.id == "" {
				for _, id := range order {
					deliver(clients[id], raw)
				}
				req.resp <- nil
				continue
			}

			c, ok := clients[req.id]
			if !ok {
				req.resp <- fmt.Errorf("%w : %s", ErrClientNotFound, req.id)
				continue
			}
			deliver(c, raw)
			req.resp <- nil

		case resp := <-b.listCh:
			list := make([]notify.Client, 0, len(order))
			for _, id := range order {
				list = append(list, notify.Client{ID: id, URL: clients[id].url})
			}
			resp <- list
		}
	}
}

// Close stops the loop and closes every page stream.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a page. An existing page with the same id is replaced.
func (b *Broker) Subscribe(id, url string) (<-chan []byte, func()) {
	c := &client{id: id, url: url, ch: make(chan []byte, 64)}
	if b.closed.Load() {
		close(c.ch)
		return c.ch, func() {}
	}

	req := subscribeReq{client: c, resp: make(chan struct{})}
	select {
	case b.subscribeCh <- req:
		<-req.resp
	case <-b.stopped:
		close(c.ch)
		return c.ch, func() {}
	}

	return c.ch, func() {
		select {
		case b.unsubscribeCh <- c:
		case <-b.stopped:
		}
	}
}

// Navigated records the URL a page moved to.
func (b *Broker) Navigated(id, url string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.navigateCh <- navigateReq{id: id, url: url}:
	case <-b.stopped:
	}
}

func (b *Broker) send(ctx context.Context, id string, event Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	req := sendReq{id: id, event: event, resp: make(chan error, 1)}
	select {
	case b.sendCh <- req:
	case <-b.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.resp:
		return err
	case <-b.stopped:
		return ErrClosed
	}
}

// Publish sends an event to every page.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	return b.send(ctx, "", event)
}

// MatchAll returns the connected pages in connection order.
func (b *Broker) MatchAll(ctx context.Context) ([]notify.Client, error) {
	if b.closed.Load() {
		return nil, nil
	}

	resp := make(chan []notify.Client, 1)
	select {
	case b.listCh <- resp:
	case <-b.stopped:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case list := <-resp:
		return list, nil
	case <-b.stopped:
		return nil, nil
	}
}

// ClientCount returns the number of connected pages.
func (b *Broker) ClientCount() int {
	list, _ := b.MatchAll(context.Background())
	return len(list)
}

// Focus asks one page to bring itself to the front.
func (b *Broker) Focus(ctx context.Context, id string) error {
	return b.send(ctx, id, Event{Type: EventFocus, Data: map[string]string{"id": id}})
}

// OpenWindow asks the first connected page to open url. With no page connected the Opener is used.
func (b *Broker) OpenWindow(ctx context.Context, url string) error {
	clients, err := b.MatchAll(ctx)
	if err != nil {
		return err
	}

	if len(clients) == 0 {
		if b.Opener == nil {
			return ErrNoClients
		}
		return b.Opener(ctx, url)
	}

	return b.send(ctx, clients[0].ID, Event{Type: EventOpen, Data: map[string]string{"url": url}})
}

// Claim tells every page that version now controls it.
func (b *Broker) Claim(ctx context.Context, version string) error {
	return b.Publish(ctx, Event{Type: EventClaim, Data: domain.VersionReply{Version: version}})
}

// ShowNotification sends a display request to every page.
func (b *Broker) ShowNotification(ctx context.Context, intent domain.NotificationIntent) error {
	return b.Publish(ctx, Event{Type: EventNotificationShow, Data: intent})
}

// CloseNotification withdraws a notification from every page.
func (b *Broker) CloseNotification(ctx context.Context, tag string) error {
	return b.Publish(ctx, Event{Type: EventNotificationClose, Data: map[string]string{"tag": tag}})
}

// ServeHTTP is the page event stream. The page identifies itself with the client and url query
// parameters; a missing client id is generated and announced in the first event.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("client"))
	if id == "" {
		id = uuid.NewString()
	}
	pageURL := r.URL.Query().Get("url")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := encode(Event{Type: EventHello, Data: notify.Client{ID: id, URL: pageURL}})
	_, _ = w.Write(hello)
	flusher.Flush()

	ch, unsubscribe := b.Subscribe(id, pageURL)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
