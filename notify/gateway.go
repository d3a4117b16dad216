// Package notify turns push payloads into notifications and routes notification clicks to a page.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tfkr-ae/mirsat/domain"
)

// Defaults applied to every field a push payload leaves out.
const (
	DefaultTitle = "New notification"
	DefaultBody  = "You have a new update"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	DefaultTag   = "default"

	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// DefaultActions are shown when a payload carries no actions.
var DefaultActions = []domain.NotificationAction{
	{Action: ActionView, Title: "View"},
	{Action: ActionDismiss, Title: "Dismiss"},
}

// DefaultRoutes maps a notification data type to the page route opened on click.
var DefaultRoutes = map[string]string{
	"appointment": "/appointments",
	"message":     "/messages",
	"payment":     "/payments",
	"security":    "/security",
}

// Client is an open page connected to the agent.
type Client struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Clients controls the open pages.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, url string) error
}

// Display shows and closes notifications.
type Display interface {
	ShowNotification(ctx context.Context, intent domain.NotificationIntent) error
	CloseNotification(ctx context.Context, tag string) error
}

// ClickEvent is a click on a shown notification.
type ClickEvent struct {
	Notification domain.NotificationIntent `json:"notification"`
	Action       string                    `json:"action"`
}

// ClickResult reports what a click did.
type ClickResult struct {
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Focused   string `json:"focused,omitempty"`
	Opened    bool   `json:"opened"`
	Dismissed bool   `json:"dismissed"`
}

// Gateway owns push ingestion and notification clicks.
type Gateway struct {
	display Display
	clients Clients
	origin  *url.URL
	routes  map[string]string
	logger  *slog.Logger
}

// NewGateway returns a Gateway resolving click routes against appOrigin.
func NewGateway(display Display, clients Clients, appOrigin string, logger *slog.Logger) (*Gateway, error) {
	origin, err := url.Parse(appOrigin)
	if err != nil {
		return nil, fmt.Errorf("parsing app origin %q : %w", appOrigin, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Gateway{
		display: display,
		clients: clients,
		origin:  origin,
		routes:  DefaultRoutes,
		logger:  logger,
	}, nil
}

// ParsePush decodes a push payload. Anything that is not a JSON object becomes the body of a
// notification with the default title. The fields of an object are decoded one by one: a field of
// the wrong type gets its default and the others are kept. Parsing never fails.
func ParsePush(payload []byte) domain.NotificationIntent {
	trimmed := bytes.TrimSpace(payload)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return withDefaults(domain.NotificationIntent{Body: string(trimmed)})
	}

	intent := domain.NotificationIntent{}
	decodeField(fields, "title", &intent.Title)
	decodeField(fields, "body", &intent.Body)
	decodeField(fields, "icon", &intent.Icon)
	decodeField(fields, "badge", &intent.Badge)
	decodeField(fields, "tag", &intent.Tag)
	decodeField(fields, "data", &intent.Data)
	decodeField(fields, "requireInteraction", &intent.RequireInteraction)
	decodeField(fields, "silent", &intent.Silent)

	var actions []json.RawMessage
	decodeField(fields, "actions", &actions)
	for _, raw := range actions {
		var action domain.NotificationAction
		if err := json.Unmarshal(raw, &action); err != nil || action.Action == "" {
			continue
		}
		intent.Actions = append(intent.Actions, action)
	}

	return withDefaults(intent)
}

// decodeField decodes the named field into dst. A missing or mistyped field leaves dst untouched.
func decodeField[T any](fields map[string]json.RawMessage, name string, dst *T) {
	raw, ok := fields[name]
	if !ok {
		return
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return
	}
	*dst = value
}

func withDefaults(intent domain.NotificationIntent) domain.NotificationIntent {
	if intent.Title == "" {
		intent.Title = DefaultTitle
	}
	if intent.Body == "" {
		intent.Body = DefaultBody
	}
	if intent.Icon == "" {
		intent.Icon = DefaultIcon
	}
	if intent.Badge == "" {
		intent.Badge = DefaultBadge
	}
	if intent.Tag == "" {
		intent.Tag = DefaultTag
	}
	if len(intent.Actions) == 0 {
		intent.Actions = append([]domain.NotificationAction(nil), DefaultActions...)
	}
	return intent
}

// Push parses a payload and shows it.
func (g *Gateway) Push(ctx context.Context, payload []byte) (domain.NotificationIntent, error) {
	intent := ParsePush(payload)
	return intent, g.Show(ctx, intent)
}

// Show hands the notification to the display.
func (g *Gateway) Show(ctx context.Context, intent domain.NotificationIntent) error {
	if err := g.display.ShowNotification(ctx, intent); err != nil {
		return fmt.Errorf("showing notification %q : %w", intent.Tag, err)
	}
	g.logger.Debug("notification shown", "tag", intent.Tag, "type", intent.Data.Type)
	return nil
}

// Route returns the page route a click on intent navigates to.
func (g *Gateway) Route(intent domain.NotificationIntent) string {
	if route, ok := g.routes[intent.Data.Type]; ok {
		return route
	}
	if intent.Data.URL != "" {
		return intent.Data.URL
	}
	return "/"
}

// Target resolves the click route into an absolute page URL on the app origin.
func (g *Gateway) Target(intent domain.NotificationIntent) (string, error) {
	route, err := url.Parse(g.Route(intent))
	if err != nil {
		return "", fmt.Errorf("parsing route %q : %w", g.Route(intent), err)
	}
	return g.origin.ResolveReference(route).String(), nil
}

// Click closes the notification and, unless dismissed, focuses a page already showing the
// target or opens a new one.
func (g *Gateway) Click(ctx context.Context, intent domain.NotificationIntent, action string) (ClickResult, error) {
	result := ClickResult{Action: action}

	if err := g.display.CloseNotification(ctx, intent.Tag); err != nil {
		g.logger.Warn("closing notification", "tag", intent.Tag, "error", err)
	}

	if action == ActionDismiss {
		result.Dismissed = true
		return result, nil
	}

	target, err := g.Target(intent)
	if err != nil {
		return result, err
	}
	result.Target = target

	clients, err := g.clients.MatchAll(ctx)
	if err != nil {
		return result, fmt.Errorf("listing open pages : %w", err)
	}

	for _, client := range clients {
		if sameURL(client.URL, target) {
			if err := g.clients.Focus(ctx, client.ID); err != nil {
				return result, fmt.Errorf("focusing page %s : %w", client.ID, err)
			}
			result.Focused = client.ID
			return result, nil
		}
	}

	if err := g.clients.OpenWindow(ctx, target); err != nil {
		return result, fmt.Errorf("opening %s : %w", target, err)
	}
	result.Opened = true
	return result, nil
}

// sameURL compares two page URLs ignoring a trailing slash and the fragment.
func sameURL(a, b string) bool {
	normalize := func(raw string) string {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimSuffix(raw, "/")
	}
	return normalize(a) == normalize(b)
}
