package domain

import (
	"encoding/json"
	"maps"
)

// NotificationAction is one button shown on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData carries the routing information of a notification. It encodes as one JSON
// object: Fields holds every key of that object, and Type and URL mirror its "type" and "url".
type NotificationData struct {
	Type   string
	URL    string
	Fields map[string]any
}

func (d NotificationData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+2)
	maps.Copy(out, d.Fields)
	if d.Type != "" {
		out["type"] = d.Type
	}
	if d.URL != "" {
		out["url"] = d.URL
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps every key of the object. A "type" or "url" that is not a string is left in
// Fields only.
func (d *NotificationData) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	decoded := NotificationData{Fields: fields}
	if s, ok := fields["type"].(string); ok {
		decoded.Type = s
	}
	if s, ok := fields["url"].(string); ok {
		decoded.URL = s
	}
	*d = decoded
	return nil
}

// NotificationIntent is the display request derived from a push payload.
// It is never persisted and only lives while the notification is displayed.
type NotificationIntent struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Tag                string               `json:"tag"`
	Data               NotificationData     `json:"data"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Silent             bool                 `json:"silent"`
}
