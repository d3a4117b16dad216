package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ControlType identifies a control-plane message sent by a page to the agent.
type ControlType string

const (
	ControlSkipWaiting ControlType = "SKIP_WAITING"
	ControlGetVersion  ControlType = "GET_VERSION"
	ControlClearCache  ControlType = "CLEAR_CACHE"
)

// ControlCommand is implemented by every control message variant.
type ControlCommand interface {
	Type() ControlType
}

// SkipWaiting promotes the waiting agent version immediately. It has no reply.
type SkipWaiting struct{}

// GetVersion asks for the active generation version tag. The reply is a VersionReply.
type GetVersion struct{}

// ClearCache deletes every cache generation. The reply is a ClearCacheReply.
type ClearCache struct{}

func (SkipWaiting) Type() ControlType { return ControlSkipWaiting }
func (GetVersion) Type() ControlType  { return ControlGetVersion }
func (ClearCache) Type() ControlType  { return ControlClearCache }

// VersionReply answers GetVersion.
type VersionReply struct {
	Version string `json:"version"`
}

// ClearCacheReply answers ClearCache.
type ClearCacheReply struct {
	Success bool `json:"success"`
}

// ControlMessage is a command together with an optional reply channel.
// A nil Reply means the sender does not wait for an answer.
type ControlMessage struct {
	Command ControlCommand
	Reply   chan<- any
}

// DecodeControlCommand decodes a {"type": "..."} control message into its variant.
// Type names are matched case-insensitively.
func DecodeControlCommand(raw []byte) (ControlCommand, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w : %w", ErrUnknownControlMessage, err)
	}

	switch ControlType(strings.ToUpper(strings.TrimSpace(envelope.Type))) {
	case ControlSkipWaiting:
		return SkipWaiting{}, nil
	case ControlGetVersion:
		return GetVersion{}, nil
	case ControlClearCache:
		return ClearCache{}, nil
	default:
		return nil, fmt.Errorf("%w : %q", ErrUnknownControlMessage, envelope.Type)
	}
}
