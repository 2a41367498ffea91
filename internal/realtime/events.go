// Package realtime keeps one push connection per client, joined to a single organization room,
// and routes named events from it to subscribed handlers.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events delivered by the server.
const (
	EventNewActivity           = "new-activity"
	EventActivityUpdated       = "activity-updated"
	EventActivityDeleted       = "activity-deleted"
	EventSystemMessage         = "system-message"
	EventJoinedRoom            = "joined-room"
	EventLeftRoom              = "left-room"
	EventActivityFilterChanged = "activity-filter-changed"
)

// Control messages emitted by the client.
const (
	ControlJoin   = "join-organization"
	ControlLeave  = "leave-organization"
	ControlFilter = "filter-activities"
)

// ErrTransport wraps connection-level failures. They are recovered by reconnecting and surface
// only through LastError.
var ErrTransport = errors.New("realtime transport error")

// ErrRejected marks a dial that failed for lack of a usable credential. The channel does not
// reconnect after it.
var ErrRejected = errors.New("realtime handshake rejected")

// Frame is one message on the wire: {"event": name, "data": payload}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes v as the payload of event.
func NewFrame(event string, v any) (Frame, error) {
	if v == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// SystemMessage is an advisory broadcast. It is never folded into the activity view.
type SystemMessage struct {
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

// RoomAck acknowledges a join or leave.
type RoomAck struct {
	RoomKey string `json:"roomKey"`
	Message string `json:"message"`
}

// FilterRequest is the payload of filter-activities and activity-filter-changed.
type FilterRequest struct {
	RoomKey string `json:"roomKey"`
	Kind    string `json:"kind,omitempty"`
}
