// Package rooms provides the development server's in-memory realtime rooms.
package rooms

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/memohai/tenantdesk/internal/realtime"
)

// DefaultBufferSize is the default per-subscriber channel buffer.
const DefaultBufferSize = 64

// Message is one frame delivered to a room member. Kind is set for activity events so members
// with an activity filter can skip them.
type Message struct {
	Room  string
	Kind  string
	Frame realtime.Frame
}

// Publisher publishes frames to rooms.
type Publisher interface {
	Publish(msg Message) int
	Broadcast(msg Message) int
}

// Hub is an in-process pub/sub dispatcher keyed by room.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: map[string]map[string]chan Message{}}
}

// Publish delivers msg to every member of msg.Room and returns how many received it.
// Slow members are skipped without blocking.
func (h *Hub) Publish(msg Message) int {
	if h == nil {
		return 0
	}
	room := strings.TrimSpace(msg.Room)
	if room == "" {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return deliver(h.streams[room], msg)
}

// Broadcast delivers msg to every member of every room.
func (h *Hub) Broadcast(msg Message) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for room, streams := range h.streams {
		m := msg
		m.Room = room
		n += deliver(streams, m)
	}
	return n
}

func deliver(streams map[string]chan Message, msg Message) int {
	n := 0
	for _, ch := range streams {
		select {
		case ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Subscribe joins room. It returns a member ID, the receive channel and a leave function that
// closes the channel.
func (h *Hub) Subscribe(room string, buffer int) (string, <-chan Message, func()) {
	room = strings.TrimSpace(room)
	if h == nil || room == "" {
		ch := make(chan Message)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	memberID := uuid.NewString()
	ch := make(chan Message, buffer)

	h.mu.Lock()
	streams, ok := h.streams[room]
	if !ok {
		streams = map[string]chan Message{}
		h.streams[room] = streams
	}
	streams[memberID] = ch
	h.mu.Unlock()

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			streams := h.streams[room]
			if streams == nil {
				return
			}
			if current, ok := streams[memberID]; ok {
				delete(streams, memberID)
				close(current)
			}
			if len(streams) == 0 {
				delete(h.streams, room)
			}
		})
	}
	return memberID, ch, leave
}

// Members returns the number of members in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[room])
}

// Rooms lists rooms with at least one member.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.streams))
	for room := range h.streams {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
