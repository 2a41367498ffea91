package realtime

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

// Subscriber is anything handlers can be attached to.
type Subscriber interface {
	Subscribe(event string, h Handler) *Subscription
}

// Subscription is the disposer returned by Subscribe.
type Subscription struct {
	id       uint64
	event    string
	registry *Registry
	once     sync.Once
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() string { return s.event }

// Dispose removes the handler. Safe to call more than once.
func (s *Subscription) Dispose() {
	if s == nil || s.registry == nil {
		return
	}
	s.once.Do(func() {
		s.registry.remove(s)
	})
}

type entry struct {
	sub *Subscription
	fn  Handler
}

// Registry routes named events to handlers in subscription order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string][]entry{}}
}

// Subscribe adds h for event.
func (r *Registry) Subscribe(event string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, event: event, registry: r}
	r.handlers[event] = append(r.handlers[event], entry{sub: sub, fn: h})
	return sub
}

// Unsubscribe removes the given subscriptions of event, or every handler of event when none
// are given.
func (r *Registry) Unsubscribe(event string, subs ...*Subscription) {
	if len(subs) == 0 {
		r.mu.Lock()
		delete(r.handlers, event)
		r.mu.Unlock()
		return
	}
	for _, sub := range subs {
		if sub != nil && sub.event == event {
			sub.Dispose()
		}
	}
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[sub.event]
	for i, e := range list {
		if e.sub.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.handlers, sub.event)
		return
	}
	r.handlers[sub.event] = list
}

// Count returns the number of handlers for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch calls every handler of event with data. Handlers added or removed during dispatch
// take effect from the next event.
func (r *Registry) Dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	list := make([]entry, len(r.handlers[event]))
	copy(list, r.handlers[event])
	r.mu.RUnlock()
	for _, e := range list {
		e.fn(data)
	}
}

// Listen subscribes fn to event, decoding each payload into T. Malformed payloads are dropped.
func Listen[T any](s Subscriber, event string, fn func(T)) *Subscription {
	return s.Subscribe(event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				return
			}
		}
		fn(v)
	})
}

// OnSystemMessage subscribes to advisory broadcasts.
func OnSystemMessage(s Subscriber, fn func(SystemMessage)) *Subscription {
	return Listen(s, EventSystemMessage, fn)
}

// OnRoomJoined subscribes to join acknowledgements.
func OnRoomJoined(s Subscriber, fn func(RoomAck)) *Subscription {
	return Listen(s, EventJoinedRoom, fn)
}

// OnRoomLeft subscribes to leave acknowledgements.
func OnRoomLeft(s Subscriber, fn func(RoomAck)) *Subscription {
	return Listen(s, EventLeftRoom, fn)
}

// OnFilterChanged subscribes to filter acknowledgements.
func OnFilterChanged(s Subscriber, fn func(FilterRequest)) *Subscription {
	return Listen(s, EventActivityFilterChanged, fn)
}
