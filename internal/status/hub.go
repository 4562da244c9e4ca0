package status

import (
	"slices"
	"sync"
)

// Listener receives status events. It is called synchronously on the
// publishing goroutine and must not call [Hub.Publish].
type Listener func(Event)

// ListenerID identifies a registration for [Hub.Unregister].
type ListenerID uint64

// Publisher is the sending side of a [Hub].
type Publisher interface {
	Publish(Event)
}

// Hub dispatches every published event to every registered listener, in
// registration order. Publishes are serialised so each listener observes
// events in the order they were generated.
//
// The zero value is ready to use.
type Hub struct {
	pubMu sync.Mutex

	mu        sync.RWMutex
	next      ListenerID
	listeners map[ListenerID]Listener
}

var _ Publisher = (*Hub)(nil)

// Register adds l and returns its id.
func (h *Hub) Register(l Listener) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[ListenerID]Listener)
	}
	h.next++
	h.listeners[h.next] = l
	return h.next
}

// Unregister removes the listener registered under id. It reports whether
// the id was known.
func (h *Hub) Unregister(id ListenerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return false
	}
	delete(h.listeners, id)
	return true
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Publish delivers ev to every listener registered at the time of the call.
// Listeners may register or unregister from within the callback; the change
// applies from the next event.
func (h *Hub) Publish(ev Event) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.RLock()
	ids := make([]ListenerID, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	snap := make([]Listener, len(ids))
	for i, id := range ids {
		snap[i] = h.listeners[id]
	}
	h.mu.RUnlock()

	for _, l := range snap {
		l(ev)
	}
}

// Subscribe registers a channel-backed listener with the given buffer size.
// Events that do not fit are dropped rather than blocking the publisher.
// cancel unregisters the listener; the channel is never closed because a
// publish may still be in flight.
func (h *Hub) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	ch := make(chan Event, buffer)
	id := h.Register(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	var once sync.Once
	return ch, func() { once.Do(func() { h.Unregister(id) }) }
}
