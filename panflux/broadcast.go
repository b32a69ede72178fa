package panflux

import "sync"

// Broadcast is one endpoint on a named cross-context channel. An endpoint
// never receives its own publications.
type Broadcast interface {
	Publish(msg []byte) error
	Subscribe(handler func(msg []byte)) (unsubscribe func())
}

// MemoryHub connects Broadcast endpoints living in the same process.
// Each endpoint plays the role of one tab.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[*hubEndpoint]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[*hubEndpoint]struct{})}
}

// Endpoint attaches a new endpoint to the hub.
func (h *MemoryHub) Endpoint() Broadcast {
	e := &hubEndpoint{hub: h, handlers: make(map[int]func([]byte))}

	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()

	return e
}

func (h *MemoryHub) deliver(from *hubEndpoint, msg []byte) {
	h.mu.RLock()

	targets := make([]*hubEndpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()

	for _, e := range targets {
		e.dispatch(msg)
	}
}

type hubEndpoint struct {
	hub *MemoryHub

	mu       sync.Mutex
	nextID   int
	handlers map[int]func([]byte)
}

func (e *hubEndpoint) Publish(msg []byte) error {
	cp := append([]byte(nil), msg...)
	e.hub.deliver(e, cp)

	return nil
}

func (e *hubEndpoint) Subscribe(handler func([]byte)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *hubEndpoint) dispatch(msg []byte) {
	e.mu.Lock()

	handlers := make([]func([]byte), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}
