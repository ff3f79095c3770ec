package events

import "sync"

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine; long work belongs in the subscriber executor.
type Handler func(name string, payload Payload)

// Bus is a minimal in-process pub/sub fanout. Subscribing with name "*"
// receives every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: map[string][]Handler{}}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *Bus) Publish(name string, payload Payload) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[name])+len(b.handlers["*"]))
	hs = append(hs, b.handlers[name]...)
	hs = append(hs, b.handlers["*"]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(name, payload)
	}
}
