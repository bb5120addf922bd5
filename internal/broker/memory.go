package broker

import (
	"context"
	"sort"
	"sync"
)

// MemoryBus is an in-process stand-in for a shared broker. Every client
// obtained from the same bus sees messages published by any of them, which
// lets several bridges in one process behave like separate server
// processes.
type MemoryBus struct {
	mu      sync.RWMutex
	clients map[*Memory]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{clients: make(map[*Memory]struct{})}
}

// Client attaches a new client to the bus.
func (b *MemoryBus) Client() *Memory {
	m := &Memory{
		bus:      b,
		handlers: make(map[string]Handler),
	}
	b.mu.Lock()
	b.clients[m] = struct{}{}
	b.mu.Unlock()
	return m
}

func (b *MemoryBus) detach(m *Memory) {
	b.mu.Lock()
	delete(b.clients, m)
	b.mu.Unlock()
}

// deliver hands payload to every attached client subscribed to channel.
// Delivery is synchronous and at-most-once.
func (b *MemoryBus) deliver(channel string, payload []byte) {
	b.mu.RLock()
	clients := make([]*Memory, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if h := c.handler(channel); h != nil {
			h(append([]byte(nil), payload...))
		}
	}
}

// Memory is a Broker client attached to a MemoryBus.
type Memory struct {
	bus *MemoryBus

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewMemory returns a client on a private bus, for single-process
// deployments.
func NewMemory() *Memory {
	return NewMemoryBus().Client()
}

// Subscribe registers h for channel.
func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handlers[channel] = h
	return nil
}

// Unsubscribe drops the handler for channel. Unknown channels are ignored.
func (m *Memory) Unsubscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.handlers, channel)
	return nil
}

// Publish delivers payload to every client on the bus subscribed to channel,
// including this one.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	m.bus.deliver(channel, payload)
	return nil
}

// Subscriptions returns the sorted channels this client is subscribed to.
func (m *Memory) Subscriptions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]string, 0, len(m.handlers))
	for ch := range m.handlers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// Close detaches the client from its bus. Closing twice is harmless.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.handlers = make(map[string]Handler)
	m.mu.Unlock()

	m.bus.detach(m)
	return nil
}

func (m *Memory) handler(channel string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	return m.handlers[channel]
}
