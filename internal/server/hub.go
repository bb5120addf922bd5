// Package server coordinates client registration and connection cleanup for
// the chat WebSocket system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub supervises live WebSocket clients. It starts each client's pumps on
// registration, closes its send channel on unregistration, and closes every
// remaining connection on shutdown. Room fan-out is not the hub's job; it
// happens in the bridge.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *zap.Logger
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// registerClient hands c to the run loop. It returns false once the hub is
// shutting down.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// unregisterClient hands c to the run loop, or closes its send channel
// directly when the loop has already stopped.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
		c.closeSend()
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.log.Info("client registered",
				zap.String("remote", client.addr), zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			clientCount := len(h.clients)
			h.mutex.Unlock()

			client.closeSend()
			if ok {
				h.log.Info("client unregistered",
					zap.String("remote", client.addr), zap.Int("clients", clientCount))
			}
		}
	}
}

// shutdownClients closes every registered connection; each read pump then
// runs its normal cleanup.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("error closing client connection",
				zap.String("remote", client.addr), zap.Error(err))
		}
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
