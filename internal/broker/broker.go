// Package broker defines the shared publish/subscribe bus that carries chat
// payloads between server processes, with Redis and in-memory clients.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker client that has been closed.
var ErrClosed = errors.New("broker: client closed")

// Handler receives the raw payload of a message published on a subscribed
// channel. Handlers run on the broker client's delivery goroutine and must
// not block.
type Handler func(payload []byte)

// Broker is a channel-addressed publish/subscribe client. A client holds at
// most one handler per channel; subscribing again replaces it.
type Broker interface {
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}
