package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Broker backed by Redis Pub/Sub. All channel subscriptions of
// the process share one PubSub connection; a single receive goroutine
// dispatches incoming messages to the registered handlers.
type Redis struct {
	client *redis.Client
	prefix string
	log    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	pending  map[string][]chan struct{}
	closed   bool

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedis wraps client. Channels are namespaced with prefix, which may be
// empty. The caller keeps ownership of client and closes it after Close.
func NewRedis(client *redis.Client, prefix string, log *zap.Logger) *Redis {
	r := &Redis{
		client:   client,
		prefix:   prefix,
		log:      log,
		handlers: make(map[string]Handler),
		pending:  make(map[string][]chan struct{}),
		pubsub:   client.Subscribe(context.Background()),
		done:     make(chan struct{}),
	}
	go r.receive()
	return r
}

// Subscribe registers h and subscribes the shared connection to channel.
// It returns once Redis has confirmed the subscription, so a message
// published by any process after Subscribe returns reaches h.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) error {
	confirmed := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.handlers[channel] = h
	r.pending[channel] = append(r.pending[channel], confirmed)
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(ctx, r.prefix+channel); err != nil {
		r.abandon(channel, confirmed)
		return fmt.Errorf("redis subscribe %q: %w", channel, err)
	}

	select {
	case <-confirmed:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		r.abandon(channel, confirmed)
		return fmt.Errorf("redis subscribe %q: awaiting confirmation: %w", channel, ctx.Err())
	}
}

// abandon drops a failed subscription's handler and confirmation waiter.
func (r *Redis) abandon(channel string, confirmed chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, channel)
	waiters := r.pending[channel]
	for i, w := range waiters {
		if w == confirmed {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.pending, channel)
	} else {
		r.pending[channel] = waiters
	}
}

// Unsubscribe removes the handler and unsubscribes from channel.
func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	delete(r.handlers, channel)
	r.mu.Unlock()

	if err := r.pubsub.Unsubscribe(ctx, r.prefix+channel); err != nil {
		return fmt.Errorf("redis unsubscribe %q: %w", channel, err)
	}
	return nil
}

// Publish sends payload on channel to every subscribed process.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", channel, err)
	}
	return nil
}

// Close tears down the shared subscription and waits for the receive
// goroutine to exit.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.handlers = make(map[string]Handler)
	r.pending = make(map[string][]chan struct{})
	r.mu.Unlock()

	err := r.pubsub.Close()
	<-r.done
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis pubsub: %w", err)
	}
	return nil
}

func (r *Redis) receive() {
	defer close(r.done)

	for item := range r.pubsub.ChannelWithSubscriptions() {
		switch msg := item.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				r.confirm(strings.TrimPrefix(msg.Channel, r.prefix))
			}
		case *redis.Message:
			r.dispatch(strings.TrimPrefix(msg.Channel, r.prefix), msg.Payload)
		}
	}
}

// confirm releases every Subscribe call waiting on channel.
func (r *Redis) confirm(channel string) {
	r.mu.Lock()
	waiters := r.pending[channel]
	delete(r.pending, channel)
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (r *Redis) dispatch(channel, payload string) {
	r.mu.RLock()
	h := r.handlers[channel]
	r.mu.RUnlock()

	if h == nil {
		r.log.Debug("dropping message for channel without handler", zap.String("channel", channel))
		return
	}
	h([]byte(payload))
}
