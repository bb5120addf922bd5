// Package bridge keeps one shared-broker subscription per room that has
// local members and moves chat payloads between the broker and the local
// connection registry.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/broker"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
	"github.com/Tyrowin/carpool-chat/internal/registry"
)

// DefaultTimeout bounds every broker call made by the bridge.
const DefaultTimeout = 5 * time.Second

// OutboundMessage is the payload broadcast to room members.
type OutboundMessage struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Bridge couples a Registry to a Broker. A room is subscribed on the broker
// exactly while it has members in the registry; Join and Leave hold the
// bridge lock across the membership change and the broker call so a
// concurrent join and last leave of the same room cannot interleave.
type Bridge struct {
	reg     *registry.Registry
	broker  broker.Broker
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the per-call broker timeout. Non-positive values disable it.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithMetrics sets the instruments the bridge reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// New creates a Bridge over reg and br.
func New(reg *registry.Registry, br broker.Broker, log *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		reg:        reg,
		broker:     br,
		log:        log,
		timeout:    DefaultTimeout,
		subscribed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.NewUnregistered()
	}
	return b
}

// Registry returns the registry the bridge delivers into.
func (b *Bridge) Registry() *registry.Registry {
	return b.reg
}

// Join subscribes room on the broker if this process is not yet subscribed
// and then records m as a member. The member is recorded even when the
// subscribe fails; the next Join of the room retries it and Publish falls
// back to local delivery in the meantime.
func (b *Bridge) Join(ctx context.Context, room string, m registry.Member) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.ensureSubscribedLocked(ctx, room)
	b.reg.AddMember(room, m)
	return err
}

// Leave removes m from room and tears down the room's broker subscription
// when m was its last local member.
func (b *Bridge) Leave(ctx context.Context, room string, m registry.Member) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.reg.RemoveMember(room, m) {
		return nil
	}
	return b.ensureUnsubscribedLocked(ctx, room)
}

// EnsureSubscribed subscribes room on the broker unless already subscribed.
func (b *Bridge) EnsureSubscribed(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureSubscribedLocked(ctx, room)
}

// EnsureUnsubscribed drops room's broker subscription. Rooms without a
// subscription are ignored.
func (b *Bridge) EnsureUnsubscribed(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureUnsubscribedLocked(ctx, room)
}

// Publish sends msg to every process subscribed to room, this one included.
// Local members see their own message only through the broker echo. When
// the broker is unreachable, or this process holds members of room without a
// live subscription, the message is delivered to local members directly.
func (b *Bridge) Publish(ctx context.Context, room string, msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	ctx, cancel := b.opContext(ctx)
	defer cancel()

	if err := b.broker.Publish(ctx, room, payload); err != nil {
		b.metrics.BrokerErrors.WithLabelValues(metrics.OpPublish).Inc()
		n := b.deliver(room, payload)
		b.log.Warn("broker publish failed, delivered locally",
			zap.String("room", room), zap.Int("delivered", n), zap.Error(err))
		return fmt.Errorf("publish room %q: %w", room, err)
	}
	b.metrics.MessagesPublished.Inc()

	if !b.IsSubscribed(room) && b.reg.HasRoom(room) {
		b.deliver(room, payload)
	}
	return nil
}

// IsSubscribed reports whether room has a live broker subscription.
func (b *Bridge) IsSubscribed(room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[room]
	return ok
}

// Subscriptions returns the sorted rooms with a live broker subscription.
func (b *Bridge) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rooms := make([]string, 0, len(b.subscribed))
	for room := range b.subscribed {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Shutdown unsubscribes every remaining room. Members are left in the
// registry; they are expected to have been closed first.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for room := range b.subscribed {
		if err := b.ensureUnsubscribedLocked(ctx, room); err != nil {
			b.log.Warn("unsubscribe on shutdown failed", zap.String("room", room), zap.Error(err))
		}
	}
}

func (b *Bridge) ensureSubscribedLocked(ctx context.Context, room string) error {
	if _, ok := b.subscribed[room]; ok {
		return nil
	}

	ctx, cancel := b.opContext(ctx)
	defer cancel()

	if err := b.broker.Subscribe(ctx, room, b.handlerFor(room)); err != nil {
		b.metrics.BrokerErrors.WithLabelValues(metrics.OpSubscribe).Inc()
		b.log.Error("broker subscribe failed", zap.String("room", room), zap.Error(err))
		return fmt.Errorf("subscribe room %q: %w", room, err)
	}

	b.subscribed[room] = struct{}{}
	b.metrics.RoomsActive.Set(float64(len(b.subscribed)))
	b.log.Debug("subscribed room", zap.String("room", room))
	return nil
}

// ensureUnsubscribedLocked forgets the subscription before calling the
// broker: a failed UNSUBSCRIBE leaves at most a handler-less channel, and the
// next join subscribes afresh.
func (b *Bridge) ensureUnsubscribedLocked(ctx context.Context, room string) error {
	if _, ok := b.subscribed[room]; !ok {
		return nil
	}
	delete(b.subscribed, room)
	b.metrics.RoomsActive.Set(float64(len(b.subscribed)))

	ctx, cancel := b.opContext(ctx)
	defer cancel()

	if err := b.broker.Unsubscribe(ctx, room); err != nil {
		b.metrics.BrokerErrors.WithLabelValues(metrics.OpUnsubscribe).Inc()
		b.log.Error("broker unsubscribe failed", zap.String("room", room), zap.Error(err))
		return fmt.Errorf("unsubscribe room %q: %w", room, err)
	}
	b.log.Debug("unsubscribed room", zap.String("room", room))
	return nil
}

func (b *Bridge) handlerFor(room string) broker.Handler {
	return func(payload []byte) {
		b.deliver(room, payload)
	}
}

func (b *Bridge) deliver(room string, payload []byte) int {
	n := b.reg.DeliverLocal(room, payload)
	b.metrics.MessagesDelivered.Add(float64(n))
	return n
}

func (b *Bridge) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}
