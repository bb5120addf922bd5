// Package chat implements the per-connection lifecycle: joining a room,
// taking chat messages in, persisting them and handing them to the broker
// bridge.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/bridge"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
)

// State is the lifecycle position of a Session.
type State int

// Session states.
const (
	StateNoRoom State = iota
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoRoom:
		return "connected_no_room"
	case StateInRoom:
		return "connected_in_room"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the outbound half of a live client connection.
type Transport interface {
	Send(payload []byte) error
	IsOpen() bool
}

// Peer is the identity of the remote user, when one is known.
type Peer struct {
	UserID string
	Name   string
}

// DefaultStoreTimeout bounds a chat message write when no other limit is set.
const DefaultStoreTimeout = 5 * time.Second

// Handler creates sessions sharing one bridge and store.
type Handler struct {
	bridge   *bridge.Bridge
	store    Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time

	storeTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMetrics sets the instruments sessions report to.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// WithStoreTimeout bounds each chat message write. Non-positive values
// disable the bound.
func WithStoreTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.storeTimeout = d
	}
}

// NewHandler returns a Handler publishing through b and persisting to store.
func NewHandler(b *bridge.Bridge, store Store, log *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		bridge:   b,
		store:    store,
		log:      log,
		validate: validator.New(),
		now:      time.Now,

		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.NewUnregistered()
	}
	return h
}

// Open starts a session for a newly accepted connection.
func (h *Handler) Open(t Transport, peer Peer) *Session {
	id := uuid.NewString()
	h.metrics.ConnectionsActive.Inc()

	fields := []zap.Field{zap.String("session", id)}
	if peer.UserID != "" {
		fields = append(fields, zap.String("user", peer.UserID))
	}

	return &Session{
		id:        id,
		peer:      peer,
		transport: t,
		h:         h,
		log:       h.log.With(fields...),
		state:     StateNoRoom,
	}
}

// Session is one connection's state machine:
// connected_no_room → connected_in_room → closed.
//
// HandleMessage and Close must be called from a single goroutine, the
// connection's reader; Send and IsOpen may be called from any goroutine.
type Session struct {
	id        string
	peer      Peer
	transport Transport
	h         *Handler
	log       *zap.Logger

	mu    sync.Mutex
	state State
	room  string
}

// ID returns the session identifier assigned at Open.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room, or "" when not in one.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Send forwards payload to the connection.
func (s *Session) Send(payload []byte) error {
	return s.transport.Send(payload)
}

// IsOpen reports whether the session can still receive payloads.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	return !closed && s.transport.IsOpen()
}

// HandleMessage processes one raw inbound envelope. Envelopes that cannot be
// decoded are discarded and reported through the returned error; the session
// stays usable either way.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	if s.State() == StateClosed {
		return nil
	}

	env, err := decodeEnvelope(s.h.validate, raw)
	if err != nil {
		s.h.metrics.EnvelopesDiscarded.WithLabelValues(discardReason(err)).Inc()
		s.log.Debug("discarding envelope", zap.Error(err))
		return err
	}

	switch env.Type {
	case TypeJoin:
		s.join(ctx, env.CarpoolID)
	case TypeChat:
		s.chat(ctx, env)
	}
	return nil
}

// Close leaves the joined room, if any. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev, room := s.state, s.room
	s.state = StateClosed
	s.room = ""
	s.mu.Unlock()

	s.h.metrics.ConnectionsActive.Dec()

	if prev == StateInRoom {
		if err := s.h.bridge.Leave(ctx, room, s); err != nil {
			s.log.Warn("leave on close failed", zap.String("room", room), zap.Error(err))
		}
	}
	s.log.Debug("session closed")
}

// join records membership of room. A repeated join of the current room is
// ignored; a join of another room moves the session there.
func (s *Session) join(ctx context.Context, room string) {
	s.mu.Lock()
	prev, current := s.state, s.room
	s.mu.Unlock()

	if prev == StateInRoom {
		if current == room {
			return
		}
		if err := s.h.bridge.Leave(ctx, current, s); err != nil {
			s.log.Warn("leave previous room failed", zap.String("room", current), zap.Error(err))
		}
	}

	if err := s.h.bridge.Join(ctx, room, s); err != nil {
		s.log.Warn("joined room without broker subscription", zap.String("room", room), zap.Error(err))
	}

	s.mu.Lock()
	s.state = StateInRoom
	s.room = room
	s.mu.Unlock()

	s.log.Info("joined room", zap.String("room", room))
}

// chat persists the message and publishes it to the envelope's room. The
// session does not need to have joined that room.
func (s *Session) chat(ctx context.Context, env Envelope) {
	msg := Message{
		Room:       env.CarpoolID,
		SenderID:   env.UserID,
		SenderName: env.Name,
		Text:       env.Message,
		CreatedAt:  s.h.now().UTC(),
	}
	if msg.SenderID == "" {
		msg.SenderID = s.peer.UserID
	}
	if msg.SenderName == "" {
		msg.SenderName = s.peer.Name
	}

	s.persist(ctx, msg)

	out := bridge.OutboundMessage{Name: msg.SenderName, Message: msg.Text}
	if err := s.h.bridge.Publish(ctx, msg.Room, out); err != nil {
		s.log.Warn("publish chat message failed", zap.String("room", msg.Room), zap.Error(err))
	}
}

// persist writes msg within the store timeout. A slow or failing store is
// logged and counted; the caller publishes regardless.
func (s *Session) persist(ctx context.Context, msg Message) {
	if s.h.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.h.storeTimeout)
		defer cancel()
	}

	if err := s.h.store.CreateChatMessage(ctx, msg); err != nil {
		s.h.metrics.StoreErrors.Inc()
		s.log.Error("persist chat message failed", zap.String("room", msg.Room), zap.Error(err))
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return metrics.ReasonUnknownType
	case errors.Is(err, ErrInvalid):
		return metrics.ReasonInvalid
	default:
		return metrics.ReasonMalformed
	}
}
