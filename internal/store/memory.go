package store

import (
	"context"
	"sync"

	"github.com/Tyrowin/carpool-chat/internal/chat"
)

// Memory keeps chat messages in process memory, capped per room.
type Memory struct {
	mu     sync.RWMutex
	limit  int
	byRoom map[string][]chat.Message
}

// DefaultMemoryLimit is the per-room cap used when NewMemory gets a
// non-positive limit.
const DefaultMemoryLimit = 1000

// NewMemory returns an empty in-memory store keeping at most limit messages
// per room.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{
		limit:  limit,
		byRoom: make(map[string][]chat.Message),
	}
}

// CreateChatMessage appends msg to its room, dropping the oldest entry once
// the cap is reached.
func (m *Memory) CreateChatMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append(m.byRoom[msg.Room], msg)
	if len(msgs) > m.limit {
		msgs = msgs[len(msgs)-m.limit:]
	}
	m.byRoom[msg.Room] = msgs
	return nil
}

// Messages returns a copy of room's stored messages, oldest first.
func (m *Memory) Messages(room string) []chat.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]chat.Message(nil), m.byRoom[room]...)
}
