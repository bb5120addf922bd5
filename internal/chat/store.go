package chat

import (
	"context"
	"time"
)

// Message is a chat line as handed to durable storage.
type Message struct {
	Room       string
	SenderID   string
	SenderName string
	Text       string
	CreatedAt  time.Time
}

// Store persists chat messages. Writes are awaited but a failure never
// blocks delivery.
type Store interface {
	CreateChatMessage(ctx context.Context, msg Message) error
}
