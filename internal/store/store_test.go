package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/Tyrowin/carpool-chat/internal/chat"
)

var (
	_ chat.Store = (*Mongo)(nil)
	_ chat.Store = (*Memory)(nil)
)

func TestMemory_KeepsMessagesPerRoom(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := NewMemory(2)

	for _, text := range []string{"one", "two", "three"} {
		req.NoError(st.CreateChatMessage(ctx, chat.Message{Room: "r1", Text: text}))
	}
	req.NoError(st.CreateChatMessage(ctx, chat.Message{Room: "r2", Text: "other"}))

	got := st.Messages("r1")
	req.Len(got, 2)
	req.Equal("two", got[0].Text)
	req.Equal("three", got[1].Text)
	req.Len(st.Messages("r2"), 1)
	req.Empty(st.Messages("r3"))
}

func TestMemory_DefaultLimitAndCanceledContext(t *testing.T) {
	req := require.New(t)
	st := NewMemory(0)
	req.Equal(DefaultMemoryLimit, st.limit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.ErrorIs(st.CreateChatMessage(ctx, chat.Message{Room: "r1"}), context.Canceled)
}

func TestMongo_CreateChatMessage(t *testing.T) {
	uri := os.Getenv("CARPOOL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CARPOOL_TEST_MONGO_URI not set")
	}
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	req.NoError(err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	db := client.Database("carpool_test_" + uuid.NewString()[:8])
	defer func() { _ = db.Drop(context.Background()) }()

	st := NewMongo(db.Collection("chats"))
	req.NoError(st.EnsureIndexes(ctx))

	created := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	req.NoError(st.CreateChatMessage(ctx, chat.Message{
		Room:       "r1",
		SenderID:   "u1",
		SenderName: "Alice",
		Text:       "hi",
		CreatedAt:  created,
	}))

	var doc chatDocument
	req.NoError(db.Collection("chats").FindOne(ctx, bson.M{"carpoolId": "r1"}).Decode(&doc))
	req.Equal("u1", doc.Sender)
	req.Equal("Alice", doc.SenderName)
	req.Equal("hi", doc.Message)
	req.True(created.Equal(doc.CreatedAt))
}
