// Package store persists chat messages for the lifecycle handler.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Tyrowin/carpool-chat/internal/chat"
)

// chatDocument is the stored shape of a chat line, one document per message
// in the chats collection.
type chatDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	CarpoolID  string             `bson:"carpoolId"`
	Sender     string             `bson:"sender"`
	SenderName string             `bson:"senderName,omitempty"`
	Message    string             `bson:"message"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

// Mongo writes chat messages to a MongoDB collection.
type Mongo struct {
	coll *mongo.Collection
}

// Connect opens a client for uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// NewMongo returns a store writing to coll.
func NewMongo(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll}
}

// EnsureIndexes creates the per-room time index used by history readers.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "carpoolId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create chat index: %w", err)
	}
	return nil
}

// CreateChatMessage inserts msg.
func (m *Mongo) CreateChatMessage(ctx context.Context, msg chat.Message) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	doc := chatDocument{
		CarpoolID:  msg.Room,
		Sender:     msg.SenderID,
		SenderName: msg.SenderName,
		Message:    msg.Text,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}
