package store

import (
	"context"
	"time"

	"github.com/mahaj/chat-relay/pkg/model"
)

// Store is the durable backend the relay core calls into. The core makes
// no transactionality assumptions: every mutation is a single insert or
// delete, atomic at the storage layer.
type Store interface {
	// RecentMessages returns up to limit of the newest messages in the
	// conversation, ordered ascending by creation.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	// MessagesSince returns all messages created strictly after since,
	// ordered ascending by creation.
	MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]model.Message, error)

	// InsertMessage persists msg, assigning its ID and CreatedAt, and
	// returns the stored row.
	InsertMessage(ctx context.Context, msg model.Message) (model.Message, error)

	Reactions(ctx context.Context, messageIDs []int64) ([]model.Reaction, error)
	InsertReaction(ctx context.Context, r model.Reaction) error
	DeleteReaction(ctx context.Context, r model.Reaction) error

	Pins(ctx context.Context, conversationID string, messageIDs []int64) ([]model.Pin, error)
	InsertPin(ctx context.Context, p model.Pin) error
	DeletePin(ctx context.Context, conversationID string, messageID int64) error

	Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error)
}
