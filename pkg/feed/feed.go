package feed

import (
	"context"

	"github.com/mahaj/chat-relay/pkg/model"
)

// ChangeFeed delivers server-pushed INSERT events for one conversation.
// Delivery is at-least-once: events may be duplicated, delayed, or lost
// entirely, and subscribers must dedupe by message id.
type ChangeFeed interface {
	// Subscribe starts delivering insert events for the conversation to
	// onInsert, which is called from the feed's own goroutine. The
	// subscription ends when Unsubscribe is called or ctx is cancelled.
	Subscribe(ctx context.Context, conversationID string, onInsert func(model.Message)) (Subscription, error)
}

// Subscription is a handle to an active channel subscription.
type Subscription interface {
	Unsubscribe() error
}
