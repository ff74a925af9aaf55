package broadcast

import (
	"context"

	"github.com/mahaj/chat-relay/pkg/feed"
	"github.com/mahaj/chat-relay/pkg/model"
)

// PeerBroadcast is the client-to-client channel for one conversation,
// independent of durable storage. Delivery is best-effort and
// self-delivering: a publisher with an active subscription receives its
// own messages back, which is why the reconciler dedupes by id.
type PeerBroadcast interface {
	Publish(ctx context.Context, msg model.Message) error
	Subscribe(ctx context.Context, onMessage func(model.Message)) (feed.Subscription, error)
}
