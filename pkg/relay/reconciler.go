package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/store"
)

// Source identifies which delivery channel produced an arrival event.
// Sources never affect merge behavior; the merge key is solely the
// message id. They exist for logging and tests.
type Source string

const (
	SourceChangeFeed Source = "changefeed"
	SourceBroadcast  Source = "broadcast"
	SourcePoll       Source = "poll"
	SourceSelf       Source = "self"
)

// openLimit bounds the initial bulk load to the most recent messages.
const openLimit = 100

// Reconciler merges arrival events from every delivery channel into one
// ordered, duplicate-free timeline, and owns the watermark that bounds
// the polling fallback. OnArrival is idempotent and commutative, so the
// channels need no ordering agreement between them: any interleaving of
// the same event set converges on the same timeline.
type Reconciler struct {
	store          store.Store
	conversationID string
	authorID       string

	// publish pushes a freshly sent message to peers; nil when no peer
	// broadcast channel subscribed.
	publish func(ctx context.Context, msg model.Message) error

	// onChange fires after every timeline mutation, outside the lock.
	onChange func()

	mu        sync.Mutex
	timeline  *Timeline
	watermark time.Time
	closed    bool
}

func NewReconciler(st store.Store, conversationID, authorID string) *Reconciler {
	return &Reconciler{
		store:          st,
		conversationID: conversationID,
		authorID:       authorID,
		timeline:       NewTimeline(),
	}
}

// SetPublish installs the peer-broadcast publisher used by Send.
func (r *Reconciler) SetPublish(publish func(ctx context.Context, msg model.Message) error) {
	r.publish = publish
}

// SetOnChange installs the timeline-change hook. Must be set before any
// channel starts delivering.
func (r *Reconciler) SetOnChange(onChange func()) {
	r.onChange = onChange
}

// Open performs the initial bulk load: up to openLimit most recent
// messages, ascending. The watermark starts at the newest loaded
// created_at, or at the current time for an empty conversation so the
// poll fallback never replays the full history.
func (r *Reconciler) Open(ctx context.Context) error {
	messages, err := r.store.RecentMessages(ctx, r.conversationID, openLimit)
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		if r.timeline.Insert(m) && m.CreatedAt.After(r.watermark) {
			r.watermark = m.CreatedAt
		}
	}
	if r.watermark.IsZero() {
		r.watermark = time.Now()
	}
	return nil
}

// OnArrival merges one message into the timeline. Safe to call from any
// goroutine; a duplicate id is a no-op regardless of source, as is any
// arrival after Close. Returns whether the timeline changed.
func (r *Reconciler) OnArrival(msg model.Message, source Source) bool {
	if !msg.Valid() || msg.ConversationID != r.conversationID {
		log.Printf("Dropping malformed %s arrival (id=%d)", source, msg.ID)
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	inserted := r.timeline.Insert(msg)
	if inserted && msg.CreatedAt.After(r.watermark) {
		r.watermark = msg.CreatedAt
	}
	r.mu.Unlock()

	if inserted && r.onChange != nil {
		r.onChange()
	}
	return inserted
}

// PollOnce queries the store for messages newer than the watermark and
// feeds them through OnArrival. Callers run it on a fixed cadence and
// must treat errors as log-and-continue: a transient query failure must
// never end the fallback channel's protection.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	since := r.watermark
	r.mu.Unlock()

	messages, err := r.store.MessagesSince(ctx, r.conversationID, since)
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	for _, m := range messages {
		r.OnArrival(m, SourcePoll)
	}
	return nil
}

// Send inserts the message through the store, applies the returned row
// optimistically as a self-sourced arrival, then publishes it to peers so
// they see it without waiting on the change-feed infrastructure. Insert
// failures are surfaced, not retried.
func (r *Reconciler) Send(ctx context.Context, body string, replyTo int64) (model.Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	r.mu.Unlock()

	msg, err := r.store.InsertMessage(ctx, model.Message{
		ConversationID: r.conversationID,
		AuthorID:       r.authorID,
		Body:           body,
		ReplyTo:        replyTo,
	})
	if err != nil {
		return model.Message{}, errors.WithMessage(ErrStoreWrite, err.Error())
	}

	r.OnArrival(msg, SourceSelf)

	if r.publish != nil {
		if err := r.publish(ctx, msg); err != nil {
			// Peers still get the row via change feed or poll.
			log.Printf("Failed to broadcast message %d: %v", msg.ID, err)
		}
	}
	return msg, nil
}

// Close stops the reconciler: later arrivals, polls, and sends become
// no-ops, including responses already in flight when Close was called.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Messages returns the current timeline, ascending by (created_at, id).
func (r *Reconciler) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline.Messages()
}

// Watermark returns the latest observed created_at.
func (r *Reconciler) Watermark() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// Snapshot returns the current message-id set and distinct authors, for
// the refresh-on-change pass over reactions, pins, and profiles.
func (r *Reconciler) Snapshot() (ids []int64, authors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline.IDs(), r.timeline.Authors()
}
