package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/store"
)

// ReactionView is the per-emoji projection shown on a message bubble.
type ReactionView struct {
	Emoji   string
	Count   int
	Reacted bool
}

// ReactionAggregator keeps per-message reaction rows, keyed weakly by
// message id. Refresh replaces state wholesale; the session always
// refreshes after local mutations, so last writer wins by design of the
// calling convention. Concurrent toggles on the same triple race and the
// last store response wins — the result is a toggle either way, never a
// partial write.
type ReactionAggregator struct {
	store store.Store

	mu        sync.Mutex
	reactions map[int64][]model.Reaction
}

func NewReactionAggregator(st store.Store) *ReactionAggregator {
	return &ReactionAggregator{
		store:     st,
		reactions: make(map[int64][]model.Reaction),
	}
}

// Refresh bulk-loads the reaction rows for the given id set, replacing
// the whole map.
func (a *ReactionAggregator) Refresh(ctx context.Context, messageIDs []int64) error {
	rows, err := a.store.Reactions(ctx, messageIDs)
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	fresh := make(map[int64][]model.Reaction, len(messageIDs))
	for _, r := range rows {
		fresh[r.MessageID] = append(fresh[r.MessageID], r)
	}

	a.mu.Lock()
	a.reactions = fresh
	a.mu.Unlock()
	return nil
}

// refreshOne refetches a single message's rows after a local toggle,
// bounding the query to the message that changed.
func (a *ReactionAggregator) refreshOne(ctx context.Context, messageID int64) error {
	rows, err := a.store.Reactions(ctx, []int64{messageID})
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	a.mu.Lock()
	if len(rows) == 0 {
		delete(a.reactions, messageID)
	} else {
		a.reactions[messageID] = rows
	}
	a.mu.Unlock()
	return nil
}

// Toggle applies or removes userID's emoji on the message: delete if the
// triple exists, insert otherwise, then refetch that message's rows.
func (a *ReactionAggregator) Toggle(ctx context.Context, messageID int64, userID, emoji string) error {
	row := model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}

	a.mu.Lock()
	exists := false
	for _, r := range a.reactions[messageID] {
		if r.UserID == userID && r.Emoji == emoji {
			exists = true
			break
		}
	}
	a.mu.Unlock()

	var err error
	if exists {
		err = a.store.DeleteReaction(ctx, row)
	} else {
		err = a.store.InsertReaction(ctx, row)
	}
	if err != nil {
		return errors.WithMessage(ErrStoreWrite, err.Error())
	}

	return a.refreshOne(ctx, messageID)
}

// View projects the fixed emoji set onto one message: count per emoji and
// whether userID is among the reactors.
func (a *ReactionAggregator) View(messageID int64, userID string, emojiSet []string) []ReactionView {
	a.mu.Lock()
	rows := a.reactions[messageID]
	a.mu.Unlock()

	views := make([]ReactionView, 0, len(emojiSet))
	for _, emoji := range emojiSet {
		view := ReactionView{Emoji: emoji}
		for _, r := range rows {
			if r.Emoji != emoji {
				continue
			}
			view.Count++
			if r.UserID == userID {
				view.Reacted = true
			}
		}
		views = append(views, view)
	}
	return views
}
