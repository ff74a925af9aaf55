package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/store"
)

// PinRegistry tracks which messages are pinned in the conversation.
// Any member may pin or unpin; there is no ownership check on unpin.
type PinRegistry struct {
	store          store.Store
	conversationID string

	mu     sync.Mutex
	pinned map[int64]bool
}

func NewPinRegistry(st store.Store, conversationID string) *PinRegistry {
	return &PinRegistry{
		store:          st,
		conversationID: conversationID,
		pinned:         make(map[int64]bool),
	}
}

// Refresh bulk-loads pin state for the given id set, replacing the whole
// map.
func (p *PinRegistry) Refresh(ctx context.Context, messageIDs []int64) error {
	rows, err := p.store.Pins(ctx, p.conversationID, messageIDs)
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	fresh := make(map[int64]bool, len(rows))
	for _, pin := range rows {
		fresh[pin.MessageID] = true
	}

	p.mu.Lock()
	p.pinned = fresh
	p.mu.Unlock()
	return nil
}

// Toggle pins the message if it is unpinned, unpins it otherwise, then
// refetches just that message's pin state.
func (p *PinRegistry) Toggle(ctx context.Context, messageID int64, userID string) error {
	p.mu.Lock()
	pinned := p.pinned[messageID]
	p.mu.Unlock()

	var err error
	if pinned {
		err = p.store.DeletePin(ctx, p.conversationID, messageID)
	} else {
		err = p.store.InsertPin(ctx, model.Pin{
			ConversationID: p.conversationID,
			MessageID:      messageID,
			PinnedBy:       userID,
		})
	}
	if err != nil {
		return errors.WithMessage(ErrStoreWrite, err.Error())
	}

	rows, err := p.store.Pins(ctx, p.conversationID, []int64{messageID})
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	p.mu.Lock()
	p.pinned[messageID] = len(rows) > 0
	p.mu.Unlock()
	return nil
}

// IsPinned reports the cached pin state for one message.
func (p *PinRegistry) IsPinned(messageID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[messageID]
}

// Pinned returns the ids of all currently pinned messages.
func (p *PinRegistry) Pinned() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int64
	for id, pinned := range p.pinned {
		if pinned {
			ids = append(ids, id)
		}
	}
	return ids
}
