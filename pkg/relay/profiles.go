package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/store"
)

// ProfileCache maps author ids to display names for the authors visible
// in the timeline.
type ProfileCache struct {
	store store.Store

	mu    sync.Mutex
	names map[string]string
}

func NewProfileCache(st store.Store) *ProfileCache {
	return &ProfileCache{store: st, names: make(map[string]string)}
}

// Refresh loads display names for the given user ids. Known names are
// kept; profiles never change identity, so merging is safe here.
func (c *ProfileCache) Refresh(ctx context.Context, userIDs []string) error {
	c.mu.Lock()
	var missing []string
	for _, id := range userIDs {
		if _, ok := c.names[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	profiles, err := c.store.Profiles(ctx, missing)
	if err != nil {
		return errors.WithMessage(ErrStoreQuery, err.Error())
	}

	c.mu.Lock()
	for _, p := range profiles {
		c.names[p.ID] = p.DisplayName
	}
	c.mu.Unlock()
	return nil
}

// DisplayName returns the cached name for userID, or "User" when the
// profile row has not loaded.
func (c *ProfileCache) DisplayName(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.names[userID]; ok && name != "" {
		return name
	}
	return "User"
}
