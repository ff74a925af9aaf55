package relay

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-relay/pkg/model"
)

func TestPinThenUnpin(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	reg := NewPinRegistry(st, conv)

	require.NoError(t, reg.Toggle(context.Background(), 42, "alice"))
	require.True(t, reg.IsPinned(42))

	require.NoError(t, reg.Toggle(context.Background(), 42, "bob")) // any member may unpin
	require.False(t, reg.IsPinned(42))

	// Exactly one delete went to the store.
	require.Equal(t, 1, st.pinDeleteCount())
}

func TestPinRefreshWholesale(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	st.pins = []model.Pin{
		{ConversationID: conv, MessageID: 1, PinnedBy: "alice"},
		{ConversationID: uuid.NewString(), MessageID: 2, PinnedBy: "bob"},
	}

	reg := NewPinRegistry(st, conv)
	require.NoError(t, reg.Refresh(context.Background(), []int64{1, 2}))

	require.True(t, reg.IsPinned(1))
	require.False(t, reg.IsPinned(2)) // pinned in another conversation only
	require.Equal(t, []int64{1}, reg.Pinned())
}

func TestPinToggleWriteError(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	st.mu.Lock()
	st.writeErr = context.DeadlineExceeded
	st.mu.Unlock()

	reg := NewPinRegistry(st, conv)
	require.ErrorIs(t, reg.Toggle(context.Background(), 1, "alice"), ErrStoreWrite)
	require.False(t, reg.IsPinned(1))
}
