package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-relay/pkg/model"
)

func TestOpenEmptyConversation(t *testing.T) {
	st := newFakeStore()
	rec := NewReconciler(st, uuid.NewString(), "me")

	before := time.Now()
	require.NoError(t, rec.Open(context.Background()))
	after := time.Now()

	require.Empty(t, rec.Messages())
	// Empty conversation: watermark starts at "now" so polling never
	// replays history that does not exist.
	wm := rec.Watermark()
	require.False(t, wm.Before(before))
	require.False(t, wm.After(after))
}

func TestOpenLoadsHistoryAscending(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	m1 := st.seed(conv, "alice", "one")
	m2 := st.seed(conv, "bob", "two")
	st.seed(uuid.NewString(), "carol", "other conversation")

	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	got := rec.Messages()
	require.Len(t, got, 2)
	require.Equal(t, m1.ID, got[0].ID)
	require.Equal(t, m2.ID, got[1].ID)
	require.Equal(t, m2.CreatedAt, rec.Watermark())
}

func TestOpenQueryFailure(t *testing.T) {
	st := newFakeStore()
	st.setQueryErr(context.DeadlineExceeded)

	rec := NewReconciler(st, uuid.NewString(), "me")
	err := rec.Open(context.Background())
	require.ErrorIs(t, err, ErrStoreQuery)
}

func TestOnArrivalDedupAcrossSources(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	msg := st.seed(conv, "alice", "hello")

	require.True(t, rec.OnArrival(msg, SourceSelf))
	require.False(t, rec.OnArrival(msg, SourceBroadcast))
	require.False(t, rec.OnArrival(msg, SourceChangeFeed))
	require.False(t, rec.OnArrival(msg, SourcePoll))

	require.Len(t, rec.Messages(), 1)
}

func TestOnArrivalDropsMalformed(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	// Missing id.
	require.False(t, rec.OnArrival(model.Message{
		ConversationID: conv, AuthorID: "a", CreatedAt: time.Now(),
	}, SourceChangeFeed))

	// Missing created_at.
	require.False(t, rec.OnArrival(model.Message{
		ID: 1, ConversationID: conv, AuthorID: "a",
	}, SourceChangeFeed))

	// Foreign conversation.
	require.False(t, rec.OnArrival(model.Message{
		ID: 2, ConversationID: uuid.NewString(), AuthorID: "a", CreatedAt: time.Now(),
	}, SourceChangeFeed))

	require.Empty(t, rec.Messages())
}

func TestOnArrivalAdvancesWatermark(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	msg := st.seed(conv, "alice", "hello")
	wm := rec.Watermark()
	rec.OnArrival(msg, SourceChangeFeed)

	if msg.CreatedAt.After(wm) {
		require.Equal(t, msg.CreatedAt, rec.Watermark())
	} else {
		// Late-arriving old message must never move the watermark back.
		require.Equal(t, wm, rec.Watermark())
	}
}

func TestPollOnceQueriesFromWatermark(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	m := st.seed(conv, "alice", "hello")

	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	require.NoError(t, rec.PollOnce(context.Background()))

	calls := st.sinceCalls()
	require.Len(t, calls, 1)
	// The poll window opens exactly at the watermark: nothing at or
	// before it is refetched.
	require.Equal(t, m.CreatedAt, calls[0])
	require.Len(t, rec.Messages(), 1)
}

func TestPollOncePicksUpNewMessages(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	// Snowflake ids advance by the millisecond; make sure the new row
	// lands after the open watermark.
	time.Sleep(2 * time.Millisecond)
	m := st.seed(conv, "bob", "late")

	require.NoError(t, rec.PollOnce(context.Background()))
	got := rec.Messages()
	require.Len(t, got, 1)
	require.Equal(t, m.ID, got[0].ID)
}

func TestPollOnceSurfacesQueryError(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	st.setQueryErr(context.DeadlineExceeded)
	require.ErrorIs(t, rec.PollOnce(context.Background()), ErrStoreQuery)

	// A failed poll leaves the reconciler usable.
	st.setQueryErr(nil)
	require.NoError(t, rec.PollOnce(context.Background()))
}

func TestSendOptimisticWithEcho(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")

	var published []model.Message
	rec.SetPublish(func(ctx context.Context, msg model.Message) error {
		published = append(published, msg)
		return nil
	})
	require.NoError(t, rec.Open(context.Background()))

	msg, err := rec.Send(context.Background(), "hi", 0)
	require.NoError(t, err)
	require.Equal(t, "me", msg.AuthorID)
	require.Len(t, rec.Messages(), 1)

	// The send went out on the peer broadcast.
	require.Len(t, published, 1)
	require.Equal(t, msg.ID, published[0].ID)

	// Change feed and poll deliver the same row back; still one entry.
	rec.OnArrival(msg, SourceChangeFeed)
	require.NoError(t, rec.PollOnce(context.Background()))
	require.Len(t, rec.Messages(), 1)
}

func TestSendInsertFailureSurfaced(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	st.mu.Lock()
	st.writeErr = context.DeadlineExceeded
	st.mu.Unlock()

	_, err := rec.Send(context.Background(), "hi", 0)
	require.ErrorIs(t, err, ErrStoreWrite)
	require.Empty(t, rec.Messages())
}

func TestCloseFreezesState(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	msg := st.seed(conv, "alice", "in flight")
	rec.Close()

	// An in-flight response applied after close must not mutate state.
	require.False(t, rec.OnArrival(msg, SourcePoll))
	require.Empty(t, rec.Messages())

	require.ErrorIs(t, rec.PollOnce(context.Background()), ErrClosed)

	_, err := rec.Send(context.Background(), "hi", 0)
	require.ErrorIs(t, err, ErrClosed)
}

// Concurrent interleaved arrivals from every channel converge on the
// same deduplicated timeline.
func TestOnArrivalConcurrent(t *testing.T) {
	conv := uuid.NewString()
	st := newFakeStore()
	rec := NewReconciler(st, conv, "me")
	require.NoError(t, rec.Open(context.Background()))

	msgs := make([]model.Message, 20)
	for i := range msgs {
		msgs[i] = st.seed(conv, "alice", "n")
	}

	sources := []Source{SourceChangeFeed, SourceBroadcast, SourcePoll, SourceSelf}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			for _, m := range msgs {
				rec.OnArrival(m, src)
			}
		}(src)
	}
	wg.Wait()

	got := rec.Messages()
	require.Len(t, got, len(msgs))
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].Before(got[i]))
	}
}
