package relay

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/chat-relay/pkg/feed"
	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/snowflake"
)

// fakeStore is an in-memory Store with call recording, shared by the
// package tests.
type fakeStore struct {
	mu        sync.Mutex
	messages  []model.Message
	reactions []model.Reaction
	pins      []model.Pin
	profiles  map[string]string
	node      *snowflake.Node

	queryErr   error // forced failure for message queries
	writeErr   error // forced failure for inserts/deletes
	sinceArgs  []time.Time
	pinDeletes int
}

func newFakeStore() *fakeStore {
	node, err := snowflake.NewNode(9)
	if err != nil {
		panic(err)
	}
	return &fakeStore{node: node, profiles: make(map[string]string)}
}

// seed stores a message directly, bypassing the insert path, as if
// another client had written it.
func (f *fakeStore) seed(conversationID, authorID, body string) model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.node.Generate()
	m := model.Message{
		ID:             id,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Body:           body,
		CreatedAt:      snowflake.Timestamp(id),
	}
	f.messages = append(f.messages, m)
	return m
}

func (f *fakeStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceArgs = append(f.sinceArgs, since)
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return model.Message{}, f.writeErr
	}

	msg.ID = f.node.Generate()
	msg.CreatedAt = snowflake.Timestamp(msg.ID)
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) Reactions(ctx context.Context, messageIDs []int64) ([]model.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	want := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []model.Reaction
	for _, r := range f.reactions {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertReaction(ctx context.Context, r model.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, have := range f.reactions {
		if have == r {
			return nil
		}
	}
	f.reactions = append(f.reactions, r)
	return nil
}

func (f *fakeStore) DeleteReaction(ctx context.Context, r model.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, have := range f.reactions {
		if have == r {
			f.reactions = append(f.reactions[:i], f.reactions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) Pins(ctx context.Context, conversationID string, messageIDs []int64) ([]model.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	want := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []model.Pin
	for _, p := range f.pins {
		if p.ConversationID == conversationID && want[p.MessageID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPin(ctx context.Context, p model.Pin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, have := range f.pins {
		if have.ConversationID == p.ConversationID && have.MessageID == p.MessageID {
			return nil
		}
	}
	f.pins = append(f.pins, p)
	return nil
}

func (f *fakeStore) DeletePin(ctx context.Context, conversationID string, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinDeletes++
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, have := range f.pins {
		if have.ConversationID == conversationID && have.MessageID == messageID {
			f.pins = append(f.pins[:i], f.pins[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []model.Profile
	for _, id := range userIDs {
		if name, ok := f.profiles[id]; ok {
			out = append(out, model.Profile{ID: id, DisplayName: name})
		}
	}
	return out, nil
}

func (f *fakeStore) setQueryErr(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

func (f *fakeStore) pinDeleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinDeletes
}

func (f *fakeStore) sinceCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.sinceArgs))
	copy(out, f.sinceArgs)
	return out
}

// fakeFeed is a hand-cranked change feed: tests call deliver to simulate
// a server push.
type fakeFeed struct {
	mu           sync.Mutex
	onInsert     func(model.Message)
	failSub      bool
	unsubscribes int
}

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string, onInsert func(model.Message)) (feed.Subscription, error) {
	if f.failSub {
		return nil, context.DeadlineExceeded
	}
	f.mu.Lock()
	f.onInsert = onInsert
	f.mu.Unlock()
	return fakeSub{feed: f}, nil
}

func (f *fakeFeed) deliver(msg model.Message) {
	f.mu.Lock()
	cb := f.onInsert
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

type fakeSub struct{ feed *fakeFeed }

func (s fakeSub) Unsubscribe() error {
	s.feed.mu.Lock()
	s.feed.onInsert = nil
	s.feed.unsubscribes++
	s.feed.mu.Unlock()
	return nil
}

// fakeBroadcast is a self-delivering peer broadcast: Publish echoes the
// message straight back to the local subscription, the way the real
// channel does.
type fakeBroadcast struct {
	mu        sync.Mutex
	onMessage func(model.Message)
	published []model.Message
	failSub   bool
}

func (b *fakeBroadcast) Publish(ctx context.Context, msg model.Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	cb := b.onMessage
	b.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
	return nil
}

func (b *fakeBroadcast) Subscribe(ctx context.Context, onMessage func(model.Message)) (feed.Subscription, error) {
	if b.failSub {
		return nil, context.DeadlineExceeded
	}
	b.mu.Lock()
	b.onMessage = onMessage
	b.mu.Unlock()
	return broadcastSub{b: b}, nil
}

func (b *fakeBroadcast) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type broadcastSub struct{ b *fakeBroadcast }

func (s broadcastSub) Unsubscribe() error {
	s.b.mu.Lock()
	s.b.onMessage = nil
	s.b.mu.Unlock()
	return nil
}
