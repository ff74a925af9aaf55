package model

import "time"

// Message is one row of a conversation's timeline. IDs are snowflakes
// assigned at insert time, so they are totally ordered by creation within
// a conversation. CreatedAt is derived from the id and is therefore
// monotonic in id order, but messages may still reach a client out of
// wall-clock order because delivery is multi-channel.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Body           string    `json:"body"`
	ReplyTo        int64     `json:"reply_to,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Valid reports whether the message carries the fields every delivery
// channel must provide. Events missing any of these are dropped before
// they reach the timeline.
func (m Message) Valid() bool {
	return m.ID != 0 && m.ConversationID != "" && !m.CreatedAt.IsZero()
}

// Before orders messages by creation time, ties broken by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Reaction is one emoji applied by one user to one message. The
// (message_id, user_id, emoji) triple is unique; applying it again
// toggles the reaction off.
type Reaction struct {
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// Pin marks a message as pinned in its conversation. Presence of the row
// means pinned; at most one row exists per (conversation_id, message_id).
type Pin struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	PinnedBy       string `json:"pinned_by"`
}

// Profile holds the display name shown next to a user's messages.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// DefaultEmojiSet is the fixed reaction palette offered by clients.
var DefaultEmojiSet = []string{"👍", "❤️", "😂", "🙏"}
