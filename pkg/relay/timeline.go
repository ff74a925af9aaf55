package relay

import (
	"sort"

	"github.com/mahaj/chat-relay/pkg/model"
)

// Timeline is the ordered, deduplicated message sequence for one
// conversation: a slice kept sorted by (created_at, id) plus an id index
// for O(1) duplicate checks. Not safe for concurrent use; the reconciler
// serializes access.
type Timeline struct {
	messages []model.Message
	byID     map[int64]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[int64]struct{})}
}

// Insert adds msg in sorted position. Inserting an id already present is
// a no-op; the return value reports whether the timeline changed.
func (t *Timeline) Insert(msg model.Message) bool {
	if _, ok := t.byID[msg.ID]; ok {
		return false
	}

	i := sort.Search(len(t.messages), func(i int) bool {
		return msg.Before(t.messages[i])
	})
	t.messages = append(t.messages, model.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.byID[msg.ID] = struct{}{}
	return true
}

func (t *Timeline) Contains(id int64) bool {
	_, ok := t.byID[id]
	return ok
}

func (t *Timeline) Len() int {
	return len(t.messages)
}

// Messages returns a copy of the ordered sequence.
func (t *Timeline) Messages() []model.Message {
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// IDs returns the ids of all messages in timeline order.
func (t *Timeline) IDs() []int64 {
	ids := make([]int64, len(t.messages))
	for i, m := range t.messages {
		ids[i] = m.ID
	}
	return ids
}

// Authors returns the distinct author ids present in the timeline.
func (t *Timeline) Authors() []string {
	seen := make(map[string]struct{}, len(t.messages))
	var authors []string
	for _, m := range t.messages {
		if _, ok := seen[m.AuthorID]; ok {
			continue
		}
		seen[m.AuthorID] = struct{}{}
		authors = append(authors, m.AuthorID)
	}
	return authors
}
