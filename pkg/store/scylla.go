package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chat-relay/pkg/model"
	"github.com/mahaj/chat-relay/pkg/snowflake"
)

// ScyllaStore implements Store on a ScyllaDB keyspace. Message ids are
// snowflakes minted here, which makes them the conversation's creation
// order; created_at is the timestamp embedded in the id so the two can
// never disagree. After a successful message insert the row is published
// on the feed bus so the gateway can push it to subscribed clients.
type ScyllaStore struct {
	session  *gocql.Session
	node     *snowflake.Node
	producer *kafka.Writer
}

// Config for NewScyllaStore. KafkaBrokers may be empty, in which case no
// insert events are published and clients rely on broadcast and polling.
type Config struct {
	Hosts        []string
	Keyspace     string
	KafkaBrokers []string
	FeedTopic    string
	NodeID       int64
}

const DefaultFeedTopic = "message-inserts"

func NewScyllaStore(cfg Config) (*ScyllaStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, "connect to scylla cluster")
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		session.Close()
		return nil, err
	}

	s := &ScyllaStore{session: session, node: node}

	if len(cfg.KafkaBrokers) > 0 {
		topic := cfg.FeedTopic
		if topic == "" {
			topic = DefaultFeedTopic
		}
		s.producer = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}
	}

	log.Println("Connected to ScyllaDB cluster")
	return s, nil
}

func (s *ScyllaStore) Close() error {
	s.session.Close()
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *ScyllaStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	// The table clusters newest-first, so the newest rows come from a
	// plain LIMIT; reverse afterwards for ascending order.
	iter := s.session.Query(
		`SELECT conversation_id, id, author_id, body, reply_to, created_at
		 FROM messages WHERE conversation_id = ? LIMIT ?`,
		conversationID, limit,
	).WithContext(ctx).Iter()

	messages, err := scanMessages(iter)
	if err != nil {
		return nil, errors.Wrap(err, "query recent messages")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *ScyllaStore) MessagesSince(ctx context.Context, conversationID string, since time.Time) ([]model.Message, error) {
	// created_at > since translates to an id range scan because ids embed
	// their creation millisecond.
	iter := s.session.Query(
		`SELECT conversation_id, id, author_id, body, reply_to, created_at
		 FROM messages WHERE conversation_id = ? AND id >= ?
		 ORDER BY id ASC`,
		conversationID, snowflake.FirstIDAfter(since),
	).WithContext(ctx).Iter()

	messages, err := scanMessages(iter)
	if err != nil {
		return nil, errors.Wrap(err, "query messages since watermark")
	}
	return messages, nil
}

func scanMessages(iter *gocql.Iter) ([]model.Message, error) {
	var messages []model.Message
	var m model.Message
	for iter.Scan(&m.ConversationID, &m.ID, &m.AuthorID, &m.Body, &m.ReplyTo, &m.CreatedAt) {
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *ScyllaStore) InsertMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.ID = s.node.Generate()
	msg.CreatedAt = snowflake.Timestamp(msg.ID)

	err := s.session.Query(
		`INSERT INTO messages (conversation_id, id, author_id, body, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.AuthorID, msg.Body, msg.ReplyTo, msg.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return model.Message{}, errors.Wrap(err, "insert message")
	}

	s.publishInsert(ctx, msg)
	return msg, nil
}

// publishInsert emits the stored row on the feed bus. Failures are logged
// and swallowed: the feed is one of three redundant delivery channels and
// the row is already durable.
func (s *ScyllaStore) publishInsert(ctx context.Context, msg model.Message) {
	if s.producer == nil {
		return
	}

	value, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal insert event: %v", err)
		return
	}

	err = s.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ConversationID),
		Value: value,
		Time:  msg.CreatedAt,
	})
	if err != nil {
		log.Printf("Failed to publish insert event for %d: %v", msg.ID, err)
	}
}

func (s *ScyllaStore) Reactions(ctx context.Context, messageIDs []int64) ([]model.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	iter := s.session.Query(
		`SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id IN ?`,
		messageIDs,
	).WithContext(ctx).Iter()

	var reactions []model.Reaction
	var r model.Reaction
	for iter.Scan(&r.MessageID, &r.UserID, &r.Emoji) {
		reactions = append(reactions, r)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "query reactions")
	}
	return reactions, nil
}

func (s *ScyllaStore) InsertReaction(ctx context.Context, r model.Reaction) error {
	err := s.session.Query(
		`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
		r.MessageID, r.UserID, r.Emoji,
	).WithContext(ctx).Exec()
	return errors.Wrap(err, "insert reaction")
}

func (s *ScyllaStore) DeleteReaction(ctx context.Context, r model.Reaction) error {
	err := s.session.Query(
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		r.MessageID, r.UserID, r.Emoji,
	).WithContext(ctx).Exec()
	return errors.Wrap(err, "delete reaction")
}

func (s *ScyllaStore) Pins(ctx context.Context, conversationID string, messageIDs []int64) ([]model.Pin, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	iter := s.session.Query(
		`SELECT conversation_id, message_id, pinned_by FROM message_pins
		 WHERE conversation_id = ? AND message_id IN ?`,
		conversationID, messageIDs,
	).WithContext(ctx).Iter()

	var pins []model.Pin
	var p model.Pin
	for iter.Scan(&p.ConversationID, &p.MessageID, &p.PinnedBy) {
		pins = append(pins, p)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "query pins")
	}
	return pins, nil
}

func (s *ScyllaStore) InsertPin(ctx context.Context, p model.Pin) error {
	err := s.session.Query(
		`INSERT INTO message_pins (conversation_id, message_id, pinned_by) VALUES (?, ?, ?)`,
		p.ConversationID, p.MessageID, p.PinnedBy,
	).WithContext(ctx).Exec()
	return errors.Wrap(err, "insert pin")
}

func (s *ScyllaStore) DeletePin(ctx context.Context, conversationID string, messageID int64) error {
	err := s.session.Query(
		`DELETE FROM message_pins WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID,
	).WithContext(ctx).Exec()
	return errors.Wrap(err, "delete pin")
}

func (s *ScyllaStore) Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	iter := s.session.Query(
		`SELECT id, display_name FROM profiles WHERE id IN ?`,
		userIDs,
	).WithContext(ctx).Iter()

	var profiles []model.Profile
	var p model.Profile
	for iter.Scan(&p.ID, &p.DisplayName) {
		profiles = append(profiles, p)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "query profiles")
	}
	return profiles, nil
}
