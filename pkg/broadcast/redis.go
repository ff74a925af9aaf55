package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/chat-relay/pkg/feed"
	"github.com/mahaj/chat-relay/pkg/model"
)

// RedisBroadcast implements PeerBroadcast on a Redis pub/sub channel
// scoped to one conversation. Redis delivers published messages to every
// subscriber including the publisher's own subscription, giving the
// self-delivery the reconciler expects. A presence set tracks which users
// currently hold a subscription.
type RedisBroadcast struct {
	rdb            *redis.Client
	conversationID string
	userID         string
}

func NewRedisBroadcast(addr, conversationID, userID string) *RedisBroadcast {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisBroadcast{rdb: rdb, conversationID: conversationID, userID: userID}
}

func (b *RedisBroadcast) channel() string {
	return "broadcast:messages:" + b.conversationID
}

func (b *RedisBroadcast) presenceKey() string {
	return "conversation:" + b.conversationID + ":users"
}

func (b *RedisBroadcast) Publish(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal broadcast message")
	}
	if err := b.rdb.Publish(ctx, b.channel(), payload).Err(); err != nil {
		return errors.Wrap(err, "publish broadcast message")
	}
	return nil
}

func (b *RedisBroadcast) Subscribe(ctx context.Context, onMessage func(model.Message)) (feed.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel())

	// Force the subscription onto the wire before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrap(err, "subscribe broadcast channel")
	}

	if err := b.rdb.SAdd(ctx, b.presenceKey(), b.userID).Err(); err != nil {
		log.Printf("Failed to set presence for %s: %v", b.userID, err)
	}

	sub := &redisSub{broadcast: b, ps: ps, done: make(chan struct{})}
	go sub.pump(onMessage)
	return sub, nil
}

// Members returns the user ids currently present on the conversation's
// broadcast channel.
func (b *RedisBroadcast) Members(ctx context.Context) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, b.presenceKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "query presence members")
	}
	return members, nil
}

func (b *RedisBroadcast) Close() error {
	return b.rdb.Close()
}

type redisSub struct {
	broadcast *RedisBroadcast
	ps        *redis.PubSub
	done      chan struct{}
}

func (s *redisSub) pump(onMessage func(model.Message)) {
	defer close(s.done)

	for m := range s.ps.Channel() {
		var msg model.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.Printf("Dropping undecodable broadcast payload: %v", err)
			continue
		}
		if !msg.Valid() || msg.ConversationID != s.broadcast.conversationID {
			log.Printf("Dropping malformed broadcast payload for message %d", msg.ID)
			continue
		}
		onMessage(msg)
	}
}

func (s *redisSub) Unsubscribe() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.broadcast.rdb.SRem(ctx, s.broadcast.presenceKey(), s.broadcast.userID).Err(); err != nil {
		log.Printf("Failed to clear presence for %s: %v", s.broadcast.userID, err)
	}

	err := s.ps.Close()
	<-s.done
	return err
}
