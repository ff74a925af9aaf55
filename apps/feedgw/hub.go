package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chat-relay/pkg/model"
)

// Hub fans insert events out of the feed bus to websocket subscribers,
// filtered by conversation. One hub per gateway instance; every instance
// consumes the full topic so a client may connect to any of them.
type Hub struct {
	clients    map[string]map[*Client]bool // conversation_id -> clients
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	redis      *redis.Client
}

func NewHub(kafkaBrokers []string, topic string, redisAddr string) *Hub {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Unique group id per instance: every gateway sees every event.
	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkaBrokers,
		Topic:       topic,
		GroupID:     "feedgw-" + time.Now().Format("20060102150405.000000000"),
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})

	h := &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		redis:      rdb,
	}

	go h.consume(consumer)

	return h
}

// consume pumps insert events from Kafka to the subscribed clients.
func (h *Hub) consume(consumer *kafka.Reader) {
	defer consumer.Close()
	for {
		m, err := consumer.ReadMessage(context.Background())
		if err != nil {
			log.Printf("Gateway consumer error: %v", err)
			break
		}

		var msg model.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Printf("Failed to unmarshal insert event: %v", err)
			continue
		}
		if !msg.Valid() {
			log.Printf("Dropping malformed insert event (id=%d)", msg.ID)
			continue
		}

		h.mu.RLock()
		if clients, ok := h.clients[msg.ConversationID]; ok {
			for client := range clients {
				select {
				case client.send <- m.Value:
				default:
					close(client.send)
					delete(clients, client)
				}
			}
		}
		h.mu.RUnlock()
	}
}

func (h *Hub) Run() {
	defer h.redis.Close()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ConversationID] == nil {
				h.clients[client.ConversationID] = make(map[*Client]bool)
			}
			h.clients[client.ConversationID][client] = true
			h.mu.Unlock()

			// Track presence in a Redis set per conversation.
			err := h.redis.SAdd(context.Background(), "conversation:"+client.ConversationID+":users", client.ID).Err()
			if err != nil {
				log.Printf("Failed to set presence for %s: %v", client.ID, err)
			}
			log.Printf("Client registered: %s in conversation %s", client.ID, client.ConversationID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ConversationID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.ConversationID)
					}

					err := h.redis.SRem(context.Background(), "conversation:"+client.ConversationID+":users", client.ID).Err()
					if err != nil {
						log.Printf("Failed to delete presence for %s: %v", client.ID, err)
					}
					log.Printf("Client unregistered: %s from conversation %s", client.ID, client.ConversationID)
				}
			}
			h.mu.Unlock()
		}
	}
}
