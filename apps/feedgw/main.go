package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/mahaj/chat-relay/pkg/auth"
	"github.com/mahaj/chat-relay/pkg/store"
)

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// LoginHandler mints a session token for a user id. Development
// convenience; production deployments front this with a real identity
// provider.
func LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := auth.GenerateToken(req.UserID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{Token: token})
}

func main() {
	kafkaBrokersStr := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokersStr == "" {
		kafkaBrokersStr = "localhost:19092"
	}
	kafkaBrokers := strings.Split(kafkaBrokersStr, ",")

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	feedTopic := os.Getenv("FEED_TOPIC")
	if feedTopic == "" {
		feedTopic = store.DefaultFeedTopic
	}

	hub := NewHub(kafkaBrokers, feedTopic, redisAddr)
	go hub.Run()

	http.HandleFunc("/login", LoginHandler)
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})

	log.Println("Feed Gateway Starting on :8080...")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal(err)
	}
}
