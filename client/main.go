package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/mahaj/chat-relay/pkg/broadcast"
	"github.com/mahaj/chat-relay/pkg/feed"
	"github.com/mahaj/chat-relay/pkg/relay"
	"github.com/mahaj/chat-relay/pkg/store"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(gatewayAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post("http://"+gatewayAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

func render(s *relay.Session) {
	fmt.Print("\r")
	timeline := s.Timeline()
	if len(timeline) == 0 {
		fmt.Println("(no messages yet)")
	}
	for i, m := range timeline {
		pin := " "
		if s.IsPinned(m.ID) {
			pin = "📌"
		}
		reactions := ""
		for _, v := range s.ReactionsFor(m.ID) {
			if v.Count > 0 {
				reactions += fmt.Sprintf(" %s%d", v.Emoji, v.Count)
			}
		}
		fmt.Printf("%s[%d] %s: %s%s\n", pin, i, s.DisplayName(m.AuthorID), m.Body, reactions)
	}
	fmt.Print("> ")
}

func main() {
	gatewayAddr := flag.String("gateway", "localhost:8080", "feed gateway address")
	scyllaHosts := flag.String("scylla", "localhost:9042", "comma-separated scylla hosts")
	kafkaBrokers := flag.String("kafka", "localhost:19092", "comma-separated kafka brokers")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	userID := flag.String("user", "user1", "user id")
	conversationID := flag.String("conversation", "", "conversation id (uuid)")
	flag.Parse()

	if *conversationID == "" {
		log.Fatal("-conversation is required")
	}

	log.Printf("Logging in as %s...", *userID)
	token, err := login(*gatewayAddr, *userID)
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	st, err := store.NewScyllaStore(store.Config{
		Hosts:        strings.Split(*scyllaHosts, ","),
		Keyspace:     "chat",
		KafkaBrokers: strings.Split(*kafkaBrokers, ","),
	})
	if err != nil {
		log.Fatal("Store init failed:", err)
	}
	defer st.Close()

	bc := broadcast.NewRedisBroadcast(*redisAddr, *conversationID, *userID)
	defer bc.Close()

	session, err := relay.Open(context.Background(), relay.Config{
		ConversationID: *conversationID,
		UserID:         *userID,
		Store:          st,
		Feed:           feed.NewGatewayFeed(*gatewayAddr, token),
		Broadcast:      bc,
	})
	if err != nil {
		log.Fatal("Open session failed:", err)
	}
	defer session.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		for range session.Updates() {
			render(session)
		}
	}()

	render(session)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}

			if text == "/quit" {
				close(interrupt)
				return
			}

			// /pin N and /react N <emoji> address messages by their
			// rendered index.
			if cmd, rest, ok := strings.Cut(text, " "); ok && (cmd == "/pin" || cmd == "/react") {
				args := strings.Fields(rest)
				if len(args) == 0 {
					fmt.Println("usage: /pin <index> | /react <index> <emoji>")
					fmt.Print("> ")
					continue
				}
				idx, err := strconv.Atoi(args[0])
				timeline := session.Timeline()
				if err != nil || idx < 0 || idx >= len(timeline) {
					fmt.Println("no such message")
					fmt.Print("> ")
					continue
				}
				target := timeline[idx].ID

				switch {
				case cmd == "/pin":
					err = session.TogglePin(context.Background(), target)
				case len(args) > 1:
					err = session.ToggleReaction(context.Background(), target, args[1])
				default:
					fmt.Println("usage: /react <index> <emoji>")
					fmt.Print("> ")
					continue
				}
				if err != nil {
					log.Println("toggle:", err)
				}
				continue
			}

			if _, err := session.Send(context.Background(), text); err != nil {
				// Not retried; the typed line is echoed back so it can
				// be resent by hand.
				log.Println("send:", err)
				fmt.Printf("(not sent) %s\n> ", text)
			}
		}
	}()

	<-interrupt
	log.Println("interrupt")
}
