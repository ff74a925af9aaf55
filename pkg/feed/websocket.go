package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mahaj/chat-relay/pkg/model"
)

const (
	// Time allowed to write a close frame to the gateway.
	writeWait = 10 * time.Second

	// The gateway pings on a 54s period; allow one missed ping.
	pongWait = 60 * time.Second
)

// GatewayFeed is a ChangeFeed backed by the feed gateway's websocket
// endpoint. One dial per subscription.
type GatewayFeed struct {
	addr  string // host:port of the gateway
	token string // bearer token for the websocket handshake
}

func NewGatewayFeed(addr, token string) *GatewayFeed {
	return &GatewayFeed{addr: addr, token: token}
}

func (f *GatewayFeed) Subscribe(ctx context.Context, conversationID string, onInsert func(model.Message)) (Subscription, error) {
	u := url.URL{Scheme: "ws", Host: f.addr, Path: "/ws"}
	q := u.Query()
	q.Set("conversation", conversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Add("Authorization", "Bearer "+f.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, errors.Wrap(err, "dial feed gateway")
	}

	sub := &gatewaySub{conn: conn, done: make(chan struct{})}
	go sub.readPump(conversationID, onInsert)

	// Tie the subscription to the caller's context so a cancelled session
	// tears the connection down without an explicit Unsubscribe.
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub, nil
}

type gatewaySub struct {
	conn *websocket.Conn
	done chan struct{}
}

// readPump pumps insert events from the gateway into the callback until
// the connection dies. Frames that do not decode to a well-formed message
// for our conversation are dropped.
func (s *gatewaySub) readPump(conversationID string, onInsert func(model.Message)) {
	defer close(s.done)
	defer s.conn.Close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Feed connection error: %v", err)
			}
			return
		}

		var msg model.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("Dropping undecodable feed event: %v", err)
			continue
		}
		if !msg.Valid() || msg.ConversationID != conversationID {
			log.Printf("Dropping malformed feed event for message %d", msg.ID)
			continue
		}

		onInsert(msg)
	}
}

func (s *gatewaySub) Unsubscribe() error {
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.conn.Close()

	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return err
}
