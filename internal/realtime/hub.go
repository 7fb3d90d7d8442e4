// Package realtime fans out new-message events to websocket
// subscribers. Events are published to Redis by the message service,
// so fan-out works across multiple server instances; without Redis the
// hub still delivers events broadcast locally.
package realtime

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// event pairs a chat with a serialized frame ready to write.
type event struct {
	chatID  uuid.UUID
	payload []byte
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan event
	register   chan *Client
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan event, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns the client set; all map access happens on this goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case ev := <-h.broadcast:
			for client := range h.clients {
				if client.chatID != ev.chatID {
					continue
				}
				select {
				case client.send <- ev.payload:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast delivers a frame to every local subscriber of the chat.
func (h *Hub) Broadcast(chatID uuid.UUID, payload []byte) {
	h.broadcast <- event{chatID: chatID, payload: payload}
}

// RunRedisBridge subscribes to the chat:* channels and forwards
// published events into the local hub. Blocks until ctx is done.
func (h *Hub) RunRedisBridge(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		return
	}

	pubsub := rdb.PSubscribe(ctx, "chat:*")
	defer pubsub.Close()

	log.Println("[Realtime] Redis bridge started")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			chatID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, "chat:"))
			if err != nil {
				log.Printf("[Realtime] Ignoring event on malformed channel %s", msg.Channel)
				continue
			}
			h.Broadcast(chatID, []byte(msg.Payload))
		}
	}
}
