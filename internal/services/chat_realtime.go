package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// Event names exchanged with clients. The C->S half is parsed by the
// gateway; the S->C half travels through the Redis bridge to whichever
// instance holds the target socket.
const (
	EventOnlineUsers     = "online-users"
	EventNewMessage      = "new-message"
	EventReceivedMessage = "received-message"
	EventChatRead        = "chat-read"
	EventUserOffline     = "user-went-offline"
	EventJoinedChat      = "joined-chat"
	EventNewChat         = "new-chat"
	EventTyping          = "typing"
	EventStopTyping      = "stop-typing"
	EventIncomingCall    = "incoming-call"
	EventAcceptedCall    = "accepted-call"
	EventEndedCall       = "ended-call"
	EventWebRTCOffer     = "webrtc-offer"
	EventWebRTCAnswer    = "webrtc-answer"
	EventICECandidate    = "ice-candidate"
	EventError           = "error"
)

// Event is the payload broadcast over Redis and WebSocket.
type Event struct {
	Type         string          `json:"type"`
	ChatID       string          `json:"chat_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	To           string          `json:"to,omitempty"`
	CallMode     models.CallMode `json:"call_mode,omitempty"`
	Message      *models.Message `json:"message,omitempty"`
	Users        []string        `json:"users,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastOnlineAt time.Time       `json:"last_online_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
}

// Emitter is how the delivery engine, the ledger, the reconciler and the
// call relay address sockets. Implementations must work across server
// instances; the production one publishes through Redis.
type Emitter interface {
	ToRoom(ctx context.Context, chatID string, evt Event) error
	// ToRoomExcept delivers to every room member's socket except those of
	// one user; used for ephemeral typing relays.
	ToRoomExcept(ctx context.Context, chatID, exceptUser string, evt Event) error
	ToUser(ctx context.Context, userID string, evt Event) error
	ToConn(ctx context.Context, connID string, evt Event) error
	Broadcast(ctx context.Context, evt Event) error
}

// ChatConn is the minimal interface the WebSocket connection must satisfy.
type ChatConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// UserConnection tracks a single socket: its owner, the rooms it joined,
// and a buffered outbound queue drained by the gateway's writer pump.
type UserConnection struct {
	ConnID string
	UserID string
	Send   chan Event

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func (uc *UserConnection) inRoom(chatID string) bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	_, ok := uc.rooms[chatID]
	return ok
}

// Hub is the per-instance registry of live sockets. Cross-instance state
// never lives here: the hub only routes events that arrive over the Redis
// bridge (or directly, in tests) to local connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*UserConnection
}

func NewHub() *Hub {
	return &Hub{connections: make(map[string]*UserConnection)}
}

// Register adds a socket to the hub and returns its connection record.
func (h *Hub) Register(connID, userID string) *UserConnection {
	uc := &UserConnection{
		ConnID: connID,
		UserID: userID,
		Send:   make(chan Event, 256),
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.connections[connID] = uc
	h.mu.Unlock()
	return uc
}

// Unregister removes a socket and closes its outbound queue.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	uc, ok := h.connections[connID]
	if ok {
		delete(h.connections, connID)
	}
	h.mu.Unlock()
	if ok {
		close(uc.Send)
	}
}

// JoinRoom subscribes a socket to a chat room.
func (h *Hub) JoinRoom(connID, chatID string) {
	h.mu.RLock()
	uc, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	uc.mu.Lock()
	uc.rooms[chatID] = struct{}{}
	uc.mu.Unlock()
}

// LeaveRoom unsubscribes a socket from a chat room.
func (h *Hub) LeaveRoom(connID, chatID string) {
	h.mu.RLock()
	uc, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	uc.mu.Lock()
	delete(uc.rooms, chatID)
	uc.mu.Unlock()
}

func (h *Hub) deliver(uc *UserConnection, evt Event) {
	// Non-blocking best-effort send; a wedged socket must not stall the
	// fan-out for everyone else.
	select {
	case uc.Send <- evt:
	default:
		log.Printf("hub: dropping %s event for slow connection %s", evt.Type, uc.ConnID)
	}
}

// DeliverRoom fans an event out to local sockets joined to the room.
func (h *Hub) DeliverRoom(chatID, exceptUser string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uc := range h.connections {
		if !uc.inRoom(chatID) {
			continue
		}
		if exceptUser != "" && uc.UserID == exceptUser {
			continue
		}
		h.deliver(uc, evt)
	}
}

// DeliverUser fans an event out to every local socket of one user.
func (h *Hub) DeliverUser(userID string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uc := range h.connections {
		if uc.UserID == userID {
			h.deliver(uc, evt)
		}
	}
}

// DeliverConn delivers to one specific local socket, if present. The read
// lock is held through the send so Unregister cannot close the queue
// between the lookup and the delivery.
func (h *Hub) DeliverConn(connID string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if uc, ok := h.connections[connID]; ok {
		h.deliver(uc, evt)
	}
}

// DeliverAll delivers to every local socket.
func (h *Hub) DeliverAll(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uc := range h.connections {
		h.deliver(uc, evt)
	}
}

// Redis channel layout. Every instance psubscribes chat:* and routes by
// prefix, so an event published anywhere reaches the instance holding the
// target socket.
const (
	channelRoomPrefix = "chat:room:"
	channelUserPrefix = "chat:user:"
	channelConnPrefix = "chat:conn:"
	channelBroadcast  = "chat:broadcast"
)

// envelope is the wire form on the Redis bus.
type envelope struct {
	Event   Event  `json:"event"`
	Exclude string `json:"exclude,omitempty"`
}

// Bridge is the production Emitter: it publishes events to Redis and, via
// the subscriber loop, fans incoming ones out to the local hub.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	once   sync.Once
}

func NewBridge(client *redis.Client, hub *Hub) *Bridge {
	return &Bridge{client: client, hub: hub}
}

func (b *Bridge) publish(ctx context.Context, channel string, evt Event, exclude string) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(envelope{Event: evt, Exclude: exclude})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, data).Err()
}

func (b *Bridge) ToRoom(ctx context.Context, chatID string, evt Event) error {
	return b.publish(ctx, channelRoomPrefix+chatID, evt, "")
}

func (b *Bridge) ToRoomExcept(ctx context.Context, chatID, exceptUser string, evt Event) error {
	return b.publish(ctx, channelRoomPrefix+chatID, evt, exceptUser)
}

func (b *Bridge) ToUser(ctx context.Context, userID string, evt Event) error {
	return b.publish(ctx, channelUserPrefix+userID, evt, "")
}

func (b *Bridge) ToConn(ctx context.Context, connID string, evt Event) error {
	return b.publish(ctx, channelConnPrefix+connID, evt, "")
}

func (b *Bridge) Broadcast(ctx context.Context, evt Event) error {
	return b.publish(ctx, channelBroadcast, evt, "")
}

// StartSubscriber ensures a single shared Redis listener per instance.
func (b *Bridge) StartSubscriber(ctx context.Context) {
	b.once.Do(func() {
		go b.runSubscriber(ctx)
	})
}

func (b *Bridge) runSubscriber(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			pubsub := b.client.PSubscribe(ctx, "chat:*")
			defer pubsub.Close()

			log.Println("✅ Chat Redis subscriber started (pattern: chat:*)")

			for {
				msg, err := pubsub.ReceiveMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("Redis subscriber error: %v", err)
					time.Sleep(backoff)
					backoff *= 2
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
					return
				}

				backoff = time.Second

				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("failed to unmarshal chat event: %v", err)
					continue
				}

				b.route(msg.Channel, env)
			}
		}()
	}
}

func (b *Bridge) route(channel string, env envelope) {
	switch {
	case strings.HasPrefix(channel, channelRoomPrefix):
		b.hub.DeliverRoom(strings.TrimPrefix(channel, channelRoomPrefix), env.Exclude, env.Event)
	case strings.HasPrefix(channel, channelUserPrefix):
		b.hub.DeliverUser(strings.TrimPrefix(channel, channelUserPrefix), env.Event)
	case strings.HasPrefix(channel, channelConnPrefix):
		b.hub.DeliverConn(strings.TrimPrefix(channel, channelConnPrefix), env.Event)
	case channel == channelBroadcast:
		b.hub.DeliverAll(env.Event)
	}
}
