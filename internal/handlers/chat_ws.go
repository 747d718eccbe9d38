package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AnshRaj112/converse-backend/internal/models"
	"github.com/AnshRaj112/converse-backend/internal/services"
	"github.com/AnshRaj112/converse-backend/pkg/auth"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

// ClientMessage represents messages coming from the client over WebSocket.
type ClientMessage struct {
	Type     string          `json:"type"`
	ChatID   string          `json:"chat_id,omitempty"`
	To       string          `json:"to,omitempty"`
	CallMode models.CallMode `json:"call_mode,omitempty"`
	Message  *ClientPayload  `json:"message,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ClientPayload is the message body of a send-message frame.
type ClientPayload struct {
	Type    models.MessageType `json:"type"`
	Content string             `json:"content"`
}

// Gateway authenticates inbound WebSocket connections, binds each to a
// user, registers it with the presence registry and runs the per-connection
// event loop. One logical task per connection; connections only talk to
// each other through the shared registry and stores.
type Gateway struct {
	verifier   auth.Verifier
	hub        *services.Hub
	presence   *services.Presence
	delivery   *services.Delivery
	ledger     *services.Ledger
	reconciler *services.Reconciler
	calls      *services.CallRelay
	events     services.Emitter
}

func NewGateway(
	verifier auth.Verifier,
	hub *services.Hub,
	presence *services.Presence,
	delivery *services.Delivery,
	ledger *services.Ledger,
	reconciler *services.Reconciler,
	calls *services.CallRelay,
	events services.Emitter,
) *Gateway {
	return &Gateway{
		verifier:   verifier,
		hub:        hub,
		presence:   presence,
		delivery:   delivery,
		ledger:     ledger,
		reconciler: reconciler,
		calls:      calls,
		events:     events,
	}
}

// ServeWS handles the connection lifecycle:
// connecting -> authenticated -> active -> closed.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// Fallback: allow token via query parameter for browser WebSocket clients
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		// A failed credential refuses the connection; it is never
		// silently accepted or silently dropped.
		log.Printf("gateway: %v", &models.AuthenticationError{Reason: err.Error()})
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connID := uuid.NewString()
	uc := g.hub.Register(connID, userID)

	var registered bool
	var once sync.Once
	teardown := func() {
		// Compensating cleanup must run exactly once even when the close
		// races an in-flight send.
		once.Do(func() {
			g.hub.Unregister(connID)
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cleanupCancel()

			last, err := g.presence.Unregister(cleanupCtx, userID, connID)
			if err != nil {
				log.Printf("gateway: unregister %s failed: %v", connID, err)
			}
			// A user whose registration never succeeded was never online,
			// so there is no offline transition to announce.
			if last && registered {
				now := time.Now().UTC()
				if err := g.events.Broadcast(cleanupCtx, services.Event{
					Type:         services.EventUserOffline,
					UserID:       userID,
					LastOnlineAt: now,
				}); err != nil {
					log.Printf("gateway: offline broadcast failed: %v", err)
				}
				g.broadcastOnlineUsers(cleanupCtx)
			}
		})
	}
	defer teardown()
	defer conn.Close()

	if err := g.presence.Register(ctx, userID, connID); err != nil {
		log.Printf("gateway: presence register failed for %s: %v", userID, err)
		return
	}
	registered = true
	g.broadcastOnlineUsers(ctx)

	go g.writePump(conn, uc)

	// Replay whatever the user missed while offline, before reading any
	// new traffic from this socket.
	if err := g.reconciler.Replay(ctx, userID, connID); err != nil {
		log.Printf("gateway: reconcile for %s failed: %v", userID, err)
	}

	g.readLoop(ctx, conn, connID, userID)
}

func (g *Gateway) broadcastOnlineUsers(ctx context.Context) {
	// Always a full snapshot recomputed from the registry, not a delta.
	if err := g.events.Broadcast(ctx, services.Event{
		Type:  services.EventOnlineUsers,
		Users: g.presence.OnlineUsers(ctx),
	}); err != nil {
		log.Printf("gateway: online-users broadcast failed: %v", err)
	}
}

// writePump forwards hub events to the socket and keeps the ping/pong
// cycle alive. One writer per connection; gorilla connections do not allow
// concurrent writers.
func (g *Gateway) writePump(conn *websocket.Conn, uc *services.UserConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-uc.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, connID, userID string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		// The protocol pong doubles as the liveness heartbeat, so clients
		// that never send an application-level ping still keep their
		// presence entries from expiring.
		g.presence.Heartbeat(ctx, userID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		// Handler errors are logged per event and never crash the
		// connection or the process.
		if err := g.handleEvent(ctx, connID, userID, msg); err != nil {
			log.Printf("gateway: %s from %s failed: %v", msg.Type, userID, err)
			g.sendError(ctx, connID, msg.ChatID, err)
		}
	}
}

func (g *Gateway) sendError(ctx context.Context, connID, chatID string, err error) {
	reason := "internal error"
	if models.IsPermission(err) || models.IsNotFound(err) {
		reason = err.Error()
	}
	_ = g.events.ToConn(ctx, connID, services.Event{
		Type:   services.EventError,
		ChatID: chatID,
		Error:  reason,
	})
}

func (g *Gateway) handleEvent(ctx context.Context, connID, userID string, msg ClientMessage) error {
	switch msg.Type {
	case "join-chat":
		g.hub.JoinRoom(connID, msg.ChatID)
		if err := g.presence.SetActiveChat(ctx, userID, msg.ChatID); err != nil {
			return err
		}
		if _, err := g.ledger.MarkRead(ctx, msg.ChatID, userID); err != nil {
			return err
		}
		return g.events.ToConn(ctx, connID, services.Event{
			Type:   services.EventJoinedChat,
			ChatID: msg.ChatID,
		})

	case "leave-chat":
		g.hub.LeaveRoom(connID, msg.ChatID)
		if g.presence.ActiveChatOf(ctx, userID) == msg.ChatID {
			return g.presence.ClearActiveChat(ctx, userID)
		}
		return nil

	case "send-message":
		if msg.Message == nil || strings.TrimSpace(msg.Message.Content) == "" {
			return nil
		}
		_, err := g.delivery.SendMessage(ctx, userID, msg.ChatID, msg.Message.Type, strings.TrimSpace(msg.Message.Content))
		return err

	case "typing", "stop-typing":
		evtType := services.EventTyping
		if msg.Type == "stop-typing" {
			evtType = services.EventStopTyping
		}
		// Ephemeral: relayed to the room minus the sender, never persisted.
		return g.events.ToRoomExcept(ctx, msg.ChatID, userID, services.Event{
			Type:   evtType,
			ChatID: msg.ChatID,
			UserID: userID,
		})

	case "fetch-all":
		return g.reconciler.Replay(ctx, userID, connID)

	case "request-call":
		mode := msg.CallMode
		if mode == "" {
			mode = models.CallModeAudio
		}
		return g.calls.RequestCall(ctx, userID, msg.ChatID, mode)

	case "accept-call":
		return g.calls.AcceptCall(ctx, userID, msg.ChatID)

	case "end-call":
		return g.calls.EndCall(ctx, userID, msg.ChatID)

	case "webrtc-offer", "webrtc-answer", "ice-candidate":
		if msg.To == "" {
			return nil
		}
		return g.calls.RelaySignal(ctx, userID, msg.To, msg.Type, msg.Payload)

	case "ping":
		// Refresh the presence liveness TTL.
		g.presence.Heartbeat(ctx, userID)
		return nil

	default:
		// Ignore unknown types
		return nil
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
