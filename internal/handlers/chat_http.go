package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AnshRaj112/converse-backend/internal/models"
	"github.com/AnshRaj112/converse-backend/internal/services"
	"github.com/AnshRaj112/converse-backend/pkg/auth"
)

// ChatAPI is the HTTP surface of the delivery core. The send endpoint runs
// the same delivery engine as the WebSocket path, so both share one status
// state machine instead of diverging.
type ChatAPI struct {
	verifier   auth.Verifier
	store      services.ChatStore
	cache      *services.RecentCache
	delivery   *services.Delivery
	reconciler *services.Reconciler
}

func NewChatAPI(verifier auth.Verifier, store services.ChatStore, cache *services.RecentCache, delivery *services.Delivery, reconciler *services.Reconciler) *ChatAPI {
	return &ChatAPI{
		verifier:   verifier,
		store:      store,
		cache:      cache,
		delivery:   delivery,
		reconciler: reconciler,
	}
}

func (a *ChatAPI) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"message": "missing bearer token",
		})
		return "", false
	}
	userID, err := a.verifier.Verify(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"message": "invalid bearer token",
		})
		return "", false
	}
	return userID, true
}

// HistoryResponse is returned when loading historical messages.
type HistoryResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// History loads paginated messages for a chat.
// Query params:
//
//	chat_id (required)
//	before  (optional RFC3339 timestamp for pagination)
//	limit   (optional, default 50)
func (a *ChatAPI) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "chat_id is required",
		})
		return
	}

	limit := int64(50)
	if lStr := r.URL.Query().Get("limit"); lStr != "" {
		if parsed, err := strconv.ParseInt(lStr, 10, 64); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var before *time.Time
	if bStr := r.URL.Query().Get("before"); bStr != "" {
		if t, err := time.Parse(time.RFC3339, bStr); err == nil {
			before = &t
		}
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	chat, err := a.store.FindChat(ctx, chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if models.IsNotFound(err) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"message": "failed to load chat",
		})
		return
	}
	if !chat.IsMember(userID) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"message": "you must be a member of this chat",
		})
		return
	}

	msgs, hasMore, err := services.HistoryWithCache(ctx, a.store, a.cache, chatID, before, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "failed to load messages",
		})
		return
	}

	// Hide everything at or before the viewer's soft-delete cutoff and
	// re-derive each message's status for this viewer.
	if cutoff, found := chat.DeletedAtFor(userID); found {
		visible := msgs[:0]
		for _, m := range msgs {
			if m.CreatedAt.After(cutoff) {
				visible = append(visible, m)
			}
		}
		msgs = visible
	}
	for i := range msgs {
		msgs[i].Status = msgs[i].StatusFor(userID)
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Success:  true,
		Messages: msgs,
		HasMore:  hasMore,
	})
}

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	ChatID  string             `json:"chat_id"`
	Type    models.MessageType `json:"type"`
	Content string             `json:"content"`
}

// Send accepts a message over HTTP and pushes it through the delivery
// engine, exactly like a send-message WebSocket frame.
func (a *ChatAPI) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "chat_id and content are required",
		})
		return
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	msg, err := a.delivery.SendMessage(ctx, userID, req.ChatID, req.Type, req.Content)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case models.IsPermission(err):
			status = http.StatusForbidden
		case models.IsNotFound(err):
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"message": "failed to send message",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

// Chats returns the viewer's chat list with viewer-relative unread counts
// and latest-message status.
func (a *ChatAPI) Chats(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	summaries, err := a.reconciler.Summaries(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "failed to load chats",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"chats":   summaries,
	})
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
