package services

import (
	"context"
	"log"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// Reconciler replays the messages a user missed while offline. It runs on
// every (re)connect and on explicit fetch-all requests, and is read-only
// with respect to state: replaying twice without new activity emits the
// same events and mutates nothing.
type Reconciler struct {
	store  ChatStore
	events Emitter
}

func NewReconciler(store ChatStore, events Emitter) *Reconciler {
	return &Reconciler{store: store, events: events}
}

// Replay emits, per chat the user belongs to, the unread-bounded tail of
// missed messages in chronological order, then one new-chat per chat so
// client-side chat lists always refresh even when nothing was missed.
func (r *Reconciler) Replay(ctx context.Context, userID, connID string) error {
	chats, err := r.store.ChatsOf(ctx, userID)
	if err != nil {
		return err
	}

	for i := range chats {
		chat := &chats[i]
		n := chat.UnreadCountFor(userID)
		if n <= 0 {
			continue
		}
		cutoff, _ := chat.DeletedAtFor(userID)

		// Query newest-first to bound cost by the unread counter, then
		// walk backwards so the client observes send order.
		msgs, err := r.store.MissedMessages(ctx, chat.ID.Hex(), userID, cutoff, n)
		if err != nil {
			log.Printf("reconcile: missed messages for chat %s failed: %v", chat.ID.Hex(), err)
			continue
		}
		for j := len(msgs) - 1; j >= 0; j-- {
			r.emit(ctx, connID, Event{
				Type:    EventNewMessage,
				ChatID:  chat.ID.Hex(),
				Message: &msgs[j],
			})
		}
	}

	for i := range chats {
		r.emit(ctx, connID, Event{
			Type:   EventNewChat,
			ChatID: chats[i].ID.Hex(),
		})
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, connID string, evt Event) {
	if err := r.events.ToConn(ctx, connID, evt); err != nil {
		log.Printf("reconcile: emit %s to %s failed: %v", evt.Type, connID, err)
	}
}

// ChatSummary is the viewer-relative projection of a chat for list views:
// the unread count and latest-message status are derived for the
// requesting user, never read off the shared document as-is.
type ChatSummary struct {
	Chat          models.Chat          `json:"chat"`
	UnreadCount   int64                `json:"unread_count"`
	LatestStatus  models.MessageStatus `json:"latest_status,omitempty"`
	LatestMessage *models.Message      `json:"latest_message,omitempty"`
}

// Summaries builds the chat list for a user.
func (r *Reconciler) Summaries(ctx context.Context, userID string) ([]ChatSummary, error) {
	chats, err := r.store.ChatsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(chats))
	for i := range chats {
		chat := chats[i]
		s := ChatSummary{Chat: chat, UnreadCount: chat.UnreadCountFor(userID)}
		if !chat.LatestMessage.IsZero() {
			if msgs, _, err := r.store.RecentMessages(ctx, chat.ID.Hex(), nil, 1); err == nil && len(msgs) > 0 {
				latest := msgs[len(msgs)-1]
				s.LatestMessage = &latest
				s.LatestStatus = latest.StatusFor(userID)
			}
		}
		out = append(out, s)
	}
	return out, nil
}
