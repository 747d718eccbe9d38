package services

import (
	"context"
	"log"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// Delivery is the message delivery engine: it persists a new message,
// derives the right status per recipient from the presence registry, and
// fans it out. Each step is an individually idempotent store update, so a
// crash between steps is repaired by the next operation instead of a
// cross-store transaction.
type Delivery struct {
	store    ChatStore
	presence *Presence
	ledger   *Ledger
	events   Emitter
	notifier Notifier
	cache    *RecentCache
}

func NewDelivery(store ChatStore, presence *Presence, ledger *Ledger, events Emitter, notifier Notifier, cache *RecentCache) *Delivery {
	return &Delivery{
		store:    store,
		presence: presence,
		ledger:   ledger,
		events:   events,
		notifier: notifier,
		cache:    cache,
	}
}

// SendMessage runs the full send pipeline. Broadcast happens only after
// successful persistence, which is what gives per-chat ordering.
func (d *Delivery) SendMessage(ctx context.Context, senderID, chatID string, msgType models.MessageType, content string) (*models.Message, error) {
	chat, err := d.store.FindChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsMember(senderID) {
		return nil, &models.PermissionError{UserID: senderID, ChatID: chatID}
	}

	msg := &models.Message{
		ChatID:   chat.ID,
		SenderID: senderID,
		Type:     msgType,
		Content:  content,
		Status:   models.MessageStatusPending,
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := d.store.UpdateChatOnSend(ctx, chatID, msg.ID); err != nil {
		return nil, err
	}

	// Everyone but the sender gets +1 first; recipients with the chat
	// open are reset back to zero below when their read mark lands.
	if err := d.ledger.IncrementUnread(ctx, chatID, memberIDs(chat), senderID); err != nil {
		return nil, err
	}

	highest := msg.Status
	var offline []string

	// Reachability is evaluated independently per recipient. The stored
	// document only ever carries the monotonic maximum; each viewer's own
	// status is re-derived from seen_by/delivered_to when reading.
	for _, member := range chat.OtherMemberIDs(senderID) {
		switch {
		case d.presence.ActiveChatOf(ctx, member) == chatID:
			if _, err := d.ledger.MarkRead(ctx, chatID, member); err != nil {
				log.Printf("delivery: mark read for active viewer %s failed: %v", member, err)
				continue
			}
			msg.SeenBy = append(msg.SeenBy, member)
			highest = models.MergeStatus(highest, models.MessageStatusSeen)

		case len(d.presence.ConnectionsOf(ctx, member)) > 0:
			if err := d.store.MarkDelivered(ctx, msg.ID, member); err != nil {
				log.Printf("delivery: mark delivered for %s failed: %v", member, err)
				continue
			}
			msg.DeliveredTo = append(msg.DeliveredTo, member)
			highest = models.MergeStatus(highest, models.MessageStatusDelivered)
			if err := d.events.ToUser(ctx, member, Event{
				Type:    EventReceivedMessage,
				ChatID:  chatID,
				Message: msg,
			}); err != nil {
				log.Printf("delivery: received-message to %s failed: %v", member, err)
			}

		default:
			offline = append(offline, member)
		}
	}

	if len(offline) > 0 && !msg.Notified {
		title := chat.Name
		if title == "" {
			title = senderID
		}
		SendChunked(ctx, d.notifier, offline, title, RenderPreview(msgType, content), map[string]string{
			"chat_id":    chatID,
			"message_id": msg.ID.Hex(),
			"sender_id":  senderID,
		})
		msg.Notified = true
		if err := d.store.SetNotified(ctx, msg.ID); err != nil {
			log.Printf("delivery: set notified failed for message %s: %v", msg.ID.Hex(), err)
		}
	}

	if highest != models.MessageStatusPending {
		if err := d.store.RaiseMessageStatus(ctx, msg.ID, highest); err != nil {
			log.Printf("delivery: raise status failed for message %s: %v", msg.ID.Hex(), err)
		}
		msg.Status = highest
	}

	if d.cache != nil {
		d.cache.Push(*msg)
	}

	// The room broadcast carries the highest status observed across
	// recipients; recipients that advance later (a seen arriving from
	// another device) receive that as a separate chat-read event.
	if err := d.events.ToRoom(ctx, chatID, Event{
		Type:    EventNewMessage,
		ChatID:  chatID,
		Message: msg,
	}); err != nil {
		log.Printf("delivery: room broadcast failed for chat %s: %v", chatID, err)
	}

	return msg, nil
}

func memberIDs(chat *models.Chat) []string {
	out := make([]string, 0, len(chat.Members))
	for _, m := range chat.Members {
		out = append(out, m.UserID)
	}
	return out
}
