package services

import (
	"context"
	"log"
)

// Ledger maintains per-user-per-chat unread counters and the seen
// watermark. Mutual exclusion between increments and read-resets happens
// at the storage layer through conditional updates, never via in-process
// locks, because senders may live on different server instances.
type Ledger struct {
	store  ChatStore
	events Emitter
}

func NewLedger(store ChatStore, events Emitter) *Ledger {
	return &Ledger{store: store, events: events}
}

// IncrementUnread bumps the counter of every chat member except the
// sender by exactly one.
func (l *Ledger) IncrementUnread(ctx context.Context, chatID string, members []string, excludeUser string) error {
	targets := make([]string, 0, len(members))
	for _, m := range members {
		if m != excludeUser {
			targets = append(targets, m)
		}
	}
	return l.store.IncrementUnread(ctx, chatID, targets)
}

// MarkRead zeroes the user's counter and marks every message in the chat
// not sent by them as seen. Idempotent: a second consecutive call changes
// nothing and emits nothing.
func (l *Ledger) MarkRead(ctx context.Context, chatID, userID string) (bool, error) {
	reset, err := l.store.ResetUnread(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	seen, err := l.store.MarkSeenByUser(ctx, chatID, userID)
	if err != nil {
		return reset, err
	}

	changed := reset || seen > 0
	if changed {
		if err := l.events.ToRoom(ctx, chatID, Event{
			Type:   EventChatRead,
			ChatID: chatID,
			UserID: userID,
		}); err != nil {
			log.Printf("ledger: chat-read broadcast failed for chat %s: %v", chatID, err)
		}
	}
	return changed, nil
}
