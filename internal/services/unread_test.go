package services

import (
	"context"
	"testing"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

func TestIncrementUnreadExcludesSender(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := NewLedger(store, &memEmitter{})

	chat := newTestChat("", "alice", "bob", "carol")
	store.addChat(chat)

	members := []string{"alice", "bob", "carol"}
	if err := ledger.IncrementUnread(ctx, chat.ID.Hex(), members, "alice"); err != nil {
		t.Fatalf("incrementUnread: %v", err)
	}

	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("alice"); got != 0 {
		t.Fatalf("sender unread = %d, want 0", got)
	}
	if got := fresh.UnreadCountFor("bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
	if got := fresh.UnreadCountFor("carol"); got != 1 {
		t.Fatalf("carol unread = %d, want 1", got)
	}
}

func TestIncrementUnreadExactlyOnePerSend(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := NewLedger(store, &memEmitter{})

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)

	members := []string{"alice", "bob"}
	for i := 0; i < 3; i++ {
		if err := ledger.IncrementUnread(ctx, chat.ID.Hex(), members, "alice"); err != nil {
			t.Fatalf("incrementUnread #%d: %v", i+1, err)
		}
	}

	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("bob"); got != 3 {
		t.Fatalf("bob unread after 3 sends = %d, want 3", got)
	}
	// At most one counter entry per user, never duplicates.
	entries := 0
	for _, u := range fresh.UnreadInfos {
		if u.UserID == "bob" {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("bob counter entries = %d, want 1", entries)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	ledger := NewLedger(store, emitter)

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)
	store.InsertMessage(ctx, &models.Message{
		ChatID:   chat.ID,
		SenderID: "alice",
		Type:     models.MessageTypeText,
		Content:  "hi",
	})
	if err := ledger.IncrementUnread(ctx, chat.ID.Hex(), []string{"alice", "bob"}, "alice"); err != nil {
		t.Fatalf("incrementUnread: %v", err)
	}

	changed, err := ledger.MarkRead(ctx, chat.ID.Hex(), "bob")
	if err != nil {
		t.Fatalf("markRead: %v", err)
	}
	if !changed {
		t.Fatal("first markRead reported no change")
	}
	if events := emitter.ofType(EventChatRead); len(events) != 1 {
		t.Fatalf("chat-read events after first markRead = %d, want 1", len(events))
	}

	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("bob"); got != 0 {
		t.Fatalf("bob unread after markRead = %d, want 0", got)
	}

	// A second consecutive markRead is a no-op: no change, no event.
	changed, err = ledger.MarkRead(ctx, chat.ID.Hex(), "bob")
	if err != nil {
		t.Fatalf("second markRead: %v", err)
	}
	if changed {
		t.Fatal("second markRead reported a change")
	}
	if events := emitter.ofType(EventChatRead); len(events) != 1 {
		t.Fatalf("chat-read events after second markRead = %d, want 1", len(events))
	}
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ledger := NewLedger(store, &memEmitter{})

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)
	own := &models.Message{ChatID: chat.ID, SenderID: "bob", Type: models.MessageTypeText, Content: "mine"}
	store.InsertMessage(ctx, own)

	if _, err := ledger.MarkRead(ctx, chat.ID.Hex(), "bob"); err != nil {
		t.Fatalf("markRead: %v", err)
	}

	if stored := store.message(own.ID); contains(stored.SeenBy, "bob") {
		t.Fatal("markRead added sender to their own message's seen_by")
	}
}
