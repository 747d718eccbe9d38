package services

import (
	"context"
	"testing"
	"time"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

func newTestChat(name string, memberIDs ...string) *models.Chat {
	chat := &models.Chat{Name: name, IsGroup: len(memberIDs) > 2}
	for i, id := range memberIDs {
		role := "member"
		if i == 0 {
			role = "admin"
		}
		chat.Members = append(chat.Members, models.ChatMember{UserID: id, Role: role})
	}
	return chat
}

func newTestDelivery(store *memStore, kv KV, emitter *memEmitter, notifier *memNotifier) (*Delivery, *Presence) {
	presence := NewPresence(kv, time.Minute)
	ledger := NewLedger(store, emitter)
	delivery := NewDelivery(store, presence, ledger, emitter, notifier, nil)
	return delivery, presence
}

func TestSendMessageOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	notifier := &memNotifier{}
	delivery, _ := newTestDelivery(store, newMemKV(), emitter, notifier)

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)

	msg, err := delivery.SendMessage(ctx, "alice", chat.ID.Hex(), models.MessageTypeText, "hello bob")
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}

	// Nobody reachable: the stored status stays pending.
	stored := store.message(msg.ID)
	if stored == nil {
		t.Fatal("message not persisted")
	}
	if stored.Status != models.MessageStatusPending {
		t.Fatalf("stored status = %s, want pending", stored.Status)
	}

	// Offline recipient gets exactly one notification with the text preview.
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier calls = %d, want 1", len(notifier.calls))
	}
	call := notifier.calls[0]
	if len(call.Recipients) != 1 || call.Recipients[0] != "bob" {
		t.Fatalf("notify recipients = %v, want [bob]", call.Recipients)
	}
	if call.Body != "hello bob" {
		t.Fatalf("notify body = %q, want message text", call.Body)
	}
	if call.Title != "alice" {
		t.Fatalf("notify title = %q, want sender id for unnamed chat", call.Title)
	}
	if call.Data["message_id"] != msg.ID.Hex() {
		t.Fatalf("notify data message_id = %q, want %s", call.Data["message_id"], msg.ID.Hex())
	}
	if !stored.Notified {
		t.Fatal("message not flagged notified after dispatch")
	}

	// Unread counter for bob is exactly one; the sender has none.
	fresh, err := store.FindChat(ctx, chat.ID.Hex())
	if err != nil {
		t.Fatalf("findChat: %v", err)
	}
	if got := fresh.UnreadCountFor("bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
	if got := fresh.UnreadCountFor("alice"); got != 0 {
		t.Fatalf("alice unread = %d, want 0", got)
	}

	// The room still receives the new-message broadcast.
	if events := emitter.ofType(EventNewMessage); len(events) != 1 {
		t.Fatalf("new-message events = %d, want 1", len(events))
	}
}

func TestSendMessageDeliveredToOnlineRecipient(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	notifier := &memNotifier{}
	delivery, presence := newTestDelivery(store, newMemKV(), emitter, notifier)

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)

	// Bob is connected but looking at some other chat.
	if err := presence.Register(ctx, "bob", "bob-conn"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	msg, err := delivery.SendMessage(ctx, "alice", chat.ID.Hex(), models.MessageTypeText, "hi")
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}

	stored := store.message(msg.ID)
	if stored.Status != models.MessageStatusDelivered {
		t.Fatalf("stored status = %s, want delivered", stored.Status)
	}
	if !contains(stored.DeliveredTo, "bob") {
		t.Fatalf("delivered_to = %v, want bob present", stored.DeliveredTo)
	}

	// Bob gets a direct received-message in addition to the room broadcast.
	received := emitter.ofType(EventReceivedMessage)
	if len(received) != 1 || received[0].Target != "user:bob" {
		t.Fatalf("received-message events = %v, want one to user:bob", received)
	}

	// Online recipients are not push-notified.
	if len(notifier.calls) != 0 {
		t.Fatalf("notifier calls = %d, want 0", len(notifier.calls))
	}

	// Unread still increments: delivered is not read.
	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
}

func TestSendMessageSeenByActiveViewer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	notifier := &memNotifier{}
	delivery, presence := newTestDelivery(store, newMemKV(), emitter, notifier)

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)

	// Bob has the chat open right now.
	if err := presence.Register(ctx, "bob", "bob-conn"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := presence.SetActiveChat(ctx, "bob", chat.ID.Hex()); err != nil {
		t.Fatalf("setActiveChat: %v", err)
	}

	msg, err := delivery.SendMessage(ctx, "alice", chat.ID.Hex(), models.MessageTypeText, "hi")
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}

	stored := store.message(msg.ID)
	if stored.Status != models.MessageStatusSeen {
		t.Fatalf("stored status = %s, want seen", stored.Status)
	}
	if !contains(stored.SeenBy, "bob") {
		t.Fatalf("seen_by = %v, want bob present", stored.SeenBy)
	}

	// The +1 was immediately reset by the active viewer's read mark.
	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("bob"); got != 0 {
		t.Fatalf("bob unread = %d, want 0", got)
	}

	// The read mark surfaced as a chat-read event to the room.
	if events := emitter.ofType(EventChatRead); len(events) != 1 {
		t.Fatalf("chat-read events = %d, want 1", len(events))
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("notifier calls = %d, want 0", len(notifier.calls))
	}
}

func TestSendMessageMixedGroupRecipients(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	notifier := &memNotifier{}
	delivery, presence := newTestDelivery(store, newMemKV(), emitter, notifier)

	chat := newTestChat("team", "alice", "bob", "carol", "dave")
	store.addChat(chat)

	// bob: active viewer, carol: online elsewhere, dave: offline.
	if err := presence.Register(ctx, "bob", "bob-conn"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := presence.SetActiveChat(ctx, "bob", chat.ID.Hex()); err != nil {
		t.Fatalf("setActiveChat: %v", err)
	}
	if err := presence.Register(ctx, "carol", "carol-conn"); err != nil {
		t.Fatalf("register carol: %v", err)
	}

	msg, err := delivery.SendMessage(ctx, "alice", chat.ID.Hex(), models.MessageTypeImage, "")
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}

	// Stored status is the monotonic max across recipients: seen.
	stored := store.message(msg.ID)
	if stored.Status != models.MessageStatusSeen {
		t.Fatalf("stored status = %s, want seen", stored.Status)
	}

	// But each viewer re-derives their own.
	if got := stored.StatusFor("bob"); got != models.MessageStatusSeen {
		t.Fatalf("status for bob = %s, want seen", got)
	}
	if got := stored.StatusFor("carol"); got != models.MessageStatusDelivered {
		t.Fatalf("status for carol = %s, want delivered", got)
	}
	if got := stored.StatusFor("dave"); got != models.MessageStatusPending {
		t.Fatalf("status for dave = %s, want pending", got)
	}

	// Only the offline member is notified, with the media placeholder and
	// the group name as title.
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier calls = %d, want 1", len(notifier.calls))
	}
	call := notifier.calls[0]
	if len(call.Recipients) != 1 || call.Recipients[0] != "dave" {
		t.Fatalf("notify recipients = %v, want [dave]", call.Recipients)
	}
	if call.Title != "team" {
		t.Fatalf("notify title = %q, want chat name", call.Title)
	}
	if call.Body != "📷 Photo" {
		t.Fatalf("notify body = %q, want image placeholder", call.Body)
	}

	fresh, _ := store.FindChat(ctx, chat.ID.Hex())
	if got := fresh.UnreadCountFor("bob"); got != 0 {
		t.Fatalf("bob unread = %d, want 0", got)
	}
	if got := fresh.UnreadCountFor("carol"); got != 1 {
		t.Fatalf("carol unread = %d, want 1", got)
	}
	if got := fresh.UnreadCountFor("dave"); got != 1 {
		t.Fatalf("dave unread = %d, want 1", got)
	}
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	emitter := &memEmitter{}
	delivery, _ := newTestDelivery(store, newMemKV(), emitter, &memNotifier{})

	chat := newTestChat("", "alice", "bob")
	store.addChat(chat)

	_, err := delivery.SendMessage(ctx, "mallory", chat.ID.Hex(), models.MessageTypeText, "hi")
	if err == nil {
		t.Fatal("sendMessage from non-member succeeded")
	}
	if !models.IsPermission(err) {
		t.Fatalf("error = %v, want permission error", err)
	}
	if len(store.msgs) != 0 {
		t.Fatal("message persisted despite permission failure")
	}
	if len(emitter.events) != 0 {
		t.Fatal("events emitted despite permission failure")
	}
}

func TestSendMessageUnknownChat(t *testing.T) {
	ctx := context.Background()
	delivery, _ := newTestDelivery(newMemStore(), newMemKV(), &memEmitter{}, &memNotifier{})

	_, err := delivery.SendMessage(ctx, "alice", "deadbeefdeadbeefdeadbeef", models.MessageTypeText, "hi")
	if !models.IsNotFound(err) {
		t.Fatalf("error = %v, want not-found", err)
	}
}
