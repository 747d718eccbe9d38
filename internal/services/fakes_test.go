package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// memStore is an in-memory ChatStore that mirrors the conditional-update
// semantics of the Mongo implementation, so the engines can be tested
// against the same invariants they rely on in production.
type memStore struct {
	mu    sync.Mutex
	chats map[string]*models.Chat
	msgs  []*models.Message
}

func newMemStore() *memStore {
	return &memStore{chats: make(map[string]*models.Chat)}
}

func (s *memStore) addChat(chat *models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.ID.IsZero() {
		chat.ID = primitive.NewObjectID()
	}
	s.chats[chat.ID.Hex()] = chat
}

func (s *memStore) message(id primitive.ObjectID) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *memStore) FindChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, &models.NotFoundError{Kind: "chat", ID: chatID}
	}
	cp := *chat
	return &cp, nil
}

func (s *memStore) ChatsOf(_ context.Context, userID string) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for _, chat := range s.chats {
		if chat.IsMember(userID) {
			out = append(out, *chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (s *memStore) InsertMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	cp := *msg
	s.msgs = append(s.msgs, &cp)
	return nil
}

func (s *memStore) UpdateChatOnSend(_ context.Context, chatID string, msgID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return &models.NotFoundError{Kind: "chat", ID: chatID}
	}
	chat.LatestMessage = msgID
	chat.ArchivedInfos = nil
	chat.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) RaiseMessageStatus(_ context.Context, msgID primitive.ObjectID, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == msgID {
			m.Status = models.MergeStatus(m.Status, status)
		}
	}
	return nil
}

func (s *memStore) MarkDelivered(_ context.Context, msgID primitive.ObjectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == msgID {
			if !contains(m.DeliveredTo, userID) {
				m.DeliveredTo = append(m.DeliveredTo, userID)
			}
			m.Status = models.MergeStatus(m.Status, models.MessageStatusDelivered)
		}
	}
	return nil
}

func (s *memStore) MarkSeenByUser(_ context.Context, chatID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var modified int64
	for _, m := range s.msgs {
		if m.ChatID.Hex() != chatID || m.SenderID == userID || m.Status == models.MessageStatusFailed {
			continue
		}
		if !contains(m.SeenBy, userID) {
			m.SeenBy = append(m.SeenBy, userID)
			modified++
		}
		m.Status = models.MergeStatus(m.Status, models.MessageStatusSeen)
	}
	return modified, nil
}

func (s *memStore) SetNotified(_ context.Context, msgID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == msgID {
			m.Notified = true
		}
	}
	return nil
}

func (s *memStore) IncrementUnread(_ context.Context, chatID string, targets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return &models.NotFoundError{Kind: "chat", ID: chatID}
	}
	for _, target := range targets {
		found := false
		for i := range chat.UnreadInfos {
			if chat.UnreadInfos[i].UserID == target {
				found = true
				break
			}
		}
		if !found {
			chat.UnreadInfos = append(chat.UnreadInfos, models.UnreadInfo{UserID: target, Count: 0})
		}
	}
	for _, target := range targets {
		for i := range chat.UnreadInfos {
			if chat.UnreadInfos[i].UserID == target {
				chat.UnreadInfos[i].Count++
			}
		}
	}
	return nil
}

func (s *memStore) ResetUnread(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return false, &models.NotFoundError{Kind: "chat", ID: chatID}
	}
	for i := range chat.UnreadInfos {
		if chat.UnreadInfos[i].UserID == userID && chat.UnreadInfos[i].Count > 0 {
			chat.UnreadInfos[i].Count = 0
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MissedMessages(_ context.Context, chatID, userID string, after time.Time, limit int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.ChatID.Hex() != chatID || m.SenderID == userID {
			continue
		}
		if !after.IsZero() && !m.CreatedAt.After(after) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RecentMessages(_ context.Context, chatID string, before *time.Time, limit int64) ([]models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Message
	for _, m := range s.msgs {
		if m.ChatID.Hex() != chatID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	hasMore := int64(len(out)) > limit
	if hasMore {
		out = out[int64(len(out))-limit:]
	}
	return out, hasMore, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// sentEvent records one emission through the fake emitter.
type sentEvent struct {
	Target  string // "room:<id>", "user:<id>", "conn:<id>" or "broadcast"
	Exclude string
	Event   Event
}

type memEmitter struct {
	mu     sync.Mutex
	events []sentEvent
}

func (e *memEmitter) record(target, exclude string, evt Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{Target: target, Exclude: exclude, Event: evt})
	return nil
}

func (e *memEmitter) ToRoom(_ context.Context, chatID string, evt Event) error {
	return e.record("room:"+chatID, "", evt)
}

func (e *memEmitter) ToRoomExcept(_ context.Context, chatID, exceptUser string, evt Event) error {
	return e.record("room:"+chatID, exceptUser, evt)
}

func (e *memEmitter) ToUser(_ context.Context, userID string, evt Event) error {
	return e.record("user:"+userID, "", evt)
}

func (e *memEmitter) ToConn(_ context.Context, connID string, evt Event) error {
	return e.record("conn:"+connID, "", evt)
}

func (e *memEmitter) Broadcast(_ context.Context, evt Event) error {
	return e.record("broadcast", "", evt)
}

func (e *memEmitter) ofType(eventType string) []sentEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sentEvent
	for _, s := range e.events {
		if s.Event.Type == eventType {
			out = append(out, s)
		}
	}
	return out
}

func (e *memEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

// memNotifier records dispatches to the notification boundary.
type memNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	Recipients []string
	Title      string
	Body       string
	Data       map[string]string
}

func (n *memNotifier) Send(_ context.Context, recipients []string, title, body string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]string, len(recipients))
	copy(cp, recipients)
	n.calls = append(n.calls, notifyCall{Recipients: cp, Title: title, Body: body, Data: data})
}
