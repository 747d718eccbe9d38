package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// ChatStore is the document-store collaborator: chats and messages are
// owned by it, and every mutation here is an individually atomic,
// idempotent update rather than a cross-store transaction.
type ChatStore interface {
	FindChat(ctx context.Context, chatID string) (*models.Chat, error)
	ChatsOf(ctx context.Context, userID string) ([]models.Chat, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	// UpdateChatOnSend points latestMessage at the new message and clears
	// every archive mark, in one update.
	UpdateChatOnSend(ctx context.Context, chatID string, msgID primitive.ObjectID) error
	// RaiseMessageStatus applies the monotonic merge at the storage layer:
	// the update only matches when the stored status is strictly below the
	// new one, so out-of-order arrivals converge.
	RaiseMessageStatus(ctx context.Context, msgID primitive.ObjectID, status models.MessageStatus) error
	MarkDelivered(ctx context.Context, msgID primitive.ObjectID, userID string) error
	// MarkSeenByUser marks every message in the chat not sent by the user
	// as seen by them; returns how many messages changed.
	MarkSeenByUser(ctx context.Context, chatID, userID string) (int64, error)
	SetNotified(ctx context.Context, msgID primitive.ObjectID) error
	// IncrementUnread bumps the counter of each target by one, inserting a
	// missing entry at zero first so concurrent sends neither duplicate
	// counters nor lose increments.
	IncrementUnread(ctx context.Context, chatID string, targets []string) error
	// ResetUnread zeroes one user's counter; reports whether it changed.
	ResetUnread(ctx context.Context, chatID, userID string) (bool, error)
	// MissedMessages returns up to limit messages for the user in the chat
	// strictly after the cutoff, newest-first.
	MissedMessages(ctx context.Context, chatID, userID string, after time.Time, limit int64) ([]models.Message, error)
	RecentMessages(ctx context.Context, chatID string, before *time.Time, limit int64) ([]models.Message, bool, error)
}

const (
	chatsCollection    = "chats"
	messagesCollection = "chat_messages"
)

// MongoChatStore implements ChatStore on MongoDB.
type MongoChatStore struct {
	db *mongo.Database
}

func NewMongoChatStore(db *mongo.Database) *MongoChatStore {
	return &MongoChatStore{db: db}
}

// EnsureChatIndexes configures indexes for the chat collections.
// Called on startup from main after Mongo has connected.
func (s *MongoChatStore) EnsureChatIndexes(ctx context.Context) error {
	msgCol := s.db.Collection(messagesCollection)

	// Compound index on (chat_id, created_at) to support the bounded
	// newest-first reconciliation query and history pagination.
	msgModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_chat_created"),
		},
	}
	for _, m := range msgModels {
		if _, err := msgCol.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}

	chatCol := s.db.Collection(chatsCollection)
	_, err := chatCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "members.user_id", Value: 1}},
		Options: options.Index().SetName("idx_members_user"),
	})
	return err
}

func parseObjectID(kind, id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, &models.NotFoundError{Kind: kind, ID: id}
	}
	return oid, nil
}

func (s *MongoChatStore) FindChat(ctx context.Context, chatID string) (*models.Chat, error) {
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return nil, err
	}

	var chat models.Chat
	err = s.db.Collection(chatsCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(&chat)
	if err == mongo.ErrNoDocuments {
		return nil, &models.NotFoundError{Kind: "chat", ID: chatID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "find chat")
	}
	return &chat, nil
}

func (s *MongoChatStore) ChatsOf(ctx context.Context, userID string) ([]models.Chat, error) {
	cur, err := s.db.Collection(chatsCollection).Find(ctx,
		bson.M{"members.user_id": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "chats of user")
	}
	defer cur.Close(ctx)

	var chats []models.Chat
	if err := cur.All(ctx, &chats); err != nil {
		return nil, errors.Wrap(err, "decode chats")
	}
	return chats, nil
}

func (s *MongoChatStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	res, err := s.db.Collection(messagesCollection).InsertOne(ctx, msg)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		msg.ID = oid
	}
	return nil
}

func (s *MongoChatStore) UpdateChatOnSend(ctx context.Context, chatID string, msgID primitive.ObjectID) error {
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(chatsCollection).UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{
			"$set": bson.M{
				"latest_message": msgID,
				"updated_at":     time.Now().UTC(),
				"archived_infos": []models.ArchivedInfo{},
			},
		},
	)
	return errors.Wrap(err, "update chat on send")
}

func (s *MongoChatStore) RaiseMessageStatus(ctx context.Context, msgID primitive.ObjectID, status models.MessageStatus) error {
	below := models.StatusesBelow(status)
	if len(below) == 0 {
		return nil
	}
	_, err := s.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": msgID, "status": bson.M{"$in": below}},
		bson.M{"$set": bson.M{"status": status}},
	)
	return errors.Wrap(err, "raise message status")
}

func (s *MongoChatStore) MarkDelivered(ctx context.Context, msgID primitive.ObjectID, userID string) error {
	col := s.db.Collection(messagesCollection)
	if _, err := col.UpdateOne(ctx,
		bson.M{"_id": msgID},
		bson.M{"$addToSet": bson.M{"delivered_to": userID}},
	); err != nil {
		return errors.Wrap(err, "mark delivered")
	}
	return s.RaiseMessageStatus(ctx, msgID, models.MessageStatusDelivered)
}

func (s *MongoChatStore) MarkSeenByUser(ctx context.Context, chatID, userID string) (int64, error) {
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return 0, err
	}
	col := s.db.Collection(messagesCollection)

	// Two separate idempotent updates: record the viewer in seen_by, then
	// raise the global status floor. The first one's modified count is the
	// "anything actually changed" signal for read receipts.
	res, err := col.UpdateMany(ctx,
		bson.M{
			"chat_id":   oid,
			"sender_id": bson.M{"$ne": userID},
			"seen_by":   bson.M{"$ne": userID},
			"status":    bson.M{"$ne": models.MessageStatusFailed},
		},
		bson.M{"$addToSet": bson.M{"seen_by": userID}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "mark seen")
	}

	if _, err := col.UpdateMany(ctx,
		bson.M{
			"chat_id":   oid,
			"sender_id": bson.M{"$ne": userID},
			"status":    bson.M{"$in": models.StatusesBelow(models.MessageStatusSeen)},
		},
		bson.M{"$set": bson.M{"status": models.MessageStatusSeen}},
	); err != nil {
		return 0, errors.Wrap(err, "raise seen status")
	}

	return res.ModifiedCount, nil
}

func (s *MongoChatStore) SetNotified(ctx context.Context, msgID primitive.ObjectID) error {
	_, err := s.db.Collection(messagesCollection).UpdateOne(ctx,
		bson.M{"_id": msgID, "notified": false},
		bson.M{"$set": bson.M{"notified": true}},
	)
	return errors.Wrap(err, "set notified")
}

func (s *MongoChatStore) IncrementUnread(ctx context.Context, chatID string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return err
	}
	col := s.db.Collection(chatsCollection)

	// Insert missing entries at zero. The guard on unread_infos.user_id
	// makes the push conditional, so two concurrent sends cannot create a
	// duplicate counter for the same member.
	for _, target := range targets {
		if _, err := col.UpdateOne(ctx,
			bson.M{"_id": oid, "unread_infos.user_id": bson.M{"$ne": target}},
			bson.M{"$push": bson.M{"unread_infos": models.UnreadInfo{UserID: target, Count: 0}}},
		); err != nil {
			return errors.Wrap(err, "insert unread entry")
		}
	}

	// Increment existing entries in a single atomic update.
	_, err = col.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$inc": bson.M{"unread_infos.$[u].count": 1}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"u.user_id": bson.M{"$in": targets}}},
		}),
	)
	return errors.Wrap(err, "increment unread")
}

func (s *MongoChatStore) ResetUnread(ctx context.Context, chatID, userID string) (bool, error) {
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return false, err
	}
	res, err := s.db.Collection(chatsCollection).UpdateOne(ctx,
		bson.M{"_id": oid, "unread_infos": bson.M{"$elemMatch": bson.M{"user_id": userID, "count": bson.M{"$gt": 0}}}},
		bson.M{"$set": bson.M{"unread_infos.$[u].count": int64(0)}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"u.user_id": userID}},
		}),
	)
	if err != nil {
		return false, errors.Wrap(err, "reset unread")
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoChatStore) MissedMessages(ctx context.Context, chatID, userID string, after time.Time, limit int64) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"chat_id":   oid,
		"sender_id": bson.M{"$ne": userID},
	}
	if !after.IsZero() {
		filter["created_at"] = bson.M{"$gt": after.UTC()}
	}

	cur, err := s.db.Collection(messagesCollection).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "missed messages")
	}
	defer cur.Close(ctx)

	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "decode missed messages")
	}
	return msgs, nil
}

// RecentMessages returns paginated chat history (newest-first scrolling),
// reversed to oldest-first for the client.
func (s *MongoChatStore) RecentMessages(ctx context.Context, chatID string, before *time.Time, limit int64) ([]models.Message, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	oid, err := parseObjectID("chat", chatID)
	if err != nil {
		return nil, false, err
	}

	filter := bson.M{"chat_id": oid}
	if before != nil {
		filter["created_at"] = bson.M{"$lt": before.UTC()}
	}

	cur, err := s.db.Collection(messagesCollection).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(limit+1),
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "recent messages")
	}
	defer cur.Close(ctx)

	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, false, errors.Wrap(err, "decode recent messages")
	}

	hasMore := int64(len(msgs)) > limit
	if hasMore {
		msgs = msgs[:len(msgs)-1]
	}

	// Reverse to oldest-first for the UI.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, hasMore, nil
}
