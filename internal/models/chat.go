package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MessageStatus is the delivery lifecycle of a message.
// Valid forward transitions: pending -> sent -> delivered -> seen.
// "failed" is terminal and never upgraded or downgraded.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
	MessageStatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusSeen:      3,
}

// Rank returns the position of a status in the forward ordering.
// "failed" and unknown statuses rank as -1 and never participate in merges.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// MergeStatus applies the monotonic "max" merge: whichever of the two
// statuses is further along wins, so concurrent updates converge to the
// same value regardless of arrival order. A terminal "failed" sticks.
func MergeStatus(a, b MessageStatus) MessageStatus {
	if a == MessageStatusFailed {
		return a
	}
	if b == MessageStatusFailed {
		return b
	}
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// StatusesBelow returns every live status strictly below s. Used to build
// conditional updates that only ever move a message forward.
func StatusesBelow(s MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, c := range []MessageStatus{MessageStatusPending, MessageStatusSent, MessageStatusDelivered} {
		if c.Rank() < s.Rank() {
			out = append(out, c)
		}
	}
	return out
}

// MessageType describes the content kind of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeDocument MessageType = "document"
)

// Message is one document per message in the chat_messages collection.
// Status holds the monotonic maximum observed across recipients; the
// per-viewer status is re-derived from SeenBy/DeliveredTo when reading.
type Message struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ChatID      primitive.ObjectID `bson:"chat_id" json:"chat_id"`
	SenderID    string             `bson:"sender_id" json:"sender_id"`
	Type        MessageType        `bson:"type" json:"type"`
	Content     string             `bson:"content" json:"content"`
	Status      MessageStatus      `bson:"status" json:"status"`
	DeliveredTo []string           `bson:"delivered_to,omitempty" json:"delivered_to,omitempty"`
	SeenBy      []string           `bson:"seen_by,omitempty" json:"seen_by,omitempty"`
	Notified    bool               `bson:"notified" json:"-"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// StatusFor derives the viewer-relative status of a message: the stored
// global status is only trusted for monotonic progression, never as the
// ground truth for every viewer at once.
func (m *Message) StatusFor(viewer string) MessageStatus {
	if m.SenderID == viewer {
		return m.Status
	}
	for _, u := range m.SeenBy {
		if u == viewer {
			return MessageStatusSeen
		}
	}
	for _, u := range m.DeliveredTo {
		if u == viewer {
			return MessageStatusDelivered
		}
	}
	if m.Status == MessageStatusFailed {
		return MessageStatusFailed
	}
	return MessageStatusPending
}

// ChatMember is a user belonging to a chat, with a role ("admin" or "member").
type ChatMember struct {
	UserID string `bson:"user_id" json:"user_id"`
	Role   string `bson:"role" json:"role"`
}

// UnreadInfo is the per-user unread counter inside a chat document.
// At most one entry per user; count never goes below zero.
type UnreadInfo struct {
	UserID string `bson:"user_id" json:"user_id"`
	Count  int64  `bson:"count" json:"count"`
}

// DeletedInfo is a per-user soft-delete horizon: messages at or before
// DeletedAt are hidden for that user, not erased. Monotonically
// non-decreasing per user.
type DeletedInfo struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	DeletedAt time.Time `bson:"deleted_at" json:"deleted_at"`
}

// ArchivedInfo marks a chat archived for a user; cleared whenever any new
// message arrives in the chat.
type ArchivedInfo struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	ArchivedAt time.Time `bson:"archived_at" json:"archived_at"`
}

// Chat is the chat document owned by the document store.
type Chat struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name          string             `bson:"name,omitempty" json:"name,omitempty"`
	IsGroup       bool               `bson:"is_group" json:"is_group"`
	Members       []ChatMember       `bson:"members" json:"members"`
	UnreadInfos   []UnreadInfo       `bson:"unread_infos,omitempty" json:"unread_infos,omitempty"`
	DeletedInfos  []DeletedInfo      `bson:"deleted_infos,omitempty" json:"deleted_infos,omitempty"`
	ArchivedInfos []ArchivedInfo     `bson:"archived_infos,omitempty" json:"archived_infos,omitempty"`
	LatestMessage primitive.ObjectID `bson:"latest_message,omitempty" json:"latest_message,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// IsMember reports whether userID belongs to the chat.
func (c *Chat) IsMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// OtherMemberIDs returns every member id except the given one.
func (c *Chat) OtherMemberIDs(userID string) []string {
	var out []string
	for _, m := range c.Members {
		if m.UserID != userID {
			out = append(out, m.UserID)
		}
	}
	return out
}

// UnreadCountFor returns the unread counter for a user, zero when absent.
func (c *Chat) UnreadCountFor(userID string) int64 {
	for _, u := range c.UnreadInfos {
		if u.UserID == userID {
			return u.Count
		}
	}
	return 0
}

// DeletedAtFor returns the soft-delete cutoff for a user, if any.
func (c *Chat) DeletedAtFor(userID string) (time.Time, bool) {
	for _, d := range c.DeletedInfos {
		if d.UserID == userID {
			return d.DeletedAt, true
		}
	}
	return time.Time{}, false
}
