package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// CallRelay forwards call lifecycle and negotiation payloads between the
// participants of a chat. It keeps no call state beyond the live exchange;
// a participant with no live connection is silently skipped, because calls
// are live-only and nothing queues.
type CallRelay struct {
	store    ChatStore
	presence *Presence
	events   Emitter
}

func NewCallRelay(store ChatStore, presence *Presence, events Emitter) *CallRelay {
	return &CallRelay{store: store, presence: presence, events: events}
}

func (c *CallRelay) memberCheck(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := c.store.FindChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsMember(userID) {
		return nil, &models.PermissionError{UserID: userID, ChatID: chatID}
	}
	return chat, nil
}

// RequestCall rings every other chat member on each of their connections.
func (c *CallRelay) RequestCall(ctx context.Context, callerID, chatID string, mode models.CallMode) error {
	chat, err := c.memberCheck(ctx, callerID, chatID)
	if err != nil {
		return err
	}

	evt := Event{
		Type:     EventIncomingCall,
		ChatID:   chatID,
		UserID:   callerID,
		CallMode: mode,
	}
	reached := 0
	for _, member := range chat.OtherMemberIDs(callerID) {
		for _, connID := range c.presence.ConnectionsOf(ctx, member) {
			if err := c.events.ToConn(ctx, connID, evt); err != nil {
				log.Printf("calls: incoming-call to %s failed: %v", connID, err)
				continue
			}
			reached++
		}
	}
	if reached == 0 {
		// Nobody reachable: the caller learns by absence of response.
		log.Printf("calls: no reachable participant for chat %s", chatID)
	}
	return nil
}

// AcceptCall notifies the first reachable non-receiver participant that
// the call was picked up. Only one accept is honored; the first responder
// wins. The relay does not track caller identity across the session.
func (c *CallRelay) AcceptCall(ctx context.Context, receiverID, chatID string) error {
	chat, err := c.memberCheck(ctx, receiverID, chatID)
	if err != nil {
		return err
	}

	evt := Event{
		Type:   EventAcceptedCall,
		ChatID: chatID,
		UserID: receiverID,
	}
	for _, member := range chat.OtherMemberIDs(receiverID) {
		conns := c.presence.ConnectionsOf(ctx, member)
		if len(conns) == 0 {
			continue
		}
		for _, connID := range conns {
			if err := c.events.ToConn(ctx, connID, evt); err != nil {
				log.Printf("calls: accepted-call to %s failed: %v", connID, err)
			}
		}
		return nil
	}
	return nil
}

// EndCall fans the hang-up out to every other participant.
func (c *CallRelay) EndCall(ctx context.Context, userID, chatID string) error {
	chat, err := c.memberCheck(ctx, userID, chatID)
	if err != nil {
		return err
	}

	evt := Event{
		Type:   EventEndedCall,
		ChatID: chatID,
		UserID: userID,
	}
	for _, member := range chat.OtherMemberIDs(userID) {
		for _, connID := range c.presence.ConnectionsOf(ctx, member) {
			if err := c.events.ToConn(ctx, connID, evt); err != nil {
				log.Printf("calls: ended-call to %s failed: %v", connID, err)
			}
		}
	}
	return nil
}

// RelaySignal forwards an offer/answer/candidate payload verbatim to one
// specific connection, without inspecting it.
func (c *CallRelay) RelaySignal(ctx context.Context, fromUserID, toConnID, eventType string, payload json.RawMessage) error {
	return c.events.ToConn(ctx, toConnID, Event{
		Type:    eventType,
		UserID:  fromUserID,
		Payload: payload,
	})
}
