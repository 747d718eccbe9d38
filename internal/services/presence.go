package services

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

const (
	presenceConnKeyPrefix   = "presence:conn:"
	presenceActiveKeyPrefix = "presence:active:"
)

// KV is the slice of the shared key-value store the presence registry
// needs. All operations are atomic on the store side, so concurrent
// register/unregister from unrelated connections (including ones on other
// server processes) never lose entries. Backed by Redis in production.
type KV interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Presence maps users to their live connection ids and to the chat each
// user currently has open. State lives in the shared store so it survives
// across server processes; a user with zero connections is absent from the
// registry, never present with an empty set.
type Presence struct {
	kv  KV
	ttl time.Duration
}

func NewPresence(kv KV, ttl time.Duration) *Presence {
	return &Presence{kv: kv, ttl: ttl}
}

func connKey(userID string) string   { return presenceConnKeyPrefix + userID }
func activeKey(userID string) string { return presenceActiveKeyPrefix + userID }

// Register adds a connection id to the user's connection set and arms the
// liveness TTL so a connection that dies without a clean close does not
// leave a permanent ghost entry.
func (p *Presence) Register(ctx context.Context, userID, connID string) error {
	if err := p.kv.SAdd(ctx, connKey(userID), connID); err != nil {
		return &models.TransientStoreError{Op: "presence register", Err: err}
	}
	if err := p.kv.Expire(ctx, connKey(userID), p.ttl); err != nil {
		return &models.TransientStoreError{Op: "presence register", Err: err}
	}
	return nil
}

// Unregister removes one connection. When it was the user's last one the
// whole entry and the active-chat entry are deleted, and last=true is
// returned so the gateway can broadcast the offline event.
func (p *Presence) Unregister(ctx context.Context, userID, connID string) (last bool, err error) {
	if err := p.kv.SRem(ctx, connKey(userID), connID); err != nil {
		return false, &models.TransientStoreError{Op: "presence unregister", Err: err}
	}
	n, err := p.kv.SCard(ctx, connKey(userID))
	if err != nil {
		return false, &models.TransientStoreError{Op: "presence unregister", Err: err}
	}
	if n > 0 {
		return false, nil
	}
	if err := p.kv.Del(ctx, connKey(userID), activeKey(userID)); err != nil {
		return true, &models.TransientStoreError{Op: "presence unregister", Err: err}
	}
	return true, nil
}

// ConnectionsOf returns the user's live connection ids. A transient store
// failure degrades to "treat as offline": it logs and returns nil rather
// than surfacing the error to delivery paths.
func (p *Presence) ConnectionsOf(ctx context.Context, userID string) []string {
	conns, err := p.kv.SMembers(ctx, connKey(userID))
	if err != nil {
		log.Printf("presence: connectionsOf %s failed, treating as offline: %v", userID, err)
		return nil
	}
	return conns
}

// SetActiveChat records the chat the user has foregrounded.
func (p *Presence) SetActiveChat(ctx context.Context, userID, chatID string) error {
	if err := p.kv.Set(ctx, activeKey(userID), chatID, p.ttl); err != nil {
		return &models.TransientStoreError{Op: "presence set active chat", Err: err}
	}
	return nil
}

// ClearActiveChat removes the active-chat entry; absent means "not viewing
// any chat".
func (p *Presence) ClearActiveChat(ctx context.Context, userID string) error {
	if err := p.kv.Del(ctx, activeKey(userID)); err != nil {
		return &models.TransientStoreError{Op: "presence clear active chat", Err: err}
	}
	return nil
}

// ActiveChatOf returns the chat the user has open, or "" when none. Store
// failures degrade to "" so a flaky store can only ever downgrade an
// instant seen into a delivered, never the reverse.
func (p *Presence) ActiveChatOf(ctx context.Context, userID string) string {
	chatID, ok, err := p.kv.Get(ctx, activeKey(userID))
	if err != nil {
		log.Printf("presence: activeChatOf %s failed: %v", userID, err)
		return ""
	}
	if !ok {
		return ""
	}
	return chatID
}

// OnlineUsers recomputes the online set from the full key space, not from
// deltas, so a missed register/unregister event self-heals on the next
// broadcast.
func (p *Presence) OnlineUsers(ctx context.Context) []string {
	keys, err := p.kv.Keys(ctx, presenceConnKeyPrefix+"*")
	if err != nil {
		log.Printf("presence: onlineUsers failed: %v", err)
		return nil
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, presenceConnKeyPrefix))
	}
	return users
}

// Heartbeat refreshes the liveness TTL on the user's presence entries.
// Driven by the client ping over the gateway connection.
func (p *Presence) Heartbeat(ctx context.Context, userID string) {
	if err := p.kv.Expire(ctx, connKey(userID), p.ttl); err != nil {
		log.Printf("presence: heartbeat %s failed: %v", userID, err)
		return
	}
	// Best effort; the active entry may legitimately be absent.
	_ = p.kv.Expire(ctx, activeKey(userID), p.ttl)
}

// redisKV adapts a go-redis client to the KV interface.
type redisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) KV {
	return &redisKV{client: client}
}

func (r *redisKV) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SAdd(ctx, key, vals...).Err()
}

func (r *redisKV) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SRem(ctx, key, vals...).Err()
}

func (r *redisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *redisKV) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *redisKV) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}
