package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

const (
	chatRecentKeyPrefix = "chat:recent:"
	chatRecentMaxLen    = 50
	chatRecentTTL       = 1 * time.Hour
)

// RecentCache keeps the last few messages of each chat in Redis so the
// initial history load after a reconnect skips the document store.
type RecentCache struct {
	client *redis.Client
}

func NewRecentCache(client *redis.Client) *RecentCache {
	return &RecentCache{client: client}
}

func chatRecentKey(chatID string) string {
	return chatRecentKeyPrefix + chatID
}

// Push adds a message to the recent cache (newest at head). Called after
// saving to Mongo. LPUSH + LTRIM keeps the last 50.
func (c *RecentCache) Push(msg models.Message) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := chatRecentKey(msg.ChatID.Hex())
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, chatRecentMaxLen-1)
	pipe.Expire(ctx, key, chatRecentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("chat_cache: push failed for chat %s: %v", msg.ChatID.Hex(), err)
	}
}

// Recent returns the cached messages for a chat (oldest-first). Returns
// (messages, true) on hit, (nil, false) on miss.
func (c *RecentCache) Recent(ctx context.Context, chatID string) ([]models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.LRange(ctx, chatRecentKey(chatID), 0, -1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}

	var msgs []models.Message
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if json.Unmarshal([]byte(raw[i]), &m) != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// Warm stores messages in Redis (oldest at tail). Called on a document
// store fetch for an initial load.
func (c *RecentCache) Warm(ctx context.Context, chatID string, msgs []models.Message) {
	if c == nil || c.client == nil || len(msgs) == 0 {
		return
	}

	key := chatRecentKey(chatID)
	pipe := c.client.Pipeline()
	for i := len(msgs) - 1; i >= 0; i-- {
		data, err := json.Marshal(msgs[i])
		if err != nil {
			continue
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, chatRecentMaxLen-1)
	pipe.Expire(ctx, key, chatRecentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("chat_cache: warm failed for chat %s: %v", chatID, err)
	}
}

// pageFromCache decides whether a cached list can answer an initial load.
// A list exactly at the requested limit is ambiguous: the chat may have
// exactly that many messages or older ones beyond the cache, so that case
// falls through to the store, which answers hasMore exactly.
func pageFromCache(cached []models.Message, limit int64) (page []models.Message, hasMore, served bool) {
	n := int64(len(cached))
	switch {
	case n == limit:
		return nil, false, false
	case n > limit:
		return cached[n-limit:], true, true
	default:
		return cached, false, true
	}
}

// HistoryWithCache returns history for a chat. For initial loads
// (before==nil) it tries Redis first; on miss it fetches from the store
// and warms the cache.
func HistoryWithCache(ctx context.Context, store ChatStore, cache *RecentCache, chatID string, before *time.Time, limit int64) ([]models.Message, bool, error) {
	if before == nil && limit > 0 && limit <= chatRecentMaxLen {
		if cached, ok := cache.Recent(ctx, chatID); ok {
			if page, hasMore, served := pageFromCache(cached, limit); served {
				return page, hasMore, nil
			}
		}
	}

	msgs, hasMore, err := store.RecentMessages(ctx, chatID, before, limit)
	if err != nil {
		return nil, false, err
	}
	if before == nil && len(msgs) > 0 {
		cache.Warm(ctx, chatID, msgs)
	}
	return msgs, hasMore, nil
}
