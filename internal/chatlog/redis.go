package chatlog

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// messagesKey is the Redis key holding the chat history list.
const messagesKey = "parley:messages"

// RedisLog persists the bounded message history in a Redis list, so the
// recent window survives process restarts.
type RedisLog struct {
	client  redis.Cmdable
	maxSize int64
}

// NewRedisLog creates a RedisLog that retains up to maxSize messages.
func NewRedisLog(client redis.Cmdable, maxSize int) *RedisLog {
	return &RedisLog{
		client:  client,
		maxSize: int64(maxSize),
	}
}

func redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// Append stores a new message, trimming the list to maxSize.
func (l *RedisLog) Append(author, body string) *Message {
	now := time.Now()
	msg := &Message{
		ID:        newID(now),
		Author:    author,
		Body:      body,
		CreatedAt: now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("redis: failed to marshal message: %v", err)
		return msg
	}

	ctx, cancel := redisCtx()
	defer cancel()
	pipe := l.client.Pipeline()
	pipe.RPush(ctx, messagesKey, data)
	pipe.LTrim(ctx, messagesKey, -l.maxSize, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("redis: failed to append message: %v", err)
	}
	return msg
}

// findIndex scans the list for the message with the given ID. The list
// is bounded, so a linear scan stays cheap.
func (l *RedisLog) findIndex(ctx context.Context, id string) (int64, *Message, string, error) {
	vals, err := l.client.LRange(ctx, messagesKey, 0, -1).Result()
	if err != nil {
		return 0, nil, "", err
	}
	for i, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		if m.ID == id {
			return int64(i), &m, v, nil
		}
	}
	return 0, nil, "", ErrNotFound
}

// Edit replaces the body of the message with the given ID in place.
func (l *RedisLog) Edit(id, newBody, actor string, isModerator bool) (*Message, error) {
	ctx, cancel := redisCtx()
	defer cancel()

	idx, m, _, err := l.findIndex(ctx, id)
	if err != nil {
		if err != ErrNotFound {
			log.Printf("redis: failed to read messages: %v", err)
			err = ErrNotFound
		}
		return nil, err
	}
	if !canModify(m, actor, isModerator) {
		return nil, ErrForbidden
	}

	m.Body = newBody
	m.Edited = true
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("redis: failed to marshal message: %v", err)
		return nil, ErrNotFound
	}
	if err := l.client.LSet(ctx, messagesKey, idx, data).Err(); err != nil {
		log.Printf("redis: failed to edit message: %v", err)
		return nil, ErrNotFound
	}
	return m, nil
}

// Delete removes the message with the given ID.
func (l *RedisLog) Delete(id, actor string, isModerator bool) error {
	ctx, cancel := redisCtx()
	defer cancel()

	_, m, raw, err := l.findIndex(ctx, id)
	if err != nil {
		if err != ErrNotFound {
			log.Printf("redis: failed to read messages: %v", err)
			err = ErrNotFound
		}
		return err
	}
	if !canModify(m, actor, isModerator) {
		return ErrForbidden
	}

	if err := l.client.LRem(ctx, messagesKey, 1, raw).Err(); err != nil {
		log.Printf("redis: failed to delete message: %v", err)
		return ErrNotFound
	}
	return nil
}

// Recent returns up to limit messages, oldest to newest.
func (l *RedisLog) Recent(limit int) []*Message {
	ctx, cancel := redisCtx()
	defer cancel()

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := l.client.LRange(ctx, messagesKey, start, -1).Result()
	if err != nil {
		log.Printf("redis: failed to read recent messages: %v", err)
		return nil
	}

	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

// Len returns the number of stored messages.
func (l *RedisLog) Len() int {
	ctx, cancel := redisCtx()
	defer cancel()

	n, err := l.client.LLen(ctx, messagesKey).Result()
	if err != nil {
		log.Printf("redis: failed to count messages: %v", err)
		return 0
	}
	return int(n)
}
