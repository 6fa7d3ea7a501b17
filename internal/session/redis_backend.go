package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists session histories as redis lists keyed by session id.
// It is the distributed mode of the session store; valkey and redis servers
// are interchangeable.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RuntimeSnapshot reports backend parameters for status surfaces.
type RuntimeSnapshot struct {
	KeyPrefix string
	TTLSecs   int
}

// NewRedisBackend connects to the given URL and verifies connectivity.
func NewRedisBackend(url, keyPrefix string, ttlSecs int) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse session backend url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("session backend ping: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "cortex:session"
	}
	var ttl time.Duration
	if ttlSecs > 0 {
		ttl = time.Duration(ttlSecs) * time.Second
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

// KeyPrefix returns the configured key prefix.
func (b *RedisBackend) KeyPrefix() string { return b.keyPrefix }

// TTLSecs returns the configured per-session TTL, 0 when disabled.
func (b *RedisBackend) TTLSecs() int { return int(b.ttl / time.Second) }

func (b *RedisBackend) messagesKey(sessionID string) string {
	return fmt.Sprintf("%s:messages:%s", b.keyPrefix, sessionID)
}

func (b *RedisBackend) statsKey(sessionID string) string {
	return fmt.Sprintf("%s:stats:%s", b.keyPrefix, sessionID)
}

func (b *RedisBackend) streamKey(name string) string {
	return fmt.Sprintf("%s:stream:%s", b.keyPrefix, name)
}

// AppendMessages pushes messages onto the session list.
func (b *RedisBackend) AppendMessages(ctx context.Context, sessionID string, messages []ChatMessage) error {
	key := b.messagesKey(sessionID)
	encoded, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, encoded...)
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rpush session messages: %w", err)
	}
	return nil
}

// GetMessages loads the full history for a session.
func (b *RedisBackend) GetMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	raw, err := b.client.LRange(ctx, b.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange session messages: %w", err)
	}
	messages := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		messages = append(messages, decodeStoredMessage(item))
	}
	return messages, nil
}

// ReplaceMessages swaps the full history atomically: readers observe either
// the prior list or the new one.
func (b *RedisBackend) ReplaceMessages(ctx context.Context, sessionID string, messages []ChatMessage) (int, error) {
	key := b.messagesKey(sessionID)
	encoded, err := encodeMessages(messages)
	if err != nil {
		return 0, err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(encoded) > 0 {
		pipe.RPush(ctx, key, encoded...)
		if b.ttl > 0 {
			pipe.Expire(ctx, key, b.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("replace session messages: %w", err)
	}
	return len(messages), nil
}

// MessagesLen returns the stored message count without loading payloads.
func (b *RedisBackend) MessagesLen(ctx context.Context, sessionID string) (int, error) {
	n, err := b.client.LLen(ctx, b.messagesKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen session messages: %w", err)
	}
	return int(n), nil
}

// ClearMessages removes the session history and its window stats.
func (b *RedisBackend) ClearMessages(ctx context.Context, sessionID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.messagesKey(sessionID))
	pipe.Del(ctx, b.statsKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("del session messages: %w", err)
	}
	return nil
}

// PublishStreamEvent appends fields to an auxiliary append-only stream.
func (b *RedisBackend) PublishStreamEvent(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(stream),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd stream event: %w", err)
	}
	return id, nil
}

// DrainOldestMessages pops up to count elements (a whole number of pairs) and
// decrements the turn counter by the pairs removed in one transaction.
func (b *RedisBackend) DrainOldestMessages(ctx context.Context, sessionID string, count, turns int) ([]ChatMessage, error) {
	key := b.messagesKey(sessionID)
	raw, err := b.client.LRange(ctx, key, 0, int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange drain: %w", err)
	}
	raw = raw[:len(raw)-len(raw)%2]
	if pairs := len(raw) / 2; pairs < turns {
		turns = pairs
	}
	pipe := b.client.TxPipeline()
	pipe.LTrim(ctx, key, int64(len(raw)), -1)
	pipe.HIncrBy(ctx, b.statsKey(sessionID), "turns", int64(-turns))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ltrim drain: %w", err)
	}
	messages := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		messages = append(messages, decodeStoredMessage(item))
	}
	return messages, nil
}

// IncrStats bumps window bookkeeping counters.
func (b *RedisBackend) IncrStats(ctx context.Context, sessionID string, turns, auxTokens, summarySegments int) error {
	key := b.statsKey(sessionID)
	pipe := b.client.TxPipeline()
	if turns != 0 {
		pipe.HIncrBy(ctx, key, "turns", int64(turns))
	}
	if auxTokens != 0 {
		pipe.HIncrBy(ctx, key, "aux_tokens", int64(auxTokens))
	}
	if summarySegments != 0 {
		pipe.HIncrBy(ctx, key, "summary_segments", int64(summarySegments))
	}
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hincrby session stats: %w", err)
	}
	return nil
}

// GetStats reads window bookkeeping counters.
func (b *RedisBackend) GetStats(ctx context.Context, sessionID string) (WindowStats, error) {
	vals, err := b.client.HGetAll(ctx, b.statsKey(sessionID)).Result()
	if err != nil {
		return WindowStats{}, fmt.Errorf("hgetall session stats: %w", err)
	}
	var stats WindowStats
	fmt.Sscanf(vals["turns"], "%d", &stats.Turns)
	fmt.Sscanf(vals["aux_tokens"], "%d", &stats.AuxTokens)
	fmt.Sscanf(vals["summary_segments"], "%d", &stats.SummarySegments)
	return stats, nil
}

// AtomicResetSnapshot copies the live history to backupSID, writes the
// metadata marker to metaSID, and clears the live session in one
// transaction.
func (b *RedisBackend) AtomicResetSnapshot(ctx context.Context, sessionID, backupSID, metaSID string, meta BackupMetadata, live []ChatMessage) error {
	liveKey := b.messagesKey(sessionID)
	backupKey := b.messagesKey(backupSID)
	metaKey := b.messagesKey(metaSID)

	encoded, err := encodeMessages(live)
	if err != nil {
		return err
	}
	metaMsg, err := NewBackupMetaMessage(meta)
	if err != nil {
		return err
	}
	metaRaw, err := json.Marshal(metaMsg)
	if err != nil {
		return fmt.Errorf("marshal backup metadata message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, backupKey)
	if len(encoded) > 0 {
		pipe.RPush(ctx, backupKey, encoded...)
	}
	pipe.Del(ctx, metaKey)
	pipe.RPush(ctx, metaKey, string(metaRaw))
	pipe.Del(ctx, liveKey)
	pipe.Del(ctx, b.statsKey(sessionID))
	if b.ttl > 0 {
		pipe.Expire(ctx, backupKey, b.ttl)
		pipe.Expire(ctx, metaKey, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("atomic reset snapshot: %w", err)
	}
	return nil
}

// RuntimeInfo reports the backend's key prefix and TTL for status surfaces.
func (b *RedisBackend) RuntimeInfo() RuntimeSnapshot {
	return RuntimeSnapshot{KeyPrefix: b.keyPrefix, TTLSecs: b.TTLSecs()}
}

func encodeMessages(messages []ChatMessage) ([]any, error) {
	encoded := make([]any, 0, len(messages))
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal chat message: %w", err)
		}
		encoded = append(encoded, string(raw))
	}
	return encoded, nil
}
